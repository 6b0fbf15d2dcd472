package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/statusboard/internal/persistence"
	"github.com/basket/statusboard/internal/staleness"
)

const features = 20

func fail(label string, err error) {
	fmt.Printf("%s=%v\n", label, err)
	os.Exit(1)
}

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "statusboard-backup-drill-*")
	if err != nil {
		fail("mktemp_error", err)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "statusboard.db")
	backupPath := filepath.Join(baseDir, "backup.db")

	store, err := persistence.Open(dbPath)
	if err != nil {
		fail("open_store_error", err)
	}
	defer store.Close()

	if _, err := store.CreateProject(ctx, persistence.Project{ID: "drill", Name: "backup drill"}); err != nil {
		fail("create_project_error", err)
	}
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := make([]string, 0, features)
	for i := 0; i < features; i++ {
		f, err := store.CreateFeature(ctx, persistence.Feature{ProjectID: "drill", Name: fmt.Sprintf("feature-%d", i)})
		if err != nil {
			fail("create_feature_error", err)
		}
		ids = append(ids, f.ID)
		// Odd features get their change after the test and end up stale.
		testAt, changeAt := t0.Add(time.Hour), t0
		if i%2 == 1 {
			changeAt = t0.Add(2 * time.Hour)
		}
		if _, err := store.AppendFileChange(ctx, staleness.FileChangeEntry{ProjectID: "drill", FeatureID: f.ID, FilePath: "main.go", ChangedAt: changeAt}); err != nil {
			fail("append_change_error", err)
		}
		if _, err := store.AppendTestLog(ctx, staleness.TestLogEntry{ProjectID: "drill", FeatureID: f.ID, TestType: "e2e", Result: "pass", TestedAt: testAt}); err != nil {
			fail("append_test_error", err)
		}
	}

	before, err := staleness.NewEngine(store, staleness.Options{}).DeriveMany(ctx, ids)
	if err != nil {
		fail("derive_source_error", err)
	}

	backupStart := time.Now().UTC()
	if err := store.Backup(ctx, backupPath); err != nil {
		fail("backup_error", err)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restored, err := persistence.Open(backupPath)
	if err != nil {
		fail("open_restore_error", err)
	}
	defer restored.Close()
	restoreEnd := time.Now().UTC()

	after, err := staleness.NewEngine(restored, staleness.Options{}).DeriveMany(ctx, ids)
	if err != nil {
		fail("derive_restore_error", err)
	}

	stale, mismatched := 0, 0
	for _, id := range ids {
		if after[id].IsStale {
			stale++
		}
		if after[id].IsStale != before[id].IsStale || after[id].LastTestType != before[id].LastTestType {
			mismatched++
		}
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_features=%d\n", len(after))
	fmt.Printf("restored_stale=%d\n", stale)
	fmt.Printf("state_mismatches=%d\n", mismatched)

	if len(after) != features || stale != features/2 || mismatched != 0 {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
