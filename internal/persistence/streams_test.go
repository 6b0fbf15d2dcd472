package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/statusboard/internal/persistence"
	"github.com/basket/statusboard/internal/staleness"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestStreams_AppendAndRead(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedProject(t, store, "p1")
	seedFeature(t, store, "p1", "f1")

	logged, err := store.AppendTestLog(ctx, staleness.TestLogEntry{
		ProjectID:   "p1",
		FeatureID:   "f1",
		FeatureName: "Login flow",
		TestType:    "e2e",
		Target:      "staging",
		Result:      "pass",
		Verified:    []string{"redirect", "cookie set"},
		TestedAt:    t0.Add(15 * time.Second),
	})
	if err != nil {
		t.Fatalf("append test log: %v", err)
	}
	if logged.ID == 0 {
		t.Fatal("expected assigned id")
	}
	if _, err := store.AppendFileChange(ctx, staleness.FileChangeEntry{
		ProjectID: "p1", FeatureID: "f1", FilePath: "auth/login.go", ChangedAt: t0.Add(10 * time.Second),
	}); err != nil {
		t.Fatalf("append file change: %v", err)
	}

	tests, err := store.TestLogs(ctx, "f1")
	if err != nil {
		t.Fatalf("test logs: %v", err)
	}
	if len(tests) != 1 {
		t.Fatalf("got %d tests", len(tests))
	}
	got := tests[0]
	if got.TestType != "e2e" || got.Target != "staging" || len(got.Verified) != 2 || got.Verified[1] != "cookie set" {
		t.Fatalf("unexpected test log: %+v", got)
	}
	if !got.TestedAt.Equal(t0.Add(15 * time.Second)) {
		t.Fatalf("tested_at = %v", got.TestedAt)
	}

	changes, err := store.FileChanges(ctx, "f1")
	if err != nil {
		t.Fatalf("file changes: %v", err)
	}
	if len(changes) != 1 || changes[0].FilePath != "auth/login.go" {
		t.Fatalf("unexpected changes: %+v", changes)
	}

	nt, nc, err := store.StreamLengths(ctx, "f1")
	if err != nil {
		t.Fatalf("stream lengths: %v", err)
	}
	if nt != 1 || nc != 1 {
		t.Fatalf("lengths = %d/%d", nt, nc)
	}
}

func TestStreams_ZeroTimestampMeansNow(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedProject(t, store, "p1")

	before := time.Now().Add(-time.Second)
	e, err := store.AppendTestLog(ctx, staleness.TestLogEntry{ProjectID: "p1", TestType: "unit", Target: "local", Result: "pass"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e.TestedAt.Before(before) {
		t.Fatalf("tested_at = %v, expected now", e.TestedAt)
	}
	if e.Verified == nil {
		t.Fatal("verified should default to an empty list")
	}
}

func TestStreams_RejectUnknownReferences(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedProject(t, store, "p1")

	_, err := store.AppendTestLog(ctx, staleness.TestLogEntry{ProjectID: "p1", FeatureID: "ghost", TestType: "unit", Target: "local", Result: "pass"})
	if !errors.Is(err, persistence.ErrInvalidReference) {
		t.Fatalf("expected ErrInvalidReference, got %v", err)
	}
	_, err = store.AppendFileChange(ctx, staleness.FileChangeEntry{ProjectID: "nope", FilePath: "x.go"})
	if !errors.Is(err, persistence.ErrInvalidReference) {
		t.Fatalf("expected ErrInvalidReference, got %v", err)
	}
}

func TestStreams_RecentIsNewestFirstAndBounded(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedProject(t, store, "p1")
	seedFeature(t, store, "p1", "f1")

	for i := 0; i < 25; i++ {
		if _, err := store.AppendTestLog(ctx, staleness.TestLogEntry{
			ProjectID: "p1", FeatureID: "f1", TestType: "unit", Target: "local", Result: "pass",
			TestedAt: t0.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	recent, err := store.RecentTestLogs(ctx, "f1", 20)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 20 {
		t.Fatalf("got %d entries", len(recent))
	}
	if !recent[0].TestedAt.Equal(t0.Add(24 * time.Minute)) {
		t.Fatalf("newest = %v", recent[0].TestedAt)
	}
}

// Engine over the real store: the change-test-change sequence flips staleness
// and the memo notices each append.
func TestStreams_EngineOverStore(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedProject(t, store, "p1")
	seedFeature(t, store, "p1", "login")
	eng := staleness.NewEngine(store, staleness.Options{Memoize: true})

	if _, err := store.AppendFileChange(ctx, staleness.FileChangeEntry{ProjectID: "p1", FeatureID: "login", FilePath: "a.go", ChangedAt: t0.Add(10 * time.Second)}); err != nil {
		t.Fatalf("append change: %v", err)
	}
	st, err := eng.Derive(ctx, "login")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !bool(st.IsStale) || st.LastTestedAt != nil {
		t.Fatalf("expected stale and untested, got %s", st)
	}

	if _, err := store.AppendTestLog(ctx, staleness.TestLogEntry{ProjectID: "p1", FeatureID: "login", TestType: "e2e", Target: "staging", Result: "pass", TestedAt: t0.Add(15 * time.Second)}); err != nil {
		t.Fatalf("append test: %v", err)
	}
	st, err = eng.Derive(ctx, "login")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if bool(st.IsStale) || !st.LastTestedAt.Equal(t0.Add(15*time.Second)) {
		t.Fatalf("expected fresh at T+15, got %s", st)
	}

	if _, err := store.AppendFileChange(ctx, staleness.FileChangeEntry{ProjectID: "p1", FeatureID: "login", FilePath: "a.go", ChangedAt: t0.Add(20 * time.Second)}); err != nil {
		t.Fatalf("append change: %v", err)
	}
	st, err = eng.Derive(ctx, "login")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !bool(st.IsStale) || !st.LastModifiedAt.Equal(t0.Add(20*time.Second)) || !st.LastTestedAt.Equal(t0.Add(15*time.Second)) {
		t.Fatalf("expected stale at T+20 with test at T+15, got %s", st)
	}
}
