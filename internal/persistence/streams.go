package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/statusboard/internal/staleness"
)

// --- Append-only streams ---
//
// Rows in test_logs and file_changes are never updated or deleted outside a
// cascade from their project or feature.

const testLogColumns = `id, project_id, COALESCE(feature_id, ''), feature_name, test_type, target, result, verified, note, tested_at`

func scanTestLog(scan func(dest ...any) error, e *staleness.TestLogEntry) error {
	var verified string
	if err := scan(&e.ID, &e.ProjectID, &e.FeatureID, &e.FeatureName, &e.TestType,
		&e.Target, &e.Result, &verified, &e.Note, &e.TestedAt); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(verified), &e.Verified); err != nil {
		return fmt.Errorf("decode verified list: %w", err)
	}
	return nil
}

// AppendTestLog records a verification event. A zero TestedAt means now.
func (s *Store) AppendTestLog(ctx context.Context, e staleness.TestLogEntry) (staleness.TestLogEntry, error) {
	e.TestedAt = s.stamp(e.TestedAt)
	if e.Verified == nil {
		e.Verified = []string{}
	}
	verified, err := json.Marshal(e.Verified)
	if err != nil {
		return e, fmt.Errorf("encode verified list: %w", err)
	}

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO test_logs (project_id, feature_id, feature_name, test_type, target, result, verified, note, tested_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, e.ProjectID, nullString(e.FeatureID), e.FeatureName, e.TestType, e.Target, e.Result, string(verified), e.Note, e.TestedAt)
		if err != nil {
			return err
		}
		if e.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		if err := touchProjectTx(ctx, tx, e.ProjectID, s.now()); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return e, classify("append test log", err)
	}
	return e, nil
}

// AppendFileChange records that a file belonging to a feature changed. A
// zero ChangedAt means now.
func (s *Store) AppendFileChange(ctx context.Context, e staleness.FileChangeEntry) (staleness.FileChangeEntry, error) {
	e.ChangedAt = s.stamp(e.ChangedAt)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO file_changes (project_id, feature_id, file_path, commit_hash, changed_at)
			VALUES (?, ?, ?, ?, ?);
		`, e.ProjectID, nullString(e.FeatureID), e.FilePath, e.CommitHash, e.ChangedAt)
		if err != nil {
			return err
		}
		if e.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		if err := touchProjectTx(ctx, tx, e.ProjectID, s.now()); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return e, classify("append file change", err)
	}
	return e, nil
}

// TestLogs returns every test log for a feature in insertion order.
func (s *Store) TestLogs(ctx context.Context, featureID string) ([]staleness.TestLogEntry, error) {
	return s.queryTestLogs(ctx, `SELECT `+testLogColumns+` FROM test_logs WHERE feature_id = ? ORDER BY id;`, featureID)
}

// RecentTestLogs returns up to limit test logs for a feature, newest first.
func (s *Store) RecentTestLogs(ctx context.Context, featureID string, limit int) ([]staleness.TestLogEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.queryTestLogs(ctx, `
		SELECT `+testLogColumns+` FROM test_logs
		WHERE feature_id = ?
		ORDER BY tested_at DESC, id DESC
		LIMIT ?;
	`, featureID, limit)
}

func (s *Store) queryTestLogs(ctx context.Context, q string, args ...any) ([]staleness.TestLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query test logs: %w", err)
	}
	defer rows.Close()

	out := []staleness.TestLogEntry{}
	for rows.Next() {
		var e staleness.TestLogEntry
		if err := scanTestLog(rows.Scan, &e); err != nil {
			return nil, fmt.Errorf("scan test log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const fileChangeColumns = `id, project_id, COALESCE(feature_id, ''), file_path, commit_hash, changed_at`

// FileChanges returns every file change for a feature in insertion order.
func (s *Store) FileChanges(ctx context.Context, featureID string) ([]staleness.FileChangeEntry, error) {
	return s.queryFileChanges(ctx, `SELECT `+fileChangeColumns+` FROM file_changes WHERE feature_id = ? ORDER BY id;`, featureID)
}

// RecentFileChanges returns up to limit file changes for a feature, newest first.
func (s *Store) RecentFileChanges(ctx context.Context, featureID string, limit int) ([]staleness.FileChangeEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.queryFileChanges(ctx, `
		SELECT `+fileChangeColumns+` FROM file_changes
		WHERE feature_id = ?
		ORDER BY changed_at DESC, id DESC
		LIMIT ?;
	`, featureID, limit)
}

func (s *Store) queryFileChanges(ctx context.Context, q string, args ...any) ([]staleness.FileChangeEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query file changes: %w", err)
	}
	defer rows.Close()

	out := []staleness.FileChangeEntry{}
	for rows.Next() {
		var e staleness.FileChangeEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.FeatureID, &e.FilePath, &e.CommitHash, &e.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan file change: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StreamLengths returns the number of test logs and file changes for a feature.
func (s *Store) StreamLengths(ctx context.Context, featureID string) (tests, changes int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(1) FROM test_logs WHERE feature_id = ?),
			(SELECT COUNT(1) FROM file_changes WHERE feature_id = ?);
	`, featureID, featureID).Scan(&tests, &changes)
	if err != nil {
		return 0, 0, fmt.Errorf("stream lengths: %w", err)
	}
	return tests, changes, nil
}

var _ staleness.Source = (*Store)(nil)
