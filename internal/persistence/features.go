package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Feature statuses, in workflow order.
const (
	FeatureNotStarted = "not-started"
	FeatureInProgress = "in-progress"
	FeatureBlocked    = "blocked"
	FeatureReady      = "ready"
	FeatureDone       = "done"
)

var featureStatuses = []string{FeatureNotStarted, FeatureInProgress, FeatureBlocked, FeatureReady, FeatureDone}

// ValidFeatureStatus reports whether status is one the store accepts.
func ValidFeatureStatus(status string) bool {
	return slices.Contains(featureStatuses, status)
}

// ErrInvalidStatus is returned for a feature status outside the workflow.
var ErrInvalidStatus = errors.New("invalid feature status")

type Feature struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Blocker   string    `json:"blocker"`
	SortOrder int       `json:"sort_order"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FeatureUpdate carries the mutable fields of a feature. Nil fields are left unchanged.
type FeatureUpdate struct {
	Status  *string
	Blocker *string
}

const featureColumns = `id, project_id, name, status, blocker, sort_order, created_at, updated_at`

func scanFeature(scan func(dest ...any) error, f *Feature) error {
	return scan(&f.ID, &f.ProjectID, &f.Name, &f.Status, &f.Blocker, &f.SortOrder, &f.CreatedAt, &f.UpdatedAt)
}

func (s *Store) CreateFeature(ctx context.Context, f Feature) (Feature, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Status == "" {
		f.Status = FeatureNotStarted
	}
	if !ValidFeatureStatus(f.Status) {
		return Feature{}, fmt.Errorf("create feature: %w: %q", ErrInvalidStatus, f.Status)
	}
	now := s.now()
	f.CreatedAt, f.UpdatedAt = now, now

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO features (`+featureColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, f.ID, f.ProjectID, f.Name, f.Status, f.Blocker, f.SortOrder, f.CreatedAt, f.UpdatedAt); err != nil {
			return err
		}
		if err := touchProjectTx(ctx, tx, f.ProjectID, now); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return Feature{}, classify("create feature", err)
	}
	return f, nil
}

func (s *Store) GetFeature(ctx context.Context, id string) (Feature, error) {
	var f Feature
	row := s.db.QueryRowContext(ctx, `SELECT `+featureColumns+` FROM features WHERE id = ?;`, id)
	if err := scanFeature(row.Scan, &f); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Feature{}, fmt.Errorf("feature %s: %w", id, ErrNotFound)
		}
		return Feature{}, fmt.Errorf("get feature: %w", err)
	}
	return f, nil
}

// ListFeatures returns a project's features in display order.
func (s *Store) ListFeatures(ctx context.Context, projectID string) ([]Feature, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+featureColumns+` FROM features
		WHERE project_id = ?
		ORDER BY sort_order, name;
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer rows.Close()

	out := []Feature{}
	for rows.Next() {
		var f Feature
		if err := scanFeature(rows.Scan, &f); err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpdateFeature applies u and returns the updated feature.
func (s *Store) UpdateFeature(ctx context.Context, id string, u FeatureUpdate) (Feature, error) {
	if u.Status != nil && !ValidFeatureStatus(*u.Status) {
		return Feature{}, fmt.Errorf("update feature: %w: %q", ErrInvalidStatus, *u.Status)
	}
	now := s.now()
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE features SET
				status = COALESCE(?, status),
				blocker = COALESCE(?, blocker),
				updated_at = ?
			WHERE id = ?;
		`, u.Status, u.Blocker, now, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
	if err != nil {
		return Feature{}, classify("update feature "+id, err)
	}
	return s.GetFeature(ctx, id)
}
