package persistence

import (
	"context"
	"fmt"
	"time"
)

// Consideration is a free-form note attached to a project and optionally a feature.
type Consideration struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	FeatureID string    `json:"feature_id,omitempty"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) CreateConsideration(ctx context.Context, c Consideration) (Consideration, error) {
	c.CreatedAt = s.now()
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO considerations (project_id, feature_id, author, body, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, c.ProjectID, nullString(c.FeatureID), c.Author, c.Body, c.CreatedAt)
		if err != nil {
			return err
		}
		c.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Consideration{}, classify("create consideration", err)
	}
	return c, nil
}

// ListConsiderations returns a project's considerations, newest first.
func (s *Store) ListConsiderations(ctx context.Context, projectID string) ([]Consideration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, COALESCE(feature_id, ''), author, body, created_at
		FROM considerations
		WHERE project_id = ?
		ORDER BY id DESC;
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list considerations: %w", err)
	}
	defer rows.Close()

	out := []Consideration{}
	for rows.Next() {
		var c Consideration
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.FeatureID, &c.Author, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan consideration: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
