package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	RepoPath      string    `json:"repo_path"`
	StagingURL    string    `json:"staging_url"`
	ProductionURL string    `json:"production_url"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

const projectColumns = `id, name, description, repo_path, staging_url, production_url, status, created_at, updated_at`

func scanProject(scan func(dest ...any) error, p *Project) error {
	return scan(&p.ID, &p.Name, &p.Description, &p.RepoPath, &p.StagingURL,
		&p.ProductionURL, &p.Status, &p.CreatedAt, &p.UpdatedAt)
}

// CreateProject inserts p. An empty ID is replaced with a generated UUID.
func (s *Store) CreateProject(ctx context.Context, p Project) (Project, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = "active"
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (`+projectColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, p.ID, p.Name, p.Description, p.RepoPath, p.StagingURL, p.ProductionURL, p.Status, p.CreatedAt, p.UpdatedAt)
		return err
	})
	if err != nil {
		return Project{}, classify("create project", err)
	}
	return p, nil
}

func (s *Store) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?;`, id)
	if err := scanProject(row.Scan, &p); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
		}
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjects returns every project, most recently active first.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY updated_at DESC, id;`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	out := []Project{}
	for rows.Next() {
		var p Project
		if err := scanProject(rows.Scan, &p); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func touchProjectTx(ctx context.Context, tx *sql.Tx, projectID string, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET updated_at = ? WHERE id = ?;`, at, projectID); err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	return nil
}
