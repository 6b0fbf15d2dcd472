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

var leadStatuses = []string{"new", "contacted", "qualified", "won", "lost"}

// ErrInvalidLeadStatus is returned for a lead status outside leadStatuses.
var ErrInvalidLeadStatus = errors.New("invalid lead status")

func ValidLeadStatus(status string) bool {
	return slices.Contains(leadStatuses, status)
}

type Lead struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	Contact   string    `json:"contact"`
	Status    string    `json:"status"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LeadUpdate carries the mutable fields of a lead. Nil fields are left unchanged.
type LeadUpdate struct {
	Name    *string
	Contact *string
	Status  *string
	Note    *string
}

const leadColumns = `id, project_id, name, contact, status, note, created_at, updated_at`

func scanLead(scan func(dest ...any) error, l *Lead) error {
	return scan(&l.ID, &l.ProjectID, &l.Name, &l.Contact, &l.Status, &l.Note, &l.CreatedAt, &l.UpdatedAt)
}

func (s *Store) CreateLead(ctx context.Context, l Lead) (Lead, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = "new"
	}
	if !ValidLeadStatus(l.Status) {
		return Lead{}, fmt.Errorf("create lead: %w: %q", ErrInvalidLeadStatus, l.Status)
	}
	now := s.now()
	l.CreatedAt, l.UpdatedAt = now, now
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO leads (`+leadColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, l.ID, l.ProjectID, l.Name, l.Contact, l.Status, l.Note, l.CreatedAt, l.UpdatedAt)
		return err
	})
	if err != nil {
		return Lead{}, classify("create lead", err)
	}
	return l, nil
}

func (s *Store) GetLead(ctx context.Context, id string) (Lead, error) {
	var l Lead
	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?;`, id)
	if err := scanLead(row.Scan, &l); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Lead{}, fmt.Errorf("lead %s: %w", id, ErrNotFound)
		}
		return Lead{}, fmt.Errorf("get lead: %w", err)
	}
	return l, nil
}

// ListLeads returns a project's leads, most recently updated first.
func (s *Store) ListLeads(ctx context.Context, projectID string) ([]Lead, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+leadColumns+` FROM leads
		WHERE project_id = ?
		ORDER BY updated_at DESC, id;
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()

	out := []Lead{}
	for rows.Next() {
		var l Lead
		if err := scanLead(rows.Scan, &l); err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) UpdateLead(ctx context.Context, id string, u LeadUpdate) (Lead, error) {
	if u.Status != nil && !ValidLeadStatus(*u.Status) {
		return Lead{}, fmt.Errorf("update lead: %w: %q", ErrInvalidLeadStatus, *u.Status)
	}
	now := s.now()
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE leads SET
				name = COALESCE(?, name),
				contact = COALESCE(?, contact),
				status = COALESCE(?, status),
				note = COALESCE(?, note),
				updated_at = ?
			WHERE id = ?;
		`, u.Name, u.Contact, u.Status, u.Note, now, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
	if err != nil {
		return Lead{}, classify("update lead "+id, err)
	}
	return s.GetLead(ctx, id)
}

// DeleteLead removes a lead and returns the deleted row.
func (s *Store) DeleteLead(ctx context.Context, id string) (Lead, error) {
	l, err := s.GetLead(ctx, id)
	if err != nil {
		return Lead{}, err
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM leads WHERE id = ?;`, id)
		return err
	})
	if err != nil {
		return Lead{}, classify("delete lead "+id, err)
	}
	return l, nil
}
