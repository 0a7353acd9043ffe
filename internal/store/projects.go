package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Project statuses (assume flow).
const (
	ProjectDraft   = "draft"
	ProjectAssumed = "assumed"
	ProjectFailed  = "failed"
)

// Project is an assumed external repository under management.
type Project struct {
	ID            string
	Name          string
	RepositoryURL string
	Branch        string
	Status        string
	Summary       string
	CreatedAt     int64 // unix ms
}

// SaveProject inserts or updates a project row.
func (s *Store) SaveProject(p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().UnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO project (id, name, repository_url, branch, status, summary, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.RepositoryURL, p.Branch, p.Status, nullStr(p.Summary), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID. Returns nil when not found.
func (s *Store) GetProject(id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := &Project{}
	var summary sql.NullString

	err := s.db.QueryRow(
		`SELECT id, name, repository_url, branch, status, summary, created_at
		 FROM project WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.RepositoryURL, &p.Branch, &p.Status, &summary, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	p.Summary = summary.String
	return p, nil
}
