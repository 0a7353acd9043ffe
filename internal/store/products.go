package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Product statuses.
const (
	ProductPending   = "pending"
	ProductRunning   = "running"
	ProductCompleted = "completed"
	ProductFailed    = "failed"
)

// Product is a unit of create/evolve work bound to a frozen intent.
type Product struct {
	ID         string
	ProjectID  string
	IntentID   string
	Name       string
	Stack      string
	Objective  string
	Status     string
	VersionTag string
	Summary    string
	CreatedAt  int64 // unix ms
	UpdatedAt  int64 // unix ms
}

// SaveProduct inserts or updates a product.
func (s *Store) SaveProduct(p *Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	query := `
	INSERT OR REPLACE INTO product (
		id, project_id, intent_id, name, stack, objective,
		status, version_tag, summary, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		p.ID, p.ProjectID, nullStr(p.IntentID), p.Name, p.Stack, p.Objective,
		p.Status, nullStr(p.VersionTag), nullStr(p.Summary), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	return nil
}

// GetProduct retrieves a product by ID. Returns nil when not found.
func (s *Store) GetProduct(id string) (*Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := &Product{}
	var intentID, versionTag, summary sql.NullString

	query := `
	SELECT id, project_id, intent_id, name, stack, objective,
	       status, version_tag, summary, created_at, updated_at
	FROM product WHERE id = ?
	`
	err := s.db.QueryRow(query, id).Scan(
		&p.ID, &p.ProjectID, &intentID, &p.Name, &p.Stack, &p.Objective,
		&p.Status, &versionTag, &summary, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}

	p.IntentID = intentID.String
	p.VersionTag = versionTag.String
	p.Summary = summary.String
	return p, nil
}

// UpdateProductStatus updates a product's status.
func (s *Store) UpdateProductStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		`UPDATE product SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update product status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("product %s not found", id)
	}
	return nil
}

// FinalizeProduct assigns version_tag and summary exactly once. Returns an
// error if a version tag is already present; the tag is never reassigned.
func (s *Store) FinalizeProduct(id, versionTag, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		`UPDATE product SET version_tag = ?, summary = ?, updated_at = ?
		 WHERE id = ? AND version_tag IS NULL`,
		versionTag, summary, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize product: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("product %s already finalized or not found", id)
	}
	return nil
}
