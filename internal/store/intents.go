package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Intent statuses.
const (
	IntentDraft     = "draft"
	IntentValidated = "validated"
	IntentFrozen    = "frozen"
)

// Intent is the persisted product-intent contract. Once frozen its semantic
// fields are immutable; the content hash is the source of truth.
type Intent struct {
	ID              string
	IntentType      string // create | evolve | understand
	ProductName     string
	BusinessGoal    string
	TargetAudience  string
	SuccessCriteria string
	Constraints     string
	RiskLevel       string
	Status          string
	ContentHash     string
	CreatedAt       int64 // unix ms
	ValidatedAt     int64
	FrozenAt        int64
}

// Violation is a recorded, rejected attempt to mutate a frozen intent.
type Violation struct {
	ID             string
	IntentID       string
	Actor          string
	AttemptedField string
	AttemptedValue string
	CreatedAt      int64
}

// SaveIntent inserts or updates an intent row.
func (s *Store) SaveIntent(in *Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.CreatedAt == 0 {
		in.CreatedAt = time.Now().UnixMilli()
	}

	query := `
	INSERT OR REPLACE INTO intent (
		id, intent_type, product_name, business_goal, target_audience,
		success_criteria, constraints, risk_level, status, content_hash,
		created_at, validated_at, frozen_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		in.ID, in.IntentType, in.ProductName, in.BusinessGoal, in.TargetAudience,
		in.SuccessCriteria, in.Constraints, in.RiskLevel, in.Status, nullStr(in.ContentHash),
		in.CreatedAt, nullInt(in.ValidatedAt), nullInt(in.FrozenAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save intent: %w", err)
	}
	return nil
}

// GetIntent retrieves an intent by ID. Returns nil when not found.
func (s *Store) GetIntent(id string) (*Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in := &Intent{}
	var hash sql.NullString
	var validatedAt, frozenAt sql.NullInt64

	query := `
	SELECT id, intent_type, product_name, business_goal, target_audience,
	       success_criteria, constraints, risk_level, status, content_hash,
	       created_at, validated_at, frozen_at
	FROM intent WHERE id = ?
	`
	err := s.db.QueryRow(query, id).Scan(
		&in.ID, &in.IntentType, &in.ProductName, &in.BusinessGoal, &in.TargetAudience,
		&in.SuccessCriteria, &in.Constraints, &in.RiskLevel, &in.Status, &hash,
		&in.CreatedAt, &validatedAt, &frozenAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intent: %w", err)
	}

	in.ContentHash = hash.String
	in.ValidatedAt = validatedAt.Int64
	in.FrozenAt = frozenAt.Int64
	return in, nil
}

// RecordViolation appends a violation row. Violations are never deleted.
func (s *Store) RecordViolation(v *Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v.CreatedAt == 0 {
		v.CreatedAt = time.Now().UnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO intent_violation (id, intent_id, actor, attempted_field, attempted_value, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.IntentID, v.Actor, v.AttemptedField, v.AttemptedValue, v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record violation: %w", err)
	}
	return nil
}

// ListViolations returns all violations for an intent, oldest first.
func (s *Store) ListViolations(intentID string) ([]*Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, intent_id, actor, attempted_field, attempted_value, created_at
		 FROM intent_violation WHERE intent_id = ? ORDER BY created_at`,
		intentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	var out []*Violation
	for rows.Next() {
		v := &Violation{}
		if err := rows.Scan(&v.ID, &v.IntentID, &v.Actor, &v.AttemptedField, &v.AttemptedValue, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
