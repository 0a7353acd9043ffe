package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Loop statuses.
const (
	LoopIdle      = "idle"
	LoopRunning   = "running"
	LoopPaused    = "paused"
	LoopCompleted = "completed"
	LoopAborted   = "aborted"
	LoopCancelled = "cancelled"
)

// Loop is a bounded autonomous execution loop over a product.
type Loop struct {
	ID             string
	ProductID      string
	IntentID       string
	Status         string
	MaxIterations  int
	MaxTimeSeconds int
	MaxImpactScore int
	PauseEvery     int
	Iterations     int
	ImpactScore    int
	Result         string
	CreatedAt      int64 // unix ms
	StartedAt      int64
	FinishedAt     int64
}

// LoopAction is the append-only audit record of one loop cycle decision.
type LoopAction struct {
	ID             string
	LoopID         string
	ActionType     string
	Justification  string
	ResultingState string
	CreatedAt      int64
}

// LoopPause is the append-only audit record of a loop pause.
type LoopPause struct {
	ID        string
	LoopID    string
	Reason    string
	Outcome   string // "", "resumed", "cancelled"
	CreatedAt int64
	ResumedAt int64
}

// SaveLoop inserts or updates a loop row.
func (s *Store) SaveLoop(l *Loop) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l.CreatedAt == 0 {
		l.CreatedAt = time.Now().UnixMilli()
	}

	query := `
	INSERT OR REPLACE INTO loop (
		id, product_id, intent_id, status, max_iterations, max_time_seconds,
		max_impact_score, pause_every, iterations, impact_score, result,
		created_at, started_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		l.ID, l.ProductID, nullStr(l.IntentID), l.Status, l.MaxIterations, l.MaxTimeSeconds,
		l.MaxImpactScore, l.PauseEvery, l.Iterations, l.ImpactScore, nullStr(l.Result),
		l.CreatedAt, nullInt(l.StartedAt), nullInt(l.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save loop: %w", err)
	}
	return nil
}

// GetLoop retrieves a loop by ID. Returns nil when not found.
func (s *Store) GetLoop(id string) (*Loop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l := &Loop{}
	var intentID, result sql.NullString
	var startedAt, finishedAt sql.NullInt64

	query := `
	SELECT id, product_id, intent_id, status, max_iterations, max_time_seconds,
	       max_impact_score, pause_every, iterations, impact_score, result,
	       created_at, started_at, finished_at
	FROM loop WHERE id = ?
	`
	err := s.db.QueryRow(query, id).Scan(
		&l.ID, &l.ProductID, &intentID, &l.Status, &l.MaxIterations, &l.MaxTimeSeconds,
		&l.MaxImpactScore, &l.PauseEvery, &l.Iterations, &l.ImpactScore, &result,
		&l.CreatedAt, &startedAt, &finishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loop: %w", err)
	}

	l.IntentID = intentID.String
	l.Result = result.String
	l.StartedAt = startedAt.Int64
	l.FinishedAt = finishedAt.Int64
	return l, nil
}

// RecordLoopAction appends a loop action audit record.
func (s *Store) RecordLoopAction(a *LoopAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().UnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO loop_action (id, loop_id, action_type, justification, resulting_state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.LoopID, a.ActionType, a.Justification, a.ResultingState, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record loop action: %w", err)
	}
	return nil
}

// ListLoopActions returns a loop's actions in record order.
func (s *Store) ListLoopActions(loopID string) ([]*LoopAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, loop_id, action_type, justification, resulting_state, created_at
		 FROM loop_action WHERE loop_id = ? ORDER BY id`,
		loopID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list loop actions: %w", err)
	}
	defer rows.Close()

	var out []*LoopAction
	for rows.Next() {
		a := &LoopAction{}
		if err := rows.Scan(&a.ID, &a.LoopID, &a.ActionType, &a.Justification, &a.ResultingState, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan loop action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordLoopPause appends a loop pause audit record.
func (s *Store) RecordLoopPause(p *LoopPause) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().UnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO loop_pause (id, loop_id, reason, outcome, created_at, resumed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.LoopID, p.Reason, p.Outcome, p.CreatedAt, nullInt(p.ResumedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record loop pause: %w", err)
	}
	return nil
}

// ResolveLoopPause marks the most recent open pause with its outcome.
func (s *Store) ResolveLoopPause(loopID, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE loop_pause SET outcome = ?, resumed_at = ?
		 WHERE id = (SELECT id FROM loop_pause WHERE loop_id = ? AND outcome = '' ORDER BY created_at DESC LIMIT 1)`,
		outcome, time.Now().UnixMilli(), loopID,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve loop pause: %w", err)
	}
	return nil
}

// ListLoopPauses returns a loop's pauses, oldest first.
func (s *Store) ListLoopPauses(loopID string) ([]*LoopPause, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, loop_id, reason, outcome, created_at, resumed_at
		 FROM loop_pause WHERE loop_id = ? ORDER BY created_at`,
		loopID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list loop pauses: %w", err)
	}
	defer rows.Close()

	var out []*LoopPause
	for rows.Next() {
		p := &LoopPause{}
		var resumedAt sql.NullInt64
		if err := rows.Scan(&p.ID, &p.LoopID, &p.Reason, &p.Outcome, &p.CreatedAt, &resumedAt); err != nil {
			return nil, fmt.Errorf("failed to scan loop pause: %w", err)
		}
		p.ResumedAt = resumedAt.Int64
		out = append(out, p)
	}
	return out, rows.Err()
}
