package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Step statuses.
const (
	StepPending = "pending"
	StepRunning = "running"
	StepDone    = "done"
	StepFailed  = "failed"
)

// Step is one unit of the fixed pipeline bound to a product. (product_id,
// step_name) is unique; the schema enforces it.
type Step struct {
	ID           string
	ProductID    string
	StepName     string
	Status       string
	InputData    string // JSON
	OutputData   string // JSON
	ErrorMessage string
	StartedAt    int64 // unix ms, 0 = never started
	CompletedAt  int64 // unix ms, 0 = not completed
}

// CreateStep inserts a new step row. Fails if (product_id, step_name) exists.
func (s *Store) CreateStep(st *Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	INSERT INTO product_step (id, product_id, step_name, status, input_data)
	VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, st.ID, st.ProductID, st.StepName, st.Status, nullStr(st.InputData))
	if err != nil {
		return fmt.Errorf("failed to create step: %w", err)
	}
	return nil
}

// GetStep retrieves a step by product and name. Returns nil when not found.
func (s *Store) GetStep(productID, stepName string) (*Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanStep(s.db.QueryRow(
		`SELECT id, product_id, step_name, status, input_data, output_data,
		        error_message, started_at, completed_at
		 FROM product_step WHERE product_id = ? AND step_name = ?`,
		productID, stepName,
	))
}

// ListSteps returns all steps for a product in insertion (pipeline) order.
func (s *Store) ListSteps(productID string) ([]*Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, product_id, step_name, status, input_data, output_data,
		        error_message, started_at, completed_at
		 FROM product_step WHERE product_id = ? ORDER BY rowid`,
		productID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		st, err := s.scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// MarkStepRunning flips a step to running, recording started_at and clearing
// any previous error. The caller (pipeline) enforces transition legality.
func (s *Store) MarkStepRunning(productID, stepName, inputData string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		`UPDATE product_step
		 SET status = ?, input_data = ?, error_message = NULL, started_at = ?, completed_at = NULL
		 WHERE product_id = ? AND step_name = ?`,
		StepRunning, nullStr(inputData), time.Now().UnixMilli(), productID, stepName,
	)
	if err != nil {
		return fmt.Errorf("failed to mark step running: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("step %s/%s not found", productID, stepName)
	}
	return nil
}

// CompleteStep persists output and flips status to done in one transaction.
// Either both happen or neither does.
func (s *Store) CompleteStep(productID, stepName, outputData string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`UPDATE product_step
		 SET status = ?, output_data = ?, error_message = NULL, completed_at = ?
		 WHERE product_id = ? AND step_name = ? AND status = ?`,
		StepDone, outputData, time.Now().UnixMilli(), productID, stepName, StepRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to complete step: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("step %s/%s is not running", productID, stepName)
	}
	return tx.Commit()
}

// FailStep persists the error message and flips status to failed. Other
// steps' rows are untouched.
func (s *Store) FailStep(productID, stepName, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		`UPDATE product_step
		 SET status = ?, error_message = ?, completed_at = ?
		 WHERE product_id = ? AND step_name = ?`,
		StepFailed, errorMessage, time.Now().UnixMilli(), productID, stepName,
	)
	if err != nil {
		return fmt.Errorf("failed to fail step: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("step %s/%s not found", productID, stepName)
	}
	return nil
}

// HasRunningStep reports whether any step of the product is persisted as
// running. A running row with no live in-process execution is a crash
// leftover that the executor reclaims on resume.
func (s *Store) HasRunningStep(productID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM product_step WHERE product_id = ? AND status = ?`,
		productID, StepRunning,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check running steps: %w", err)
	}
	return count > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanStep(row rowScanner) (*Step, error) {
	st := &Step{}
	var input, output, errMsg sql.NullString
	var startedAt, completedAt sql.NullInt64

	err := row.Scan(
		&st.ID, &st.ProductID, &st.StepName, &st.Status,
		&input, &output, &errMsg, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan step: %w", err)
	}

	st.InputData = input.String
	st.OutputData = output.String
	st.ErrorMessage = errMsg.String
	st.StartedAt = startedAt.Int64
	st.CompletedAt = completedAt.Int64
	return st, nil
}
