package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS intent (
		id TEXT PRIMARY KEY,
		intent_type TEXT NOT NULL,
		product_name TEXT NOT NULL DEFAULT '',
		business_goal TEXT NOT NULL DEFAULT '',
		target_audience TEXT NOT NULL DEFAULT '',
		success_criteria TEXT NOT NULL DEFAULT '',
		constraints TEXT NOT NULL DEFAULT '',
		risk_level TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'draft',
		content_hash TEXT,
		created_at INTEGER NOT NULL,
		validated_at INTEGER,
		frozen_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS intent_violation (
		id TEXT PRIMARY KEY,
		intent_id TEXT NOT NULL REFERENCES intent(id),
		actor TEXT NOT NULL,
		attempted_field TEXT NOT NULL,
		attempted_value TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_violation_intent ON intent_violation(intent_id);

	CREATE TABLE IF NOT EXISTS product (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL DEFAULT '',
		intent_id TEXT,
		name TEXT NOT NULL,
		stack TEXT NOT NULL DEFAULT '',
		objective TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		version_tag TEXT,
		summary TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_product_status ON product(status);

	CREATE TABLE IF NOT EXISTS product_step (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES product(id),
		step_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		input_data TEXT,
		output_data TEXT,
		error_message TEXT,
		started_at INTEGER,
		completed_at INTEGER,
		UNIQUE(product_id, step_name)
	);

	CREATE INDEX IF NOT EXISTS idx_step_product ON product_step(product_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migration v1: %w", err)
	}
	return nil
}

func (s *Store) migrateV2() error {
	schema := `
	CREATE TABLE IF NOT EXISTS loop (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES product(id),
		intent_id TEXT,
		status TEXT NOT NULL DEFAULT 'idle',
		max_iterations INTEGER NOT NULL,
		max_time_seconds INTEGER NOT NULL,
		max_impact_score INTEGER NOT NULL,
		pause_every INTEGER NOT NULL,
		iterations INTEGER NOT NULL DEFAULT 0,
		impact_score INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_loop_product ON loop(product_id);

	CREATE TABLE IF NOT EXISTS loop_action (
		id TEXT PRIMARY KEY,
		loop_id TEXT NOT NULL REFERENCES loop(id),
		action_type TEXT NOT NULL,
		justification TEXT NOT NULL,
		resulting_state TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_action_loop ON loop_action(loop_id);

	CREATE TABLE IF NOT EXISTS loop_pause (
		id TEXT PRIMARY KEY,
		loop_id TEXT NOT NULL REFERENCES loop(id),
		reason TEXT NOT NULL,
		outcome TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		resumed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_pause_loop ON loop_pause(loop_id);

	CREATE TABLE IF NOT EXISTS project (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		repository_url TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'draft',
		summary TEXT,
		created_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migration v2: %w", err)
	}
	return nil
}
