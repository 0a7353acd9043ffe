package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "forge-test.db")
	logger := zerolog.New(os.Stderr)
	s, err := New(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_CreatesSchema(t *testing.T) {
	s := newTestStore(t)

	tables := []string{
		"intent", "intent_violation", "product", "product_step",
		"loop", "loop_action", "loop_pause", "project",
	}
	for _, table := range tables {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}
}

func TestProduct_SaveAndGet(t *testing.T) {
	s := newTestStore(t)

	p := &Product{
		ID:        "prod-1",
		ProjectID: "proj-1",
		Name:      "Task Manager API",
		Stack:     "Go, SQLite",
		Objective: "REST API for task management",
		Status:    ProductPending,
	}
	require.NoError(t, s.SaveProduct(p))

	got, err := s.GetProduct("prod-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, ProductPending, got.Status)
	assert.Empty(t, got.VersionTag)

	missing, err := s.GetProduct("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestProduct_FinalizeOnce(t *testing.T) {
	s := newTestStore(t)

	p := &Product{ID: "prod-1", Name: "x", Status: ProductRunning}
	require.NoError(t, s.SaveProduct(p))

	require.NoError(t, s.FinalizeProduct("prod-1", "v0.1.0", "done"))

	got, err := s.GetProduct("prod-1")
	require.NoError(t, err)
	assert.Equal(t, "v0.1.0", got.VersionTag)

	// Second finalize must not reassign the tag.
	err = s.FinalizeProduct("prod-1", "v0.2.0", "again")
	assert.Error(t, err)

	got, err = s.GetProduct("prod-1")
	require.NoError(t, err)
	assert.Equal(t, "v0.1.0", got.VersionTag)
}

func TestStep_UniquePerProduct(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveProduct(&Product{ID: "prod-1", Name: "x", Status: ProductPending}))

	st := &Step{ID: "step-1", ProductID: "prod-1", StepName: "generate_code", Status: StepPending}
	require.NoError(t, s.CreateStep(st))

	dup := &Step{ID: "step-2", ProductID: "prod-1", StepName: "generate_code", Status: StepPending}
	assert.Error(t, s.CreateStep(dup), "duplicate (product_id, step_name) must be rejected")
}

func TestStep_CompleteIsTransactional(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveProduct(&Product{ID: "prod-1", Name: "x", Status: ProductRunning}))
	require.NoError(t, s.CreateStep(&Step{ID: "step-1", ProductID: "prod-1", StepName: "generate_code", Status: StepPending}))

	// Completing a step that is not running must change nothing.
	err := s.CompleteStep("prod-1", "generate_code", `{"ok":true}`)
	assert.Error(t, err)

	got, err := s.GetStep("prod-1", "generate_code")
	require.NoError(t, err)
	assert.Equal(t, StepPending, got.Status)
	assert.Empty(t, got.OutputData)

	require.NoError(t, s.MarkStepRunning("prod-1", "generate_code", `{"in":1}`))
	require.NoError(t, s.CompleteStep("prod-1", "generate_code", `{"ok":true}`))

	got, err = s.GetStep("prod-1", "generate_code")
	require.NoError(t, err)
	assert.Equal(t, StepDone, got.Status)
	assert.Equal(t, `{"ok":true}`, got.OutputData)
	assert.NotZero(t, got.CompletedAt)
}

func TestStep_FailLeavesOtherStepsAlone(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveProduct(&Product{ID: "prod-1", Name: "x", Status: ProductRunning}))
	require.NoError(t, s.CreateStep(&Step{ID: "s1", ProductID: "prod-1", StepName: "generate_code", Status: StepPending}))
	require.NoError(t, s.CreateStep(&Step{ID: "s2", ProductID: "prod-1", StepName: "create_tests", Status: StepPending}))

	require.NoError(t, s.MarkStepRunning("prod-1", "generate_code", ""))
	require.NoError(t, s.CompleteStep("prod-1", "generate_code", `{}`))
	require.NoError(t, s.MarkStepRunning("prod-1", "create_tests", ""))
	require.NoError(t, s.FailStep("prod-1", "create_tests", "pytest timed out"))

	first, err := s.GetStep("prod-1", "generate_code")
	require.NoError(t, err)
	assert.Equal(t, StepDone, first.Status, "failure must not invalidate completed steps")

	second, err := s.GetStep("prod-1", "create_tests")
	require.NoError(t, err)
	assert.Equal(t, StepFailed, second.Status)
	assert.Equal(t, "pytest timed out", second.ErrorMessage)
}

func TestStep_HasRunning(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveProduct(&Product{ID: "prod-1", Name: "x", Status: ProductRunning}))
	require.NoError(t, s.CreateStep(&Step{ID: "s1", ProductID: "prod-1", StepName: "generate_code", Status: StepPending}))

	running, err := s.HasRunningStep("prod-1")
	require.NoError(t, err)
	assert.False(t, running)

	require.NoError(t, s.MarkStepRunning("prod-1", "generate_code", ""))
	running, err = s.HasRunningStep("prod-1")
	require.NoError(t, err)
	assert.True(t, running)
}

func TestIntent_SaveGetAndViolations(t *testing.T) {
	s := newTestStore(t)

	in := &Intent{
		ID:              "int-1",
		IntentType:      "create",
		ProductName:     "Task Manager",
		BusinessGoal:    "help teams track work",
		TargetAudience:  "small teams",
		SuccessCriteria: "users can manage tasks",
		Constraints:     "follow engineering best practice",
		RiskLevel:       "low",
		Status:          IntentDraft,
	}
	require.NoError(t, s.SaveIntent(in))

	got, err := s.GetIntent("int-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, IntentDraft, got.Status)

	require.NoError(t, s.RecordViolation(&Violation{
		ID: "v-1", IntentID: "int-1", Actor: "api",
		AttemptedField: "business_goal", AttemptedValue: "something else",
	}))

	violations, err := s.ListViolations("int-1")
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "business_goal", violations[0].AttemptedField)
}

func TestLoop_ActionsAndPauses(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveProduct(&Product{ID: "prod-1", Name: "x", Status: ProductRunning}))

	l := &Loop{
		ID: "loop-1", ProductID: "prod-1", Status: LoopIdle,
		MaxIterations: 5, MaxTimeSeconds: 300, MaxImpactScore: 10, PauseEvery: 3,
	}
	require.NoError(t, s.SaveLoop(l))

	require.NoError(t, s.RecordLoopAction(&LoopAction{
		ID: "a-1", LoopID: "loop-1", ActionType: "execute",
		Justification: "tests failing", ResultingState: "running",
	}))
	require.NoError(t, s.RecordLoopPause(&LoopPause{
		ID: "p-1", LoopID: "loop-1", Reason: "mandatory_pause",
	}))
	require.NoError(t, s.ResolveLoopPause("loop-1", "resumed"))

	actions, err := s.ListLoopActions("loop-1")
	require.NoError(t, err)
	require.Len(t, actions, 1)

	pauses, err := s.ListLoopPauses("loop-1")
	require.NoError(t, err)
	require.Len(t, pauses, 1)
	assert.Equal(t, "resumed", pauses[0].Outcome)
	assert.NotZero(t, pauses[0].ResumedAt)
}
