package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blugreen/forge/internal/errs"
	"github.com/blugreen/forge/internal/intent"
	"github.com/blugreen/forge/internal/store"
)

type fixture struct {
	store    *store.Store
	intents  *intent.Manager
	executor *Executor
	runner   *scriptedRunner
	product  *store.Product
}

// scriptedRunner fails the steps named in failOn, once each, and records the
// order steps ran in.
type scriptedRunner struct {
	failOn map[string]error
	ran    []string
	inputs map[string]map[string]any
}

func (r *scriptedRunner) RunStep(ctx context.Context, p *store.Product, in *store.Intent, stepName string, input map[string]any) (map[string]any, error) {
	r.ran = append(r.ran, stepName)
	if r.inputs == nil {
		r.inputs = make(map[string]map[string]any)
	}
	r.inputs[stepName] = input
	if err, ok := r.failOn[stepName]; ok {
		delete(r.failOn, stepName)
		return nil, err
	}
	return map[string]any{"step": stepName, "ok": true}, nil
}

func newFixture(t *testing.T, failOn map[string]error) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	intents := intent.NewManager(st, nil, zerolog.Nop())
	in, err := intents.CaptureIntent(intent.Capture{
		IntentType:      "create",
		ProductName:     "todo-api",
		BusinessGoal:    "track work",
		TargetAudience:  "teams",
		SuccessCriteria: "tests pass",
		Constraints:     "none",
		RiskLevel:       "low",
	})
	require.NoError(t, err)
	_, err = intents.Validate(in.ID)
	require.NoError(t, err)
	_, err = intents.Freeze(in.ID)
	require.NoError(t, err)

	product := &store.Product{
		ID:       uuid.NewString(),
		IntentID: in.ID,
		Name:     "todo-api",
		Stack:    "python",
		Status:   store.ProductPending,
	}
	require.NoError(t, st.SaveProduct(product))

	runner := &scriptedRunner{failOn: failOn}
	return &fixture{
		store:    st,
		intents:  intents,
		executor: NewExecutor(st, intents, runner, nil, zerolog.Nop()),
		runner:   runner,
		product:  product,
	}
}

func TestTransitions(t *testing.T) {
	assert.NoError(t, CanTransition(StepGenerateCode, store.StepPending, store.StepRunning))
	assert.NoError(t, CanTransition(StepGenerateCode, store.StepRunning, store.StepDone))
	assert.NoError(t, CanTransition(StepGenerateCode, store.StepRunning, store.StepFailed))
	assert.NoError(t, CanTransition(StepGenerateCode, store.StepFailed, store.StepRunning))

	err := CanTransition(StepFinalizeProduct, store.StepFailed, store.StepRunning)
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotIdempotent, errs.CodeOf(err))

	err = CanTransition(StepGenerateCode, store.StepDone, store.StepRunning)
	require.Error(t, err)
	assert.Equal(t, errs.CodeIllegalTransition, errs.CodeOf(err))

	err = CanTransition(StepGenerateCode, store.StepPending, store.StepDone)
	require.Error(t, err)
	assert.Equal(t, errs.CodeIllegalTransition, errs.CodeOf(err))
}

func TestFullRun(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.executor.Start(context.Background(), f.product.ID))
	f.executor.Wait()

	assert.Equal(t, StepOrder, f.runner.ran)

	p, err := f.store.GetProduct(f.product.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProductCompleted, p.Status)

	steps, err := f.store.ListSteps(f.product.ID)
	require.NoError(t, err)
	require.Len(t, steps, len(StepOrder))
	for _, st := range steps {
		assert.Equal(t, store.StepDone, st.Status, st.StepName)
		assert.NotEmpty(t, st.OutputData)
	}
}

func TestInputMaterializedFromRows(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.executor.Start(context.Background(), f.product.ID))
	f.executor.Wait()

	in := f.runner.inputs[StepCreateTests]
	require.NotNil(t, in)
	assert.Equal(t, "track work", in["business_goal"])

	prior, ok := in["prior_steps"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, prior, StepGenerateCode)
	assert.NotContains(t, prior, StepGenerateDocs)
}

func TestFailureHaltsAndResumes(t *testing.T) {
	f := newFixture(t, map[string]error{StepCreateTests: errors.New("flaky model")})

	require.NoError(t, f.executor.Start(context.Background(), f.product.ID))
	f.executor.Wait()

	p, err := f.store.GetProduct(f.product.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProductFailed, p.Status)

	st, err := f.store.GetStep(f.product.ID, StepCreateTests)
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, st.Status)
	assert.Contains(t, st.ErrorMessage, "flaky model")

	// later steps never started
	st, err = f.store.GetStep(f.product.ID, StepGenerateDocs)
	require.NoError(t, err)
	assert.Equal(t, store.StepPending, st.Status)

	// resume: done steps are skipped, the failed one retries
	require.NoError(t, f.executor.Start(context.Background(), f.product.ID))
	f.executor.Wait()

	p, err = f.store.GetProduct(f.product.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProductCompleted, p.Status)

	// generate_code ran only once across both runs
	count := 0
	for _, name := range f.runner.ran {
		if name == StepGenerateCode {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestMutualExclusion(t *testing.T) {
	f := newFixture(t, nil)
	f.executor.mu.Lock()
	f.executor.active[f.product.ID] = struct{}{}
	f.executor.mu.Unlock()

	err := f.executor.Start(context.Background(), f.product.ID)
	require.Error(t, err)
	assert.Equal(t, errs.CodeExecutionInProgress, errs.CodeOf(err))
}

func TestStartRequiresFrozenIntent(t *testing.T) {
	f := newFixture(t, nil)

	draft, err := f.intents.CaptureIntent(intent.Capture{IntentType: "create", ProductName: "p"})
	require.NoError(t, err)
	p2 := &store.Product{ID: uuid.NewString(), IntentID: draft.ID, Name: "p", Status: store.ProductPending}
	require.NoError(t, f.store.SaveProduct(p2))

	err = f.executor.Start(context.Background(), p2.ID)
	require.Error(t, err)
	assert.Equal(t, errs.CodePreconditionNotMet, errs.CodeOf(err))
}

func TestIntegrityFaultHaltsPipeline(t *testing.T) {
	f := newFixture(t, nil)

	// tamper after freeze, before execution
	in, err := f.intents.Get(f.product.IntentID)
	require.NoError(t, err)
	in.BusinessGoal = "tampered"
	require.NoError(t, f.store.SaveIntent(in))

	err = f.executor.Start(context.Background(), f.product.ID)
	require.Error(t, err)
	assert.Equal(t, errs.CodeIntegrityFault, errs.CodeOf(err))
	assert.Empty(t, f.runner.ran)
}

func TestInterruptedStepReclaimed(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.executor.Plan(f.product.ID))

	// simulate a crash mid-step: row left in running state
	require.NoError(t, f.store.MarkStepRunning(f.product.ID, StepGenerateCode, "{}"))

	require.NoError(t, f.executor.Start(context.Background(), f.product.ID))
	f.executor.Wait()

	p, err := f.store.GetProduct(f.product.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProductCompleted, p.Status)
	assert.Contains(t, f.runner.ran, StepGenerateCode)
}

func TestInterruptedFinalizeIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.executor.Plan(f.product.ID))

	// all steps done except finalize, which was interrupted mid-run
	for _, name := range StepOrder[:len(StepOrder)-1] {
		require.NoError(t, f.store.MarkStepRunning(f.product.ID, name, "{}"))
		out, _ := json.Marshal(map[string]any{"ok": true})
		require.NoError(t, f.store.CompleteStep(f.product.ID, name, string(out)))
	}
	require.NoError(t, f.store.MarkStepRunning(f.product.ID, StepFinalizeProduct, "{}"))

	require.NoError(t, f.executor.Start(context.Background(), f.product.ID))
	f.executor.Wait()

	p, err := f.store.GetProduct(f.product.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProductFailed, p.Status)

	st, err := f.store.GetStep(f.product.ID, StepFinalizeProduct)
	require.NoError(t, err)
	assert.Equal(t, store.StepFailed, st.Status)
	assert.Empty(t, f.runner.ran)
}
