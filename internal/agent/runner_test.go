package agent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blugreen/forge/internal/errs"
	"github.com/blugreen/forge/internal/llm"
	"github.com/blugreen/forge/internal/pipeline"
	"github.com/blugreen/forge/internal/store"
	"github.com/blugreen/forge/internal/tool"
)

func newTestRunner(t *testing.T) (*Runner, *store.Store, *store.Product, *store.Intent) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	in := &store.Intent{
		ID:              uuid.NewString(),
		IntentType:      "create",
		ProductName:     "todo-api",
		BusinessGoal:    "track work",
		TargetAudience:  "teams",
		SuccessCriteria: "tests pass",
		Constraints:     "python",
		RiskLevel:       "low",
		Status:          store.IntentFrozen,
	}
	require.NoError(t, st.SaveIntent(in))

	product := &store.Product{
		ID:       uuid.NewString(),
		IntentID: in.ID,
		Name:     "todo-api",
		Status:   store.ProductRunning,
	}
	require.NoError(t, st.SaveProduct(product))

	// template-only provider keeps the capability tests deterministic
	provider := llm.NewFailoverProvider(nil, nil, nil)
	r := New(st, provider, t.TempDir(), nil, zerolog.Nop(),
		tool.WithAllowedCommands([]string{"true"}))
	return r, st, product, in
}

func TestGenerateCodeWritesWorkspace(t *testing.T) {
	r, _, product, in := newTestRunner(t)

	out, err := r.RunStep(context.Background(), product, in, pipeline.StepGenerateCode, nil)
	require.NoError(t, err)

	res := out["result"].(map[string]any)
	assert.Contains(t, res["files_changed"], "src/main.py")

	llmUsed := out["llm_used"].(map[string]any)
	assert.Equal(t, llm.PathFallback, llmUsed["path"])
	assert.NotEmpty(t, llmUsed["fallback_cause"])

	calls := out["tool_calls"].([]tool.Call)
	assert.NotEmpty(t, calls)
}

func TestCreateTestsNeedsGeneratedCode(t *testing.T) {
	r, _, product, in := newTestRunner(t)

	// no generate_code ran, so the source file is missing
	_, err := r.RunStep(context.Background(), product, in, pipeline.StepCreateTests, nil)
	require.Error(t, err)
	assert.Equal(t, errs.CodeFileSystem, errs.CodeOf(err))
}

func TestValidateStructureFindings(t *testing.T) {
	r, _, product, in := newTestRunner(t)

	_, err := r.RunStep(context.Background(), product, in, pipeline.StepGenerateCode, nil)
	require.NoError(t, err)

	out, err := r.RunStep(context.Background(), product, in, pipeline.StepValidateStructure, nil)
	require.NoError(t, err)

	res := out["result"].(map[string]any)
	assert.Equal(t, false, res["validation_passed"])
	findings := res["findings"].([]string)
	assert.Contains(t, findings, "missing tests/test_main.py")
	assert.Contains(t, findings, "missing README.md")
	assert.Less(t, res["score"].(int), 100)
}

func TestFullStepSequence(t *testing.T) {
	r, st, product, in := newTestRunner(t)

	for _, step := range pipeline.StepOrder {
		out, err := r.RunStep(context.Background(), product, in, step, nil)
		require.NoError(t, err, step)
		require.NotNil(t, out["result"], step)
	}

	p, err := st.GetProduct(product.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, p.VersionTag)
	assert.NotEmpty(t, p.Summary)
}

func TestFinalizeOnlyOnce(t *testing.T) {
	r, _, product, in := newTestRunner(t)

	_, err := r.RunStep(context.Background(), product, in, pipeline.StepFinalizeProduct, nil)
	require.NoError(t, err)

	_, err = r.RunStep(context.Background(), product, in, pipeline.StepFinalizeProduct, nil)
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotIdempotent, errs.CodeOf(err))
}

func TestUnknownStepRejected(t *testing.T) {
	r, _, product, in := newTestRunner(t)

	_, err := r.RunStep(context.Background(), product, in, "deploy_to_prod", nil)
	require.Error(t, err)
	assert.Equal(t, errs.CodeInternal, errs.CodeOf(err))
}
