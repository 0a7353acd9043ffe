package mgmt

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blugreen/forge/internal/agent"
	"github.com/blugreen/forge/internal/gitremote"
	"github.com/blugreen/forge/internal/health"
	"github.com/blugreen/forge/internal/intent"
	"github.com/blugreen/forge/internal/llm"
	"github.com/blugreen/forge/internal/loop"
	"github.com/blugreen/forge/internal/pipeline"
	"github.com/blugreen/forge/internal/policy"
	"github.com/blugreen/forge/internal/store"
	"github.com/blugreen/forge/internal/tool"
)

// stubGit scripts ls-remote responses for the resolver.
type stubGit struct {
	out string
}

func (s stubGit) LsRemote(ctx context.Context, args ...string) (string, error) {
	if s.out == "" {
		return "", context.DeadlineExceeded
	}
	return s.out, nil
}

type testEnv struct {
	server   *Server
	store    *store.Store
	executor *pipeline.Executor
	governor *loop.Governor
}

func newTestServer(t *testing.T, auth AuthConfig, git gitremote.Runner) *testEnv {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	intents := intent.NewManager(st, nil, zerolog.Nop())
	provider := llm.NewFailoverProvider(nil, nil, nil)
	runner := agent.New(st, provider, t.TempDir(), nil, zerolog.Nop(),
		tool.WithAllowedCommands([]string{"true"}))
	executor := pipeline.NewExecutor(st, intents, runner, nil, zerolog.Nop())
	resolver := gitremote.NewResolver(git, time.Second, nil)
	governor := loop.NewGovernor(st, loopRunnerStub{}, policy.Default().Loop, nil, zerolog.Nop())

	h := NewHandlers(context.Background(), st, intents, executor, resolver, governor, zerolog.Nop())
	checker := health.NewChecker(zerolog.Nop())
	srv := NewServer(ServerConfig{Auth: auth}, h, checker, nil, zerolog.Nop())
	return &testEnv{server: srv, store: st, executor: executor, governor: governor}
}

type loopRunnerStub struct{}

func (loopRunnerStub) RunCycle(ctx context.Context, lp *store.Loop, iteration int) (*loop.CycleResult, error) {
	return &loop.CycleResult{ActionType: "refine", Justification: "stub", Done: iteration >= 2}, nil
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any, headers ...map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, hs := range headers {
		for k, v := range hs {
			req.Header.Set(k, v)
		}
	}
	resp, err := app.Test(req, 10000)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 && strings.HasPrefix(strings.TrimSpace(string(raw)), "{") {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func fullIntentBody() map[string]any {
	return map[string]any{
		"intent_type":      "create",
		"product_name":     "todo-api",
		"business_goal":    "track work",
		"target_audience":  "teams",
		"success_criteria": "tests pass",
		"constraints":      "python",
		"risk_level":       "low",
	}
}

func createFrozenIntent(t *testing.T, app *fiber.App) string {
	t.Helper()
	resp, body := doJSON(t, app, http.MethodPost, "/api/v1/intent", fullIntentBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)

	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/intent/"+id+"/validate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/intent/"+id+"/freeze", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return id
}

func TestIntentLifecycleOverHTTP(t *testing.T) {
	env := newTestServer(t, AuthConfig{Mode: "none"}, stubGit{})
	app := env.server.App()

	id := createFrozenIntent(t, app)

	// second freeze is a typed 409
	resp, body := doJSON(t, app, http.MethodPost, "/api/v1/intent/"+id+"/freeze", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_frozen", body["error_code"])

	// mutation is rejected and recorded
	resp, body = doJSON(t, app, http.MethodPatch, "/api/v1/intent/"+id,
		map[string]any{"field": "business_goal", "value": "other"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "intent_frozen", body["error_code"])

	resp, body = doJSON(t, app, http.MethodGet, "/api/v1/intent/"+id+"/violations", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["violations"], 1)
}

func TestIncompleteIntentValidation(t *testing.T) {
	env := newTestServer(t, AuthConfig{Mode: "none"}, stubGit{})
	app := env.server.App()

	resp, body := doJSON(t, app, http.MethodPost, "/api/v1/intent",
		map[string]any{"intent_type": "create", "product_name": "x"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)

	resp, body = doJSON(t, app, http.MethodPost, "/api/v1/intent/"+id+"/validate", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "incomplete_intent", body["error_code"])
	assert.Contains(t, body["message"], "business_goal")
}

func TestCreateProductAndStatus(t *testing.T) {
	env := newTestServer(t, AuthConfig{Mode: "none"}, stubGit{})
	app := env.server.App()
	intentID := createFrozenIntent(t, app)

	resp, body := doJSON(t, app, http.MethodPost, "/api/v1/projects/proj-1/products",
		map[string]any{"intent_id": intentID, "product_name": "todo-api", "stack": "python", "objective": "track todos"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	productID := body["product_id"].(string)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "/api/v1/products/"+productID+"/status", body["monitor_url"])

	env.executor.Wait()

	resp, body = doJSON(t, app, http.MethodGet, "/api/v1/products/"+productID+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.NotEmpty(t, body["version_tag"])

	steps := body["steps"].([]any)
	require.Len(t, steps, 5)
	first := steps[0].(map[string]any)
	assert.Equal(t, "generate_code", first["step_name"])
	assert.Equal(t, "done", first["status"])
}

func TestCreateProductMissingFields(t *testing.T) {
	env := newTestServer(t, AuthConfig{Mode: "none"}, stubGit{})
	app := env.server.App()

	resp, body := doJSON(t, app, http.MethodPost, "/api/v1/projects/proj-1/products",
		map[string]any{"stack": "python"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing_fields", body["error_code"])
	msg := body["message"].(string)
	assert.Contains(t, msg, "intent_id")
	assert.Contains(t, msg, "product_name")
	assert.Contains(t, msg, "objective")

	resp, body = doJSON(t, app, http.MethodGet, "/api/v1/products/nope/status", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error_code"])
}

func TestAssumeProjectDetectsBranch(t *testing.T) {
	env := newTestServer(t, AuthConfig{Mode: "none"},
		stubGit{out: "ref: refs/heads/main\tHEAD\nabc\tHEAD\n"})
	app := env.server.App()

	resp, body := doJSON(t, app, http.MethodPost, "/api/v1/assume/project",
		map[string]any{"repository_url": "https://example.com/repo.git"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "main", body["branch"])
	assert.Equal(t, true, body["branch_detected"])
}

func TestAssumeProjectDetectionFailure(t *testing.T) {
	env := newTestServer(t, AuthConfig{Mode: "none"}, stubGit{})
	app := env.server.App()

	resp, body := doJSON(t, app, http.MethodPost, "/api/v1/assume/project",
		map[string]any{"repository_url": "https://example.com/repo.git"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "could_not_detect_branch", body["error_code"])

	details := body["details"].(map[string]any)
	attempted := details["attempted_branches"].([]any)
	assert.Contains(t, attempted, "symref HEAD")
	assert.Contains(t, attempted, "main")
}

func TestLoopEndpoints(t *testing.T) {
	env := newTestServer(t, AuthConfig{Mode: "none"}, stubGit{})
	app := env.server.App()

	require.NoError(t, env.store.SaveProduct(&store.Product{
		ID:     "p1",
		Name:   "loop-target",
		Status: "completed",
	}))

	// loops are bound to real products
	resp, body := doJSON(t, app, http.MethodPost, "/api/v1/loops",
		map[string]any{"product_id": "ghost", "max_iterations": 5})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error_code"])

	resp, body = doJSON(t, app, http.MethodPost, "/api/v1/loops",
		map[string]any{"product_id": "p1", "max_iterations": 5})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	loopID := body["id"].(string)
	assert.Equal(t, "idle", body["status"])

	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/loops/"+loopID+"/start", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	env.governor.Wait()

	resp, body = doJSON(t, app, http.MethodGet, "/api/v1/loops/"+loopID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.EqualValues(t, 2, body["iterations"])

	resp, body = doJSON(t, app, http.MethodGet, "/api/v1/loops/"+loopID+"/actions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["actions"], 2)

	// starting a completed loop is a typed conflict
	resp, body = doJSON(t, app, http.MethodPost, "/api/v1/loops/"+loopID+"/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "illegal_transition", body["error_code"])
}

func TestAuthAPIKey(t *testing.T) {
	env := newTestServer(t, AuthConfig{Mode: "api-key", APIKey: "sekrit"}, stubGit{})
	app := env.server.App()

	resp, body := doJSON(t, app, http.MethodPost, "/api/v1/intent", fullIntentBody())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "missing_auth", body["error_code"])

	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/intent", fullIntentBody(),
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/intent", fullIntentBody(),
		map[string]string{"Authorization": "Bearer sekrit"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// probes stay open
	resp, _ = doJSON(t, app, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnknownRouteEnvelope(t *testing.T) {
	env := newTestServer(t, AuthConfig{Mode: "none"}, stubGit{})
	app := env.server.App()

	resp, body := doJSON(t, app, http.MethodGet, "/api/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error_code"])
}
