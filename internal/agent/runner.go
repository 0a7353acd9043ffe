// Package agent maps pipeline steps to capabilities. Each capability does
// one step's work through the model provider and the sandbox, reports what
// it touched, and never retries on its own; retry policy belongs to the
// pipeline.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/blugreen/forge/internal/errs"
	"github.com/blugreen/forge/internal/llm"
	"github.com/blugreen/forge/internal/metrics"
	"github.com/blugreen/forge/internal/pipeline"
	"github.com/blugreen/forge/internal/store"
	"github.com/blugreen/forge/internal/tool"
)

// capability executes one step kind inside a prepared sandbox.
type capability func(ctx context.Context, rc *runContext) (map[string]any, error)

// runContext bundles everything a capability needs for one step.
type runContext struct {
	product *store.Product
	intent  *store.Intent
	input   map[string]any
	sandbox *tool.Sandbox
	result  *llm.GenerateResult
}

// Runner implements the pipeline's step contract.
type Runner struct {
	store         *store.Store
	provider      llm.Provider
	metrics       *metrics.Metrics
	logger        zerolog.Logger
	workspaceRoot string
	sandboxOpts   []tool.Option

	capabilities map[string]capability
}

// New creates a Runner. workspaceRoot is the parent directory under which
// each product gets its own sandbox.
func New(st *store.Store, provider llm.Provider, workspaceRoot string, m *metrics.Metrics, logger zerolog.Logger, sandboxOpts ...tool.Option) *Runner {
	r := &Runner{
		store:         st,
		provider:      provider,
		metrics:       m,
		logger:        logger.With().Str("component", "agent").Logger(),
		workspaceRoot: workspaceRoot,
		sandboxOpts:   sandboxOpts,
	}
	// the step-to-capability table is fixed; unknown steps are a bug, not
	// a user error
	r.capabilities = map[string]capability{
		pipeline.StepGenerateCode:      r.generateCode,
		pipeline.StepCreateTests:       r.createTests,
		pipeline.StepGenerateDocs:      r.generateDocs,
		pipeline.StepValidateStructure: r.validateStructure,
		pipeline.StepFinalizeProduct:   r.finalizeProduct,
	}
	return r
}

// RunStep executes one step and returns its persisted output payload.
func (r *Runner) RunStep(ctx context.Context, product *store.Product, in *store.Intent, stepName string, input map[string]any) (map[string]any, error) {
	fn, ok := r.capabilities[stepName]
	if !ok {
		return nil, errs.Newf(errs.CodeInternal, "no capability for step %s", stepName)
	}

	sb, err := tool.New(r.sandboxDir(product.ID), r.sandboxOpts...)
	if err != nil {
		return nil, err
	}

	rc := &runContext{product: product, intent: in, input: input, sandbox: sb}
	result, err := fn(ctx, rc)
	if err != nil {
		return nil, err
	}

	calls := sb.DrainCalls()
	if r.metrics != nil {
		for _, c := range calls {
			outcome := "ok"
			if c.Error != "" {
				outcome = "error"
			}
			r.metrics.RecordToolCall(c.Kind, outcome)
		}
	}

	output := map[string]any{
		"result":     result,
		"tool_calls": calls,
	}
	if rc.result != nil {
		output["llm_used"] = map[string]any{
			"path":           rc.result.Path,
			"model":          rc.result.Model,
			"fallback_cause": rc.result.FallbackCause,
		}
		if r.metrics != nil && rc.result.Path == llm.PathFallback {
			r.metrics.FallbacksTotal.Inc()
		}
	}
	return output, nil
}

func (r *Runner) sandboxDir(productID string) string {
	return r.workspaceRoot + "/" + productID
}

// generate runs one prompt through the provider and stashes the result on
// the run context for the audit payload.
func (r *Runner) generate(ctx context.Context, rc *runContext, system, prompt string) (string, error) {
	res, err := r.provider.Generate(ctx, llm.GenerateRequest{System: system, Prompt: prompt})
	if err != nil {
		return "", errs.Wrap(errs.CodeCodeGeneration, "model generation", err)
	}
	rc.result = res
	if res.Path == llm.PathFallback {
		r.logger.Warn().
			Str("product_id", rc.product.ID).
			Str("cause", res.FallbackCause).
			Msg("generation served by template fallback")
	}
	return res.Content, nil
}

func (r *Runner) generateCode(ctx context.Context, rc *runContext) (map[string]any, error) {
	prompt := fmt.Sprintf(
		"Generate code for the product %q.\nBusiness goal: %s\nTarget audience: %s\nSuccess criteria: %s\nConstraints: %s\nReturn the backend entrypoint source.",
		rc.product.Name, rc.intent.BusinessGoal, rc.intent.TargetAudience,
		rc.intent.SuccessCriteria, rc.intent.Constraints)

	content, err := r.generate(ctx, rc, "You are a senior software engineer.", prompt)
	if err != nil {
		return nil, err
	}

	if err := rc.sandbox.WriteFile("src/main.py", []byte(content)); err != nil {
		return nil, err
	}
	if err := rc.sandbox.WriteFile("requirements.txt", []byte("fastapi\nuvicorn\n")); err != nil {
		return nil, err
	}
	return map[string]any{
		"files_changed": []string{"src/main.py", "requirements.txt"},
	}, nil
}

func (r *Runner) createTests(ctx context.Context, rc *runContext) (map[string]any, error) {
	code, err := rc.sandbox.ReadFile("src/main.py")
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(
		"Create tests for the generated code of product %q.\nSuccess criteria: %s\n\nCode:\n%s",
		rc.product.Name, rc.intent.SuccessCriteria, string(code))

	content, err := r.generate(ctx, rc, "You are a test engineer. Produce runnable tests.", prompt)
	if err != nil {
		return nil, err
	}
	if err := rc.sandbox.WriteFile("tests/test_main.py", []byte(content)); err != nil {
		return nil, err
	}

	out := map[string]any{
		"files_changed": []string{"tests/test_main.py"},
	}
	// run the suite when the runtime is present; a missing runtime is not
	// a step failure
	if res, err := rc.sandbox.Run(ctx, "pytest", "tests", "-q"); err == nil {
		out["tests_exit_code"] = res.ExitCode
		out["tests_output"] = res.Output
	} else if errs.CodeOf(err) == errs.CodeToolTimeout {
		return nil, err
	}
	return out, nil
}

func (r *Runner) generateDocs(ctx context.Context, rc *runContext) (map[string]any, error) {
	prompt := fmt.Sprintf(
		"Generate documentation (a README) for product %q.\nBusiness goal: %s\nTarget audience: %s",
		rc.product.Name, rc.intent.BusinessGoal, rc.intent.TargetAudience)

	content, err := r.generate(ctx, rc, "You are a technical writer.", prompt)
	if err != nil {
		return nil, err
	}
	if err := rc.sandbox.WriteFile("README.md", []byte(content)); err != nil {
		return nil, err
	}
	return map[string]any{
		"files_changed": []string{"README.md"},
	}, nil
}

// expectedLayout is what a structurally sound product workspace contains.
var expectedLayout = []string{"src/main.py", "tests/test_main.py", "README.md"}

func (r *Runner) validateStructure(ctx context.Context, rc *runContext) (map[string]any, error) {
	files, err := rc.sandbox.ListFiles()
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(files))
	for _, f := range files {
		have[f] = true
	}

	var findings []string
	for _, want := range expectedLayout {
		if !have[want] {
			findings = append(findings, "missing "+want)
		}
	}
	score := 100 - len(findings)*100/len(expectedLayout)

	return map[string]any{
		"validation_passed": len(findings) == 0,
		"findings":          findings,
		"score":             score,
		"file_count":        len(files),
	}, nil
}

func (r *Runner) finalizeProduct(ctx context.Context, rc *runContext) (map[string]any, error) {
	versionTag := "v1.0.0-" + time.Now().UTC().Format("20060102150405")
	summary := fmt.Sprintf("Product %s built for goal: %s", rc.product.Name, rc.intent.BusinessGoal)
	if prior, ok := rc.input["prior_steps"].(map[string]any); ok {
		if val, ok := prior["validate_structure"].(map[string]any); ok {
			if res, ok := val["result"].(map[string]any); ok {
				if score, ok := res["score"]; ok {
					summary += fmt.Sprintf(" (structure score %v)", score)
				}
			}
		}
	}

	if err := r.store.FinalizeProduct(rc.product.ID, versionTag, summary); err != nil {
		return nil, errs.Wrap(errs.CodeNotIdempotent, "finalize product", err)
	}

	r.logger.Info().
		Str("product_id", rc.product.ID).
		Str("version_tag", versionTag).
		Msg("product finalized")
	return map[string]any{
		"version_tag": versionTag,
		"summary":     summary,
	}, nil
}
