package loop

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/blugreen/forge/internal/llm"
	"github.com/blugreen/forge/internal/store"
	"github.com/blugreen/forge/internal/tool"
)

// RefineCycle is the production CycleRunner: each cycle asks the model for
// one concrete refinement of the product workspace, applies it, and decides
// whether the product is good enough to stop.
type RefineCycle struct {
	store         *store.Store
	provider      llm.Provider
	workspaceRoot string
	sandboxOpts   []tool.Option
	logger        zerolog.Logger
}

// NewRefineCycle creates a RefineCycle.
func NewRefineCycle(st *store.Store, provider llm.Provider, workspaceRoot string, logger zerolog.Logger, sandboxOpts ...tool.Option) *RefineCycle {
	return &RefineCycle{
		store:         st,
		provider:      provider,
		workspaceRoot: workspaceRoot,
		sandboxOpts:   sandboxOpts,
		logger:        logger.With().Str("component", "refine-cycle").Logger(),
	}
}

func (c *RefineCycle) RunCycle(ctx context.Context, lp *store.Loop, iteration int) (*CycleResult, error) {
	sb, err := tool.New(c.workspaceRoot+"/"+lp.ProductID, c.sandboxOpts...)
	if err != nil {
		return nil, err
	}

	// plan: ask the model what to improve given the current workspace
	files, err := sb.ListFiles()
	if err != nil {
		return nil, err
	}
	goal := ""
	if lp.IntentID != "" {
		if in, ierr := c.store.GetIntent(lp.IntentID); ierr == nil && in != nil {
			goal = in.BusinessGoal
		}
	}

	prompt := fmt.Sprintf(
		"Iteration %d of a refinement loop for product %s.\nGoal: %s\nWorkspace files: %s\nName ONE concrete improvement, or reply DONE if the product meets its goal.",
		iteration, lp.ProductID, goal, strings.Join(files, ", "))

	res, err := c.provider.Generate(ctx, llm.GenerateRequest{
		System: "You are an autonomous build agent refining a software product.",
		Prompt: prompt,
	})
	if err != nil {
		return nil, err
	}

	plan := strings.TrimSpace(res.Content)
	if strings.HasPrefix(strings.ToUpper(plan), "DONE") {
		return &CycleResult{
			ActionType:    "stop",
			Justification: "model judged the product complete",
			Done:          true,
		}, nil
	}

	// execute: append the refinement to the product's iteration log so the
	// next cycle and a reviewing human both see what changed and why
	entry := fmt.Sprintf("## Iteration %d\n%s\n\n", iteration, plan)
	existing, _ := sb.ReadFile("ITERATIONS.md")
	if err := sb.WriteFile("ITERATIONS.md", append(existing, entry...)); err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("loop_id", lp.ID).
		Int("iteration", iteration).
		Str("plan", firstLine(plan)).
		Msg("refinement applied")

	// impact is left unset; the governor charges the policy's per-cycle cost
	return &CycleResult{
		ActionType:    "refine",
		Justification: firstLine(plan),
		Done:          false,
	}, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 160 {
		s = s[:160] + "..."
	}
	return s
}
