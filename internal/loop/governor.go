// Package loop governs bounded autonomous execution. Every loop runs under
// explicit budgets, pauses for review on a fixed cadence, and leaves an
// append-only audit trail of every cycle decision.
package loop

import (
	"context"
	"crypto/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/blugreen/forge/internal/errs"
	"github.com/blugreen/forge/internal/metrics"
	"github.com/blugreen/forge/internal/policy"
	"github.com/blugreen/forge/internal/store"
)

// CycleResult is what one cycle reports back to the governor.
type CycleResult struct {
	ActionType    string // what the cycle did
	Justification string // why it did it
	Impact        int    // impact charged against the budget (min 1)
	Done          bool   // the loop's goal is reached
}

// CycleRunner executes one loop cycle. The governor owns iteration counting,
// budgets, and pausing; the runner owns only the work.
type CycleRunner interface {
	RunCycle(ctx context.Context, lp *store.Loop, iteration int) (*CycleResult, error)
}

// Governor drives loops and enforces their budgets.
type Governor struct {
	store   *store.Store
	runner  CycleRunner
	budget  policy.LoopBudget
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu   sync.Mutex
	live map[string]*liveLoop
	wg   sync.WaitGroup
}

type liveLoop struct {
	cancel    context.CancelFunc
	resume    chan struct{}
	pauseWant atomic.Bool
}

// NewGovernor creates a Governor with the given default budget.
func NewGovernor(st *store.Store, runner CycleRunner, budget policy.LoopBudget, m *metrics.Metrics, logger zerolog.Logger) *Governor {
	return &Governor{
		store:   st,
		runner:  runner,
		budget:  budget,
		metrics: m,
		logger:  logger.With().Str("component", "loop").Logger(),
		live:    make(map[string]*liveLoop),
	}
}

// Params are per-loop budget overrides; zero values inherit the governor's
// defaults.
type Params struct {
	ProductID      string
	IntentID       string
	MaxIterations  int
	MaxTimeSeconds int
	MaxImpactScore int
	PauseEvery     int
}

// Create persists a new idle loop without starting it.
func (g *Governor) Create(p Params) (*store.Loop, error) {
	if p.ProductID == "" {
		return nil, errs.New(errs.CodeMissingFields, "product_id is required")
	}
	product, err := g.store.GetProduct(p.ProductID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "get product", err)
	}
	if product == nil {
		return nil, errs.Newf(errs.CodeNotFound, "product %s not found", p.ProductID)
	}

	lp := &store.Loop{
		ID:             newID(),
		ProductID:      p.ProductID,
		IntentID:       p.IntentID,
		Status:         store.LoopIdle,
		MaxIterations:  orDefault(p.MaxIterations, g.budget.MaxIterations),
		MaxTimeSeconds: orDefault(p.MaxTimeSeconds, g.budget.MaxTimeSeconds),
		MaxImpactScore: orDefault(p.MaxImpactScore, g.budget.MaxImpactScore),
		PauseEvery:     orDefault(p.PauseEvery, g.budget.PauseEvery),
	}
	if err := g.store.SaveLoop(lp); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "save loop", err)
	}
	return lp, nil
}

// Start begins driving an idle loop in the background.
func (g *Governor) Start(ctx context.Context, loopID string) (*store.Loop, error) {
	lp, err := g.get(loopID)
	if err != nil {
		return nil, err
	}
	if lp.Status != store.LoopIdle {
		return nil, errs.Newf(errs.CodeIllegalTransition, "loop %s is %s, not idle", loopID, lp.Status)
	}

	lp.Status = store.LoopRunning
	lp.StartedAt = time.Now().UnixMilli()
	if err := g.store.SaveLoop(lp); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "save loop", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	ll := &liveLoop{cancel: cancel, resume: make(chan struct{}, 1)}
	g.mu.Lock()
	g.live[lp.ID] = ll
	g.mu.Unlock()

	g.logger.Info().
		Str("loop_id", lp.ID).
		Str("product_id", lp.ProductID).
		Int("max_iterations", lp.MaxIterations).
		Msg("loop started")

	// the goroutine keeps mutating lp; callers get a snapshot of the row
	// as it was started
	snapshot := *lp

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer cancel()
		g.run(runCtx, lp, ll)
		g.mu.Lock()
		delete(g.live, lp.ID)
		g.mu.Unlock()
	}()
	return &snapshot, nil
}

// Pause requests a cooperative pause: the loop parks at the next cycle
// boundary instead of mid-work.
func (g *Governor) Pause(loopID string) error {
	lp, err := g.get(loopID)
	if err != nil {
		return err
	}
	if lp.Status != store.LoopRunning {
		return errs.Newf(errs.CodeIllegalTransition, "loop %s is %s, not running", loopID, lp.Status)
	}

	g.mu.Lock()
	ll, ok := g.live[loopID]
	g.mu.Unlock()
	if !ok {
		return errs.Newf(errs.CodeNotFound, "loop %s has no live execution", loopID)
	}
	ll.pauseWant.Store(true)
	return nil
}

// Resume releases a paused loop.
func (g *Governor) Resume(loopID string) error {
	lp, err := g.get(loopID)
	if err != nil {
		return err
	}
	if lp.Status != store.LoopPaused {
		return errs.Newf(errs.CodeIllegalTransition, "loop %s is %s, not paused", loopID, lp.Status)
	}

	g.mu.Lock()
	ll, ok := g.live[loopID]
	g.mu.Unlock()
	if !ok {
		return errs.Newf(errs.CodeNotFound, "loop %s has no live execution", loopID)
	}

	select {
	case ll.resume <- struct{}{}:
	default:
	}
	return nil
}

// Cancel stops a loop cooperatively: the current cycle finishes, then the
// loop records cancelled and exits.
func (g *Governor) Cancel(loopID string) error {
	lp, err := g.get(loopID)
	if err != nil {
		return err
	}
	switch lp.Status {
	case store.LoopCompleted, store.LoopAborted, store.LoopCancelled:
		return errs.Newf(errs.CodeIllegalTransition, "loop %s already finished as %s", loopID, lp.Status)
	}

	g.mu.Lock()
	ll, ok := g.live[loopID]
	g.mu.Unlock()
	if !ok {
		// no live goroutine (crash leftover): settle the row directly
		return g.finish(lp, store.LoopCancelled, "cancelled with no live execution")
	}
	ll.cancel()
	// a paused loop needs the resume signal to observe cancellation
	select {
	case ll.resume <- struct{}{}:
	default:
	}
	return nil
}

// Wait blocks until all live loops exit. For shutdown and tests.
func (g *Governor) Wait() { g.wg.Wait() }

// Get returns a loop row.
func (g *Governor) Get(loopID string) (*store.Loop, error) { return g.get(loopID) }

// Actions returns the audit trail of a loop.
func (g *Governor) Actions(loopID string) ([]*store.LoopAction, error) {
	if _, err := g.get(loopID); err != nil {
		return nil, err
	}
	return g.store.ListLoopActions(loopID)
}

// Pauses returns the pause history of a loop.
func (g *Governor) Pauses(loopID string) ([]*store.LoopPause, error) {
	if _, err := g.get(loopID); err != nil {
		return nil, err
	}
	return g.store.ListLoopPauses(loopID)
}

func (g *Governor) run(ctx context.Context, lp *store.Loop, ll *liveLoop) {
	log := g.logger.With().Str("loop_id", lp.ID).Logger()
	deadline := time.UnixMilli(lp.StartedAt).Add(time.Duration(lp.MaxTimeSeconds) * time.Second)
	pausedAt := -1

	for {
		if ctx.Err() != nil {
			g.settle(lp, store.LoopCancelled, "cancelled")
			return
		}

		// budget checks run before, not after, each cycle so a loop never
		// does work it has no budget for
		if lp.Iterations >= lp.MaxIterations {
			g.settle(lp, store.LoopAborted, "iteration budget exhausted")
			return
		}
		if time.Now().After(deadline) {
			g.settle(lp, store.LoopAborted, "time budget exhausted")
			return
		}
		if lp.ImpactScore >= lp.MaxImpactScore {
			g.settle(lp, store.LoopAborted, "impact budget exhausted")
			return
		}

		// mandatory review pause on a fixed cadence, or one an operator asked for
		mandatory := lp.PauseEvery > 0 && lp.Iterations > 0 && lp.Iterations%lp.PauseEvery == 0 && lp.Iterations != pausedAt
		if mandatory || ll.pauseWant.Swap(false) {
			pausedAt = lp.Iterations
			reason := "operator requested pause"
			if mandatory {
				reason = "mandatory review checkpoint"
			}
			if !g.pause(ctx, lp, ll, reason, log) {
				g.settle(lp, store.LoopCancelled, "cancelled while paused")
				return
			}
		}

		res, err := g.runner.RunCycle(ctx, lp, lp.Iterations+1)
		if err != nil {
			g.recordAction(lp, "error", err.Error())
			g.settle(lp, store.LoopAborted, "cycle failed: "+err.Error())
			return
		}

		// a cycle that does not price itself is charged the policy's
		// per-cycle impact
		impact := res.Impact
		if impact < 1 {
			impact = g.budget.CycleImpact
		}
		if impact < 1 {
			impact = 1
		}
		lp.Iterations++
		lp.ImpactScore += impact
		g.recordAction(lp, res.ActionType, res.Justification)
		if err := g.store.SaveLoop(lp); err != nil {
			log.Error().Err(err).Msg("failed to persist loop progress")
			g.settle(lp, store.LoopAborted, "persistence failure")
			return
		}

		log.Debug().
			Int("iteration", lp.Iterations).
			Int("impact_score", lp.ImpactScore).
			Str("action", res.ActionType).
			Msg("cycle complete")

		if res.Done {
			g.settle(lp, store.LoopCompleted, "goal reached")
			return
		}
	}
}

// pause parks the loop until resumed. Returns false when the wait ended in
// cancellation.
func (g *Governor) pause(ctx context.Context, lp *store.Loop, ll *liveLoop, reason string, log zerolog.Logger) bool {
	lp.Status = store.LoopPaused
	if err := g.store.SaveLoop(lp); err != nil {
		log.Error().Err(err).Msg("failed to persist pause")
		return false
	}
	if err := g.store.RecordLoopPause(&store.LoopPause{
		ID:     newID(),
		LoopID: lp.ID,
		Reason: reason,
	}); err != nil {
		log.Error().Err(err).Msg("failed to record pause")
	}
	log.Info().Int("iteration", lp.Iterations).Msg("loop paused for review")

	select {
	case <-ctx.Done():
		_ = g.store.ResolveLoopPause(lp.ID, "cancelled")
		return false
	case <-ll.resume:
	}
	if ctx.Err() != nil {
		_ = g.store.ResolveLoopPause(lp.ID, "cancelled")
		return false
	}

	_ = g.store.ResolveLoopPause(lp.ID, "resumed")
	lp.Status = store.LoopRunning
	if err := g.store.SaveLoop(lp); err != nil {
		log.Error().Err(err).Msg("failed to persist resume")
		return false
	}
	log.Info().Msg("loop resumed")
	return true
}

func (g *Governor) settle(lp *store.Loop, status, result string) {
	if err := g.finish(lp, status, result); err != nil {
		g.logger.Error().Err(err).Str("loop_id", lp.ID).Msg("failed to settle loop")
		return
	}
	if g.metrics != nil {
		g.metrics.RecordLoopCycle(status)
	}
	g.logger.Info().
		Str("loop_id", lp.ID).
		Str("status", status).
		Str("result", result).
		Int("iterations", lp.Iterations).
		Msg("loop finished")
}

func (g *Governor) finish(lp *store.Loop, status, result string) error {
	lp.Status = status
	lp.Result = result
	lp.FinishedAt = time.Now().UnixMilli()
	return g.store.SaveLoop(lp)
}

func (g *Governor) recordAction(lp *store.Loop, actionType, justification string) {
	err := g.store.RecordLoopAction(&store.LoopAction{
		ID:             newID(),
		LoopID:         lp.ID,
		ActionType:     actionType,
		Justification:  justification,
		ResultingState: lp.Status,
	})
	if err != nil {
		g.logger.Error().Err(err).Str("loop_id", lp.ID).Msg("failed to record loop action")
	}
}

func (g *Governor) get(loopID string) (*store.Loop, error) {
	lp, err := g.store.GetLoop(loopID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "get loop", err)
	}
	if lp == nil {
		return nil, errs.Newf(errs.CodeNotFound, "loop %s not found", loopID)
	}
	return lp, nil
}

func newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
