package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blugreen/forge/internal/errs"
	"github.com/blugreen/forge/internal/intent"
	"github.com/blugreen/forge/internal/metrics"
	"github.com/blugreen/forge/internal/store"
)

// Runner executes one pipeline step. The input map is materialized from
// persisted rows only; the runner must not depend on anything that would be
// lost across a process restart.
type Runner interface {
	RunStep(ctx context.Context, product *store.Product, in *store.Intent, stepName string, input map[string]any) (map[string]any, error)
}

// Executor drives products through the pipeline.
type Executor struct {
	store   *store.Store
	intents *intent.Manager
	runner  Runner
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu     sync.Mutex
	active map[string]struct{} // product IDs with a live execution
	wg     sync.WaitGroup
}

// NewExecutor creates an Executor.
func NewExecutor(st *store.Store, intents *intent.Manager, runner Runner, m *metrics.Metrics, logger zerolog.Logger) *Executor {
	return &Executor{
		store:   st,
		intents: intents,
		runner:  runner,
		metrics: m,
		logger:  logger.With().Str("component", "pipeline").Logger(),
		active:  make(map[string]struct{}),
	}
}

// Plan creates the pending step rows for a product. Existing rows are left
// alone, so calling Plan on a resumed product is safe.
func (e *Executor) Plan(productID string) error {
	existing, err := e.store.ListSteps(productID)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "list steps", err)
	}
	have := make(map[string]bool, len(existing))
	for _, st := range existing {
		have[st.StepName] = true
	}
	for _, name := range StepOrder {
		if have[name] {
			continue
		}
		err := e.store.CreateStep(&store.Step{
			ID:        uuid.NewString(),
			ProductID: productID,
			StepName:  name,
			Status:    store.StepPending,
		})
		if err != nil {
			return errs.Wrap(errs.CodeInternal, "create step", err)
		}
	}
	return nil
}

// Start begins or resumes execution of a product's pipeline in the
// background. Preconditions: the product exists, its intent is frozen and
// intact, and no other execution of the same product is live.
func (e *Executor) Start(ctx context.Context, productID string) error {
	product, err := e.store.GetProduct(productID)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "get product", err)
	}
	if product == nil {
		return errs.Newf(errs.CodeNotFound, "product %s not found", productID)
	}

	in, err := e.intents.Get(product.IntentID)
	if err != nil {
		return err
	}
	if in.Status != store.IntentFrozen {
		return errs.New(errs.CodePreconditionNotMet, "intent must be frozen before execution")
	}
	if err := e.intents.CheckIntegrity(in.ID); err != nil {
		return err
	}

	e.mu.Lock()
	if _, live := e.active[productID]; live {
		e.mu.Unlock()
		return errs.Newf(errs.CodeExecutionInProgress, "product %s is already executing", productID)
	}
	e.active[productID] = struct{}{}
	e.mu.Unlock()

	// a running row at this point can only be a crash leftover; the run
	// loop reclaims it before retrying
	if leftover, lerr := e.store.HasRunningStep(productID); lerr == nil && leftover {
		e.logger.Warn().Str("product_id", productID).Msg("resuming product with an interrupted step")
	}

	if err := e.Plan(productID); err != nil {
		e.release(productID)
		return err
	}

	if err := e.store.UpdateProductStatus(productID, store.ProductRunning); err != nil {
		e.release(productID)
		return errs.Wrap(errs.CodeInternal, "update product status", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(productID)
		e.run(ctx, product, in)
	}()
	return nil
}

// Wait blocks until every live execution finishes. For shutdown and tests.
func (e *Executor) Wait() { e.wg.Wait() }

// Running reports whether a product has a live in-process execution.
func (e *Executor) Running(productID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[productID]
	return ok
}

func (e *Executor) release(productID string) {
	e.mu.Lock()
	delete(e.active, productID)
	e.mu.Unlock()
}

// run executes steps sequentially until the pipeline completes or a step
// fails. It is the only writer of the product's step rows while it holds the
// active slot.
func (e *Executor) run(ctx context.Context, product *store.Product, in *store.Intent) {
	log := e.logger.With().Str("product_id", product.ID).Logger()

	for {
		if ctx.Err() != nil {
			log.Warn().Msg("execution cancelled")
			return
		}

		steps, err := e.store.ListSteps(product.ID)
		if err != nil {
			log.Error().Err(err).Msg("failed to list steps")
			e.failProduct(product.ID)
			return
		}

		next, err := NextRunnable(steps)
		if err != nil {
			log.Error().Err(err).Msg("pipeline cannot continue")
			e.failProduct(product.ID)
			return
		}
		if next == nil {
			if err := e.store.UpdateProductStatus(product.ID, store.ProductCompleted); err != nil {
				log.Error().Err(err).Msg("failed to mark product completed")
				return
			}
			if e.metrics != nil {
				e.metrics.ProductsCompleted.Inc()
			}
			log.Info().Msg("pipeline completed")
			return
		}

		// a running row at this point is a crash leftover: mark it failed,
		// then the normal retry rules decide whether it can run again
		if next.Status == store.StepRunning {
			if err := e.store.FailStep(product.ID, next.StepName, "interrupted by restart"); err != nil {
				log.Error().Err(err).Str("step", next.StepName).Msg("failed to reclaim interrupted step")
				e.failProduct(product.ID)
				return
			}
			log.Warn().Str("step", next.StepName).Msg("reclaimed interrupted step")
			continue
		}

		if err := e.executeStep(ctx, product, in, next); err != nil {
			log.Warn().Err(err).Str("step", next.StepName).Msg("step failed")
			e.failProduct(product.ID)
			return
		}
	}
}

func (e *Executor) executeStep(ctx context.Context, product *store.Product, in *store.Intent, step *store.Step) error {
	// integrity is re-verified before every step; a tampered contract
	// halts the pipeline immediately
	if err := e.intents.CheckIntegrity(in.ID); err != nil {
		_ = e.store.FailStep(product.ID, step.StepName, err.Error())
		return err
	}

	input, err := e.materializeInput(product, in, step.StepName)
	if err != nil {
		return err
	}
	rawInput, err := json.Marshal(input)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "encode step input", err)
	}

	if terr := CanTransition(step.StepName, step.Status, store.StepRunning); terr != nil {
		return terr
	}
	if err := e.store.MarkStepRunning(product.ID, step.StepName, string(rawInput)); err != nil {
		return errs.Wrap(errs.CodeInternal, "mark step running", err)
	}

	e.logger.Info().
		Str("product_id", product.ID).
		Str("step", step.StepName).
		Msg("step started")

	start := time.Now()
	output, runErr := e.runner.RunStep(ctx, product, in, step.StepName, input)
	elapsed := time.Since(start)

	if e.metrics != nil {
		e.metrics.ObserveStepDuration(step.StepName, elapsed.Seconds())
	}

	if runErr != nil {
		if e.metrics != nil {
			e.metrics.RecordStep(step.StepName, store.StepFailed)
		}
		if ferr := e.store.FailStep(product.ID, step.StepName, runErr.Error()); ferr != nil {
			return errs.Wrap(errs.CodeInternal, "fail step", ferr)
		}
		return runErr
	}

	rawOutput, err := json.Marshal(output)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "encode step output", err)
	}
	if err := e.store.CompleteStep(product.ID, step.StepName, string(rawOutput)); err != nil {
		return errs.Wrap(errs.CodeInternal, "complete step", err)
	}
	if e.metrics != nil {
		e.metrics.RecordStep(step.StepName, store.StepDone)
	}
	e.logger.Info().
		Str("product_id", product.ID).
		Str("step", step.StepName).
		Dur("duration", elapsed).
		Msg("step done")
	return nil
}

// materializeInput builds a step's input from persisted state only: the
// frozen intent fields plus the recorded outputs of every prior done step.
func (e *Executor) materializeInput(product *store.Product, in *store.Intent, stepName string) (map[string]any, error) {
	input := map[string]any{
		"product_id":       product.ID,
		"product_name":     product.Name,
		"stack":            product.Stack,
		"objective":        product.Objective,
		"business_goal":    in.BusinessGoal,
		"target_audience":  in.TargetAudience,
		"success_criteria": in.SuccessCriteria,
		"constraints":      in.Constraints,
		"risk_level":       in.RiskLevel,
	}

	steps, err := e.store.ListSteps(product.ID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "list steps", err)
	}
	prior := make(map[string]any)
	for _, st := range steps {
		if st.StepName == stepName {
			break
		}
		if st.Status == store.StepDone && st.OutputData != "" {
			var out map[string]any
			if err := json.Unmarshal([]byte(st.OutputData), &out); err != nil {
				return nil, errs.Wrap(errs.CodeInternal, "decode prior step output", err)
			}
			prior[st.StepName] = out
		}
	}
	input["prior_steps"] = prior
	return input, nil
}

func (e *Executor) failProduct(productID string) {
	if err := e.store.UpdateProductStatus(productID, store.ProductFailed); err != nil {
		e.logger.Error().Err(err).Str("product_id", productID).Msg("failed to mark product failed")
	}
}
