// Package pipeline drives a product through the fixed step sequence and
// owns the step state machine. Steps are persisted rows; the executor's only
// memory between steps is the database.
package pipeline

import (
	"github.com/blugreen/forge/internal/errs"
	"github.com/blugreen/forge/internal/store"
)

// The fixed create-flow order. The sequence never changes per product.
const (
	StepGenerateCode      = "generate_code"
	StepCreateTests       = "create_tests"
	StepGenerateDocs      = "generate_docs"
	StepValidateStructure = "validate_structure"
	StepFinalizeProduct   = "finalize_product"
)

// StepOrder is the canonical pipeline sequence.
var StepOrder = []string{
	StepGenerateCode,
	StepCreateTests,
	StepGenerateDocs,
	StepValidateStructure,
	StepFinalizeProduct,
}

// nonIdempotent steps must never re-run once done or failed; re-running
// would mint a second version tag.
var nonIdempotent = map[string]bool{
	StepFinalizeProduct: true,
}

// Idempotent reports whether a step can safely be retried after failure.
func Idempotent(stepName string) bool { return !nonIdempotent[stepName] }

// CanTransition checks a single status edge. The machine is strict: a done
// step never runs again, and a failed step re-enters running only when the
// step is idempotent.
func CanTransition(stepName, from, to string) error {
	switch {
	case from == store.StepPending && to == store.StepRunning:
		return nil
	case from == store.StepRunning && (to == store.StepDone || to == store.StepFailed):
		return nil
	case from == store.StepFailed && to == store.StepRunning:
		if !Idempotent(stepName) {
			return errs.Newf(errs.CodeNotIdempotent, "step %s cannot be retried", stepName)
		}
		return nil
	case from == store.StepDone:
		return errs.Newf(errs.CodeIllegalTransition, "step %s is done and cannot transition to %s", stepName, to)
	}
	return errs.Newf(errs.CodeIllegalTransition, "step %s: illegal transition %s -> %s", stepName, from, to)
}

// NextRunnable scans steps in pipeline order and returns the first one that
// still needs work, honoring the transition rules. A nil step with no error
// means the whole pipeline is done.
func NextRunnable(steps []*store.Step) (*store.Step, error) {
	byName := make(map[string]*store.Step, len(steps))
	for _, st := range steps {
		byName[st.StepName] = st
	}
	for _, name := range StepOrder {
		st, ok := byName[name]
		if !ok {
			return nil, errs.Newf(errs.CodeInternal, "step %s missing from plan", name)
		}
		switch st.Status {
		case store.StepDone:
			continue
		case store.StepPending:
			return st, nil
		case store.StepFailed:
			if !Idempotent(name) {
				return nil, errs.Newf(errs.CodeNotIdempotent, "step %s failed and cannot be retried", name)
			}
			return st, nil
		case store.StepRunning:
			// a running row with no live executor is a crash leftover;
			// the caller decides whether to reclaim it
			return st, nil
		default:
			return nil, errs.Newf(errs.CodeInternal, "step %s has unknown status %s", name, st.Status)
		}
	}
	return nil, nil
}
