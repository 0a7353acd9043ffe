// Package intent manages the product intent contract: capture, completeness
// validation, freezing, and integrity verification. A frozen intent is the
// immutable source of truth for everything the pipeline builds.
package intent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/blugreen/forge/internal/errs"
	"github.com/blugreen/forge/internal/metrics"
	"github.com/blugreen/forge/internal/store"
)

// requiredFields are the semantic fields an intent must carry before it can
// be validated. Missing ones are reported by name.
var requiredFields = []string{
	"product_name",
	"business_goal",
	"target_audience",
	"success_criteria",
	"constraints",
	"risk_level",
}

// Capture is the inbound intent payload.
type Capture struct {
	IntentType      string `json:"intent_type"`
	ProductName     string `json:"product_name"`
	BusinessGoal    string `json:"business_goal"`
	TargetAudience  string `json:"target_audience"`
	SuccessCriteria string `json:"success_criteria"`
	Constraints     string `json:"constraints"`
	RiskLevel       string `json:"risk_level"`
}

// Manager owns the intent lifecycle.
type Manager struct {
	store   *store.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewManager creates an intent Manager.
func NewManager(st *store.Store, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	return &Manager{
		store:   st,
		metrics: m,
		logger:  logger.With().Str("component", "intent").Logger(),
	}
}

// CaptureIntent validates the payload shape and persists a draft intent.
func (m *Manager) CaptureIntent(c Capture) (*store.Intent, error) {
	if err := ValidatePayload(c); err != nil {
		return nil, err
	}

	in := &store.Intent{
		ID:              uuid.NewString(),
		IntentType:      c.IntentType,
		ProductName:     c.ProductName,
		BusinessGoal:    c.BusinessGoal,
		TargetAudience:  c.TargetAudience,
		SuccessCriteria: c.SuccessCriteria,
		Constraints:     c.Constraints,
		RiskLevel:       c.RiskLevel,
		Status:          store.IntentDraft,
	}
	if err := m.store.SaveIntent(in); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "save intent", err)
	}
	m.logger.Info().Str("intent_id", in.ID).Str("product", in.ProductName).Msg("intent captured")
	return in, nil
}

// MissingFields returns the names of required fields that are empty.
func MissingFields(in *store.Intent) []string {
	values := map[string]string{
		"product_name":     in.ProductName,
		"business_goal":    in.BusinessGoal,
		"target_audience":  in.TargetAudience,
		"success_criteria": in.SuccessCriteria,
		"constraints":      in.Constraints,
		"risk_level":       in.RiskLevel,
	}
	var missing []string
	for _, f := range requiredFields {
		if strings.TrimSpace(values[f]) == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

// Validate checks completeness and advances a draft intent to validated.
// An incomplete intent fails with every missing field listed at once.
func (m *Manager) Validate(id string) (*store.Intent, error) {
	in, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if in.Status == store.IntentFrozen {
		return nil, errs.New(errs.CodeAlreadyFrozen, "intent is already frozen")
	}

	if missing := MissingFields(in); len(missing) > 0 {
		return nil, errs.Newf(errs.CodeIncompleteIntent,
			"intent is missing required fields: %s", strings.Join(missing, ", "))
	}

	in.Status = store.IntentValidated
	in.ValidatedAt = time.Now().UnixMilli()
	if err := m.store.SaveIntent(in); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "save intent", err)
	}
	m.logger.Info().Str("intent_id", in.ID).Msg("intent validated")
	return in, nil
}

// Freeze makes a validated intent immutable and stamps its content hash.
// Freezing twice is rejected; the original hash is never recomputed.
func (m *Manager) Freeze(id string) (*store.Intent, error) {
	in, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if in.Status == store.IntentFrozen {
		return nil, errs.New(errs.CodeAlreadyFrozen, "intent is already frozen")
	}
	if in.Status != store.IntentValidated {
		return nil, errs.New(errs.CodeIncompleteIntent, "intent must be validated before freezing")
	}

	in.ContentHash = ContentHash(in)
	in.Status = store.IntentFrozen
	in.FrozenAt = time.Now().UnixMilli()
	if err := m.store.SaveIntent(in); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "save intent", err)
	}
	m.logger.Info().Str("intent_id", in.ID).Str("content_hash", in.ContentHash).Msg("intent frozen")
	return in, nil
}

// Mutate applies a field change to a non-frozen intent. Against a frozen
// intent the attempt is rejected and recorded as a violation; the caller
// gets an error, never a crash, and the intent is untouched.
func (m *Manager) Mutate(id, actor, field, value string) (*store.Intent, error) {
	in, err := m.get(id)
	if err != nil {
		return nil, err
	}

	if in.Status == store.IntentFrozen {
		v := &store.Violation{
			ID:             uuid.NewString(),
			IntentID:       in.ID,
			Actor:          actor,
			AttemptedField: field,
			AttemptedValue: value,
		}
		if verr := m.store.RecordViolation(v); verr != nil {
			m.logger.Error().Err(verr).Str("intent_id", in.ID).Msg("failed to record violation")
		}
		if m.metrics != nil {
			m.metrics.ViolationsTotal.Inc()
		}
		m.logger.Warn().
			Str("intent_id", in.ID).
			Str("actor", actor).
			Str("field", field).
			Msg("mutation attempt on frozen intent rejected")
		return nil, errs.Newf(errs.CodeIntentFrozen, "intent %s is frozen, field %s cannot change", in.ID, field)
	}

	if err := setField(in, field, value); err != nil {
		return nil, err
	}
	// any edit drops a validated intent back to draft
	in.Status = store.IntentDraft
	in.ValidatedAt = 0
	if err := m.store.SaveIntent(in); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "save intent", err)
	}
	return in, nil
}

// CheckIntegrity recomputes the content hash of a frozen intent and compares
// it to the stored one. A mismatch means the contract was tampered with.
func (m *Manager) CheckIntegrity(id string) error {
	in, err := m.get(id)
	if err != nil {
		return err
	}
	if in.Status != store.IntentFrozen {
		return errs.New(errs.CodeIntentNotFrozen, "intent is not frozen")
	}
	if ContentHash(in) != in.ContentHash {
		m.logger.Error().Str("intent_id", in.ID).Msg("intent integrity fault")
		return errs.Newf(errs.CodeIntegrityFault, "intent %s content hash mismatch", in.ID)
	}
	return nil
}

// Get returns the intent or a not-found error.
func (m *Manager) Get(id string) (*store.Intent, error) {
	return m.get(id)
}

// Violations lists recorded mutation attempts against an intent.
func (m *Manager) Violations(id string) ([]*store.Violation, error) {
	if _, err := m.get(id); err != nil {
		return nil, err
	}
	return m.store.ListViolations(id)
}

func (m *Manager) get(id string) (*store.Intent, error) {
	in, err := m.store.GetIntent(id)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "get intent", err)
	}
	if in == nil {
		return nil, errs.Newf(errs.CodeNotFound, "intent %s not found", id)
	}
	return in, nil
}

func setField(in *store.Intent, field, value string) error {
	switch field {
	case "product_name":
		in.ProductName = value
	case "business_goal":
		in.BusinessGoal = value
	case "target_audience":
		in.TargetAudience = value
	case "success_criteria":
		in.SuccessCriteria = value
	case "constraints":
		in.Constraints = value
	case "risk_level":
		in.RiskLevel = value
	default:
		return errs.Newf(errs.CodeMissingFields, "unknown intent field: %s", field)
	}
	return nil
}

// ContentHash computes the canonical hash over the semantic fields. Keys are
// sorted so the hash is stable regardless of field order.
func ContentHash(in *store.Intent) string {
	fields := map[string]string{
		"intent_type":      in.IntentType,
		"product_name":     in.ProductName,
		"business_goal":    in.BusinessGoal,
		"target_audience":  in.TargetAudience,
		"success_criteria": in.SuccessCriteria,
		"constraints":      in.Constraints,
		"risk_level":       in.RiskLevel,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		// json-encode each value so delimiters inside values cannot collide
		v, _ := json.Marshal(fields[k])
		fmt.Fprintf(&b, "%s=%s;", k, v)
	}
	sum := blake3.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", sum)
}
