package mgmt

import (
	"github.com/blugreen/forge/internal/intent"
	"github.com/blugreen/forge/internal/store"
)

// CaptureIntentRequest is the body of POST /api/v1/intent.
type CaptureIntentRequest = intent.Capture

// MutateIntentRequest is the body of PATCH /api/v1/intent/:id.
type MutateIntentRequest struct {
	Actor string `json:"actor"`
	Field string `json:"field"`
	Value string `json:"value"`
}

// IntentResponse is the wire shape of an intent.
type IntentResponse struct {
	ID              string `json:"id"`
	IntentType      string `json:"intent_type"`
	ProductName     string `json:"product_name"`
	BusinessGoal    string `json:"business_goal"`
	TargetAudience  string `json:"target_audience"`
	SuccessCriteria string `json:"success_criteria"`
	Constraints     string `json:"constraints"`
	RiskLevel       string `json:"risk_level"`
	Status          string `json:"status"`
	ContentHash     string `json:"content_hash,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	ValidatedAt     int64  `json:"validated_at,omitempty"`
	FrozenAt        int64  `json:"frozen_at,omitempty"`
}

func intentResponse(in *store.Intent) IntentResponse {
	return IntentResponse{
		ID:              in.ID,
		IntentType:      in.IntentType,
		ProductName:     in.ProductName,
		BusinessGoal:    in.BusinessGoal,
		TargetAudience:  in.TargetAudience,
		SuccessCriteria: in.SuccessCriteria,
		Constraints:     in.Constraints,
		RiskLevel:       in.RiskLevel,
		Status:          in.Status,
		ContentHash:     in.ContentHash,
		CreatedAt:       in.CreatedAt,
		ValidatedAt:     in.ValidatedAt,
		FrozenAt:        in.FrozenAt,
	}
}

// ViolationResponse is one recorded mutation attempt on a frozen intent.
type ViolationResponse struct {
	ID             string `json:"id"`
	Actor          string `json:"actor"`
	AttemptedField string `json:"attempted_field"`
	AttemptedValue string `json:"attempted_value"`
	CreatedAt      int64  `json:"created_at"`
}

// CreateProductRequest is the body of POST /api/v1/projects/:id/products.
type CreateProductRequest struct {
	IntentID  string `json:"intent_id"`
	Name      string `json:"product_name"`
	Stack     string `json:"stack"`
	Objective string `json:"objective"`
}

// CreateProductResponse is the 202 acknowledgement.
type CreateProductResponse struct {
	ProductID  string `json:"product_id"`
	Status     string `json:"status"`
	MonitorURL string `json:"monitor_url"`
}

// StepResponse is one pipeline step row.
type StepResponse struct {
	StepName     string `json:"step_name"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error,omitempty"`
	StartedAt    int64  `json:"started_at,omitempty"`
	CompletedAt  int64  `json:"completed_at,omitempty"`
}

// ProductStatusResponse is the body of GET /api/v1/products/:id/status.
type ProductStatusResponse struct {
	ProductID  string         `json:"product_id"`
	Name       string         `json:"product_name"`
	Status     string         `json:"status"`
	VersionTag string         `json:"version_tag,omitempty"`
	Summary    string         `json:"summary,omitempty"`
	Steps      []StepResponse `json:"steps"`
}

// AssumeProjectRequest is the body of POST /api/v1/assume/project.
type AssumeProjectRequest struct {
	Name          string `json:"name"`
	RepositoryURL string `json:"repository_url"`
	Branch        string `json:"branch,omitempty"`
}

// AssumeProjectResponse reports the assumed project and how its branch was
// determined.
type AssumeProjectResponse struct {
	ProjectID      string `json:"project_id"`
	RepositoryURL  string `json:"repository_url"`
	Branch         string `json:"branch"`
	BranchDetected bool   `json:"branch_detected"`
	Status         string `json:"status"`
}

// BranchDetectionDetails enriches a could_not_detect_branch error.
type BranchDetectionDetails struct {
	AttemptedBranches []string `json:"attempted_branches"`
	AvailableBranches []string `json:"available_branches"`
}

// CreateLoopRequest is the body of POST /api/v1/loops.
type CreateLoopRequest struct {
	ProductID      string `json:"product_id"`
	IntentID       string `json:"intent_id,omitempty"`
	MaxIterations  int    `json:"max_iterations,omitempty"`
	MaxTimeSeconds int    `json:"max_time_seconds,omitempty"`
	MaxImpactScore int    `json:"max_impact_score,omitempty"`
	PauseEvery     int    `json:"pause_every,omitempty"`
}

// LoopResponse is the wire shape of a loop.
type LoopResponse struct {
	ID             string `json:"id"`
	ProductID      string `json:"product_id"`
	Status         string `json:"status"`
	MaxIterations  int    `json:"max_iterations"`
	MaxTimeSeconds int    `json:"max_time_seconds"`
	MaxImpactScore int    `json:"max_impact_score"`
	PauseEvery     int    `json:"pause_every"`
	Iterations     int    `json:"iterations"`
	ImpactScore    int    `json:"impact_score"`
	Result         string `json:"result,omitempty"`
}

func loopResponse(lp *store.Loop) LoopResponse {
	return LoopResponse{
		ID:             lp.ID,
		ProductID:      lp.ProductID,
		Status:         lp.Status,
		MaxIterations:  lp.MaxIterations,
		MaxTimeSeconds: lp.MaxTimeSeconds,
		MaxImpactScore: lp.MaxImpactScore,
		PauseEvery:     lp.PauseEvery,
		Iterations:     lp.Iterations,
		ImpactScore:    lp.ImpactScore,
		Result:         lp.Result,
	}
}

// LoopActionResponse is one audit entry.
type LoopActionResponse struct {
	ID             string `json:"id"`
	ActionType     string `json:"action_type"`
	Justification  string `json:"justification"`
	ResultingState string `json:"resulting_state"`
	CreatedAt      int64  `json:"created_at"`
}

// LoopPauseResponse is one pause record.
type LoopPauseResponse struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Outcome   string `json:"outcome,omitempty"`
	CreatedAt int64  `json:"created_at"`
	ResumedAt int64  `json:"resumed_at,omitempty"`
}
