package mgmt

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blugreen/forge/internal/errs"
	"github.com/blugreen/forge/internal/gitremote"
	"github.com/blugreen/forge/internal/intent"
	"github.com/blugreen/forge/internal/loop"
	"github.com/blugreen/forge/internal/pipeline"
	"github.com/blugreen/forge/internal/store"
)

// Handlers holds the API's dependencies. baseCtx outlives any request and
// parents every background execution the API kicks off.
type Handlers struct {
	store    *store.Store
	intents  *intent.Manager
	executor *pipeline.Executor
	resolver *gitremote.Resolver
	governor *loop.Governor
	baseCtx  context.Context
	logger   zerolog.Logger
}

// NewHandlers creates a Handlers instance.
func NewHandlers(baseCtx context.Context, st *store.Store, intents *intent.Manager, executor *pipeline.Executor, resolver *gitremote.Resolver, governor *loop.Governor, logger zerolog.Logger) *Handlers {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Handlers{
		store:    st,
		intents:  intents,
		executor: executor,
		resolver: resolver,
		governor: governor,
		baseCtx:  baseCtx,
		logger:   logger.With().Str("component", "handlers").Logger(),
	}
}

// CaptureIntent handles POST /api/v1/intent.
func (h *Handlers) CaptureIntent(c *fiber.Ctx) error {
	var req CaptureIntentRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, errs.CodeInvalidBody, "invalid request body: "+err.Error())
	}
	in, err := h.intents.CaptureIntent(req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(intentResponse(in))
}

// GetIntent handles GET /api/v1/intent/:id.
func (h *Handlers) GetIntent(c *fiber.Ctx) error {
	in, err := h.intents.Get(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(intentResponse(in))
}

// MutateIntent handles PATCH /api/v1/intent/:id. Against a frozen intent the
// attempt is rejected and recorded.
func (h *Handlers) MutateIntent(c *fiber.Ctx) error {
	var req MutateIntentRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, errs.CodeInvalidBody, "invalid request body: "+err.Error())
	}
	if req.Field == "" {
		return badRequest(c, errs.CodeMissingFields, "field is required")
	}
	if req.Actor == "" {
		req.Actor = "api-client"
	}
	in, err := h.intents.Mutate(c.Params("id"), req.Actor, req.Field, req.Value)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(intentResponse(in))
}

// ValidateIntent handles POST /api/v1/intent/:id/validate.
func (h *Handlers) ValidateIntent(c *fiber.Ctx) error {
	in, err := h.intents.Validate(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(intentResponse(in))
}

// FreezeIntent handles POST /api/v1/intent/:id/freeze.
func (h *Handlers) FreezeIntent(c *fiber.Ctx) error {
	in, err := h.intents.Freeze(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(intentResponse(in))
}

// ListViolations handles GET /api/v1/intent/:id/violations.
func (h *Handlers) ListViolations(c *fiber.Ctx) error {
	vs, err := h.intents.Violations(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	out := make([]ViolationResponse, 0, len(vs))
	for _, v := range vs {
		out = append(out, ViolationResponse{
			ID:             v.ID,
			Actor:          v.Actor,
			AttemptedField: v.AttemptedField,
			AttemptedValue: v.AttemptedValue,
			CreatedAt:      v.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{"violations": out})
}

// CreateProduct handles POST /api/v1/projects/:id/products. It acknowledges
// with 202 and runs the pipeline in the background.
func (h *Handlers) CreateProduct(c *fiber.Ctx) error {
	var req CreateProductRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, errs.CodeInvalidBody, "invalid request body: "+err.Error())
	}

	var missing []string
	if req.IntentID == "" {
		missing = append(missing, "intent_id")
	}
	if req.Name == "" {
		missing = append(missing, "product_name")
	}
	if req.Stack == "" {
		missing = append(missing, "stack")
	}
	if req.Objective == "" {
		missing = append(missing, "objective")
	}
	if len(missing) > 0 {
		return badRequest(c, errs.CodeMissingFields, fmt.Sprintf("missing required fields: %v", missing))
	}

	product := &store.Product{
		ID:        uuid.NewString(),
		ProjectID: c.Params("id"),
		IntentID:  req.IntentID,
		Name:      req.Name,
		Stack:     req.Stack,
		Objective: req.Objective,
		Status:    store.ProductPending,
	}
	if err := h.store.SaveProduct(product); err != nil {
		return errorResponse(c, errs.Wrap(errs.CodeInternal, "save product", err))
	}

	if err := h.executor.Start(h.baseCtx, product.ID); err != nil {
		return errorResponse(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(CreateProductResponse{
		ProductID:  product.ID,
		Status:     store.ProductRunning,
		MonitorURL: "/api/v1/products/" + product.ID + "/status",
	})
}

// ProductStatus handles GET /api/v1/products/:id/status.
func (h *Handlers) ProductStatus(c *fiber.Ctx) error {
	id := c.Params("id")
	product, err := h.store.GetProduct(id)
	if err != nil {
		return errorResponse(c, errs.Wrap(errs.CodeInternal, "get product", err))
	}
	if product == nil {
		return errorResponse(c, errs.Newf(errs.CodeNotFound, "product %s not found", id))
	}

	steps, err := h.store.ListSteps(id)
	if err != nil {
		return errorResponse(c, errs.Wrap(errs.CodeInternal, "list steps", err))
	}

	resp := ProductStatusResponse{
		ProductID:  product.ID,
		Name:       product.Name,
		Status:     product.Status,
		VersionTag: product.VersionTag,
		Summary:    product.Summary,
		Steps:      make([]StepResponse, 0, len(steps)),
	}
	for _, st := range steps {
		resp.Steps = append(resp.Steps, StepResponse{
			StepName:     st.StepName,
			Status:       st.Status,
			ErrorMessage: st.ErrorMessage,
			StartedAt:    st.StartedAt,
			CompletedAt:  st.CompletedAt,
		})
	}
	return c.JSON(resp)
}

// ResumeProduct handles POST /api/v1/products/:id/resume: it restarts the
// pipeline of a failed or interrupted product from its persisted step rows.
func (h *Handlers) ResumeProduct(c *fiber.Ctx) error {
	if err := h.executor.Start(h.baseCtx, c.Params("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"product_id": c.Params("id"),
		"status":     store.ProductRunning,
	})
}

// AssumeProject handles POST /api/v1/assume/project. A missing branch runs
// the remote default-branch resolver.
func (h *Handlers) AssumeProject(c *fiber.Ctx) error {
	var req AssumeProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, errs.CodeInvalidBody, "invalid request body: "+err.Error())
	}
	if req.RepositoryURL == "" {
		return badRequest(c, errs.CodeMissingFields, "repository_url is required")
	}

	branch := req.Branch
	detected := false
	if branch == "" {
		var err error
		branch, err = h.resolver.DetectDefaultBranch(c.Context(), req.RepositoryURL)
		if err != nil {
			var det *gitremote.DetectionError
			if errors.As(err, &det) {
				return errorResponseWith(c, err, BranchDetectionDetails{
					AttemptedBranches: det.Attempted,
					AvailableBranches: det.Available,
				})
			}
			return errorResponse(c, err)
		}
		detected = true
	} else if err := gitremote.ValidateURL(req.RepositoryURL); err != nil {
		return errorResponse(c, err)
	}

	name := req.Name
	if name == "" {
		name = req.RepositoryURL
	}
	project := &store.Project{
		ID:            uuid.NewString(),
		Name:          name,
		RepositoryURL: req.RepositoryURL,
		Branch:        branch,
		Status:        "assumed",
	}
	if err := h.store.SaveProject(project); err != nil {
		return errorResponse(c, errs.Wrap(errs.CodeInternal, "save project", err))
	}

	return c.Status(fiber.StatusCreated).JSON(AssumeProjectResponse{
		ProjectID:      project.ID,
		RepositoryURL:  project.RepositoryURL,
		Branch:         branch,
		BranchDetected: detected,
		Status:         project.Status,
	})
}

// CreateLoop handles POST /api/v1/loops.
func (h *Handlers) CreateLoop(c *fiber.Ctx) error {
	var req CreateLoopRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, errs.CodeInvalidBody, "invalid request body: "+err.Error())
	}
	lp, err := h.governor.Create(loop.Params{
		ProductID:      req.ProductID,
		IntentID:       req.IntentID,
		MaxIterations:  req.MaxIterations,
		MaxTimeSeconds: req.MaxTimeSeconds,
		MaxImpactScore: req.MaxImpactScore,
		PauseEvery:     req.PauseEvery,
	})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(loopResponse(lp))
}

// GetLoop handles GET /api/v1/loops/:id.
func (h *Handlers) GetLoop(c *fiber.Ctx) error {
	lp, err := h.governor.Get(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(loopResponse(lp))
}

// StartLoop handles POST /api/v1/loops/:id/start.
func (h *Handlers) StartLoop(c *fiber.Ctx) error {
	lp, err := h.governor.Start(h.baseCtx, c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(loopResponse(lp))
}

// PauseLoop handles POST /api/v1/loops/:id/pause.
func (h *Handlers) PauseLoop(c *fiber.Ctx) error {
	if err := h.governor.Pause(c.Params("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"status": "pause_requested"})
}

// ResumeLoop handles POST /api/v1/loops/:id/resume.
func (h *Handlers) ResumeLoop(c *fiber.Ctx) error {
	if err := h.governor.Resume(c.Params("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"status": "resumed"})
}

// CancelLoop handles POST /api/v1/loops/:id/cancel.
func (h *Handlers) CancelLoop(c *fiber.Ctx) error {
	if err := h.governor.Cancel(c.Params("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"status": "cancel_requested"})
}

// ListLoopActions handles GET /api/v1/loops/:id/actions.
func (h *Handlers) ListLoopActions(c *fiber.Ctx) error {
	actions, err := h.governor.Actions(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	out := make([]LoopActionResponse, 0, len(actions))
	for _, a := range actions {
		out = append(out, LoopActionResponse{
			ID:             a.ID,
			ActionType:     a.ActionType,
			Justification:  a.Justification,
			ResultingState: a.ResultingState,
			CreatedAt:      a.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{"actions": out})
}

// ListLoopPauses handles GET /api/v1/loops/:id/pauses.
func (h *Handlers) ListLoopPauses(c *fiber.Ctx) error {
	pauses, err := h.governor.Pauses(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	out := make([]LoopPauseResponse, 0, len(pauses))
	for _, p := range pauses {
		out = append(out, LoopPauseResponse{
			ID:        p.ID,
			Reason:    p.Reason,
			Outcome:   p.Outcome,
			CreatedAt: p.CreatedAt,
			ResumedAt: p.ResumedAt,
		})
	}
	return c.JSON(fiber.Map{"pauses": out})
}
