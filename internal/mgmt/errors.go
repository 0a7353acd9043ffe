package mgmt

import (
	"github.com/gofiber/fiber/v2"

	"github.com/blugreen/forge/internal/errs"
)

// ErrorBody is the wire shape of every error the API returns.
type ErrorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
}

// statusFor maps domain error codes onto HTTP statuses. Anything unmapped is
// a 500.
func statusFor(code errs.Code) int {
	switch code {
	case errs.CodeInvalidBody, errs.CodeMissingFields, errs.CodeInvalidIntent, errs.CodeInvalidRepositoryURL:
		return fiber.StatusBadRequest
	case errs.CodeNotFound:
		return fiber.StatusNotFound
	case errs.CodeAlreadyFrozen, errs.CodeIntentFrozen, errs.CodeIntentNotFrozen,
		errs.CodeIllegalTransition, errs.CodeExecutionInProgress,
		errs.CodeNotIdempotent, errs.CodePreconditionNotMet:
		return fiber.StatusConflict
	case errs.CodeIncompleteIntent, errs.CodeCouldNotDetectBranch:
		return fiber.StatusUnprocessableEntity
	case errs.CodeLimitExceeded:
		return fiber.StatusTooManyRequests
	default:
		return fiber.StatusInternalServerError
	}
}

// errorResponse converts a domain error into its HTTP envelope.
func errorResponse(c *fiber.Ctx, err error) error {
	code := errs.CodeOf(err)
	msg := errs.MessageOf(err)
	status := statusFor(code)
	if status == fiber.StatusInternalServerError {
		// internal detail stays in the logs, not the response
		code = errs.CodeInternal
		msg = "an internal error occurred"
	}
	return c.Status(status).JSON(ErrorBody{ErrorCode: string(code), Message: msg})
}

// errorResponseWith attaches structured details to the envelope.
func errorResponseWith(c *fiber.Ctx, err error, details any) error {
	code := errs.CodeOf(err)
	return c.Status(statusFor(code)).JSON(ErrorBody{
		ErrorCode: string(code),
		Message:   errs.MessageOf(err),
		Details:   details,
	})
}

func badRequest(c *fiber.Ctx, code errs.Code, msg string) error {
	return c.Status(statusFor(code)).JSON(ErrorBody{ErrorCode: string(code), Message: msg})
}
