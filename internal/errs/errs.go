// Package errs provides structured error types for the forge engine.
// Every externally visible failure maps to a stable machine-readable code so
// the HTTP boundary can always return {error_code, message}.
package errs

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code.
type Code string

const (
	// Intent contract family.
	CodeIncompleteIntent Code = "incomplete_intent"
	CodeAlreadyFrozen    Code = "already_frozen"
	CodeIntentNotFrozen  Code = "intent_not_frozen"
	CodeIntentFrozen     Code = "intent_frozen"
	CodeIntegrityFault   Code = "integrity_fault"
	CodeInvalidIntent    Code = "invalid_intent_payload"

	// Pipeline / step family.
	CodePreconditionNotMet  Code = "precondition_not_met"
	CodeNotIdempotent       Code = "not_idempotent"
	CodeExecutionInProgress Code = "execution_in_progress"
	CodeCodeGeneration      Code = "code_generation_error"
	CodeToolExecution       Code = "tool_execution_error"
	CodeFileSystem          Code = "file_system_error"

	// Tool sandbox family.
	CodeDisallowedCommand Code = "disallowed_command"
	CodeToolTimeout       Code = "tool_timeout"

	// Branch resolver family.
	CodeCouldNotDetectBranch Code = "could_not_detect_branch"
	CodeInvalidRepositoryURL Code = "invalid_repository_url"

	// Loop governor family.
	CodeIllegalTransition Code = "illegal_transition"
	CodeLimitExceeded     Code = "limit_exceeded"

	// Generic boundary codes.
	CodeNotFound      Code = "not_found"
	CodeMissingFields Code = "missing_fields"
	CodeInvalidBody   Code = "invalid_body"
	CodeInternal      Code = "internal_error"
)

// Error is an error carrying a stable code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code from err, or CodeInternal if it carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf extracts the human-readable message from err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
