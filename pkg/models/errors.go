package models

import (
	"errors"
	"fmt"
)

// Error codes for user-facing failures. The CLI maps a UserError to exit
// code 1; anything else is an internal error and exits 2.
const (
	CodeConfigInvalid   = "config_invalid"
	CodeTaskError       = "task_error"
	CodePlacementFailed = "scheduler_placement_failed"
	CodeValidatorBlock  = "validator_block"
	CodeBudgetBreach    = "budget_breach"
	CodeDockerError     = "docker_unavailable"
	CodeGitError        = "git_error"
	CodeStateCorrupt    = "state_corrupt"
	CodeBadRequest      = "bad_request"
	CodeNotFound        = "not_found"
)

// UserError is a failure the operator can act on. It carries a stable code,
// a short title, a full message, and a hint naming the next command to run.
type UserError struct {
	Code    string
	Title   string
	Message string
	Hint    string
	Cause   error
}

// Error implements the error interface.
func (e *UserError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Title, e.Message)
	}
	return e.Title
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *UserError) Unwrap() error {
	return e.Cause
}

// NewUserError constructs a UserError with the given code and title.
func NewUserError(code, title, message, hint string, cause error) *UserError {
	return &UserError{Code: code, Title: title, Message: message, Hint: hint, Cause: cause}
}

// AsUserError returns the UserError in err's chain, or nil.
func AsUserError(err error) *UserError {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue
	}
	return nil
}
