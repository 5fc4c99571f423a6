// Package apperrors holds the error kinds surfaced by the loan servicing core.
// Concrete errors wrap one of these so callers can branch with errors.Is.
package apperrors

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
)
