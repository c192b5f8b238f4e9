package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness violation or a duplicate operation.
	ErrConflict = errors.New("conflict")
	// ErrForbidden indicates the caller may not act on the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidInput wraps validation failures.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInsufficientStock is returned when a listing cannot cover a requested quantity.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidTransition is returned when a status change is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrKYCRequired gates operations that need a verified identity.
	ErrKYCRequired = errors.New("identity verification required")
	// ErrUnavailable is returned when an optional integration is not configured.
	ErrUnavailable = errors.New("service not available")
)

// Invalid returns an ErrInvalidInput carrying a human readable reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
