package credits

import (
	"errors"
	"fmt"

	"github.com/xraph/credits/types"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("credits: not found")
	ErrAlreadyExists = errors.New("credits: already exists")
	ErrInvalidInput  = errors.New("credits: invalid input")

	// Account errors
	ErrAccountNotFound     = errors.New("credits: account not found")
	ErrInvalidAmount       = errors.New("credits: amount must be positive")
	ErrInsufficientCredits = errors.New("credits: insufficient credits")
	ErrInvalidTenant       = errors.New("credits: tenant id is required")

	// Metering errors
	ErrUnknownAction = errors.New("credits: unknown action")

	// Grant errors
	ErrGrantCycleConsumed = errors.New("credits: grant cycle already consumed")
	ErrGrantNotFound      = errors.New("credits: grant not found")
	ErrGrantExpired       = errors.New("credits: grant expired")
	ErrGrantRedeemed      = errors.New("credits: grant already redeemed")

	// Store errors
	ErrLockTimeout     = errors.New("credits: timed out waiting for account lock")
	ErrStoreClosed     = errors.New("credits: store is closed")
	ErrStoreNotReady   = errors.New("credits: store not ready")
	ErrMigrationFailed = errors.New("credits: migration failed")

	// Arithmetic
	ErrOverflow = types.ErrOverflow
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("credits: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrInvalidInput.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "credits: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("credits: %d errors occurred", len(e.Errors))
}

// Unwrap exposes every collected error to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// ErrOrNil returns the multi-error when it holds errors, otherwise nil.
func (e MultiError) ErrOrNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrGrantNotFound)
}

// IsBusinessOutcome returns true for expected domain refusals that callers
// should surface to the user rather than treat as system failures.
func IsBusinessOutcome(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrUnknownAction) ||
		errors.Is(err, ErrGrantCycleConsumed) ||
		errors.Is(err, ErrGrantExpired) ||
		errors.Is(err, ErrGrantRedeemed)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrStoreNotReady)
}
