// Package orcherr defines the error taxonomy shared by the orchestration core.
//
// Components wrap these sentinels with context ("channel: join c1: %w") so
// callers can classify failures with errors.Is. Errors that do not wrap a
// sentinel (database and event-bus I/O) are transient.
package orcherr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrNotActive             = errors.New("not active")
	ErrLimitExceeded         = errors.New("limit exceeded")
	ErrInvalidOperation      = errors.New("invalid operation")
	ErrInvalidCronExpression = errors.New("invalid cron expression")
	ErrComputationExceeded   = errors.New("computation exceeded")
	ErrIncompatibleVersion   = errors.New("incompatible version")
	ErrValidationFailed      = errors.New("validation failed")
)

var permanent = []error{
	ErrNotFound,
	ErrNotActive,
	ErrLimitExceeded,
	ErrInvalidOperation,
	ErrInvalidCronExpression,
	ErrComputationExceeded,
	ErrIncompatibleVersion,
	ErrValidationFailed,
}

// IsPermanent reports whether err belongs to the taxonomy. Permanent errors
// will fail the same way on retry; everything else may be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	for _, p := range permanent {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}

// Violation is one failed check on a message.
type Violation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (v Violation) String() string {
	if v.Field == "" {
		return v.Reason
	}
	return v.Field + ": " + v.Reason
}

// ValidationError carries every violation found on a message.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("%s: %s", ErrValidationFailed, strings.Join(parts, "; "))
}

// Unwrap lets errors.Is match ErrValidationFailed.
func (e *ValidationError) Unwrap() error { return ErrValidationFailed }
