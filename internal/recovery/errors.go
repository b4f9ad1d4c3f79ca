// Package recovery implements per-task failure policy, retry backoff and
// stage rollback.
package recovery

import "errors"

// Sentinel errors form the engine's failure taxonomy. Callers classify with
// errors.Is; detail is wrapped around these with fmt.Errorf("…: %w", …).
var (
	ErrValidation        = errors.New("validation error")
	ErrDependency        = errors.New("dependency error")
	ErrNotFound          = errors.New("not found")
	ErrTimeout           = errors.New("timeout")
	ErrTransient         = errors.New("transient error")
	ErrPermanent         = errors.New("permanent error")
	ErrRecoveryExhausted = errors.New("error recovery budget exhausted")
)

// IsRetryable reports whether an error is in the retryable class.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransient)
}
