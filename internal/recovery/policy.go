package recovery

import (
	"strings"
	"time"

	"github.com/msageha/stagehand/internal/model"
)

// Action is the controller's decision for a failed task.
type Action string

const (
	ActionRetry Action = "retry"
	ActionSkip  Action = "skip"
	ActionFail  Action = "fail"
)

// Decision is the outcome of classifying one task failure.
type Decision struct {
	Action     Action
	Reason     string
	RetryDelay time.Duration // set only for ActionRetry
}

// ErrorClass buckets an error description for retry policy.
type ErrorClass string

const (
	ClassRetryable ErrorClass = "retryable"
	ClassPermanent ErrorClass = "permanent"
	ClassUnknown   ErrorClass = "unknown"
)

var retryableMarkers = []string{"timeout", "network_error"}
var permanentMarkers = []string{"validation_error", "syntax_error"}

// Classify buckets an error description: timeout/network-class failures are
// retryable, validation/syntax-class are permanent, everything else is
// unknown and falls through to the priority heuristic.
func Classify(errText string) ErrorClass {
	lower := strings.ToLower(errText)
	for _, m := range retryableMarkers {
		if strings.Contains(lower, m) {
			return ClassRetryable
		}
	}
	for _, m := range permanentMarkers {
		if strings.Contains(lower, m) {
			return ClassPermanent
		}
	}
	return ClassUnknown
}

// Backoff computes the retry delay: min(capSec, 2^retryCount) seconds.
func Backoff(retryCount, capSec int) time.Duration {
	if capSec <= 0 {
		capSec = 60
	}
	delay := 1
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= capSec {
			return time.Duration(capSec) * time.Second
		}
	}
	return time.Duration(delay) * time.Second
}

// Decide resolves a task failure to retry, skip or fail. Retry requires
// remaining retry budget; permanent errors never retry; unknown errors use
// the priority heuristic (priority > 5 retries, otherwise skips).
func Decide(task *model.Task, errText string, capSec int) Decision {
	class := Classify(errText)

	wantRetry := false
	switch class {
	case ClassRetryable:
		wantRetry = true
	case ClassPermanent:
		return Decision{Action: ActionFail, Reason: "permanent error"}
	default:
		if task.Priority > 5 {
			wantRetry = true
		} else {
			return Decision{Action: ActionSkip, Reason: "low priority, unclassified error"}
		}
	}

	if wantRetry {
		if task.RetryCount >= task.MaxRetries {
			return Decision{Action: ActionFail, Reason: "max retries exceeded"}
		}
		// Delay is computed against the incremented count the caller applies.
		return Decision{
			Action:     ActionRetry,
			Reason:     string(class),
			RetryDelay: Backoff(task.RetryCount+1, capSec),
		}
	}

	return Decision{Action: ActionFail, Reason: "unreachable"}
}
