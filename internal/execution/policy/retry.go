// Package policy decides the fate of tasks and identity sets.
//
// This package contains:
//   - RetryPolicy: per-task retry cap, the only path to Exhausted
//   - RotationTracker: request and failure counters for the current identity
//     set, deciding when the fleet's identities are used up
package policy

import "github.com/bendavidsteel/what-for-where/internal/core/domain"

// DefaultMaxTries is the number of attempts a task gets before it is Exhausted.
const DefaultMaxTries = 3

// RetryPolicy caps the number of attempts per task.
type RetryPolicy struct {
	MaxTries int
}

// NewRetryPolicy returns a policy with at least one try.
func NewRetryPolicy(maxTries int) RetryPolicy {
	if maxTries <= 0 {
		maxTries = DefaultMaxTries
	}
	return RetryPolicy{MaxTries: maxTries}
}

// Evaluate returns the outcome implied by an attempt history.
// A task is Exhausted iff it has at least MaxTries attempts and none succeeded.
func (p RetryPolicy) Evaluate(attempts []domain.Attempt) domain.Outcome {
	for _, a := range attempts {
		if a.Succeeded() {
			return domain.OutcomeSucceeded
		}
	}
	if len(attempts) >= p.MaxTries {
		return domain.OutcomeExhausted
	}
	return domain.OutcomePending
}

// Remaining returns how many more attempts a task may receive.
func (p RetryPolicy) Remaining(attempts []domain.Attempt) int {
	return max(0, p.MaxTries-len(attempts))
}
