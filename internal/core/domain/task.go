package domain

import (
	"encoding/json"
	"time"
)

// Outcome is the resolution state of a task.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSucceeded
	OutcomeExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Attempt is the record of one execution of a task.
type Attempt struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Value      json.RawMessage `json:"value,omitempty"`
	Absent     bool            `json:"absent,omitempty"`
	Err        *FetchError     `json:"error,omitempty"`
}

// Succeeded reports whether the attempt produced a result (present or confirmed absent).
func (a Attempt) Succeeded() bool {
	return a.Err == nil
}

// NewAttempt builds an attempt record from a fetch outcome.
func NewAttempt(started, finished time.Time, value json.RawMessage, err error) Attempt {
	a := Attempt{StartedAt: started, FinishedAt: finished}
	if finished.Before(started) {
		a.FinishedAt = started
	}
	if fe := Classify(err); fe != nil {
		a.Err = fe
		return a
	}
	if err != nil {
		a.Absent = true
	}
	a.Value = value
	return a
}

// FailedAttempt builds an attempt that resolved with fe at the given instant.
// Synthetic failures (timeouts, lost workers) never started on the caller's
// clock, so both timestamps are set to the resolution time.
func FailedAttempt(at time.Time, fe *FetchError) Attempt {
	return Attempt{StartedAt: at, FinishedAt: at, Err: fe}
}

// Task is one candidate and its execution history. The ledger owns every Task.
type Task struct {
	Input    Candidate
	Attempts []Attempt
	Outcome  Outcome

	// Position in the ledger, fixed at creation.
	Index int
}

// Result returns the successful attempt, if any.
func (t *Task) Result() (Attempt, bool) {
	for i := len(t.Attempts) - 1; i >= 0; i-- {
		if t.Attempts[i].Succeeded() {
			return t.Attempts[i], true
		}
	}
	return Attempt{}, false
}

// Failures counts the failed attempts.
func (t *Task) Failures() int {
	n := 0
	for _, a := range t.Attempts {
		if !a.Succeeded() {
			n++
		}
	}
	return n
}

// IsHit reports whether the task succeeded with a present value.
func (t *Task) IsHit() bool {
	if t.Outcome != OutcomeSucceeded {
		return false
	}
	a, ok := t.Result()
	return ok && !a.Absent && len(a.Value) > 0
}

// Batch is a contiguous slice of pending tasks dispatched together in one round.
type Batch struct {
	Members     []*Task
	SubmittedAt time.Time
	Deadline    time.Time
}
