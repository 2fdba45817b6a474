// Package ledger is the authoritative record of every candidate, its outcome
// and its failure history.
//
// A Ledger is owned by a single goroutine (the run controller). It holds no
// locks: all attempt folding is serialized by the owner.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
	"github.com/bendavidsteel/what-for-where/internal/execution/policy"
)

var (
	// ErrTaskResolved is returned when an attempt is recorded on a resolved task.
	ErrTaskResolved = errors.New("task already resolved")

	// ErrUnknownTask is returned for tasks that do not belong to the ledger.
	ErrUnknownTask = errors.New("task not in ledger")
)

// Counts summarizes the ledger.
type Counts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Succeeded int `json:"succeeded"`
	Exhausted int `json:"exhausted"`
	Hits      int `json:"hits"`
	Attempts  int `json:"attempts"`
}

// Ledger tracks one Task per candidate, in input order.
type Ledger struct {
	tasks  []*domain.Task
	policy policy.RetryPolicy

	// pending indexes unresolved tasks by ledger position. order lists the
	// same positions ascending and is compacted lazily after resolutions.
	pending map[int]struct{}
	order   []int
	dirty   bool
}

// New seeds one Pending task per input, preserving input order.
func New(inputs []domain.Candidate, retry policy.RetryPolicy) *Ledger {
	l := &Ledger{
		tasks:   make([]*domain.Task, len(inputs)),
		policy:  retry,
		pending: make(map[int]struct{}, len(inputs)),
		order:   make([]int, len(inputs)),
	}
	for i, in := range inputs {
		l.tasks[i] = &domain.Task{Input: in, Outcome: domain.OutcomePending, Index: i}
		l.pending[i] = struct{}{}
		l.order[i] = i
	}
	return l
}

// Pending returns all Pending tasks in ledger order.
func (l *Ledger) Pending() []*domain.Task {
	if l.dirty {
		l.compact()
	}
	out := make([]*domain.Task, len(l.order))
	for i, idx := range l.order {
		out[i] = l.tasks[idx]
	}
	return out
}

// PendingCount returns the number of unresolved tasks.
func (l *Ledger) PendingCount() int {
	return len(l.pending)
}

// Resolved reports whether every task is Succeeded or Exhausted.
func (l *Ledger) Resolved() bool {
	return len(l.pending) == 0
}

// RecordAttempt appends an attempt and reevaluates the task's outcome.
func (l *Ledger) RecordAttempt(task *domain.Task, a domain.Attempt) (domain.Outcome, error) {
	if task == nil || task.Index < 0 || task.Index >= len(l.tasks) || l.tasks[task.Index] != task {
		return domain.OutcomePending, ErrUnknownTask
	}
	if task.Outcome != domain.OutcomePending {
		return task.Outcome, fmt.Errorf("%w: candidate %s is %s", ErrTaskResolved, task.Input, task.Outcome)
	}
	if a.FinishedAt.IsZero() {
		a.FinishedAt = time.Now()
	}
	if a.StartedAt.IsZero() || a.StartedAt.After(a.FinishedAt) {
		a.StartedAt = a.FinishedAt
	}

	task.Attempts = append(task.Attempts, a)
	task.Outcome = l.policy.Evaluate(task.Attempts)

	if task.Outcome != domain.OutcomePending {
		delete(l.pending, task.Index)
		l.dirty = true
	}
	return task.Outcome, nil
}

// Tasks returns every task in ledger order. Callers must not mutate them.
func (l *Ledger) Tasks() []*domain.Task {
	return l.tasks
}

// Len returns the total number of tasks.
func (l *Ledger) Len() int {
	return len(l.tasks)
}

// MaxTries returns the retry cap the ledger evaluates against.
func (l *Ledger) MaxTries() int {
	return l.policy.MaxTries
}

// Counts returns a summary of all tasks. It walks the full ledger.
func (l *Ledger) Counts() Counts {
	c := Counts{Total: len(l.tasks), Pending: len(l.pending)}
	for _, t := range l.tasks {
		c.Attempts += len(t.Attempts)
		switch t.Outcome {
		case domain.OutcomeSucceeded:
			c.Succeeded++
			if t.IsHit() {
				c.Hits++
			}
		case domain.OutcomeExhausted:
			c.Exhausted++
		}
	}
	return c
}

func (l *Ledger) compact() {
	kept := l.order[:0]
	for _, idx := range l.order {
		if _, ok := l.pending[idx]; ok {
			kept = append(kept, idx)
		}
	}
	l.order = kept
	l.dirty = false
}

// HitRate is successful, substantively positive results over valid completions.
func (c Counts) HitRate() float64 {
	valid := c.Total - c.Exhausted - c.Pending
	if valid <= 0 {
		return 0
	}
	return float64(c.Hits) / float64(valid)
}

// ValidityRate is tasks not Exhausted over all tasks.
func (c Counts) ValidityRate() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Total-c.Exhausted) / float64(c.Total)
}
