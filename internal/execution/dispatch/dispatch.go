// Package dispatch runs rounds: it slices pending tasks into a batch of
// units, submits every unit to the fleet under a shared deadline and turns
// whatever comes back (or does not) into exactly one attempt per task.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
)

// ErrNoWorkers is returned when a round would start with no live worker.
var ErrNoWorkers = errors.New("no live workers")

// Fleet is the part of the cluster the dispatcher needs.
type Fleet interface {
	Submit(ctx context.Context, unit domain.Unit) (domain.UnitResult, error)
	LiveWorkers(ctx context.Context) ([]string, error)
}

// Config sizes rounds.
type Config struct {
	BatchSize       int           // tasks sent to the fleet per round
	SubBatchSize    int           // tasks per unit of work
	TaskConcurrency int           // fetches in flight per worker
	TaskTimeout     time.Duration // budget for one fetch
}

// Resolution is the attempt a round produced for one task.
type Resolution struct {
	Task    *domain.Task
	Attempt domain.Attempt
}

// RoundReport describes one finished round.
type RoundReport struct {
	Round       int
	Batch       domain.Batch
	Workers     int
	Units       int
	UnitsFailed int
	UnitsLate   int
	Resolutions []Resolution
	Elapsed     time.Duration
}

// Requests is the number of attempts the round produced.
func (r *RoundReport) Requests() int { return len(r.Resolutions) }

// Failures is the number of failed attempts the round produced.
func (r *RoundReport) Failures() int {
	n := 0
	for _, res := range r.Resolutions {
		if !res.Attempt.Succeeded() {
			n++
		}
	}
	return n
}

// Partition takes the first batchSize pending tasks and splits them into
// units of subBatchSize. Non-positive sizes mean "all" and "one unit".
func Partition(pending []*domain.Task, batchSize, subBatchSize int) ([]*domain.Task, [][]*domain.Task) {
	batch := pending
	if batchSize > 0 && len(batch) > batchSize {
		batch = batch[:batchSize]
	}
	if len(batch) == 0 {
		return nil, nil
	}
	if subBatchSize <= 0 {
		subBatchSize = len(batch)
	}

	units := make([][]*domain.Task, 0, (len(batch)+subBatchSize-1)/subBatchSize)
	for start := 0; start < len(batch); start += subBatchSize {
		end := min(start+subBatchSize, len(batch))
		units = append(units, batch[start:end])
	}
	return batch, units
}

// RoundDeadline estimates the wall-clock budget of a round carrying taskCount
// tasks, assuming the work spreads evenly over every live worker thread.
// The budget is never shorter than one task timeout.
func RoundDeadline(taskCount int, perTask time.Duration, liveWorkers, taskConcurrency int) (time.Duration, error) {
	if liveWorkers <= 0 {
		return 0, ErrNoWorkers
	}
	taskConcurrency = max(taskConcurrency, 1)

	d := time.Duration(int64(taskCount) * int64(perTask) / int64(liveWorkers*taskConcurrency))
	return max(d, perTask), nil
}

// Dispatcher runs rounds against a Fleet.
type Dispatcher struct {
	fleet  Fleet
	cfg    Config
	events chan Event
	log    *slog.Logger
	round  int

	now    func() time.Time
	unitID func() string
}

// New creates a dispatcher.
func New(fleet Fleet, cfg Config) *Dispatcher {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Second
	}
	return &Dispatcher{
		fleet:  fleet,
		cfg:    cfg,
		events: make(chan Event, eventBuffer),
		log:    slog.Default().With("component", "dispatcher"),
		now:    time.Now,
		unitID: uuid.NewString,
	}
}

type unitOutcome struct {
	index int
	res   domain.UnitResult
	err   error
	at    time.Time
}

// Round dispatches one batch from pending and waits for it under the round
// deadline. Every task in the batch gets exactly one resolution, whether its
// unit answered, failed or was cancelled. Round never touches the tasks; the
// caller folds the resolutions into its ledger.
//
// A non-nil error with a nil report means nothing was dispatched. A non-nil
// error with a report means the parent context ended mid-round; the report is
// still complete.
func (d *Dispatcher) Round(ctx context.Context, pending []*domain.Task) (*RoundReport, error) {
	live, err := d.fleet.LiveWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	if len(live) == 0 {
		return nil, ErrNoWorkers
	}

	batch, units := Partition(pending, d.cfg.BatchSize, d.cfg.SubBatchSize)
	if len(batch) == 0 {
		return nil, nil
	}

	budget, err := RoundDeadline(len(batch), d.cfg.TaskTimeout, len(live), d.cfg.TaskConcurrency)
	if err != nil {
		return nil, err
	}

	d.round++
	submitted := d.now()
	report := &RoundReport{
		Round:   d.round,
		Batch:   domain.Batch{Members: batch, SubmittedAt: submitted, Deadline: submitted.Add(budget)},
		Workers: len(live),
		Units:   len(units),
	}

	roundCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	d.log.Debug("round started", "round", d.round, "tasks", len(batch), "units", len(units),
		"workers", len(live), "deadline", budget)

	ids := make([]string, len(units))
	// Buffered so stragglers that ignore cancellation never block.
	outcomes := make(chan unitOutcome, len(units))
	for i, members := range units {
		ids[i] = d.unitID()
		unit := domain.Unit{ID: ids[i], Candidates: candidates(members)}
		go func() {
			res, err := d.fleet.Submit(roundCtx, unit)
			outcomes <- unitOutcome{index: i, res: res, err: err, at: d.now()}
		}()
	}

	resolved := make([]bool, len(units))
	done := 0
collect:
	for done < len(units) {
		select {
		case o := <-outcomes:
			resolved[o.index] = true
			done++
			d.fold(report, units[o.index], ids[o.index], o, submitted)
		case <-roundCtx.Done():
			break collect
		}
	}
	cancel()

	late := d.now()
	for i, members := range units {
		if resolved[i] {
			continue
		}
		report.UnitsLate++
		fe := domain.TimeoutError(fmt.Errorf("unit %s missed round deadline %s", ids[i], budget))
		for _, t := range members {
			report.Resolutions = append(report.Resolutions, Resolution{Task: t, Attempt: domain.FailedAttempt(late, fe)})
		}
		d.emit(Event{Kind: EventUnitLate, Round: d.round, UnitID: ids[i], Tasks: len(members), Failures: len(members)})
	}

	report.Elapsed = d.now().Sub(submitted)
	d.emit(Event{
		Kind:        EventRoundDone,
		Round:       d.round,
		Tasks:       len(report.Resolutions),
		Failures:    report.Failures(),
		UnitsLate:   report.UnitsLate,
		UnitsFailed: report.UnitsFailed,
		Elapsed:     report.Elapsed,
	})

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// fold converts one unit outcome into one resolution per member task.
func (d *Dispatcher) fold(report *RoundReport, members []*domain.Task, unitID string, o unitOutcome, submitted time.Time) {
	failWith := func(fe *domain.FetchError) {
		report.UnitsFailed++
		for _, t := range members {
			report.Resolutions = append(report.Resolutions, Resolution{Task: t, Attempt: domain.FailedAttempt(o.at, fe)})
		}
		d.log.Debug("unit failed", "unit", unitID, "kind", fe.Kind, "error", fe.Message)
		d.emit(Event{Kind: EventUnitFailed, Round: d.round, UnitID: unitID, Worker: o.res.Worker,
			Tasks: len(members), Failures: len(members)})
	}

	switch {
	case o.err != nil:
		failWith(unitFailure(o.err))
		return
	case len(o.res.Attempts) != len(members):
		failWith(domain.ProtocolError("unit %s returned %d attempts for %d tasks", unitID, len(o.res.Attempts), len(members)))
		return
	}

	failures := 0
	for i, t := range members {
		a := o.res.Attempts[i]
		if a.StartedAt.IsZero() {
			a.StartedAt = submitted
		}
		if a.FinishedAt.IsZero() {
			a.FinishedAt = o.at
		}
		if a.FinishedAt.Before(a.StartedAt) {
			a.FinishedAt = a.StartedAt
		}
		if !a.Succeeded() {
			failures++
		}
		report.Resolutions = append(report.Resolutions, Resolution{Task: t, Attempt: a})
	}

	d.emit(Event{Kind: EventUnitDone, Round: d.round, UnitID: unitID, Worker: o.res.Worker,
		Tasks: len(members), Failures: failures})
}

// unitFailure classifies a unit-level error. Deadlines become timeouts,
// classified fetch errors keep their kind, anything else lost the worker.
func unitFailure(err error) *domain.FetchError {
	var fe *domain.FetchError
	switch {
	case errors.As(err, &fe):
		return fe
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return domain.TimeoutError(err)
	default:
		return domain.WorkerLostError(err)
	}
}

func candidates(tasks []*domain.Task) []domain.Candidate {
	out := make([]domain.Candidate, len(tasks))
	for i, t := range tasks {
		out[i] = t.Input
	}
	return out
}
