package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
	"github.com/bendavidsteel/what-for-where/internal/execution/dispatch"
	"github.com/bendavidsteel/what-for-where/internal/execution/ledger"
	"github.com/bendavidsteel/what-for-where/internal/execution/policy"
	"github.com/bendavidsteel/what-for-where/internal/execution/pool"
	"github.com/bendavidsteel/what-for-where/internal/infra/cluster"
)

// Execution methods.
const (
	MethodCluster = "cluster"
	MethodLocal   = "local"
)

// ErrTooManyRecoveries is returned when the cluster keeps failing.
var ErrTooManyRecoveries = errors.New("cluster recovery limit reached")

// Config holds the run loop parameters.
type Config struct {
	RunID         string // generated when empty
	Method        string
	MaxTries      int
	Dispatch      dispatch.Config
	Rotation      policy.RotationConfig
	Workers       int // local method concurrency
	MaxRecoveries int // consecutive cluster recoveries before giving up, 0 for unlimited
}

// Runner drives a ledger to full resolution. It is the only goroutine that
// mutates the ledger.
type Runner struct {
	cfg       Config
	manager   *cluster.Manager
	fetcher   cluster.Fetcher
	observers []Observer
	log       *slog.Logger
}

// NewRunner creates a runner. manager is used by the cluster method and
// fetcher by the local method; the other may be nil.
func NewRunner(cfg Config, manager *cluster.Manager, fetcher cluster.Fetcher, observers ...Observer) (*Runner, error) {
	switch cfg.Method {
	case MethodCluster:
		if manager == nil {
			return nil, fmt.Errorf("%w: cluster method needs a cluster", domain.ErrConfig)
		}
	case MethodLocal:
		if fetcher == nil {
			return nil, fmt.Errorf("%w: local method needs a fetcher", domain.ErrConfig)
		}
	default:
		return nil, fmt.Errorf("%w: unknown method %q", domain.ErrConfig, cfg.Method)
	}

	return &Runner{
		cfg:       cfg,
		manager:   manager,
		fetcher:   fetcher,
		observers: observers,
		log:       slog.Default().With("component", "runner"),
	}, nil
}

// Run probes every candidate until each task is Succeeded or Exhausted.
//
// The report is returned even when Run fails, so that partial work can be
// archived. Only configuration errors, context cancellation and a spent
// recovery budget end a run early.
func (r *Runner) Run(ctx context.Context, candidates []domain.Candidate) (*Report, error) {
	l := ledger.New(candidates, policy.NewRetryPolicy(r.cfg.MaxTries))
	runID := r.cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	report := &Report{
		RunID:     runID,
		Method:    r.cfg.Method,
		StartedAt: time.Now(),
		Ledger:    l,
	}

	r.log.Info("run started", "run", report.RunID, "method", r.cfg.Method,
		"candidates", len(candidates), "max_tries", l.MaxTries())

	var err error
	switch r.cfg.Method {
	case MethodLocal:
		err = r.runLocal(ctx, l, report)
	default:
		err = r.runCluster(ctx, l, report)
	}

	report.FinishedAt = time.Now()
	report.Counts = l.Counts()

	if err != nil {
		r.log.Error("run aborted", "run", report.RunID, "error", err, "pending", report.Counts.Pending)
		return report, err
	}

	r.log.Info("run finished", "run", report.RunID,
		"hit_rate", fmt.Sprintf("%.4f", report.Counts.HitRate()),
		"validity_rate", fmt.Sprintf("%.4f", report.Counts.ValidityRate()),
		"duration", report.Duration().Round(time.Millisecond))
	return report, nil
}

func (r *Runner) runCluster(ctx context.Context, l *ledger.Ledger, report *Report) error {
	report.ClusterType = r.manager.Type()
	tracker := policy.NewRotationTracker(r.cfg.Rotation)

	d := dispatch.New(r.manager, r.cfg.Dispatch)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range d.Events() {
			for _, o := range r.observers {
				o.OnEvent(report.RunID, e)
			}
		}
	}()
	defer func() {
		d.Close()
		wg.Wait()
	}()

	defer func() {
		if err := r.manager.Teardown(context.WithoutCancel(ctx)); err != nil {
			r.log.Warn("teardown", "error", err)
		}
	}()

	failures := 0
	provisioned := false
	for !l.Resolved() {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !provisioned {
			if err := r.provision(ctx, report); err != nil {
				if fatal(ctx, err) {
					return err
				}
				if err := r.recovered(&failures, err); err != nil {
					return err
				}
				continue
			}
			provisioned = true
			report.ClusterType = r.manager.Type()
			tracker.Reset()
		}

		round, err := d.Round(ctx, l.Pending())
		if round != nil {
			if ferr := r.fold(l, round.Resolutions); ferr != nil {
				return ferr
			}
			report.Rounds++
			tracker.Record(round.Requests(), round.Failures())
			r.progress(report, l, round, tracker.GetUsage())
			failures = 0
		}

		if err != nil {
			if fatal(ctx, err) {
				return err
			}
			// Cluster-level failure: the ledger is untouched, rebuild and resume.
			r.log.Warn("cluster failure, recreating", "error", err)
			if err := r.recovered(&failures, err); err != nil {
				return err
			}
			provisioned = false
			continue
		}

		if round == nil || l.Resolved() {
			continue
		}

		if ok, reason := tracker.ShouldRotate(round.Workers); ok {
			usage := tracker.GetUsage()
			r.log.Info("rotating identities", "reason", reason, "usage", usage.String())
			if err := r.manager.Rotate(ctx); err != nil {
				if fatal(ctx, err) {
					return err
				}
				r.log.Warn("rotation failed, recreating cluster", "error", err)
				if err := r.recovered(&failures, err); err != nil {
					return err
				}
				provisioned = false
				continue
			}
			tracker.Reset()
			report.Rotations++
		}
	}
	return nil
}

func (r *Runner) provision(ctx context.Context, report *Report) error {
	if r.manager.Generation() == 0 {
		return r.manager.Provision(ctx)
	}
	report.Recoveries++
	return r.manager.Recycle(ctx)
}

// recovered counts a cluster failure and reports whether the budget allows another try.
func (r *Runner) recovered(failures *int, cause error) error {
	*failures++
	if r.cfg.MaxRecoveries > 0 && *failures > r.cfg.MaxRecoveries {
		return fmt.Errorf("%w after %d attempts: %w", ErrTooManyRecoveries, r.cfg.MaxRecoveries, cause)
	}
	return nil
}

// fatal reports whether err must end the run instead of triggering recovery.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, domain.ErrConfig)
}

func (r *Runner) fold(l *ledger.Ledger, resolutions []dispatch.Resolution) error {
	for _, res := range resolutions {
		if _, err := l.RecordAttempt(res.Task, res.Attempt); err != nil {
			// The dispatcher only sees pending tasks, so this is a bug.
			return fmt.Errorf("fold round: %w", err)
		}
	}
	return nil
}

func (r *Runner) runLocal(ctx context.Context, l *ledger.Ledger, report *Report) error {
	report.ClusterType = MethodLocal
	timeout := r.cfg.Dispatch.TaskTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	op := func(ctx context.Context, t *domain.Task) (domain.Attempt, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		started := time.Now()
		value, err := r.fetcher.Fetch(ctx, t.Input)
		return domain.NewAttempt(started, time.Now(), value, err), nil
	}

	for !l.Resolved() {
		pending := l.Pending()
		started := time.Now()
		results := pool.MapBounded(ctx, op, pending, max(r.cfg.Workers, 1))

		round := &dispatch.RoundReport{Round: report.Rounds + 1, Workers: max(r.cfg.Workers, 1), Units: 1}
		for _, res := range results {
			// op never fails, so an error means the task was never started.
			if res.Err != nil {
				continue
			}
			round.Resolutions = append(round.Resolutions, dispatch.Resolution{Task: res.Input, Attempt: res.Value})
		}
		round.Elapsed = time.Since(started)

		if err := r.fold(l, round.Resolutions); err != nil {
			return err
		}
		report.Rounds++
		r.progress(report, l, round, policy.UsageStats{})

		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) progress(report *Report, l *ledger.Ledger, round *dispatch.RoundReport, usage policy.UsageStats) {
	p := Progress{
		RunID:      report.RunID,
		Round:      round.Round,
		Requests:   round.Requests(),
		Failures:   round.Failures(),
		UnitsLate:  round.UnitsLate,
		Workers:    round.Workers,
		Elapsed:    round.Elapsed,
		Counts:     l.Counts(),
		Usage:      usage,
		Rotations:  report.Rotations,
		Recoveries: report.Recoveries,
	}
	for _, o := range r.observers {
		o.OnProgress(p)
	}
}
