package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bendavidsteel/what-for-where/internal/control"
	"github.com/bendavidsteel/what-for-where/internal/core/domain"
	"github.com/bendavidsteel/what-for-where/internal/execution/dispatch"
	"github.com/bendavidsteel/what-for-where/internal/infra/cluster"
)

// Observer exports run progress as Prometheus metrics.
type Observer struct{}

func (Observer) OnEvent(_ string, e dispatch.Event) {
	switch e.Kind {
	case dispatch.EventUnitDone:
		UnitsTotal.WithLabelValues("done").Inc()
	case dispatch.EventUnitFailed:
		UnitsTotal.WithLabelValues("failed").Inc()
	case dispatch.EventUnitLate:
		UnitsTotal.WithLabelValues("late").Inc()
	case dispatch.EventRoundDone:
		RoundsTotal.Inc()
		RoundDuration.Observe(e.Elapsed.Seconds())
	}
}

func (Observer) OnProgress(p control.Progress) {
	c := p.Counts
	TasksByOutcome.WithLabelValues(domain.OutcomePending.String()).Set(float64(c.Pending))
	TasksByOutcome.WithLabelValues(domain.OutcomeSucceeded.String()).Set(float64(c.Succeeded))
	TasksByOutcome.WithLabelValues(domain.OutcomeExhausted.String()).Set(float64(c.Exhausted))
	Hits.Set(float64(c.Hits))
	LiveWorkers.Set(float64(p.Workers))
	Rotations.Set(float64(p.Rotations))
	Recoveries.Set(float64(p.Recoveries))
}

// StateHook records cluster lifecycle transitions. Pass it to
// cluster.WithStateHook.
func StateHook(_, to cluster.State) {
	ClusterState.Set(float64(to))
	ClusterTransitionsTotal.WithLabelValues(to.String()).Inc()
}

// Outcome labels a fetch result.
func Outcome(err error) string {
	if err == nil {
		return "hit"
	}
	if errors.Is(err, domain.ErrAbsent) {
		return "absent"
	}
	return string(domain.Classify(err).Kind)
}

// InstrumentFetcher wraps f so every probe is counted and timed.
func InstrumentFetcher(f cluster.Fetcher) cluster.Fetcher {
	return cluster.FetchFunc(func(ctx context.Context, c domain.Candidate) (json.RawMessage, error) {
		start := time.Now()
		value, err := f.Fetch(ctx, c)
		outcome := Outcome(err)
		FetchesTotal.WithLabelValues(outcome).Inc()
		FetchLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		return value, err
	})
}
