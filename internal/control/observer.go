package control

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/bendavidsteel/what-for-where/internal/execution/dispatch"
	"github.com/bendavidsteel/what-for-where/internal/execution/ledger"
	"github.com/bendavidsteel/what-for-where/internal/execution/policy"
)

// Progress is the cumulative state of a run after one round.
type Progress struct {
	RunID      string            `json:"run_id"`
	Round      int               `json:"round"`
	Requests   int               `json:"requests"`
	Failures   int               `json:"failures"`
	UnitsLate  int               `json:"units_late"`
	Workers    int               `json:"workers"`
	Elapsed    time.Duration     `json:"elapsed"`
	Counts     ledger.Counts     `json:"counts"`
	Usage      policy.UsageStats `json:"usage"`
	Rotations  int               `json:"rotations"`
	Recoveries int               `json:"recoveries"`
}

// Observer subscribes to run progress. OnEvent is called from a dedicated
// goroutine for every dispatcher event; OnProgress from the run loop after
// every round. Neither may block for long.
type Observer interface {
	OnEvent(runID string, e dispatch.Event)
	OnProgress(p Progress)
}

// LogObserver writes per-round and cumulative progress lines.
type LogObserver struct {
	log *slog.Logger
}

// NewLogObserver creates a LogObserver on the default logger.
func NewLogObserver() *LogObserver {
	return &LogObserver{log: slog.Default().With("component", "progress")}
}

func (o *LogObserver) OnEvent(runID string, e dispatch.Event) {
	switch e.Kind {
	case dispatch.EventUnitFailed, dispatch.EventUnitLate:
		o.log.Debug("unit not completed", "kind", e.Kind, "round", e.Round, "unit", e.UnitID,
			"worker", e.Worker, "tasks", e.Tasks)
	case dispatch.EventUnitDone:
		o.log.Debug("unit done", "round", e.Round, "unit", e.UnitID, "worker", e.Worker,
			"tasks", e.Tasks, "failures", e.Failures)
	}
}

func (o *LogObserver) OnProgress(p Progress) {
	c := p.Counts
	done := c.Total - c.Pending
	o.log.Info("round complete",
		"round", p.Round,
		"requests", p.Requests,
		"failures", p.Failures,
		"late_units", p.UnitsLate,
		"workers", p.Workers,
		"elapsed", p.Elapsed.Round(time.Millisecond),
	)
	o.log.Info("progress",
		"resolved", fmt.Sprintf("%d/%d", done, c.Total),
		"hits", c.Hits,
		"exhausted", c.Exhausted,
		"attempts", c.Attempts,
		"rotations", p.Rotations,
		"recoveries", p.Recoveries,
	)
}
