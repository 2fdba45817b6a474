package control

import (
	"time"

	"github.com/bendavidsteel/what-for-where/internal/execution/ledger"
)

// Report summarises a finished or aborted run.
type Report struct {
	RunID       string
	Method      string
	ClusterType string
	StartedAt   time.Time
	FinishedAt  time.Time
	Rounds      int
	Rotations   int
	Recoveries  int
	Counts      ledger.Counts
	Ledger      *ledger.Ledger
}

// Duration is the wall-clock length of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// HitRate is the share of valid tasks that found something.
func (r *Report) HitRate() float64 { return r.Counts.HitRate() }

// ValidityRate is the share of tasks that did not exhaust their tries.
func (r *Report) ValidityRate() float64 { return r.Counts.ValidityRate() }
