package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/bendavidsteel/what-for-where/internal/control"
	"github.com/bendavidsteel/what-for-where/internal/execution/dispatch"
)

const publishTimeout = time.Second

// ProgressPublisher mirrors run progress into Redis so other processes can
// follow a run. Write failures are logged and never reach the run loop.
type ProgressPublisher struct {
	client *Client
	ttl    time.Duration
	log    *slog.Logger
}

// NewProgressPublisher creates a publisher. Run hashes expire after ttl.
func NewProgressPublisher(client *Client, ttl time.Duration) *ProgressPublisher {
	return &ProgressPublisher{
		client: client,
		ttl:    ttl,
		log:    slog.Default().With("component", "redis-progress"),
	}
}

func (p *ProgressPublisher) OnEvent(runID string, e dispatch.Event) {
	if e.Kind == dispatch.EventRoundDone {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.client.rdb.HIncrBy(ctx, runKey(runID), eventField(string(e.Kind)), 1).Err(); err != nil {
		p.log.Debug("event not recorded", "run", runID, "kind", e.Kind, "error", err)
	}
}

func (p *ProgressPublisher) OnProgress(pr control.Progress) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	payload, err := json.Marshal(pr)
	if err != nil {
		p.log.Warn("progress not encoded", "run", pr.RunID, "error", err)
		return
	}

	pipe := p.client.rdb.Pipeline()
	pipe.HSet(ctx, runKey(pr.RunID), progressFields(pr)...)
	if p.ttl > 0 {
		pipe.Expire(ctx, runKey(pr.RunID), p.ttl)
	}
	pipe.Publish(ctx, progressChannel(pr.RunID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		p.log.Warn("progress not published", "run", pr.RunID, "round", pr.Round, "error", err)
	}
}

// Start registers the run before its first round.
func (p *ProgressPublisher) Start(ctx context.Context, runID string, startedAt time.Time) error {
	return p.client.RegisterRun(ctx, runID, startedAt, p.ttl)
}

// Finish records the final state of a run.
func (p *ProgressPublisher) Finish(ctx context.Context, report *control.Report, runErr error) error {
	state := "completed"
	if runErr != nil {
		state = "failed"
	}
	return p.client.FinishRun(ctx, report.RunID, state, map[string]any{
		"rounds":        report.Rounds,
		"hits":          report.Counts.Hits,
		"exhausted":     report.Counts.Exhausted,
		"hit_rate":      report.HitRate(),
		"validity_rate": report.ValidityRate(),
	})
}

func progressFields(pr control.Progress) []any {
	c := pr.Counts
	return []any{
		"round", pr.Round,
		"workers", pr.Workers,
		"total", c.Total,
		"pending", c.Pending,
		"succeeded", c.Succeeded,
		"exhausted", c.Exhausted,
		"hits", c.Hits,
		"attempts", c.Attempts,
		"rotations", pr.Rotations,
		"recoveries", pr.Recoveries,
	}
}
