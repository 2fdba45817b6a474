package cluster

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
	"github.com/bendavidsteel/what-for-where/internal/execution/pool"
)

// Fetcher probes one candidate. ErrAbsent reports a confirmed negative result.
type Fetcher interface {
	Fetch(ctx context.Context, c domain.Candidate) (json.RawMessage, error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(ctx context.Context, c domain.Candidate) (json.RawMessage, error)

func (f FetchFunc) Fetch(ctx context.Context, c domain.Candidate) (json.RawMessage, error) {
	return f(ctx, c)
}

// RunUnit executes every candidate of a unit on the calling worker with at most
// concurrency fetches in flight. It returns exactly one attempt per candidate,
// in unit order.
func RunUnit(ctx context.Context, f Fetcher, candidates []domain.Candidate, concurrency int, opts ...pool.Option) []domain.Attempt {
	op := func(ctx context.Context, c domain.Candidate) (domain.Attempt, error) {
		started := time.Now()
		value, err := f.Fetch(ctx, c)
		return domain.NewAttempt(started, time.Now(), value, err), nil
	}

	results := pool.MapBounded(ctx, op, candidates, concurrency, opts...)

	attempts := make([]domain.Attempt, len(results))
	for i, r := range results {
		if r.Err != nil {
			// Never started because ctx ended first.
			now := time.Now()
			attempts[i] = domain.FailedAttempt(now, domain.Classify(r.Err))
			continue
		}
		attempts[i] = r.Value
	}
	return attempts
}
