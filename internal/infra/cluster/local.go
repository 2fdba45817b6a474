package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
)

// Local runs workers as goroutine pools inside this process.
// Every (re)provisioned worker gets a fresh local-<uuid> identity.
type Local struct {
	fetcher     Fetcher
	concurrency int
	log         *slog.Logger

	mu      sync.Mutex
	workers []*localWorker
	next    int
	closed  bool
}

type localWorker struct {
	id string
	// One unit at a time per worker; fan-out happens inside the unit.
	slot chan struct{}
}

// NewLocal creates an in-process cluster with no workers. Call Scale to add some.
func NewLocal(f Fetcher, taskConcurrency int) *Local {
	return &Local{
		fetcher:     f,
		concurrency: max(taskConcurrency, 1),
		log:         slog.Default().With("component", "cluster", "backend", TypeLocal),
	}
}

func (l *Local) Type() string { return TypeLocal }

func (l *Local) Submit(ctx context.Context, unit domain.Unit) (domain.UnitResult, error) {
	w, err := l.pick()
	if err != nil {
		return domain.UnitResult{}, err
	}

	select {
	case w.slot <- struct{}{}:
	case <-ctx.Done():
		return domain.UnitResult{}, ctx.Err()
	}
	defer func() { <-w.slot }()

	attempts := RunUnit(ctx, l.fetcher, unit.Candidates, l.concurrency)
	if ctx.Err() != nil {
		return domain.UnitResult{}, ctx.Err()
	}

	return domain.UnitResult{UnitID: unit.ID, Worker: w.id, Attempts: attempts}, nil
}

func (l *Local) pick() (*localWorker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClusterLost
	}
	if len(l.workers) == 0 {
		return nil, fmt.Errorf("%w: no local workers", ErrWorkerUnreachable)
	}

	w := l.workers[l.next%len(l.workers)]
	l.next = (l.next + 1) % len(l.workers)
	return w, nil
}

func (l *Local) LiveWorkers(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClusterLost
	}

	ids := make([]string, len(l.workers))
	for i, w := range l.workers {
		ids[i] = w.id
	}
	return ids, nil
}

func (l *Local) Scale(ctx context.Context, n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClusterLost
	}
	if n < 0 {
		return fmt.Errorf("scale: negative worker count %d", n)
	}

	for len(l.workers) < n {
		l.workers = append(l.workers, &localWorker{
			id:   "local-" + uuid.NewString(),
			slot: make(chan struct{}, 1),
		})
	}
	l.workers = l.workers[:n]
	l.next = 0

	l.log.Debug("scaled", "workers", n)
	return nil
}

func (l *Local) WaitReady(ctx context.Context, timeout time.Duration) (bool, error) {
	return waitLive(ctx, l, 1, timeout, 10*time.Millisecond)
}

func (l *Local) Teardown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.workers = nil
	l.closed = true
	return nil
}
