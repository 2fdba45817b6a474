package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
)

// Instance is one ephemeral worker launched by a Provisioner.
type Instance interface {
	ID() string
	URL() string
	GRPCAddr() string
	Stop(ctx context.Context) error
}

// Provisioner launches ephemeral workers. Each launch yields a new identity.
type Provisioner interface {
	Launch(ctx context.Context) (Instance, error)
}

type elasticWorker struct {
	inst   Instance
	client *remoteWorker
}

// Elastic is a fleet of ephemeral workers. Scaling to zero destroys every
// worker, so a drain followed by a scale-up rotates all identities.
type Elastic struct {
	prov          Provisioner
	healthTimeout time.Duration
	log           *slog.Logger
	httpClient    *http.Client

	mu      sync.Mutex
	workers ring[*elasticWorker]
	closed  bool
}

// NewElastic creates an empty elastic fleet backed by prov.
func NewElastic(prov Provisioner, healthTimeout time.Duration) *Elastic {
	if healthTimeout <= 0 {
		healthTimeout = 3 * time.Second
	}
	return &Elastic{
		prov:          prov,
		healthTimeout: healthTimeout,
		log:           slog.Default().With("component", "cluster", "backend", TypeElastic),
		httpClient:    newWorkerHTTPClient(),
	}
}

func (e *Elastic) Type() string { return TypeElastic }

func (e *Elastic) Submit(ctx context.Context, unit domain.Unit) (domain.UnitResult, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return domain.UnitResult{}, ErrClusterLost
	}
	w, ok := e.workers.pick()
	e.mu.Unlock()
	if !ok {
		return domain.UnitResult{}, fmt.Errorf("%w: no live elastic workers", ErrWorkerUnreachable)
	}

	return w.client.submit(ctx, unit)
}

// LiveWorkers health-checks every instance. Until the next check or Scale,
// Submit only routes to instances that passed.
func (e *Elastic) LiveWorkers(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClusterLost
	}
	workers := make([]*elasticWorker, len(e.workers.members))
	copy(workers, e.workers.members)
	gen := e.workers.gen
	e.mu.Unlock()

	alive := make([]bool, len(workers))
	var g errgroup.Group
	for i, w := range workers {
		g.Go(func() error {
			alive[i] = w.client.alive(ctx, e.healthTimeout)
			return nil
		})
	}
	_ = g.Wait()

	var (
		live    []string
		healthy []*elasticWorker
	)
	for i, ok := range alive {
		if ok {
			live = append(live, workers[i].inst.ID())
			healthy = append(healthy, workers[i])
		}
	}

	e.mu.Lock()
	e.workers.markLive(gen, healthy)
	e.mu.Unlock()
	return live, nil
}

// Scale launches or stops instances until n are running.
func (e *Elastic) Scale(ctx context.Context, n int) error {
	if n < 0 {
		return fmt.Errorf("scale: negative worker count %d", n)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClusterLost
	}
	current := len(e.workers.members)
	var victims []*elasticWorker
	if n < current {
		victims = e.workers.members[n:]
		e.workers.reset(e.workers.members[:n:n])
	}
	e.mu.Unlock()

	if len(victims) > 0 {
		return e.stop(ctx, victims)
	}
	if n == current {
		return nil
	}

	launched := make([]*elasticWorker, n-current)
	g, gctx := errgroup.WithContext(ctx)
	for i := range launched {
		g.Go(func() error {
			inst, err := e.prov.Launch(gctx)
			if err != nil {
				return fmt.Errorf("launch worker: %w", err)
			}
			client, err := newRemoteWorker(inst.ID(), inst.URL(), inst.GRPCAddr(), e.httpClient)
			if err != nil {
				_ = inst.Stop(context.WithoutCancel(ctx))
				return err
			}
			launched[i] = &elasticWorker{inst: inst, client: client}
			return nil
		})
	}
	err := g.Wait()

	var ok []*elasticWorker
	for _, w := range launched {
		if w != nil {
			ok = append(ok, w)
		}
	}
	if err != nil {
		_ = e.stop(context.WithoutCancel(ctx), ok)
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = e.stop(context.WithoutCancel(ctx), ok)
		return ErrClusterLost
	}
	e.workers.reset(append(e.workers.members, ok...))
	e.mu.Unlock()

	e.log.Info("scaled", "workers", n)
	return nil
}

func (e *Elastic) stop(ctx context.Context, workers []*elasticWorker) error {
	var errs []error
	for _, w := range workers {
		if err := w.client.close(); err != nil {
			errs = append(errs, err)
		}
		if err := w.inst.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", w.inst.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (e *Elastic) WaitReady(ctx context.Context, timeout time.Duration) (bool, error) {
	return waitLive(ctx, e, 1, timeout, 250*time.Millisecond)
}

func (e *Elastic) Teardown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	workers := e.workers.members
	e.workers.reset(nil)
	e.mu.Unlock()

	return e.stop(ctx, workers)
}
