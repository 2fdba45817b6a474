package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
)

// HostSpec addresses one persistent worker host.
type HostSpec struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	GRPC string `yaml:"grpc"`
}

// Hosts is a fixed fleet of persistent hosts running the worker daemon.
// The fleet cannot grow past its configured size, and its identities are
// rotated in place through RotateIdentities.
type Hosts struct {
	healthTimeout time.Duration
	log           *slog.Logger

	mu     sync.Mutex
	all    []*remoteWorker
	active ring[*remoteWorker]
	closed bool
}

// NewHosts connects clients for every host. No request is sent until the fleet is used.
func NewHosts(specs []HostSpec, healthTimeout time.Duration) (*Hosts, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: hosts backend needs at least one host", domain.ErrConfig)
	}
	if healthTimeout <= 0 {
		healthTimeout = 3 * time.Second
	}

	h := &Hosts{
		healthTimeout: healthTimeout,
		log:           slog.Default().With("component", "cluster", "backend", TypeHosts),
	}

	client := newWorkerHTTPClient()
	for _, s := range specs {
		name := s.Name
		if name == "" {
			name = s.URL
		}
		w, err := newRemoteWorker(name, s.URL, s.GRPC, client)
		if err != nil {
			h.closeAll()
			return nil, err
		}
		h.all = append(h.all, w)
	}

	return h, nil
}

func (h *Hosts) Type() string { return TypeHosts }

func (h *Hosts) Submit(ctx context.Context, unit domain.Unit) (domain.UnitResult, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return domain.UnitResult{}, ErrClusterLost
	}
	w, ok := h.active.pick()
	h.mu.Unlock()
	if !ok {
		return domain.UnitResult{}, fmt.Errorf("%w: no live hosts", ErrWorkerUnreachable)
	}

	return w.submit(ctx, unit)
}

func (h *Hosts) snapshot() ([]*remoteWorker, int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, 0, ErrClusterLost
	}
	out := make([]*remoteWorker, len(h.active.members))
	copy(out, h.active.members)
	return out, h.active.gen, nil
}

// LiveWorkers health-checks every active host concurrently. Until the next
// check or Scale, Submit only routes to hosts that passed.
func (h *Hosts) LiveWorkers(ctx context.Context) ([]string, error) {
	active, gen, err := h.snapshot()
	if err != nil {
		return nil, err
	}

	alive := make([]bool, len(active))
	var g errgroup.Group
	for i, w := range active {
		g.Go(func() error {
			alive[i] = w.alive(ctx, h.healthTimeout)
			return nil
		})
	}
	_ = g.Wait()

	var (
		live    []string
		healthy []*remoteWorker
	)
	for i, ok := range alive {
		if ok {
			live = append(live, active[i].name)
			healthy = append(healthy, active[i])
		}
	}

	h.mu.Lock()
	h.active.markLive(gen, healthy)
	h.mu.Unlock()
	return live, nil
}

// Scale activates the first n configured hosts.
func (h *Hosts) Scale(ctx context.Context, n int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClusterLost
	}
	if n < 0 {
		return fmt.Errorf("scale: negative worker count %d", n)
	}
	if n > len(h.all) {
		h.log.Warn("fixed fleet smaller than requested size", "requested", n, "hosts", len(h.all))
		n = len(h.all)
	}

	h.active.reset(h.all[:n])
	return nil
}

func (h *Hosts) WaitReady(ctx context.Context, timeout time.Duration) (bool, error) {
	return waitLive(ctx, h, 1, timeout, 500*time.Millisecond)
}

// RotateIdentities asks every active host to reset its outward network identity.
// A host that fails to reset is logged and left in the fleet; the run only
// fails when no host could reset.
func (h *Hosts) RotateIdentities(ctx context.Context) error {
	active, _, err := h.snapshot()
	if err != nil {
		return err
	}

	errs := make([]error, len(active))
	var g errgroup.Group
	for i, w := range active {
		g.Go(func() error {
			res, err := w.resetIdentity(ctx)
			if err != nil {
				errs[i] = fmt.Errorf("reset %s: %w", w.name, err)
				h.log.Warn("identity reset failed", "host", w.name, "error", err)
				return nil
			}
			h.log.Info("identity reset", "host", w.name, "identity", res.Identity)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, e := range errs {
		if e != nil {
			failed++
		}
	}
	if len(active) > 0 && failed == len(active) {
		return fmt.Errorf("%w: %w", ErrClusterLost, errors.Join(errs...))
	}
	return nil
}

func (h *Hosts) Teardown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	h.active.reset(nil)
	return h.closeAll()
}

func (h *Hosts) closeAll() error {
	var errs []error
	for _, w := range h.all {
		if err := w.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
