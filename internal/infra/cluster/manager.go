package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
)

// State is the lifecycle state of the managed cluster.
type State int

const (
	StateIdle State = iota
	StateProvisioning
	StateReady
	StateDraining
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProvisioning:
		return "provisioning"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds lifecycle parameters.
type Config struct {
	Workers      int
	ReadyTimeout time.Duration
	DrainTimeout time.Duration
	PollInterval time.Duration
	Retry        RetryConfig
}

// DefaultConfig returns the lifecycle defaults for n workers.
func DefaultConfig(workers int) Config {
	return Config{
		Workers:      workers,
		ReadyTimeout: 120 * time.Second,
		DrainTimeout: 120 * time.Second,
		PollInterval: time.Second,
		Retry:        DefaultRetryConfig,
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStateHook registers fn to observe every state transition.
func WithStateHook(fn func(from, to State)) ManagerOption {
	return func(m *Manager) { m.onState = fn }
}

// Manager owns one Cluster at a time and drives it through
// Provisioning -> Ready -> Draining -> Provisioning -> Ready, with any state
// able to fall to Failed. A failed cluster is replaced through Recycle.
type Manager struct {
	factory Factory
	cfg     Config
	log     *slog.Logger
	onState func(from, to State)

	mu         sync.RWMutex
	state      State
	cl         Cluster
	generation int
}

// NewManager creates a manager. No cluster exists until Provision.
func NewManager(factory Factory, cfg Config, opts ...ManagerOption) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	m := &Manager{
		factory: factory,
		cfg:     cfg,
		log:     slog.Default().With("component", "cluster-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Generation counts successful provisions. It changes whenever the cluster is replaced.
func (m *Manager) Generation() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from == to {
		return
	}
	m.log.Debug("state change", "from", from, "to", to)
	if m.onState != nil {
		m.onState(from, to)
	}
}

func (m *Manager) current() (Cluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cl == nil {
		return nil, ErrClusterLost
	}
	return m.cl, nil
}

// Type returns the backend type of the current cluster, or "" before provisioning.
func (m *Manager) Type() string {
	cl, err := m.current()
	if err != nil {
		return ""
	}
	return cl.Type()
}

// Provision builds a cluster, scales it and waits for readiness, retrying
// with exponential backoff. Exhausting the backoff returns ErrProvisionFailed.
func (m *Manager) Provision(ctx context.Context) error {
	err := retryWithBackoff(ctx, m.cfg.Retry, m.provisionOnce, func(attempt int, delay time.Duration, err error) {
		m.log.Warn("provisioning failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	})
	if err != nil {
		m.setState(StateFailed)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrProvisionFailed, err)
	}
	return nil
}

func (m *Manager) provisionOnce(ctx context.Context) error {
	m.setState(StateProvisioning)

	cl, err := m.factory(ctx)
	if err != nil {
		if ClassifyError(err) == ActionFatal {
			return err
		}
		return fmt.Errorf("create cluster: %w", err)
	}

	if err := cl.Scale(ctx, m.cfg.Workers); err != nil {
		_ = cl.Teardown(context.WithoutCancel(ctx))
		return fmt.Errorf("scale to %d: %w", m.cfg.Workers, err)
	}

	ok, err := cl.WaitReady(ctx, m.cfg.ReadyTimeout)
	if err != nil || !ok {
		_ = cl.Teardown(context.WithoutCancel(ctx))
		if err != nil {
			return fmt.Errorf("wait ready: %w", err)
		}
		return fmt.Errorf("%w after %s", ErrNotReady, m.cfg.ReadyTimeout)
	}

	m.mu.Lock()
	m.cl = cl
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	m.setState(StateReady)
	m.log.Info("cluster ready", "type", cl.Type(), "workers", m.cfg.Workers, "generation", gen)
	return nil
}

// Rotate gives every worker a new outward identity. Fixed fleets reset their
// identities in place; recyclable fleets are drained to zero and scaled back up.
func (m *Manager) Rotate(ctx context.Context) error {
	cl, err := m.current()
	if err != nil {
		return err
	}

	if r, ok := cl.(IdentityResetter); ok {
		m.setState(StateDraining)
		if err := r.RotateIdentities(ctx); err != nil {
			m.setState(StateFailed)
			return fmt.Errorf("rotate identities: %w", err)
		}
		return m.awaitReady(ctx, cl)
	}

	m.setState(StateDraining)
	if err := cl.Scale(ctx, 0); err != nil {
		m.setState(StateFailed)
		return fmt.Errorf("drain: %w", err)
	}

	drained, err := waitDrained(ctx, cl, m.cfg.DrainTimeout, m.cfg.PollInterval)
	if err != nil {
		m.setState(StateFailed)
		return fmt.Errorf("wait drained: %w", err)
	}
	if !drained {
		m.log.Warn("workers still live after drain timeout", "timeout", m.cfg.DrainTimeout)
	}

	m.setState(StateProvisioning)
	if err := cl.Scale(ctx, m.cfg.Workers); err != nil {
		m.setState(StateFailed)
		return fmt.Errorf("scale to %d: %w", m.cfg.Workers, err)
	}
	return m.awaitReady(ctx, cl)
}

func (m *Manager) awaitReady(ctx context.Context, cl Cluster) error {
	ok, err := cl.WaitReady(ctx, m.cfg.ReadyTimeout)
	if err != nil {
		m.setState(StateFailed)
		return fmt.Errorf("wait ready: %w", err)
	}
	if !ok {
		m.setState(StateFailed)
		return fmt.Errorf("%w after %s", ErrNotReady, m.cfg.ReadyTimeout)
	}
	m.setState(StateReady)
	return nil
}

// Recycle discards the current cluster and provisions a new one.
func (m *Manager) Recycle(ctx context.Context) error {
	m.mu.Lock()
	old := m.cl
	m.cl = nil
	m.mu.Unlock()

	if old != nil {
		if err := old.Teardown(context.WithoutCancel(ctx)); err != nil {
			m.log.Warn("teardown of failed cluster", "error", err)
		}
	}
	return m.Provision(ctx)
}

// Teardown releases the current cluster.
func (m *Manager) Teardown(ctx context.Context) error {
	m.mu.Lock()
	cl := m.cl
	m.cl = nil
	m.mu.Unlock()

	m.setState(StateStopped)
	if cl == nil {
		return nil
	}
	return cl.Teardown(ctx)
}

// Submit forwards a unit to the current cluster.
func (m *Manager) Submit(ctx context.Context, unit domain.Unit) (domain.UnitResult, error) {
	cl, err := m.current()
	if err != nil {
		return domain.UnitResult{}, err
	}
	return cl.Submit(ctx, unit)
}

// LiveWorkers lists live workers of the current cluster.
func (m *Manager) LiveWorkers(ctx context.Context) ([]string, error) {
	cl, err := m.current()
	if err != nil {
		return nil, err
	}
	return cl.LiveWorkers(ctx)
}
