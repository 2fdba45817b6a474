// Package cluster abstracts the worker fleets that execute units of work.
//
// Every backend (in-process goroutines, a fixed fleet of hosts, elastic
// processes) implements Cluster. The Manager drives one Cluster through its
// lifecycle and is what the rest of the engine talks to.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
)

var (
	// ErrClusterLost means the connection to the fleet as a whole is gone.
	ErrClusterLost = errors.New("cluster lost")

	// ErrProvisionFailed is returned once provisioning has exhausted its backoff.
	ErrProvisionFailed = errors.New("cluster provisioning failed")

	// ErrNotReady means no worker became live within the readiness timeout.
	ErrNotReady = errors.New("cluster not ready")

	// ErrWorkerUnreachable marks a single worker that could not be reached.
	ErrWorkerUnreachable = errors.New("worker unreachable")
)

// Backend types accepted in configuration.
const (
	TypeLocal   = "local"
	TypeHosts   = "hosts"
	TypeElastic = "elastic"
)

// Cluster is the capability surface shared by every backend.
type Cluster interface {
	// Type returns the backend name.
	Type() string

	// Submit runs one unit on one worker and blocks until it resolves or ctx is done.
	Submit(ctx context.Context, unit domain.Unit) (domain.UnitResult, error)

	// LiveWorkers lists the identities of the workers currently reachable.
	LiveWorkers(ctx context.Context) ([]string, error)

	// Scale sets the target number of workers.
	Scale(ctx context.Context, n int) error

	// WaitReady blocks until at least one worker is live or timeout elapses.
	WaitReady(ctx context.Context, timeout time.Duration) (bool, error)

	// Teardown releases every worker. The cluster is unusable afterwards.
	Teardown(ctx context.Context) error
}

// IdentityResetter is implemented by fleets whose workers persist across
// rotations. Such fleets rotate by resetting each worker's outward identity
// instead of being drained and reprovisioned.
type IdentityResetter interface {
	RotateIdentities(ctx context.Context) error
}

// Factory builds a fresh cluster. The Manager calls it on every (re)provision.
type Factory func(ctx context.Context) (Cluster, error)

// waitFor polls check every interval until it reports true, timeout elapses or ctx is done.
func waitFor(ctx context.Context, timeout, interval time.Duration, check func(context.Context) (bool, error)) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := check(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// waitLive waits until cl reports at least min live workers.
func waitLive(ctx context.Context, cl Cluster, min int, timeout, interval time.Duration) (bool, error) {
	return waitFor(ctx, timeout, interval, func(ctx context.Context) (bool, error) {
		live, err := cl.LiveWorkers(ctx)
		if err != nil {
			return false, fmt.Errorf("list workers: %w", err)
		}
		return len(live) >= min, nil
	})
}

// waitDrained waits until cl reports zero live workers.
func waitDrained(ctx context.Context, cl Cluster, timeout, interval time.Duration) (bool, error) {
	return waitFor(ctx, timeout, interval, func(ctx context.Context) (bool, error) {
		live, err := cl.LiveWorkers(ctx)
		if err != nil {
			return false, fmt.Errorf("list workers: %w", err)
		}
		return len(live) == 0, nil
	})
}
