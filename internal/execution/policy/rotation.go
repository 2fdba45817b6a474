package policy

import (
	"fmt"
	"sync"
)

// DefaultErrorRatio is the rolling failure ratio that marks an identity set as throttled.
const DefaultErrorRatio = 0.10

// Reason explains why a rotation fired.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonVolume     Reason = "volume"
	ReasonErrorRatio Reason = "error_ratio"
)

// RotationConfig configures the identity rotation trigger.
type RotationConfig struct {
	// RequestsPerIdentity is the request budget per live worker identity.
	// Zero disables the volume trigger.
	RequestsPerIdentity int
	// ErrorRatio is the failure ratio at or above which the set is rotated.
	// Zero or negative disables the ratio trigger.
	ErrorRatio float64
	// MinRequests is the sample size below which the ratio trigger is not evaluated.
	MinRequests int
}

// DefaultRotationConfig returns the engine defaults.
func DefaultRotationConfig(requestsPerIdentity int) RotationConfig {
	return RotationConfig{
		RequestsPerIdentity: requestsPerIdentity,
		ErrorRatio:          DefaultErrorRatio,
		MinRequests:         1,
	}
}

// UsageStats is a snapshot of the counters since the last rotation.
type UsageStats struct {
	Requests   int     `json:"requests"`
	Failures   int     `json:"failures"`
	ErrorRatio float64 `json:"error_ratio"`
	Rotations  int     `json:"rotations"`
}

// RotationTracker counts requests issued under the current identity set.
// Counters reset only through Reset, which is called once the fleet's
// identities have actually been rotated.
type RotationTracker struct {
	mu        sync.RWMutex
	cfg       RotationConfig
	requests  int
	failures  int
	rotations int
}

// NewRotationTracker creates a tracker with the given config.
func NewRotationTracker(cfg RotationConfig) *RotationTracker {
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = 1
	}
	return &RotationTracker{cfg: cfg}
}

// Record adds a round's requests and failures to the current epoch.
func (rt *RotationTracker) Record(requests, failures int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.requests += requests
	rt.failures += failures
}

// ShouldRotate reports whether the current identity set is used up.
// The volume trigger fires once requests reach RequestsPerIdentity*liveWorkers.
func (rt *RotationTracker) ShouldRotate(liveWorkers int) (bool, Reason) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	if rt.cfg.RequestsPerIdentity > 0 && liveWorkers > 0 &&
		rt.requests >= rt.cfg.RequestsPerIdentity*liveWorkers {
		return true, ReasonVolume
	}

	if rt.cfg.ErrorRatio > 0 && rt.requests >= rt.cfg.MinRequests &&
		rt.ratioUnsafe() >= rt.cfg.ErrorRatio {
		return true, ReasonErrorRatio
	}

	return false, ReasonNone
}

// Reset starts a new identity epoch.
func (rt *RotationTracker) Reset() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.requests = 0
	rt.failures = 0
	rt.rotations++
}

// GetUsage returns the counters of the current epoch.
func (rt *RotationTracker) GetUsage() UsageStats {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	return UsageStats{
		Requests:   rt.requests,
		Failures:   rt.failures,
		ErrorRatio: rt.ratioUnsafe(),
		Rotations:  rt.rotations,
	}
}

func (rt *RotationTracker) ratioUnsafe() float64 {
	if rt.requests == 0 {
		return 0
	}
	return float64(rt.failures) / float64(rt.requests)
}

func (u UsageStats) String() string {
	return fmt.Sprintf("%d requests, %d failures (%.1f%%)", u.Requests, u.Failures, u.ErrorRatio*100)
}
