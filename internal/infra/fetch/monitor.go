package fetch

import (
	"strings"
	"sync"
	"time"
)

// Status represents how the target currently treats this worker's identity.
type Status int

const (
	StatusHealthy   Status = iota // responses look normal
	StatusDegraded                // responses are slow
	StatusThrottled               // the target is rate limiting
	StatusBlocked                 // the target refuses this identity
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusThrottled:
		return "throttled"
	case StatusBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// MonitorStats holds throttle statistics for one identity.
type MonitorStats struct {
	Status           Status        `json:"status"`
	AverageLatency   time.Duration `json:"average_latency"`
	Requests         int           `json:"requests"`
	ThrottleCount429 int           `json:"throttle_429"`
	ThrottleCount403 int           `json:"throttle_403"`
	PatternMatches   int           `json:"pattern_matches"`
}

// ThrottleMonitor tracks signs that the target is limiting the current identity.
// It is reset whenever the identity changes.
type ThrottleMonitor struct {
	mu sync.RWMutex

	recentLatencies  []time.Duration
	maxLatencyWindow int

	requests         int
	status429Count   int
	status403Count   int
	patternMatches   int
	throttlePatterns []string
	lastThrottleTime time.Time
	blockCooldown    time.Duration

	slowResponseThreshold time.Duration
}

// NewThrottleMonitor creates a monitor with default settings.
func NewThrottleMonitor() *ThrottleMonitor {
	return &ThrottleMonitor{
		recentLatencies:  make([]time.Duration, 0, 100),
		maxLatencyWindow: 100,
		throttlePatterns: []string{
			"rate limit",
			"too many requests",
			"access denied",
			"captcha",
			"verify you are human",
		},
		blockCooldown:         10 * time.Minute,
		slowResponseThreshold: 5 * time.Second,
	}
}

// RecordRequest records a completed request and its latency.
func (m *ThrottleMonitor) RecordRequest(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests++
	m.recentLatencies = append(m.recentLatencies, latency)
	if len(m.recentLatencies) > m.maxLatencyWindow {
		m.recentLatencies = m.recentLatencies[1:]
	}
}

// RecordThrottle records a rate limiting or blocking response.
func (m *ThrottleMonitor) RecordThrottle(statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastThrottleTime = time.Now()
	switch statusCode {
	case 429:
		m.status429Count++
	case 403:
		m.status403Count++
	}
}

// DetectThrottlePattern checks if a body fragment looks like a throttle page.
func (m *ThrottleMonitor) DetectThrottlePattern(message string) bool {
	lowerMsg := strings.ToLower(message)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pattern := range m.throttlePatterns {
		if strings.Contains(lowerMsg, pattern) {
			m.patternMatches++
			m.lastThrottleTime = time.Now()
			return true
		}
	}
	return false
}

// Status returns the current judgement of the identity.
func (m *ThrottleMonitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusUnsafe()
}

func (m *ThrottleMonitor) statusUnsafe() Status {
	recent := time.Since(m.lastThrottleTime) < m.blockCooldown

	if m.status403Count > 0 && recent {
		return StatusBlocked
	}
	if (m.status429Count > 5 || m.patternMatches > 5) && recent {
		return StatusThrottled
	}
	if len(m.recentLatencies) > 10 && m.averageUnsafe() > m.slowResponseThreshold {
		return StatusDegraded
	}
	return StatusHealthy
}

func (m *ThrottleMonitor) averageUnsafe() time.Duration {
	if len(m.recentLatencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, lat := range m.recentLatencies {
		total += lat
	}
	return total / time.Duration(len(m.recentLatencies))
}

// Stats returns current monitoring statistics.
func (m *ThrottleMonitor) Stats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MonitorStats{
		Status:           m.statusUnsafe(),
		AverageLatency:   m.averageUnsafe(),
		Requests:         m.requests,
		ThrottleCount429: m.status429Count,
		ThrottleCount403: m.status403Count,
		PatternMatches:   m.patternMatches,
	}
}

// Reset clears all counters. Called after the identity was rotated.
func (m *ThrottleMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recentLatencies = m.recentLatencies[:0]
	m.requests = 0
	m.status429Count = 0
	m.status403Count = 0
	m.patternMatches = 0
	m.lastThrottleTime = time.Time{}
}
