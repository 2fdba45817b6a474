package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
	"github.com/bendavidsteel/what-for-where/internal/execution/policy"
	"github.com/bendavidsteel/what-for-where/internal/infra/cluster"
)

// DefaultMaxRecoveries applies when engine.max_recoveries is not set.
// An explicit 0 means unlimited.
const DefaultMaxRecoveries = 10

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, expanding environment variables and applying defaults.
func Parse(data []byte) (*AppConfig, error) {
	// Seeded before decoding so an explicit 0 survives as unlimited.
	cfg := AppConfig{Engine: EngineConfig{MaxRecoveries: DefaultMaxRecoveries}}
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file: %v", domain.ErrConfig, err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Run.Method == "" {
		cfg.Run.Method = "cluster"
	}
	if cfg.Run.Strategy == "" {
		cfg.Run.Strategy = "all"
	}
	if cfg.Run.CombinationsFile == "" {
		cfg.Run.CombinationsFile = cfg.Run.Strategy + "_two_segments_combinations.json"
	}
	if cfg.Run.NumTime == 0 {
		cfg.Run.NumTime = 10
	}
	if cfg.Run.TimeUnit == "" {
		cfg.Run.TimeUnit = "ms"
	}
	if cfg.Run.OutputDir == "" {
		cfg.Run.OutputDir = "results"
	}

	e := &cfg.Engine
	if e.MaxTries == 0 {
		e.MaxTries = policy.DefaultMaxTries
	}
	if e.Workers == 0 {
		e.Workers = 10
	}
	if e.BatchSize == 0 {
		e.BatchSize = 100000
	}
	if e.SubBatchSize == 0 {
		e.SubBatchSize = 1000
	}
	if e.TaskConcurrency == 0 {
		e.TaskConcurrency = 1
	}
	if e.TaskTimeout == 0 {
		e.TaskTimeout = 10 * time.Second
	}
	if e.RequestsPerIdentity == 0 {
		e.RequestsPerIdentity = 1000
	}
	if e.ErrorRatio == 0 {
		e.ErrorRatio = policy.DefaultErrorRatio
	}
	if e.MinRequests == 0 {
		e.MinRequests = 100
	}

	c := &cfg.Cluster
	if c.Type == "" {
		c.Type = cluster.TypeLocal
	}
	if c.Workers == 0 {
		c.Workers = 16
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = 120 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 120 * time.Second
	}
	if c.HealthTimeout == 0 {
		c.HealthTimeout = 3 * time.Second
	}
	if c.ProvisionAttempts == 0 {
		c.ProvisionAttempts = cluster.DefaultRetryConfig.MaxAttempts
	}

	if cfg.Worker.ResetTimeout == 0 {
		cfg.Worker.ResetTimeout = 60 * time.Second
	}
	if cfg.Redis.ProgressTTL == 0 {
		cfg.Redis.ProgressTTL = 7 * 24 * time.Hour
	}

	cfg.Fetch.ApplyDefaults()
}

// StartAt parses run.start_time.
func (r RunConfig) StartAt() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, r.StartTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: run.start_time: %v", domain.ErrConfig, err)
	}
	return t, nil
}

// Window returns the length of the probed time window.
func (r RunConfig) Window() (time.Duration, error) {
	unit, ok := timeUnits[r.TimeUnit]
	if !ok {
		return 0, fmt.Errorf("%w: run.time_unit %q (want ms, s, m or h)", domain.ErrConfig, r.TimeUnit)
	}
	return time.Duration(r.NumTime) * unit, nil
}

var timeUnits = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
}
