package config

import (
	"errors"
	"fmt"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
	"github.com/bendavidsteel/what-for-where/internal/infra/cluster"
)

// Validate rejects configurations a run cannot start with. Every returned
// error wraps domain.ErrConfig.
func (c *AppConfig) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Run.Method {
	case "cluster", "local":
	default:
		add("run.method %q (want cluster or local)", c.Run.Method)
	}
	if c.Run.NumTime < 0 {
		add("run.num_time must not be negative")
	}
	if _, err := c.Run.Window(); err != nil {
		errs = append(errs, err)
	}
	if c.Run.StartTime != "" {
		if _, err := c.Run.StartAt(); err != nil {
			errs = append(errs, err)
		}
	}

	e := c.Engine
	if e.MaxTries < 1 {
		add("engine.max_tries must be at least 1")
	}
	if e.Workers < 1 || e.BatchSize < 1 || e.SubBatchSize < 1 || e.TaskConcurrency < 1 {
		add("engine sizes must be positive")
	}
	if e.TaskTimeout <= 0 {
		add("engine.task_timeout must be positive")
	}
	if e.ErrorRatio > 1 {
		add("engine.error_ratio_threshold must not exceed 1")
	}

	switch c.Cluster.Type {
	case cluster.TypeLocal, cluster.TypeElastic:
	case cluster.TypeHosts:
		if len(c.Cluster.Hosts) == 0 {
			add("cluster.hosts is empty")
		}
		for i, h := range c.Cluster.Hosts {
			if h.URL == "" || h.GRPC == "" {
				add("cluster.hosts[%d] needs url and grpc", i)
			}
		}
	default:
		add("unrecognized cluster.type %q", c.Cluster.Type)
	}
	if c.Cluster.Workers < 1 {
		add("cluster.workers must be positive")
	}

	if c.Fetch.URLTemplate == "" {
		add("fetch.url_template is empty")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrConfig, errors.Join(errs...))
}
