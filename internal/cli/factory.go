package cli

import (
	"context"
	"fmt"

	"github.com/bendavidsteel/what-for-where/internal/core/config"
	"github.com/bendavidsteel/what-for-where/internal/core/domain"
	"github.com/bendavidsteel/what-for-where/internal/infra/cluster"
)

// clusterFactory builds the backend selected by cluster.type.
func clusterFactory(cfg *config.AppConfig, fetcher cluster.Fetcher) (cluster.Factory, error) {
	c := cfg.Cluster
	switch c.Type {
	case cluster.TypeLocal:
		return func(context.Context) (cluster.Cluster, error) {
			return cluster.NewLocal(fetcher, cfg.Engine.TaskConcurrency), nil
		}, nil
	case cluster.TypeHosts:
		return func(context.Context) (cluster.Cluster, error) {
			h, err := cluster.NewHosts(c.Hosts, c.HealthTimeout)
			if err != nil {
				return nil, err
			}
			return h, nil
		}, nil
	case cluster.TypeElastic:
		args := append([]string{"--config", cfgPath}, c.Elastic.Args...)
		prov := cluster.NewProcessProvisioner(c.Elastic.Binary, args)
		return func(context.Context) (cluster.Cluster, error) {
			return cluster.NewElastic(prov, c.HealthTimeout), nil
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown cluster type %q", domain.ErrConfig, c.Type)
	}
}

func managerConfig(cfg *config.AppConfig) cluster.Config {
	mc := cluster.DefaultConfig(cfg.Cluster.Workers)
	mc.ReadyTimeout = cfg.Cluster.ReadyTimeout
	mc.DrainTimeout = cfg.Cluster.DrainTimeout
	mc.Retry.MaxAttempts = cfg.Cluster.ProvisionAttempts
	return mc
}
