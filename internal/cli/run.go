package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bendavidsteel/what-for-where/internal/control"
	"github.com/bendavidsteel/what-for-where/internal/core/candidate"
	"github.com/bendavidsteel/what-for-where/internal/core/config"
	"github.com/bendavidsteel/what-for-where/internal/execution/dispatch"
	"github.com/bendavidsteel/what-for-where/internal/execution/health"
	"github.com/bendavidsteel/what-for-where/internal/execution/metrics"
	"github.com/bendavidsteel/what-for-where/internal/execution/policy"
	"github.com/bendavidsteel/what-for-where/internal/infra/archive"
	"github.com/bendavidsteel/what-for-where/internal/infra/cluster"
	"github.com/bendavidsteel/what-for-where/internal/infra/fetch"
	redisclient "github.com/bendavidsteel/what-for-where/internal/infra/redis"
	"github.com/bendavidsteel/what-for-where/internal/infra/storage/postgres"
)

type runOptions struct {
	method      string
	clusterType string
	strategy    string
	startTime   string
	numTime     int
	timeUnit    string
	outputDir   string
}

var runFlags runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Enumerate the configured window and probe every candidate",
	RunE:  runProbe,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.method, "method", "", "execution method: cluster or local")
	f.StringVar(&runFlags.clusterType, "cluster-type", "", "cluster backend: local, hosts or elastic")
	f.StringVar(&runFlags.strategy, "strategy", "", "generation strategy")
	f.StringVar(&runFlags.startTime, "start-time", "", "window start (RFC3339)")
	f.IntVar(&runFlags.numTime, "num-time", 0, "window length in time units")
	f.StringVar(&runFlags.timeUnit, "time-unit", "", "window unit: ms, s, m or h")
	f.StringVar(&runFlags.outputDir, "output", "", "archive directory")
	rootCmd.AddCommand(runCmd)
}

func applyRunFlags(cfg *config.AppConfig) {
	if runFlags.method != "" {
		cfg.Run.Method = runFlags.method
	}
	if runFlags.clusterType != "" {
		cfg.Cluster.Type = runFlags.clusterType
	}
	if runFlags.strategy != "" {
		cfg.Run.Strategy = runFlags.strategy
		cfg.Run.CombinationsFile = runFlags.strategy + "_two_segments_combinations.json"
	}
	if runFlags.startTime != "" {
		cfg.Run.StartTime = runFlags.startTime
	}
	if runFlags.numTime != 0 {
		cfg.Run.NumTime = runFlags.numTime
	}
	if runFlags.timeUnit != "" {
		cfg.Run.TimeUnit = runFlags.timeUnit
	}
	if runFlags.outputDir != "" {
		cfg.Run.OutputDir = runFlags.outputDir
	}
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	start, err := cfg.Run.StartAt()
	if err != nil {
		return err
	}
	window, err := cfg.Run.Window()
	if err != nil {
		return err
	}
	space, err := candidate.LoadCombinations(cfg.Run.CombinationsFile)
	if err != nil {
		return err
	}
	candidates := space.Generate(start, window)
	slog.Info("Candidates generated", "count", len(candidates), "per_ms", space.PerTimestamp(),
		"start", start.Format(time.RFC3339), "window", window)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetcher := fetch.NewHTTPFetcher(cfg.Fetch)
	instrumented := metrics.InstrumentFetcher(fetcher)

	var manager *cluster.Manager
	if cfg.Run.Method == control.MethodCluster {
		factory, err := clusterFactory(cfg, instrumented)
		if err != nil {
			return err
		}
		manager = cluster.NewManager(factory, managerConfig(cfg), cluster.WithStateHook(metrics.StateHook))
	}

	runID := uuid.NewString()
	observers := []control.Observer{control.NewLogObserver(), metrics.Observer{}}
	monitor := health.NewMonitor()

	var db *postgres.DB
	if cfg.Database.Enabled() {
		db, err = postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to init db: %w", err)
		}
		defer func() { _ = db.Close() }()
		monitor.Register("database", health.PingCheck(db.Health))
	}

	var publisher *redisclient.ProgressPublisher
	if cfg.Redis.Enabled() {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to init redis: %w", err)
		}
		defer func() { _ = rc.Close() }()
		publisher = redisclient.NewProgressPublisher(rc, cfg.Redis.ProgressTTL)
		if err := publisher.Start(ctx, runID, time.Now()); err != nil {
			slog.Warn("Run not registered in redis", "error", err)
		}
		observers = append(observers, publisher)
	}

	if manager != nil {
		monitor.Register("cluster", clusterHealth(manager))
	}
	if cfg.Server.Port > 0 {
		srv := health.NewServer(monitor, ":"+strconv.Itoa(cfg.Server.Port))
		srvCtx, stopServer := context.WithCancel(ctx)
		served := make(chan struct{})
		go func() {
			defer close(served)
			if err := srv.Serve(srvCtx, 5*time.Second); err != nil {
				slog.Error("Health server failed", "error", err)
			}
		}()
		defer func() {
			stopServer()
			<-served
		}()
	}

	runner, err := control.NewRunner(control.Config{
		RunID:    runID,
		Method:   cfg.Run.Method,
		MaxTries: cfg.Engine.MaxTries,
		Dispatch: dispatch.Config{
			BatchSize:       cfg.Engine.BatchSize,
			SubBatchSize:    cfg.Engine.SubBatchSize,
			TaskConcurrency: cfg.Engine.TaskConcurrency,
			TaskTimeout:     cfg.Engine.TaskTimeout,
		},
		Rotation: policy.RotationConfig{
			RequestsPerIdentity: cfg.Engine.RequestsPerIdentity,
			ErrorRatio:          cfg.Engine.ErrorRatio,
			MinRequests:         cfg.Engine.MinRequests,
		},
		Workers:       cfg.Engine.Workers,
		MaxRecoveries: cfg.Engine.MaxRecoveries,
	}, manager, instrumented, observers...)
	if err != nil {
		return err
	}

	report, runErr := runner.Run(ctx, candidates)

	// Persist even when the run was interrupted.
	saveCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	dir, err := archive.Write(cfg.Run.OutputDir, report, archive.Parameters{
		StartTime:          start,
		EndTime:            start.Add(window),
		NumTime:            cfg.Run.NumTime,
		TimeUnit:           cfg.Run.TimeUnit,
		Method:             cfg.Run.Method,
		ClusterType:        report.ClusterType,
		NumWorkers:         cfg.Cluster.Workers,
		RequestsPerIP:      cfg.Engine.RequestsPerIdentity,
		BatchSize:          cfg.Engine.BatchSize,
		TaskBatchSize:      cfg.Engine.SubBatchSize,
		TaskTimeout:        cfg.Engine.TaskTimeout.Seconds(),
		TaskConcurrency:    cfg.Engine.TaskConcurrency,
		MaxTries:           cfg.Engine.MaxTries,
		GenerationStrategy: cfg.Run.Strategy,
		Intervals:          space.Intervals(),
		Error:              errString(runErr),
	})
	if err != nil {
		slog.Error("Archive not written", "error", err)
	} else {
		slog.Info("Archive written", "dir", dir)
	}

	if db != nil {
		if err := postgres.NewRunRepo(db).Save(saveCtx, report, runErr); err != nil {
			slog.Error("Run not saved to database", "error", err)
		}
	}
	if publisher != nil {
		if err := publisher.Finish(saveCtx, report, runErr); err != nil {
			slog.Warn("Run state not published", "error", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	return err
}

func clusterHealth(m *cluster.Manager) health.Check {
	return func(context.Context) health.ComponentHealth {
		st := m.State()
		switch st {
		case cluster.StateFailed:
			return health.ComponentHealth{Status: health.StatusCritical, Detail: st.String()}
		case cluster.StateProvisioning, cluster.StateDraining:
			return health.ComponentHealth{Status: health.StatusDegraded, Detail: st.String()}
		default:
			return health.ComponentHealth{Status: health.StatusHealthy, Detail: st.String()}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
