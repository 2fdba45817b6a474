// Package worker is the daemon behind the hosts and elastic cluster backends.
//
// Units arrive as JSON over HTTP and are executed with the local concurrency
// engine. Liveness is served over the gRPC health protocol, which the
// controller polls to count live workers.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
	"github.com/bendavidsteel/what-for-where/internal/execution/health"
	"github.com/bendavidsteel/what-for-where/internal/execution/metrics"
	"github.com/bendavidsteel/what-for-where/internal/execution/pool"
	"github.com/bendavidsteel/what-for-where/internal/infra/cluster"
	"github.com/bendavidsteel/what-for-where/internal/infra/fetch"
)

const maxUnitBytes = 16 << 20

// Config configures one worker daemon.
type Config struct {
	ID              string
	Listen          string // HTTP address for units, identity resets, health and metrics
	GRPC            string // gRPC health address
	TaskConcurrency int
	ResetCommand    string
	IdentityCommand string
	ResetTimeout    time.Duration
}

// Server executes units for a remote controller.
type Server struct {
	cfg     Config
	fetcher cluster.Fetcher
	monitor *fetch.ThrottleMonitor

	http    *health.Server
	grpc    *grpc.Server
	health  *grpchealth.Server
	resetMu sync.Mutex

	log *slog.Logger
}

// New creates a worker. monitor may be nil when the fetcher keeps no
// throttle statistics.
func New(cfg Config, fetcher cluster.Fetcher, monitor *fetch.ThrottleMonitor) *Server {
	if cfg.TaskConcurrency <= 0 {
		cfg.TaskConcurrency = 1
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = time.Minute
	}

	s := &Server{
		cfg:     cfg,
		fetcher: metrics.InstrumentFetcher(fetcher),
		monitor: monitor,
		grpc:    grpc.NewServer(),
		health:  grpchealth.NewServer(),
		log:     slog.Default().With("component", "worker", "id", cfg.ID),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)

	hm := health.NewMonitor()
	hm.Register("identity", s.identityHealth)
	s.http = health.NewServer(hm, cfg.Listen,
		health.Route{Pattern: "POST " + cluster.UnitsPath, Handler: http.HandlerFunc(s.handleUnit)},
		health.Route{Pattern: "POST " + cluster.IdentityResetPath, Handler: http.HandlerFunc(s.handleReset)},
	)

	return s
}

// Handler exposes the HTTP routes.
func (s *Server) Handler() http.Handler {
	return s.http.Handler()
}

// Run serves HTTP and gRPC until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.GRPC)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.http.Serve(ctx, 10*time.Second); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	})

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.log.Info("worker started", "http", s.cfg.Listen, "grpc", s.cfg.GRPC, "task_concurrency", s.cfg.TaskConcurrency)

	return g.Wait()
}

func (s *Server) handleUnit(w http.ResponseWriter, r *http.Request) {
	var unit domain.Unit
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUnitBytes)).Decode(&unit); err != nil {
		http.Error(w, fmt.Sprintf("decode unit: %v", err), http.StatusBadRequest)
		return
	}

	start := time.Now()
	metrics.WorkerTasksQueued.Add(float64(len(unit.Candidates)))
	attempts := cluster.RunUnit(r.Context(), s.fetcher, unit.Candidates, s.cfg.TaskConcurrency,
		pool.WithOnDone(func(int, error) { metrics.WorkerTasksQueued.Dec() }))

	failures := 0
	for _, a := range attempts {
		if a.Err != nil {
			failures++
		}
	}
	s.log.Debug("unit done", "unit", unit.ID, "tasks", len(attempts), "failures", failures,
		"elapsed", time.Since(start).Round(time.Millisecond))

	writeJSON(w, domain.UnitResult{UnitID: unit.ID, Worker: s.cfg.ID, Attempts: attempts})
}

// handleReset obtains a new egress identity. The worker reports NOT_SERVING
// while the reset command runs so the controller waits for it.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	defer s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if s.cfg.ResetCommand != "" {
		if _, err := s.shell(r.Context(), s.cfg.ResetCommand); err != nil {
			metrics.IdentityResetsTotal.WithLabelValues("failed").Inc()
			s.log.Warn("identity reset failed", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if s.monitor != nil {
		s.monitor.Reset()
	}
	metrics.IdentityResetsTotal.WithLabelValues("ok").Inc()

	identity := ""
	if s.cfg.IdentityCommand != "" {
		out, err := s.shell(r.Context(), s.cfg.IdentityCommand)
		if err != nil {
			s.log.Warn("identity lookup failed", "error", err)
		}
		identity = out
	}
	s.log.Info("identity reset", "identity", identity)

	writeJSON(w, cluster.IdentityResponse{Worker: s.cfg.ID, Identity: identity})
}

func (s *Server) shell(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ResetTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%q: %w: %s", command, err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func (s *Server) identityHealth(context.Context) health.ComponentHealth {
	if s.monitor == nil {
		return health.ComponentHealth{Status: health.StatusHealthy}
	}
	st := s.monitor.Status()
	switch st {
	case fetch.StatusBlocked:
		return health.ComponentHealth{Status: health.StatusCritical, Detail: st.String()}
	case fetch.StatusThrottled, fetch.StatusDegraded:
		return health.ComponentHealth{Status: health.StatusDegraded, Detail: st.String()}
	default:
		return health.ComponentHealth{Status: health.StatusHealthy, Detail: st.String()}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response not written", "error", err)
	}
}
