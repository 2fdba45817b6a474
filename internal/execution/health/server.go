package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Route is an extra endpoint served next to the health and metrics routes.
// Pattern uses http.ServeMux syntax, e.g. "POST /v1/units".
type Route struct {
	Pattern string
	Handler http.Handler
}

// Server serves component health, Prometheus metrics and any extra routes
// of the process that owns it.
type Server struct {
	monitor *Monitor
	mux     *http.ServeMux
	server  *http.Server
}

// NewServer creates a server listening on addr.
//
//	GET /health              overall status, 503 when critical
//	GET /health/detailed     every component
//	GET /health/{component}  one component, 404 when unknown
//	GET /metrics             Prometheus exposition
func NewServer(monitor *Monitor, addr string, routes ...Route) *Server {
	s := &Server{monitor: monitor, mux: http.NewServeMux()}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	s.mux.HandleFunc("GET /health/{component}", s.handleComponent)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	for _, r := range routes {
		s.mux.Handle(r.Pattern, r.Handler)
	}
	return s
}

// Handler returns the routes without a listener.
func (s *Server) Handler() http.Handler { return s.mux }

// Serve listens until ctx is cancelled, then shuts down within grace.
func (s *Server) Serve(ctx context.Context, grace time.Duration) error {
	errc := make(chan error, 1)
	go func() { errc <- s.server.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	err := s.server.Shutdown(shutdownCtx)
	if serveErr := <-errc; !errors.Is(serveErr, http.ErrServerClosed) {
		err = errors.Join(err, serveErr)
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())
	code := http.StatusOK
	if report.SystemStatus == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]SystemStatus{"status": report.SystemStatus})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.CheckHealth(r.Context()))
}

func (s *Server) handleComponent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("component")
	h, ok := s.monitor.CheckOne(r.Context(), name)
	if !ok {
		http.Error(w, "unknown component "+name, http.StatusNotFound)
		return
	}
	code := http.StatusOK
	if h.Status == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
