package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
)

type testHost struct {
	http   *httptest.Server
	grpc   *grpc.Server
	health *health.Server
	addr   string
	resets atomic.Int64
}

func newTestHost(t *testing.T, name string) *testHost {
	t.Helper()
	h := &testHost{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+UnitsPath, func(w http.ResponseWriter, r *http.Request) {
		var unit domain.Unit
		if err := json.NewDecoder(r.Body).Decode(&unit); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res := domain.UnitResult{UnitID: unit.ID, Worker: name}
		now := time.Now()
		for range unit.Candidates {
			res.Attempts = append(res.Attempts, domain.Attempt{StartedAt: now, FinishedAt: now, Absent: true})
		}
		_ = json.NewEncoder(w).Encode(res)
	})
	mux.HandleFunc("POST "+IdentityResetPath, func(w http.ResponseWriter, r *http.Request) {
		n := h.resets.Add(1)
		_ = json.NewEncoder(w).Encode(IdentityResponse{Worker: name, Identity: name + "-" + string(rune('0'+n))})
	})
	h.http = httptest.NewServer(mux)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	h.addr = lis.Addr().String()
	h.grpc = grpc.NewServer()
	h.health = health.NewServer()
	healthpb.RegisterHealthServer(h.grpc, h.health)
	go func() { _ = h.grpc.Serve(lis) }()

	t.Cleanup(func() {
		h.grpc.Stop()
		h.http.Close()
	})
	return h
}

func TestHosts_SubmitAndLiveness(t *testing.T) {
	ctx := context.Background()
	a := newTestHost(t, "pi-a")
	b := newTestHost(t, "pi-b")
	b.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	h, err := NewHosts([]HostSpec{
		{Name: "pi-a", URL: a.http.URL, GRPC: a.addr},
		{Name: "pi-b", URL: b.http.URL, GRPC: b.addr},
	}, time.Second)
	if err != nil {
		t.Fatalf("new hosts: %v", err)
	}
	defer h.Teardown(ctx)

	if err := h.Scale(ctx, 5); err != nil {
		t.Fatalf("scale: %v", err)
	}

	live, err := h.LiveWorkers(ctx)
	if err != nil {
		t.Fatalf("live workers: %v", err)
	}
	if len(live) != 1 || live[0] != "pi-a" {
		t.Errorf("expected only pi-a live, got %v", live)
	}

	res, err := h.Submit(ctx, domain.Unit{ID: "u1", Candidates: []domain.Candidate{7, 8, 9}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.UnitID != "u1" || len(res.Attempts) != 3 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestHosts_SubmitSkipsDeadHost(t *testing.T) {
	ctx := context.Background()
	a := newTestHost(t, "pi-a")
	b := newTestHost(t, "pi-b")

	h, err := NewHosts([]HostSpec{
		{Name: "pi-a", URL: a.http.URL, GRPC: a.addr},
		{Name: "pi-b", URL: b.http.URL, GRPC: b.addr},
	}, time.Second)
	if err != nil {
		t.Fatalf("new hosts: %v", err)
	}
	defer h.Teardown(ctx)
	_ = h.Scale(ctx, 2)

	b.grpc.Stop()
	b.http.Close()

	live, err := h.LiveWorkers(ctx)
	if err != nil {
		t.Fatalf("live workers: %v", err)
	}
	if len(live) != 1 || live[0] != "pi-a" {
		t.Fatalf("expected only pi-a live, got %v", live)
	}

	for i := range 4 {
		res, err := h.Submit(ctx, domain.Unit{ID: "u", Candidates: []domain.Candidate{domain.Candidate(i)}})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if res.Worker != "pi-a" {
			t.Errorf("submit %d routed to %s", i, res.Worker)
		}
	}

	a.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if _, err := h.LiveWorkers(ctx); err != nil {
		t.Fatalf("live workers: %v", err)
	}
	if _, err := h.Submit(ctx, domain.Unit{ID: "u"}); !errors.Is(err, ErrWorkerUnreachable) {
		t.Errorf("expected ErrWorkerUnreachable with no live host, got %v", err)
	}

	a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if _, err := h.LiveWorkers(ctx); err != nil {
		t.Fatalf("live workers: %v", err)
	}
	if _, err := h.Submit(ctx, domain.Unit{ID: "u"}); err != nil {
		t.Errorf("submit after recovery: %v", err)
	}
}

func TestHosts_RotateIdentities(t *testing.T) {
	ctx := context.Background()
	a := newTestHost(t, "pi-a")
	b := newTestHost(t, "pi-b")

	h, err := NewHosts([]HostSpec{
		{Name: "pi-a", URL: a.http.URL, GRPC: a.addr},
		{Name: "pi-b", URL: b.http.URL, GRPC: b.addr},
	}, time.Second)
	if err != nil {
		t.Fatalf("new hosts: %v", err)
	}
	defer h.Teardown(ctx)
	_ = h.Scale(ctx, 2)

	if err := h.RotateIdentities(ctx); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if a.resets.Load() != 1 || b.resets.Load() != 1 {
		t.Errorf("expected one reset per host, got %d and %d", a.resets.Load(), b.resets.Load())
	}
}

func TestHosts_RotateAllFailed(t *testing.T) {
	ctx := context.Background()
	a := newTestHost(t, "pi-a")
	a.http.Close()

	h, err := NewHosts([]HostSpec{{Name: "pi-a", URL: a.http.URL, GRPC: a.addr}}, time.Second)
	if err != nil {
		t.Fatalf("new hosts: %v", err)
	}
	defer h.Teardown(ctx)
	_ = h.Scale(ctx, 1)

	if err := h.RotateIdentities(ctx); !errors.Is(err, ErrClusterLost) {
		t.Errorf("expected ErrClusterLost, got %v", err)
	}
	if _, err := h.Submit(ctx, domain.Unit{ID: "u"}); !errors.Is(err, ErrWorkerUnreachable) {
		t.Errorf("expected ErrWorkerUnreachable, got %v", err)
	}
}

func TestNewHosts_RequiresHosts(t *testing.T) {
	if _, err := NewHosts(nil, time.Second); !errors.Is(err, domain.ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}
