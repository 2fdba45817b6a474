package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
	"github.com/bendavidsteel/what-for-where/internal/infra/cluster"
	"github.com/bendavidsteel/what-for-where/internal/infra/fetch"
)

func oddAbsent(ctx context.Context, c domain.Candidate) (json.RawMessage, error) {
	switch {
	case c == 0:
		return nil, errors.New("connection reset")
	case c%2 == 1:
		return json.RawMessage(`{"statusCode":10204}`), domain.ErrAbsent
	default:
		return json.RawMessage(`{"id":"` + c.String() + `"}`), nil
	}
}

func post(t *testing.T, srv *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	return resp
}

func TestHandleUnit(t *testing.T) {
	w := New(Config{ID: "w1", TaskConcurrency: 3}, cluster.FetchFunc(oddAbsent), nil)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp := post(t, srv, cluster.UnitsPath, domain.Unit{ID: "u1", Candidates: []domain.Candidate{0, 1, 2, 3}})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var res domain.UnitResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.UnitID != "u1" || res.Worker != "w1" {
		t.Errorf("unexpected result header %+v", res)
	}
	if len(res.Attempts) != 4 {
		t.Fatalf("expected one attempt per candidate, got %d", len(res.Attempts))
	}
	if res.Attempts[0].Err == nil || res.Attempts[0].Err.Kind != domain.KindTransport {
		t.Errorf("expected transport failure for 0, got %+v", res.Attempts[0])
	}
	if !res.Attempts[1].Absent || res.Attempts[1].Err != nil {
		t.Errorf("expected confirmed absent for 1, got %+v", res.Attempts[1])
	}
	if res.Attempts[2].Absent || string(res.Attempts[2].Value) != `{"id":"2"}` {
		t.Errorf("expected hit for 2, got %+v", res.Attempts[2])
	}
}

func TestHandleUnit_BadBody(t *testing.T) {
	w := New(Config{ID: "w1"}, cluster.FetchFunc(oddAbsent), nil)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+cluster.UnitsPath, "application/json", bytes.NewReader([]byte("{")))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandleReset(t *testing.T) {
	monitor := fetch.NewThrottleMonitor()
	monitor.RecordThrottle(http.StatusForbidden)

	w := New(Config{ID: "w1", ResetCommand: "true", IdentityCommand: "echo 10.0.0.7"}, cluster.FetchFunc(oddAbsent), monitor)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp := post(t, srv, cluster.IdentityResetPath, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var id cluster.IdentityResponse
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id.Identity != "10.0.0.7" || id.Worker != "w1" {
		t.Errorf("unexpected identity %+v", id)
	}
	if monitor.Stats().ThrottleCount403 != 0 {
		t.Error("expected throttle monitor reset")
	}
}

func TestHandleReset_CommandFails(t *testing.T) {
	w := New(Config{ID: "w1", ResetCommand: "exit 3"}, cluster.FetchFunc(oddAbsent), nil)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp := post(t, srv, cluster.IdentityResetPath, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", resp.StatusCode)
	}
}

func TestIdentityHealth(t *testing.T) {
	monitor := fetch.NewThrottleMonitor()
	w := New(Config{ID: "w1"}, cluster.FetchFunc(oddAbsent), monitor)
	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected healthy worker, got %d", resp.StatusCode)
	}
}
