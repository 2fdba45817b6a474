package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
)

func page(detail string) string {
	return `<html><script id="data">{"__DEFAULT_SCOPE__":{"webapp.app-context":{},"webapp.video-detail":` +
		detail + `,"webapp.a-b":{"abTestVersion":null}}}</script></html>`
}

func newTestFetcher(t *testing.T, handler http.HandlerFunc) *HTTPFetcher {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewHTTPFetcher(Config{
		URLTemplate: server.URL + "/@/video/{candidate}",
		Timeout:     5 * time.Second,
	})
}

func TestHTTPFetcher_Classification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantValue  string
		wantAbsent bool
		wantKind   domain.FailureKind
	}{
		{
			name:      "hit",
			status:    200,
			body:      page(`{"statusCode":0,"itemInfo":{"itemStruct":{"id":"7341","desc":"x"}}}`),
			wantValue: `{"id":"7341","desc":"x"}`,
		},
		{
			name:       "confirmed absent",
			status:     200,
			body:       page(`{"statusCode":10204,"statusMsg":"item doesn't exist"}`),
			wantValue:  `{"statusCode":10204,"statusMsg":"item doesn't exist"}`,
			wantAbsent: true,
		},
		{name: "missing item", status: 200, body: page(`{"statusCode":0,"itemInfo":{}}`), wantKind: domain.KindProtocol},
		{name: "no markers", status: 200, body: "<html>nothing here</html>", wantKind: domain.KindProtocol},
		{name: "bad json", status: 200, body: page(`{"statusCode":`), wantKind: domain.KindProtocol},
		{name: "rate limited", status: 429, body: "slow down", wantKind: domain.KindProtocol},
		{name: "server error", status: 500, body: "oops", wantKind: domain.KindProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
				if !strings.HasPrefix(r.URL.Path, "/@/video/") {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				if r.Header.Get("User-Agent") == "" {
					t.Error("expected browser headers")
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			value, err := f.Fetch(context.Background(), 7341)

			switch {
			case tt.wantKind != "":
				var fe *domain.FetchError
				if !errors.As(err, &fe) || fe.Kind != tt.wantKind {
					t.Fatalf("expected %s failure, got %v", tt.wantKind, err)
				}
			case tt.wantAbsent:
				if !errors.Is(err, domain.ErrAbsent) {
					t.Fatalf("expected ErrAbsent, got %v", err)
				}
			default:
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			}

			if tt.wantValue != "" && string(value) != tt.wantValue {
				t.Errorf("value = %s, want %s", value, tt.wantValue)
			}
		})
	}
}

func TestHTTPFetcher_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	f := NewHTTPFetcher(Config{URLTemplate: url + "/{candidate}", Timeout: time.Second})
	_, err := f.Fetch(context.Background(), 1)

	var fe *domain.FetchError
	if !errors.As(err, &fe) || fe.Kind != domain.KindTransport {
		t.Fatalf("expected transport failure, got %v", err)
	}
}

func TestHTTPFetcher_RecordsThrottle(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, _ = f.Fetch(context.Background(), 1)

	stats := f.Monitor.Stats()
	if stats.ThrottleCount403 != 1 || stats.Status != StatusBlocked {
		t.Errorf("expected one 403 and blocked status, got %+v", stats)
	}

	f.Monitor.Reset()
	if f.Monitor.Status() != StatusHealthy {
		t.Errorf("expected healthy after reset, got %s", f.Monitor.Status())
	}
}

func TestHTTPFetcher_StopsReadingAtEndMarker(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(page(`{"statusCode":0,"itemInfo":{"itemStruct":{"id":"1"}}}`)))
		w.(http.Flusher).Flush()
		// The rest of the page never arrives; extraction must not wait for it.
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	value, err := f.Fetch(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(value) != `{"id":"1"}` {
		t.Errorf("unexpected value %s", value)
	}
}

func TestThrottleMonitor_Patterns(t *testing.T) {
	m := NewThrottleMonitor()
	if !m.DetectThrottlePattern("Please verify you are human") {
		t.Error("expected captcha page to match")
	}
	if m.DetectThrottlePattern("<html>ok</html>") {
		t.Error("plain page must not match")
	}
	if m.Stats().PatternMatches != 1 {
		t.Errorf("expected 1 pattern match, got %d", m.Stats().PatternMatches)
	}
}
