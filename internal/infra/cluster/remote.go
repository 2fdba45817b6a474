package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
)

// Paths served by the worker daemon.
const (
	UnitsPath         = "/v1/units"
	IdentityResetPath = "/v1/identity/reset"
)

// IdentityResponse is returned by the identity reset endpoint.
type IdentityResponse struct {
	Worker   string `json:"worker"`
	Identity string `json:"identity"`
}

// remoteWorker is the client side of one `prober worker` daemon.
// Units travel as JSON over HTTP; liveness comes from the gRPC health service.
type remoteWorker struct {
	name       string
	baseURL    string
	grpcAddr   string
	httpClient *http.Client
	conn       *grpc.ClientConn
	health     healthpb.HealthClient
}

func newRemoteWorker(name, baseURL, grpcAddr string, httpClient *http.Client) (*remoteWorker, error) {
	conn, err := grpc.NewClient(strings.TrimPrefix(grpcAddr, "http://"),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc client for %s: %w", name, err)
	}

	return &remoteWorker{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		grpcAddr:   grpcAddr,
		httpClient: httpClient,
		conn:       conn,
		health:     healthpb.NewHealthClient(conn),
	}, nil
}

func newWorkerHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

func (w *remoteWorker) submit(ctx context.Context, unit domain.Unit) (domain.UnitResult, error) {
	body, err := json.Marshal(unit)
	if err != nil {
		return domain.UnitResult{}, fmt.Errorf("marshal unit: %w", err)
	}

	var res domain.UnitResult
	if err := w.post(ctx, UnitsPath, body, &res); err != nil {
		return domain.UnitResult{}, err
	}
	if res.Worker == "" {
		res.Worker = w.name
	}
	return res, nil
}

func (w *remoteWorker) resetIdentity(ctx context.Context) (IdentityResponse, error) {
	var res IdentityResponse
	err := w.post(ctx, IdentityResetPath, nil, &res)
	return res, err
}

func (w *remoteWorker) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrWorkerUnreachable, w.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: read response: %v", ErrWorkerUnreachable, w.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		return domain.ProtocolError("worker %s: http %d: %s", w.name, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return domain.ProtocolError("worker %s: parse response: %v", w.name, err)
	}
	return nil
}

// alive reports whether the worker's health service answers SERVING.
func (w *remoteWorker) alive(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := w.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

func (w *remoteWorker) close() error {
	return w.conn.Close()
}
