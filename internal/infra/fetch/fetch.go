// Package fetch probes one candidate against the target over HTTP and
// classifies the outcome for the retry machinery.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bendavidsteel/what-for-where/internal/core/domain"
)

// Config configures the HTTP fetcher.
type Config struct {
	URLTemplate  string            `yaml:"url_template"` // {candidate} is replaced by the decimal key
	StartMarker  string            `yaml:"start_marker"`
	EndMarker    string            `yaml:"end_marker"`
	Timeout      time.Duration     `yaml:"timeout"`
	MaxBodyBytes int64             `yaml:"max_body_bytes"`
	Headers      map[string]string `yaml:"headers"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.StartMarker == "" {
		c.StartMarker = `"webapp.video-detail":`
	}
	if c.EndMarker == "" {
		c.EndMarker = `,"webapp.a-b":`
	}
	if c.Timeout == 0 {
		c.Timeout = 20 * time.Second
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 8 << 20
	}
	if c.Headers == nil {
		c.Headers = DefaultHeaders()
	}
}

// DefaultHeaders returns browser-like request headers.
func DefaultHeaders() map[string]string {
	return map[string]string{
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "en-CA",
		"Sec-Fetch-Dest":  "document",
		"Sec-Fetch-Mode":  "navigate",
		"Sec-Fetch-Site":  "none",
		"User-Agent":      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15",
	}
}

// HTTPFetcher streams a page per candidate and extracts the embedded JSON
// document found between two markers.
type HTTPFetcher struct {
	cfg        Config
	httpClient *http.Client

	Monitor *ThrottleMonitor
}

// NewHTTPFetcher creates a fetcher.
func NewHTTPFetcher(cfg Config) *HTTPFetcher {
	cfg.ApplyDefaults()
	return &HTTPFetcher{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Monitor: NewThrottleMonitor(),
	}
}

// URL renders the request URL for c.
func (f *HTTPFetcher) URL(c domain.Candidate) string {
	return strings.ReplaceAll(f.cfg.URLTemplate, "{candidate}", c.String())
}

// Fetch probes c. Failures are returned as *domain.FetchError. A confirmed
// negative result is reported as domain.ErrAbsent together with the payload
// that proved it.
func (f *HTTPFetcher) Fetch(ctx context.Context, c domain.Candidate) (json.RawMessage, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(c), nil)
	if err != nil {
		return nil, domain.ProtocolError("create request: %v", err)
	}
	for k, v := range f.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.TimeoutError(ctx.Err())
		}
		return nil, domain.TransportError(err)
	}
	defer resp.Body.Close()

	// Rate limit detection
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
		f.Monitor.RecordThrottle(resp.StatusCode)
		return nil, domain.ProtocolError("throttled (%d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.ProtocolError("http %d", resp.StatusCode)
	}

	section, err := f.extract(resp.Body)
	f.Monitor.RecordRequest(time.Since(start))
	if err != nil {
		return nil, err
	}

	return parseDetail(section)
}

// extract reads the body until the JSON section between the markers is
// complete and stops reading there.
func (f *HTTPFetcher) extract(body io.Reader) ([]byte, error) {
	startMarker := []byte(f.cfg.StartMarker)
	endMarker := []byte(f.cfg.EndMarker)

	var buf []byte
	chunk := make([]byte, 32<<10)
	begin := -1
	for {
		n, err := body.Read(chunk)
		buf = append(buf, chunk[:n]...)

		if begin < 0 {
			if i := bytes.Index(buf, startMarker); i >= 0 {
				begin = i + len(startMarker)
			}
		}
		if begin >= 0 {
			if j := bytes.Index(buf[begin:], endMarker); j >= 0 {
				return buf[begin : begin+j], nil
			}
		}

		if int64(len(buf)) > f.cfg.MaxBodyBytes {
			return nil, domain.ProtocolError("markers not found within %d bytes", f.cfg.MaxBodyBytes)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.TransportError(fmt.Errorf("read body: %w", err))
		}
	}

	if f.Monitor.DetectThrottlePattern(string(buf)) {
		return nil, domain.ProtocolError("throttle page returned")
	}
	return nil, domain.ProtocolError("could not find JSON section in returned page")
}

type videoDetail struct {
	StatusCode int `json:"statusCode"`
	ItemInfo   struct {
		ItemStruct json.RawMessage `json:"itemStruct"`
	} `json:"itemInfo"`
}

// parseDetail classifies the extracted document. A non-zero statusCode is a
// confirmed absence; a zero status without an item is malformed.
func parseDetail(section []byte) (json.RawMessage, error) {
	var detail videoDetail
	if err := json.Unmarshal(section, &detail); err != nil {
		return nil, domain.ProtocolError("parse JSON section: %v", err)
	}

	if detail.StatusCode != 0 {
		return json.RawMessage(section), domain.ErrAbsent
	}
	if len(detail.ItemInfo.ItemStruct) == 0 || string(detail.ItemInfo.ItemStruct) == "null" {
		return nil, domain.ProtocolError("JSON section has no item")
	}
	return detail.ItemInfo.ItemStruct, nil
}
