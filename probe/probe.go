// Package probe implements a one-shot backend health probe with a
// bounded timeout.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Result is the outcome of a single probe.
type Result struct {
	OK        bool
	LatencyMS int64
	Error     string // short diagnostic, never a full stack trace or secret
}

// Prober performs the GET /v1/models probe against a backend. A single
// Prober is shared across the Health Monitor and admin registration path.
type Prober struct {
	client *http.Client
}

// New builds a Prober with a transport tuned for many short-lived probes
// against distinct hosts (no connection reuse across wildly different
// backends is assumed necessary).
func New() *Prober {
	return &Prober{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   4,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

// Probe performs a GET on endpointURL+"/v1/models" with the given deadline.
// Success requires a 2xx status and a body that parses as a JSON object.
func (p *Prober) Probe(ctx context.Context, endpointURL string, timeout time.Duration) Result {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := strings.TrimRight(endpointURL, "/") + "/v1/models"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return Result{OK: false, Error: "building probe request failed"}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{OK: false, LatencyMS: time.Since(start).Milliseconds(), Error: classifyTransportError(err)}
	}
	defer func() { _ = resp.Body.Close() }()

	latency := time.Since(start).Milliseconds()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{OK: false, LatencyMS: latency, Error: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	var obj map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return Result{OK: false, LatencyMS: latency, Error: "response body is not a JSON object"}
	}

	return Result{OK: true, LatencyMS: latency}
}

func classifyTransportError(err error) string {
	switch {
	case strings.Contains(err.Error(), "deadline exceeded"), strings.Contains(err.Error(), "context deadline"):
		return "probe timed out"
	case strings.Contains(err.Error(), "connection refused"):
		return "connection refused"
	case strings.Contains(err.Error(), "no such host"):
		return "dns lookup failed"
	default:
		return "transport error"
	}
}
