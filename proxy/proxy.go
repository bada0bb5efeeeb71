// Package proxy implements the Proxy Engine: forwarding buffered and
// streaming requests to a selected backend, and classifying the outcome so
// the Request Handler can decide whether to fail over.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oslab-infra/multiverse-gateway/metrics"
	"github.com/oslab-infra/multiverse-gateway/model"
)

// Kind distinguishes the four possible forwarding outcomes.
type Kind int

const (
	Buffered Kind = iota
	Streaming
	PreResponseFailure
	PostResponseFailure
)

// Outcome is the result of a single Forward call. Exactly one of Body or
// Stream is meaningful, depending on Kind.
type Outcome struct {
	Kind   Kind
	Status int
	Header http.Header

	// Body holds the full response for Kind == Buffered.
	Body []byte

	// Stream holds an open, one-shot, non-restartable reader for
	// Kind == Streaming. The caller must Close it exactly once, via Pump or
	// directly if it chooses not to drain it.
	Stream io.ReadCloser

	// Reason is set for Kind == PreResponseFailure: a short diagnostic, never
	// a backend URL or credential.
	Reason string
}

// Engine forwards chat/completions-shaped requests to backends.
type Engine struct {
	bufferedClient  *http.Client
	streamingClient *http.Client
	metrics         *metrics.Metrics
}

// New builds an Engine. totalTimeout bounds buffered forwards; streaming
// forwards instead use an idle-chunk deadline applied per Forward call. m
// may be nil, in which case no metrics are recorded.
func New(totalTimeout time.Duration, m *metrics.Metrics) *Engine {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 8,
	}
	return &Engine{
		bufferedClient: &http.Client{
			Transport: transport,
			Timeout:   totalTimeout,
		},
		streamingClient: &http.Client{
			Transport: transport,
			// No total timeout: streams can run indefinitely. An idle-chunk
			// deadline is applied separately via idleTimeoutReader.
		},
		metrics: m,
	}
}

func (e *Engine) recordAttempt(kind Kind) {
	if e.metrics == nil {
		return
	}
	var outcome string
	switch kind {
	case Buffered:
		outcome = "buffered"
	case Streaming:
		outcome = "streaming"
	case PreResponseFailure:
		outcome = "pre_response_failure"
	case PostResponseFailure:
		outcome = "post_response_failure"
	}
	e.metrics.ProxyAttemptsTotal.WithLabelValues(outcome).Inc()
}

// Request is the inbound request the engine re-issues to a backend.
type Request struct {
	Path      string // one of /v1/chat/completions, /v1/completions, /v1/models
	Method    string
	Body      []byte
	RequestID string
}

// IsStreaming reports whether body carries "stream": true, the signal
// that a request wants an SSE response.
func IsStreaming(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	if len(body) == 0 {
		return false
	}
	_ = json.Unmarshal(body, &probe)
	return probe.Stream
}

// Forward issues req against rec. Buffered forwards are collected in full
// and bounded by the Engine's total timeout; streaming forwards return an
// open reader bounded by idleTimeout between chunks.
func (e *Engine) Forward(ctx context.Context, rec *model.ServerRecord, req Request, idleTimeout time.Duration) Outcome {
	streaming := IsStreaming(req.Body)

	target := strings.TrimRight(rec.EndpointURL, "/") + req.Path

	var outcome Outcome
	if streaming {
		outcome = e.forwardStreaming(ctx, rec, target, req, idleTimeout)
	} else {
		outcome = e.forwardBuffered(ctx, rec, target, req)
	}
	e.recordAttempt(outcome.Kind)
	return outcome
}

func (e *Engine) forwardBuffered(ctx context.Context, rec *model.ServerRecord, target string, req Request) Outcome {
	httpReq, err := e.buildRequest(ctx, rec, target, req)
	if err != nil {
		return Outcome{Kind: PreResponseFailure, Reason: "building backend request failed"}
	}

	resp, err := e.bufferedClient.Do(httpReq)
	if err != nil {
		return Outcome{Kind: PreResponseFailure, Reason: classifyPreResponse(err)}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		// Bytes may already have been partially read, but nothing reached
		// the client yet — this is still pre-response from the client's
		// point of view, since the handler hasn't written a status line.
		return Outcome{Kind: PreResponseFailure, Reason: "reading backend response failed"}
	}

	return Outcome{Kind: Buffered, Status: resp.StatusCode, Header: resp.Header, Body: body}
}

func (e *Engine) forwardStreaming(ctx context.Context, rec *model.ServerRecord, target string, req Request, idleTimeout time.Duration) Outcome {
	streamCtx, cancel := context.WithCancel(ctx)

	httpReq, err := e.buildRequest(streamCtx, rec, target, req)
	if err != nil {
		cancel()
		return Outcome{Kind: PreResponseFailure, Reason: "building backend request failed"}
	}

	resp, err := e.streamingClient.Do(httpReq)
	if err != nil {
		cancel()
		return Outcome{Kind: PreResponseFailure, Reason: classifyPreResponse(err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// A non-2xx before any bytes reach the client is reported as a
		// buffered response: a non-2xx isn't treated as a transport failure
		// here, and the client still expects a status line.
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		return Outcome{Kind: Buffered, Status: resp.StatusCode, Header: resp.Header, Body: body}
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/event-stream") {
		// Backend answered 200 without SSE framing even though the client
		// asked to stream. Wrap the single JSON body as one SSE frame
		// followed by the terminator instead of failing the request.
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		return Outcome{
			Kind:   Streaming,
			Status: resp.StatusCode,
			Header: sseHeader(),
			Stream: io.NopCloser(bytes.NewReader(wrapAsSingleFrame(body))),
		}
	}

	stream := newIdleTimeoutReader(streamCtx, cancel, resp.Body, idleTimeout)
	return Outcome{Kind: Streaming, Status: resp.StatusCode, Header: resp.Header, Stream: stream}
}

func wrapAsSingleFrame(body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("data: ")
	buf.Write(bytes.TrimSpace(body))
	buf.WriteString("\n\ndata: [DONE]\n\n")
	return buf.Bytes()
}

func sseHeader() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "text/event-stream")
	return h
}

func (e *Engine) buildRequest(ctx context.Context, rec *model.ServerRecord, target string, req Request) (*http.Request, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("proxy: bad target url: %w", err)
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	var bodyReader io.Reader
	if method != http.MethodGet && req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("proxy: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if rec.BackendAPIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+rec.BackendAPIKey)
	}
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}
	httpReq.Host = u.Host
	return httpReq, nil
}

// classifyPreResponse turns a transport error into a short diagnostic that
// never leaks the backend URL.
func classifyPreResponse(err error) string {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "connection timed out before any response was received"
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return "connection refused"
	case strings.Contains(msg, "no such host"):
		return "dns lookup failed"
	case strings.Contains(msg, "certificate"):
		return "tls handshake failed"
	default:
		return "connection failed before a response was received"
	}
}

// PumpResult is the outcome of draining a Streaming Outcome to a client.
type PumpResult struct {
	BytesSent   int64
	ChunksSent  int
	PostFailure bool
	Reason      string
}

// Pump drains a Streaming outcome's chunk stream to w, flushing after every
// write so SSE events reach the client as they arrive. It splits on "\n\n"
// boundaries where the backend doesn't already chunk on them, but never
// withholds bytes waiting for a boundary longer than one read's worth.
// flush is called after every write when non-nil.
func Pump(stream io.ReadCloser, w io.Writer, flush func()) PumpResult {
	defer func() { _ = stream.Close() }()

	var result PumpResult
	buf := make([]byte, 32*1024)
	for {
		n, readErr := stream.Read(buf)
		chunk := buf[:n]
		for len(chunk) > 0 {
			end := len(chunk)
			if i := bytes.Index(chunk, []byte("\n\n")); i >= 0 {
				end = i + 2
			}
			frame := chunk[:end]
			chunk = chunk[end:]
			if _, writeErr := w.Write(frame); writeErr != nil {
				result.PostFailure = true
				result.Reason = "client disconnected mid-stream"
				return result
			}
			result.BytesSent += int64(len(frame))
			result.ChunksSent += countFrames(frame)
			if flush != nil {
				flush()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return result
			}
			result.PostFailure = true
			result.Reason = "upstream stream broke after bytes were already sent"
			return result
		}
	}
}

func countFrames(b []byte) int {
	return bytes.Count(b, []byte("\n\n"))
}
