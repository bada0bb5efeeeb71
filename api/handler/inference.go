package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/oslab-infra/multiverse-gateway/api/middleware"
	"github.com/oslab-infra/multiverse-gateway/config"
	"github.com/oslab-infra/multiverse-gateway/gatewayerr"
	"github.com/oslab-infra/multiverse-gateway/metrics"
	"github.com/oslab-infra/multiverse-gateway/model"
	"github.com/oslab-infra/multiverse-gateway/proxy"
	"github.com/oslab-infra/multiverse-gateway/selector"
	"github.com/oslab-infra/multiverse-gateway/store"
)

// GatewayServerIDHeader names the backend that served a request.
const GatewayServerIDHeader = "X-Gateway-Server-ID"

// InferenceHandler implements the OpenAI-compatible request surface.
type InferenceHandler struct {
	store    *store.Store
	selector *selector.Selector
	engine   *proxy.Engine
	cfg      config.Config
	metrics  *metrics.Metrics
}

// NewInferenceHandler builds an InferenceHandler. m may be nil.
func NewInferenceHandler(st *store.Store, sel *selector.Selector, engine *proxy.Engine, cfg config.Config, m *metrics.Metrics) *InferenceHandler {
	return &InferenceHandler{store: st, selector: sel, engine: engine, cfg: cfg, metrics: m}
}

// ── GET /v1/models ───────────────────────────────────────────────────────

type modelListEntry struct {
	ID               string `json:"id"`
	Object           string `json:"object"`
	Created          int64  `json:"created"`
	OwnedBy          string `json:"owned_by"`
	AvailableServers int    `json:"available_servers"`
}

// ListModels handles GET /v1/models: groups active records by model_name,
// omitting any model with zero active records.
func (h *InferenceHandler) ListModels(c *gin.Context) {
	recs, err := h.store.List(c.Request.Context(), model.Filter{})
	if err != nil {
		respondErr(c, err)
		return
	}

	type agg struct {
		earliest time.Time
		healthy  int
	}
	byModel := make(map[string]*agg)
	order := make([]string, 0)
	for _, r := range recs {
		a, ok := byModel[r.ModelName]
		if !ok {
			a = &agg{earliest: r.RegisteredAt}
			byModel[r.ModelName] = a
			order = append(order, r.ModelName)
		}
		if r.RegisteredAt.Before(a.earliest) {
			a.earliest = r.RegisteredAt
		}
		if r.HealthStatus == model.Healthy {
			a.healthy++
		}
	}

	data := make([]modelListEntry, 0, len(order))
	for _, name := range order {
		a := byModel[name]
		data = append(data, modelListEntry{
			ID:               name,
			Object:           "model",
			Created:          a.earliest.Unix(),
			OwnedBy:          "multiverse",
			AvailableServers: a.healthy,
		})
	}

	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// ── POST /v1/chat/completions, POST /v1/completions ─────────────────────

// ChatCompletions handles POST /v1/chat/completions.
func (h *InferenceHandler) ChatCompletions(c *gin.Context) {
	h.forward(c, "/v1/chat/completions")
}

// Completions handles POST /v1/completions.
func (h *InferenceHandler) Completions(c *gin.Context) {
	h.forward(c, "/v1/completions")
}

// forward implements the shared control flow for both completion endpoints:
// select a healthy backend, forward, and fail over on PreResponseFailure up
// to 1+MaxRetryAttempts total attempts.
func (h *InferenceHandler) forward(c *gin.Context, path string) {
	ctx := c.Request.Context()

	body, err := readBoundedBody(c)
	if err != nil {
		respondErr(c, err)
		return
	}

	var payload struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		respondErr(c, gatewayerr.New(gatewayerr.BadRequest, "request body is not valid JSON"))
		return
	}
	if payload.Model == "" {
		respondErr(c, gatewayerr.New(gatewayerr.BadRequest, "model field is required"))
		return
	}

	requestID, _ := c.Get(middleware.ContextKeyRequestID)
	reqID, _ := requestID.(string)

	tried := make(map[string]bool)
	attempt := 0

	for attempt <= h.cfg.MaxRetryAttempts {
		server, selErr := h.selector.SelectExcluding(ctx, payload.Model, tried)
		if selErr != nil {
			if attempt == 0 {
				known, err := h.store.KnowsModel(ctx, payload.Model)
				if err != nil {
					respondErr(c, err)
					return
				}
				if !known {
					respondErr(c, gatewayerr.New(gatewayerr.ModelNotFound, "no server is registered for this model"))
					return
				}
				respondErr(c, selErr)
				return
			}
			respondErr(c, gatewayerr.New(gatewayerr.AllAttemptsFailed, "all backend attempts failed"))
			return
		}

		outcome := h.engine.Forward(ctx, server, proxy.Request{
			Path:      path,
			Method:    http.MethodPost,
			Body:      body,
			RequestID: reqID,
		}, h.cfg.StreamIdleTimeout)

		switch outcome.Kind {
		case proxy.Buffered:
			c.Header(GatewayServerIDHeader, server.RegistrationID)
			for k, vs := range outcome.Header {
				for _, v := range vs {
					c.Writer.Header().Add(k, v)
				}
			}
			c.Data(outcome.Status, outcome.Header.Get("Content-Type"), outcome.Body)
			if outcome.Status >= 200 && outcome.Status < 300 {
				h.markSuccess(ctx, server.RegistrationID)
			}
			return

		case proxy.Streaming:
			c.Header(GatewayServerIDHeader, server.RegistrationID)
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Writer.WriteHeader(outcome.Status)

			flusher, _ := c.Writer.(http.Flusher)
			result := proxy.Pump(outcome.Stream, c.Writer, func() {
				if flusher != nil {
					flusher.Flush()
				}
			})
			if h.metrics != nil && result.PostFailure {
				h.metrics.ProxyAttemptsTotal.WithLabelValues("post_response_failure").Inc()
			}
			if result.PostFailure {
				h.markFailure(ctx, server.RegistrationID)
				return
			}
			h.markSuccess(ctx, server.RegistrationID)
			return

		case proxy.PreResponseFailure:
			h.markFailure(ctx, server.RegistrationID)
			tried[server.RegistrationID] = true
			attempt++
			continue
		}
	}

	respondErr(c, gatewayerr.New(gatewayerr.AllAttemptsFailed, "all backend attempts failed"))
}

func (h *InferenceHandler) markSuccess(ctx context.Context, id string) {
	healthy := model.Healthy
	zero := 0
	now := time.Now().UTC()
	_, _ = h.store.Patch(ctx, id, store.Patch{
		HealthStatus:        &healthy,
		ConsecutiveFailures: &zero,
		LastCheckedAt:       &now,
	})
}

// markFailure demotes a backend the same way healthmonitor.probeOne does:
// health_status goes Unhealthy, consecutive_failures increments, and the
// backend is soft-deleted once it crosses the shared threshold. A request
// that fails over does the same bookkeeping a failed probe would.
func (h *InferenceHandler) markFailure(ctx context.Context, id string) {
	rec, err := h.store.Get(ctx, id)
	if err != nil {
		return
	}

	unhealthy := model.Unhealthy
	failures := rec.ConsecutiveFailures + 1
	now := time.Now().UTC()
	updated, err := h.store.Patch(ctx, id, store.Patch{
		HealthStatus:        &unhealthy,
		ConsecutiveFailures: &failures,
		LastCheckedAt:       &now,
	})
	if err != nil {
		return
	}
	if h.metrics != nil {
		h.metrics.BackendHealth.WithLabelValues(rec.ModelName, id).Set(metrics.HealthGaugeValue(string(model.Unhealthy)))
	}

	if h.cfg.AutoDeregisterAfterFailures && updated.ConsecutiveFailures >= h.cfg.MaxConsecutiveFailures {
		if err := h.store.SoftDelete(ctx, id); err != nil {
			return
		}
		if h.metrics != nil {
			h.metrics.BackendHealth.DeleteLabelValues(rec.ModelName, id)
		}
	}
}

// readBoundedBody reads the request body, which gin's body-size-limit
// middleware has already bounded to MaxRequestBodySize.
func readBoundedBody(c *gin.Context) ([]byte, error) {
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, gatewayerr.New(gatewayerr.PayloadTooLarge, "request body exceeds the configured maximum")
		}
		return nil, gatewayerr.Wrap(gatewayerr.BadRequest, "failed to read request body", err)
	}
	return body, nil
}
