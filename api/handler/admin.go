package handler

import (
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/oslab-infra/multiverse-gateway/gatewayerr"
	"github.com/oslab-infra/multiverse-gateway/model"
	"github.com/oslab-infra/multiverse-gateway/probe"
	"github.com/oslab-infra/multiverse-gateway/store"
	"github.com/oslab-infra/multiverse-gateway/urlvalidate"
)

var modelNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

var validate = validator.New()

// AdminHandler implements CRUD over the registry, gated by AdminAuth.
type AdminHandler struct {
	store         *store.Store
	prober        *probe.Prober
	healthTimeout time.Duration
	resolver      urlvalidate.Resolver
}

// NewAdminHandler builds an AdminHandler. resolver may be nil, in which case
// endpoint validation skips the DNS-resolved-address check.
func NewAdminHandler(st *store.Store, prober *probe.Prober, healthTimeout time.Duration, resolver urlvalidate.Resolver) *AdminHandler {
	return &AdminHandler{store: st, prober: prober, healthTimeout: healthTimeout, resolver: resolver}
}

// ── Response shapes ──────────────────────────────────────────────────────

// serverResponse is the outward representation of a ServerRecord.
// backend_api_key is intentionally omitted — it is write-only.
type serverResponse struct {
	RegistrationID      string             `json:"registration_id"`
	ModelName           string             `json:"model_name"`
	EndpointURL         string             `json:"endpoint_url"`
	Capabilities        model.Capabilities `json:"capabilities"`
	Owner               model.Owner        `json:"owner"`
	RegisteredAt        time.Time          `json:"registered_at"`
	LastCheckedAt       *time.Time         `json:"last_checked_at,omitempty"`
	LastLatencyMS       *int64             `json:"last_latency_ms,omitempty"`
	HealthStatus        model.HealthStatus `json:"health_status"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	IsActive            bool               `json:"is_active"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

func toServerResponse(r *model.ServerRecord) serverResponse {
	return serverResponse{
		RegistrationID:      r.RegistrationID,
		ModelName:           r.ModelName,
		EndpointURL:         r.EndpointURL,
		Capabilities:        r.Capabilities,
		Owner:               r.Owner,
		RegisteredAt:        r.RegisteredAt,
		LastCheckedAt:       r.LastCheckedAt,
		LastLatencyMS:       r.LastLatencyMS,
		HealthStatus:        r.HealthStatus,
		ConsecutiveFailures: r.ConsecutiveFailures,
		IsActive:            r.IsActive,
		UpdatedAt:           r.UpdatedAt,
	}
}

func respondErr(c *gin.Context, err error) {
	c.JSON(gatewayerr.StatusOf(err), gatewayerr.ToBody(err))
}

// ── Register ─────────────────────────────────────────────────────────────

type registerRequest struct {
	ModelName     string             `json:"model_name" binding:"required"`
	EndpointURL   string             `json:"endpoint_url" binding:"required"`
	BackendAPIKey string             `json:"backend_api_key"`
	Capabilities  model.Capabilities `json:"capabilities"`
	Owner         model.Owner        `json:"owner"`
}

// Register handles POST /admin/register. A failed initial probe does not
// reject registration — it leaves the new record Unhealthy.
func (h *AdminHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, gatewayerr.Wrap(gatewayerr.BadRequest, "invalid request body", err))
		return
	}
	if req.Owner.Email != "" {
		if err := validate.Var(req.Owner.Email, "email"); err != nil {
			respondErr(c, gatewayerr.New(gatewayerr.BadRequest, "owner.email is not a valid email address"))
			return
		}
	}
	if !modelNameRe.MatchString(req.ModelName) {
		respondErr(c, gatewayerr.New(gatewayerr.BadRequest, "model_name must match ^[A-Za-z0-9._-]{1,128}$"))
		return
	}
	if req.Capabilities.MaxTokens != nil && *req.Capabilities.MaxTokens <= 0 {
		respondErr(c, gatewayerr.New(gatewayerr.BadRequest, "capabilities.max_tokens must be positive"))
		return
	}
	if req.Capabilities.ContextLength != nil && *req.Capabilities.ContextLength <= 0 {
		respondErr(c, gatewayerr.New(gatewayerr.BadRequest, "capabilities.context_length must be positive"))
		return
	}

	ctx := c.Request.Context()
	if err := urlvalidate.Validate(ctx, req.EndpointURL, h.resolver); err != nil {
		respondErr(c, err)
		return
	}

	id, err := model.NewRegistrationID()
	if err != nil {
		respondErr(c, gatewayerr.Wrap(gatewayerr.Internal, "failed to generate registration id", err))
		return
	}

	result := h.prober.Probe(ctx, req.EndpointURL, h.healthTimeout)
	status := model.Unhealthy
	if result.OK {
		status = model.Healthy
	}

	now := time.Now().UTC()
	rec := &model.ServerRecord{
		RegistrationID: id,
		ModelName:      req.ModelName,
		EndpointURL:    req.EndpointURL,
		BackendAPIKey:  req.BackendAPIKey,
		Capabilities:   req.Capabilities,
		Owner:          req.Owner,
		RegisteredAt:   now,
		HealthStatus:   status,
		IsActive:       true,
		UpdatedAt:      now,
	}
	if result.OK {
		latency := result.LatencyMS
		rec.LastCheckedAt = &now
		rec.LastLatencyMS = &latency
	}

	if err := h.store.Insert(ctx, rec); err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"registration_id": rec.RegistrationID,
		"status":          "registered",
		"health_status":   rec.HealthStatus,
	})
}

// Deregister handles DELETE /admin/register/:id.
func (h *AdminHandler) Deregister(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.Get(c.Request.Context(), id); err != nil {
		respondErr(c, remapNotFound(err))
		return
	}
	if err := h.store.SoftDelete(c.Request.Context(), id); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// updateRequest uses pointer fields for partial updates; endpoint_url is
// re-validated and model_name re-checked for active-identity uniqueness by
// the store's partial unique index.
type updateRequest struct {
	ModelName     *string             `json:"model_name"`
	EndpointURL   *string             `json:"endpoint_url"`
	BackendAPIKey *string             `json:"backend_api_key"`
	Capabilities  *model.Capabilities `json:"capabilities"`
	Owner         *model.Owner        `json:"owner"`
}

// Update handles PUT /admin/register/:id.
func (h *AdminHandler) Update(c *gin.Context) {
	id := c.Param("id")
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, gatewayerr.Wrap(gatewayerr.BadRequest, "invalid request body", err))
		return
	}
	if req.ModelName != nil && !modelNameRe.MatchString(*req.ModelName) {
		respondErr(c, gatewayerr.New(gatewayerr.BadRequest, "model_name must match ^[A-Za-z0-9._-]{1,128}$"))
		return
	}
	if req.Owner != nil && req.Owner.Email != "" {
		if err := validate.Var(req.Owner.Email, "email"); err != nil {
			respondErr(c, gatewayerr.New(gatewayerr.BadRequest, "owner.email is not a valid email address"))
			return
		}
	}

	ctx := c.Request.Context()
	if req.EndpointURL != nil {
		if err := urlvalidate.Validate(ctx, *req.EndpointURL, h.resolver); err != nil {
			respondErr(c, err)
			return
		}
	}

	updated, err := h.store.Patch(ctx, id, store.Patch{
		ModelName:     req.ModelName,
		EndpointURL:   req.EndpointURL,
		BackendAPIKey: req.BackendAPIKey,
		Capabilities:  req.Capabilities,
		Owner:         req.Owner,
	})
	if err != nil {
		respondErr(c, remapNotFound(err))
		return
	}
	c.JSON(http.StatusOK, toServerResponse(updated))
}

// List handles GET /admin/servers?model=&health=&active=.
func (h *AdminHandler) List(c *gin.Context) {
	var filter model.Filter
	if v := c.Query("model"); v != "" {
		filter.ModelName = &v
	}
	if v := c.Query("health"); v != "" {
		hs := model.HealthStatus(v)
		filter.HealthStatus = &hs
	}
	if v := c.Query("active"); v == "false" {
		filter.IncludeInactive = true
	}

	recs, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		respondErr(c, err)
		return
	}

	resp := make([]serverResponse, len(recs))
	for i, r := range recs {
		resp[i] = toServerResponse(r)
	}
	c.JSON(http.StatusOK, resp)
}

// Get handles GET /admin/servers/:id, a supplement beyond the minimal CRUD
// surface so a single registration can be inspected without listing all.
func (h *AdminHandler) Get(c *gin.Context) {
	rec, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, remapNotFound(err))
		return
	}
	c.JSON(http.StatusOK, toServerResponse(rec))
}

// Stats handles GET /admin/stats.
func (h *AdminHandler) Stats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// remapNotFound replaces a NotFound error from the store with a fresh
// gatewayerr.NotFound carrying the fixed "no such registration" message;
// any other error is returned unchanged.
func remapNotFound(err error) error {
	if ge, ok := gatewayerr.As(err); ok && ge.Kind == gatewayerr.NotFound {
		return gatewayerr.New(gatewayerr.NotFound, "no such registration")
	}
	return err
}
