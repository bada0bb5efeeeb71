package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oslab-infra/multiverse-gateway/api/handler"
	"github.com/oslab-infra/multiverse-gateway/api/middleware"
	"github.com/oslab-infra/multiverse-gateway/config"
	"github.com/oslab-infra/multiverse-gateway/gatewayerr"
	"github.com/oslab-infra/multiverse-gateway/metrics"
	"github.com/oslab-infra/multiverse-gateway/store"
)

// corsMiddleware allows any origin, matching an OpenAI-compatible surface
// meant to be called from arbitrary client code rather than a fixed web app.
func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Content-Length", "Accept", "Authorization", "X-API-Key", "X-Request-Id"},
		ExposeHeaders:   []string{"X-Gateway-Server-Id", "X-Request-Id"},
		MaxAge:          24 * time.Hour,
	})
}

// recovery converts a panic into the taxonomy's Internal JSON shape instead
// of gin's default plain-text panic page, so every error response on the
// wire — including a bug — matches the gateway's error contract.
func recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered interface{}) {
		slog.Error("panic recovered", "error", recovered, "path", c.Request.URL.Path)
		err := gatewayerr.New(gatewayerr.Internal, "internal error")
		c.AbortWithStatusJSON(err.Status(), gatewayerr.ToBody(err))
	})
}

// bodyLimit rejects a declared Content-Length larger than max with
// PayloadTooLarge before the handler runs, and caps every other body at max
// bytes so that reading past the limit fails inside the handler.
func bodyLimit(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > max {
			err := gatewayerr.New(gatewayerr.PayloadTooLarge, "request body exceeds the configured maximum")
			c.AbortWithStatusJSON(err.Status(), gatewayerr.ToBody(err))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		c.Next()
	}
}

// requestMetrics records one RequestsTotal increment per completed request,
// keyed by the matched route template (not the raw path, so it doesn't
// explode cardinality on path parameters like :id) and final status code.
func requestMetrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// NewRouter builds the gateway's HTTP handler: the inference and admin
// route groups, plus the ambient /health and /metrics endpoints.
func NewRouter(cfg config.Config, st *store.Store, adminH *handler.AdminHandler, infH *handler.InferenceHandler, m *metrics.Metrics) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(recovery(), middleware.RequestID(), corsMiddleware(), bodyLimit(cfg.MaxRequestBodySize), requestMetrics(m))

	r.GET("/health", func(c *gin.Context) {
		status := "ok"
		code := http.StatusOK
		if err := st.Ping(c.Request.Context()); err != nil {
			status = "unavailable"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":   status,
			"service":  "multiverse-gateway",
			"version":  cfg.ServiceVersion,
			"database": status,
		})
	})

	if m != nil {
		metricsGroup := r.Group("/metrics")
		metricsGroup.Use(middleware.AdminAuth(cfg.AdminAPIKey))
		metricsGroup.GET("", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	{
		v1.GET("/models", infH.ListModels)
		v1.POST("/chat/completions", infH.ChatCompletions)
		v1.POST("/completions", infH.Completions)
	}

	admin := r.Group("/admin")
	admin.Use(middleware.AdminAuth(cfg.AdminAPIKey))
	{
		admin.POST("/register", adminH.Register)
		admin.DELETE("/register/:id", adminH.Deregister)
		admin.PUT("/register/:id", adminH.Update)
		admin.GET("/servers", adminH.List)
		admin.GET("/servers/:id", adminH.Get)
		admin.GET("/stats", adminH.Stats)
	}

	r.NoRoute(func(c *gin.Context) {
		err := gatewayerr.New(gatewayerr.NotFound, "endpoint not found")
		c.JSON(http.StatusNotFound, gatewayerr.ToBody(err))
	})

	return r
}
