package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oslab-infra/multiverse-gateway/api"
	"github.com/oslab-infra/multiverse-gateway/api/handler"
	"github.com/oslab-infra/multiverse-gateway/config"
	"github.com/oslab-infra/multiverse-gateway/healthmonitor"
	"github.com/oslab-infra/multiverse-gateway/metrics"
	"github.com/oslab-infra/multiverse-gateway/probe"
	"github.com/oslab-infra/multiverse-gateway/proxy"
	"github.com/oslab-infra/multiverse-gateway/selector"
	"github.com/oslab-infra/multiverse-gateway/store"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open registry store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	m := metrics.New()
	prober := probe.New()
	sel := selector.New(st)
	engine := proxy.New(cfg.RequestTimeout, m)

	// net.DefaultResolver's LookupIPAddr already matches urlvalidate.Resolver,
	// so registration-time endpoint validation checks resolved addresses too.
	adminH := handler.NewAdminHandler(st, prober, cfg.HealthCheckTimeout, net.DefaultResolver)
	infH := handler.NewInferenceHandler(st, sel, engine, cfg, m)

	monitor := healthmonitor.New(st, prober, cfg, m)
	monitor.Start(context.Background())

	h := api.NewRouter(cfg, st, adminH, infH, m)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		slog.Info("multiverse-gateway listening", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	// Tear down: stop the health monitor's probes, then stop accepting new
	// connections, then close the store.
	monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	slog.Info("server stopped")
}
