// Package healthmonitor implements a cooperative task that periodically
// probes every active server, drives its health_status state machine, and
// auto-deregisters servers that flap past the consecutive-failure threshold.
package healthmonitor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oslab-infra/multiverse-gateway/config"
	"github.com/oslab-infra/multiverse-gateway/metrics"
	"github.com/oslab-infra/multiverse-gateway/model"
	"github.com/oslab-infra/multiverse-gateway/probe"
	"github.com/oslab-infra/multiverse-gateway/store"
)

// Registry is the subset of the Registry Store the monitor depends on.
type Registry interface {
	List(ctx context.Context, filter model.Filter) ([]*model.ServerRecord, error)
	Patch(ctx context.Context, id string, p store.Patch) (*model.ServerRecord, error)
	SoftDelete(ctx context.Context, id string) error
}

// Monitor runs a single periodic probe loop per process; Start is idempotent,
// guarded by an atomic flag.
type Monitor struct {
	registry Registry
	prober   *probe.Prober
	cfg      config.Config
	metrics  *metrics.Metrics

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a Monitor bound to a Registry and Prober. Call Start once. m
// may be nil, in which case no metrics are recorded.
func New(registry Registry, prober *probe.Prober, cfg config.Config, m *metrics.Metrics) *Monitor {
	return &Monitor{
		registry: registry,
		prober:   prober,
		cfg:      cfg,
		metrics:  m,
		done:     make(chan struct{}),
	}
}

// Start begins the cycle loop. A second call is a no-op — starting a second
// monitor is a programming error this type guards against.
func (m *Monitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		slog.Warn("health monitor: Start called more than once; ignoring")
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	go func() {
		defer close(m.done)
		for {
			m.runCycle(ctx)
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.HealthCheckInterval):
			}
		}
	}()
}

// Stop signals cancellation and waits for the in-flight probe to finish and
// the loop to exit, within the drain window the caller is expected to bound
// (probe timeout plus a short margin).
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
}

// runCycle snapshots active servers and probes each sequentially — parallel
// probing would stampede backends.
func (m *Monitor) runCycle(ctx context.Context) {
	servers, err := m.registry.List(ctx, model.Filter{})
	if err != nil {
		slog.Warn("health monitor: failed to list active servers", "error", err)
		return
	}

	for _, rec := range servers {
		if ctx.Err() != nil {
			return
		}
		m.probeOne(ctx, rec)
	}
}

// probeOne never lets a single probe's failure escape the cycle — errors are
// logged and the loop continues; one backend's failing probe must never
// terminate the whole cycle.
func (m *Monitor) probeOne(ctx context.Context, rec *model.ServerRecord) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("health monitor: probe panicked", "registration_id", rec.RegistrationID, "panic", r)
		}
	}()

	result := m.prober.Probe(ctx, rec.EndpointURL, m.cfg.HealthCheckTimeout)

	if m.metrics != nil {
		m.metrics.ProbeDuration.Observe(float64(result.LatencyMS) / 1000)
	}

	if result.OK {
		now := time.Now().UTC()
		healthy := model.Healthy
		zero := 0
		latency := result.LatencyMS
		_, err := m.registry.Patch(ctx, rec.RegistrationID, store.Patch{
			HealthStatus:        &healthy,
			ConsecutiveFailures: &zero,
			LastCheckedAt:       &now,
			LastLatencyMS:       &latency,
		})
		if err != nil {
			slog.Warn("health monitor: failed to record success", "registration_id", rec.RegistrationID, "error", err)
		}
		if m.metrics != nil {
			m.metrics.BackendHealth.WithLabelValues(rec.ModelName, rec.RegistrationID).Set(metrics.HealthGaugeValue(string(model.Healthy)))
		}
		return
	}

	now := time.Now().UTC()
	unhealthy := model.Unhealthy
	failures := rec.ConsecutiveFailures + 1
	updated, err := m.registry.Patch(ctx, rec.RegistrationID, store.Patch{
		HealthStatus:        &unhealthy,
		ConsecutiveFailures: &failures,
		LastCheckedAt:       &now,
	})
	if err != nil {
		slog.Warn("health monitor: failed to record failure", "registration_id", rec.RegistrationID, "error", err)
		return
	}
	if m.metrics != nil {
		m.metrics.BackendHealth.WithLabelValues(rec.ModelName, rec.RegistrationID).Set(metrics.HealthGaugeValue(string(model.Unhealthy)))
	}

	if m.cfg.AutoDeregisterAfterFailures && updated.ConsecutiveFailures >= m.cfg.MaxConsecutiveFailures {
		if err := m.registry.SoftDelete(ctx, rec.RegistrationID); err != nil {
			slog.Error("health monitor: auto-deregistration failed", "registration_id", rec.RegistrationID, "error", err)
			return
		}
		if m.metrics != nil {
			m.metrics.BackendHealth.DeleteLabelValues(rec.ModelName, rec.RegistrationID)
		}
		slog.Error("health monitor: auto-deregistered server after consecutive failures",
			"registration_id", rec.RegistrationID,
			"model_name", rec.ModelName,
			"consecutive_failures", updated.ConsecutiveFailures,
			"last_error", result.Error,
		)
	}
}
