// Package selector returns, given a model name, a healthy
// backend using round-robin, with a failover variant that excludes
// already-tried servers.
package selector

import (
	"context"
	"sync"

	"github.com/oslab-infra/multiverse-gateway/gatewayerr"
	"github.com/oslab-infra/multiverse-gateway/model"
)

// Registry is the subset of the Registry Store the selector depends on.
type Registry interface {
	FindHealthy(ctx context.Context, modelName string) ([]*model.ServerRecord, error)
}

// Selector holds the process-local, per-model round-robin cursor map. A
// single Selector is shared across all request-handling goroutines.
type Selector struct {
	registry Registry

	mu      sync.Mutex
	cursors map[string]uint64
}

// New builds a Selector bound to a Registry. Cursors start at zero and are
// never persisted — a restart resets the ring, which is fine because the
// ring itself is recomputed from the registry on every call.
func New(registry Registry) *Selector {
	return &Selector{registry: registry, cursors: make(map[string]uint64)}
}

// Select returns a healthy backend for modelName using round-robin.
func (s *Selector) Select(ctx context.Context, modelName string) (*model.ServerRecord, error) {
	return s.SelectExcluding(ctx, modelName, nil)
}

// SelectExcluding is the failover variant: it filters the deterministically
// ordered healthy set against excluded before applying the cursor. If every
// candidate is excluded, it returns NoHealthyServer.
func (s *Selector) SelectExcluding(ctx context.Context, modelName string, excluded map[string]bool) (*model.ServerRecord, error) {
	candidates, err := s.registry.FindHealthy(ctx, modelName)
	if err != nil {
		return nil, err
	}

	filtered := candidates[:0:0]
	for _, c := range candidates {
		if excluded == nil || !excluded[c.RegistrationID] {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return nil, gatewayerr.New(gatewayerr.NoHealthyServer, "no healthy backend available for this model")
	}

	idx := s.nextIndex(modelName, len(filtered))
	return filtered[idx], nil
}

// nextIndex atomically advances the cursor for model and returns the index
// it should use for a ring of the given size. A small race across
// concurrent callers may pick the same index twice; it can never starve an
// index forever, which is the fairness bound this package guarantees.
func (s *Selector) nextIndex(model string, size int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.cursors[model]
	s.cursors[model] = k + 1
	return int(k % uint64(size))
}
