// Package engine drives the grant lifecycle: it translates reservation
// events into grants, runs the per-grant state machine and delegates remote
// effects to drivers.
package engine

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/reservio/accessgate/internal/driver"
	"github.com/reservio/accessgate/internal/metrics"
	"github.com/reservio/accessgate/internal/models"
	"github.com/reservio/accessgate/internal/store"
)

// Engine coordinates the store, the driver registry and the notifier.
type Engine struct {
	store    *store.Store
	registry *driver.Registry
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New creates an engine.
func New(st *store.Store, registry *driver.Registry, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    st,
		registry: registry,
		metrics:  m,
		logger:   logger.With().Str("component", "engine").Logger(),
	}
}

// Store exposes the underlying store.
func (e *Engine) Store() *store.Store { return e.store }

// Registry exposes the driver registry.
func (e *Engine) Registry() *driver.Registry { return e.registry }

// grantContext resolves the binding, system and driver a grant belongs to.
func (e *Engine) grantContext(g *models.Grant) (*models.Binding, *models.System, driver.Driver, error) {
	binding, err := e.store.GetBinding(g.BindingID)
	if err != nil {
		return nil, nil, nil, err
	}
	if binding == nil {
		return nil, nil, nil, fmt.Errorf("grant %s references missing binding %s", g.ID, g.BindingID)
	}
	system, err := e.store.GetSystem(binding.SystemID)
	if err != nil {
		return nil, nil, nil, err
	}
	if system == nil {
		return nil, nil, nil, fmt.Errorf("binding %s references missing system %s", binding.ID, binding.SystemID)
	}
	drv, err := e.registry.ForSystem(system)
	if err != nil {
		return nil, nil, nil, err
	}
	return binding, system, drv, nil
}

func (e *Engine) grantLogger(g *models.Grant) zerolog.Logger {
	return e.logger.With().
		Str("grant_id", g.ID).
		Str("reservation_id", g.ReservationID).
		Str("state", string(g.State)).
		Logger()
}
