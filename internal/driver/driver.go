// Package driver defines the capability set an access-control back-end must
// implement and the registry mapping driver kinds to implementations.
package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reservio/accessgate/internal/models"
	"github.com/reservio/accessgate/internal/notify"
	"github.com/reservio/accessgate/internal/pin"
	"github.com/reservio/accessgate/internal/store"
)

// Driver is the contract between the engine and one kind of external
// access-control system.
type Driver interface {
	// ValidateSystemConfig checks a system-level driver config. Called on
	// admin writes, before the config is persisted.
	ValidateSystemConfig(cfg models.JSONMap) error

	// ValidateResourceConfig checks a binding-level driver config.
	ValidateResourceConfig(binding *models.Binding, cfg models.JSONMap) error

	// SystemConfigSchema and ResourceConfigSchema describe the config shape
	// for UI editors. The engine treats them as opaque documents.
	SystemConfigSchema() models.JSONMap
	ResourceConfigSchema() models.JSONMap

	// ResourceIdentifier returns a cosmetic label for the bound remote
	// resource.
	ResourceIdentifier(binding *models.Binding) string

	// PrepareInstallGrant fixes the grant's install time. The default is
	// now; a driver may shift it earlier to compensate for remote
	// propagation latency.
	PrepareInstallGrant(ctx context.Context, grant *models.Grant) error

	// PrepareRemoveGrant fixes the grant's removal time.
	PrepareRemoveGrant(ctx context.Context, grant *models.Grant) error

	// InstallGrant pushes the grant to the remote system. On success the
	// driver advances the grant to installed, attaches the credential
	// holder, records the access code and invokes the notifier. Must be
	// idempotent in intent.
	InstallGrant(ctx context.Context, grant *models.Grant) error

	// RemoveGrant revokes the grant remotely and leaves both the grant and
	// its user in state removed.
	RemoveGrant(ctx context.Context, grant *models.Grant) error

	// SaveLocalResource lets the driver coerce local-resource invariants
	// when the reservation store saves a bound resource. The driver mutates
	// the passed record; persisting it is the caller's job.
	SaveLocalResource(binding *models.Binding, localResource *models.LocalResource)

	// SaveBinding is invoked when a binding is saved.
	SaveBinding(ctx context.Context, binding *models.Binding) error
}

// Env carries the collaborators a driver instance may use.
type Env struct {
	Store         *store.Store
	Pins          pin.Allocator
	Notifier      notify.Notifier
	Logger        zerolog.Logger
	RemoteTimeout time.Duration
}

// Factory builds a driver instance bound to one system.
type Factory func(system *models.System, env Env) (Driver, error)

// Registry maps driver kinds to factories and caches one driver instance per
// system. Registration happens once at process start.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]Driver
	env       Env
}

// NewRegistry creates an empty registry with the given environment.
func NewRegistry(env Env) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Driver),
		env:       env,
	}
}

// Register adds a driver kind. Registering the same kind twice panics, as it
// can only be a wiring mistake.
func (r *Registry) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		panic(fmt.Sprintf("driver kind %q registered twice", kind))
	}
	r.factories[kind] = factory
}

// Kinds returns the registered driver kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}

// ForSystem returns the driver instance for a system, creating and caching it
// on first use.
func (r *Registry) ForSystem(system *models.System) (Driver, error) {
	r.mu.RLock()
	if d, ok := r.instances[system.ID]; ok {
		r.mu.RUnlock()
		return d, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.instances[system.ID]; ok {
		return d, nil
	}
	factory, ok := r.factories[system.DriverKind]
	if !ok {
		return nil, fmt.Errorf("driver kind %q not registered", system.DriverKind)
	}
	d, err := factory(system, r.env)
	if err != nil {
		return nil, fmt.Errorf("creating %q driver for system %s: %w", system.DriverKind, system.Name, err)
	}
	r.instances[system.ID] = d
	return d, nil
}

// NewForValidation builds an uncached driver instance for config validation
// before the system row exists.
func (r *Registry) NewForValidation(kind string, system *models.System) (Driver, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("driver kind %q not registered", kind)
	}
	return factory(system, r.env)
}

// Evict drops the cached instance for a system. Called when the system's
// driver config changes; the config is immutable on a live instance.
func (r *Registry) Evict(systemID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, systemID)
}
