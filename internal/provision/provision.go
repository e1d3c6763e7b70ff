// Package provision applies a declarative YAML description of systems and
// resource bindings. This is the admin write path: driver configs are
// validated synchronously and rejected before anything is persisted.
package provision

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/reservio/accessgate/internal/driver"
	"github.com/reservio/accessgate/internal/models"
	"github.com/reservio/accessgate/internal/store"
)

// File is the top-level YAML document.
type File struct {
	Systems []SystemSpec `yaml:"systems"`
}

// SystemSpec declares one access-control system and its bindings.
type SystemSpec struct {
	Name                     string         `yaml:"name"`
	Driver                   string         `yaml:"driver"`
	ReservationLeewayMinutes int            `yaml:"reservation_leeway_minutes"`
	DriverConfig             map[string]any `yaml:"driver_config"`
	Resources                []ResourceSpec `yaml:"resources"`
}

// ResourceSpec declares one binding between a local resource and the system.
type ResourceSpec struct {
	LocalResourceID string         `yaml:"local_resource_id"`
	DriverConfig    map[string]any `yaml:"driver_config"`
}

// Apply loads the file and upserts its systems and bindings. Validation
// errors abort before any write for the offending system.
func Apply(ctx context.Context, path string, st *store.Store, registry *driver.Registry, logger zerolog.Logger) error {
	log := logger.With().Str("component", "provision").Logger()

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	for _, spec := range file.Systems {
		if err := applySystem(ctx, spec, st, registry, log); err != nil {
			return fmt.Errorf("system %q: %w", spec.Name, err)
		}
	}
	return nil
}

func applySystem(ctx context.Context, spec SystemSpec, st *store.Store, registry *driver.Registry, log zerolog.Logger) error {
	if spec.Name == "" {
		return fmt.Errorf("missing system name")
	}
	if spec.Driver == "" {
		return fmt.Errorf("missing driver kind")
	}

	existing, err := st.GetSystemByName(spec.Name)
	if err != nil {
		return err
	}

	system := &models.System{
		Name:                     spec.Name,
		DriverKind:               spec.Driver,
		ReservationLeewayMinutes: spec.ReservationLeewayMinutes,
		DriverConfig:             models.JSONMap(spec.DriverConfig),
	}
	if existing != nil {
		system.ID = existing.ID
		system.CreatedAt = existing.CreatedAt
		// Driver state survives config edits.
		system.DriverData = existing.DriverData
	}

	drv, err := registry.NewForValidation(spec.Driver, system)
	if err != nil {
		return err
	}
	if err := drv.ValidateSystemConfig(system.DriverConfig); err != nil {
		return err
	}

	if err := st.SaveSystem(system); err != nil {
		return err
	}
	// The cached instance (if any) was built from the previous config.
	registry.Evict(system.ID)
	log.Info().Str("system", system.Name).Str("driver", system.DriverKind).Msg("system applied")

	for _, res := range spec.Resources {
		if err := applyResource(ctx, res, system, drv, st); err != nil {
			return fmt.Errorf("resource %q: %w", res.LocalResourceID, err)
		}
		log.Info().Str("system", system.Name).Str("local_resource", res.LocalResourceID).Msg("binding applied")
	}
	return nil
}

func applyResource(ctx context.Context, spec ResourceSpec, system *models.System, drv driver.Driver, st *store.Store) error {
	if spec.LocalResourceID == "" {
		return fmt.Errorf("missing local_resource_id")
	}

	binding := &models.Binding{
		SystemID:        system.ID,
		LocalResourceID: spec.LocalResourceID,
		DriverConfig:    models.JSONMap(spec.DriverConfig),
	}
	bindings, err := st.BindingsForLocalResource(spec.LocalResourceID)
	if err != nil {
		return err
	}
	for _, b := range bindings {
		if b.SystemID == system.ID {
			binding.ID = b.ID
			binding.CreatedAt = b.CreatedAt
			break
		}
	}

	if err := drv.ValidateResourceConfig(binding, binding.DriverConfig); err != nil {
		return err
	}
	if err := st.SaveBinding(binding); err != nil {
		return err
	}
	return drv.SaveBinding(ctx, binding)
}
