package driver

import (
	"context"
	"time"

	"github.com/reservio/accessgate/internal/models"
)

// Base provides the default behavior shared by driver implementations. Embed
// it and override what the back-end needs.
type Base struct{}

// PrepareInstallGrant schedules installation for now.
func (Base) PrepareInstallGrant(_ context.Context, grant *models.Grant) error {
	now := time.Now().UTC()
	grant.InstallAt = &now
	return nil
}

// PrepareRemoveGrant schedules removal for now.
func (Base) PrepareRemoveGrant(_ context.Context, grant *models.Grant) error {
	now := time.Now().UTC()
	grant.RemoveAt = &now
	return nil
}

// SaveLocalResource is a no-op by default.
func (Base) SaveLocalResource(*models.Binding, *models.LocalResource) {}

// SaveBinding is a no-op by default.
func (Base) SaveBinding(context.Context, *models.Binding) error { return nil }

// ResourceIdentifier returns an empty label by default.
func (Base) ResourceIdentifier(*models.Binding) string { return "" }
