package repository

import (
	"context"

	"chestrestock-api/internal/model"
)

// RestockRepository defines container state and loot record data access.
type RestockRepository interface {
	// LoadLootRecord returns nil, nil when the consumer has no record.
	LoadLootRecord(ctx context.Context, containerID, consumerID string) (*model.PlayerLootRecord, error)

	// SaveLootRecord inserts or updates a consumer's loot record.
	SaveLootRecord(ctx context.Context, containerID, consumerID string, rec model.PlayerLootRecord) error

	// SaveContainer inserts or updates a container snapshot.
	SaveContainer(ctx context.Context, snap model.ContainerSnapshot) error

	// LoadContainer returns nil, nil when no snapshot is stored.
	LoadContainer(ctx context.Context, containerID string) (*model.ContainerSnapshot, error)

	// DeleteContainer removes a container snapshot and its loot records.
	DeleteContainer(ctx context.Context, containerID string) error

	// BatchSave writes snapshots and loot records in one round.
	BatchSave(ctx context.Context, containers []model.ContainerSnapshot, loot []model.LootEntry) error

	// GetStats returns statistics about the restock database.
	GetStats(ctx context.Context) (map[string]interface{}, error)

	// Close closes the repository connection.
	Close() error
}

// PermissionRepository answers loot-limit bypass grants.
type PermissionRepository interface {
	// HasBypass reports whether consumerID holds a grant for containerName
	// or the "*" grant. An empty containerName only matches "*".
	HasBypass(ctx context.Context, consumerID, containerName string) (bool, error)
}
