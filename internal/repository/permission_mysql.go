package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// AnyContainer is the grant that bypasses loot limits on every container.
const AnyContainer = "*"

// MySQLPermissionRepository implements PermissionRepository using MySQL.
type MySQLPermissionRepository struct {
	db *sql.DB
}

// NewMySQLPermissionRepository creates a new MySQL permission repository.
func NewMySQLPermissionRepository(db *sql.DB) *MySQLPermissionRepository {
	return &MySQLPermissionRepository{db: db}
}

// EnsureSchema creates the grants table when missing.
func (r *MySQLPermissionRepository) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS restock_bypass_grants (
			consumer_id VARCHAR(64) NOT NULL,
			container_name VARCHAR(128) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (consumer_id, container_name)
		)`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create grants table: %w", err)
	}
	return nil
}

// HasBypass reports whether consumerID holds a named or "*" grant.
func (r *MySQLPermissionRepository) HasBypass(ctx context.Context, consumerID, containerName string) (bool, error) {
	if containerName == "" {
		containerName = AnyContainer
	}

	query := `
		SELECT COUNT(*) FROM restock_bypass_grants
		WHERE consumer_id = ? AND container_name IN (?, ?)`

	var count int
	err := r.db.QueryRowContext(ctx, query, consumerID, containerName, AnyContainer).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check bypass grant: %w", err)
	}
	return count > 0, nil
}

// Grant adds a bypass grant. Granting twice is a no-op.
func (r *MySQLPermissionRepository) Grant(ctx context.Context, consumerID, containerName string) error {
	query := `INSERT IGNORE INTO restock_bypass_grants (consumer_id, container_name) VALUES (?, ?)`
	if _, err := r.db.ExecContext(ctx, query, consumerID, containerName); err != nil {
		return fmt.Errorf("failed to grant bypass: %w", err)
	}
	log.Printf("[PermissionRepository] Granted bypass %s to %s", containerName, consumerID)
	return nil
}

// Revoke removes a bypass grant.
func (r *MySQLPermissionRepository) Revoke(ctx context.Context, consumerID, containerName string) error {
	query := `DELETE FROM restock_bypass_grants WHERE consumer_id = ? AND container_name = ?`
	if _, err := r.db.ExecContext(ctx, query, consumerID, containerName); err != nil {
		return fmt.Errorf("failed to revoke bypass: %w", err)
	}
	return nil
}

var _ PermissionRepository = (*MySQLPermissionRepository)(nil)
