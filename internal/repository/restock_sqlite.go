package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"chestrestock-api/internal/model"

	_ "modernc.org/sqlite" // Pure Go SQLite driver - no CGO required
)

// SQLiteRestockRepository implements RestockRepository using SQLite.
// Thread-safe with WAL mode for concurrent reads.
type SQLiteRestockRepository struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteRestockRepository opens or creates the database at dbPath
// (e.g. "./data/restock.db").
func NewSQLiteRestockRepository(dbPath string) (*SQLiteRestockRepository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	// SQLite only supports 1 writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := createSQLiteTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.Printf("[SQLiteRestockRepository] Initialized with database: %s", dbPath)
	return &SQLiteRestockRepository{db: db}, nil
}

func createSQLiteTables(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS restock_containers (
		container_id TEXT PRIMARY KEY,
		capacity INTEGER NOT NULL,
		last_restock INTEGER NOT NULL,
		state BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS restock_loot_records (
		container_id TEXT NOT NULL,
		consumer_id TEXT NOT NULL,
		last_restock_time INTEGER NOT NULL,
		loot_count INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (container_id, consumer_id)
	);
	CREATE INDEX IF NOT EXISTS idx_loot_updated_at ON restock_loot_records(updated_at);
	`
	_, err := db.Exec(query)
	return err
}

const sqliteUpsertLoot = `
	INSERT INTO restock_loot_records (container_id, consumer_id, last_restock_time, loot_count, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(container_id, consumer_id) DO UPDATE SET
		last_restock_time = excluded.last_restock_time,
		loot_count = excluded.loot_count,
		updated_at = excluded.updated_at`

const sqliteUpsertContainer = `
	INSERT INTO restock_containers (container_id, capacity, last_restock, state, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(container_id) DO UPDATE SET
		capacity = excluded.capacity,
		last_restock = excluded.last_restock,
		state = excluded.state,
		updated_at = excluded.updated_at`

// LoadLootRecord retrieves a loot record.
func (r *SQLiteRestockRepository) LoadLootRecord(ctx context.Context, containerID, consumerID string) (*model.PlayerLootRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	query := `SELECT last_restock_time, loot_count FROM restock_loot_records WHERE container_id = ? AND consumer_id = ?`

	var rec model.PlayerLootRecord
	err := r.db.QueryRowContext(ctx, query, containerID, consumerID).Scan(&rec.LastRestockTime, &rec.LootCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loot record: %w", err)
	}
	return &rec, nil
}

// SaveLootRecord inserts or updates a loot record.
func (r *SQLiteRestockRepository) SaveLootRecord(ctx context.Context, containerID, consumerID string, rec model.PlayerLootRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, sqliteUpsertLoot, containerID, consumerID, rec.LastRestockTime, rec.LootCount, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert loot record: %w", err)
	}
	return nil
}

// SaveContainer inserts or updates a container snapshot.
func (r *SQLiteRestockRepository) SaveContainer(ctx context.Context, snap model.ContainerSnapshot) error {
	state, err := encodeState(snap)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.ExecContext(ctx, sqliteUpsertContainer, snap.ContainerID, snap.Capacity, snap.LastRestock, state, updatedAtMillis(snap))
	if err != nil {
		return fmt.Errorf("failed to upsert container: %w", err)
	}
	return nil
}

// LoadContainer retrieves a container snapshot.
func (r *SQLiteRestockRepository) LoadContainer(ctx context.Context, containerID string) (*model.ContainerSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	query := `SELECT capacity, last_restock, state, updated_at FROM restock_containers WHERE container_id = ?`

	snap := model.ContainerSnapshot{ContainerID: containerID}
	var state []byte
	var updatedAt int64
	err := r.db.QueryRowContext(ctx, query, containerID).Scan(&snap.Capacity, &snap.LastRestock, &state, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get container: %w", err)
	}
	if err := decodeState(state, &snap); err != nil {
		return nil, err
	}
	snap.UpdatedAt = time.UnixMilli(updatedAt)
	return &snap, nil
}

// DeleteContainer removes a container snapshot and its loot records.
func (r *SQLiteRestockRepository) DeleteContainer(ctx context.Context, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM restock_loot_records WHERE container_id = ?`, containerID); err != nil {
		return fmt.Errorf("failed to delete loot records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM restock_containers WHERE container_id = ?`, containerID); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return tx.Commit()
}

// BatchSave writes snapshots and loot records in a single transaction.
func (r *SQLiteRestockRepository) BatchSave(ctx context.Context, containers []model.ContainerSnapshot, loot []model.LootEntry) error {
	if len(containers) == 0 && len(loot) == 0 {
		return nil
	}

	states := make([][]byte, len(containers))
	for i, snap := range containers {
		state, err := encodeState(snap)
		if err != nil {
			return err
		}
		states[i] = state
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if len(containers) > 0 {
		stmt, err := tx.PrepareContext(ctx, sqliteUpsertContainer)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for i, snap := range containers {
			if _, err := stmt.ExecContext(ctx, snap.ContainerID, snap.Capacity, snap.LastRestock, states[i], updatedAtMillis(snap)); err != nil {
				return fmt.Errorf("failed to batch upsert container %s: %w", snap.ContainerID, err)
			}
		}
	}

	if len(loot) > 0 {
		stmt, err := tx.PrepareContext(ctx, sqliteUpsertLoot)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		now := time.Now().UnixMilli()
		for _, entry := range loot {
			if _, err := stmt.ExecContext(ctx, entry.ContainerID, entry.ConsumerID, entry.Record.LastRestockTime, entry.Record.LootCount, now); err != nil {
				return fmt.Errorf("failed to batch upsert loot %s/%s: %w", entry.ContainerID, entry.ConsumerID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetStats returns statistics about the restock database.
func (r *SQLiteRestockRepository) GetStats(ctx context.Context) (map[string]interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]interface{})

	var containers, records int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM restock_containers").Scan(&containers); err != nil {
		return nil, err
	}
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM restock_loot_records").Scan(&records); err != nil {
		return nil, err
	}
	stats["total_containers"] = containers
	stats["total_loot_records"] = records

	var lastUpdate sql.NullInt64
	if err := r.db.QueryRowContext(ctx, "SELECT MAX(updated_at) FROM restock_containers").Scan(&lastUpdate); err == nil && lastUpdate.Valid {
		stats["last_update"] = time.UnixMilli(lastUpdate.Int64)
	}

	// Database file size (approximate from page count)
	var pageCount, pageSize int64
	r.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
	r.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
	stats["db_size_bytes"] = pageCount * pageSize

	return stats, nil
}

// Close closes the database connection.
func (r *SQLiteRestockRepository) Close() error {
	return r.db.Close()
}

func updatedAtMillis(snap model.ContainerSnapshot) int64 {
	if snap.UpdatedAt.IsZero() {
		return time.Now().UnixMilli()
	}
	return snap.UpdatedAt.UnixMilli()
}

var _ RestockRepository = (*SQLiteRestockRepository)(nil)
