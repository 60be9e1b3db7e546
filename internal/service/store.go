package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"chestrestock-api/internal/cache"
	"chestrestock-api/internal/model"
	"chestrestock-api/internal/repository"
	"chestrestock-api/internal/restock"
)

// StateBuffer is the write-behind queue in front of the repository.
type StateBuffer interface {
	Add(ctx context.Context, w *model.BufferedWrite) error
	GetContainer(ctx context.Context, containerID string) (*model.ContainerSnapshot, error)
	GetLoot(ctx context.Context, containerID, consumerID string) (*model.PlayerLootRecord, error)
	Flush(ctx context.Context) error
}

// StateStore implements restock.Store. With a buffer, writes land in the
// buffer and reads check it before the repository.
type StateStore struct {
	repo   repository.RestockRepository
	buffer StateBuffer
}

// NewStateStore returns a store. A nil buffer writes straight to repo.
func NewStateStore(repo repository.RestockRepository, buffer StateBuffer) *StateStore {
	return &StateStore{repo: repo, buffer: buffer}
}

// Buffered reports whether writes go through the buffer.
func (s *StateStore) Buffered() bool { return s.buffer != nil }

func (s *StateStore) LoadLootRecord(ctx context.Context, containerID, consumerID string) (*model.PlayerLootRecord, error) {
	if s.buffer != nil {
		rec, err := s.buffer.GetLoot(ctx, containerID, consumerID)
		if err != nil {
			log.Printf("[StateStore] Buffer read %s/%s failed, using database: %v", containerID, consumerID, err)
		} else if rec != nil {
			return rec, nil
		}
	}
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.LoadLootRecord(ctx, containerID, consumerID)
}

func (s *StateStore) SaveLootRecord(ctx context.Context, containerID, consumerID string, rec model.PlayerLootRecord) error {
	if s.buffer != nil {
		return s.buffer.Add(ctx, &model.BufferedWrite{
			Kind:        model.BufferedLoot,
			ContainerID: containerID,
			ConsumerID:  consumerID,
			Loot:        &rec,
			UpdatedAt:   time.Now(),
		})
	}
	return s.repo.SaveLootRecord(ctx, containerID, consumerID, rec)
}

func (s *StateStore) SaveContainer(ctx context.Context, snap model.ContainerSnapshot) error {
	if s.buffer != nil {
		return s.buffer.Add(ctx, &model.BufferedWrite{
			Kind:        model.BufferedContainer,
			ContainerID: snap.ContainerID,
			Container:   &snap,
			UpdatedAt:   snap.UpdatedAt,
		})
	}
	return s.repo.SaveContainer(ctx, snap)
}

// LoadContainer returns the newest stored snapshot, or nil.
func (s *StateStore) LoadContainer(ctx context.Context, containerID string) (*model.ContainerSnapshot, error) {
	if s.buffer != nil {
		snap, err := s.buffer.GetContainer(ctx, containerID)
		if err != nil {
			log.Printf("[StateStore] Buffer read %s failed, using database: %v", containerID, err)
		} else if snap != nil {
			return snap, nil
		}
	}
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.LoadContainer(ctx, containerID)
}

// Purge deletes everything stored for a container. Pending buffered
// writes are flushed first so they cannot resurrect it.
func (s *StateStore) Purge(ctx context.Context, containerID string) error {
	if s.buffer != nil {
		if err := s.buffer.Flush(ctx); err != nil {
			return fmt.Errorf("failed to flush buffer: %w", err)
		}
	}
	if s.repo == nil {
		return nil
	}
	return s.repo.DeleteContainer(ctx, containerID)
}

var (
	_ restock.Store = (*StateStore)(nil)
	_ StateBuffer   = (*cache.RedisStateBuffer)(nil)
)

// CreateFlushFunc creates a flush function for the Redis buffer.
func CreateFlushFunc(repo repository.RestockRepository) cache.FlushFunc {
	return func(ctx context.Context, items []*model.BufferedWrite) error {
		var (
			containers []model.ContainerSnapshot
			loot       []model.LootEntry
		)
		for _, item := range items {
			switch {
			case item.Kind == model.BufferedContainer && item.Container != nil:
				containers = append(containers, *item.Container)
			case item.Kind == model.BufferedLoot && item.Loot != nil:
				loot = append(loot, model.LootEntry{
					ContainerID: item.ContainerID,
					ConsumerID:  item.ConsumerID,
					Record:      *item.Loot,
				})
			default:
				log.Printf("[StateStore] Dropping malformed buffered write for %s", item.ContainerID)
			}
		}
		return repo.BatchSave(ctx, containers, loot)
	}
}
