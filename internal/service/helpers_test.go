package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chestrestock-api/internal/cache"
	"chestrestock-api/internal/config"
	"chestrestock-api/internal/model"
	"chestrestock-api/internal/repository"
	"chestrestock-api/internal/restock"
)

var baseTime = time.UnixMilli(1_700_000_000_000)

func newRepo(t *testing.T) *repository.SQLiteRestockRepository {
	t.Helper()
	repo, err := repository.NewSQLiteRestockRepository(filepath.Join(t.TempDir(), "restock.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newService(store SnapshotStore, clock restock.Clock) *RestockService {
	return NewRestockService(Config{
		Store:     store,
		Clock:     clock,
		Materials: model.MaterialCatalog{"DIAMOND_SWORD": 1},
	})
}

func breadDefinition(id string, periodSeconds int64) config.ContainerDefinition {
	policy := model.DefaultPolicy()
	policy.PeriodSeconds = periodSeconds
	policy.PreserveSlots = true
	return config.ContainerDefinition{
		ID:       id,
		Capacity: 2,
		Policy:   policy,
		Template: []config.TemplateSlot{
			{Slot: 0, ItemStack: model.ItemStack{Material: "BREAD", Amount: 5}},
		},
	}
}

// fakeBuffer keeps pending writes in memory and hands them to flush.
type fakeBuffer struct {
	mu      sync.Mutex
	pending map[string]*model.BufferedWrite
	flush   cache.FlushFunc
}

func newFakeBuffer(flush cache.FlushFunc) *fakeBuffer {
	return &fakeBuffer{pending: make(map[string]*model.BufferedWrite), flush: flush}
}

func (b *fakeBuffer) key(w *model.BufferedWrite) string {
	if w.Kind == model.BufferedLoot {
		return cache.LootField(w.ContainerID, w.ConsumerID)
	}
	return cache.ContainerField(w.ContainerID)
}

func (b *fakeBuffer) Add(_ context.Context, w *model.BufferedWrite) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[b.key(w)] = w
	return nil
}

func (b *fakeBuffer) GetContainer(_ context.Context, containerID string) (*model.ContainerSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.pending[cache.ContainerField(containerID)]; ok {
		return w.Container, nil
	}
	return nil, nil
}

func (b *fakeBuffer) GetLoot(_ context.Context, containerID, consumerID string) (*model.PlayerLootRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.pending[cache.LootField(containerID, consumerID)]; ok {
		return w.Loot, nil
	}
	return nil, nil
}

func (b *fakeBuffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	items := make([]*model.BufferedWrite, 0, len(b.pending))
	for _, w := range b.pending {
		items = append(items, w)
	}
	b.pending = make(map[string]*model.BufferedWrite)
	b.mu.Unlock()
	if len(items) == 0 {
		return nil
	}
	return b.flush(ctx, items)
}

func (b *fakeBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// countingOracle counts lookups and answers from a fixed set.
type countingOracle struct {
	mu     sync.Mutex
	calls  int
	grants map[string]bool
	err    error
}

func (o *countingOracle) HasBypass(_ context.Context, consumerID, containerName string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.err != nil {
		return false, o.err
	}
	return o.grants[consumerID+"@"+containerName], nil
}

func (o *countingOracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// failingLoadStore fails every loot record read.
type failingLoadStore struct {
	*StateStore
	err error
}

func (s failingLoadStore) LoadLootRecord(context.Context, string, string) (*model.PlayerLootRecord, error) {
	return nil, s.err
}

// gatedStore parks the first loot record save until release is closed.
type gatedStore struct {
	*StateStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedStore(inner *StateStore) *gatedStore {
	return &gatedStore{StateStore: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedStore) SaveLootRecord(ctx context.Context, containerID, consumerID string, rec model.PlayerLootRecord) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return s.StateStore.SaveLootRecord(ctx, containerID, consumerID, rec)
}
