package restock

import (
	"context"
	"errors"
	"sync"
	"time"

	"chestrestock-api/internal/model"
)

var baseTime = time.UnixMilli(1_700_000_000_000)

var testCatalog = model.MaterialCatalog{
	"BREAD":         64,
	"DIAMOND_SWORD": 1,
	"ENDER_PEARL":   16,
}

func stack(material string, amount int) model.ItemStack {
	return model.ItemStack{Material: material, Amount: amount}
}

type memStore struct {
	mu         sync.Mutex
	loot       map[string]model.PlayerLootRecord
	containers map[string]model.ContainerSnapshot
	saves      int
	failSave   error
	failLoad   error
}

func newMemStore() *memStore {
	return &memStore{
		loot:       make(map[string]model.PlayerLootRecord),
		containers: make(map[string]model.ContainerSnapshot),
	}
}

func (s *memStore) LoadLootRecord(_ context.Context, containerID, consumerID string) (*model.PlayerLootRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLoad != nil {
		return nil, s.failLoad
	}
	rec, ok := s.loot[containerID+"/"+consumerID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *memStore) SaveLootRecord(_ context.Context, containerID, consumerID string, rec model.PlayerLootRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return s.failSave
	}
	s.loot[containerID+"/"+consumerID] = rec
	s.saves++
	return nil
}

func (s *memStore) SaveContainer(_ context.Context, snap model.ContainerSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return s.failSave
	}
	s.containers[snap.ContainerID] = snap
	s.saves++
	return nil
}

type staticOracle map[string]bool

func (o staticOracle) HasBypass(_ context.Context, consumerID, containerName string) (bool, error) {
	return o[consumerID+"@"+containerName], nil
}

type errOracle struct{}

func (errOracle) HasBypass(context.Context, string, string) (bool, error) {
	return true, errors.New("permission backend down")
}

// physical is a host-owned inventory that can be invalidated.
type physical struct {
	inv   *SlotInventory
	valid bool
}

func newPhysical(capacity int) *physical {
	return &physical{inv: NewSlotInventory(capacity, testCatalog), valid: true}
}

func (p *physical) Inventory() (Inventory, error) {
	if !p.valid {
		return nil, ErrInvalidLocation
	}
	return p.inv, nil
}

type fixture struct {
	clock  *ManualClock
	store  *memStore
	phys   *physical
	engine *Engine
	c      *Container
}

func newFixture(policy model.RestockPolicy, template []model.ItemStack) *fixture {
	f := &fixture{
		clock: NewManualClock(baseTime),
		store: newMemStore(),
		phys:  newPhysical(len(template)),
	}
	f.engine = NewEngine(EngineConfig{
		Clock: f.clock,
		Store: f.store,
		Sizes: testCatalog,
	})
	f.c = NewContainer(ContainerOptions{
		ID:       "chest-1",
		Policy:   policy,
		Holder:   f.phys,
		Capacity: len(template),
		Template: template,
	}, testCatalog)
	return f
}
