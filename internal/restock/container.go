package restock

import (
	"context"
	"sort"
	"sync"
	"time"

	"chestrestock-api/internal/model"
)

// Holder gives access to a container's physical inventory. It returns an
// error matching ErrInvalidLocation when the location is unloaded or no
// longer holds an inventory.
type Holder interface {
	Inventory() (Inventory, error)
}

// PermissionOracle answers loot-limit bypass checks. An empty
// containerName asks for the "any container" bypass.
type PermissionOracle interface {
	HasBypass(ctx context.Context, consumerID, containerName string) (bool, error)
}

// Store persists container state and loot records.
type Store interface {
	// LoadLootRecord returns nil, nil when the consumer has no record.
	LoadLootRecord(ctx context.Context, containerID, consumerID string) (*model.PlayerLootRecord, error)
	SaveLootRecord(ctx context.Context, containerID, consumerID string, rec model.PlayerLootRecord) error
	SaveContainer(ctx context.Context, snap model.ContainerSnapshot) error
}

// Container is one restockable container: its policy, its mutable state
// and the lock that serializes every read-modify-write on that state.
type Container struct {
	mu sync.Mutex

	id       string
	policy   model.RestockPolicy
	holder   Holder
	capacity int

	lastRestock int64
	template    []model.ItemStack
	isolated    map[string]*SlotInventory
	records     map[string]*model.PlayerLootRecord
	// retired containers no longer write to the store.
	retired bool
}

// ContainerOptions seeds a Container.
type ContainerOptions struct {
	ID       string
	Policy   model.RestockPolicy
	Holder   Holder
	Capacity int
	Template []model.ItemStack
	// Restored state, typically from a stored snapshot.
	LastRestock int64
	Isolated    map[string][]model.ItemStack
}

// NewContainer builds a container. The template is padded or truncated
// to Capacity.
func NewContainer(opts ContainerOptions, sizes StackSizer) *Container {
	c := &Container{
		id:          opts.ID,
		policy:      opts.Policy,
		holder:      opts.Holder,
		capacity:    opts.Capacity,
		lastRestock: opts.LastRestock,
		template:    fitTemplate(opts.Template, opts.Capacity),
		isolated:    make(map[string]*SlotInventory, len(opts.Isolated)),
		records:     make(map[string]*model.PlayerLootRecord),
	}
	for consumerID, items := range opts.Isolated {
		inv := NewSlotInventory(opts.Capacity, sizes)
		inv.SetContents(items)
		c.isolated[consumerID] = inv
	}
	return c
}

func fitTemplate(items []model.ItemStack, capacity int) []model.ItemStack {
	if capacity <= 0 {
		return model.CloneItems(items)
	}
	out := make([]model.ItemStack, capacity)
	for i := 0; i < capacity && i < len(items); i++ {
		out[i] = items[i].Clone()
	}
	return out
}

func (c *Container) ID() string { return c.id }

func (c *Container) Policy() model.RestockPolicy { return c.policy }

func (c *Container) Capacity() int { return c.capacity }

// LastRestock returns the shared restock timestamp in milliseconds.
func (c *Container) LastRestock() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRestock
}

// Template returns a copy of the item template.
func (c *Container) Template() []model.ItemStack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.CloneItems(c.template)
}

// Consumers lists the consumers holding an isolated snapshot, sorted.
func (c *Container) Consumers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumersLocked()
}

func (c *Container) consumersLocked() []string {
	ids := make([]string, 0, len(c.isolated))
	for id := range c.isolated {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// snapshotLocked captures the persisted form of the container. The
// physical inventory is included when it is reachable.
func (c *Container) snapshotLocked(now time.Time) model.ContainerSnapshot {
	snap := model.ContainerSnapshot{
		ContainerID: c.id,
		Capacity:    c.capacity,
		Policy:      c.policy,
		LastRestock: c.lastRestock,
		Template:    model.CloneItems(c.template),
		UpdatedAt:   now,
	}
	if c.holder != nil {
		if inv, err := c.holder.Inventory(); err == nil {
			snap.Physical = inv.Contents()
		}
	}
	if len(c.isolated) > 0 {
		snap.Isolated = make(map[string][]model.ItemStack, len(c.isolated))
		for id, inv := range c.isolated {
			snap.Isolated[id] = inv.Contents()
		}
	}
	return snap
}
