package restock

import (
	"context"
	"log"

	"chestrestock-api/internal/model"
)

// SkipReason explains why an access did not restock.
type SkipReason string

const (
	SkipNone      SkipReason = ""
	SkipLootLimit SkipReason = "loot_limit"
	SkipNotDue    SkipReason = "not_due"
)

// Outcome describes what MaybeRestock did.
type Outcome struct {
	Restocked     bool       `json:"restocked"`
	Skip          SkipReason `json:"skip,omitempty"`
	MissedPeriods int64      `json:"missed_periods,omitempty"`
	// LastRestock is the timestamp that governs the next access, in
	// milliseconds: the consumer's under unique inventories, else the
	// container's.
	LastRestock int64 `json:"last_restock"`
	LootCount   int   `json:"loot_count"`
	// Durable is false when the transition happened in memory but the
	// store rejected it.
	Durable bool `json:"durable"`
}

// EngineConfig wires an Engine to its collaborators.
type EngineConfig struct {
	Clock       Clock
	Permissions PermissionOracle
	Store       Store
	Sizes       StackSizer
	// OnInvalid is called when a container's holder reports an invalid
	// location. It runs with the container locked and must not call back
	// into the engine for the same container.
	OnInvalid func(containerID string, err error)
}

// Engine decides when containers restock and applies the refill.
type Engine struct {
	clock     Clock
	perms     PermissionOracle
	store     Store
	sizes     StackSizer
	onInvalid func(containerID string, err error)
}

// NewEngine returns an engine. A nil Clock uses the system clock; a nil
// Store keeps state in memory only.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Sizes == nil {
		cfg.Sizes = model.MaterialCatalog(nil)
	}
	return &Engine{
		clock:     cfg.Clock,
		perms:     cfg.Permissions,
		store:     cfg.Store,
		sizes:     cfg.Sizes,
		onInvalid: cfg.OnInvalid,
	}
}

// ResolveInventory returns the inventory consumerID sees: the physical
// one for shared containers, or the consumer's isolated snapshot, created
// on first access from the physical contents and never resynced.
func (e *Engine) ResolveInventory(c *Container, consumerID string) (Inventory, error) {
	if consumerID == "" {
		return nil, precondition("consumer id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return e.resolveLocked(c, consumerID)
}

func (e *Engine) resolveLocked(c *Container, consumerID string) (Inventory, error) {
	if !c.policy.Unique || consumerID == "" {
		return e.physicalLocked(c)
	}
	if inv, ok := c.isolated[consumerID]; ok {
		return inv, nil
	}
	phys, err := e.physicalLocked(c)
	if err != nil {
		return nil, err
	}
	inv := NewSlotInventory(phys.Capacity(), e.sizes)
	inv.SetContents(phys.Contents())
	c.isolated[consumerID] = inv
	log.Printf("[RestockEngine] Created isolated inventory for %s in %s", consumerID, c.id)
	return inv, nil
}

func (e *Engine) physicalLocked(c *Container) (Inventory, error) {
	var (
		inv Inventory
		err error
	)
	if c.holder == nil {
		err = ErrInvalidLocation
	} else {
		inv, err = c.holder.Inventory()
	}
	if err == nil && inv == nil {
		err = ErrInvalidLocation
	}
	if err != nil {
		err = invalidLocation(err, c.id)
		if e.onInvalid != nil {
			e.onInvalid(c.id, err)
		}
		return nil, err
	}
	return inv, nil
}

func (e *Engine) lootRecordLocked(ctx context.Context, c *Container, consumerID string) (*model.PlayerLootRecord, error) {
	if rec, ok := c.records[consumerID]; ok {
		return rec, nil
	}
	rec := &model.PlayerLootRecord{}
	if e.store != nil {
		stored, err := e.store.LoadLootRecord(ctx, c.id, consumerID)
		if err != nil {
			return nil, persistenceFailure(err, "load loot record %s/%s", c.id, consumerID)
		}
		if stored != nil {
			*rec = *stored
		}
	}
	c.records[consumerID] = rec
	return rec, nil
}

// LootRecord returns a copy of the consumer's record, zero if none exists.
func (e *Engine) LootRecord(ctx context.Context, c *Container, consumerID string) (model.PlayerLootRecord, error) {
	if consumerID == "" {
		return model.PlayerLootRecord{}, precondition("consumer id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, err := e.lootRecordLocked(ctx, c, consumerID)
	if err != nil {
		return model.PlayerLootRecord{}, err
	}
	return *rec, nil
}

// MaybeRestock resolves the consumer's inventory and refills it when the
// loot limit and the restock period allow. The inventory is returned in
// every non-error case, refilled or not.
func (e *Engine) MaybeRestock(ctx context.Context, c *Container, consumerID string) (Inventory, Outcome, error) {
	if consumerID == "" {
		return nil, Outcome{}, precondition("consumer id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return e.maybeRestockLocked(ctx, c, consumerID)
}

// Open is MaybeRestock followed by a copy of the resulting contents, taken
// before the container is unlocked.
func (e *Engine) Open(ctx context.Context, c *Container, consumerID string) ([]model.ItemStack, Outcome, error) {
	if consumerID == "" {
		return nil, Outcome{}, precondition("consumer id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	inv, out, err := e.maybeRestockLocked(ctx, c, consumerID)
	if inv == nil {
		return nil, out, err
	}
	return inv.Contents(), out, err
}

// View returns a copy of what consumerID sees without restocking. An
// empty consumerID views the physical inventory.
func (e *Engine) View(c *Container, consumerID string) ([]model.ItemStack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inv, err := e.resolveLocked(c, consumerID)
	if err != nil {
		return nil, err
	}
	return inv.Contents(), nil
}

func (e *Engine) maybeRestockLocked(ctx context.Context, c *Container, consumerID string) (Inventory, Outcome, error) {
	inv, err := e.resolveLocked(c, consumerID)
	if err != nil {
		return nil, Outcome{}, err
	}
	rec, err := e.lootRecordLocked(ctx, c, consumerID)
	if err != nil {
		return nil, Outcome{}, err
	}

	policy := c.policy
	last := c.lastRestock
	if policy.Unique {
		last = rec.LastRestockTime
	}
	out := Outcome{LastRestock: last, LootCount: rec.LootCount, Durable: true}

	if !e.mayLoot(ctx, policy, consumerID, rec) {
		out.Skip = SkipLootLimit
		return inv, out, nil
	}

	now := e.clock.Now().UnixMilli()
	period := policy.PeriodMillis()
	if now-last < period {
		out.Skip = SkipNotDue
		return inv, out, nil
	}

	missed := MissedPeriods(now, last, period)
	next := now
	if policy.PeriodMode != model.PeriodModePlayer {
		next = last + missed*period
	}
	if policy.Unique {
		rec.LastRestockTime = next
	} else {
		c.lastRestock = next
	}

	if policy.RestockMode == model.RestockModeReplace {
		inv.Clear()
	}
	Refill(c.template, inv, e.sizes, policy.PreserveSlots)
	rec.LootCount++

	out.Restocked = true
	out.MissedPeriods = missed
	out.LastRestock = next
	out.LootCount = rec.LootCount

	if err := e.persistLocked(ctx, c, consumerID, rec); err != nil {
		out.Durable = false
		log.Printf("[RestockEngine] Restocked %s for %s without persisting: %v", c.id, consumerID, err)
		return inv, out, err
	}
	return inv, out, nil
}

// mayLoot is the loot-limit gate. The permission oracle is only asked
// once the consumer has reached the limit.
func (e *Engine) mayLoot(ctx context.Context, policy model.RestockPolicy, consumerID string, rec *model.PlayerLootRecord) bool {
	if policy.Unlimited() || rec.LootCount < policy.PlayerLimit {
		return true
	}
	if e.perms == nil {
		return false
	}
	ok, err := e.perms.HasBypass(ctx, consumerID, policy.Name)
	if err != nil {
		log.Printf("[RestockEngine] Bypass lookup for %s failed, denying: %v", consumerID, err)
		return false
	}
	return ok
}

// MissedPeriods returns how many whole periods fit in now-last, at least
// one. Elapsed time is divided by the period; a zero period counts as one.
func MissedPeriods(now, last, period int64) int64 {
	if period <= 0 {
		return 1
	}
	n := (now - last) / period
	if n < 1 {
		return 1
	}
	return n
}

// RestockAll refills the physical inventory and every isolated snapshot
// unconditionally. Timestamps and loot counts are left alone.
func (e *Engine) RestockAll(ctx context.Context, c *Container) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys, err := e.physicalLocked(c)
	if err != nil {
		return err
	}
	Refill(c.template, phys, e.sizes, c.policy.PreserveSlots)
	for _, id := range c.consumersLocked() {
		Refill(c.template, c.isolated[id], e.sizes, c.policy.PreserveSlots)
	}
	log.Printf("[RestockEngine] Restocked %s and %d isolated inventories", c.id, len(c.isolated))
	return e.saveContainerLocked(ctx, c)
}

// CaptureTemplate replaces the template with the current contents of the
// consumer's view. An empty consumerID captures the physical inventory.
func (e *Engine) CaptureTemplate(ctx context.Context, c *Container, consumerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	inv, err := e.resolveLocked(c, consumerID)
	if err != nil {
		return err
	}
	c.template = fitTemplate(inv.Contents(), c.capacity)
	return e.saveContainerLocked(ctx, c)
}

// Take removes up to amount items from slot of the consumer's view and
// returns what was removed. A non-positive amount takes the whole stack.
func (e *Engine) Take(ctx context.Context, c *Container, consumerID string, slot, amount int) (model.ItemStack, error) {
	if consumerID == "" {
		return model.ItemStack{}, precondition("consumer id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	inv, err := e.resolveLocked(c, consumerID)
	if err != nil {
		return model.ItemStack{}, err
	}
	if slot < 0 || slot >= inv.Capacity() {
		return model.ItemStack{}, precondition("slot out of range")
	}
	have := inv.Item(slot)
	if have.IsEmpty() {
		return model.ItemStack{}, nil
	}
	if amount <= 0 || amount > have.Amount {
		amount = have.Amount
	}
	taken := have.WithAmount(amount)
	if amount == have.Amount {
		inv.SetItem(slot, model.ItemStack{})
	} else {
		inv.SetItem(slot, have.WithAmount(have.Amount-amount))
	}
	return taken, e.saveContainerLocked(ctx, c)
}

// Retire stops c from writing to the store. It waits for any operation
// in progress on c, so once it returns stored state can be deleted
// without being written back.
func (e *Engine) Retire(c *Container) {
	c.mu.Lock()
	c.retired = true
	c.mu.Unlock()
}

func (e *Engine) persistLocked(ctx context.Context, c *Container, consumerID string, rec *model.PlayerLootRecord) error {
	if e.store == nil || c.retired {
		return nil
	}
	if err := e.store.SaveLootRecord(ctx, c.id, consumerID, *rec); err != nil {
		return persistenceFailure(err, "save loot record %s/%s", c.id, consumerID)
	}
	return e.saveContainerLocked(ctx, c)
}

func (e *Engine) saveContainerLocked(ctx context.Context, c *Container) error {
	if e.store == nil || c.retired {
		return nil
	}
	if err := e.store.SaveContainer(ctx, c.snapshotLocked(e.clock.Now())); err != nil {
		return persistenceFailure(err, "save container %s", c.id)
	}
	return nil
}
