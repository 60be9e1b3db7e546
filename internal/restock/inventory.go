package restock

import (
	"chestrestock-api/internal/model"
)

// Inventory is the capability set the engine needs from a container's
// contents. Physical inventories belong to the host; the engine never
// destroys them.
type Inventory interface {
	Capacity() int
	Contents() []model.ItemStack
	Item(slot int) model.ItemStack
	SetItem(slot int, item model.ItemStack)
	Clear()
	// AddItem stacks item into the inventory and returns what did not fit.
	AddItem(item model.ItemStack) model.ItemStack
}

// StackSizer reports the per-stack limit of a material.
type StackSizer interface {
	MaxStackSize(material string) int
}

// SlotInventory is a fixed-capacity slot array. It is not safe for
// concurrent use; callers hold the owning container's lock.
type SlotInventory struct {
	slots []model.ItemStack
	sizes StackSizer
}

// NewSlotInventory returns an empty inventory with capacity slots.
// A nil sizer falls back to model.DefaultMaxStack for every material.
func NewSlotInventory(capacity int, sizes StackSizer) *SlotInventory {
	if capacity < 0 {
		capacity = 0
	}
	if sizes == nil {
		sizes = model.MaterialCatalog(nil)
	}
	return &SlotInventory{
		slots: make([]model.ItemStack, capacity),
		sizes: sizes,
	}
}

func (inv *SlotInventory) Capacity() int {
	return len(inv.slots)
}

// Contents returns a deep copy of every slot.
func (inv *SlotInventory) Contents() []model.ItemStack {
	return model.CloneItems(inv.slots)
}

// SetContents overwrites slots from items. Extra items are ignored and
// missing ones leave slots empty.
func (inv *SlotInventory) SetContents(items []model.ItemStack) {
	for i := range inv.slots {
		if i < len(items) {
			inv.slots[i] = items[i].Clone()
		} else {
			inv.slots[i] = model.ItemStack{}
		}
	}
}

func (inv *SlotInventory) Item(slot int) model.ItemStack {
	if slot < 0 || slot >= len(inv.slots) {
		return model.ItemStack{}
	}
	return inv.slots[slot].Clone()
}

func (inv *SlotInventory) SetItem(slot int, item model.ItemStack) {
	if slot < 0 || slot >= len(inv.slots) {
		return
	}
	inv.slots[slot] = item.Clone()
}

func (inv *SlotInventory) Clear() {
	for i := range inv.slots {
		inv.slots[i] = model.ItemStack{}
	}
}

// AddItem fills partial stacks of similar items first, then empty slots,
// never exceeding the material's max stack per slot.
func (inv *SlotInventory) AddItem(item model.ItemStack) model.ItemStack {
	if item.IsEmpty() {
		return model.ItemStack{}
	}
	max := inv.sizes.MaxStackSize(item.Material)
	remaining := item.Amount

	for i := range inv.slots {
		if remaining == 0 {
			break
		}
		cur := inv.slots[i]
		if cur.IsEmpty() || !cur.Similar(item) || cur.Amount >= max {
			continue
		}
		n := min(max-cur.Amount, remaining)
		inv.slots[i].Amount += n
		remaining -= n
	}

	for i := range inv.slots {
		if remaining == 0 {
			break
		}
		if !inv.slots[i].IsEmpty() {
			continue
		}
		n := min(max, remaining)
		inv.slots[i] = item.WithAmount(n)
		remaining -= n
	}

	if remaining == 0 {
		return model.ItemStack{}
	}
	return item.WithAmount(remaining)
}

var _ Inventory = (*SlotInventory)(nil)
