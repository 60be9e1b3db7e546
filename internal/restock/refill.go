package restock

import (
	"log"

	"chestrestock-api/internal/model"
)

// Refill writes template into inv.
//
// With preserveSlots, slot i receives template[i]: an exactly matching
// existing stack gains the template amount up to its max stack size, and
// anything else is overwritten (an empty template slot clears the slot).
// Without it, every non-empty template item is stacking-added and items
// that do not fit are dropped.
// The returned count is the number of dropped items.
func Refill(template []model.ItemStack, inv Inventory, sizes StackSizer, preserveSlots bool) int {
	if preserveSlots {
		if sizes == nil {
			sizes = model.MaterialCatalog(nil)
		}
		n := min(len(template), inv.Capacity())
		for i := 0; i < n; i++ {
			want := template[i]
			have := inv.Item(i)
			if !have.IsEmpty() && !want.IsEmpty() && have.Similar(want) {
				amount := have.Amount + want.Amount
				if max := sizes.MaxStackSize(have.Material); amount > max {
					amount = max
				}
				inv.SetItem(i, want.WithAmount(amount))
				continue
			}
			inv.SetItem(i, want)
		}
		return 0
	}

	dropped := 0
	for _, item := range template {
		if item.IsEmpty() {
			continue
		}
		if left := inv.AddItem(item.Clone()); !left.IsEmpty() {
			dropped += left.Amount
		}
	}
	if dropped > 0 {
		log.Printf("[Restock] Dropped %d items that did not fit", dropped)
	}
	return dropped
}
