package model

import (
	"maps"
	"strings"
)

// MaterialAir is the material name the host uses for an empty slot.
const MaterialAir = "AIR"

// DefaultMaxStack is the stack limit for materials missing from a catalog.
const DefaultMaxStack = 64

// ItemStack is a single slot's worth of items.
// The zero value is an empty slot.
type ItemStack struct {
	Material     string         `json:"material,omitempty" yaml:"material" bson:"material,omitempty"`
	Durability   int            `json:"durability,omitempty" yaml:"durability" bson:"durability,omitempty"`
	Amount       int            `json:"amount,omitempty" yaml:"amount" bson:"amount,omitempty"`
	Enchantments map[string]int `json:"enchantments,omitempty" yaml:"enchantments" bson:"enchantments,omitempty"`
}

// IsEmpty reports whether the stack represents "no item".
func (s ItemStack) IsEmpty() bool {
	return s.Material == "" || strings.EqualFold(s.Material, MaterialAir) || s.Amount <= 0
}

// Similar reports whether two stacks can merge: same material, durability
// and enchantment set. Amounts are ignored.
func (s ItemStack) Similar(o ItemStack) bool {
	if s.Material != o.Material || s.Durability != o.Durability {
		return false
	}
	if len(s.Enchantments) == 0 && len(o.Enchantments) == 0 {
		return true
	}
	return maps.Equal(s.Enchantments, o.Enchantments)
}

// Clone returns a deep copy so the enchantment map is not shared.
func (s ItemStack) Clone() ItemStack {
	if s.IsEmpty() {
		return ItemStack{}
	}
	out := s
	if s.Enchantments != nil {
		out.Enchantments = maps.Clone(s.Enchantments)
	}
	return out
}

// WithAmount returns a copy of s holding n items.
func (s ItemStack) WithAmount(n int) ItemStack {
	out := s.Clone()
	out.Amount = n
	return out
}

// CloneItems deep-copies a slot slice, normalizing empties to the zero value.
func CloneItems(items []ItemStack) []ItemStack {
	if items == nil {
		return nil
	}
	out := make([]ItemStack, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

// MaterialCatalog maps a material name to its maximum stack size.
type MaterialCatalog map[string]int

// MaxStackSize returns the per-stack limit for material.
func (c MaterialCatalog) MaxStackSize(material string) int {
	if n, ok := c[material]; ok && n > 0 {
		return n
	}
	return DefaultMaxStack
}
