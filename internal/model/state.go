package model

import "time"

// PlayerLootRecord is the per (container, consumer) restock bookkeeping.
type PlayerLootRecord struct {
	// LastRestockTime is milliseconds since the epoch. Only consulted when
	// the container hands out unique inventories.
	LastRestockTime int64 `json:"last_restock_time" bson:"last_restock_time"`
	LootCount       int   `json:"loot_count" bson:"loot_count"`
}

// ContainerSnapshot is the persisted form of a container's mutable state.
type ContainerSnapshot struct {
	ContainerID string        `json:"container_id"`
	Capacity    int           `json:"capacity"`
	Policy      RestockPolicy `json:"policy"`
	// LastRestock is milliseconds since the epoch.
	LastRestock int64       `json:"last_restock"`
	Template    []ItemStack `json:"template"`
	// Physical mirrors the hosted physical inventory when the host lets
	// the service own it.
	Physical []ItemStack `json:"physical,omitempty"`
	// Isolated holds each consumer's snapshot, keyed by consumer id.
	Isolated  map[string][]ItemStack `json:"isolated,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// BufferedKind tags a pending write in the write-behind buffer.
type BufferedKind string

const (
	BufferedContainer BufferedKind = "container"
	BufferedLoot      BufferedKind = "loot"
)

// BufferedWrite is a pending persistence write held by the buffer.
type BufferedWrite struct {
	Kind        BufferedKind       `json:"kind"`
	ContainerID string             `json:"container_id"`
	ConsumerID  string             `json:"consumer_id,omitempty"`
	Container   *ContainerSnapshot `json:"container,omitempty"`
	Loot        *PlayerLootRecord  `json:"loot,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// LootEntry is a loot record addressed by its keys, used for batch writes.
type LootEntry struct {
	ContainerID string
	ConsumerID  string
	Record      PlayerLootRecord
}
