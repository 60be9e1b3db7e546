package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chestrestock-api/internal/model"
)

func newSQLite(t *testing.T) *SQLiteRestockRepository {
	t.Helper()
	repo, err := NewSQLiteRestockRepository(filepath.Join(t.TempDir(), "restock.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleSnapshot(id string) model.ContainerSnapshot {
	return model.ContainerSnapshot{
		ContainerID: id,
		Capacity:    3,
		Policy: model.RestockPolicy{
			Name:          "spawn",
			PeriodSeconds: 60,
			PeriodMode:    model.PeriodModeGlobal,
			RestockMode:   model.RestockModeMerge,
			Unique:        true,
			PlayerLimit:   2,
		},
		LastRestock: 1_700_000_000_000,
		Template: []model.ItemStack{
			{Material: "BREAD", Amount: 5},
			{},
			{Material: "DIAMOND_SWORD", Amount: 1, Enchantments: map[string]int{"SHARPNESS": 3}},
		},
		Isolated: map[string][]model.ItemStack{
			"alice": {{Material: "BREAD", Amount: 2}, {}, {}},
		},
		UpdatedAt: time.UnixMilli(1_700_000_123_000),
	}
}

func TestSQLiteLootRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newSQLite(t)

	rec, err := repo.LoadLootRecord(ctx, "chest-1", "alice")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, repo.SaveLootRecord(ctx, "chest-1", "alice", model.PlayerLootRecord{LastRestockTime: 10, LootCount: 1}))
	require.NoError(t, repo.SaveLootRecord(ctx, "chest-1", "alice", model.PlayerLootRecord{LastRestockTime: 20, LootCount: 2}))

	rec, err = repo.LoadLootRecord(ctx, "chest-1", "alice")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.PlayerLootRecord{LastRestockTime: 20, LootCount: 2}, *rec)

	other, err := repo.LoadLootRecord(ctx, "chest-2", "alice")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestSQLiteContainerRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newSQLite(t)

	missing, err := repo.LoadContainer(ctx, "chest-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	want := sampleSnapshot("chest-1")
	require.NoError(t, repo.SaveContainer(ctx, want))

	got, err := repo.LoadContainer(ctx, "chest-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	want.LastRestock += 60_000
	require.NoError(t, repo.SaveContainer(ctx, want))
	got, err = repo.LoadContainer(ctx, "chest-1")
	require.NoError(t, err)
	assert.Equal(t, want.LastRestock, got.LastRestock)
}

func TestSQLiteBatchSaveAndDelete(t *testing.T) {
	ctx := context.Background()
	repo := newSQLite(t)

	err := repo.BatchSave(ctx,
		[]model.ContainerSnapshot{sampleSnapshot("a"), sampleSnapshot("b")},
		[]model.LootEntry{
			{ContainerID: "a", ConsumerID: "alice", Record: model.PlayerLootRecord{LastRestockTime: 1, LootCount: 1}},
			{ContainerID: "b", ConsumerID: "bob", Record: model.PlayerLootRecord{LastRestockTime: 2, LootCount: 3}},
		})
	require.NoError(t, err)
	require.NoError(t, repo.BatchSave(ctx, nil, nil))

	stats, err := repo.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["total_containers"])
	assert.Equal(t, int64(2), stats["total_loot_records"])

	require.NoError(t, repo.DeleteContainer(ctx, "a"))

	snap, err := repo.LoadContainer(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, snap)
	rec, err := repo.LoadLootRecord(ctx, "a", "alice")
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = repo.LoadLootRecord(ctx, "b", "bob")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 3, rec.LootCount)
}

func TestStateCodecCompresses(t *testing.T) {
	snap := sampleSnapshot("chest-1")
	for i := 0; i < 50; i++ {
		snap.Template = append(snap.Template, model.ItemStack{Material: "BREAD", Amount: 64})
	}

	data, err := encodeState(snap)
	require.NoError(t, err)

	var got model.ContainerSnapshot
	require.NoError(t, decodeState(data, &got))
	if diff := cmp.Diff(snap.Template, got.Template); diff != "" {
		t.Errorf("template mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, snap.Policy, got.Policy)

	assert.Error(t, decodeState([]byte("not zstd"), &got))
}
