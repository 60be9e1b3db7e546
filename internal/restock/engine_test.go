package restock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chestrestock-api/internal/model"
)

func sharedPolicy(periodSeconds int64) model.RestockPolicy {
	p := model.DefaultPolicy()
	p.PeriodSeconds = periodSeconds
	p.PreserveSlots = true
	return p
}

func TestMaybeRestockSecondCallWithinPeriodIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(sharedPolicy(60), []model.ItemStack{stack("BREAD", 5), {}})

	inv, out, err := f.engine.MaybeRestock(ctx, f.c, "alice")
	require.NoError(t, err)
	require.True(t, out.Restocked)
	first := inv.Contents()

	inv, out, err = f.engine.MaybeRestock(ctx, f.c, "alice")
	require.NoError(t, err)
	assert.False(t, out.Restocked)
	assert.Equal(t, SkipNotDue, out.Skip)
	assert.Equal(t, 1, out.LootCount)
	if diff := cmp.Diff(first, inv.Contents()); diff != "" {
		t.Fatalf("second access changed contents (-want +got):\n%s", diff)
	}
}

func TestLootLimitEnforced(t *testing.T) {
	ctx := context.Background()
	policy := sharedPolicy(10)
	policy.PlayerLimit = 2
	f := newFixture(policy, []model.ItemStack{stack("BREAD", 1)})

	for i := 0; i < 2; i++ {
		_, out, err := f.engine.MaybeRestock(ctx, f.c, "alice")
		require.NoError(t, err)
		require.True(t, out.Restocked, "refill %d", i+1)
		f.clock.Advance(10 * time.Second)
	}
	before := f.phys.inv.Contents()
	lastBefore := f.c.LastRestock()

	inv, out, err := f.engine.MaybeRestock(ctx, f.c, "alice")
	require.NoError(t, err)
	assert.False(t, out.Restocked)
	assert.Equal(t, SkipLootLimit, out.Skip)
	assert.Equal(t, 2, out.LootCount)
	assert.Equal(t, before, inv.Contents())
	assert.Equal(t, lastBefore, f.c.LastRestock(), "gate failure must not move the timestamp")

	rec, err := f.engine.LootRecord(ctx, f.c, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.LootCount)

	// the cap is per consumer
	_, out, err = f.engine.MaybeRestock(ctx, f.c, "bob")
	require.NoError(t, err)
	assert.True(t, out.Restocked)
}

func TestLootLimitBypass(t *testing.T) {
	ctx := context.Background()

	t.Run("named container", func(t *testing.T) {
		policy := sharedPolicy(0)
		policy.Name = "spawn"
		policy.PlayerLimit = 0
		f := newFixture(policy, []model.ItemStack{stack("BREAD", 1)})
		f.engine.perms = staticOracle{"alice@spawn": true}

		_, out, err := f.engine.MaybeRestock(ctx, f.c, "alice")
		require.NoError(t, err)
		assert.True(t, out.Restocked)

		_, out, err = f.engine.MaybeRestock(ctx, f.c, "bob")
		require.NoError(t, err)
		assert.Equal(t, SkipLootLimit, out.Skip)
	})

	t.Run("unnamed container asks for any", func(t *testing.T) {
		policy := sharedPolicy(0)
		policy.PlayerLimit = 0
		f := newFixture(policy, []model.ItemStack{stack("BREAD", 1)})
		f.engine.perms = staticOracle{"alice@": true}

		_, out, err := f.engine.MaybeRestock(ctx, f.c, "alice")
		require.NoError(t, err)
		assert.True(t, out.Restocked)
	})

	t.Run("oracle error denies", func(t *testing.T) {
		policy := sharedPolicy(0)
		policy.PlayerLimit = 0
		f := newFixture(policy, []model.ItemStack{stack("BREAD", 1)})
		f.engine.perms = errOracle{}

		_, out, err := f.engine.MaybeRestock(ctx, f.c, "alice")
		require.NoError(t, err)
		assert.Equal(t, SkipLootLimit, out.Skip)
	})
}

func TestUnlimitedLootIgnoresCount(t *testing.T) {
	ctx := context.Background()
	policy := sharedPolicy(1)
	policy.PlayerLimit = -1
	f := newFixture(policy, []model.ItemStack{stack("BREAD", 1)})
	f.store.loot["chest-1/alice"] = model.PlayerLootRecord{LootCount: 1_000_000}

	for i := 0; i < 5; i++ {
		_, out, err := f.engine.MaybeRestock(ctx, f.c, "alice")
		require.NoError(t, err)
		require.True(t, out.Restocked)
		f.clock.Advance(time.Second)
	}
	rec, err := f.engine.LootRecord(ctx, f.c, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1_000_005, rec.LootCount)
}

func TestUniqueInventoriesAreIsolated(t *testing.T) {
	ctx := context.Background()
	policy := sharedPolicy(3600)
	policy.Unique = true
	f := newFixture(policy, []model.ItemStack{stack("BREAD", 8), stack("ENDER_PEARL", 4)})
	f.phys.inv.SetItem(1, stack("ENDER_PEARL", 2))

	a, out, err := f.engine.MaybeRestock(ctx, f.c, "alice")
	require.NoError(t, err)
	require.True(t, out.Restocked)
	b, out, err := f.engine.MaybeRestock(ctx, f.c, "bob")
	require.NoError(t, err)
	require.True(t, out.Restocked)

	// both were seeded from the physical pearls then merged
	assert.Equal(t, stack("ENDER_PEARL", 6), a.Item(1))
	assert.Equal(t, stack("ENDER_PEARL", 6), b.Item(1))

	a.SetItem(0, model.ItemStack{})
	a.SetItem(1, stack("ENDER_PEARL", 1))

	assert.Equal(t, stack("BREAD", 8), b.Item(0))
	assert.Equal(t, stack("ENDER_PEARL", 6), b.Item(1))
	assert.Equal(t, []model.ItemStack{{}, stack("ENDER_PEARL", 2)}, f.phys.inv.Contents())

	again, err := f.engine.ResolveInventory(f.c, "alice")
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.Equal(t, []string{"alice", "bob"}, f.c.Consumers())

	// the shared timestamp is untouched under unique inventories
	assert.Zero(t, f.c.LastRestock())
}

func TestIsolatedSnapshotSeedsOnceFromPhysical(t *testing.T) {
	policy := sharedPolicy(0)
	policy.Unique = true
	f := newFixture(policy, []model.ItemStack{{}, {}})
	f.phys.inv.SetItem(0, stack("BREAD", 3))

	inv, err := f.engine.ResolveInventory(f.c, "alice")
	require.NoError(t, err)
	f.phys.inv.SetItem(0, stack("BREAD", 40))

	inv, err = f.engine.ResolveInventory(f.c, "alice")
	require.NoError(t, err)
	assert.Equal(t, stack("BREAD", 3), inv.Item(0))
}

func TestReplaceModeClearsBeforeRefill(t *testing.T) {
	ctx := context.Background()
	for _, preserve := range []bool{true, false} {
		policy := sharedPolicy(0)
		policy.RestockMode = model.RestockModeReplace
		policy.PreserveSlots = preserve
		f := newFixture(policy, []model.ItemStack{stack("BREAD", 2), {}, {}})
		f.phys.inv.SetItem(0, stack("BREAD", 30))
		f.phys.inv.SetItem(2, stack("DIAMOND_SWORD", 1))

		inv, out, err := f.engine.MaybeRestock(ctx, f.c, "alice")
		require.NoError(t, err)
		require.True(t, out.Restocked)
		want := []model.ItemStack{stack("BREAD", 2), {}, {}}
		if diff := cmp.Diff(want, inv.Contents()); diff != "" {
			t.Fatalf("preserveSlots=%v (-want +got):\n%s", preserve, diff)
		}
	}
}

func TestGlobalPeriodModeKeepsPhase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(sharedPolicy(60), []model.ItemStack{stack("BREAD", 1)})
	T := baseTime.UnixMilli()
	f.c.lastRestock = T
	f.clock.Set(baseTime.Add(185 * time.Second))

	_, out, err := f.engine.MaybeRestock(ctx, f.c, "alice")
	require.NoError(t, err)
	require.True(t, out.Restocked)
	assert.Equal(t, int64(3), out.MissedPeriods)
	assert.Equal(t, T+180_000, f.c.LastRestock())
	assert.Equal(t, T+180_000, f.store.containers["chest-1"].LastRestock)
}

func TestGlobalPeriodModeUniqueUsesConsumerClock(t *testing.T) {
	ctx := context.Background()
	policy := sharedPolicy(60)
	policy.Unique = true
	f := newFixture(policy, []model.ItemStack{stack("BREAD", 1)})
	T := baseTime.UnixMilli()
	f.store.loot["chest-1/alice"] = model.PlayerLootRecord{LastRestockTime: T}
	f.clock.Set(baseTime.Add(125 * time.Second))

	_, out, err := f.engine.MaybeRestock(ctx, f.c, "alice")
	require.NoError(t, err)
	require.True(t, out.Restocked)
	assert.Equal(t, T+120_000, f.store.loot["chest-1/alice"].LastRestockTime)
	assert.Zero(t, f.c.LastRestock())
}

func TestPlayerPeriodModeSnapsToNow(t *testing.T) {
	ctx := context.Background()
	policy := sharedPolicy(60)
	policy.PeriodMode = model.PeriodModePlayer
	f := newFixture(policy, []model.ItemStack{stack("BREAD", 1)})
	T := baseTime.UnixMilli()
	f.c.lastRestock = T
	f.clock.Set(baseTime.Add(185 * time.Second))

	_, out, err := f.engine.MaybeRestock(ctx, f.c, "alice")
	require.NoError(t, err)
	require.True(t, out.Restocked)
	assert.Equal(t, T+185_000, f.c.LastRestock())
}

// The elapsed time is divided by the period. Reading the formula as
// now - (last / period) would be a different, much larger number; this
// pins the chosen semantics.
func TestMissedPeriodsDividesElapsedTime(t *testing.T) {
	now, last, period := int64(1_000_185_000), int64(1_000_000_000), int64(60_000)

	assert.Equal(t, int64(3), MissedPeriods(now, last, period))
	literal := now - last/period
	assert.NotEqual(t, literal, MissedPeriods(now, last, period))

	assert.Equal(t, int64(1), MissedPeriods(now, now, period), "at least one period")
	assert.Equal(t, int64(1), MissedPeriods(now, last, 0), "zero period")
}

func TestMaxPeriodStillGates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(sharedPolicy(model.MaxPeriodSeconds), []model.ItemStack{stack("BREAD", 1)})

	for i := 0; i < 3; i++ {
		_, out, err := f.engine.MaybeRestock(ctx, f.c, "alice")
		require.NoError(t, err)
		assert.Equal(t, SkipNotDue, out.Skip, "access %d", i)
		f.clock.Advance(24 * time.Hour)
	}
}

// The catalog caps A at 5 and B at 1, so the second merge saturates and
// leaves the contents unchanged. TestEndToEndDefaultStacksAccumulate
// covers the same template under 64-stacks.
func TestEndToEndSharedContainer(t *testing.T) {
	ctx := context.Background()
	catalog := model.MaterialCatalog{"item_a": 5, "item_b": 1}
	template := []model.ItemStack{stack("item_a", 5), {}, stack("item_b", 1)}

	clock := NewManualClock(time.UnixMilli(0))
	phys := &physical{inv: NewSlotInventory(3, catalog), valid: true}
	engine := NewEngine(EngineConfig{Clock: clock, Sizes: catalog})
	policy := sharedPolicy(0)
	c := NewContainer(ContainerOptions{ID: "e2e", Policy: policy, Holder: phys, Capacity: 3, Template: template}, catalog)

	inv, out, err := engine.MaybeRestock(ctx, c, "alice")
	require.NoError(t, err)
	require.True(t, out.Restocked)
	if diff := cmp.Diff(template, inv.Contents()); diff != "" {
		t.Fatalf("first access (-want +got):\n%s", diff)
	}

	inv, out, err = engine.MaybeRestock(ctx, c, "alice")
	require.NoError(t, err)
	assert.True(t, out.Restocked, "a zero period is always due")
	if diff := cmp.Diff(template, inv.Contents()); diff != "" {
		t.Fatalf("second access duplicated items (-want +got):\n%s", diff)
	}
}

func TestEndToEndDefaultStacksAccumulate(t *testing.T) {
	ctx := context.Background()
	template := []model.ItemStack{stack("item_a", 5), {}, stack("item_b", 1)}
	catalog := model.MaterialCatalog(nil)

	engine := NewEngine(EngineConfig{Clock: NewManualClock(time.UnixMilli(0)), Sizes: catalog})
	phys := &physical{inv: NewSlotInventory(3, catalog), valid: true}
	c := NewContainer(ContainerOptions{ID: "e2e", Policy: sharedPolicy(0), Holder: phys, Capacity: 3, Template: template}, catalog)

	for i := 0; i < 2; i++ {
		_, out, err := engine.MaybeRestock(ctx, c, "alice")
		require.NoError(t, err)
		require.True(t, out.Restocked)
	}
	want := []model.ItemStack{stack("item_a", 10), {}, stack("item_b", 2)}
	if diff := cmp.Diff(want, phys.inv.Contents()); diff != "" {
		t.Fatalf("merged contents (-want +got):\n%s", diff)
	}
}

func TestRestockAllIgnoresGates(t *testing.T) {
	ctx := context.Background()
	policy := sharedPolicy(3600)
	policy.Unique = true
	policy.PlayerLimit = 1
	f := newFixture(policy, []model.ItemStack{stack("BREAD", 4)})

	for _, id := range []string{"alice", "bob"} {
		_, out, err := f.engine.MaybeRestock(ctx, f.c, id)
		require.NoError(t, err)
		require.True(t, out.Restocked)
	}
	recBefore := f.store.loot["chest-1/alice"]

	require.NoError(t, f.engine.RestockAll(ctx, f.c))

	assert.Equal(t, stack("BREAD", 4), f.phys.inv.Item(0))
	for _, id := range []string{"alice", "bob"} {
		inv, err := f.engine.ResolveInventory(f.c, id)
		require.NoError(t, err)
		assert.Equal(t, stack("BREAD", 8), inv.Item(0), id)
	}
	assert.Equal(t, recBefore, f.store.loot["chest-1/alice"])
	snap := f.store.containers["chest-1"]
	assert.Len(t, snap.Isolated, 2)
	assert.Equal(t, []model.ItemStack{stack("BREAD", 4)}, snap.Physical)
}

func TestRestockAllWhileConsumersArrive(t *testing.T) {
	ctx := context.Background()
	policy := sharedPolicy(0)
	policy.Unique = true
	f := newFixture(policy, []model.ItemStack{stack("BREAD", 1)})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _, err := f.engine.MaybeRestock(ctx, f.c, string(rune('a'+i)))
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.engine.RestockAll(ctx, f.c))
		}()
	}
	wg.Wait()
	assert.Len(t, f.c.Consumers(), 20)
}

func TestConcurrentAccessRestocksOncePerPeriod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(sharedPolicy(3600), []model.ItemStack{stack("BREAD", 1)})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		restocked int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, out, err := f.engine.MaybeRestock(ctx, f.c, string(rune('A'+i)))
			assert.NoError(t, err)
			if out.Restocked {
				mu.Lock()
				restocked++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, restocked)
	assert.Equal(t, stack("BREAD", 1), f.phys.inv.Item(0))
}

func TestCaptureTemplate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(sharedPolicy(0), []model.ItemStack{{}, {}, {}})
	f.phys.inv.SetItem(1, stack("DIAMOND_SWORD", 1))

	require.NoError(t, f.engine.CaptureTemplate(ctx, f.c, ""))

	assert.Equal(t, []model.ItemStack{{}, stack("DIAMOND_SWORD", 1), {}}, f.c.Template())
	assert.Equal(t, f.c.Template(), f.store.containers["chest-1"].Template)
}

func TestTakeFromIsolatedInventory(t *testing.T) {
	ctx := context.Background()
	policy := sharedPolicy(0)
	policy.Unique = true
	f := newFixture(policy, []model.ItemStack{stack("BREAD", 10)})
	_, _, err := f.engine.MaybeRestock(ctx, f.c, "alice")
	require.NoError(t, err)

	got, err := f.engine.Take(ctx, f.c, "alice", 0, 4)
	require.NoError(t, err)
	assert.Equal(t, stack("BREAD", 4), got)

	inv, err := f.engine.ResolveInventory(f.c, "alice")
	require.NoError(t, err)
	assert.Equal(t, stack("BREAD", 6), inv.Item(0))
	assert.True(t, f.phys.inv.Item(0).IsEmpty())

	got, err = f.engine.Take(ctx, f.c, "alice", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, stack("BREAD", 6), got)

	_, err = f.engine.Take(ctx, f.c, "alice", 5, 1)
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestInvalidLocationTriggersHook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(sharedPolicy(0), []model.ItemStack{stack("BREAD", 1)})
	var invalidated []string
	f.engine.onInvalid = func(id string, err error) {
		invalidated = append(invalidated, id)
		assert.ErrorIs(t, err, ErrInvalidLocation)
	}
	f.phys.valid = false

	_, _, err := f.engine.MaybeRestock(ctx, f.c, "alice")
	require.ErrorIs(t, err, ErrInvalidLocation)
	require.ErrorIs(t, f.engine.RestockAll(ctx, f.c), ErrInvalidLocation)
	assert.Equal(t, []string{"chest-1", "chest-1"}, invalidated)
}

func TestMaybeRestockRequiresConsumer(t *testing.T) {
	f := newFixture(sharedPolicy(0), []model.ItemStack{stack("BREAD", 1)})
	_, _, err := f.engine.MaybeRestock(context.Background(), f.c, "")
	assert.ErrorIs(t, err, ErrPrecondition)
	_, err = f.engine.ResolveInventory(f.c, "")
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestPersistenceFailureIsMarked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(sharedPolicy(0), []model.ItemStack{stack("BREAD", 1)})
	cause := errors.New("disk full")
	f.store.failSave = cause

	inv, out, err := f.engine.MaybeRestock(ctx, f.c, "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsPersistence(err))
	assert.True(t, out.Restocked)
	assert.False(t, out.Durable)
	require.NotNil(t, inv)
	assert.Equal(t, stack("BREAD", 1), inv.Item(0), "mutation is not rolled back")
}

func TestLootRecordLoadFailureSkipsRefill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(sharedPolicy(0), []model.ItemStack{stack("BREAD", 1)})
	f.store.failLoad = errors.New("db down")

	items, out, err := f.engine.Open(ctx, f.c, "alice")
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Nil(t, items)
	assert.False(t, out.Restocked)
	assert.True(t, f.phys.inv.Item(0).IsEmpty())
}

func TestRetiredContainerStopsWriting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(sharedPolicy(0), []model.ItemStack{stack("BREAD", 1)})

	_, _, err := f.engine.MaybeRestock(ctx, f.c, "alice")
	require.NoError(t, err)
	saves := f.store.saves
	require.Positive(t, saves)

	f.engine.Retire(f.c)
	_, _, err = f.engine.MaybeRestock(ctx, f.c, "alice")
	require.NoError(t, err)
	require.NoError(t, f.engine.RestockAll(ctx, f.c))
	assert.Equal(t, saves, f.store.saves)
}

func TestStoredLootRecordIsLoaded(t *testing.T) {
	ctx := context.Background()
	policy := sharedPolicy(0)
	policy.PlayerLimit = 3
	f := newFixture(policy, []model.ItemStack{stack("BREAD", 1)})
	f.store.loot["chest-1/alice"] = model.PlayerLootRecord{LootCount: 3}

	_, out, err := f.engine.MaybeRestock(ctx, f.c, "alice")
	require.NoError(t, err)
	assert.Equal(t, SkipLootLimit, out.Skip)
	assert.Equal(t, 3, out.LootCount)
}

func TestOpenReturnsContentsCopy(t *testing.T) {
	ctx := context.Background()
	policy := sharedPolicy(60)
	policy.Unique = true
	f := newFixture(policy, []model.ItemStack{stack("BREAD", 3), {}})

	items, out, err := f.engine.Open(ctx, f.c, "alice")
	require.NoError(t, err)
	assert.True(t, out.Restocked)
	assert.Equal(t, []model.ItemStack{stack("BREAD", 3), {}}, items)

	items[0].Amount = 99
	view, err := f.engine.View(f.c, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, view[0].Amount)

	phys, err := f.engine.View(f.c, "")
	require.NoError(t, err)
	assert.True(t, phys[0].IsEmpty(), "physical inventory is untouched")

	_, _, err = f.engine.Open(ctx, f.c, "")
	assert.ErrorIs(t, err, ErrPrecondition)
}
