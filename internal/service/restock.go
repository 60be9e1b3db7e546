package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"chestrestock-api/internal/config"
	"chestrestock-api/internal/model"
	"chestrestock-api/internal/restock"
)

// ErrUnknownContainer is returned for ids that are not registered.
var ErrUnknownContainer = errors.New("unknown container")

// sweepParallelism bounds how many containers a sweep refills at once.
const sweepParallelism = 8

// SnapshotStore is the persistence the service needs beyond restock.Store.
type SnapshotStore interface {
	restock.Store
	LoadContainer(ctx context.Context, containerID string) (*model.ContainerSnapshot, error)
	Purge(ctx context.Context, containerID string) error
}

// Config wires a RestockService.
type Config struct {
	Store       SnapshotStore
	Permissions restock.PermissionOracle
	Clock       restock.Clock
	// Materials overrides max stack sizes; others use DefaultMaxStack.
	Materials       model.MaterialCatalog
	DefaultMaxStack int
}

// stackSizes is a material catalog with a configurable fallback.
type stackSizes struct {
	materials model.MaterialCatalog
	fallback  int
}

func (s stackSizes) MaxStackSize(material string) int {
	if n, ok := s.materials[material]; ok && n > 0 {
		return n
	}
	return s.fallback
}

// hostedInventory is a physical inventory owned by the service. Once
// invalidated it reports an invalid location forever.
type hostedInventory struct {
	inv   *restock.SlotInventory
	valid atomic.Bool
}

func newHostedInventory(capacity int, sizes restock.StackSizer) *hostedInventory {
	h := &hostedInventory{inv: restock.NewSlotInventory(capacity, sizes)}
	h.valid.Store(true)
	return h
}

func (h *hostedInventory) Inventory() (restock.Inventory, error) {
	if !h.valid.Load() {
		return nil, restock.ErrInvalidLocation
	}
	return h.inv, nil
}

// OpenResult is what a consumer sees after opening a container.
type OpenResult struct {
	ContainerID string            `json:"container_id"`
	ConsumerID  string            `json:"consumer_id"`
	Outcome     restock.Outcome   `json:"outcome"`
	Items       []model.ItemStack `json:"items"`
}

// ContainerInfo describes a registered container.
type ContainerInfo struct {
	ID          string              `json:"id"`
	Capacity    int                 `json:"capacity"`
	Policy      model.RestockPolicy `json:"policy"`
	LastRestock int64               `json:"last_restock"`
	Consumers   []string            `json:"consumers"`
	Template    []model.ItemStack   `json:"template"`
}

// SweepResult summarizes a RestockAll pass.
type SweepResult struct {
	Restocked int               `json:"restocked"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Stats counts service activity since startup.
type Stats struct {
	Containers      int   `json:"containers"`
	Opens           int64 `json:"opens"`
	Restocks        int64 `json:"restocks"`
	SkippedLimit    int64 `json:"skipped_loot_limit"`
	SkippedNotDue   int64 `json:"skipped_not_due"`
	PersistFailures int64 `json:"persist_failures"`
	Invalidated     int64 `json:"invalidated"`
	Sweeps          int64 `json:"sweeps"`
}

// RestockService hosts containers for HTTP callers: it owns the physical
// inventories, registers containers and routes calls to the engine.
type RestockService struct {
	engine   *restock.Engine
	registry *restock.Registry
	store    SnapshotStore
	sizes    restock.StackSizer

	mu    sync.Mutex
	hosts map[string]*hostedInventory

	opens, restocks, skippedLimit, skippedNotDue atomic.Int64
	persistFailures, invalidated, sweeps         atomic.Int64
}

// NewRestockService creates the service. A nil Store keeps state in memory.
func NewRestockService(cfg Config) *RestockService {
	if cfg.DefaultMaxStack <= 0 {
		cfg.DefaultMaxStack = model.DefaultMaxStack
	}
	s := &RestockService{
		registry: restock.NewRegistry(),
		store:    cfg.Store,
		sizes:    stackSizes{materials: cfg.Materials, fallback: cfg.DefaultMaxStack},
		hosts:    make(map[string]*hostedInventory),
	}

	var store restock.Store
	if cfg.Store != nil {
		store = cfg.Store
	}
	s.engine = restock.NewEngine(restock.EngineConfig{
		Clock:       cfg.Clock,
		Permissions: cfg.Permissions,
		Store:       store,
		Sizes:       s.sizes,
		OnInvalid:   s.handleInvalid,
	})
	return s
}

// handleInvalid deregisters a container whose location went away. It runs
// under the container lock, so it only touches the registry.
func (s *RestockService) handleInvalid(containerID string, err error) {
	s.mu.Lock()
	host, ok := s.hosts[containerID]
	if ok && host.valid.Load() {
		// A newer registration owns the id; the callback came from the
		// container it replaced.
		s.mu.Unlock()
		return
	}
	delete(s.hosts, containerID)
	s.mu.Unlock()

	if s.registry.Remove(containerID) {
		s.invalidated.Add(1)
		log.Printf("[RestockService] Deregistered %s: %v", containerID, err)
	}
}

// Register adds or replaces a container. Stored state with a matching
// capacity is restored: the restock timestamp, the physical contents and
// the isolated snapshots. With keepStoredTemplate the stored template
// also wins over the definition's.
func (s *RestockService) Register(ctx context.Context, def config.ContainerDefinition, keepStoredTemplate bool) (*restock.Container, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid definition: %w: %w", err, restock.ErrPrecondition)
	}

	host := newHostedInventory(def.Capacity, s.sizes)
	opts := restock.ContainerOptions{
		ID:       def.ID,
		Policy:   def.Policy,
		Holder:   host,
		Capacity: def.Capacity,
		Template: def.Items(),
	}

	if s.store != nil {
		snap, err := s.store.LoadContainer(ctx, def.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load container %s: %w: %w", def.ID, err, restock.ErrPersistence)
		}
		switch {
		case snap == nil:
		case snap.Capacity != def.Capacity:
			log.Printf("[RestockService] Stored state for %s has capacity %d, want %d; starting fresh",
				def.ID, snap.Capacity, def.Capacity)
		default:
			opts.LastRestock = snap.LastRestock
			opts.Isolated = snap.Isolated
			host.inv.SetContents(snap.Physical)
			if keepStoredTemplate && len(snap.Template) > 0 {
				opts.Template = snap.Template
			}
		}
	}

	c := restock.NewContainer(opts, s.sizes)

	s.mu.Lock()
	old := s.hosts[def.ID]
	s.hosts[def.ID] = host
	s.registry.Insert(c)
	s.mu.Unlock()

	if old != nil {
		old.valid.Store(false)
	}
	log.Printf("[RestockService] Registered %s (capacity=%d, period=%ds, mode=%s/%s, unique=%t, limit=%d)",
		def.ID, def.Capacity, def.Policy.PeriodSeconds, def.Policy.PeriodMode, def.Policy.RestockMode,
		def.Policy.Unique, def.Policy.PlayerLimit)
	return c, nil
}

// LoadDefinitions registers every container from a definitions file,
// keeping stored templates.
func (s *RestockService) LoadDefinitions(ctx context.Context, defs *config.Definitions) error {
	for _, def := range defs.Containers {
		if _, err := s.Register(ctx, def, true); err != nil {
			return err
		}
	}
	log.Printf("[RestockService] Loaded %d container definitions", len(defs.Containers))
	return nil
}

func (s *RestockService) container(id string) (*restock.Container, error) {
	c, ok := s.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, ErrUnknownContainer)
	}
	return c, nil
}

// Open restocks the consumer's view when due and returns its contents.
func (s *RestockService) Open(ctx context.Context, containerID, consumerID string) (*OpenResult, error) {
	c, err := s.container(containerID)
	if err != nil {
		return nil, err
	}

	items, out, err := s.engine.Open(ctx, c, consumerID)
	s.record(out, err)
	if err != nil && items == nil {
		return nil, err
	}
	return &OpenResult{
		ContainerID: containerID,
		ConsumerID:  consumerID,
		Outcome:     out,
		Items:       items,
	}, err
}

func (s *RestockService) record(out restock.Outcome, err error) {
	if err != nil && restock.IsPersistence(err) {
		s.persistFailures.Add(1)
	}
	if out == (restock.Outcome{}) {
		return
	}
	s.opens.Add(1)
	switch {
	case out.Restocked:
		s.restocks.Add(1)
	case out.Skip == restock.SkipLootLimit:
		s.skippedLimit.Add(1)
	case out.Skip == restock.SkipNotDue:
		s.skippedNotDue.Add(1)
	}
}

// View returns the consumer's contents without restocking. An empty
// consumerID views the physical inventory.
func (s *RestockService) View(containerID, consumerID string) ([]model.ItemStack, error) {
	c, err := s.container(containerID)
	if err != nil {
		return nil, err
	}
	return s.engine.View(c, consumerID)
}

// Take removes items from a slot of the consumer's view.
func (s *RestockService) Take(ctx context.Context, containerID, consumerID string, slot, amount int) (model.ItemStack, error) {
	c, err := s.container(containerID)
	if err != nil {
		return model.ItemStack{}, err
	}
	taken, err := s.engine.Take(ctx, c, consumerID, slot, amount)
	if restock.IsPersistence(err) {
		s.persistFailures.Add(1)
	}
	return taken, err
}

// Restock refills one container and all its isolated snapshots now.
func (s *RestockService) Restock(ctx context.Context, containerID string) error {
	c, err := s.container(containerID)
	if err != nil {
		return err
	}
	return s.engine.RestockAll(ctx, c)
}

// RestockAll refills every registered container, several at a time. A
// failing container does not stop the others.
func (s *RestockService) RestockAll(ctx context.Context) SweepResult {
	s.sweeps.Add(1)

	var (
		mu     sync.Mutex
		result SweepResult
		g      errgroup.Group
	)
	g.SetLimit(sweepParallelism)
	for _, c := range s.registry.All() {
		g.Go(func() error {
			err := s.engine.RestockAll(ctx, c)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if result.Failed == nil {
					result.Failed = make(map[string]string)
				}
				result.Failed[c.ID()] = err.Error()
				return nil
			}
			result.Restocked++
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// Capture replaces the template with the consumer's current view. An
// empty consumerID captures the physical inventory.
func (s *RestockService) Capture(ctx context.Context, containerID, consumerID string) error {
	c, err := s.container(containerID)
	if err != nil {
		return err
	}
	return s.engine.CaptureTemplate(ctx, c, consumerID)
}

// LootRecord returns the consumer's loot record for a container.
func (s *RestockService) LootRecord(ctx context.Context, containerID, consumerID string) (model.PlayerLootRecord, error) {
	c, err := s.container(containerID)
	if err != nil {
		return model.PlayerLootRecord{}, err
	}
	return s.engine.LootRecord(ctx, c, consumerID)
}

// Invalidate marks the container's location gone and deregisters it.
// With purge its stored state is deleted as well.
func (s *RestockService) Invalidate(ctx context.Context, containerID string, purge bool) error {
	s.mu.Lock()
	host, ok := s.hosts[containerID]
	if ok {
		host.valid.Store(false)
		delete(s.hosts, containerID)
	}
	s.mu.Unlock()

	c, registered := s.registry.Get(containerID)
	if registered {
		s.engine.Retire(c)
	}
	if !s.registry.Remove(containerID) && !ok && !registered {
		return fmt.Errorf("container %s: %w", containerID, ErrUnknownContainer)
	}
	s.invalidated.Add(1)
	log.Printf("[RestockService] Invalidated %s (purge=%t)", containerID, purge)

	if purge && s.store != nil {
		if err := s.store.Purge(ctx, containerID); err != nil {
			return fmt.Errorf("failed to purge %s: %w: %w", containerID, err, restock.ErrPersistence)
		}
	}
	return nil
}

func infoOf(c *restock.Container) ContainerInfo {
	return ContainerInfo{
		ID:          c.ID(),
		Capacity:    c.Capacity(),
		Policy:      c.Policy(),
		LastRestock: c.LastRestock(),
		Consumers:   c.Consumers(),
		Template:    c.Template(),
	}
}

// Info describes one registered container.
func (s *RestockService) Info(containerID string) (ContainerInfo, error) {
	c, err := s.container(containerID)
	if err != nil {
		return ContainerInfo{}, err
	}
	return infoOf(c), nil
}

// Containers lists the registered containers sorted by id.
func (s *RestockService) Containers() []ContainerInfo {
	all := s.registry.All()
	out := make([]ContainerInfo, 0, len(all))
	for _, c := range all {
		out = append(out, infoOf(c))
	}
	return out
}

// Stats returns activity counters.
func (s *RestockService) Stats() Stats {
	return Stats{
		Containers:      s.registry.Len(),
		Opens:           s.opens.Load(),
		Restocks:        s.restocks.Load(),
		SkippedLimit:    s.skippedLimit.Load(),
		SkippedNotDue:   s.skippedNotDue.Load(),
		PersistFailures: s.persistFailures.Load(),
		Invalidated:     s.invalidated.Load(),
		Sweeps:          s.sweeps.Load(),
	}
}
