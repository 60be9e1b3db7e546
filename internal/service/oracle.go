package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"chestrestock-api/internal/cache"
	"chestrestock-api/internal/repository"
	"chestrestock-api/internal/restock"
)

// StaticOracle answers bypass checks from the definitions file. Grants are
// keyed by container name; repository.AnyContainer grants every container.
type StaticOracle struct {
	grants map[string]map[string]bool // consumer -> container name
}

// NewStaticOracle inverts a container name -> consumers map.
func NewStaticOracle(bypass map[string][]string) *StaticOracle {
	grants := make(map[string]map[string]bool)
	for name, consumers := range bypass {
		for _, consumer := range consumers {
			if grants[consumer] == nil {
				grants[consumer] = make(map[string]bool)
			}
			grants[consumer][name] = true
		}
	}
	return &StaticOracle{grants: grants}
}

func (o *StaticOracle) HasBypass(_ context.Context, consumerID, containerName string) (bool, error) {
	g := o.grants[consumerID]
	if g == nil {
		return false, nil
	}
	return g[repository.AnyContainer] || (containerName != "" && g[containerName]), nil
}

// FirstOracle asks each oracle in order and grants on the first yes.
// An error from one oracle is returned only if no later oracle grants.
type FirstOracle []restock.PermissionOracle

func (o FirstOracle) HasBypass(ctx context.Context, consumerID, containerName string) (bool, error) {
	var firstErr error
	for _, oracle := range o {
		ok, err := oracle.HasBypass(ctx, consumerID, containerName)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, firstErr
}

// CachedOracle memoizes answers of a slower oracle. Errors are not cached.
type CachedOracle struct {
	next  restock.PermissionOracle
	cache cache.Cache
	ttl   time.Duration
}

// NewCachedOracle wraps next. A non-positive ttl defaults to one minute.
func NewCachedOracle(next restock.PermissionOracle, c cache.Cache, ttl time.Duration) *CachedOracle {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedOracle{next: next, cache: c, ttl: ttl}
}

func bypassKey(consumerID, containerName string) string {
	return fmt.Sprintf("bypass:%d:%s:%s", len(consumerID), consumerID, containerName)
}

func (o *CachedOracle) HasBypass(ctx context.Context, consumerID, containerName string) (bool, error) {
	value, err := o.cache.GetOrSet(ctx, bypassKey(consumerID, containerName), o.ttl, func() ([]byte, error) {
		ok, err := o.next.HasBypass(ctx, consumerID, containerName)
		if err != nil {
			return nil, err
		}
		if ok {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	})
	if err != nil {
		return false, err
	}
	return len(value) == 1 && value[0] == 1, nil
}

// Reset drops every cached answer. A "*" grant touches every container
// name, so the whole cache goes.
func (o *CachedOracle) Reset(ctx context.Context) {
	if err := o.cache.Clear(ctx); err != nil {
		log.Printf("[CachedOracle] Failed to reset cache: %v", err)
	}
}

var (
	_ restock.PermissionOracle = (*StaticOracle)(nil)
	_ restock.PermissionOracle = FirstOracle(nil)
	_ restock.PermissionOracle = (*CachedOracle)(nil)
	_ restock.PermissionOracle = (repository.PermissionRepository)(nil)
)
