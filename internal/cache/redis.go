package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"chestrestock-api/internal/model"

	"github.com/redis/go-redis/v9"
)

// Buffer configuration
const (
	MaxBatchSize    = 50
	FlushTimeout    = 60 * time.Second
	CleanupInterval = 5 * time.Minute
)

// FlushFunc is called to persist buffered writes to the database.
type FlushFunc func(ctx context.Context, items []*model.BufferedWrite) error

var deleteIfUnchangedScript = redis.NewScript(`
	if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
		redis.call("HDEL", KEYS[1], ARGV[1])
		redis.call("SREM", KEYS[2], ARGV[1])
		return 1
	else
		return 0
	end
`)

// RedisStateBuffer queues container and loot-record writes in Redis and
// flushes them to the database in the background. A write is durable once
// Add returns; reads consult the buffer before the database.
type RedisStateBuffer struct {
	client        *redis.Client
	flushFunc     FlushFunc
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopFlush     chan struct{}
	done          sync.WaitGroup
	stopOnce      sync.Once
	keyPrefix     string
}

// RedisBufferConfig holds configuration for Redis buffer.
type RedisBufferConfig struct {
	Addr          string
	Password      string
	DB            int
	FlushInterval time.Duration
	KeyPrefix     string
}

// NewRedisStateBuffer creates a Redis-backed write-behind buffer.
func NewRedisStateBuffer(cfg RedisBufferConfig, flushFunc FlushFunc) (*RedisStateBuffer, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     20,
		MinIdleConns: 5,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "chestrestock"
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}

	b := &RedisStateBuffer{
		client:        client,
		flushFunc:     flushFunc,
		flushTicker:   time.NewTicker(cfg.FlushInterval),
		cleanupTicker: time.NewTicker(CleanupInterval),
		stopFlush:     make(chan struct{}),
		keyPrefix:     keyPrefix + ":state",
	}

	b.done.Add(2)
	go b.backgroundFlush()
	go b.backgroundCleanup()

	log.Printf("[RedisStateBuffer] Started - DB:%d, prefix:%s, flush:%v, batch:%d",
		cfg.DB, b.keyPrefix, cfg.FlushInterval, MaxBatchSize)
	return b, nil
}

func (b *RedisStateBuffer) bufferKey() string {
	return b.keyPrefix + ":buffer"
}

func (b *RedisStateBuffer) pendingKey() string {
	return b.keyPrefix + ":pending"
}

// ContainerField is the buffer field of a container snapshot.
func ContainerField(containerID string) string {
	return "container:" + containerID
}

// LootField is the buffer field of a loot record.
func LootField(containerID, consumerID string) string {
	return fmt.Sprintf("loot:%d:%s:%s", len(containerID), containerID, consumerID)
}

func writeField(w *model.BufferedWrite) string {
	if w.Kind == model.BufferedLoot {
		return LootField(w.ContainerID, w.ConsumerID)
	}
	return ContainerField(w.ContainerID)
}

// Add buffers a write in Redis, replacing any pending write for the same key.
func (b *RedisStateBuffer) Add(ctx context.Context, w *model.BufferedWrite) error {
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now()
	}
	jsonData, err := json.Marshal(w)
	if err != nil {
		return err
	}

	field := writeField(w)
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.bufferKey(), field, jsonData)
	pipe.SAdd(ctx, b.pendingKey(), field)
	_, err = pipe.Exec(ctx)
	return err
}

func (b *RedisStateBuffer) get(ctx context.Context, field string) (*model.BufferedWrite, error) {
	data, err := b.client.HGet(ctx, b.bufferKey(), field).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var w model.BufferedWrite
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// GetContainer returns a pending container snapshot, or nil.
func (b *RedisStateBuffer) GetContainer(ctx context.Context, containerID string) (*model.ContainerSnapshot, error) {
	w, err := b.get(ctx, ContainerField(containerID))
	if err != nil || w == nil {
		return nil, err
	}
	return w.Container, nil
}

// GetLoot returns a pending loot record, or nil.
func (b *RedisStateBuffer) GetLoot(ctx context.Context, containerID, consumerID string) (*model.PlayerLootRecord, error) {
	w, err := b.get(ctx, LootField(containerID, consumerID))
	if err != nil || w == nil {
		return nil, err
	}
	return w.Loot, nil
}

// Count returns the number of pending writes.
func (b *RedisStateBuffer) Count(ctx context.Context) (int64, error) {
	return b.client.SCard(ctx, b.pendingKey()).Result()
}

// FlushBatch writes up to MaxBatchSize pending writes to the database.
func (b *RedisStateBuffer) FlushBatch(ctx context.Context) (int, error) {
	fields, err := b.client.SRandMemberN(ctx, b.pendingKey(), MaxBatchSize).Result()
	if err != nil {
		return 0, err
	}

	if len(fields) == 0 {
		return 0, nil
	}

	totalPending, _ := b.Count(ctx)
	log.Printf("[RedisStateBuffer] Flushing %d/%d writes", len(fields), totalPending)

	items := make([]*model.BufferedWrite, 0, len(fields))
	originalData := make(map[string]string)

	for _, field := range fields {
		data, err := b.client.HGet(ctx, b.bufferKey(), field).Bytes()
		if err == redis.Nil {
			b.client.SRem(ctx, b.pendingKey(), field)
			continue
		}
		if err != nil {
			log.Printf("[RedisStateBuffer] Error getting %s: %v", field, err)
			continue
		}

		originalData[field] = string(data)

		var w model.BufferedWrite
		if err := json.Unmarshal(data, &w); err != nil {
			log.Printf("[RedisStateBuffer] Error unmarshaling %s: %v", field, err)
			b.client.HDel(ctx, b.bufferKey(), field)
			b.client.SRem(ctx, b.pendingKey(), field)
			delete(originalData, field)
			continue
		}
		items = append(items, &w)
	}

	if len(items) == 0 {
		return 0, nil
	}

	if err := b.flushFunc(ctx, items); err != nil {
		log.Printf("[RedisStateBuffer] Flush error: %v", err)
		return 0, err
	}

	// Writes that changed during the flush stay pending for the next round.
	pipe := b.client.Pipeline()
	for field, raw := range originalData {
		deleteIfUnchangedScript.Run(ctx, pipe, []string{b.bufferKey(), b.pendingKey()}, field, raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[RedisStateBuffer] Error clearing Redis: %v", err)
	}

	log.Printf("[RedisStateBuffer] Successfully flushed %d writes", len(items))
	return len(items), nil
}

// Flush drains the buffer.
func (b *RedisStateBuffer) Flush(ctx context.Context) error {
	for {
		n, err := b.FlushBatch(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// CleanupOrphans drops pending markers whose buffered data is gone.
func (b *RedisStateBuffer) CleanupOrphans(ctx context.Context) (int, error) {
	fields, err := b.client.SMembers(ctx, b.pendingKey()).Result()
	if err != nil {
		return 0, err
	}
	if len(fields) == 0 {
		return 0, nil
	}

	orphans := 0
	pipe := b.client.Pipeline()
	for _, field := range fields {
		ok, err := b.client.HExists(ctx, b.bufferKey(), field).Result()
		if err != nil || ok {
			continue
		}
		pipe.SRem(ctx, b.pendingKey(), field)
		orphans++
	}

	if orphans > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("[RedisStateBuffer] Cleanup exec error: %v", err)
			return 0, err
		}
		log.Printf("[RedisStateBuffer] Cleaned up %d orphaned markers", orphans)
	}
	return orphans, nil
}

func (b *RedisStateBuffer) backgroundFlush() {
	defer b.done.Done()
	for {
		select {
		case <-b.flushTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), FlushTimeout)
			if _, err := b.FlushBatch(ctx); err != nil {
				log.Printf("[RedisStateBuffer] Background flush error: %v", err)
			}
			cancel()
		case <-b.stopFlush:
			log.Printf("[RedisStateBuffer] Shutdown: flushing remaining writes...")
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			if err := b.Flush(ctx); err != nil {
				log.Printf("[RedisStateBuffer] Shutdown flush error: %v", err)
			}
			cancel()
			log.Printf("[RedisStateBuffer] Shutdown flush complete")
			return
		}
	}
}

func (b *RedisStateBuffer) backgroundCleanup() {
	defer b.done.Done()
	for {
		select {
		case <-b.cleanupTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			b.CleanupOrphans(ctx)
			cancel()
		case <-b.stopFlush:
			return
		}
	}
}

// Close stops the buffer, waits for the final flush and closes the client.
func (b *RedisStateBuffer) Close() error {
	b.stopOnce.Do(func() {
		b.flushTicker.Stop()
		b.cleanupTicker.Stop()
		close(b.stopFlush)
	})
	b.done.Wait()
	return b.client.Close()
}

// RedisCache implements Cache on a shared Redis client.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache namespaces keys under prefix. The client stays owned by
// the caller.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "chestrestock"
	}
	return &RedisCache{client: client, prefix: prefix + ":cache:"}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	return data, err
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

func (c *RedisCache) GetOrSet(ctx context.Context, key string, ttl time.Duration, fn func() ([]byte, error)) ([]byte, error) {
	if value, err := c.Get(ctx, key); err == nil {
		return value, nil
	}
	value, err := fn()
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, key, value, ttl); err != nil {
		log.Printf("[RedisCache] Set %s failed: %v", key, err)
	}
	return value, nil
}

// Clear deletes every key under the cache prefix.
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisCache) Close() error { return nil }

var _ Cache = (*RedisCache)(nil)
