package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"lending-api/domain"
	"lending-api/internal/consts"
)

// Cache wraps a Gateway with Redis-backed caching for List. Every committed
// transaction evicts the lists of the classes it wrote and bumps their
// generation. A list read from the store is only cached if the generation it
// was read under is still current, so a read that raced a commit never
// overwrites the eviction.
type Cache struct {
	Gateway
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Gateway wrapper using the provided Redis client and TTL.
func NewCache(base Gateway, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base gateway is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{Gateway: base, redis: client, ttl: ttl}
}

var errStaleList = errors.New("list generation moved")

func (c *Cache) List(ctx context.Context, class string) ([]domain.Entity, error) {
	if ents, ok := c.loadFromCache(ctx, class); ok {
		return ents, nil
	}
	gen, genOK := c.generation(ctx, class)
	ents, err := c.Gateway.List(ctx, class)
	if err != nil {
		return nil, err
	}
	if genOK {
		c.store(ctx, class, ents, gen)
	}
	return ents, nil
}

type recordingTx struct {
	Tx
	mu      sync.Mutex
	classes map[string]struct{}
}

func (t *recordingTx) Put(ctx context.Context, id string, rec Record, expectedVersion int64) (domain.Entity, error) {
	e, err := t.Tx.Put(ctx, id, rec, expectedVersion)
	if err == nil {
		t.mu.Lock()
		t.classes[rec.Class] = struct{}{}
		t.mu.Unlock()
	}
	return e, err
}

func (c *Cache) Transaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var rt *recordingTx
	err := c.Gateway.Transaction(ctx, func(ctx context.Context, tx Tx) error {
		rt = &recordingTx{Tx: tx, classes: make(map[string]struct{})}
		return fn(ctx, rt)
	})
	if err != nil || rt == nil {
		return err
	}
	for class := range rt.classes {
		c.Evict(context.WithoutCancel(ctx), class)
	}
	return nil
}

// Evict drops the cached list of class and the all-classes list and bumps
// both generations. Only local commits call it; other instances share the
// same Redis and evict for their own writes.
func (c *Cache) Evict(ctx context.Context, class string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, listGenKey(class))
		if class != "" {
			p.Incr(ctx, listGenKey(""))
		}
		p.Del(ctx, listCacheKey(class), listCacheKey(""))
		return nil
	})
}

// generation reports the current list generation of class. ok is false when
// Redis cannot be read, in which case nothing gets cached.
func (c *Cache) generation(ctx context.Context, class string) (int64, bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, listGenKey(class)).Int64()
	if err == redis.Nil {
		return 0, true
	}
	return gen, err == nil
}

func (c *Cache) loadFromCache(ctx context.Context, class string) ([]domain.Entity, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, listCacheKey(class)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, listCacheKey(class)).Err()
		}
		return nil, false
	}
	var ents []domain.Entity
	if err := json.Unmarshal(data, &ents); err != nil {
		_ = c.redis.Del(ctx, listCacheKey(class)).Err()
		return nil, false
	}
	return ents, true
}

// store caches ents under class unless an eviction happened since gen was
// read.
func (c *Cache) store(ctx context.Context, class string, ents []domain.Entity, gen int64) {
	data, err := json.Marshal(ents)
	if err != nil {
		return
	}
	genKey := listGenKey(class)
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != gen {
			return errStaleList
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, listCacheKey(class), data, c.ttl)
			return nil
		})
		return err
	}, genKey)
}

func listCacheKey(class string) string {
	if class == "" {
		return consts.EntityListKeyPrefix + "*"
	}
	return consts.EntityListKeyPrefix + class
}

func listGenKey(class string) string {
	if class == "" {
		return consts.EntityListGenKeyPrefix + "*"
	}
	return consts.EntityListGenKeyPrefix + class
}
