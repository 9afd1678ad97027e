package stats

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"artpulse/internal/redisx"
)

// Cache is a short-TTL read cache in front of the persisted counters. It
// absorbs bursty dashboard polling; a miss is never an error.
type Cache interface {
	Get(ctx context.Context) (*VisitStats, bool)
	Set(ctx context.Context, st *VisitStats)
	Invalidate(ctx context.Context)
	SetTTL(ttl time.Duration)
}

// NewCache returns a Redis-backed cache when a client is configured, and an
// in-process cache otherwise.
func NewCache(rdb *redisx.Client, ttl time.Duration) Cache {
	if rdb != nil {
		return &redisCache{rdb: rdb, ttl: ttl}
	}
	return &memoryCache{ttl: ttl, now: time.Now}
}

type memoryCache struct {
	mu  sync.Mutex
	val *VisitStats
	exp time.Time
	ttl time.Duration
	now func() time.Time
}

func (c *memoryCache) Get(_ context.Context) (*VisitStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.val == nil || c.now().After(c.exp) {
		return nil, false
	}
	cp := *c.val
	return &cp, true
}

func (c *memoryCache) Set(_ context.Context, st *VisitStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *st
	c.val = &cp
	c.exp = c.now().Add(c.ttl)
}

func (c *memoryCache) Invalidate(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.val = nil
}

func (c *memoryCache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
}

const redisStatsKey = "artpulse:stats"

type redisCache struct {
	rdb *redisx.Client

	mu  sync.Mutex
	ttl time.Duration
}

func (c *redisCache) Get(ctx context.Context) (*VisitStats, bool) {
	raw, err := c.rdb.Get(ctx, redisStatsKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			statsLogger.Sugar().Debugf("stats cache get: %v", err)
		}
		return nil, false
	}
	var st VisitStats
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, false
	}
	return &st, true
}

func (c *redisCache) Set(ctx context.Context, st *VisitStats) {
	b, err := json.Marshal(st)
	if err != nil {
		return
	}
	c.mu.Lock()
	ttl := c.ttl
	c.mu.Unlock()
	if err := c.rdb.Set(ctx, redisStatsKey, b, ttl).Err(); err != nil {
		statsLogger.Sugar().Debugf("stats cache set: %v", err)
	}
}

func (c *redisCache) Invalidate(ctx context.Context) {
	if err := c.rdb.Del(ctx, redisStatsKey).Err(); err != nil {
		statsLogger.Sugar().Debugf("stats cache invalidate: %v", err)
	}
}

func (c *redisCache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}
