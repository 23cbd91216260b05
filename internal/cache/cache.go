// Package cache implements the optional Redis-backed read-through cache
// the State Manager places in front of the Store for get_run under high
// read load. Redis is never the source of truth: a cache miss or an
// outage both degrade silently to a Store read, never an error.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/cronflow/cronflow/internal/models"
)

const runTTL = 5 * time.Minute

// RunCache is the narrow read-through cache interface the State Manager
// depends on. NoopRunCache satisfies it when REDIS_URL is unset, letting
// the engine run without Redis.
type RunCache interface {
	GetRun(ctx context.Context, runID string) (*models.WorkflowRun, bool)
	SetRun(ctx context.Context, run *models.WorkflowRun)
	InvalidateRun(ctx context.Context, runID string)
	Close() error
}

// NoopRunCache is used when REDIS_URL is unset; every lookup misses.
type NoopRunCache struct{}

func (NoopRunCache) GetRun(ctx context.Context, runID string) (*models.WorkflowRun, bool) {
	return nil, false
}
func (NoopRunCache) SetRun(ctx context.Context, run *models.WorkflowRun) {}
func (NoopRunCache) InvalidateRun(ctx context.Context, runID string)     {}
func (NoopRunCache) Close() error                                       { return nil }

// RedisRunCache caches WorkflowRun lookups in Redis as JSON blobs.
type RedisRunCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisRunCache connects to Redis and verifies connectivity.
func NewRedisRunCache(addr, password string, db int, logger *zap.Logger) (*RedisRunCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisRunCache{client: client, logger: logger.With(zap.String("component", "run_cache"))}, nil
}

func runKey(runID string) string {
	return "cronflow:run:" + runID
}

// GetRun returns a cached run. Any Redis error is logged and treated as
// a miss, per the graceful-degradation rule: Redis never produces errors
// the caller has to handle.
func (c *RedisRunCache) GetRun(ctx context.Context, runID string) (*models.WorkflowRun, bool) {
	val, err := c.client.Get(ctx, runKey(runID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("run cache read failed, falling back to store", zap.Error(err))
		}
		return nil, false
	}

	var run models.WorkflowRun
	if err := json.Unmarshal(val, &run); err != nil {
		c.logger.Warn("run cache entry corrupted, falling back to store", zap.Error(err))
		return nil, false
	}
	return &run, true
}

// SetRun populates the cache on a Store hit. Failures are logged, not
// propagated — a cache write is never load-bearing for correctness.
func (c *RedisRunCache) SetRun(ctx context.Context, run *models.WorkflowRun) {
	body, err := json.Marshal(run)
	if err != nil {
		c.logger.Warn("failed to marshal run for cache", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, runKey(run.ID), body, runTTL).Err(); err != nil {
		c.logger.Warn("run cache write failed", zap.Error(err))
	}
}

// InvalidateRun evicts a run, used after a status update so the next
// read observes the new status rather than a stale cached one.
func (c *RedisRunCache) InvalidateRun(ctx context.Context, runID string) {
	if err := c.client.Del(ctx, runKey(runID)).Err(); err != nil {
		c.logger.Warn("run cache invalidation failed", zap.Error(err))
	}
}

// Close closes the underlying Redis client.
func (c *RedisRunCache) Close() error {
	return c.client.Close()
}
