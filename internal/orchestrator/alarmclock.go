package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/neurobridge-backend/internal/platform/logger"
)

// AlarmClock is the "schedule a wake at time T" primitive of spec.md
// section 9: only one wake is outstanding per batch id at a time.
type AlarmClock interface {
	// Schedule replaces any existing wake for batchID with one at at.
	Schedule(ctx context.Context, batchID string, at time.Time) error
	// Cancel removes any pending wake for batchID (admin reset, terminal state).
	Cancel(ctx context.Context, batchID string) error
	// Due claims and returns up to limit batch ids whose wake time has
	// passed, removing them from the schedule atomically with the read.
	Due(ctx context.Context, now time.Time, limit int64) ([]string, error)
}

const redisAlarmKey = "orchestrator:alarms"

// RedisAlarmClock backs the alarm schedule with a single Redis sorted
// set keyed on wake time, the "persisted next-wake field plus a poll
// loop" design spec.md section 9 explicitly sanctions, grounded on the
// teacher's redis client construction (internal/clients/redis).
type RedisAlarmClock struct {
	rdb *goredis.Client
	log *logger.Logger
}

func NewRedisAlarmClock(log *logger.Logger, addr string) (*RedisAlarmClock, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisAlarmClock{rdb: rdb, log: log.With("service", "RedisAlarmClock")}, nil
}

func (c *RedisAlarmClock) Schedule(ctx context.Context, batchID string, at time.Time) error {
	return c.rdb.ZAdd(ctx, redisAlarmKey, goredis.Z{
		Score:  float64(at.UnixMilli()),
		Member: batchID,
	}).Err()
}

func (c *RedisAlarmClock) Cancel(ctx context.Context, batchID string) error {
	return c.rdb.ZRem(ctx, redisAlarmKey, batchID).Err()
}

func (c *RedisAlarmClock) Due(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := c.rdb.ZRangeByScore(ctx, redisAlarmKey, &goredis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := c.rdb.ZRem(ctx, redisAlarmKey, members...).Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *RedisAlarmClock) Close() error { return c.rdb.Close() }

// MemoryAlarmClock is an in-process AlarmClock for tests and for
// single-instance deployments without Redis available.
type MemoryAlarmClock struct {
	mu    sync.Mutex
	wakes map[string]time.Time
}

func NewMemoryAlarmClock() *MemoryAlarmClock {
	return &MemoryAlarmClock{wakes: map[string]time.Time{}}
}

func (c *MemoryAlarmClock) Schedule(_ context.Context, batchID string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wakes[batchID] = at
	return nil
}

func (c *MemoryAlarmClock) Cancel(_ context.Context, batchID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.wakes, batchID)
	return nil
}

func (c *MemoryAlarmClock) Due(_ context.Context, now time.Time, limit int64) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var due []string
	for id, at := range c.wakes {
		if int64(len(due)) >= limit {
			break
		}
		if !at.After(now) {
			due = append(due, id)
		}
	}
	for _, id := range due {
		delete(c.wakes, id)
	}
	return due, nil
}
