package clearance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces clearance keys.
const DefaultRedisPrefix = "tierd:clearance:"

// RedisCache is a Cache shared by every instance through Redis. Invalidation
// is visible to all readers once it returns, so no broadcast is required.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache wraps an existing client. An empty prefix uses DefaultRedisPrefix.
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisCache{client: client, prefix: prefix}
}

type redisEffective struct {
	UserID       string    `json:"user_id"`
	OrgValue     Level     `json:"org_value"`
	DeptValue    Level     `json:"dept_value"`
	DepartmentID string    `json:"department_id,omitempty"`
	ResolvedAt   time.Time `json:"resolved_at"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	FromDefault  bool      `json:"from_default,omitempty"`
	RefreshAt    time.Time `json:"refresh_at,omitempty"`
}

func (c *RedisCache) key(userID string) string {
	return c.prefix + userID
}

func (c *RedisCache) generationKey(userID string) string {
	return c.prefix + "gen:" + userID
}

// Generation implements Cache. A user never invalidated is at zero.
func (c *RedisCache) Generation(ctx context.Context, userID string) (uint64, error) {
	gen, err := c.client.Get(ctx, c.generationKey(userID)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get clearance generation: %w", err)
	}
	return gen, nil
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, userID string) (Effective, bool, error) {
	raw, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Effective{}, false, nil
	}
	if err != nil {
		return Effective{}, false, fmt.Errorf("redis get clearance: %w", err)
	}

	var r redisEffective
	if err := json.Unmarshal(raw, &r); err != nil {
		return Effective{}, false, fmt.Errorf("decoding cached clearance: %w", err)
	}
	return Effective{
		UserID:       r.UserID,
		OrgValue:     r.OrgValue,
		DeptValue:    r.DeptValue,
		DepartmentID: r.DepartmentID,
		ResolvedAt:   r.ResolvedAt,
		ExpiresAt:    r.ExpiresAt,
		FromDefault:  r.FromDefault,
		RefreshAt:    r.RefreshAt,
	}, true, nil
}

// Set implements Cache. A non-positive ttl is a no-op. The write runs in a
// transaction watching the generation key, so an Invalidate from any
// instance between the check and the write aborts it.
func (c *RedisCache) Set(ctx context.Context, eff Effective, ttl time.Duration, gen uint64) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(redisEffective{
		UserID:       eff.UserID,
		OrgValue:     eff.OrgValue,
		DeptValue:    eff.DeptValue,
		DepartmentID: eff.DepartmentID,
		ResolvedAt:   eff.ResolvedAt,
		ExpiresAt:    eff.ExpiresAt,
		FromDefault:  eff.FromDefault,
		RefreshAt:    eff.RefreshAt,
	})
	if err != nil {
		return fmt.Errorf("encoding clearance: %w", err)
	}

	genKey := c.generationKey(eff.UserID)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return ErrStaleGeneration
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key(eff.UserID), raw, ttl)
			return nil
		})
		return err
	}, genKey)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStaleGeneration), errors.Is(err, redis.TxFailedErr):
		return ErrStaleGeneration
	default:
		return fmt.Errorf("redis set clearance: %w", err)
	}
}

// Invalidate implements Cache. The delete and the generation bump commit
// together.
func (c *RedisCache) Invalidate(ctx context.Context, userID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.key(userID))
		pipe.Incr(ctx, c.generationKey(userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate clearance: %w", err)
	}
	return nil
}
