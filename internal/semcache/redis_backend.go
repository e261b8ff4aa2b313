package semcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces cache keys.
const DefaultRedisPrefix = "tierd:semcache:"

// RedisBackend shares entries between instances. Each entry is a JSON value
// with a native TTL; a per-tier set indexes ids for similarity scans, which
// are computed in process.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend wraps client. An empty prefix uses DefaultRedisPrefix.
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) entryKey(tier Tier, id string) string {
	return b.prefix + string(tier) + ":entry:" + id
}

func (b *RedisBackend) indexKey(tier Tier) string {
	return b.prefix + string(tier) + ":index"
}

// Get implements Backend.
func (b *RedisBackend) Get(ctx context.Context, tier Tier, id string) (*Entry, error) {
	data, err := b.client.Get(ctx, b.entryKey(tier, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get entry: %w", err)
	}
	return decodeEntry(data)
}

// Set implements Backend.
func (b *RedisBackend) Set(ctx context.Context, entry *Entry, ttl time.Duration) error {
	data, err := encodeEntry(entry, true)
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.entryKey(entry.Tier, entry.ID), data, ttl)
		pipe.SAdd(ctx, b.indexKey(entry.Tier), entry.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set entry: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (b *RedisBackend) Delete(ctx context.Context, tier Tier, id string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.entryKey(tier, id))
		pipe.SRem(ctx, b.indexKey(tier), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete entry: %w", err)
	}
	return nil
}

// Nearest implements Backend. Index members whose value has expired are
// pruned from the index as they are found.
func (b *RedisBackend) Nearest(ctx context.Context, tier Tier, embedding []float32, k int) ([]Candidate, error) {
	if k <= 0 {
		return nil, nil
	}
	ids, err := b.client.SMembers(ctx, b.indexKey(tier)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis index scan: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.entryKey(tier, id)
	}
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget entries: %w", err)
	}

	var (
		out   []Candidate
		stale []any
	)
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		e, err := decodeEntry([]byte(s))
		if err != nil {
			continue
		}
		out = append(out, Candidate{Entry: e, Distance: cosineDistance(embedding, e.Embedding)})
	}
	if len(stale) > 0 {
		// Best effort; a failed prune is retried on the next scan.
		_ = b.client.SRem(ctx, b.indexKey(tier), stale...).Err()
	}

	sortCandidates(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}
