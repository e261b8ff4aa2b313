package semcache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tierd/internal/accessfilter"
	"github.com/fyrsmithlabs/tierd/internal/clearance"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/tierd/internal/semcache")

// Embedder turns query text into a vector.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Cache is one tier of the semantic cache. It is safe for concurrent use;
// concurrent stores into one cluster may each evict, and the last write wins.
type Cache struct {
	tier     Tier
	cfg      TierConfig
	backend  Backend
	embedder Embedder
	cipher   *Cipher
	logger   *zap.Logger
	metrics  *Metrics
	now      func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithCipher enables payload encryption for tiers with Encrypt set.
func WithCipher(c *Cipher) Option {
	return func(cache *Cache) { cache.cipher = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(cache *Cache) {
		if l != nil {
			cache.logger = l
		}
	}
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(cache *Cache) { cache.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(cache *Cache) {
		if now != nil {
			cache.now = now
		}
	}
}

// New creates the cache for one tier.
func New(tier Tier, cfg TierConfig, backend Backend, embedder Embedder, opts ...Option) (*Cache, error) {
	if _, err := ParseTier(string(tier)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tier %s: %w", tier, err)
	}
	if backend == nil {
		return nil, fmt.Errorf("cache backend cannot be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}
	c := &Cache{
		tier:     tier,
		cfg:      cfg,
		backend:  backend,
		embedder: embedder,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.Encrypt && c.cipher == nil {
		return nil, fmt.Errorf("tier %s: encryption enabled without a cipher", tier)
	}
	return c, nil
}

// Tier returns the tier this cache serves.
func (c *Cache) Tier() Tier { return c.tier }

// Lookup embeds query and returns the closest entry within the distance
// threshold that r may read. Every failure is a miss.
func (c *Cache) Lookup(ctx context.Context, query string, r Requester) (*Entry, bool) {
	emb, err := c.embedder.EmbedQuery(ctx, query)
	if err != nil {
		c.logger.Warn("semantic cache embed failed, treating as miss",
			zap.String("tier", string(c.tier)), zap.Error(err))
		c.metrics.recordLookup(c.tier, ResultError)
		return nil, false
	}
	return c.LookupEmbedding(ctx, emb, r)
}

// LookupEmbedding is Lookup for a query already embedded.
func (c *Cache) LookupEmbedding(ctx context.Context, embedding []float32, r Requester) (*Entry, bool) {
	ctx, span := tracer.Start(ctx, "semcache.Lookup")
	defer span.End()
	span.SetAttributes(attribute.String("semcache.tier", string(c.tier)))

	candidates, err := c.backend.Nearest(ctx, c.tier, embedding, c.cfg.LookupK)
	if err != nil {
		c.logger.Warn("semantic cache backend failed, treating as miss",
			zap.String("tier", string(c.tier)), zap.Error(err))
		span.RecordError(err)
		c.metrics.recordLookup(c.tier, ResultError)
		return nil, false
	}

	now := c.now()
	var gated, expired int
	for _, cand := range candidates {
		if cand.Distance > c.cfg.DistanceThreshold {
			continue
		}
		e := cand.Entry
		if e.Expired(now) {
			expired++
			if err := c.backend.Delete(ctx, c.tier, e.ID); err != nil {
				c.logger.Debug("lazy delete of expired entry failed",
					zap.String("entry_id", e.ID), zap.Error(err))
			}
			continue
		}
		if !e.Admits(r) {
			gated++
			continue
		}

		out := *e
		if e.Encrypted {
			if c.cipher == nil {
				c.logger.Warn("encrypted entry without cipher", zap.String("entry_id", e.ID))
				continue
			}
			plain, err := c.cipher.Decrypt(e.Payload, e.ID)
			if err != nil {
				c.logger.Warn("cache entry decryption failed",
					zap.String("entry_id", e.ID), zap.Error(err))
				continue
			}
			out.Payload = plain
			out.Encrypted = false
		}

		span.SetAttributes(
			attribute.Bool("semcache.hit", true),
			attribute.Float64("semcache.distance", float64(cand.Distance)),
		)
		c.metrics.recordHit(c.tier, cand.Distance)
		return &out, true
	}

	span.SetAttributes(
		attribute.Bool("semcache.hit", false),
		attribute.Int("semcache.gated", gated),
		attribute.Int("semcache.expired", expired),
	)
	switch {
	case gated > 0:
		c.metrics.recordLookup(c.tier, ResultGated)
	case expired > 0:
		c.metrics.recordLookup(c.tier, ResultExpired)
	default:
		c.metrics.recordLookup(c.tier, ResultMiss)
	}
	return nil, false
}

// Store caches payload for query. It returns false without error when the
// payload is rejected as a negative or too-short answer.
func (c *Cache) Store(ctx context.Context, query, payload string, docs []accessfilter.Document) (bool, error) {
	if reason := c.reject(payload); reason != "" {
		c.metrics.recordStore(c.tier, reason)
		return false, nil
	}
	emb, err := c.embedder.EmbedQuery(ctx, query)
	if err != nil {
		c.metrics.recordStore(c.tier, StoreError)
		return false, fmt.Errorf("embedding cache query: %w", err)
	}
	return c.StoreEmbedding(ctx, emb, payload, docs)
}

// StoreEmbedding is Store for a query already embedded.
func (c *Cache) StoreEmbedding(ctx context.Context, embedding []float32, payload string, docs []accessfilter.Document) (bool, error) {
	ctx, span := tracer.Start(ctx, "semcache.Store")
	defer span.End()
	span.SetAttributes(attribute.String("semcache.tier", string(c.tier)))

	if reason := c.reject(payload); reason != "" {
		c.metrics.recordStore(c.tier, reason)
		return false, nil
	}

	now := c.now()
	entry, err := newEntry(c.tier, embedding, payload, docs, now, c.cfg.TTL)
	if err != nil {
		c.metrics.recordStore(c.tier, StoreError)
		return false, err
	}

	evicted, err := c.makeRoom(ctx, embedding, now)
	if err != nil {
		c.metrics.recordStore(c.tier, StoreError)
		span.RecordError(err)
		return false, err
	}
	c.metrics.recordEvictions(c.tier, evicted)

	if c.cfg.Encrypt {
		sealed, err := c.cipher.Encrypt(entry.Payload, entry.ID)
		if err != nil {
			c.metrics.recordStore(c.tier, StoreError)
			return false, fmt.Errorf("encrypting cache payload: %w", err)
		}
		entry.Payload = sealed
		entry.Encrypted = true
	}

	if err := c.backend.Set(ctx, entry, c.cfg.TTL); err != nil {
		c.metrics.recordStore(c.tier, StoreError)
		span.RecordError(err)
		return false, fmt.Errorf("storing cache entry: %w", err)
	}

	span.SetAttributes(
		attribute.Int("semcache.min_level", int(entry.MinSecurityLevel)),
		attribute.Int("semcache.evicted", evicted),
	)
	c.metrics.recordStore(c.tier, StoreStored)
	c.logger.Debug("semantic cache entry stored",
		zap.String("tier", string(c.tier)),
		zap.String("entry_id", entry.ID),
		zap.Stringer("min_level", entry.MinSecurityLevel),
		zap.Int("evicted", evicted))
	return true, nil
}

// reject returns the store result label for an unacceptable payload, or "".
func (c *Cache) reject(payload string) string {
	trimmed := strings.TrimSpace(payload)
	if len(trimmed) < c.cfg.MinPayloadLength {
		return StoreShort
	}
	lower := strings.ToLower(trimmed)
	for _, p := range c.cfg.NegativePatterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return StoreNegative
		}
	}
	return ""
}

// makeRoom evicts the oldest live entries of the cluster around embedding
// until one more fits. Expired cluster members are removed first.
func (c *Cache) makeRoom(ctx context.Context, embedding []float32, now time.Time) (int, error) {
	candidates, err := c.backend.Nearest(ctx, c.tier, embedding, 2*c.cfg.MaxEntries+1)
	if err != nil {
		return 0, fmt.Errorf("scanning cluster: %w", err)
	}

	var cluster []*Entry
	evicted := 0
	for _, cand := range candidates {
		if cand.Distance > c.cfg.DistanceThreshold {
			continue
		}
		if cand.Entry.Expired(now) {
			if err := c.backend.Delete(ctx, c.tier, cand.Entry.ID); err != nil {
				return evicted, fmt.Errorf("deleting expired entry: %w", err)
			}
			continue
		}
		cluster = append(cluster, cand.Entry)
	}

	sort.SliceStable(cluster, func(i, j int) bool {
		return cluster[i].CreatedAt.Before(cluster[j].CreatedAt)
	})
	for len(cluster) >= c.cfg.MaxEntries {
		oldest := cluster[0]
		if err := c.backend.Delete(ctx, c.tier, oldest.ID); err != nil {
			return evicted, fmt.Errorf("evicting entry %s: %w", oldest.ID, err)
		}
		cluster = cluster[1:]
		evicted++
	}
	return evicted, nil
}

// newEntry derives access metadata from the contributing documents only, so
// an answer built without documents is never tagged with a stale level.
func newEntry(tier Tier, embedding []float32, payload string, docs []accessfilter.Document, now time.Time, ttl time.Duration) (*Entry, error) {
	e := &Entry{
		ID:        uuid.NewString(),
		Tier:      tier,
		Embedding: embedding,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	depts := make(map[string]struct{})
	scope := ""
	for i, d := range docs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		e.MinSecurityLevel = clearance.Max(e.MinSecurityLevel, d.SecurityLevel)
		if d.IsDepartmentOnly {
			e.IsDepartmental = true
			depts[d.DepartmentID] = struct{}{}
		}
		switch {
		case i == 0:
			scope = d.DepartmentID
		case d.DepartmentID != scope:
			scope = ""
		}
	}
	e.ScopeDepartment = scope

	for id := range depts {
		e.DepartmentIDs = append(e.DepartmentIDs, id)
	}
	sort.Strings(e.DepartmentIDs)
	return e, nil
}
