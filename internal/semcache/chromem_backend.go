package semcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
)

// ChromemBackend keeps entries in a process-local chromem database, one
// collection per tier. Expiry is recorded on the entry and enforced by the
// cache on read.
type ChromemBackend struct {
	db *chromem.DB

	mu          sync.Mutex
	collections map[Tier]*chromem.Collection
}

// NewChromemBackend creates an in-memory backend. A non-empty path persists
// to disk with chromem's gob format.
func NewChromemBackend(path string) (*ChromemBackend, error) {
	db := chromem.NewDB()
	if path != "" {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("opening chromem db at %s: %w", path, err)
		}
	}
	return &ChromemBackend{db: db, collections: make(map[Tier]*chromem.Collection)}, nil
}

// Embeddings are always supplied by the cache.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("semcache entries carry their own embeddings")
}

func (b *ChromemBackend) collection(tier Tier) (*chromem.Collection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.collections[tier]; ok {
		return c, nil
	}
	c, err := b.db.GetOrCreateCollection("semcache_"+string(tier), nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("getting collection for tier %s: %w", tier, err)
	}
	b.collections[tier] = c
	return c, nil
}

// Get implements Backend.
func (b *ChromemBackend) Get(ctx context.Context, tier Tier, id string) (*Entry, error) {
	c, err := b.collection(tier)
	if err != nil {
		return nil, err
	}
	doc, err := c.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	e, err := decodeEntry([]byte(doc.Content))
	if err != nil {
		return nil, err
	}
	e.Embedding = doc.Embedding
	return e, nil
}

// Set implements Backend. The ttl is already reflected in entry.ExpiresAt.
func (b *ChromemBackend) Set(ctx context.Context, entry *Entry, _ time.Duration) error {
	c, err := b.collection(entry.Tier)
	if err != nil {
		return err
	}
	data, err := encodeEntry(entry, false)
	if err != nil {
		return err
	}
	if err := c.AddDocument(ctx, chromem.Document{
		ID:        entry.ID,
		Content:   string(data),
		Embedding: entry.Embedding,
		Metadata:  map[string]string{"tier": string(entry.Tier)},
	}); err != nil {
		return fmt.Errorf("adding cache entry %s: %w", entry.ID, err)
	}
	return nil
}

// Delete implements Backend.
func (b *ChromemBackend) Delete(ctx context.Context, tier Tier, id string) error {
	c, err := b.collection(tier)
	if err != nil {
		return err
	}
	if err := c.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("deleting cache entry %s: %w", id, err)
	}
	return nil
}

// Nearest implements Backend.
func (b *ChromemBackend) Nearest(ctx context.Context, tier Tier, embedding []float32, k int) ([]Candidate, error) {
	c, err := b.collection(tier)
	if err != nil {
		return nil, err
	}
	results, err := queryShrinking(c.Count, func(n int) ([]chromem.Result, error) {
		return c.QueryEmbedding(ctx, embedding, n, nil, nil)
	}, k)
	if err != nil {
		return nil, fmt.Errorf("querying tier %s: %w", tier, err)
	}

	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		e, err := decodeEntry([]byte(r.Content))
		if err != nil {
			continue
		}
		e.Embedding = r.Embedding
		out = append(out, Candidate{Entry: e, Distance: 1 - r.Similarity})
	}
	sortCandidates(out)
	return out, nil
}

const maxShrinkRetries = 3

// queryShrinking runs query with k capped at the collection size, which
// chromem requires. A concurrent eviction can shrink the collection between
// the count and the query; the query is then retried at the new size.
func queryShrinking(count func() int, query func(n int) ([]chromem.Result, error), k int) ([]chromem.Result, error) {
	for attempt := 0; ; attempt++ {
		n := min(k, count())
		if n <= 0 {
			return nil, nil
		}
		results, err := query(n)
		if err == nil {
			return results, nil
		}
		if attempt >= maxShrinkRetries || count() >= n {
			return nil, err
		}
	}
}
