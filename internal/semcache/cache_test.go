package semcache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/philippgille/chromem-go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tierd/internal/accessfilter"
	"github.com/fyrsmithlabs/tierd/internal/clearance"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type mapEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (m mapEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no vector for %q", text)
	}
	return v, nil
}

var testEmbedder = mapEmbedder{vectors: map[string][]float32{
	"leave policy":          {1, 0, 0},
	"what is leave policy":  {0.999, 0.02, 0},
	"quarterly revenue":     {0, 1, 0},
	"unrelated engineering": {0, 0, 1},
}}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const answer = "Employees accrue 25 days of annual leave per year."

func newChromemCache(t *testing.T, tier Tier, cfg TierConfig, opts ...Option) (*Cache, Backend, *clock) {
	t.Helper()
	backend, err := NewChromemBackend("")
	require.NoError(t, err)
	clk := &clock{now: t0}
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	c, err := New(tier, cfg, backend, testEmbedder, opts...)
	require.NoError(t, err)
	return c, backend, clk
}

func newRedisCache(t *testing.T, tier Tier, cfg TierConfig) (*Cache, *miniredis.Miniredis, *redis.Client, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clk := &clock{now: t0}
	c, err := New(tier, cfg, NewRedisBackend(client, ""), testEmbedder, WithClock(clk.Now))
	require.NoError(t, err)
	return c, mr, client, clk
}

func requester(org, dept clearance.Level, deptID string) Requester {
	return RequesterFor(clearance.Effective{OrgValue: org, DeptValue: dept, DepartmentID: deptID})
}

func TestNew_Validation(t *testing.T) {
	backend, err := NewChromemBackend("")
	require.NoError(t, err)

	_, err = New("warm", DefaultTierConfig(TierContext), backend, testEmbedder)
	assert.Error(t, err)

	bad := DefaultTierConfig(TierContext)
	bad.MaxEntries = 0
	_, err = New(TierContext, bad, backend, testEmbedder)
	assert.Error(t, err)

	enc := DefaultTierConfig(TierResponse)
	enc.Encrypt = true
	_, err = New(TierResponse, enc, backend, testEmbedder)
	assert.ErrorContains(t, err, "without a cipher")

	_, err = New(TierContext, DefaultTierConfig(TierContext), nil, testEmbedder)
	assert.Error(t, err)
}

func TestCache_StoreThenLookupSimilarQuery(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newChromemCache(t, TierResponse, DefaultTierConfig(TierResponse))

	stored, err := c.Store(ctx, "leave policy", answer, []accessfilter.Document{
		{ID: "hr-1", SecurityLevel: clearance.General},
	})
	require.NoError(t, err)
	require.True(t, stored)

	got, ok := c.Lookup(ctx, "what is leave policy", requester(clearance.General, clearance.General, ""))
	require.True(t, ok)
	assert.Equal(t, answer, got.Payload)
	assert.Equal(t, clearance.General, got.MinSecurityLevel)

	_, ok = c.Lookup(ctx, "quarterly revenue", requester(clearance.HighlyConfidential, clearance.HighlyConfidential, ""))
	assert.False(t, ok)
}

func TestCache_GatesAtDistanceZero(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		docs   []accessfilter.Document
		reader Requester
		hit    bool
	}{
		{
			name:   "confidential entry hidden from general reader",
			docs:   []accessfilter.Document{{ID: "fin-1", SecurityLevel: clearance.Confidential}},
			reader: requester(clearance.General, clearance.General, "sales"),
			hit:    false,
		},
		{
			name:   "confidential entry served to confidential reader",
			docs:   []accessfilter.Document{{ID: "fin-1", SecurityLevel: clearance.Confidential}},
			reader: requester(clearance.Confidential, clearance.Confidential, "sales"),
			hit:    true,
		},
		{
			name: "mixed levels gate on the highest",
			docs: []accessfilter.Document{
				{ID: "a", SecurityLevel: clearance.General},
				{ID: "b", SecurityLevel: clearance.HighlyConfidential},
			},
			reader: requester(clearance.Confidential, clearance.Confidential, ""),
			hit:    false,
		},
		{
			name:   "department-only entry hidden from other department",
			docs:   []accessfilter.Document{{ID: "eng-1", SecurityLevel: clearance.General, IsDepartmentOnly: true, DepartmentID: "eng"}},
			reader: requester(clearance.HighlyConfidential, clearance.HighlyConfidential, "sales"),
			hit:    false,
		},
		{
			name:   "department-only entry hidden from reader without department",
			docs:   []accessfilter.Document{{ID: "eng-1", SecurityLevel: clearance.General, IsDepartmentOnly: true, DepartmentID: "eng"}},
			reader: requester(clearance.HighlyConfidential, clearance.HighlyConfidential, ""),
			hit:    false,
		},
		{
			name:   "department-only entry served to own department",
			docs:   []accessfilter.Document{{ID: "eng-1", SecurityLevel: clearance.General, IsDepartmentOnly: true, DepartmentID: "eng"}},
			reader: requester(clearance.General, clearance.General, "eng"),
			hit:    true,
		},
		{
			name: "entry drawing on two departments hidden from both",
			docs: []accessfilter.Document{
				{ID: "eng-1", SecurityLevel: clearance.General, IsDepartmentOnly: true, DepartmentID: "eng"},
				{ID: "ops-1", SecurityLevel: clearance.General, IsDepartmentOnly: true, DepartmentID: "ops"},
			},
			reader: requester(clearance.General, clearance.General, "eng"),
			hit:    false,
		},
		{
			name:   "department clearance applies to own department entry",
			docs:   []accessfilter.Document{{ID: "eng-2", SecurityLevel: clearance.Confidential, DepartmentID: "eng"}},
			reader: requester(clearance.General, clearance.Confidential, "eng"),
			hit:    true,
		},
		{
			name:   "department clearance does not apply elsewhere",
			docs:   []accessfilter.Document{{ID: "eng-2", SecurityLevel: clearance.Confidential, DepartmentID: "eng"}},
			reader: requester(clearance.General, clearance.Confidential, "sales"),
			hit:    false,
		},
		{
			name:   "no documents is open to everyone",
			docs:   nil,
			reader: requester(clearance.General, clearance.General, ""),
			hit:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newChromemCache(t, TierResponse, DefaultTierConfig(TierResponse))
			stored, err := c.Store(ctx, "leave policy", answer, tt.docs)
			require.NoError(t, err)
			require.True(t, stored)

			_, ok := c.Lookup(ctx, "leave policy", tt.reader)
			assert.Equal(t, tt.hit, ok)
		})
	}
}

func TestCache_ServedEntriesAreAdmissible(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	depts := []string{"", "eng", "sales", "ops"}
	levels := []clearance.Level{clearance.General, clearance.Restricted, clearance.Confidential, clearance.HighlyConfidential}

	for i := 0; i < 200; i++ {
		c, _, _ := newChromemCache(t, TierContext, DefaultTierConfig(TierContext))

		docs := make([]accessfilter.Document, 1+rng.Intn(3))
		for j := range docs {
			dept := depts[rng.Intn(len(depts))]
			docs[j] = accessfilter.Document{
				ID:               fmt.Sprintf("d%d", j),
				SecurityLevel:    levels[rng.Intn(len(levels))],
				IsDepartmentOnly: dept != "" && rng.Intn(2) == 0,
				DepartmentID:     dept,
			}
		}
		_, err := c.Store(ctx, "leave policy", answer, docs)
		require.NoError(t, err)

		eff := clearance.Effective{
			OrgValue:     levels[rng.Intn(len(levels))],
			DeptValue:    levels[rng.Intn(len(levels))],
			DepartmentID: depts[rng.Intn(len(depts))],
		}
		if _, ok := c.Lookup(ctx, "leave policy", RequesterFor(eff)); !ok {
			continue
		}
		p, err := accessfilter.ForClearance(eff)
		require.NoError(t, err)
		for _, d := range docs {
			assert.True(t, accessfilter.Evaluate(p, d),
				"case %d: served entry built from %+v to %+v", i, d, eff)
		}
	}
}

func TestCache_EvictsOldestInCluster(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultTierConfig(TierResponse)
	c, backend, clk := newChromemCache(t, TierResponse, cfg)

	for i := 1; i <= cfg.MaxEntries+2; i++ {
		stored, err := c.Store(ctx, "leave policy", fmt.Sprintf("%s (variation %d)", answer, i), nil)
		require.NoError(t, err)
		require.True(t, stored)
		clk.Advance(time.Second)
	}
	// A distant entry is outside the cluster and must survive.
	_, err := c.Store(ctx, "quarterly revenue", "Revenue grew eleven percent in Q3.", nil)
	require.NoError(t, err)

	cands, err := backend.Nearest(ctx, TierResponse, []float32{1, 0, 0}, 50)
	require.NoError(t, err)

	var cluster []string
	for _, cand := range cands {
		if cand.Distance <= cfg.DistanceThreshold {
			cluster = append(cluster, cand.Entry.Payload)
		}
	}
	require.Len(t, cluster, cfg.MaxEntries)
	joined := strings.Join(cluster, "\n")
	assert.NotContains(t, joined, "(variation 1)")
	assert.NotContains(t, joined, "(variation 2)")
	assert.Contains(t, joined, "(variation 7)")

	_, ok := c.Lookup(ctx, "quarterly revenue", requester(clearance.General, clearance.General, ""))
	assert.True(t, ok)
}

func TestCache_ExpiredEntriesMissAndAreDeleted(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultTierConfig(TierContext)
	c, backend, clk := newChromemCache(t, TierContext, cfg)

	_, err := c.Store(ctx, "leave policy", answer, nil)
	require.NoError(t, err)

	reader := requester(clearance.General, clearance.General, "")
	_, ok := c.Lookup(ctx, "leave policy", reader)
	require.True(t, ok)

	clk.Advance(cfg.TTL)
	_, ok = c.Lookup(ctx, "leave policy", reader)
	assert.False(t, ok)

	cands, err := backend.Nearest(ctx, TierContext, []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestCache_RejectsNegativeAndShortPayloads(t *testing.T) {
	ctx := context.Background()
	c, backend, _ := newChromemCache(t, TierResponse, DefaultTierConfig(TierResponse))

	tests := []struct {
		name    string
		payload string
	}{
		{"short", "Yes."},
		{"whitespace padded short", "      ok          "},
		{"negative", "I don't have information about the leave policy in the documents."},
		{"negative any case", "Sorry, I COULD NOT FIND anything relevant to that question."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored, err := c.Store(ctx, "leave policy", tt.payload, nil)
			require.NoError(t, err)
			assert.False(t, stored)
		})
	}

	cands, err := backend.Nearest(ctx, TierResponse, []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestCache_StoreRejectsMalformedDocuments(t *testing.T) {
	c, _, _ := newChromemCache(t, TierResponse, DefaultTierConfig(TierResponse))
	_, err := c.Store(context.Background(), "leave policy", answer, []accessfilter.Document{
		{ID: "x", SecurityLevel: clearance.General, IsDepartmentOnly: true},
	})
	assert.ErrorIs(t, err, clearance.ErrDataIntegrity)
}

func TestCache_EmbedFailureIsMiss(t *testing.T) {
	backend, err := NewChromemBackend("")
	require.NoError(t, err)
	c, err := New(TierContext, DefaultTierConfig(TierContext), backend, mapEmbedder{err: errors.New("embedder down")})
	require.NoError(t, err)

	_, ok := c.Lookup(context.Background(), "leave policy", requester(clearance.General, clearance.General, ""))
	assert.False(t, ok)

	_, err = c.Store(context.Background(), "leave policy", answer, nil)
	assert.ErrorContains(t, err, "embedder down")
}

func TestCache_EncryptsPayloadAtRest(t *testing.T) {
	ctx := context.Background()
	cipher, err := NewCipher([]byte("0123456789abcdef-tierd"))
	require.NoError(t, err)

	cfg := DefaultTierConfig(TierResponse)
	cfg.Encrypt = true
	c, backend, _ := newChromemCache(t, TierResponse, cfg, WithCipher(cipher))

	_, err = c.Store(ctx, "leave policy", answer, nil)
	require.NoError(t, err)

	cands, err := backend.Nearest(ctx, TierResponse, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	raw := cands[0].Entry
	assert.True(t, raw.Encrypted)
	assert.True(t, strings.HasPrefix(raw.Payload, EncryptedPrefix))
	assert.NotContains(t, raw.Payload, "annual leave")

	got, ok := c.Lookup(ctx, "leave policy", requester(clearance.General, clearance.General, ""))
	require.True(t, ok)
	assert.Equal(t, answer, got.Payload)
	assert.False(t, got.Encrypted)
}

func TestCipher(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	assert.ErrorIs(t, err, ErrWeakKey)

	c, err := NewCipher([]byte("a sufficiently long secret"))
	require.NoError(t, err)

	sealed, err := c.Encrypt("payload", "entry-1")
	require.NoError(t, err)

	plain, err := c.Decrypt(sealed, "entry-1")
	require.NoError(t, err)
	assert.Equal(t, "payload", plain)

	_, err = c.Decrypt(sealed, "entry-2")
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = c.Decrypt("payload", "entry-1")
	assert.ErrorIs(t, err, ErrDecrypt)

	other, err := NewCipher([]byte("a different long secret"))
	require.NoError(t, err)
	_, err = other.Decrypt(sealed, "entry-1")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestRedisBackend_StoreLookupAndExpiry(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultTierConfig(TierContext)
	c, mr, client, clk := newRedisCache(t, TierContext, cfg)

	_, err := c.Store(ctx, "leave policy", answer, []accessfilter.Document{
		{ID: "hr-1", SecurityLevel: clearance.Restricted},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), client.SCard(ctx, DefaultRedisPrefix+"context:index").Val())

	_, ok := c.Lookup(ctx, "what is leave policy", requester(clearance.General, clearance.General, ""))
	assert.False(t, ok, "restricted entry gated")

	got, ok := c.Lookup(ctx, "what is leave policy", requester(clearance.Restricted, clearance.Restricted, ""))
	require.True(t, ok)
	assert.Equal(t, answer, got.Payload)

	mr.FastForward(cfg.TTL + time.Second)
	clk.Advance(cfg.TTL + time.Second)

	_, ok = c.Lookup(ctx, "leave policy", requester(clearance.Restricted, clearance.Restricted, ""))
	assert.False(t, ok)
	assert.Zero(t, client.SCard(ctx, DefaultRedisPrefix+"context:index").Val(), "stale ids pruned")
}

func TestRedisBackend_Eviction(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultTierConfig(TierResponse)
	cfg.MaxEntries = 2
	c, _, client, clk := newRedisCache(t, TierResponse, cfg)

	for i := 0; i < 4; i++ {
		_, err := c.Store(ctx, "leave policy", fmt.Sprintf("%s #%d", answer, i), nil)
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}
	assert.Equal(t, int64(2), client.SCard(ctx, DefaultRedisPrefix+"response:index").Val())
}

func TestRedisBackend_GetMissing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	_, err := NewRedisBackend(client, "").Get(context.Background(), TierContext, "nope")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestCache_Metrics(t *testing.T) {
	ctx := context.Background()
	m := NewMetrics()
	require.Same(t, m, NewMetrics())

	c, _, _ := newChromemCache(t, TierResponse, DefaultTierConfig(TierResponse), WithMetrics(m))

	gated := m.LookupsTotal.WithLabelValues(string(TierResponse), ResultGated)
	hits := m.LookupsTotal.WithLabelValues(string(TierResponse), ResultHit)
	short := m.StoresTotal.WithLabelValues(string(TierResponse), StoreShort)
	beforeGated, beforeHits, beforeShort := testutil.ToFloat64(gated), testutil.ToFloat64(hits), testutil.ToFloat64(short)

	_, err := c.Store(ctx, "leave policy", answer, []accessfilter.Document{{ID: "x", SecurityLevel: clearance.Confidential}})
	require.NoError(t, err)
	_, err = c.Store(ctx, "leave policy", "no", nil)
	require.NoError(t, err)

	c.Lookup(ctx, "leave policy", requester(clearance.General, clearance.General, ""))
	c.Lookup(ctx, "leave policy", requester(clearance.Confidential, clearance.Confidential, ""))

	assert.Equal(t, beforeGated+1, testutil.ToFloat64(gated))
	assert.Equal(t, beforeHits+1, testutil.ToFloat64(hits))
	assert.Equal(t, beforeShort+1, testutil.ToFloat64(short))
}

func TestCosineDistance(t *testing.T) {
	assert.InDelta(t, 0, cosineDistance([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-6)
	assert.InDelta(t, 1, cosineDistance([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, 2, cosineDistance([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.Equal(t, float32(2), cosineDistance([]float32{1}, []float32{1, 0}))
	assert.Equal(t, float32(2), cosineDistance([]float32{0, 0}, []float32{1, 0}))
}

func TestEntry_AdmitsMultiDepartmentOnlyWithinEveryDepartment(t *testing.T) {
	e := &Entry{
		MinSecurityLevel: clearance.General,
		IsDepartmental:   true,
		DepartmentIDs:    []string{"eng", "finance"},
	}
	tests := []struct {
		name string
		r    Requester
		want bool
	}{
		{"member of one department", requester(clearance.HighlyConfidential, clearance.HighlyConfidential, "eng"), false},
		{"member of the other", requester(clearance.HighlyConfidential, clearance.HighlyConfidential, "finance"), false},
		{"no department", requester(clearance.HighlyConfidential, clearance.HighlyConfidential, ""), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Admits(tt.r))
		})
	}

	single := &Entry{MinSecurityLevel: clearance.General, IsDepartmental: true, DepartmentIDs: []string{"eng", "eng"}}
	assert.True(t, single.Admits(requester(clearance.General, clearance.General, "eng")))
}

func TestQueryShrinking(t *testing.T) {
	errTooMany := errors.New("nResults must be <= the number of documents in the collection")

	t.Run("collection shrinks between count and query", func(t *testing.T) {
		size := 5
		var asked []int
		results, err := queryShrinking(func() int { return size }, func(n int) ([]chromem.Result, error) {
			asked = append(asked, n)
			if len(asked) == 1 {
				size = 3
				return nil, errTooMany
			}
			return make([]chromem.Result, n), nil
		}, 10)
		require.NoError(t, err)
		assert.Len(t, results, 3)
		assert.Equal(t, []int{5, 3}, asked)
	})

	t.Run("emptied collection is a miss", func(t *testing.T) {
		size := 2
		results, err := queryShrinking(func() int { return size }, func(int) ([]chromem.Result, error) {
			size = 0
			return nil, errTooMany
		}, 4)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("other errors surface", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := queryShrinking(func() int { return 2 }, func(int) ([]chromem.Result, error) {
			return nil, boom
		}, 4)
		assert.ErrorIs(t, err, boom)
	})
}
