package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/philippgille/chromem-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tierd/internal/accessfilter"
	"github.com/fyrsmithlabs/tierd/internal/clearance"
	"github.com/fyrsmithlabs/tierd/internal/llmrouter"
	"github.com/fyrsmithlabs/tierd/internal/permissions"
	"github.com/fyrsmithlabs/tierd/internal/retrieval"
	"github.com/fyrsmithlabs/tierd/internal/semcache"
	"github.com/fyrsmithlabs/tierd/internal/telemetry"
)

const (
	leaveAnswer  = "Employees accrue 25 days of annual leave per year."
	mergerAnswer = "The merger is scheduled to close at the end of Q3."
)

type mapEmbedder map[string][]float32

func (m mapEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	v, ok := m[text]
	if !ok {
		return nil, fmt.Errorf("no vector for %q", text)
	}
	return v, nil
}

var embedder = mapEmbedder{
	"what is the leave policy": {1, 0, 0},
	"leave policy details":     {0.99, 0.05, 0},
	"merger timeline":          {0, 1, 0},
}

type endpoint struct {
	role  llmrouter.Role
	reply string
	down  bool

	mu      sync.Mutex
	prompts []string
}

func (e *endpoint) Role() llmrouter.Role           { return e.role }
func (e *endpoint) Available(context.Context) bool { return !e.down }
func (e *endpoint) Invoke(_ context.Context, prompt string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prompts = append(e.prompts, prompt)
	return e.reply, nil
}

func (e *endpoint) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.prompts)
}

func (e *endpoint) LastPrompt() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.prompts) == 0 {
		return ""
	}
	return e.prompts[len(e.prompts)-1]
}

type fixture struct {
	svc       *Service
	primary   *endpoint
	internal  *endpoint
	responses *semcache.Cache
	contexts  *semcache.Cache
}

func setup(t *testing.T, internalDown bool, withResponses bool) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := permissions.Open(permissions.DBConfig{Driver: permissions.DriverSQLite})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	store := permissions.NewStore(db, nil)
	require.NoError(t, store.Migrate(ctx))
	for user, level := range map[string]clearance.Level{
		"rita": clearance.Restricted,
		"gail": clearance.General,
		"hana": clearance.HighlyConfidential,
	} {
		require.NoError(t, store.UpsertUserPermission(ctx, clearance.UserPermission{UserID: user, OrgLevel: level}))
	}
	resolver, err := clearance.NewService(store, clearance.NewMemoryCache())
	require.NoError(t, err)

	col, err := chromem.NewDB().CreateCollection("chunks", nil, nil)
	require.NoError(t, err)
	retriever := retrieval.NewChromemRetriever(col, nil)
	require.NoError(t, retriever.Index(ctx, []retrieval.Chunk{
		{Document: accessfilter.Document{ID: "handbook", SecurityLevel: clearance.General}, Content: "Annual leave is 25 days."},
		{Document: accessfilter.Document{ID: "merger", SecurityLevel: clearance.Confidential}, Content: "Merger closes end of Q3."},
	}, [][]float32{{1, 0, 0}, {0.3, 1, 0}}))

	f := &fixture{
		primary:  &endpoint{role: llmrouter.RolePrimary, reply: leaveAnswer},
		internal: &endpoint{role: llmrouter.RoleInternal, reply: mergerAnswer, down: internalDown},
	}
	router, err := llmrouter.NewRouter(llmrouter.Config{InternalThreshold: clearance.Confidential},
		llmrouter.WithEndpoint(f.primary), llmrouter.WithEndpoint(f.internal))
	require.NoError(t, err)

	newCache := func(tier semcache.Tier) *semcache.Cache {
		backend, err := semcache.NewChromemBackend("")
		require.NoError(t, err)
		c, err := semcache.New(tier, semcache.DefaultTierConfig(tier), backend, embedder)
		require.NoError(t, err)
		return c
	}
	opts := []Option{}
	f.contexts = newCache(semcache.TierContext)
	opts = append(opts, WithContextCache(f.contexts))
	if withResponses {
		f.responses = newCache(semcache.TierResponse)
		opts = append(opts, WithResponseCache(f.responses))
	}

	f.svc, err = New(Config{}, resolver, embedder, retriever, router, opts...)
	require.NoError(t, err)
	return f
}

func TestAnswer_EndToEndScenario(t *testing.T) {
	ctx := context.Background()
	f := setup(t, false, true)

	// A RESTRICTED user only retrieves the GENERAL document.
	a, err := f.svc.Answer(ctx, Query{UserID: "rita", Text: "what is the leave policy"})
	require.NoError(t, err)
	assert.Equal(t, leaveAnswer, a.Text)
	assert.Equal(t, []string{"handbook"}, a.Sources)
	assert.Equal(t, llmrouter.RolePrimary, a.Endpoint)
	assert.Equal(t, llmrouter.ReasonBelowThreshold, a.Decision.Reason)
	assert.Empty(t, a.CacheTier)
	assert.NotContains(t, f.primary.LastPrompt(), "Merger")

	// The cached answer is tagged GENERAL.
	e, ok := f.responses.Lookup(ctx, "what is the leave policy", semcache.Requester{Level: clearance.General})
	require.True(t, ok)
	assert.Equal(t, clearance.General, e.MinSecurityLevel)

	// A GENERAL user's similar query hits it.
	a, err = f.svc.Answer(ctx, Query{UserID: "gail", Text: "leave policy details"})
	require.NoError(t, err)
	assert.Equal(t, semcache.TierResponse, a.CacheTier)
	assert.Equal(t, leaveAnswer, a.Text)
	assert.Equal(t, 1, f.primary.Calls())

	// A HIGHLY_CONFIDENTIAL user's dissimilar query does not.
	a, err = f.svc.Answer(ctx, Query{UserID: "hana", Text: "merger timeline"})
	require.NoError(t, err)
	assert.Empty(t, a.CacheTier)
	assert.Equal(t, mergerAnswer, a.Text)
	assert.Equal(t, []string{"merger", "handbook"}, a.Sources)
	assert.Equal(t, llmrouter.RoleInternal, a.Endpoint)
	assert.Equal(t, clearance.Confidential, a.Decision.MaxDocumentLevel)
	assert.Equal(t, 1, f.primary.Calls())
	assert.Equal(t, 1, f.internal.Calls())
}

func TestAnswer_RecordsRoutingOnSpan(t *testing.T) {
	tel := telemetry.NewTestTelemetry(t)
	f := setup(t, false, false)

	_, err := f.svc.Answer(context.Background(), Query{UserID: "hana", Text: "merger timeline"})
	require.NoError(t, err)

	v, ok := tel.Attribute("pipeline.Answer", "llm.endpoint")
	require.True(t, ok)
	assert.Equal(t, string(llmrouter.RoleInternal), v.AsString())
	v, ok = tel.Attribute("pipeline.Answer", "clearance.org")
	require.True(t, ok)
	assert.Equal(t, "HIGHLY_CONFIDENTIAL", v.AsString())
}

func TestAnswer_ResponseCacheGatesLowerClearance(t *testing.T) {
	ctx := context.Background()
	f := setup(t, false, true)

	a, err := f.svc.Answer(ctx, Query{UserID: "hana", Text: "merger timeline"})
	require.NoError(t, err)
	require.Equal(t, llmrouter.RoleInternal, a.Endpoint)

	// Same query from a RESTRICTED user: the CONFIDENTIAL answer and context
	// are both gated, so retrieval runs under their own clearance.
	a, err = f.svc.Answer(ctx, Query{UserID: "rita", Text: "merger timeline"})
	require.NoError(t, err)
	assert.Empty(t, a.CacheTier)
	assert.Equal(t, []string{"handbook"}, a.Sources)
	assert.Equal(t, llmrouter.RolePrimary, a.Endpoint)
	assert.NotEqual(t, mergerAnswer, a.Text)
}

func TestAnswer_ContextTier(t *testing.T) {
	ctx := context.Background()
	f := setup(t, false, false)

	_, err := f.svc.Answer(ctx, Query{UserID: "rita", Text: "what is the leave policy"})
	require.NoError(t, err)

	a, err := f.svc.Answer(ctx, Query{UserID: "gail", Text: "what is the leave policy"})
	require.NoError(t, err)
	assert.Equal(t, semcache.TierContext, a.CacheTier)
	assert.Equal(t, []string{"handbook"}, a.Sources)
	assert.Equal(t, 2, f.primary.Calls(), "generation still runs on a context hit")
	assert.Contains(t, f.primary.LastPrompt(), "Annual leave is 25 days.")
}

func TestAnswer_StrictPolicyRefusesSensitiveRouting(t *testing.T) {
	f := setup(t, true, true)

	_, err := f.svc.Answer(context.Background(), Query{UserID: "hana", Text: "merger timeline"})
	assert.ErrorIs(t, err, llmrouter.ErrInternalUnavailable)
	assert.Zero(t, f.primary.Calls())
	assert.Zero(t, f.internal.Calls())
}

func TestAnswer_InvalidQuery(t *testing.T) {
	f := setup(t, false, false)
	for _, q := range []Query{{Text: "what is the leave policy"}, {UserID: "rita", Text: "  "}} {
		_, err := f.svc.Answer(context.Background(), q)
		assert.ErrorIs(t, err, ErrEmptyQuery)
	}

	_, err := f.svc.Answer(context.Background(), Query{UserID: "rita", Text: "unknown words"})
	assert.ErrorContains(t, err, "embedding query")
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil, embedder, nil, nil)
	assert.Error(t, err)
}

func TestContextCodec(t *testing.T) {
	chunks := []retrieval.Chunk{
		{Document: accessfilter.Document{ID: "a", SecurityLevel: clearance.Restricted, IsDepartmentOnly: true, DepartmentID: "eng"}, Content: "x", Score: 0.5},
		{Document: accessfilter.Document{ID: "b", SecurityLevel: clearance.General}, Content: "y"},
	}
	payload, err := encodeChunks(chunks)
	require.NoError(t, err)
	got, err := decodeChunks(payload)
	require.NoError(t, err)
	assert.Equal(t, chunks, got)

	_, err = decodeChunks(`[{"id":"c","security_level":"GENERAL","is_department_only":true}]`)
	assert.ErrorIs(t, err, clearance.ErrDataIntegrity)
	_, err = decodeChunks("not json")
	assert.Error(t, err)
}
