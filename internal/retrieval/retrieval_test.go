package retrieval

import (
	"context"
	"testing"

	"github.com/philippgille/chromem-go"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/tierd/internal/accessfilter"
	"github.com/fyrsmithlabs/tierd/internal/clearance"
	"github.com/fyrsmithlabs/tierd/internal/permissions"
)

// corpus covers each admission case for a requester in eng.
var corpus = []Chunk{
	{Document: accessfilter.Document{ID: "handbook", SecurityLevel: clearance.General}, Content: "Leave policy: 25 days."},
	{Document: accessfilter.Document{ID: "salaries", SecurityLevel: clearance.Confidential}, Content: "Salary bands."},
	{Document: accessfilter.Document{ID: "incident", SecurityLevel: clearance.HighlyConfidential}, Content: "Incident report."},
	{Document: accessfilter.Document{ID: "eng-roadmap", SecurityLevel: clearance.Restricted, IsDepartmentOnly: true, DepartmentID: "eng"}, Content: "Eng roadmap."},
	{Document: accessfilter.Document{ID: "eng-secrets", SecurityLevel: clearance.Confidential, IsDepartmentOnly: true, DepartmentID: "eng"}, Content: "Eng keys rotation."},
	{Document: accessfilter.Document{ID: "fin-forecast", SecurityLevel: clearance.Restricted, IsDepartmentOnly: true, DepartmentID: "fin"}, Content: "Finance forecast."},
}

var corpusEmbeddings = [][]float32{
	{1, 0, 0},
	{0.9, 0.1, 0},
	{0.8, 0.2, 0},
	{0.7, 0.3, 0},
	{0.6, 0.4, 0},
	{0.5, 0.5, 0},
}

var query = []float32{1, 0, 0}

func ids(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.ID
	}
	return out
}

func chromemRetriever(t *testing.T) *ChromemRetriever {
	t.Helper()
	db := chromem.NewDB()
	col, err := db.CreateCollection("chunks", nil, func(context.Context, string) ([]float32, error) {
		t.Fatal("embedding function must not be called")
		return nil, nil
	})
	require.NoError(t, err)
	return NewChromemRetriever(col, zap.NewNop())
}

func sqlRetriever(t *testing.T) *SQLRetriever {
	t.Helper()
	db, err := permissions.Open(permissions.DBConfig{Driver: permissions.DriverSQLite})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	r := NewSQLRetriever(db, nil)
	require.NoError(t, r.Migrate(context.Background()))
	return r
}

func TestRetrievers_AdmitOnlyPermittedChunks(t *testing.T) {
	retrievers := map[string]func(*testing.T) Retriever{
		"chromem": func(t *testing.T) Retriever { return chromemRetriever(t) },
		"sql":     func(t *testing.T) Retriever { return sqlRetriever(t) },
	}

	tests := []struct {
		name string
		eff  clearance.Effective
		want []string
	}{
		{
			name: "general without department",
			eff:  clearance.Effective{OrgValue: clearance.General},
			want: []string{"handbook"},
		},
		{
			name: "restricted in eng",
			eff:  clearance.Effective{OrgValue: clearance.Restricted, DepartmentID: "eng", DeptValue: clearance.Restricted},
			want: []string{"handbook", "eng-roadmap"},
		},
		{
			name: "restricted org, confidential in eng",
			eff:  clearance.Effective{OrgValue: clearance.Restricted, DepartmentID: "eng", DeptValue: clearance.Confidential},
			want: []string{"handbook", "eng-roadmap", "eng-secrets"},
		},
		{
			name: "highly confidential in fin",
			eff:  clearance.Effective{OrgValue: clearance.HighlyConfidential, DepartmentID: "fin", DeptValue: clearance.General},
			want: []string{"handbook", "salaries", "incident", "fin-forecast"},
		},
	}

	for backend, build := range retrievers {
		t.Run(backend, func(t *testing.T) {
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					ctx := context.Background()
					r := build(t)
					require.NoError(t, r.Index(ctx, corpus, corpusEmbeddings))

					p, err := accessfilter.ForClearance(tt.eff)
					require.NoError(t, err)
					got, err := r.Search(ctx, query, p, 10)
					require.NoError(t, err)
					assert.Equal(t, tt.want, ids(got), "ordered by similarity")
					for _, c := range got {
						assert.True(t, accessfilter.Evaluate(p, c.Document))
					}
				})
			}
		})
	}
}

func TestRetrievers_LimitAndContent(t *testing.T) {
	ctx := context.Background()
	for name, r := range map[string]Retriever{"chromem": chromemRetriever(t), "sql": sqlRetriever(t)} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, r.Index(ctx, corpus, corpusEmbeddings))
			p, err := accessfilter.Build(clearance.HighlyConfidential, "eng")
			require.NoError(t, err)

			got, err := r.Search(ctx, query, p, 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "handbook", got[0].ID)
			assert.Equal(t, "Leave policy: 25 days.", got[0].Content)
			assert.InDelta(t, 1.0, got[0].Score, 1e-5)
			assert.GreaterOrEqual(t, got[0].Score, got[1].Score)
		})
	}
}

func TestRetrievers_InvalidInput(t *testing.T) {
	ctx := context.Background()
	r := sqlRetriever(t)
	p, err := accessfilter.Build(clearance.General, "")
	require.NoError(t, err)

	_, err = r.Search(ctx, query, nil, 5)
	assert.Error(t, err)
	_, err = r.Search(ctx, nil, p, 5)
	assert.Error(t, err)
	_, err = r.Search(ctx, query, p, 0)
	assert.Error(t, err)

	assert.Error(t, r.Index(ctx, corpus, corpusEmbeddings[:1]))
	bad := []Chunk{{Document: accessfilter.Document{ID: "x", SecurityLevel: clearance.General, IsDepartmentOnly: true}}}
	assert.ErrorIs(t, r.Index(ctx, bad, [][]float32{{1, 0, 0}}), clearance.ErrDataIntegrity)
	assert.ErrorIs(t, r.Index(ctx, []Chunk{{Document: accessfilter.Document{ID: "y"}}}, [][]float32{{1}}),
		clearance.ErrMalformedLevel)
}

func TestSQLRetriever_ReindexReplaces(t *testing.T) {
	ctx := context.Background()
	r := sqlRetriever(t)
	require.NoError(t, r.Index(ctx, corpus[:1], corpusEmbeddings[:1]))

	moved := corpus[0]
	moved.SecurityLevel = clearance.HighlyConfidential
	require.NoError(t, r.Index(ctx, []Chunk{moved}, corpusEmbeddings[:1]))

	p, err := accessfilter.Build(clearance.General, "")
	require.NoError(t, err)
	got, err := r.Search(ctx, query, p, 5)
	require.NoError(t, err)
	assert.Empty(t, got, "reclassified chunk no longer admitted")
}

func TestNew(t *testing.T) {
	col, err := chromem.NewDB().CreateCollection("c", nil, nil)
	require.NoError(t, err)

	r, err := New(accessfilter.BackendChromem, WithChromem(col))
	require.NoError(t, err)
	assert.Equal(t, accessfilter.BackendChromem, r.Backend())

	_, err = New(accessfilter.BackendSQL)
	assert.ErrorIs(t, err, ErrMissingDependency)
	_, err = New(accessfilter.BackendQdrant, WithQdrant(nil, "chunks"))
	assert.ErrorIs(t, err, ErrMissingDependency)

	for _, b := range []accessfilter.Backend{accessfilter.BackendMapOps, accessfilter.BackendCEL, "elastic"} {
		_, err := New(b)
		assert.ErrorIs(t, err, accessfilter.ErrUnsupportedBackend, string(b))
	}
}

func TestRecheck_DropsLeakedChunks(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	p, err := accessfilter.Build(clearance.Restricted, "")
	require.NoError(t, err)

	got := recheck(zap.New(core), accessfilter.BackendQdrant, p, []Chunk{corpus[0], corpus[2], corpus[3]})
	assert.Equal(t, []string{"handbook"}, ids(got))
	assert.Equal(t, 2, logs.FilterMessage("backend returned a chunk outside the access filter").Len())
}

func TestQdrantPayload_RoundTrip(t *testing.T) {
	for _, c := range corpus {
		got, err := chunkFromPayload(chunkPayload(c))
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}

	_, err := chunkFromPayload(map[string]*qdrant.Value{
		payloadChunkID: qdrant.NewValueString("x"),
	})
	assert.ErrorIs(t, err, clearance.ErrDataIntegrity)

	_, err = chunkFromPayload(map[string]*qdrant.Value{})
	assert.ErrorIs(t, err, clearance.ErrDataIntegrity)
}

func TestPointID_Stable(t *testing.T) {
	assert.Equal(t, pointID("handbook"), pointID("handbook"))
	assert.NotEqual(t, pointID("handbook"), pointID("salaries"))
	id := "0b6c1d4e-9a35-4f57-9a3a-3d6f3b0a1c22"
	assert.Equal(t, id, pointID(id))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 1}, []float32{2, 2}), 1e-6)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.Equal(t, float32(-1), cosineSimilarity([]float32{1}, []float32{1, 0}))
	assert.Equal(t, float32(-1), cosineSimilarity([]float32{0, 0}, []float32{1, 0}))
}
