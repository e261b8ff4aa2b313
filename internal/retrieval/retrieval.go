// Package retrieval runs access-filtered similarity search against the
// supported vector backends.
//
// Every retriever pushes the access predicate down to its backend in the
// backend's own filter grammar and then re-checks each result with
// accessfilter.Evaluate, dropping anything the predicate does not admit.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/philippgille/chromem-go"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fyrsmithlabs/tierd/internal/accessfilter"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/tierd/internal/retrieval")

// MaxK caps results per search.
const MaxK = 1000

// ErrMissingDependency is returned by New when the backend's client was not
// supplied.
var ErrMissingDependency = errors.New("retrieval backend dependency missing")

// Chunk is a retrievable passage with its access metadata. Chunk.ID is the
// embedded Document's ID.
type Chunk struct {
	accessfilter.Document
	Content string
	Score   float32
}

// Retriever searches one backend.
type Retriever interface {
	Backend() accessfilter.Backend
	// Search returns up to k chunks admitted by p, most similar first.
	Search(ctx context.Context, embedding []float32, p accessfilter.Predicate, k int) ([]Chunk, error)
	// Index stores chunks with their embeddings, replacing existing ids.
	Index(ctx context.Context, chunks []Chunk, embeddings [][]float32) error
}

type options struct {
	qdrantClient     *qdrant.Client
	qdrantCollection string
	chromem          *chromem.Collection
	db               *gorm.DB
	logger           *zap.Logger
}

// Option supplies a backend dependency.
type Option func(*options)

// WithQdrant sets the client and collection for the qdrant backend.
func WithQdrant(client *qdrant.Client, collection string) Option {
	return func(o *options) {
		o.qdrantClient = client
		o.qdrantCollection = collection
	}
}

// WithChromem sets the collection for the chromem backend.
func WithChromem(c *chromem.Collection) Option {
	return func(o *options) { o.chromem = c }
}

// WithDB sets the database for the sql backend.
func WithDB(db *gorm.DB) Option {
	return func(o *options) { o.db = db }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New returns the retriever for backend. Backends without a retriever fail
// with accessfilter.ErrUnsupportedBackend, so a misconfigured deployment
// never searches unfiltered.
func New(backend accessfilter.Backend, opts ...Option) (Retriever, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	switch backend {
	case accessfilter.BackendQdrant:
		if o.qdrantClient == nil || o.qdrantCollection == "" {
			return nil, fmt.Errorf("%w: qdrant client and collection", ErrMissingDependency)
		}
		return NewQdrantRetriever(o.qdrantClient, o.qdrantCollection, o.logger), nil
	case accessfilter.BackendChromem:
		if o.chromem == nil {
			return nil, fmt.Errorf("%w: chromem collection", ErrMissingDependency)
		}
		return NewChromemRetriever(o.chromem, o.logger), nil
	case accessfilter.BackendSQL:
		if o.db == nil {
			return nil, fmt.Errorf("%w: database", ErrMissingDependency)
		}
		return NewSQLRetriever(o.db, o.logger), nil
	default:
		return nil, fmt.Errorf("%w: no retriever for %q", accessfilter.ErrUnsupportedBackend, backend)
	}
}

func checkSearch(embedding []float32, p accessfilter.Predicate, k int) (int, error) {
	if p == nil {
		return 0, fmt.Errorf("access predicate is required")
	}
	if len(embedding) == 0 {
		return 0, fmt.Errorf("query embedding cannot be empty")
	}
	if k <= 0 {
		return 0, fmt.Errorf("k must be positive, got %d", k)
	}
	return min(k, MaxK), nil
}

func checkIndex(chunks []Chunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("got %d chunks and %d embeddings", len(chunks), len(embeddings))
	}
	for _, c := range chunks {
		if c.ID == "" {
			return fmt.Errorf("chunk id cannot be empty")
		}
		if err := c.Document.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// recheck drops chunks p does not admit. A drop means the backend ignored
// or mistranslated the filter and is logged as an error.
func recheck(logger *zap.Logger, backend accessfilter.Backend, p accessfilter.Predicate, chunks []Chunk) []Chunk {
	out := chunks[:0]
	for _, c := range chunks {
		if !accessfilter.Evaluate(p, c.Document) {
			logger.Error("backend returned a chunk outside the access filter",
				zap.String("backend", string(backend)),
				zap.String("chunk_id", c.ID),
				zap.Stringer("security_level", c.SecurityLevel))
			continue
		}
		out = append(out, c)
	}
	return out
}

func sortByScore(chunks []Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return -1
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
