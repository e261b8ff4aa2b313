package retrieval

import (
	"context"
	"fmt"
	"runtime"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tierd/internal/accessfilter"
)

// ChromemRetriever searches an in-process chromem collection. chromem only
// filters on metadata equality, so the predicate runs as one query per
// disjunctive clause and the results are unioned.
type ChromemRetriever struct {
	collection *chromem.Collection
	logger     *zap.Logger
}

// NewChromemRetriever wraps collection.
func NewChromemRetriever(collection *chromem.Collection, logger *zap.Logger) *ChromemRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromemRetriever{collection: collection, logger: logger}
}

// Backend implements Retriever.
func (r *ChromemRetriever) Backend() accessfilter.Backend { return accessfilter.BackendChromem }

// Index implements Retriever.
func (r *ChromemRetriever) Index(ctx context.Context, chunks []Chunk, embeddings [][]float32) error {
	if err := checkIndex(chunks, embeddings); err != nil {
		return err
	}
	docs := make([]chromem.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = chromem.Document{
			ID:        c.ID,
			Content:   c.Content,
			Embedding: embeddings[i],
			Metadata:  c.Document.Metadata(),
		}
	}
	if err := r.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("adding chunks to chromem: %w", err)
	}
	return nil
}

// Search implements Retriever.
func (r *ChromemRetriever) Search(ctx context.Context, embedding []float32, p accessfilter.Predicate, k int) ([]Chunk, error) {
	ctx, span := tracer.Start(ctx, "retrieval.ChromemSearch")
	defer span.End()

	k, err := checkSearch(embedding, p, k)
	if err != nil {
		return nil, err
	}
	clauses, err := accessfilter.ToChromem(p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "translate")
		return nil, fmt.Errorf("translating access filter: %w", err)
	}
	span.SetAttributes(attribute.Int("retrieval.clauses", len(clauses)))

	total := r.collection.Count()
	if total == 0 {
		return nil, nil
	}
	n := min(k, total)

	best := make(map[string]Chunk)
	for _, where := range clauses {
		results, err := r.collection.QueryEmbedding(ctx, embedding, n, where, nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "query")
			return nil, fmt.Errorf("querying chromem: %w", err)
		}
		for _, res := range results {
			if prev, ok := best[res.ID]; ok && prev.Score >= res.Similarity {
				continue
			}
			doc, err := accessfilter.DocumentFromMetadata(res.ID, res.Metadata)
			if err != nil {
				r.logger.Error("chunk with malformed access metadata skipped",
					zap.String("chunk_id", res.ID), zap.Error(err))
				continue
			}
			best[res.ID] = Chunk{Document: doc, Content: res.Content, Score: res.Similarity}
		}
	}

	out := make([]Chunk, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sortByScore(out)
	if len(out) > k {
		out = out[:k]
	}
	out = recheck(r.logger, r.Backend(), p, out)
	span.SetAttributes(attribute.Int("retrieval.results", len(out)))
	return out, nil
}
