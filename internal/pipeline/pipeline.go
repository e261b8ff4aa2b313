// Package pipeline answers a user's question under their clearance.
//
// Per query: resolve clearance, build the access predicate, try the response
// cache, then the context cache or retrieval, route on the sensitivity of the
// documents actually used, generate, and cache the answer.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/prompts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tierd/internal/accessfilter"
	"github.com/fyrsmithlabs/tierd/internal/clearance"
	"github.com/fyrsmithlabs/tierd/internal/llmrouter"
	"github.com/fyrsmithlabs/tierd/internal/logging"
	"github.com/fyrsmithlabs/tierd/internal/retrieval"
	"github.com/fyrsmithlabs/tierd/internal/semcache"
)

const instrumentationName = "github.com/fyrsmithlabs/tierd/internal/pipeline"

// DefaultTopK is the number of chunks retrieved per query.
const DefaultTopK = 5

// DefaultPromptTemplate is a Go template over question and context.
const DefaultPromptTemplate = `Answer the question using only the context below.
If the context does not contain the answer, say you don't have information about it.

Context:
{{.context}}

Question: {{.question}}
Answer:`

// ErrEmptyQuery is returned for a blank question or missing user.
var ErrEmptyQuery = errors.New("query requires a user and text")

// Resolver resolves a user's effective clearance.
type Resolver interface {
	ResolveUser(ctx context.Context, userID string) (clearance.Effective, error)
}

// Embedder embeds query text.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Query is one user question.
type Query struct {
	UserID string
	Text   string
}

// Answer is the outcome of a query.
type Answer struct {
	Text string

	// Sources are the ids of the chunks the answer was generated from.
	// Empty for response cache hits.
	Sources []string

	Decision llmrouter.Decision
	Endpoint llmrouter.Role

	// CacheTier is the tier that served the answer or its context, empty
	// when neither cache hit.
	CacheTier semcache.Tier
}

// Config holds pipeline settings.
type Config struct {
	TopK           int
	PromptTemplate string
}

// Service runs queries. It is safe for concurrent use.
type Service struct {
	resolver  Resolver
	embedder  Embedder
	retriever retrieval.Retriever
	router    *llmrouter.Router
	responses *semcache.Cache
	contexts  *semcache.Cache
	prompt    prompts.PromptTemplate
	topK      int
	logger    *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithResponseCache enables the response tier.
func WithResponseCache(c *semcache.Cache) Option {
	return func(s *Service) { s.responses = c }
}

// WithContextCache enables the context tier.
func WithContextCache(c *semcache.Cache) Option {
	return func(s *Service) { s.contexts = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds a Service. The caches are optional.
func New(cfg Config, resolver Resolver, embedder Embedder, retriever retrieval.Retriever, router *llmrouter.Router, opts ...Option) (*Service, error) {
	if resolver == nil || embedder == nil || retriever == nil || router == nil {
		return nil, errors.New("pipeline requires a resolver, embedder, retriever and router")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.PromptTemplate == "" {
		cfg.PromptTemplate = DefaultPromptTemplate
	}
	s := &Service{
		resolver:  resolver,
		embedder:  embedder,
		retriever: retriever,
		router:    router,
		prompt:    prompts.NewPromptTemplate(cfg.PromptTemplate, []string{"context", "question"}),
		topK:      cfg.TopK,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.responses != nil && s.responses.Tier() != semcache.TierResponse {
		return nil, fmt.Errorf("response cache has tier %s", s.responses.Tier())
	}
	if s.contexts != nil && s.contexts.Tier() != semcache.TierContext {
		return nil, fmt.Errorf("context cache has tier %s", s.contexts.Tier())
	}
	return s, nil
}

// Answer runs q under the user's effective clearance.
func (s *Service) Answer(ctx context.Context, q Query) (Answer, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "pipeline.Answer")
	defer span.End()

	if strings.TrimSpace(q.UserID) == "" || strings.TrimSpace(q.Text) == "" {
		return Answer{}, ErrEmptyQuery
	}
	fail := func(stage string, err error) (Answer, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		return Answer{}, err
	}

	eff, err := s.resolver.ResolveUser(ctx, q.UserID)
	if err != nil {
		return fail("resolve", fmt.Errorf("resolving clearance for %s: %w", q.UserID, err))
	}
	span.SetAttributes(
		attribute.String("clearance.org", eff.OrgValue.String()),
		attribute.String("clearance.department", eff.DepartmentID),
	)
	pred, err := accessfilter.ForClearance(eff)
	if err != nil {
		return fail("filter", fmt.Errorf("building access filter: %w", err))
	}
	requester := semcache.RequesterFor(eff)

	embedding, err := s.embedder.EmbedQuery(ctx, q.Text)
	if err != nil {
		return fail("embed", fmt.Errorf("embedding query: %w", err))
	}

	if s.responses != nil {
		if e, ok := s.responses.LookupEmbedding(ctx, embedding, requester); ok {
			span.SetAttributes(attribute.String("pipeline.served_by", string(semcache.TierResponse)))
			return Answer{Text: e.Payload, CacheTier: semcache.TierResponse}, nil
		}
	}

	chunks, tier, err := s.gatherContext(ctx, embedding, pred, requester)
	if err != nil {
		return fail("retrieve", err)
	}
	docs := make([]accessfilter.Document, len(chunks))
	sources := make([]string, len(chunks))
	for i, c := range chunks {
		docs[i] = c.Document
		sources[i] = c.ID
	}

	decision, err := s.router.Select(ctx, docs, eff.Max())
	if err != nil {
		return fail("route", err)
	}

	prompt, err := s.prompt.Format(map[string]any{
		"context":  renderContext(chunks),
		"question": q.Text,
	})
	if err != nil {
		return fail("prompt", fmt.Errorf("formatting prompt: %w", err))
	}

	res, err := s.router.Generate(ctx, decision, prompt)
	if err != nil {
		return fail("generate", err)
	}

	if s.responses != nil {
		if _, err := s.responses.StoreEmbedding(ctx, embedding, res.Text, docs); err != nil {
			s.logger.Warn("response cache store failed", zap.Error(err))
		}
	}

	span.SetAttributes(
		attribute.String("llm.endpoint", string(res.Endpoint)),
		attribute.Int("pipeline.sources", len(sources)),
	)
	s.logger.Debug("query answered",
		zap.String("user_id", q.UserID),
		zap.String("endpoint", string(res.Endpoint)),
		zap.String("reason", decision.Reason),
		logging.Classified("answer", res.Text, decision.MaxDocumentLevel),
	)
	return Answer{
		Text:      res.Text,
		Sources:   sources,
		Decision:  decision,
		Endpoint:  res.Endpoint,
		CacheTier: tier,
	}, nil
}

// gatherContext returns the chunks for the query from the context tier, or
// retrieves and caches them.
func (s *Service) gatherContext(ctx context.Context, embedding []float32, pred accessfilter.Predicate, requester semcache.Requester) ([]retrieval.Chunk, semcache.Tier, error) {
	if s.contexts != nil {
		if e, ok := s.contexts.LookupEmbedding(ctx, embedding, requester); ok {
			chunks, err := decodeChunks(e.Payload)
			if err == nil {
				return s.admitted(pred, chunks), semcache.TierContext, nil
			}
			s.logger.Error("context cache entry unreadable, retrieving",
				zap.String("entry_id", e.ID), zap.Error(err))
		}
	}

	chunks, err := s.retriever.Search(ctx, embedding, pred, s.topK)
	if err != nil {
		return nil, "", fmt.Errorf("retrieving context: %w", err)
	}
	if s.contexts != nil && len(chunks) > 0 {
		payload, err := encodeChunks(chunks)
		if err == nil {
			docs := make([]accessfilter.Document, len(chunks))
			for i, c := range chunks {
				docs[i] = c.Document
			}
			_, err = s.contexts.StoreEmbedding(ctx, embedding, payload, docs)
		}
		if err != nil {
			s.logger.Warn("context cache store failed", zap.Error(err))
		}
	}
	return chunks, "", nil
}

// admitted drops cached chunks the predicate does not admit.
func (s *Service) admitted(pred accessfilter.Predicate, chunks []retrieval.Chunk) []retrieval.Chunk {
	out := chunks[:0]
	for _, c := range chunks {
		if !accessfilter.Evaluate(pred, c.Document) {
			s.logger.Error("context cache served a chunk outside the access filter",
				zap.String("chunk_id", c.ID))
			continue
		}
		out = append(out, c)
	}
	return out
}

func renderContext(chunks []retrieval.Chunk) string {
	if len(chunks) == 0 {
		return "(no documents)"
	}
	var b strings.Builder
	for i, c := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]\n%s", c.ID, c.Content)
	}
	return b.String()
}

type cachedChunk struct {
	ID               string          `json:"id"`
	Content          string          `json:"content"`
	SecurityLevel    clearance.Level `json:"security_level"`
	IsDepartmentOnly bool            `json:"is_department_only"`
	DepartmentID     string          `json:"department_id,omitempty"`
	Score            float32         `json:"score"`
}

func encodeChunks(chunks []retrieval.Chunk) (string, error) {
	out := make([]cachedChunk, len(chunks))
	for i, c := range chunks {
		out[i] = cachedChunk{
			ID:               c.ID,
			Content:          c.Content,
			SecurityLevel:    c.SecurityLevel,
			IsDepartmentOnly: c.IsDepartmentOnly,
			DepartmentID:     c.DepartmentID,
			Score:            c.Score,
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encoding context: %w", err)
	}
	return string(data), nil
}

func decodeChunks(payload string) ([]retrieval.Chunk, error) {
	var in []cachedChunk
	if err := json.Unmarshal([]byte(payload), &in); err != nil {
		return nil, fmt.Errorf("decoding context: %w", err)
	}
	out := make([]retrieval.Chunk, len(in))
	for i, c := range in {
		doc := accessfilter.Document{
			ID:               c.ID,
			SecurityLevel:    c.SecurityLevel,
			IsDepartmentOnly: c.IsDepartmentOnly,
			DepartmentID:     c.DepartmentID,
		}
		if err := doc.Validate(); err != nil {
			return nil, err
		}
		out[i] = retrieval.Chunk{Document: doc, Content: c.Content, Score: c.Score}
	}
	return out, nil
}
