// Package llmrouter picks the model endpoint for a prompt from the
// sensitivity of the documents in it and retries categorized primary
// failures on a fallback endpoint.
//
// Routing depends only on the documents. The requester's clearance is
// recorded on the decision for audit and never changes the endpoint.
package llmrouter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tierd/internal/accessfilter"
	"github.com/fyrsmithlabs/tierd/internal/clearance"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/tierd/internal/llmrouter")

var (
	// ErrInternalUnavailable is returned under PolicyStrict when documents
	// require the internal endpoint and it cannot serve.
	ErrInternalUnavailable = errors.New("internal model endpoint required but unavailable")

	// ErrEndpointNotConfigured is returned for a decision naming an
	// endpoint the router does not have.
	ErrEndpointNotConfigured = errors.New("model endpoint not configured")
)

// Policy decides what happens when the internal endpoint is required but
// unavailable.
type Policy string

const (
	// PolicyStrict fails the request.
	PolicyStrict Policy = "strict"
	// PolicyDowngrade routes to primary and logs a confidentiality warning.
	PolicyDowngrade Policy = "downgrade"
)

// ParsePolicy validates a policy name. Empty means PolicyStrict.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyStrict:
		return PolicyStrict, nil
	case PolicyDowngrade:
		return PolicyDowngrade, nil
	}
	return "", fmt.Errorf("unknown internal routing policy %q", s)
}

// DefaultInternalThreshold is the lowest document level that requires the
// internal endpoint.
const DefaultInternalThreshold = clearance.Confidential

// Decision reasons.
const (
	ReasonNoDocuments         = "no_documents"
	ReasonBelowThreshold      = "below_threshold"
	ReasonSensitiveDocuments  = "sensitive_documents"
	ReasonInternalDowngraded  = "internal_unavailable_downgraded"
	ReasonInternalUnavailable = "internal_unavailable"
)

// Decision is a routing outcome. It is logged for audit, never persisted.
type Decision struct {
	Endpoint           Role
	Reason             string
	MaxDocumentLevel   clearance.Level
	RequesterClearance clearance.Level
}

// Result is the outcome of Generate.
type Result struct {
	Text     string
	Endpoint Role

	// PrimaryFailure is the category of the primary failure when the text
	// came from the fallback endpoint.
	PrimaryFailure Category
}

// Config holds routing settings.
type Config struct {
	InternalThreshold clearance.Level
	Policy            Policy
}

// Router selects endpoints and runs generation. One Router is shared by all
// requests.
type Router struct {
	cfg        Config
	endpoints  map[Role]Endpoint
	classifier *Classifier
	logger     *zap.Logger
	metrics    *Metrics
}

// Option configures a Router.
type Option func(*Router)

// WithEndpoint installs ep in the slot named by ep.Role().
func WithEndpoint(ep Endpoint) Option {
	return func(r *Router) {
		if ep != nil {
			r.endpoints[ep.Role()] = ep
		}
	}
}

// WithClassifier replaces DefaultClassifier.
func WithClassifier(c *Classifier) Option {
	return func(r *Router) {
		if c != nil {
			r.classifier = c
		}
	}
}

// WithLogger sets the audit logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// NewRouter creates a Router. A primary endpoint is required.
func NewRouter(cfg Config, opts ...Option) (*Router, error) {
	if cfg.InternalThreshold == clearance.None {
		cfg.InternalThreshold = DefaultInternalThreshold
	}
	if err := clearance.CheckLevel(cfg.InternalThreshold); err != nil {
		return nil, fmt.Errorf("internal threshold: %w", err)
	}
	policy, err := ParsePolicy(string(cfg.Policy))
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy

	r := &Router{
		cfg:        cfg,
		endpoints:  make(map[Role]Endpoint, 3),
		classifier: defaultClassifier,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.endpoints[RolePrimary] == nil {
		return nil, fmt.Errorf("%w: primary", ErrEndpointNotConfigured)
	}
	return r, nil
}

// Select chooses the endpoint for a prompt built from docs.
func (r *Router) Select(ctx context.Context, docs []accessfilter.Document, requester clearance.Level) (Decision, error) {
	d := Decision{RequesterClearance: requester}
	for _, doc := range docs {
		if err := clearance.CheckLevel(doc.SecurityLevel); err != nil {
			return Decision{}, fmt.Errorf("document %s: %w", doc.ID, err)
		}
		d.MaxDocumentLevel = clearance.Max(d.MaxDocumentLevel, doc.SecurityLevel)
	}

	switch {
	case len(docs) == 0:
		d.Endpoint, d.Reason = RolePrimary, ReasonNoDocuments
	case d.MaxDocumentLevel < r.cfg.InternalThreshold:
		d.Endpoint, d.Reason = RolePrimary, ReasonBelowThreshold
	case r.internalAvailable(ctx):
		d.Endpoint, d.Reason = RoleInternal, ReasonSensitiveDocuments
	case r.cfg.Policy == PolicyDowngrade:
		d.Endpoint, d.Reason = RolePrimary, ReasonInternalDowngraded
		r.logger.Warn("internal endpoint unavailable, routing sensitive documents to primary",
			zap.Stringer("max_document_level", d.MaxDocumentLevel),
			zap.Stringer("internal_threshold", r.cfg.InternalThreshold))
	default:
		d.Reason = ReasonInternalUnavailable
		r.metrics.recordDecision(d)
		r.logger.Error("internal endpoint unavailable, refusing to route sensitive documents",
			zap.Stringer("max_document_level", d.MaxDocumentLevel))
		return d, ErrInternalUnavailable
	}

	r.metrics.recordDecision(d)
	r.logger.Info("llm routing decision",
		zap.String("endpoint", string(d.Endpoint)),
		zap.String("reason", d.Reason),
		zap.Stringer("max_document_level", d.MaxDocumentLevel),
		zap.Stringer("requester_clearance", d.RequesterClearance))
	return d, nil
}

func (r *Router) internalAvailable(ctx context.Context) bool {
	ep := r.endpoints[RoleInternal]
	return ep != nil && ep.Available(ctx)
}

// Generate runs prompt on the decided endpoint. A primary failure is retried
// once on the fallback endpoint when ShouldRetry allows it; the fallback is
// never called before the primary has failed. Internal failures, and primary
// failures on a downgraded sensitive decision, are returned as is.
func (r *Router) Generate(ctx context.Context, d Decision, prompt string) (Result, error) {
	ctx, span := tracer.Start(ctx, "llmrouter.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.endpoint", string(d.Endpoint)),
		attribute.String("llm.reason", d.Reason),
	)

	ep := r.endpoints[d.Endpoint]
	if ep == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrEndpointNotConfigured, d.Endpoint)
	}

	text, err := r.invoke(ctx, ep, prompt)
	if err == nil {
		return Result{Text: text, Endpoint: d.Endpoint}, nil
	}
	span.RecordError(err)

	if d.Endpoint != RolePrimary || ctx.Err() != nil {
		span.SetStatus(codes.Error, "generation failed")
		return Result{}, err
	}
	if d.Reason == ReasonInternalDowngraded {
		r.logger.Warn("downgraded primary endpoint failed, not retrying on fallback",
			zap.String("category", string(r.classifier.Classify(err))), zap.Error(err))
		span.SetStatus(codes.Error, "generation failed")
		return Result{}, err
	}

	fallback := r.endpoints[RoleFallback]
	cat := r.classifier.Classify(err)
	span.SetAttributes(attribute.String("llm.primary_failure", string(cat)))
	if !ShouldRetry(cat, fallback != nil) {
		r.logger.Warn("primary endpoint failed, not retrying",
			zap.String("category", string(cat)), zap.Error(err))
		span.SetStatus(codes.Error, "generation failed")
		return Result{}, err
	}

	r.metrics.recordFallback(cat)
	r.logger.Warn("primary endpoint failed, retrying on fallback",
		zap.String("category", string(cat)), zap.Error(err))

	text, ferr := r.invoke(ctx, fallback, prompt)
	if ferr != nil {
		span.SetStatus(codes.Error, "fallback failed")
		return Result{}, fmt.Errorf("fallback after primary %s failure (%v): %w", cat, err, ferr)
	}
	return Result{Text: text, Endpoint: RoleFallback, PrimaryFailure: cat}, nil
}

func (r *Router) invoke(ctx context.Context, ep Endpoint, prompt string) (string, error) {
	start := time.Now()
	text, err := ep.Invoke(ctx, prompt)
	result := "ok"
	if err != nil {
		result = string(r.classifier.Classify(err))
	}
	r.metrics.recordInvocation(ep.Role(), result, time.Since(start).Seconds())
	return text, err
}
