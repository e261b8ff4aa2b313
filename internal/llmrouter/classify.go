package llmrouter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"syscall"
)

// Category is the failure class of a model call.
type Category string

const (
	CategoryAuthorization      Category = "authorization"
	CategoryRateLimit          Category = "rate_limit"
	CategoryTimeout            Category = "timeout"
	CategoryConnection         Category = "connection"
	CategoryConfiguration      Category = "configuration"
	CategoryServiceUnavailable Category = "service_unavailable"
	CategoryUnknown            Category = "unknown"
)

// Categories lists every category.
var Categories = []Category{
	CategoryAuthorization,
	CategoryRateLimit,
	CategoryTimeout,
	CategoryConnection,
	CategoryConfiguration,
	CategoryServiceUnavailable,
	CategoryUnknown,
}

// ErrLocalRateLimit is returned when an endpoint's own limiter rejects a call.
var ErrLocalRateLimit = errors.New("endpoint rate limit")

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// ProviderError tags an error with the provider that produced it so the
// matching adapter classifies it.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string { return e.Provider + ": " + e.Err.Error() }

func (e *ProviderError) Unwrap() error { return e.Err }

// ProviderAdapter maps one provider's error vocabulary onto categories.
type ProviderAdapter interface {
	Provider() string
	Classify(err error) (Category, bool)
}

// PatternRule assigns a category to errors whose message matches any pattern.
type PatternRule struct {
	Category Category
	Patterns []*regexp.Regexp
}

// PatternAdapter classifies by ordered message rules. The first match wins.
type PatternAdapter struct {
	Name  string
	Rules []PatternRule
}

// Provider implements ProviderAdapter.
func (a PatternAdapter) Provider() string { return a.Name }

// Classify implements ProviderAdapter.
func (a PatternAdapter) Classify(err error) (Category, bool) {
	msg := err.Error()
	for _, rule := range a.Rules {
		for _, p := range rule.Patterns {
			if p.MatchString(msg) {
				return rule.Category, true
			}
		}
	}
	return "", false
}

func patterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}

// OpenAIAdapter knows OpenAI error codes.
var OpenAIAdapter = PatternAdapter{
	Name: "openai",
	Rules: []PatternRule{
		{CategoryRateLimit, patterns(`rate_limit_exceeded`, `insufficient_quota`)},
		{CategoryAuthorization, patterns(`invalid_api_key`, `incorrect api key`, `invalid_organization`)},
		{CategoryConfiguration, patterns(`model_not_found`, `context_length_exceeded`, `invalid_request_error`)},
		{CategoryServiceUnavailable, patterns(`server_error`, `engine_overloaded`, `the server is overloaded`)},
	},
}

// AnthropicAdapter knows Anthropic error types.
var AnthropicAdapter = PatternAdapter{
	Name: "anthropic",
	Rules: []PatternRule{
		{CategoryRateLimit, patterns(`rate_limit_error`)},
		{CategoryAuthorization, patterns(`authentication_error`, `permission_error`, `invalid x-api-key`)},
		{CategoryConfiguration, patterns(`not_found_error`, `invalid_request_error`)},
		{CategoryServiceUnavailable, patterns(`overloaded_error`, `api_error`)},
	},
}

// OllamaAdapter knows the local Ollama server's messages.
var OllamaAdapter = PatternAdapter{
	Name: "ollama",
	Rules: []PatternRule{
		{CategoryConfiguration, patterns(`model .* not found`, `try pulling it first`)},
		{CategoryServiceUnavailable, patterns(`server busy`, `llama runner process has terminated`)},
	},
}

// GenericAdapter is consulted after any provider adapter.
var GenericAdapter = PatternAdapter{
	Name: "generic",
	Rules: []PatternRule{
		{CategoryRateLimit, patterns(`\b429\b`, `rate.?limit`, `too many requests`, `quota exceeded`, `throttl`)},
		{CategoryAuthorization, patterns(`invalid_api_key`, `invalid api key`, `\b401\b`, `\b403\b`, `unauthori[sz]ed`, `forbidden`, `authentication failed`)},
		{CategoryTimeout, patterns(`timed? ?out`, `deadline exceeded`, `\b408\b`, `\b504\b`)},
		{CategoryConnection, patterns(`connection refused`, `connection reset`, `no such host`, `broken pipe`, `\beof\b`, `network is unreachable`)},
		{CategoryServiceUnavailable, patterns(`\b50[023]\b`, `service unavailable`, `bad gateway`, `internal server error`, `overloaded`)},
		{CategoryConfiguration, patterns(`model not found`, `unknown model`, `invalid model`, `\b404\b`, `not configured`)},
	},
}

// Classifier categorizes model call failures: typed checks first, then the
// adapter for the failing provider, then GenericAdapter.
type Classifier struct {
	adapters map[string]ProviderAdapter
}

// NewClassifier registers adapters by provider name.
func NewClassifier(adapters ...ProviderAdapter) *Classifier {
	c := &Classifier{adapters: make(map[string]ProviderAdapter, len(adapters))}
	for _, a := range adapters {
		c.adapters[a.Provider()] = a
	}
	return c
}

// DefaultClassifier knows the built-in providers.
func DefaultClassifier() *Classifier {
	return NewClassifier(OpenAIAdapter, AnthropicAdapter, OllamaAdapter)
}

// Classify returns the category of err. A nil error is CategoryUnknown.
func (c *Classifier) Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	if cat, ok := classifyTyped(err); ok {
		return cat
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		if a, ok := c.adapters[pe.Provider]; ok {
			if cat, ok := a.Classify(err); ok {
				return cat
			}
		}
	}
	if cat, ok := GenericAdapter.Classify(err); ok {
		return cat
	}
	return CategoryUnknown
}

// Classify uses DefaultClassifier.
func Classify(err error) Category {
	return defaultClassifier.Classify(err)
}

var defaultClassifier = DefaultClassifier()

func classifyTyped(err error) (Category, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout, true
	}
	if errors.Is(err, ErrLocalRateLimit) {
		return CategoryRateLimit, true
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		if cat, ok := categoryForStatus(sc.StatusCode()); ok {
			return cat, true
		}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CategoryTimeout, true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return CategoryConnection, true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CategoryConnection, true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CategoryConnection, true
	}
	return "", false
}

func categoryForStatus(code int) (Category, bool) {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return CategoryAuthorization, true
	case http.StatusTooManyRequests:
		return CategoryRateLimit, true
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return CategoryTimeout, true
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return CategoryConfiguration, true
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return CategoryServiceUnavailable, true
	}
	return "", false
}

// ShouldRetry reports whether a primary failure of cat may be retried on the
// fallback endpoint.
func ShouldRetry(cat Category, fallbackConfigured bool) bool {
	switch cat {
	case CategoryAuthorization, CategoryConfiguration:
		return false
	case CategoryRateLimit, CategoryTimeout, CategoryConnection, CategoryServiceUnavailable:
		return fallbackConfigured
	case CategoryUnknown:
		return fallbackConfigured
	default:
		return false
	}
}
