package llmrouter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type statusErr struct{ code int }

func (e statusErr) Error() string   { return fmt.Sprintf("http status %d", e.code) }
func (e statusErr) StatusCode() int { return e.code }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o wait" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"429 in message", errors.New("API returned 429"), CategoryRateLimit},
		{"rate limit phrase", errors.New("Rate limit reached for requests"), CategoryRateLimit},
		{"invalid_api_key", errors.New("error, status code: 401, message: invalid_api_key"), CategoryAuthorization},
		{"forbidden", errors.New("Forbidden"), CategoryAuthorization},
		{"deadline typed", fmt.Errorf("calling model: %w", context.DeadlineExceeded), CategoryTimeout},
		{"net timeout typed", &url.Error{Op: "Post", URL: "http://x", Err: timeoutErr{}}, CategoryTimeout},
		{"timed out text", errors.New("request timed out"), CategoryTimeout},
		{"refused typed", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, CategoryConnection},
		{"refused text", errors.New("dial tcp 127.0.0.1:11434: connection refused"), CategoryConnection},
		{"dns", &net.DNSError{Err: "no such host", Name: "llm.internal"}, CategoryConnection},
		{"503 text", errors.New("503 Service Unavailable"), CategoryServiceUnavailable},
		{"status 401", statusErr{401}, CategoryAuthorization},
		{"status 429", statusErr{429}, CategoryRateLimit},
		{"status 502", statusErr{502}, CategoryServiceUnavailable},
		{"status 404", statusErr{404}, CategoryConfiguration},
		{"model not found", errors.New("model not found"), CategoryConfiguration},
		{"local limiter", fmt.Errorf("%w: would exceed deadline", ErrLocalRateLimit), CategoryRateLimit},
		{"unknown", errors.New("something odd happened"), CategoryUnknown},
		{"nil", nil, CategoryUnknown},
		{"4000 tokens is not a status", errors.New("prompt of 4000 tokens is odd"), CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassify_ProviderAdapters(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		msg      string
		want     Category
	}{
		{"anthropic overloaded", "anthropic", `{"type":"error","error":{"type":"overloaded_error"}}`, CategoryServiceUnavailable},
		{"anthropic auth", "anthropic", `{"error":{"type":"authentication_error"}}`, CategoryAuthorization},
		{"openai quota", "openai", "insufficient_quota: check your plan", CategoryRateLimit},
		{"openai context length", "openai", "context_length_exceeded", CategoryConfiguration},
		{"ollama missing model", "ollama", `model "llama3" not found, try pulling it first`, CategoryConfiguration},
		{"unregistered provider uses generic", "mistral", "too many requests", CategoryRateLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &ProviderError{Provider: tt.provider, Err: errors.New(tt.msg)}
			assert.Equal(t, tt.want, Classify(err))
		})
	}
}

func TestClassifier_CustomAdapter(t *testing.T) {
	custom := PatternAdapter{
		Name:  "acme",
		Rules: []PatternRule{{CategoryAuthorization, patterns(`E_ACME_KEY`)}},
	}
	c := NewClassifier(custom)
	err := &ProviderError{Provider: "acme", Err: errors.New("E_ACME_KEY rejected")}
	assert.Equal(t, CategoryAuthorization, c.Classify(err))
	assert.Equal(t, CategoryUnknown, DefaultClassifier().Classify(err))
}

func TestShouldRetry(t *testing.T) {
	want := map[Category][2]bool{
		CategoryAuthorization:      {false, false},
		CategoryConfiguration:      {false, false},
		CategoryRateLimit:          {false, true},
		CategoryTimeout:            {false, true},
		CategoryConnection:         {false, true},
		CategoryServiceUnavailable: {false, true},
		CategoryUnknown:            {false, true},
	}
	for _, cat := range Categories {
		w, ok := want[cat]
		if !assert.True(t, ok, "category %s untested", cat) {
			continue
		}
		assert.Equal(t, w[0], ShouldRetry(cat, false), "%s without fallback", cat)
		assert.Equal(t, w[1], ShouldRetry(cat, true), "%s with fallback", cat)
	}
	assert.False(t, ShouldRetry("bogus", true))
}

func TestShouldRetry_ErrorClassificationExamples(t *testing.T) {
	assert.True(t, ShouldRetry(Classify(errors.New("429 Too Many Requests")), true))
	assert.True(t, ShouldRetry(Classify(errors.New("rate limit exceeded")), true))
	for _, fallback := range []bool{true, false} {
		assert.False(t, ShouldRetry(Classify(errors.New("invalid_api_key")), fallback))
	}
}
