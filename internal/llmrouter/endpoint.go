package llmrouter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"
)

// Role names an endpoint slot.
type Role string

const (
	RolePrimary  Role = "primary"
	RoleInternal Role = "internal"
	RoleFallback Role = "fallback"
)

// Endpoint is one configured model.
type Endpoint interface {
	Role() Role
	Invoke(ctx context.Context, prompt string) (string, error)
	Available(ctx context.Context) bool
}

// Provider names accepted by NewLangchainEndpoint.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// Defaults for endpoint configuration.
const (
	DefaultTimeout  = 60 * time.Second
	DefaultCooldown = 30 * time.Second
)

// EndpointConfig configures a langchaingo-backed endpoint.
type EndpointConfig struct {
	Provider string
	Model    string
	BaseURL  string
	APIKey   string

	Timeout time.Duration

	// RequestsPerSecond limits calls; zero disables the limiter.
	RequestsPerSecond float64
	Burst             int

	// Cooldown is how long the endpoint reports unavailable after a
	// connection or service failure.
	Cooldown time.Duration
}

// LangchainEndpoint invokes a langchaingo model with a timeout, an optional
// rate limit, and a cooldown after the backend looks down.
type LangchainEndpoint struct {
	role     Role
	provider string
	model    llms.Model
	timeout  time.Duration
	limiter  *rate.Limiter
	cooldown time.Duration
	now      func() time.Time

	mu        sync.Mutex
	downUntil time.Time
}

// NewLangchainEndpoint builds the provider client described by cfg.
func NewLangchainEndpoint(role Role, cfg EndpointConfig) (*LangchainEndpoint, error) {
	model, err := newModel(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s endpoint: %w", role, err)
	}
	return NewModelEndpoint(role, cfg, model), nil
}

// NewModelEndpoint wraps an existing model.
func NewModelEndpoint(role Role, cfg EndpointConfig, model llms.Model) *LangchainEndpoint {
	e := &LangchainEndpoint{
		role:     role,
		provider: cfg.Provider,
		model:    model,
		timeout:  cfg.Timeout,
		cooldown: cfg.Cooldown,
		now:      time.Now,
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.cooldown <= 0 {
		e.cooldown = DefaultCooldown
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return e
}

func newModel(cfg EndpointConfig) (llms.Model, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		opts := []openai.Option{openai.WithModel(cfg.Model), openai.WithToken(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	case ProviderAnthropic:
		opts := []anthropic.Option{anthropic.WithModel(cfg.Model), anthropic.WithToken(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(opts...)
	case ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		return ollama.New(opts...)
	case "":
		return nil, errors.New("provider not configured")
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// Role implements Endpoint.
func (e *LangchainEndpoint) Role() Role { return e.role }

// Provider returns the provider name used for error classification.
func (e *LangchainEndpoint) Provider() string { return e.provider }

// Available implements Endpoint. It is false during a cooldown.
func (e *LangchainEndpoint) Available(context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.now().Before(e.downUntil)
}

// Invoke implements Endpoint. Errors are wrapped in *ProviderError.
func (e *LangchainEndpoint) Invoke(ctx context.Context, prompt string) (string, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return "", &ProviderError{Provider: e.provider, Err: fmt.Errorf("%w: %v", ErrLocalRateLimit, err)}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	text, err := llms.GenerateFromSinglePrompt(ctx, e.model, prompt)
	if err != nil {
		err = &ProviderError{Provider: e.provider, Err: err}
		switch defaultClassifier.Classify(err) {
		case CategoryConnection, CategoryServiceUnavailable:
			e.markDown()
		}
		return "", err
	}
	return text, nil
}

func (e *LangchainEndpoint) markDown() {
	e.mu.Lock()
	e.downUntil = e.now().Add(e.cooldown)
	e.mu.Unlock()
}
