package llmrouter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type scriptedModel struct {
	reply string
	err   error
	delay time.Duration
	seen  []string
}

func (m *scriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if text, ok := part.(llms.TextContent); ok {
				m.seen = append(m.seen, text.Text)
			}
		}
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func TestLangchainEndpoint_Invoke(t *testing.T) {
	model := &scriptedModel{reply: "grounded answer"}
	ep := NewModelEndpoint(RoleInternal, EndpointConfig{Provider: ProviderOllama}, model)

	assert.Equal(t, RoleInternal, ep.Role())
	assert.Equal(t, ProviderOllama, ep.Provider())

	out, err := ep.Invoke(context.Background(), "summarize the leave policy")
	require.NoError(t, err)
	assert.Equal(t, "grounded answer", out)
	assert.Equal(t, []string{"summarize the leave policy"}, model.seen)
}

func TestLangchainEndpoint_Timeout(t *testing.T) {
	model := &scriptedModel{reply: "late", delay: time.Second}
	ep := NewModelEndpoint(RolePrimary, EndpointConfig{Provider: ProviderOpenAI, Timeout: 20 * time.Millisecond}, model)

	_, err := ep.Invoke(context.Background(), "p")
	require.Error(t, err)
	assert.Equal(t, CategoryTimeout, Classify(err))

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ProviderOpenAI, pe.Provider)
}

func TestLangchainEndpoint_CooldownAfterConnectionFailure(t *testing.T) {
	model := &scriptedModel{err: errors.New("dial tcp 10.0.0.5:11434: connection refused")}
	ep := NewModelEndpoint(RoleInternal, EndpointConfig{Provider: ProviderOllama, Cooldown: time.Minute}, model)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ep.now = func() time.Time { return now }

	ctx := context.Background()
	require.True(t, ep.Available(ctx))

	_, err := ep.Invoke(ctx, "p")
	require.Error(t, err)
	assert.False(t, ep.Available(ctx))

	now = now.Add(time.Minute)
	assert.True(t, ep.Available(ctx))
}

func TestLangchainEndpoint_AuthFailureKeepsAvailable(t *testing.T) {
	model := &scriptedModel{err: errors.New("invalid_api_key")}
	ep := NewModelEndpoint(RolePrimary, EndpointConfig{Provider: ProviderOpenAI}, model)

	_, err := ep.Invoke(context.Background(), "p")
	require.Error(t, err)
	assert.Equal(t, CategoryAuthorization, Classify(err))
	assert.True(t, ep.Available(context.Background()))
}

func TestLangchainEndpoint_RateLimiter(t *testing.T) {
	model := &scriptedModel{reply: "ok"}
	ep := NewModelEndpoint(RolePrimary, EndpointConfig{Provider: ProviderOpenAI, RequestsPerSecond: 0.001, Burst: 1}, model)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := ep.Invoke(ctx, "first")
	require.NoError(t, err)

	_, err = ep.Invoke(ctx, "second")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocalRateLimit)
	assert.Equal(t, CategoryRateLimit, Classify(err))
}

func TestNewLangchainEndpoint_Providers(t *testing.T) {
	_, err := NewLangchainEndpoint(RolePrimary, EndpointConfig{})
	assert.ErrorContains(t, err, "provider not configured")

	_, err = NewLangchainEndpoint(RolePrimary, EndpointConfig{Provider: "bedrock"})
	assert.ErrorContains(t, err, "unknown provider")

	ep, err := NewLangchainEndpoint(RoleInternal, EndpointConfig{
		Provider: ProviderOllama,
		Model:    "llama3",
		BaseURL:  "http://127.0.0.1:11434",
	})
	require.NoError(t, err)
	assert.Equal(t, RoleInternal, ep.Role())

	ep, err = NewLangchainEndpoint(RolePrimary, EndpointConfig{
		Provider: ProviderOpenAI,
		Model:    "gpt-4o-mini",
		APIKey:   "sk-test",
	})
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, ep.Provider())
}
