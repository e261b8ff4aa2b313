package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// teiServer returns one vector per input, [len(text), index].
func teiServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		if status != http.StatusOK {
			http.Error(w, "model overloaded", status)
			return
		}
		var req struct {
			Inputs   json.RawMessage `json:"inputs"`
			Truncate bool            `json:"truncate"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Truncate)

		var texts []string
		if err := json.Unmarshal(req.Inputs, &texts); err != nil {
			var one string
			require.NoError(t, json.Unmarshal(req.Inputs, &one))
			texts = []string{one}
		}
		out := make([][]float32, len(texts))
		for i, text := range texts {
			out[i] = []float32{float32(len(text)), float32(i)}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewService(t *testing.T) {
	_, err := NewService(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	svc, err := NewService(Config{BaseURL: "http://localhost:8080/", Model: "BAAI/bge-small-en-v1.5"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", svc.config.BaseURL)
	assert.Equal(t, DefaultTEITimeout, svc.client.Timeout)
}

func TestService_EmbedDocuments(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(Config{BaseURL: teiServer(t, http.StatusOK).URL})
	require.NoError(t, err)

	vectors, err := svc.EmbedDocuments(ctx, []string{"leave", "policy!"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{5, 0}, {7, 1}}, vectors)

	_, err = svc.EmbedDocuments(ctx, nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestService_EmbedQuery(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(Config{BaseURL: teiServer(t, http.StatusOK).URL})
	require.NoError(t, err)

	v, err := svc.EmbedQuery(ctx, "leave policy")
	require.NoError(t, err)
	assert.Equal(t, []float32{12, 0}, v)

	_, err = svc.EmbedQuery(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestService_ServerError(t *testing.T) {
	svc, err := NewService(Config{BaseURL: teiServer(t, http.StatusServiceUnavailable).URL})
	require.NoError(t, err)

	_, err = svc.EmbedQuery(context.Background(), "leave policy")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.ErrorContains(t, err, "status 503")
}

func TestService_CancelledContext(t *testing.T) {
	svc, err := NewService(Config{BaseURL: teiServer(t, http.StatusOK).URL})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.EmbedDocuments(ctx, []string{"x"})
	assert.ErrorIs(t, err, context.Canceled)
}
