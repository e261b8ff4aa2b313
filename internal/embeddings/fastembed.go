//go:build cgo

package embeddings

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	fastembed "github.com/anush008/fastembed-go"
	"go.uber.org/zap"
)

// DefaultFastEmbedModel is used when no model is configured.
const DefaultFastEmbedModel = "BAAI/bge-small-en-v1.5"

const (
	defaultFastEmbedMaxLength = 512
	fastEmbedBatchSize        = 256
)

// FastEmbedConfig configures the in-process ONNX provider.
type FastEmbedConfig struct {
	// Model accepts the Hugging Face name or the fastembed "fast-" alias.
	Model string
	// CacheDir holds downloaded model files. Defaults to ./local_cache.
	CacheDir  string
	MaxLength int
}

type fastEmbedModel struct {
	id        fastembed.EmbeddingModel
	dimension int
}

var fastEmbedModels = map[string]fastEmbedModel{
	"BAAI/bge-small-en-v1.5":                 {fastembed.BGESmallENV15, 384},
	"BAAI/bge-small-en":                      {fastembed.BGESmallEN, 384},
	"BAAI/bge-base-en-v1.5":                  {fastembed.BGEBaseENV15, 768},
	"BAAI/bge-base-en":                       {fastembed.BGEBaseEN, 768},
	"BAAI/bge-small-zh-v1.5":                 {fastembed.BGESmallZH, 512},
	"sentence-transformers/all-MiniLM-L6-v2": {fastembed.AllMiniLML6V2, 384},
}

// lookupFastEmbedModel resolves a Hugging Face name or a fastembed alias.
func lookupFastEmbedModel(name string) (fastEmbedModel, bool) {
	if m, ok := fastEmbedModels[name]; ok {
		return m, true
	}
	for _, m := range fastEmbedModels {
		if string(m.id) == name {
			return m, true
		}
	}
	return fastEmbedModel{}, false
}

func supportedFastEmbedModels() string {
	names := make([]string, 0, len(fastEmbedModels))
	for name := range fastEmbedModels {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// FastEmbedProvider embeds with a local ONNX model. Calls are serialized
// against Close.
type FastEmbedProvider struct {
	modelName string
	dimension int
	metrics   *Metrics

	mu     sync.RWMutex
	model  *fastembed.FlagEmbedding
	closed bool
}

// NewFastEmbedProvider loads the model, downloading it into CacheDir on
// first use.
func NewFastEmbedProvider(cfg FastEmbedConfig) (*FastEmbedProvider, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultFastEmbedModel
	}
	m, ok := lookupFastEmbedModel(cfg.Model)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported fastembed model %q (supported: %s)",
			ErrInvalidConfig, cfg.Model, supportedFastEmbedModels())
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(".", "local_cache")
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = defaultFastEmbedMaxLength
	}

	showProgress := false
	flag, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                m.id,
		CacheDir:             cfg.CacheDir,
		MaxLength:            cfg.MaxLength,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("loading fastembed model %s: %w", cfg.Model, err)
	}
	return &FastEmbedProvider{
		modelName: cfg.Model,
		dimension: m.dimension,
		metrics:   NewMetrics(zap.NewNop()),
		model:     flag,
	}, nil
}

// EmbedDocuments embeds chunks with the model's passage prefix.
func (p *FastEmbedProvider) EmbedDocuments(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordGeneration(ctx, p.modelName, "embed_documents", time.Since(start), len(texts), err)
	}()
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrProviderClosed
	}
	vectors, err = p.model.PassageEmbed(texts, fastEmbedBatchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	return vectors, nil
}

// EmbedQuery embeds a question with the model's query prefix.
func (p *FastEmbedProvider) EmbedQuery(ctx context.Context, text string) (vector []float32, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordGeneration(ctx, p.modelName, "embed_query", time.Since(start), 1, err)
	}()
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrProviderClosed
	}
	vector, err = p.model.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	return vector, nil
}

// Dimension is the model's vector size.
func (p *FastEmbedProvider) Dimension() int { return p.dimension }

// Close releases the ONNX session. Later calls fail with ErrProviderClosed.
func (p *FastEmbedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.model.Destroy()
}
