package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"memvault/internal/config"
	"memvault/internal/errors"
)

// HTTPEmbedder calls an Ollama-compatible /api/embed endpoint.
type HTTPEmbedder struct {
	client    *http.Client
	transport *http.Transport
	endpoint  string
	modelName string
	batchSize int
	timeout   time.Duration

	mu     sync.RWMutex
	dims   int
	closed bool
}

var _ Embedder = (*HTTPEmbedder)(nil)

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewHTTPEmbedder creates an embedder for the configured endpoint. No
// network traffic happens until the first call; dimensions are detected
// on first use when the config leaves them at zero.
func NewHTTPEmbedder(cfg config.EmbeddingsConfig) *HTTPEmbedder {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	if batch > MaxBatchSize {
		batch = MaxBatchSize
	}
	timeout := DefaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     10 * time.Second,
	}

	return &HTTPEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		endpoint:  cfg.Endpoint,
		modelName: cfg.Model,
		batchSize: batch,
		timeout:   timeout,
		dims:      cfg.Dimensions,
	}
}

// Embed generates the embedding for a single text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in request-sized chunks. Network failures and
// 5xx responses are transient and retried once.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, errors.Internal("embedder is closed", nil)
	}
	e.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		vecs, err := errors.RetryTransientResult(ctx, func() ([][]float32, error) {
			return e.embedOnce(ctx, texts[start:end])
		})
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}

	if len(out) > 0 && len(out[0]) > 0 {
		e.mu.Lock()
		if e.dims == 0 {
			e.dims = len(out[0])
		}
		e.mu.Unlock()
	}
	return out, nil
}

func (e *HTTPEmbedder) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Model: e.modelName, Input: texts})
	if err != nil {
		return nil, errors.Internal("marshal embed request", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Internal("build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.Transient("embedding endpoint unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Transient(fmt.Sprintf("embedding endpoint returned %d: %s", resp.StatusCode, raw), nil)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Internal(fmt.Sprintf("embedding endpoint returned %d: %s", resp.StatusCode, raw), nil)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Internal("decode embed response", err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, errors.Internal(fmt.Sprintf("embedding count mismatch: want %d, got %d", len(texts), len(parsed.Embeddings)), nil)
	}

	for i, v := range parsed.Embeddings {
		parsed.Embeddings[i] = normalizeVector(v)
	}
	return parsed.Embeddings, nil
}

// Dimensions returns the embedding dimension, or the default before the
// first successful call when auto-detecting.
func (e *HTTPEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.dims == 0 {
		return DefaultDimensions
	}
	return e.dims
}

// ModelName returns the configured model identifier.
func (e *HTTPEmbedder) ModelName() string {
	return e.modelName
}

// Available probes the endpoint's model list.
func (e *HTTPEmbedder) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, e.endpoint+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Close releases idle connections. Further calls fail.
func (e *HTTPEmbedder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.transport.CloseIdleConnections()
	return nil
}
