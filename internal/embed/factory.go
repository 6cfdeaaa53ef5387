package embed

import (
	"context"
	"log/slog"

	"memvault/internal/config"
	"memvault/internal/logging"
)

// New builds the embedder stack from config: the HTTP embedder when its
// endpoint answers, the static fallback otherwise, both behind the LRU
// cache. The fallback is logged as a categorized warning, not an error.
func New(ctx context.Context, cfg config.EmbeddingsConfig, logger *slog.Logger) Embedder {
	httpEmbedder := NewHTTPEmbedder(cfg)
	if httpEmbedder.Available(ctx) {
		return NewCachedEmbedder(httpEmbedder, cfg.CacheSize)
	}

	_ = httpEmbedder.Close()
	logging.Fallback(logger, "http embedder "+cfg.Endpoint, "static hash embedder", nil)
	return NewCachedEmbedder(NewStaticEmbedder(), cfg.CacheSize)
}
