package kmflow

import (
	"context"
	"log/slog"

	"github.com/kmflow-ai/kmflow/internal/config"
	"github.com/kmflow-ai/kmflow/internal/vector"
)

// vectorIndex is a nilable wrapper: when no Qdrant URL is configured the
// engine runs without similarity indexing and ingest skips the upsert.
type vectorIndex struct {
	idx *vector.Index
}

func openVectorIndex(ctx context.Context, cfg config.Config, logger *slog.Logger) (*vectorIndex, error) {
	if cfg.QdrantURL == "" {
		logger.Info("vector index disabled, similarity search unavailable")
		return &vectorIndex{}, nil
	}
	idx, err := vector.NewIndex(vector.Config{
		URL:        cfg.QdrantURL,
		APIKey:     cfg.QdrantAPIKey,
		Collection: cfg.QdrantCollection,
		Dims:       uint64(cfg.EmbeddingDimensions),
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := idx.EnsureCollection(ctx); err != nil {
		_ = idx.Close()
		return nil, err
	}
	return &vectorIndex{idx: idx}, nil
}

func (v *vectorIndex) close() {
	if v.idx != nil {
		_ = v.idx.Close()
	}
}
