package kmflow

import (
	"log/slog"
	"time"

	"github.com/kmflow-ai/kmflow/internal/consensus"
	"github.com/kmflow-ai/kmflow/internal/ingest"
)

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger    *slog.Logger
	blobs     ingest.BlobStore
	parser    ingest.Parser
	extractor consensus.Extractor
	now       func() time.Time
}

func defaultOptions() engineOptions {
	return engineOptions{
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithBlobStore sets the content store ingest fetches raw evidence from.
// Required.
func WithBlobStore(b ingest.BlobStore) Option {
	return func(o *engineOptions) { o.blobs = b }
}

// WithParser sets the per-category fragment parser. Required.
func WithParser(p ingest.Parser) Option {
	return func(o *engineOptions) { o.parser = p }
}

// WithExtractor sets the element candidate extractor used during POV
// generation. Required.
func WithExtractor(e consensus.Extractor) Option {
	return func(o *engineOptions) { o.extractor = e }
}
