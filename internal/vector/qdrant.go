// Package vector maintains the fragment similarity index in Qdrant.
//
// The index is derived data: fragments live in Postgres and are re-indexable
// from there, so Qdrant outages degrade similarity lookups without touching
// the system of record.
package vector

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"
)

// Config holds configuration for connecting to Qdrant.
type Config struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// Point is the data needed to upsert a single fragment into Qdrant.
type Point struct {
	ID           uuid.UUID
	EngagementID uuid.UUID
	EvidenceID   uuid.UUID
	Category     string
	SourcePlane  string
	Ordinal      int
	Embedding    []float32
}

// Result is one similarity hit.
type Result struct {
	FragmentID uuid.UUID
	Score      float32
}

// Index is the Qdrant-backed fragment similarity index.
type Index struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("vector: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("vector: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewIndex connects to the Qdrant server via gRPC.
func NewIndex(cfg Config, logger *slog.Logger) (*Index, error) {
	host, port, useTLS, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("vector: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &Index{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist and
// ensures all payload indexes are present. CreateFieldIndex is idempotent on
// Qdrant, so index creation is always attempted to backfill indexes added
// after the collection was first created.
func (ix *Index) EnsureCollection(ctx context.Context) error {
	exists, err := ix.client.CollectionExists(ctx, ix.collection)
	if err != nil {
		return fmt.Errorf("vector: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)

		if err := ix.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: ix.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     ix.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("vector: create collection %q: %w", ix.collection, err)
		}
		ix.logger.Info("qdrant: created collection", "collection", ix.collection, "dims", ix.dims)
	} else {
		ix.logger.Info("qdrant: collection already exists", "collection", ix.collection)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"engagement_id", "evidence_id", "category", "source_plane"} {
		if _, err := ix.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: ix.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("vector: ensure index on %q: %w", field, err)
		}
	}

	ix.logger.Info("qdrant: payload indexes ensured", "collection", ix.collection)
	return nil
}

// Upsert inserts or updates fragment points.
func (ix *Index) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := map[string]any{
			"engagement_id": p.EngagementID.String(),
			"evidence_id":   p.EvidenceID.String(),
			"category":      p.Category,
			"source_plane":  p.SourcePlane,
			"ordinal":       int64(p.Ordinal),
		}
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID.String()),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := ix.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: ix.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("vector: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// FindSimilar returns fragment ids with embeddings similar to the given one
// within an engagement. The engagement filter is always applied first: the
// index must never leak neighbors across the tenancy boundary.
func (ix *Index) FindSimilar(ctx context.Context, engagementID uuid.UUID, embedding []float32, excludeEvidenceID uuid.UUID, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 50
	}

	must := []*qdrant.Condition{
		qdrant.NewMatch("engagement_id", engagementID.String()),
	}
	filter := &qdrant.Filter{Must: must}
	if excludeEvidenceID != uuid.Nil {
		filter.MustNot = []*qdrant.Condition{
			qdrant.NewMatch("evidence_id", excludeEvidenceID.String()),
		}
	}

	fetchLimit := uint64(limit) //nolint:gosec // limit is bounded by caller
	scored, err := ix.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: ix.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         filter,
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("vector: qdrant find similar: %w", err)
	}

	results := make([]Result, 0, len(scored))
	for _, sp := range scored {
		idStr := sp.Id.GetUuid()
		if idStr == "" {
			continue
		}
		fragmentID, err := uuid.Parse(idStr)
		if err != nil {
			ix.logger.Warn("qdrant: invalid UUID in point ID", "id", idStr)
			continue
		}
		results = append(results, Result{FragmentID: fragmentID, Score: sp.Score})
	}
	return results, nil
}

// DeleteByEvidence removes all points belonging to the given evidence items.
// Used by erasure and archival purges.
func (ix *Index) DeleteByEvidence(ctx context.Context, engagementID uuid.UUID, evidenceIDs []uuid.UUID) error {
	if len(evidenceIDs) == 0 {
		return nil
	}
	ids := make([]string, len(evidenceIDs))
	for i, id := range evidenceIDs {
		ids[i] = id.String()
	}

	_, err := ix.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: ix.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						qdrant.NewMatch("engagement_id", engagementID.String()),
						qdrant.NewMatchKeywords("evidence_id", ids...),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vector: qdrant delete by evidence: %w", err)
	}
	return nil
}

// DeleteByEngagement removes all points for an engagement, used when an
// engagement is torn down entirely.
func (ix *Index) DeleteByEngagement(ctx context.Context, engagementID uuid.UUID) error {
	_, err := ix.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: ix.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						qdrant.NewMatch("engagement_id", engagementID.String()),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vector: qdrant delete by engagement %s: %w", engagementID, err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5 seconds
// to avoid hammering the health endpoint. Concurrent calls after cache expiry
// are deduplicated via singleflight so only one gRPC call is made.
func (ix *Index) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, ix.healthAt.Load())) < 5*time.Second {
		return ix.loadHealthErr()
	}

	// Use context.Background() instead of the caller's ctx because
	// singleflight reuses the first caller's context — if that caller
	// cancels, all waiters would get a stale error.
	result, _, _ := ix.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := ix.client.HealthCheck(checkCtx)
		if err != nil {
			ix.storeHealthErr(fmt.Errorf("vector: qdrant unhealthy: %w", err))
		} else {
			ix.storeHealthErr(nil)
		}
		ix.healthAt.Store(time.Now().UnixNano())
		return ix.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

func (ix *Index) storeHealthErr(err error) {
	ix.healthErr.Store(&err)
}

func (ix *Index) loadHealthErr() error {
	v := ix.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (ix *Index) Close() error {
	return ix.client.Close()
}
