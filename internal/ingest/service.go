package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/config"
	"github.com/kmflow-ai/kmflow/internal/ctxutil"
	"github.com/kmflow-ai/kmflow/internal/embedding"
	"github.com/kmflow-ai/kmflow/internal/integrity"
	"github.com/kmflow-ai/kmflow/internal/model"
	"github.com/kmflow-ai/kmflow/internal/storage"
	"github.com/kmflow-ai/kmflow/internal/vector"
)

// BlobStore fetches raw evidence content by reference. The core never stores
// content itself, only the fingerprint and parsed fragments.
type BlobStore interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Parsed is the output of a category parser.
type Parsed struct {
	// Fragments are ordered text slices extracted from the content.
	Fragments []string

	// ClassifierConfidence is the parser's confidence that the content
	// actually belongs to the declared category, in [0,1].
	ClassifierConfidence float64
}

// Parser extracts fragments from raw evidence content. Implementations are
// per-format collaborators supplied by the caller; a failure should be
// returned as-is and will be wrapped into a ParseError.
type Parser interface {
	Parse(ctx context.Context, category model.EvidenceCategory, format string, content []byte) (Parsed, error)
}

// autoValidateReliability and autoValidateConfidence gate the automatic
// PENDING -> VALIDATED advance. Both must hold; otherwise the item waits for
// a human reviewer.
const (
	autoValidateReliability = 0.5
	autoValidateConfidence  = 0.8
)

// Service runs the ingest pipeline: fingerprint, dedupe, parse, score,
// embed, and advance the lifecycle.
type Service struct {
	db       *storage.DB
	blobs    BlobStore
	parser   Parser
	embedder embedding.Provider
	index    *vector.Index // nil when similarity indexing is disabled
	cfg      config.Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the ingest pipeline. index may be nil.
func NewService(db *storage.DB, blobs BlobStore, parser Parser, embedder embedding.Provider, index *vector.Index, cfg config.Config, logger *slog.Logger) *Service {
	return &Service{
		db:       db,
		blobs:    blobs,
		parser:   parser,
		embedder: embedder,
		index:    index,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Request describes one evidence item to ingest.
type Request struct {
	EngagementID uuid.UUID
	Category     model.EvidenceCategory
	Format       string
	BlobRef      string

	// DeclaredHash is the collector's content hash, if any. A mismatch with
	// the recomputed hash zeroes the reliability score but does not reject
	// the item.
	DeclaredHash string

	// Principal is the data subject, recorded for later erasure requests.
	Principal *string

	Metadata map[string]any
}

// Ingest runs the full pipeline for one item and returns its id.
//
// A duplicate submission (same engagement, same content hash) returns the
// existing item's id together with model.ErrDuplicateIgnored; nothing is
// written. A parse failure leaves the item PENDING with last_error set and
// returns a *model.ParseError so the task runtime can retry.
func (s *Service) Ingest(ctx context.Context, req Request) (uuid.UUID, error) {
	content, err := s.blobs.Fetch(ctx, req.BlobRef)
	if err != nil {
		return uuid.Nil, fmt.Errorf("ingest: fetch blob %s: %w", req.BlobRef, err)
	}

	hash := integrity.HashContent(content)
	integrityOK := req.DeclaredHash == "" || req.DeclaredHash == hash
	plane, ok := model.PlaneForCategory[req.Category]
	if !ok {
		return uuid.Nil, fmt.Errorf("ingest: unknown evidence category %q", req.Category)
	}

	now := s.now()
	item := model.EvidenceItem{
		ID:           uuid.New(),
		EngagementID: req.EngagementID,
		Category:     req.Category,
		Format:       req.Format,
		BlobRef:      req.BlobRef,
		ContentHash:  hash,
		SourcePlane:  plane,
		Lifecycle:    model.LifecyclePending,
		Principal:    req.Principal,
		Metadata:     req.Metadata,
		CreatedAt:    now,
		Quality:      model.QualityScores{Consistency: 1.0},
	}

	id, err := s.db.InsertEvidence(ctx, item)
	if errors.Is(err, model.ErrDuplicateIgnored) {
		s.logger.Info("duplicate evidence ignored",
			"engagement_id", req.EngagementID,
			"existing_id", id,
			"content_hash", hash)
		return id, err
	}
	if err != nil {
		return uuid.Nil, err
	}

	parsed, err := s.parser.Parse(ctx, req.Category, req.Format, content)
	if err != nil {
		perr := &model.ParseError{EvidenceID: id, Category: req.Category, Cause: err}
		if serr := s.db.SetEvidenceError(ctx, req.EngagementID, id, perr.Error()); serr != nil {
			s.logger.Error("record parse failure", "evidence_id", id, "error", serr)
		}
		return id, perr
	}

	quality := model.QualityScores{
		Completeness: Completeness(req.Category, req.Metadata),
		Reliability:  Reliability(plane, integrityOK),
		Freshness:    FreshnessAt(req.Category, now, now, s.cfg.FreshnessHalfLifeDays),
		Consistency:  1.0,
	}
	if err := s.db.SetEvidenceQuality(ctx, req.EngagementID, id, quality); err != nil {
		return id, err
	}

	if len(parsed.Fragments) > 0 {
		if err := s.embedFragments(ctx, req.EngagementID, id, req.Category, plane, parsed.Fragments); err != nil {
			return id, err
		}
	}

	if quality.Reliability >= autoValidateReliability && parsed.ClassifierConfidence >= autoValidateConfidence {
		auto := "auto"
		if err := s.db.TransitionLifecycle(ctx, req.EngagementID, id, model.LifecyclePending, model.LifecycleValidated, &auto); err != nil {
			return id, err
		}
	}

	actor := ctxutil.ActorFromContext(ctx)
	if err := s.db.InsertAudit(ctx, storage.AuditEntry{
		EngagementID: req.EngagementID,
		ActorID:      actor.ID,
		ActorRole:    actor.Role,
		Operation:    "evidence.ingest",
		ResourceType: "evidence",
		ResourceID:   id.String(),
		Metadata:     map[string]any{"category": req.Category, "content_hash": hash, "fragments": len(parsed.Fragments)},
	}); err != nil {
		s.logger.Error("audit ingest", "evidence_id", id, "error", err)
	}

	s.logger.Info("evidence ingested",
		"engagement_id", req.EngagementID,
		"evidence_id", id,
		"category", req.Category,
		"fragments", len(parsed.Fragments),
		"reliability", quality.Reliability,
		"classifier_confidence", parsed.ClassifierConfidence)
	return id, nil
}

// embedFragments locks the engagement's embedding schema, embeds the
// fragments, and persists them to Postgres and (when configured) Qdrant.
func (s *Service) embedFragments(ctx context.Context, engagementID, evidenceID uuid.UUID, category model.EvidenceCategory, plane model.SourcePlane, texts []string) error {
	if err := s.db.LockEmbeddingSchema(ctx, engagementID, s.embedder.Model(), s.embedder.Dimensions()); err != nil {
		return err
	}

	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("ingest: embed fragments: %w", err)
	}

	frags := make([]model.EvidenceFragment, len(texts))
	for i, text := range texts {
		v := vecs[i]
		frags[i] = model.EvidenceFragment{
			ID:           uuid.New(),
			EvidenceID:   evidenceID,
			EngagementID: engagementID,
			Ordinal:      i,
			Text:         text,
			Embedding:    &v,
			CreatedAt:    s.now(),
		}
	}
	if err := s.db.InsertFragments(ctx, frags); err != nil {
		return err
	}

	if s.index != nil {
		points := make([]vector.Point, len(frags))
		for i, f := range frags {
			points[i] = vector.Point{
				ID:           f.ID,
				EngagementID: engagementID,
				EvidenceID:   evidenceID,
				Category:     string(category),
				SourcePlane:  string(plane),
				Ordinal:      f.Ordinal,
				Embedding:    f.Embedding.Slice(),
			}
		}
		if err := s.index.Upsert(ctx, points); err != nil {
			// The relational store is authoritative; index lag degrades
			// similarity search, not correctness.
			s.logger.Warn("vector upsert failed", "evidence_id", evidenceID, "error", err)
		}
	}
	return nil
}

// Decision is a reviewer's verdict on a PENDING or VALIDATED item.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Validate applies a reviewer decision. Approve advances one lifecycle step
// (PENDING -> VALIDATED, VALIDATED -> ACTIVE); reject archives the item from
// any non-terminal state. Activation queues the item's graph projection.
func (s *Service) Validate(ctx context.Context, engagementID, evidenceID uuid.UUID, decision Decision, reviewer string) error {
	item, err := s.db.GetEvidence(ctx, engagementID, evidenceID)
	if err != nil {
		return err
	}

	var to model.EvidenceLifecycle
	switch decision {
	case DecisionApprove:
		switch item.Lifecycle {
		case model.LifecyclePending:
			to = model.LifecycleValidated
		case model.LifecycleValidated:
			to = model.LifecycleActive
		default:
			return &model.IllegalTransitionError{Entity: "evidence", From: string(item.Lifecycle), To: "approve"}
		}
	case DecisionReject:
		to = model.LifecycleArchived
	default:
		return fmt.Errorf("ingest: unknown decision %q", decision)
	}

	if err := CheckTransition(item.Lifecycle, to); err != nil {
		return err
	}
	if err := s.db.TransitionLifecycle(ctx, engagementID, evidenceID, item.Lifecycle, to, &reviewer); err != nil {
		return err
	}

	if to == model.LifecycleActive {
		if err := s.db.QueueEvidenceProjection(ctx, engagementID, evidenceID, string(item.Category), string(item.SourcePlane)); err != nil {
			return err
		}
	}

	actor := ctxutil.ActorFromContext(ctx)
	before := map[string]any{"lifecycle": item.Lifecycle}
	after := map[string]any{"lifecycle": to}
	if err := s.db.InsertAudit(ctx, storage.AuditEntry{
		EngagementID: engagementID,
		ActorID:      actor.ID,
		ActorRole:    actor.Role,
		Operation:    "evidence.validate",
		ResourceType: "evidence",
		ResourceID:   evidenceID.String(),
		BeforeData:   before,
		AfterData:    after,
		Metadata:     map[string]any{"decision": decision, "reviewer": reviewer},
	}); err != nil {
		s.logger.Error("audit validate", "evidence_id", evidenceID, "error", err)
	}

	s.logger.Info("evidence reviewed",
		"engagement_id", engagementID,
		"evidence_id", evidenceID,
		"decision", decision,
		"from", item.Lifecycle,
		"to", to)
	return nil
}

// RecomputeConsistency refreshes an item's consistency dimension from its
// fragments' contradicted flags and returns the quality before and after,
// so the caller can decide whether the shift warrants downstream
// recomputation. Called after conflict resolution marks fragments.
func (s *Service) RecomputeConsistency(ctx context.Context, engagementID, evidenceID uuid.UUID) (before, after model.QualityScores, err error) {
	item, err := s.db.GetEvidence(ctx, engagementID, evidenceID)
	if err != nil {
		return model.QualityScores{}, model.QualityScores{}, err
	}
	frags, err := s.db.FragmentsByEvidence(ctx, engagementID, evidenceID)
	if err != nil {
		return model.QualityScores{}, model.QualityScores{}, err
	}
	contradicted := 0
	for _, f := range frags {
		if f.Contradicted {
			contradicted++
		}
	}
	before = item.Quality
	after = before
	after.Consistency = Consistency(contradicted, len(frags))
	if err := s.db.SetEvidenceQuality(ctx, engagementID, evidenceID, after); err != nil {
		return model.QualityScores{}, model.QualityScores{}, err
	}
	return before, after, nil
}
