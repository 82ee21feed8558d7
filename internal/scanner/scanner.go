// Package scanner detects cross-source disagreements in an engagement's
// assertion graph, scores their severity, and classifies each as a naming
// variant, a temporal shift, or a genuine disagreement.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/config"
	"github.com/kmflow-ai/kmflow/internal/consensus"
	"github.com/kmflow-ai/kmflow/internal/model"
	"github.com/kmflow-ai/kmflow/internal/storage"
)

// recencyHalfLifeDays is the decay constant for the severity recency factor.
const recencyHalfLifeDays = 90

// Service runs the consistency scan.
type Service struct {
	db     *storage.DB
	cfg    config.Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a scanner service.
func New(db *storage.DB, cfg config.Config, logger *slog.Logger) *Service {
	return &Service{db: db, cfg: cfg, logger: logger, now: time.Now}
}

// Scan runs all detection rules over the engagement's live assertions and
// returns the ids of every conflict the rules matched, newly created or not.
// Re-running on unchanged state creates nothing new: conflicts are unique on
// (mismatch_type, sorted pair) and classification only happens on creation.
func (s *Service) Scan(ctx context.Context, engagementID uuid.UUID) ([]uuid.UUID, error) {
	// A lagging graph projection means the assertion set the rules would see
	// is not the one the graph reflects; scanning it would raise phantom
	// conflicts. Freeze until reconciliation replays the dead letters.
	dead, err := s.db.OutboxDeadLetters(ctx, engagementID)
	if err != nil {
		return nil, err
	}
	if dead > 0 {
		return nil, fmt.Errorf("scanner: %d graph projections dead-lettered: %w", dead, model.ErrProjectionLag)
	}

	eng, err := s.db.GetEngagement(ctx, engagementID)
	if err != nil {
		return nil, err
	}
	terms, err := s.db.ListSeedTerms(ctx, engagementID)
	if err != nil {
		return nil, err
	}
	canon := consensus.NewCanonicalizer(terms)

	assertions, err := s.db.ListAssertions(ctx, engagementID, storage.AssertionFilters{})
	if err != nil {
		return nil, err
	}
	v, err := newView(assertions, canon, s.now())
	if err != nil {
		return nil, err
	}

	candidates := v.detect()
	ids := make([]uuid.UUID, 0, len(candidates))
	created := 0
	for _, c := range candidates {
		lo, hi := model.PairKey(c.a.ID, c.b.ID)
		conflict := model.ConflictObject{
			ID:           uuid.New(),
			EngagementID: engagementID,
			MismatchType: c.mismatch,
			SourceARef:   lo,
			SourceBRef:   hi,
			Severity:     s.severity(eng, c),
			Status:       model.ConflictOpen,
			DetectedAt:   s.now(),
		}
		id, isNew, err := s.db.UpsertConflict(ctx, conflict)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
		if !isNew {
			continue
		}
		created++

		class, err := s.classify(ctx, engagementID, id, c, canon)
		if err != nil {
			return nil, err
		}
		s.logger.Info("conflict detected",
			"engagement_id", engagementID,
			"conflict_id", id,
			"rule", c.mismatch,
			"classified_as", class,
			"severity", conflict.Severity)
	}

	escalated, err := s.db.EscalateStaleConflicts(ctx, engagementID, s.cfg.EscalateAfter)
	if err != nil {
		return nil, err
	}
	for _, id := range escalated {
		if err := s.db.InsertAudit(ctx, storage.AuditEntry{
			EngagementID: engagementID,
			ActorID:      "system",
			ActorRole:    "system",
			Operation:    "conflict.escalate",
			ResourceType: "conflict",
			ResourceID:   id.String(),
		}); err != nil {
			s.logger.Error("audit escalation", "conflict_id", id, "error", err)
		}
	}

	s.logger.Info("consistency scan complete",
		"engagement_id", engagementID,
		"assertions", len(assertions),
		"matched", len(ids),
		"created", created,
		"escalated", len(escalated))
	return ids, nil
}

// severity scores a candidate on the authority-weight differential between
// the two sides, how recent the newer claim is, and the criticality of the
// affected activity.
func (s *Service) severity(eng model.Engagement, c candidate) float64 {
	wDiff := eng.AuthorityWeight(c.a.AuthorityScope) - eng.AuthorityWeight(c.b.AuthorityScope)
	if wDiff < 0 {
		wDiff = -wDiff
	}

	newest := c.a.AssertedAt
	if c.b.AssertedAt.After(newest) {
		newest = c.b.AssertedAt
	}
	ageDays := s.now().Sub(newest).Hours() / 24
	recency := model.Freshness(ageDays, recencyHalfLifeDays)

	criticality := c.a.Criticality
	if c.b.Criticality > criticality {
		criticality = c.b.Criticality
	}

	sev := 0.4*wDiff + 0.3*recency + 0.3*criticality
	if sev < 0 {
		return 0
	}
	if sev > 1 {
		return 1
	}
	return sev
}
