package kmflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/consensus"
	"github.com/kmflow-ai/kmflow/internal/graph"
	"github.com/kmflow-ai/kmflow/internal/model"
	"github.com/kmflow-ai/kmflow/internal/storage"
)

// applyResolution performs the graph and quality side effects of a human
// conflict resolution. The conflict row is already closed when this runs.
func (e *Engine) applyResolution(ctx context.Context, engagementID uuid.UUID, c model.ConflictObject, resolution model.ResolutionType) error {
	a, err := e.db.GetAssertion(ctx, engagementID, c.SourceARef)
	if err != nil {
		return err
	}
	b, err := e.db.GetAssertion(ctx, engagementID, c.SourceBRef)
	if err != nil {
		return err
	}

	switch resolution {
	case model.ResolutionVariant:
		return e.linkVariants(ctx, engagementID, a, b)
	case model.ResolutionSuperseded:
		older, newer := a, b
		if a.AssertedAt.After(b.AssertedAt) {
			older, newer = b, a
		}
		return e.db.LinkSupersession(ctx, engagementID, older.ID, newer.ID)
	case model.ResolutionHumanReview:
		return e.recordDisagreement(ctx, engagementID, a, b)
	default:
		return fmt.Errorf("kmflow: unknown resolution type %q", resolution)
	}
}

// linkVariants writes the symmetric VARIANT_OF edge between the sides'
// activities. Pairs outside the vocabulary (role or data-object naming
// variants) resolve through the seed vocabulary instead, so no edge is
// written for them.
func (e *Engine) linkVariants(ctx context.Context, engagementID uuid.UUID, a, b model.Assertion) error {
	for _, pair := range [][2]model.NodeRef{{a.Subject, b.Subject}, {a.Object, b.Object}} {
		edge := model.Assertion{
			EngagementID:   engagementID,
			Subject:        pair[0],
			Predicate:      model.PredVariantOf,
			Object:         pair[1],
			FrameKind:      a.FrameKind,
			AuthorityScope: a.AuthorityScope,
			SourcePlane:    a.SourcePlane,
		}
		if graph.ValidateEdge(edge) != nil {
			continue
		}
		_, err := e.db.InsertAssertion(ctx, edge)
		return err
	}
	e.logger.Info("variant resolution without linkable activity pair",
		"engagement_id", engagementID, "assertion_a", a.ID, "assertion_b", b.ID)
	return nil
}

// recordDisagreement makes a human-confirmed genuine disagreement explicit
// in the graph as a CONTRADICTS edge between the two assertion nodes, then
// charges the contested claim against both sides' evidence quality.
func (e *Engine) recordDisagreement(ctx context.Context, engagementID uuid.UUID, a, b model.Assertion) error {
	edge := model.Assertion{
		EngagementID:   engagementID,
		Subject:        model.NodeRef{Type: model.NodeAssertion, ID: a.ID},
		Predicate:      model.PredContradicts,
		Object:         model.NodeRef{Type: model.NodeAssertion, ID: b.ID},
		FrameKind:      a.FrameKind,
		AuthorityScope: a.AuthorityScope,
		SourcePlane:    a.SourcePlane,
	}
	if _, err := e.db.InsertAssertion(ctx, edge); err != nil {
		return err
	}
	for _, side := range []model.Assertion{a, b} {
		if side.EvidenceID == nil {
			continue
		}
		if err := e.penalizeEvidence(ctx, engagementID, side); err != nil {
			return err
		}
	}
	return nil
}

// penalizeEvidence marks the fragments carrying the contested claim as
// contradicted, refreshes the item's consistency score, and queues a POV
// regeneration when the quality shift is large enough to move confidence
// within two hops of the item.
func (e *Engine) penalizeEvidence(ctx context.Context, engagementID uuid.UUID, a model.Assertion) error {
	evidenceID := *a.EvidenceID
	frags, err := e.db.FragmentsByEvidence(ctx, engagementID, evidenceID)
	if err != nil {
		return err
	}
	var contested []uuid.UUID
	for _, f := range frags {
		if f.Contradicted {
			continue
		}
		text := strings.ToLower(f.Text)
		if mentions(text, a.Subject.Name) || mentions(text, a.Object.Name) {
			contested = append(contested, f.ID)
		}
	}
	if len(contested) == 0 {
		return nil
	}
	if err := e.db.MarkFragmentsContradicted(ctx, engagementID, contested); err != nil {
		return err
	}

	before, after, err := e.ingest.RecomputeConsistency(ctx, engagementID, evidenceID)
	if err != nil {
		return err
	}
	if !consensus.ShouldPropagate(before, after, e.cfg.PropagationEpsilon) {
		return nil
	}

	assertions, err := e.db.ListAssertions(ctx, engagementID, storage.AssertionFilters{})
	if err != nil {
		return err
	}
	terms, err := e.db.ListSeedTerms(ctx, engagementID)
	if err != nil {
		return err
	}
	affected, err := consensus.AffectedElements(assertions, consensus.NewCanonicalizer(terms), evidenceID, 2)
	if err != nil {
		return err
	}
	if len(affected) == 0 {
		return nil
	}

	taskID, err := e.GeneratePOV(ctx, engagementID, model.POVScope{})
	if err != nil {
		return err
	}
	e.logger.Info("quality shift queued confidence recompute",
		"engagement_id", engagementID,
		"evidence_id", evidenceID,
		"affected_elements", len(affected),
		"task_id", taskID)
	return nil
}

func mentions(lowerText, name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	return name != "" && strings.Contains(lowerText, name)
}
