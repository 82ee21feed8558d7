package scanner

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/consensus"
	"github.com/kmflow-ai/kmflow/internal/model"
)

// seedAliasMaxDistance is the edit-distance budget for matching a raw name
// against the active seed vocabulary.
const seedAliasMaxDistance = 2

// namePair is one corresponding (raw name, node ref) pairing between the two
// sides of a conflict, orientation-corrected per mismatch type.
type namePair struct {
	aRef, bRef model.NodeRef
}

// pairings lists the node pairs the classifier compares for a candidate. A
// sequence conflict pairs across the reversal (a.subject vs b.object), the
// rest pair positionally.
func pairings(c candidate) []namePair {
	if c.mismatch == model.MismatchSequence {
		return []namePair{
			{aRef: c.a.Subject, bRef: c.b.Object},
			{aRef: c.a.Object, bRef: c.b.Subject},
		}
	}
	return []namePair{
		{aRef: c.a.Subject, bRef: c.b.Subject},
		{aRef: c.a.Object, bRef: c.b.Object},
	}
}

// variantPair reports whether two raw names are naming variants: distinct in
// raw form but equal after seed-chain resolution, or each within the
// edit-distance budget of the same active seed alias. Raw pairwise
// similarity alone never qualifies; without a seed term vouching for the
// name, two similar-looking names can still be a genuine disagreement.
func variantPair(canon *consensus.Canonicalizer, activeTerms []string, a, b string) bool {
	na, nb := consensus.Normalize(a), consensus.Normalize(b)
	if na == nb {
		return false
	}
	same, err := canon.SameCanonical(a, b)
	if err == nil && same {
		return true
	}
	for _, term := range activeTerms {
		if levenshtein(na, term) <= seedAliasMaxDistance && levenshtein(nb, term) <= seedAliasMaxDistance {
			return true
		}
	}
	return false
}

// classifyNaming checks whether the candidate's sides differ only by naming
// variants. It returns the first variant pair so the caller can emit the
// VARIANT_OF edge.
func classifyNaming(canon *consensus.Canonicalizer, c candidate) (namePair, bool) {
	if c.mismatch == model.MismatchControlGap {
		// A missing edge is never a vocabulary problem.
		return namePair{}, false
	}
	activeTerms := canon.ActiveTerms()

	var variant namePair
	found := false
	for _, p := range pairings(c) {
		na := consensus.Normalize(p.aRef.Name)
		nb := consensus.Normalize(p.bRef.Name)
		if na == nb {
			continue
		}
		if !variantPair(canon, activeTerms, p.aRef.Name, p.bRef.Name) {
			// A genuinely different name on any pair rules out the
			// naming-variant classification.
			return namePair{}, false
		}
		if !found {
			variant, found = p, true
		}
	}
	return variant, found
}

// classify resolves a freshly created conflict: naming variants and temporal
// shifts close automatically, everything else stays open for human review.
func (s *Service) classify(ctx context.Context, engagementID, conflictID uuid.UUID, c candidate, canon *consensus.Canonicalizer) (model.MismatchType, error) {
	if pair, ok := classifyNaming(canon, c); ok {
		if err := s.emitVariantEdge(ctx, engagementID, c, pair); err != nil {
			return "", err
		}
		res := model.ResolutionVariant
		details := fmt.Sprintf("%q and %q resolve to the same canonical term", pair.aRef.Name, pair.bRef.Name)
		return model.MismatchNaming, s.db.ClassifyConflict(ctx, engagementID, conflictID, &res, &details)
	}

	if !c.a.Validity.Overlaps(c.b.Validity) {
		if err := s.emitSupersession(ctx, engagementID, c); err != nil {
			return "", err
		}
		res := model.ResolutionSuperseded
		details := "non-overlapping validity windows; newer claim supersedes"
		return model.MismatchTemporal, s.db.ClassifyConflict(ctx, engagementID, conflictID, &res, &details)
	}

	res := model.ResolutionHumanReview
	details := fmt.Sprintf("epistemic frames: %s (%s) vs %s (%s)",
		c.a.FrameKind, c.a.AuthorityScope, c.b.FrameKind, c.b.AuthorityScope)
	return model.MismatchDisagreeing, s.db.ClassifyConflict(ctx, engagementID, conflictID, &res, &details)
}

// emitVariantEdge records the discovered alias as a VARIANT_OF assertion.
// The vocabulary only admits Activity<->Activity variants; alias pairs on
// other node kinds resolve the conflict without an edge.
func (s *Service) emitVariantEdge(ctx context.Context, engagementID uuid.UUID, c candidate, pair namePair) error {
	if pair.aRef.Type != model.NodeActivity || pair.bRef.Type != model.NodeActivity {
		return nil
	}
	_, err := s.db.InsertAssertion(ctx, model.Assertion{
		EngagementID:   engagementID,
		Subject:        pair.aRef,
		Predicate:      model.PredVariantOf,
		Object:         pair.bRef,
		FrameKind:      c.a.FrameKind,
		AuthorityScope: "system",
		SourcePlane:    c.a.SourcePlane,
		AssertedAt:     s.now(),
		Validity:       model.Validity{From: s.now()},
	})
	if err != nil {
		return fmt.Errorf("scanner: emit variant edge: %w", err)
	}
	return nil
}

// emitSupersession records that the claim with the later validity start
// supersedes the earlier one.
func (s *Service) emitSupersession(ctx context.Context, engagementID uuid.UUID, c candidate) error {
	newer, older := c.a, c.b
	if older.Validity.From.After(newer.Validity.From) {
		newer, older = older, newer
	}
	_, err := s.db.InsertAssertion(ctx, model.Assertion{
		EngagementID:   engagementID,
		Subject:        model.NodeRef{Type: model.NodeAssertion, ID: newer.ID},
		Predicate:      model.PredSupersedes,
		Object:         model.NodeRef{Type: model.NodeAssertion, ID: older.ID},
		FrameKind:      newer.FrameKind,
		AuthorityScope: "system",
		SourcePlane:    newer.SourcePlane,
		AssertedAt:     s.now(),
		Validity:       model.Validity{From: newer.Validity.From},
	})
	if err != nil {
		return fmt.Errorf("scanner: emit supersession: %w", err)
	}
	return nil
}
