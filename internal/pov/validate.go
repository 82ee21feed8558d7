package pov

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/consensus"
	"github.com/kmflow-ai/kmflow/internal/ctxutil"
	"github.com/kmflow-ai/kmflow/internal/model"
	"github.com/kmflow-ai/kmflow/internal/storage"
)

// ReviewDecision is a reviewer's verdict on one POV element.
type ReviewDecision string

const (
	ReviewConfirm ReviewDecision = "confirm"
	ReviewCorrect ReviewDecision = "correct"
	ReviewReject  ReviewDecision = "reject"
	ReviewDefer   ReviewDecision = "defer"
)

// Review carries one validation decision.
type Review struct {
	ElementID uuid.UUID
	Decision  ReviewDecision
	Reviewer  string

	// CorrectedName renames the element on CORRECT.
	CorrectedName *string

	// AssertionID identifies the assertion a CORRECT supersedes or a REJECT
	// retracts.
	AssertionID *uuid.UUID

	// Replacement is the corrected claim inserted on CORRECT.
	Replacement *model.Assertion
}

// Validate applies a reviewer decision to an element. Confirmation promotes
// the grade one step up the C -> B -> A ladder and recomputes the display
// class; correction supersedes the backing assertion; rejection raises an
// existence conflict and retracts it; deferral parks the element in the dark
// room backlog.
func (a *Assembler) Validate(ctx context.Context, engagementID uuid.UUID, r Review) error {
	el, err := a.db.GetElement(ctx, engagementID, r.ElementID)
	if err != nil {
		return err
	}

	switch r.Decision {
	case ReviewConfirm:
		if err := a.db.UpdateElementReview(ctx, engagementID, r.ElementID, model.ElementConfirmed, nil); err != nil {
			return err
		}
		if promoted := promoteGrade(el.Grade); promoted != el.Grade {
			brightness := consensus.BrightnessOf(el.Confidence, promoted)
			if err := a.db.SetElementScores(ctx, engagementID, r.ElementID, promoted, el.Confidence, brightness); err != nil {
				return err
			}
		}

	case ReviewCorrect:
		if r.AssertionID == nil || r.Replacement == nil {
			return fmt.Errorf("pov: correction needs the assertion to supersede and its replacement")
		}
		if _, err := a.db.SupersedeAssertion(ctx, engagementID, *r.AssertionID, *r.Replacement); err != nil {
			return err
		}
		if err := a.db.UpdateElementReview(ctx, engagementID, r.ElementID, model.ElementCorrected, r.CorrectedName); err != nil {
			return err
		}

	case ReviewReject:
		if r.AssertionID == nil {
			return fmt.Errorf("pov: rejection needs the assertion to retract")
		}
		if _, _, err := a.db.UpsertConflict(ctx, model.ConflictObject{
			ID:           uuid.New(),
			EngagementID: engagementID,
			MismatchType: model.MismatchExistence,
			SourceARef:   *r.AssertionID,
			SourceBRef:   r.ElementID,
			Severity:     el.Confidence,
			Status:       model.ConflictOpen,
			DetectedAt:   a.now(),
		}); err != nil {
			return err
		}
		if err := a.db.RetractAssertion(ctx, engagementID, *r.AssertionID); err != nil {
			return err
		}
		if err := a.db.UpdateElementReview(ctx, engagementID, r.ElementID, model.ElementRejected, nil); err != nil {
			return err
		}

	case ReviewDefer:
		if err := a.db.UpdateElementReview(ctx, engagementID, r.ElementID, model.ElementDeferred, nil); err != nil {
			return err
		}

	default:
		return fmt.Errorf("pov: unknown review decision %q", r.Decision)
	}

	actor := ctxutil.ActorFromContext(ctx)
	if err := a.db.InsertAudit(ctx, storage.AuditEntry{
		EngagementID: engagementID,
		ActorID:      actor.ID,
		ActorRole:    actor.Role,
		Operation:    "pov.validate",
		ResourceType: "process_element",
		ResourceID:   r.ElementID.String(),
		BeforeData:   map[string]any{"status": el.Status, "grade": el.Grade},
		AfterData:    map[string]any{"decision": r.Decision},
		Metadata:     map[string]any{"reviewer": r.Reviewer},
	}); err != nil {
		a.logger.Error("audit pov validation", "element_id", r.ElementID, "error", err)
	}
	return nil
}

// promoteGrade moves one step up the validation ladder. A is terminal; D and
// U do not promote on confirmation alone, they need more planes.
func promoteGrade(g model.EvidenceGrade) model.EvidenceGrade {
	switch g {
	case model.GradeC:
		return model.GradeB
	case model.GradeB:
		return model.GradeA
	default:
		return g
	}
}
