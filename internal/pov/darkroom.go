package pov

import (
	"context"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/model"
)

// DarkRoom returns the backlog of known-unknowns for the latest POV version:
// dark elements still pending review plus everything reviewers deferred.
// This is the list a consultant works through when deciding what evidence to
// chase next.
func (a *Assembler) DarkRoom(ctx context.Context, engagementID uuid.UUID) ([]model.ProcessElement, error) {
	dark, err := a.db.DarkElements(ctx, engagementID)
	if err != nil {
		return nil, err
	}
	backlog := dark[:0]
	for _, el := range dark {
		if el.Status == model.ElementPending || el.Status == model.ElementDeferred {
			backlog = append(backlog, el)
		}
	}
	return backlog, nil
}
