package ingest

import (
	"context"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/model"
)

// expireFreshnessThreshold is the freshness score below which an ACTIVE item
// is considered stale and moved to EXPIRED.
const expireFreshnessThreshold = 0.1

// ExpireDue moves ACTIVE items whose freshness has decayed below the
// threshold to EXPIRED and returns their ids. Downstream consensus runs then
// see the reduced recency; the items themselves remain queryable.
func (s *Service) ExpireDue(ctx context.Context, engagementID uuid.UUID) ([]uuid.UUID, error) {
	stale, err := s.db.StaleActiveEvidence(ctx, engagementID, expireFreshnessThreshold, s.cfg.FreshnessHalfLifeDays)
	if err != nil {
		return nil, err
	}

	expired := make([]uuid.UUID, 0, len(stale))
	for _, id := range stale {
		err := s.db.TransitionLifecycle(ctx, engagementID, id, model.LifecycleActive, model.LifecycleExpired, nil)
		if err != nil {
			// Lost the race with a reviewer or another expiry pass; skip.
			s.logger.Warn("expire evidence", "evidence_id", id, "error", err)
			continue
		}
		expired = append(expired, id)
	}

	if len(expired) > 0 {
		s.logger.Info("evidence expired", "engagement_id", engagementID, "count", len(expired))
	}
	return expired, nil
}
