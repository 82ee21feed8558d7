package ingest

import (
	"github.com/kmflow-ai/kmflow/internal/model"
)

// lifecycleOrder positions each state along the monotonic chain
// PENDING -> VALIDATED -> ACTIVE -> EXPIRED -> ARCHIVED.
var lifecycleOrder = map[model.EvidenceLifecycle]int{
	model.LifecyclePending:   0,
	model.LifecycleValidated: 1,
	model.LifecycleActive:    2,
	model.LifecycleExpired:   3,
	model.LifecycleArchived:  4,
}

// CanTransition reports whether from -> to is a legal lifecycle move:
// exactly one step forward along the chain, or a rejection to ARCHIVED from
// any non-terminal state. ARCHIVED is terminal.
func CanTransition(from, to model.EvidenceLifecycle) bool {
	fromRank, ok := lifecycleOrder[from]
	if !ok {
		return false
	}
	toRank, ok := lifecycleOrder[to]
	if !ok {
		return false
	}
	if from == model.LifecycleArchived {
		return false
	}
	if to == model.LifecycleArchived {
		return true
	}
	return toRank == fromRank+1
}

// CheckTransition returns an IllegalTransitionError when from -> to is not
// allowed, nil otherwise.
func CheckTransition(from, to model.EvidenceLifecycle) error {
	if !CanTransition(from, to) {
		return &model.IllegalTransitionError{
			Entity: "evidence",
			From:   string(from),
			To:     string(to),
		}
	}
	return nil
}
