package graph

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/model"
	"github.com/kmflow-ai/kmflow/internal/storage"
)

// Reconciler compares per-engagement edge counts between the relational
// store and the graph projection and requeues drifted predicates through
// the outbox. MERGE semantics make the replay idempotent, so over-repair
// is harmless.
type Reconciler struct {
	db     *storage.DB
	writer *Writer
	logger *slog.Logger
}

// NewReconciler creates a dual-store reconciler.
func NewReconciler(db *storage.DB, writer *Writer, logger *slog.Logger) *Reconciler {
	return &Reconciler{db: db, writer: writer, logger: logger}
}

// Drift is one predicate whose edge counts disagree between stores.
type Drift struct {
	Predicate  model.Predicate `json:"predicate"`
	Relational int64           `json:"relational"`
	Graph      int64           `json:"graph"`
	Requeued   int             `json:"requeued"`
}

// Report is the outcome of one reconciliation pass for one engagement.
type Report struct {
	EngagementID uuid.UUID `json:"engagement_id"`
	Drifts       []Drift   `json:"drifts,omitempty"`
	DeadLetters  int64     `json:"dead_letters"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Reconcile runs one pass for an engagement. Dead-lettered outbox entries
// are reset first so the repair replay is not immediately starved.
func (r *Reconciler) Reconcile(ctx context.Context, engagementID uuid.UUID) (Report, error) {
	report := Report{EngagementID: engagementID, StartedAt: time.Now().UTC()}

	dead, err := r.db.OutboxDeadLetters(ctx, engagementID)
	if err != nil {
		return Report{}, err
	}
	report.DeadLetters = dead
	if dead > 0 {
		reset, err := r.db.ResetOutboxDeadLetters(ctx, engagementID)
		if err != nil {
			return Report{}, err
		}
		r.logger.Info("reconciler: reset dead-letter entries",
			"engagement_id", engagementID, "reset", reset)
	}

	relational, err := r.db.ReconcileCounts(ctx, engagementID)
	if err != nil {
		return Report{}, err
	}
	graphCounts, err := r.writer.EdgeCountsByPredicate(ctx, engagementID)
	if err != nil {
		return Report{}, err
	}

	for predicate, want := range relational.ByPredicate {
		got := graphCounts[predicate]
		if got == want {
			continue
		}
		requeued, err := r.db.RequeueAssertions(ctx, engagementID, predicate)
		if err != nil {
			return Report{}, err
		}
		report.Drifts = append(report.Drifts, Drift{
			Predicate:  predicate,
			Relational: want,
			Graph:      got,
			Requeued:   requeued,
		})
		r.logger.Warn("reconciler: predicate drift",
			"engagement_id", engagementID,
			"predicate", predicate,
			"relational", want,
			"graph", got,
			"requeued", requeued,
		)
	}

	report.FinishedAt = time.Now().UTC()
	return report, nil
}
