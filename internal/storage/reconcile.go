package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/model"
)

// RelationalCounts is the system-of-record side of a dual-store
// reconciliation pass: what the graph projection should contain for one
// engagement.
type RelationalCounts struct {
	CurrentAssertions   int64
	ByPredicate         map[model.Predicate]int64
	ActiveEvidenceItems int64
}

// ReconcileCounts computes the expected graph shape from the relational
// store. The reconciler compares these against live graph counts and
// requeues any drift through the outbox.
func (db *DB) ReconcileCounts(ctx context.Context, engagementID uuid.UUID) (RelationalCounts, error) {
	counts := RelationalCounts{ByPredicate: make(map[model.Predicate]int64)}

	rows, err := db.pool.Query(ctx,
		`SELECT predicate, COUNT(*) FROM assertions
		 WHERE engagement_id = $1 AND retracted_at IS NULL
		 GROUP BY predicate`,
		engagementID,
	)
	if err != nil {
		return RelationalCounts{}, fmt.Errorf("storage: reconcile counts: %w", err)
	}
	for rows.Next() {
		var (
			p model.Predicate
			n int64
		)
		if err := rows.Scan(&p, &n); err != nil {
			rows.Close()
			return RelationalCounts{}, fmt.Errorf("storage: scan reconcile count: %w", err)
		}
		counts.ByPredicate[p] = n
		counts.CurrentAssertions += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return RelationalCounts{}, fmt.Errorf("storage: iterate reconcile counts: %w", err)
	}

	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM evidence_items
		 WHERE engagement_id = $1 AND lifecycle = $2`,
		engagementID, model.LifecycleActive,
	).Scan(&counts.ActiveEvidenceItems); err != nil {
		return RelationalCounts{}, fmt.Errorf("storage: reconcile evidence count: %w", err)
	}

	return counts, nil
}

// RequeueAssertions re-emits merge projections for current assertions with
// the given predicate, used by the reconciler to repair graph drift. The
// projector's MERGE semantics make re-emission idempotent.
func (db *DB) RequeueAssertions(ctx context.Context, engagementID uuid.UUID, predicate model.Predicate) (int, error) {
	assertions, err := db.ListAssertions(ctx, engagementID, AssertionFilters{
		Predicate:   predicate,
		CurrentOnly: true,
	})
	if err != nil {
		return 0, err
	}
	if len(assertions) == 0 {
		return 0, nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin requeue assertions: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, a := range assertions {
		if err := queueAssertionProjection(ctx, tx, a, OutboxMergeAssertion); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: requeue assertions: commit: %w", err)
	}
	return len(assertions), nil
}

// ListEngagementIDs returns all engagement ids, for whole-system sweeps
// (reconciliation, integrity proofs, freshness expiry).
func (db *DB) ListEngagementIDs(ctx context.Context, includeClosed bool) ([]uuid.UUID, error) {
	query := `SELECT id FROM engagements`
	if !includeClosed {
		query += ` WHERE closed = false`
	}
	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: list engagement ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan engagement id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
