package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Graph outbox operations. Rows are appended in the same transaction as the
// relational write they mirror, then drained into the graph store by the
// projector. At-least-once: the projector's Cypher is MERGE-based so
// redelivery is harmless.
const (
	OutboxMergeAssertion   = "merge_assertion"
	OutboxRetractAssertion = "retract_assertion"
	OutboxMergeEvidence    = "merge_evidence"
	OutboxErasePrincipal   = "erase_principal"
)

// MaxOutboxAttempts is the dead-letter threshold for graph projection.
const MaxOutboxAttempts = 10

// OutboxEntry is one pending graph projection row.
type OutboxEntry struct {
	ID           int64
	EngagementID uuid.UUID
	Operation    string
	Payload      []byte
	Attempts     int
}

// appendOutbox queues a graph projection inside the caller's transaction and
// pokes the projector via NOTIFY so the delta applies without waiting for
// the next poll tick.
func appendOutbox(ctx context.Context, tx pgx.Tx, engagementID uuid.UUID, op string, payload []byte) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO graph_outbox (engagement_id, operation, payload)
		 VALUES ($1, $2, $3::jsonb)`,
		engagementID, op, payload,
	); err != nil {
		return fmt.Errorf("storage: append outbox: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelOutbox, engagementID.String()); err != nil {
		return fmt.Errorf("storage: notify outbox: %w", err)
	}
	return nil
}

// QueueEvidenceProjection emits a merge_evidence delta for an activated
// evidence item so the projector creates its Evidence node.
func (db *DB) QueueEvidenceProjection(ctx context.Context, engagementID, evidenceID uuid.UUID, category, sourcePlane string) error {
	payload, err := json.Marshal(map[string]string{
		"id":           evidenceID.String(),
		"category":     category,
		"source_plane": sourcePlane,
	})
	if err != nil {
		return fmt.Errorf("storage: marshal evidence projection: %w", err)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin evidence projection: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := appendOutbox(ctx, tx, engagementID, OutboxMergeEvidence, payload); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: evidence projection: commit: %w", err)
	}
	return nil
}

// FetchOutbox selects and leases a batch of pending outbox entries. Entries
// stay invisible to other workers for 60 seconds, which must exceed the
// projector's per-batch timeout. The lease transaction can deadlock against
// concurrent ack and backoff updates, so it retries.
func (db *DB) FetchOutbox(ctx context.Context, batchSize int) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var err error
		entries, err = db.fetchOutboxOnce(ctx, batchSize)
		return err
	})
	return entries, err
}

func (db *DB) fetchOutboxOnce(ctx context.Context, batchSize int) ([]OutboxEntry, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin fetch outbox: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, engagement_id, operation, payload, attempts
		 FROM graph_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		MaxOutboxAttempts, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select outbox: %w", err)
	}

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.EngagementID, &e.Operation, &e.Payload, &e.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate outbox: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE graph_outbox SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`,
		ids,
	); err != nil {
		return nil, fmt.Errorf("storage: lock outbox entries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit outbox lease: %w", err)
	}
	return entries, nil
}

// SucceedOutbox removes applied entries.
func (db *DB) SucceedOutbox(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM graph_outbox WHERE id = ANY($1)`, ids,
	); err != nil {
		return fmt.Errorf("storage: delete applied outbox entries: %w", err)
	}
	return nil
}

// FailOutbox records a projection failure with exponential backoff:
// locked_until = now() + 2^attempts seconds, capped at 5 minutes. Entries
// reaching MaxOutboxAttempts stop being fetched and count as dead letters.
func (db *DB) FailOutbox(ctx context.Context, ids []int64, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx,
		`UPDATE graph_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		return fmt.Errorf("storage: update failed outbox entries: %w", err)
	}
	return nil
}

// OutboxDepth returns the number of entries still awaiting projection.
func (db *DB) OutboxDepth(ctx context.Context) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM graph_outbox WHERE attempts < $1`, MaxOutboxAttempts,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: outbox depth: %w", err)
	}
	return n, nil
}

// OutboxDeadLetters returns the number of dead-lettered entries for an
// engagement. A nonzero count means the graph projection is lagging and
// dependent scans must freeze.
func (db *DB) OutboxDeadLetters(ctx context.Context, engagementID uuid.UUID) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM graph_outbox
		 WHERE engagement_id = $1 AND attempts >= $2`,
		engagementID, MaxOutboxAttempts,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: outbox dead letters: %w", err)
	}
	return n, nil
}

// ResetOutboxDeadLetters returns dead-lettered entries to the retry pool.
// Called by reconciliation after the graph store recovers.
func (db *DB) ResetOutboxDeadLetters(ctx context.Context, engagementID uuid.UUID) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE graph_outbox
		 SET attempts = 0, locked_until = NULL, last_error = NULL
		 WHERE engagement_id = $1 AND attempts >= $2`,
		engagementID, MaxOutboxAttempts,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: reset outbox dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CleanupOutboxDeadLetters deletes dead-letter entries older than 7 days.
func (db *DB) CleanupOutboxDeadLetters(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM graph_outbox
		 WHERE attempts >= $1
		   AND created_at < now() - interval '7 days'`,
		MaxOutboxAttempts,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup outbox dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}
