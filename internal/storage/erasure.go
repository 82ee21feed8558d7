package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/model"
)

// ErasureReport summarizes a GDPR erasure run for one data subject.
type ErasureReport struct {
	Principal           string    `json:"principal"`
	EvidenceDeleted     int       `json:"evidence_deleted"`
	FragmentsDeleted    int       `json:"fragments_deleted"`
	AssertionsRetracted int       `json:"assertions_retracted"`
	CompletedAt         time.Time `json:"completed_at"`

	// EvidenceIDs are the deleted items, returned so the caller can purge
	// the vector index; the graph purge goes through the outbox.
	EvidenceIDs []uuid.UUID `json:"evidence_ids,omitempty"`
}

// ErasePrincipal removes a data subject's evidence from the relational
// store in one transaction: deletion audit rows first (content hashes only,
// never the content), then fragments and items, then retraction of every
// assertion the deleted evidence supported. Graph and vector removals are
// queued through the outbox so the secondary stores converge even if they
// are down when the erasure runs.
//
// Erasure is the one sanctioned violation of evidence immutability.
func (db *DB) ErasePrincipal(ctx context.Context, engagementID uuid.UUID, principal, reason string) (ErasureReport, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return ErasureReport{}, fmt.Errorf("storage: begin erasure: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, content_hash FROM evidence_items
		 WHERE engagement_id = $1 AND principal = $2
		 FOR UPDATE`,
		engagementID, principal,
	)
	if err != nil {
		return ErasureReport{}, fmt.Errorf("storage: erasure: select evidence: %w", err)
	}
	var (
		evidenceIDs []uuid.UUID
		hashes      []string
	)
	for rows.Next() {
		var (
			id   uuid.UUID
			hash string
		)
		if err := rows.Scan(&id, &hash); err != nil {
			rows.Close()
			return ErasureReport{}, fmt.Errorf("storage: erasure: scan evidence: %w", err)
		}
		evidenceIDs = append(evidenceIDs, id)
		hashes = append(hashes, hash)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ErasureReport{}, fmt.Errorf("storage: erasure: iterate evidence: %w", err)
	}

	report := ErasureReport{Principal: principal, EvidenceIDs: evidenceIDs}
	if len(evidenceIDs) == 0 {
		report.CompletedAt = time.Now().UTC()
		return report, tx.Commit(ctx)
	}

	for i, id := range evidenceIDs {
		if err := insertDeletionAuditTx(ctx, tx, DeletionAuditEntry{
			EngagementID: engagementID,
			Principal:    principal,
			ResourceType: "evidence_item",
			ResourceID:   id,
			ContentHash:  hashes[i],
			Reason:       reason,
		}); err != nil {
			return ErasureReport{}, err
		}
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM evidence_fragments
		 WHERE engagement_id = $1 AND evidence_id = ANY($2)`,
		engagementID, evidenceIDs,
	)
	if err != nil {
		return ErasureReport{}, fmt.Errorf("storage: erasure: delete fragments: %w", err)
	}
	report.FragmentsDeleted = int(tag.RowsAffected())

	// Retract assertions whose only support was the erased evidence. The
	// claims themselves are not personal data, but they can no longer cite
	// their source.
	retractRows, err := tx.Query(ctx,
		`UPDATE assertions
		 SET retracted_at = now(), valid_to = COALESCE(valid_to, now())
		 WHERE engagement_id = $1 AND evidence_id = ANY($2) AND retracted_at IS NULL
		 RETURNING id`,
		engagementID, evidenceIDs,
	)
	if err != nil {
		return ErasureReport{}, fmt.Errorf("storage: erasure: retract assertions: %w", err)
	}
	var retractedIDs []uuid.UUID
	for retractRows.Next() {
		var id uuid.UUID
		if err := retractRows.Scan(&id); err != nil {
			retractRows.Close()
			return ErasureReport{}, fmt.Errorf("storage: erasure: scan retracted: %w", err)
		}
		retractedIDs = append(retractedIDs, id)
	}
	retractRows.Close()
	if err := retractRows.Err(); err != nil {
		return ErasureReport{}, fmt.Errorf("storage: erasure: iterate retracted: %w", err)
	}
	report.AssertionsRetracted = len(retractedIDs)

	tag, err = tx.Exec(ctx,
		`DELETE FROM evidence_items
		 WHERE engagement_id = $1 AND id = ANY($2)`,
		engagementID, evidenceIDs,
	)
	if err != nil {
		return ErasureReport{}, fmt.Errorf("storage: erasure: delete evidence: %w", err)
	}
	report.EvidenceDeleted = int(tag.RowsAffected())

	payload, err := json.Marshal(struct {
		Principal    string      `json:"principal"`
		EvidenceIDs  []uuid.UUID `json:"evidence_ids"`
		RetractedIDs []uuid.UUID `json:"retracted_assertion_ids"`
	}{principal, evidenceIDs, retractedIDs})
	if err != nil {
		return ErasureReport{}, fmt.Errorf("storage: erasure: marshal outbox payload: %w", err)
	}
	if err := appendOutbox(ctx, tx, engagementID, OutboxErasePrincipal, payload); err != nil {
		return ErasureReport{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ErasureReport{}, fmt.Errorf("storage: erasure: commit: %w", err)
	}
	report.CompletedAt = time.Now().UTC()

	db.logger.Info("principal erased",
		"engagement_id", engagementID,
		"evidence_deleted", report.EvidenceDeleted,
		"fragments_deleted", report.FragmentsDeleted,
		"assertions_retracted", report.AssertionsRetracted,
	)
	return report, nil
}

// PurgeArchivedEvidence deletes fragments of evidence items that have been
// ARCHIVED longer than the retention window. The items themselves stay for
// the audit trail; only their parsed content goes.
func (db *DB) PurgeArchivedEvidence(ctx context.Context, engagementID uuid.UUID, retention time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM evidence_fragments f
		 USING evidence_items e
		 WHERE f.evidence_id = e.id
		   AND e.engagement_id = $1
		   AND e.lifecycle = $2
		   AND e.expired_at < now() - $3::interval`,
		engagementID, model.LifecycleArchived,
		fmt.Sprintf("%f seconds", retention.Seconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: purge archived evidence: %w", err)
	}
	return tag.RowsAffected(), nil
}
