package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kmflow-ai/kmflow/internal/integrity"
)

// AuditEntry is an append-only audit event for a state-changing operation.
type AuditEntry struct {
	EngagementID uuid.UUID
	ActorID      string
	ActorRole    string
	Operation    string
	ResourceType string
	ResourceID   string
	BeforeData   any
	AfterData    any
	Metadata     map[string]any
}

// InsertAudit appends an audit event. The target table is immutable: a
// trigger rejects UPDATE and DELETE.
func (db *DB) InsertAudit(ctx context.Context, e AuditEntry) error {
	return insertAudit(ctx, db.pool, e)
}

// InsertAuditTx appends an audit event inside the caller's transaction so
// the audit row commits or rolls back with the mutation it describes.
func (db *DB) InsertAuditTx(ctx context.Context, tx pgx.Tx, e AuditEntry) error {
	return insertAudit(ctx, tx, e)
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertAudit(ctx context.Context, q execer, e AuditEntry) error {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}

	var (
		beforeJSON []byte
		afterJSON  []byte
		err        error
	)
	if e.BeforeData != nil {
		beforeJSON, err = json.Marshal(e.BeforeData)
		if err != nil {
			return fmt.Errorf("storage: marshal audit before_data: %w", err)
		}
	}
	if e.AfterData != nil {
		afterJSON, err = json.Marshal(e.AfterData)
		if err != nil {
			return fmt.Errorf("storage: marshal audit after_data: %w", err)
		}
	}
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("storage: marshal audit metadata: %w", err)
	}

	_, err = q.Exec(ctx,
		`INSERT INTO audit_log (
		     engagement_id, actor_id, actor_role, operation,
		     resource_type, resource_id, before_data, after_data, metadata
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb)`,
		e.EngagementID, e.ActorID, e.ActorRole, e.Operation,
		e.ResourceType, e.ResourceID, beforeJSON, afterJSON, metaJSON,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit: %w", err)
	}
	return nil
}

// DeletionAuditEntry records what was erased and why, without retaining the
// erased content itself. Only the content hash survives for later dispute
// resolution.
type DeletionAuditEntry struct {
	EngagementID uuid.UUID
	Principal    string
	ResourceType string
	ResourceID   uuid.UUID
	ContentHash  string
	Reason       string
}

func insertDeletionAuditTx(ctx context.Context, tx pgx.Tx, e DeletionAuditEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO deletion_audit_log (
		     engagement_id, principal, resource_type, resource_id, content_hash, reason
		 )
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.EngagementID, e.Principal, e.ResourceType, e.ResourceID, e.ContentHash, e.Reason,
	)
	if err != nil {
		return fmt.Errorf("storage: insert deletion audit: %w", err)
	}
	return nil
}

// IntegrityProof is a periodic Merkle commitment over the engagement's
// evidence fingerprints.
type IntegrityProof struct {
	ID           int64
	EngagementID uuid.UUID
	MerkleRoot   string
	LeafCount    int
	CreatedAt    time.Time
}

// CreateIntegrityProof computes and stores a Merkle root over the sorted
// content hashes of all evidence items in the engagement. Comparing two
// proofs detects silent tampering between runs.
func (db *DB) CreateIntegrityProof(ctx context.Context, engagementID uuid.UUID) (IntegrityProof, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT content_hash FROM evidence_items WHERE engagement_id = $1`,
		engagementID,
	)
	if err != nil {
		return IntegrityProof{}, fmt.Errorf("storage: integrity proof: collect hashes: %w", err)
	}
	var leaves []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return IntegrityProof{}, fmt.Errorf("storage: integrity proof: scan hash: %w", err)
		}
		leaves = append(leaves, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return IntegrityProof{}, fmt.Errorf("storage: integrity proof: iterate hashes: %w", err)
	}

	sort.Strings(leaves)
	root := integrity.BuildMerkleRoot(leaves)

	var proof IntegrityProof
	err = db.pool.QueryRow(ctx,
		`INSERT INTO integrity_proofs (engagement_id, merkle_root, leaf_count)
		 VALUES ($1, $2, $3)
		 RETURNING id, engagement_id, merkle_root, leaf_count, created_at`,
		engagementID, root, len(leaves),
	).Scan(&proof.ID, &proof.EngagementID, &proof.MerkleRoot, &proof.LeafCount, &proof.CreatedAt)
	if err != nil {
		return IntegrityProof{}, fmt.Errorf("storage: insert integrity proof: %w", err)
	}
	return proof, nil
}

// LatestIntegrityProof returns the most recent proof for an engagement.
func (db *DB) LatestIntegrityProof(ctx context.Context, engagementID uuid.UUID) (IntegrityProof, error) {
	var proof IntegrityProof
	err := db.pool.QueryRow(ctx,
		`SELECT id, engagement_id, merkle_root, leaf_count, created_at
		 FROM integrity_proofs
		 WHERE engagement_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`,
		engagementID,
	).Scan(&proof.ID, &proof.EngagementID, &proof.MerkleRoot, &proof.LeafCount, &proof.CreatedAt)
	if err != nil {
		return IntegrityProof{}, noRows(fmt.Errorf("storage: latest integrity proof: %w", err))
	}
	return proof, nil
}
