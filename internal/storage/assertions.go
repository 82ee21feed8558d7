package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kmflow-ai/kmflow/internal/model"
)

// InsertAssertion appends a new assertion row and queues its graph projection
// in the same transaction. Assertion rows are immutable: only retracted_at
// and superseded_by ever change after this insert, and a trigger rejects
// everything else.
func (db *DB) InsertAssertion(ctx context.Context, a model.Assertion) (uuid.UUID, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.AssertedAt.IsZero() {
		a.AssertedAt = time.Now().UTC()
	}
	if a.Validity.From.IsZero() {
		a.Validity.From = a.AssertedAt
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: begin insert assertion: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertAssertionTx(ctx, tx, a); err != nil {
		return uuid.Nil, err
	}
	if err := queueAssertionProjection(ctx, tx, a, OutboxMergeAssertion); err != nil {
		return uuid.Nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("storage: insert assertion: commit: %w", err)
	}
	return a.ID, nil
}

func insertAssertionTx(ctx context.Context, tx pgx.Tx, a model.Assertion) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO assertions (
		     id, engagement_id,
		     subject_type, subject_id, subject_name,
		     predicate,
		     object_type, object_id, object_name,
		     frame_kind, authority_scope, source_plane, negated,
		     evidence_id, criticality,
		     asserted_at, valid_from, valid_to
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		a.ID, a.EngagementID,
		a.Subject.Type, a.Subject.ID, a.Subject.Name,
		a.Predicate,
		a.Object.Type, a.Object.ID, a.Object.Name,
		a.FrameKind, a.AuthorityScope, a.SourcePlane, a.Negated,
		a.EvidenceID, a.Criticality,
		a.AssertedAt, a.Validity.From, a.Validity.To,
	)
	if err != nil {
		return fmt.Errorf("storage: insert assertion: %w", err)
	}
	return nil
}

func queueAssertionProjection(ctx context.Context, tx pgx.Tx, a model.Assertion, op string) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("storage: marshal assertion projection: %w", err)
	}
	return appendOutbox(ctx, tx, a.EngagementID, op, payload)
}

// SupersedeAssertion closes the validity of an existing assertion and writes
// its replacement atomically. The old row gets retracted_at and superseded_by
// set; the replacement is a fresh row whose validity opens where the old one
// closes. Both graph deltas queue in the same transaction.
func (db *DB) SupersedeAssertion(ctx context.Context, engagementID, oldID uuid.UUID, replacement model.Assertion) (uuid.UUID, error) {
	if replacement.ID == uuid.Nil {
		replacement.ID = uuid.New()
	}
	now := time.Now().UTC()
	if replacement.AssertedAt.IsZero() {
		replacement.AssertedAt = now
	}
	if replacement.Validity.From.IsZero() {
		replacement.Validity.From = now
	}
	replacement.EngagementID = engagementID

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: begin supersede: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE assertions
		 SET retracted_at = $1, superseded_by = $2, valid_to = COALESCE(valid_to, $1)
		 WHERE engagement_id = $3 AND id = $4 AND retracted_at IS NULL`,
		now, replacement.ID, engagementID, oldID,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: supersede assertion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return uuid.Nil, ErrNotFound
	}

	if err := insertAssertionTx(ctx, tx, replacement); err != nil {
		return uuid.Nil, err
	}

	old, err := getAssertionTx(ctx, tx, engagementID, oldID)
	if err != nil {
		return uuid.Nil, err
	}
	if err := queueAssertionProjection(ctx, tx, old, OutboxRetractAssertion); err != nil {
		return uuid.Nil, err
	}
	if err := queueAssertionProjection(ctx, tx, replacement, OutboxMergeAssertion); err != nil {
		return uuid.Nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("storage: supersede assertion: commit: %w", err)
	}
	return replacement.ID, nil
}

// LinkSupersession records that an existing newer assertion supersedes an
// older one: the older row's validity closes and points at the newer row,
// and the retraction projects to the graph. Unlike SupersedeAssertion no
// replacement row is inserted; both rows already exist.
func (db *DB) LinkSupersession(ctx context.Context, engagementID, oldID, newID uuid.UUID) error {
	now := time.Now().UTC()

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin link supersession: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE assertions
		 SET retracted_at = $1, superseded_by = $2, valid_to = COALESCE(valid_to, $1)
		 WHERE engagement_id = $3 AND id = $4 AND retracted_at IS NULL`,
		now, newID, engagementID, oldID,
	)
	if err != nil {
		return fmt.Errorf("storage: link supersession: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	old, err := getAssertionTx(ctx, tx, engagementID, oldID)
	if err != nil {
		return err
	}
	if err := queueAssertionProjection(ctx, tx, old, OutboxRetractAssertion); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: link supersession: commit: %w", err)
	}
	return nil
}

// RetractAssertion marks an assertion retracted without replacement and
// queues the graph retraction.
func (db *DB) RetractAssertion(ctx context.Context, engagementID, id uuid.UUID) error {
	now := time.Now().UTC()

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin retract: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE assertions
		 SET retracted_at = $1, valid_to = COALESCE(valid_to, $1)
		 WHERE engagement_id = $2 AND id = $3 AND retracted_at IS NULL`,
		now, engagementID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: retract assertion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	a, err := getAssertionTx(ctx, tx, engagementID, id)
	if err != nil {
		return err
	}
	if err := queueAssertionProjection(ctx, tx, a, OutboxRetractAssertion); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: retract assertion: commit: %w", err)
	}
	return nil
}

const assertionColumns = `id, engagement_id,
	subject_type, subject_id, subject_name,
	predicate,
	object_type, object_id, object_name,
	frame_kind, authority_scope, source_plane, negated,
	evidence_id, criticality,
	asserted_at, retracted_at, valid_from, valid_to, superseded_by, created_at`

func scanAssertion(row pgx.Row) (model.Assertion, error) {
	var a model.Assertion
	err := row.Scan(
		&a.ID, &a.EngagementID,
		&a.Subject.Type, &a.Subject.ID, &a.Subject.Name,
		&a.Predicate,
		&a.Object.Type, &a.Object.ID, &a.Object.Name,
		&a.FrameKind, &a.AuthorityScope, &a.SourcePlane, &a.Negated,
		&a.EvidenceID, &a.Criticality,
		&a.AssertedAt, &a.RetractedAt, &a.Validity.From, &a.Validity.To, &a.SupersededBy, &a.CreatedAt,
	)
	return a, err
}

func getAssertionTx(ctx context.Context, tx pgx.Tx, engagementID, id uuid.UUID) (model.Assertion, error) {
	a, err := scanAssertion(tx.QueryRow(ctx,
		`SELECT `+assertionColumns+` FROM assertions WHERE engagement_id = $1 AND id = $2`,
		engagementID, id,
	))
	if err != nil {
		return model.Assertion{}, noRows(fmt.Errorf("storage: get assertion: %w", err))
	}
	return a, nil
}

// GetAssertion loads one assertion scoped to an engagement.
func (db *DB) GetAssertion(ctx context.Context, engagementID, id uuid.UUID) (model.Assertion, error) {
	a, err := scanAssertion(db.pool.QueryRow(ctx,
		`SELECT `+assertionColumns+` FROM assertions WHERE engagement_id = $1 AND id = $2`,
		engagementID, id,
	))
	if err != nil {
		return model.Assertion{}, noRows(fmt.Errorf("storage: get assertion: %w", err))
	}
	return a, nil
}

// AssertionFilters narrows ListAssertions. Zero values mean "any".
type AssertionFilters struct {
	Predicate   model.Predicate
	SubjectName string
	Plane       model.SourcePlane
	EvidenceIDs []uuid.UUID

	// CurrentOnly restricts to non-retracted assertions whose validity
	// window is open at ValidAt (defaulting to now).
	CurrentOnly bool
	ValidAt     time.Time
}

// ListAssertions returns assertions for an engagement, oldest first so that
// deterministic consumers (scanner, consensus) see a stable order.
func (db *DB) ListAssertions(ctx context.Context, engagementID uuid.UUID, f AssertionFilters) ([]model.Assertion, error) {
	query := `SELECT ` + assertionColumns + ` FROM assertions WHERE engagement_id = $1`
	args := []any{engagementID}

	if f.Predicate != "" {
		args = append(args, f.Predicate)
		query += fmt.Sprintf(" AND predicate = $%d", len(args))
	}
	if f.SubjectName != "" {
		args = append(args, f.SubjectName)
		query += fmt.Sprintf(" AND lower(subject_name) = lower($%d)", len(args))
	}
	if f.Plane != "" {
		args = append(args, f.Plane)
		query += fmt.Sprintf(" AND source_plane = $%d", len(args))
	}
	if len(f.EvidenceIDs) > 0 {
		args = append(args, f.EvidenceIDs)
		query += fmt.Sprintf(" AND evidence_id = ANY($%d)", len(args))
	}
	if f.CurrentOnly {
		at := f.ValidAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		args = append(args, at)
		query += fmt.Sprintf(" AND retracted_at IS NULL AND (valid_to IS NULL OR valid_to > $%d)", len(args))
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list assertions: %w", err)
	}
	defer rows.Close()

	var out []model.Assertion
	for rows.Next() {
		a, err := scanAssertion(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan assertion: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
