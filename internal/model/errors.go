package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// The error taxonomy is closed: every failure surfaced by the core maps to
// exactly one of these kinds. Transient I/O failures are retried inside the
// layer that hit them; everything below is a terminal outcome for the caller.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("kmflow: not found")

	// ErrDuplicateIgnored signals that an ingest was a no-op because an item
	// with the same content hash already exists in the engagement. It is
	// non-fatal: the returned id is the existing item's id and is valid.
	ErrDuplicateIgnored = errors.New("kmflow: duplicate evidence ignored")

	// ErrQuotaExceeded is returned when an engagement's ingest quota is spent.
	ErrQuotaExceeded = errors.New("kmflow: quota exceeded")

	// ErrEngagementClosed is returned for writes against a closed engagement.
	ErrEngagementClosed = errors.New("kmflow: engagement closed")

	// ErrAuthzDenied is returned when a caller crosses an engagement boundary.
	ErrAuthzDenied = errors.New("kmflow: engagement scope violation")

	// ErrSeedCycle is returned when seed-term canonicalization detects a
	// merged_into cycle. POV generation aborts; the cycle must be repaired.
	ErrSeedCycle = errors.New("kmflow: seed term merge cycle")

	// ErrProjectionLag indicates the graph projection has fallen behind the
	// relational store beyond the retry budget. Dependent scans freeze until
	// the outbox drains.
	ErrProjectionLag = errors.New("kmflow: graph projection lag")

	// ErrCancelled is the terminal cause for a cooperatively cancelled task.
	ErrCancelled = errors.New("kmflow: cancelled")

	// ErrTimeout is the terminal cause for a task stage that exceeded its budget.
	ErrTimeout = errors.New("kmflow: stage timeout")

	// ErrEmbeddingMismatch is returned when a vector's model or dimension
	// disagrees with the engagement's locked embedding schema.
	ErrEmbeddingMismatch = errors.New("kmflow: embedding model mismatch")
)

// InvalidEdgeError reports a graph write whose (predicate, source, target)
// triple is outside the controlled vocabulary, or which violates the
// predicate's structural rule. Never retried; nothing is written.
type InvalidEdgeError struct {
	Predicate  Predicate
	SourceType NodeType
	TargetType NodeType
	Reason     string
}

func (e *InvalidEdgeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("kmflow: invalid edge %s(%s -> %s): %s", e.Predicate, e.SourceType, e.TargetType, e.Reason)
	}
	return fmt.Sprintf("kmflow: invalid edge %s(%s -> %s)", e.Predicate, e.SourceType, e.TargetType)
}

// IllegalTransitionError reports a lifecycle or validation state transition
// that the state machine forbids. State is unchanged.
type IllegalTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("kmflow: illegal %s transition %s -> %s", e.Entity, e.From, e.To)
}

// ParseError reports a category parser failure during ingest. The evidence
// item stays PENDING with last_error set; the runtime retries with backoff.
type ParseError struct {
	EvidenceID uuid.UUID
	Category   EvidenceCategory
	Cause      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("kmflow: parse %s evidence %s: %v", e.Category, e.EvidenceID, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }
