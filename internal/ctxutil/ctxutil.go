// Package ctxutil provides shared context key accessors.
//
// Store handles are passed explicitly; the context carries only the acting
// principal and its engagement scope so every layer can audit and enforce
// the tenancy boundary without importing its callers.
package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	keyActor        contextKey = "actor"
	keyEngagementID contextKey = "engagement_id"
)

// Actor identifies the principal performing an operation.
type Actor struct {
	ID           string
	Role         string
	EngagementID uuid.UUID
}

// WithActor returns a new context carrying the given actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	ctx = context.WithValue(ctx, keyActor, actor)
	ctx = context.WithValue(ctx, keyEngagementID, actor.EngagementID)
	return ctx
}

// ActorFromContext extracts the actor from the context. The zero Actor is
// returned for system-internal contexts (background workers).
func ActorFromContext(ctx context.Context) Actor {
	if v, ok := ctx.Value(keyActor).(Actor); ok {
		return v
	}
	return Actor{ID: "system", Role: "system"}
}

// EngagementIDFromContext extracts the engagement scope from the context.
func EngagementIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keyEngagementID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}
