// Package runtime schedules and executes long-running tasks: durable task
// rows, stream-triggered workers, retries with backoff, per-engagement
// concurrency limits, and cooperative cancellation.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/kmflow-ai/kmflow/internal/model"
)

// Progress reports a handler's position: a fraction in [0,1] and a stage
// label. Reported progress is monotonic; stale reports are absorbed.
type Progress func(fraction float64, stage string)

// Handler executes one task kind. The context carries the stage timeout and
// cooperative cancellation; handlers must check it between stages and be
// idempotent on task_id, because deliveries can duplicate.
type Handler func(ctx context.Context, task model.Task, report Progress) (json.RawMessage, error)

// Registration binds a handler with its per-stage timeout and whether it
// counts against the engagement's heavy-task semaphore.
type Registration struct {
	Handler Handler
	Timeout time.Duration
	Heavy   bool
}

// Registry maps task kinds to their registrations.
type Registry struct {
	entries map[model.TaskKind]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[model.TaskKind]Registration{}}
}

// Register binds a kind. Registering a kind twice is a programming error.
func (r *Registry) Register(kind model.TaskKind, reg Registration) {
	if _, exists := r.entries[kind]; exists {
		panic(fmt.Sprintf("runtime: handler for %s registered twice", kind))
	}
	if reg.Handler == nil {
		panic(fmt.Sprintf("runtime: nil handler for %s", kind))
	}
	r.entries[kind] = reg
}

// Lookup returns the registration for a kind.
func (r *Registry) Lookup(kind model.TaskKind) (Registration, bool) {
	reg, ok := r.entries[kind]
	return reg, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []model.TaskKind {
	out := make([]model.TaskKind, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
