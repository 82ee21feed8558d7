package runtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// engagementLimiter bounds concurrent heavy tasks per engagement. Excess
// work stays queued in the stream and is naturally throttled; the limiter
// only guards the execution slots.
type engagementLimiter struct {
	mu     sync.Mutex
	limit  int64
	gauges map[uuid.UUID]*semaphore.Weighted
}

func newEngagementLimiter(limit int64) *engagementLimiter {
	return &engagementLimiter{
		limit:  limit,
		gauges: map[uuid.UUID]*semaphore.Weighted{},
	}
}

func (l *engagementLimiter) get(engagementID uuid.UUID) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.gauges[engagementID]
	if !ok {
		sem = semaphore.NewWeighted(l.limit)
		l.gauges[engagementID] = sem
	}
	return sem
}

// Acquire blocks until the engagement has a free slot or ctx is done.
func (l *engagementLimiter) Acquire(ctx context.Context, engagementID uuid.UUID) error {
	return l.get(engagementID).Acquire(ctx, 1)
}

// Release frees an execution slot.
func (l *engagementLimiter) Release(engagementID uuid.UUID) {
	l.get(engagementID).Release(1)
}
