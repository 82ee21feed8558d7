package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestLimiterBlocksAtLimit(t *testing.T) {
	lim := newEngagementLimiter(2)
	eng := uuid.New()
	ctx := context.Background()

	if err := lim.Acquire(ctx, eng); err != nil {
		t.Fatal(err)
	}
	if err := lim.Acquire(ctx, eng); err != nil {
		t.Fatal(err)
	}

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := lim.Acquire(blocked, eng); err == nil {
		t.Fatal("third acquire should block until release")
	}

	lim.Release(eng)
	if err := lim.Acquire(ctx, eng); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestLimiterIsPerEngagement(t *testing.T) {
	lim := newEngagementLimiter(1)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	if err := lim.Acquire(ctx, a); err != nil {
		t.Fatal(err)
	}
	// A full slot on one engagement does not starve another.
	if err := lim.Acquire(ctx, b); err != nil {
		t.Fatal(err)
	}
}
