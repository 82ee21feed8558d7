package stream

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	"github.com/kmflow-ai/kmflow/internal/model"
)

func testBroker(t *testing.T, consumer string) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	b, err := NewBroker("redis://"+srv.Addr(), "kmflow-workers", consumer,
		10*time.Millisecond, time.Minute, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewBroker() error: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, srv
}

func TestPublishFetchAck(t *testing.T) {
	b, _ := testBroker(t, "worker-1")
	ctx := context.Background()
	topic := Topic(model.TaskScan)

	if err := b.EnsureGroup(ctx, topic); err != nil {
		t.Fatalf("EnsureGroup() error: %v", err)
	}
	// Idempotent on restart.
	if err := b.EnsureGroup(ctx, topic); err != nil {
		t.Fatalf("EnsureGroup() second call error: %v", err)
	}

	msg := Message{TaskID: uuid.New(), Kind: model.TaskScan, EngagementID: uuid.New()}
	if err := b.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	got, err := b.Fetch(ctx, topic)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("fetched %d messages, want 1", len(got))
	}
	if got[0].TaskID != msg.TaskID || got[0].EngagementID != msg.EngagementID {
		t.Errorf("message = %+v, want ids from %+v", got[0], msg)
	}

	if err := b.Ack(ctx, topic, got[0].StreamID); err != nil {
		t.Fatalf("Ack() error: %v", err)
	}
	pending, err := b.PendingCount(ctx, topic)
	if err != nil {
		t.Fatalf("PendingCount() error: %v", err)
	}
	if pending != 0 {
		t.Errorf("pending = %d after ack, want 0", pending)
	}
}

func TestGroupDeliversToOneConsumer(t *testing.T) {
	b1, srv := testBroker(t, "worker-1")
	b2, err := NewBroker("redis://"+srv.Addr(), "kmflow-workers", "worker-2",
		10*time.Millisecond, time.Minute, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewBroker() error: %v", err)
	}
	defer func() { _ = b2.Close() }()

	ctx := context.Background()
	topic := Topic(model.TaskPOVGenerate)
	if err := b1.EnsureGroup(ctx, topic); err != nil {
		t.Fatalf("EnsureGroup() error: %v", err)
	}

	msg := Message{TaskID: uuid.New(), Kind: model.TaskPOVGenerate, EngagementID: uuid.New()}
	if err := b1.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	first, err := b1.Fetch(ctx, topic)
	if err != nil {
		t.Fatalf("Fetch() worker-1 error: %v", err)
	}
	second, err := b2.Fetch(ctx, topic)
	if err != nil {
		t.Fatalf("Fetch() worker-2 error: %v", err)
	}
	if len(first)+len(second) != 1 {
		t.Errorf("deliveries = %d + %d, want exactly one across the group", len(first), len(second))
	}
}

func TestDeadLetter(t *testing.T) {
	b, srv := testBroker(t, "worker-1")
	ctx := context.Background()
	topic := Topic(model.TaskIngest)
	if err := b.EnsureGroup(ctx, topic); err != nil {
		t.Fatalf("EnsureGroup() error: %v", err)
	}

	msg := Message{TaskID: uuid.New(), Kind: model.TaskIngest, EngagementID: uuid.New()}
	if err := b.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	got, err := b.Fetch(ctx, topic)
	if err != nil || len(got) != 1 {
		t.Fatalf("Fetch() = %v, %v", got, err)
	}

	if err := b.DeadLetter(ctx, got[0], "max attempts exceeded"); err != nil {
		t.Fatalf("DeadLetter() error: %v", err)
	}

	if pending, _ := b.PendingCount(ctx, topic); pending != 0 {
		t.Errorf("pending = %d after dead-letter, want 0", pending)
	}
	if !srv.Exists(DeadTopic(model.TaskIngest)) {
		t.Error("dead-letter stream should exist after DeadLetter()")
	}
}
