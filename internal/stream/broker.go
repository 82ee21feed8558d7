// Package stream is the durable task trigger bus: one Redis stream per task
// kind, consumer groups for worker distribution, and a dead-letter stream
// per topic. Messages only trigger execution; the tasks table holds the
// truth, so duplicate or reordered deliveries are harmless.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kmflow-ai/kmflow/internal/model"
)

const (
	topicPrefix = "kmflow:tasks:"
	deadPrefix  = "kmflow:dead:"

	// maxStreamLen bounds each topic; old trigger messages for long-settled
	// tasks are trimmed approximately.
	maxStreamLen = 100_000

	fetchCount = 16
)

// Message is one task trigger on the bus.
type Message struct {
	// StreamID is the broker-assigned entry id, needed for acking.
	StreamID string

	TaskID       uuid.UUID
	Kind         model.TaskKind
	EngagementID uuid.UUID
}

// Broker wraps the Redis Streams client with the consumer-group protocol the
// runtime uses.
type Broker struct {
	client    *redis.Client
	group     string
	consumer  string
	block     time.Duration
	claimIdle time.Duration
	logger    *slog.Logger
}

// NewBroker connects to Redis and verifies the connection. consumer must be
// unique per worker process (hostname + pid works); group is shared by all
// replicas.
func NewBroker(url, group, consumer string, block, claimIdle time.Duration, logger *slog.Logger) (*Broker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("stream: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("stream: ping redis: %w", err)
	}

	return &Broker{
		client:    client,
		group:     group,
		consumer:  consumer,
		block:     block,
		claimIdle: claimIdle,
		logger:    logger,
	}, nil
}

// Topic names the stream for a task kind.
func Topic(kind model.TaskKind) string {
	return topicPrefix + string(kind)
}

// DeadTopic names the dead-letter stream for a task kind.
func DeadTopic(kind model.TaskKind) string {
	return deadPrefix + string(kind)
}

// EnsureGroup creates the consumer group on a topic, creating the stream if
// needed. Safe to call on every start.
func (b *Broker) EnsureGroup(ctx context.Context, topic string) error {
	err := b.client.XGroupCreateMkStream(ctx, topic, b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("stream: create group %s on %s: %w", b.group, topic, err)
	}
	return nil
}

// Publish appends a task trigger to the topic.
func (b *Broker) Publish(ctx context.Context, msg Message) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: Topic(msg.Kind),
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{
			"task_id":       msg.TaskID.String(),
			"kind":          string(msg.Kind),
			"engagement_id": msg.EngagementID.String(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("stream: publish %s: %w", msg.TaskID, err)
	}
	return nil
}

// Fetch returns the next batch of messages for this consumer: first any
// entries another consumer left pending past the claim-idle window, then
// fresh deliveries. Blocks up to the configured interval when the topic is
// quiet.
func (b *Broker) Fetch(ctx context.Context, topic string) ([]Message, error) {
	claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    b.group,
		Consumer: b.consumer,
		MinIdle:  b.claimIdle,
		Start:    "0-0",
		Count:    fetchCount,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("stream: autoclaim %s: %w", topic, err)
	}
	if len(claimed) > 0 {
		b.logger.Info("reclaimed pending messages", "topic", topic, "count", len(claimed))
		return b.decode(topic, claimed), nil
	}

	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: b.consumer,
		Streams:  []string{topic, ">"},
		Count:    fetchCount,
		Block:    b.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stream: read group %s: %w", topic, err)
	}

	var out []Message
	for _, s := range streams {
		out = append(out, b.decode(topic, s.Messages)...)
	}
	return out, nil
}

// Ack marks a message as processed.
func (b *Broker) Ack(ctx context.Context, topic, streamID string) error {
	if err := b.client.XAck(ctx, topic, b.group, streamID).Err(); err != nil {
		return fmt.Errorf("stream: ack %s on %s: %w", streamID, topic, err)
	}
	return nil
}

// DeadLetter moves a message to the topic's dead-letter stream and acks the
// original.
func (b *Broker) DeadLetter(ctx context.Context, msg Message, reason string) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadTopic(msg.Kind),
		Values: map[string]any{
			"task_id":       msg.TaskID.String(),
			"kind":          string(msg.Kind),
			"engagement_id": msg.EngagementID.String(),
			"reason":        reason,
			"dead_at":       time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("stream: dead-letter %s: %w", msg.TaskID, err)
	}
	return b.Ack(ctx, Topic(msg.Kind), msg.StreamID)
}

// decode drops malformed entries after acking them: a trigger that cannot
// name a task can never be processed, and leaving it pending would wedge
// autoclaim forever.
func (b *Broker) decode(topic string, entries []redis.XMessage) []Message {
	out := make([]Message, 0, len(entries))
	for _, entry := range entries {
		taskID, err1 := uuid.Parse(str(entry.Values["task_id"]))
		engagementID, err2 := uuid.Parse(str(entry.Values["engagement_id"]))
		if err1 != nil || err2 != nil {
			b.logger.Error("malformed stream entry dropped", "topic", topic, "stream_id", entry.ID)
			_ = b.client.XAck(context.Background(), topic, b.group, entry.ID).Err()
			continue
		}
		out = append(out, Message{
			StreamID:     entry.ID,
			TaskID:       taskID,
			Kind:         model.TaskKind(str(entry.Values["kind"])),
			EngagementID: engagementID,
		})
	}
	return out
}

// PendingCount reports how many delivered-but-unacked messages a topic has.
func (b *Broker) PendingCount(ctx context.Context, topic string) (int64, error) {
	p, err := b.client.XPending(ctx, topic, b.group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("stream: pending %s: %w", topic, err)
	}
	return p.Count, nil
}

// Close releases the client.
func (b *Broker) Close() error {
	return b.client.Close()
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
