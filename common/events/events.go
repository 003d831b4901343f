package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/odorie/api-gestion-poc/common/logger"
	"github.com/odorie/api-gestion-poc/common/models"
	"github.com/odorie/api-gestion-poc/common/queue"
	rediscommon "github.com/odorie/api-gestion-poc/common/redis"
	"github.com/odorie/api-gestion-poc/common/versioning"
)

var (
	_ versioning.Publisher = (*QueuePublisher)(nil)
	_ versioning.Publisher = (*RedisPublisher)(nil)
)

// DiffEvent is the envelope announcing a committed diff
type DiffEvent struct {
	ID          string             `json:"id"`
	Diff        *models.DiffRecord `json:"diff"`
	PublishedAt time.Time          `json:"published_at"`
}

// NewDiffEvent wraps diff with a fresh event id
func NewDiffEvent(diff *models.DiffRecord) *DiffEvent {
	return &DiffEvent{
		ID:          uuid.NewString(),
		Diff:        diff,
		PublishedAt: time.Now().UTC(),
	}
}

// Key returns the partition key of the event: the diff increment
func (e *DiffEvent) Key() string {
	return strconv.FormatInt(e.Diff.ID, 10)
}

// QueuePublisher announces diffs on an in-process queue topic
type QueuePublisher struct {
	queue queue.Queue
	topic string
}

// NewQueuePublisher creates a publisher writing to topic
func NewQueuePublisher(q queue.Queue, topic string) *QueuePublisher {
	return &QueuePublisher{queue: q, topic: topic}
}

// PublishDiff implements versioning.Publisher
func (p *QueuePublisher) PublishDiff(ctx context.Context, diff *models.DiffRecord) error {
	event := NewDiffEvent(diff)
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal diff event: %w", err)
	}
	return p.queue.Publish(ctx, p.topic, event.Key(), payload)
}

// RedisPublisher announces diffs on a Redis channel and appends them to a stream,
// in one pipeline
type RedisPublisher struct {
	client  *rediscommon.Client
	channel string
	stream  string
}

// NewRedisPublisher creates a publisher over client
func NewRedisPublisher(client *rediscommon.Client, channel, stream string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, stream: stream}
}

// PublishDiff implements versioning.Publisher
func (p *RedisPublisher) PublishDiff(ctx context.Context, diff *models.DiffRecord) error {
	event := NewDiffEvent(diff)
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal diff event: %w", err)
	}

	pipe := p.client.NewPipeline()
	pipe.PublishEvent(ctx, p.channel, string(payload))
	pipe.AddToStream(ctx, p.stream, map[string]interface{}{
		"event_id":    event.ID,
		"increment":   diff.ID,
		"resource":    diff.EntityType,
		"resource_id": diff.EntityID,
		"locality":    diff.Locality,
		"payload":     string(payload),
	})
	return pipe.Exec(ctx)
}

// Handler processes a decoded diff event
type Handler func(ctx context.Context, event *DiffEvent) error

// Subscribe decodes the diff events of a queue topic and passes them to handler
func Subscribe(ctx context.Context, q queue.Queue, topic string, handler Handler) error {
	return q.Subscribe(ctx, topic, func(ctx context.Context, key string, value []byte) error {
		var event DiffEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return fmt.Errorf("failed to decode diff event %s: %w", key, err)
		}
		return handler(ctx, &event)
	})
}

// LogHandler writes one audit line per committed diff
func LogHandler(log *logger.Logger) Handler {
	return func(ctx context.Context, event *DiffEvent) error {
		if event.Diff == nil {
			return fmt.Errorf("diff event %s has no diff", event.ID)
		}
		log.WithFields(map[string]any{
			"event_id":  event.ID,
			"increment": event.Diff.ID,
		}).WithEntity(event.Diff.EntityType, event.Diff.EntityID).Info("diff committed",
			"locality", event.Diff.Locality,
			"changes", event.Diff.Changes.Fields(),
		)
		return nil
	}
}
