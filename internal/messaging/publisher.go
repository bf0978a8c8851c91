package messaging

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultEventsStream is the Redis stream rollback events are appended to
	DefaultEventsStream = "rollbackd:events"
	// DefaultMaxStreamLen bounds the stream with approximate trimming
	DefaultMaxStreamLen = 10000
)

// RollbackEvent records one attempted rollback
type RollbackEvent struct {
	Container   string
	ContainerID string
	FromImageID string
	TargetImage string
	NewID       string
	Outcome     string
	FailedState string
	Restarts    int
	Error       string
	Timestamp   time.Time
}

// streamWriter is the part of the Redis client the publisher uses
type streamWriter interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Publisher appends rollback events to a Redis stream
type Publisher struct {
	client       streamWriter
	stream       string
	maxStreamLen int64
}

// NewPublisher creates a publisher writing to stream, or DefaultEventsStream when empty
func NewPublisher(client streamWriter, stream string, maxLen int64) *Publisher {
	if stream == "" {
		stream = DefaultEventsStream
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxStreamLen
	}
	return &Publisher{
		client:       client,
		stream:       stream,
		maxStreamLen: maxLen,
	}
}

// Connect parses a redis:// URL and verifies the server answers
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// PublishRollback appends an event to the stream and returns its stream ID
func (p *Publisher) PublishRollback(ctx context.Context, event RollbackEvent) (string, error) {
	if event.Container == "" {
		return "", fmt.Errorf("rollback event has no container")
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxStreamLen,
		Approx: true,
		Values: eventToFields(event),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish rollback event to stream: %w", err)
	}
	return id, nil
}

// eventToFields converts a RollbackEvent to Redis stream fields
func eventToFields(event RollbackEvent) map[string]interface{} {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	fields := map[string]interface{}{
		"container":    event.Container,
		"container_id": event.ContainerID,
		"from_image":   event.FromImageID,
		"target_image": event.TargetImage,
		"outcome":      event.Outcome,
		"restarts":     strconv.Itoa(event.Restarts),
		"timestamp":    strconv.FormatInt(ts.UnixMilli(), 10),
	}

	// Optional fields
	if event.NewID != "" {
		fields["new_id"] = event.NewID
	}
	if event.FailedState != "" {
		fields["failed_state"] = event.FailedState
	}
	if event.Error != "" {
		fields["error"] = event.Error
	}

	return fields
}
