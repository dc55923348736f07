// Package stream consumes request events from a consumer-group log and
// dead-letters the ones that cannot be processed.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DLQSuffix is appended to a stream name to form its dead-letter stream.
const DLQSuffix = ":dlq"

// Message is one entry read from a stream.
type Message struct {
	ID     string
	Stream string
	Values map[string]any
}

// Log is a durable, consumer-group style message log.
type Log interface {
	// EnsureGroup creates group on stream at the oldest offset, creating the
	// stream if needed. An existing group is not an error.
	EnsureGroup(ctx context.Context, stream, group string) error
	// Read returns up to count new messages for consumer, blocking up to block.
	// An empty result is not an error.
	Read(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)
	Ack(ctx context.Context, stream, group, id string) error
	Publish(ctx context.Context, stream string, values map[string]any) (string, error)
	Close() error
}

// RedisLog implements Log on Redis Streams.
type RedisLog struct {
	client redis.UniversalClient
}

// NewRedisLog connects to the Redis server at url (redis:// or rediss://).
func NewRedisLog(ctx context.Context, url string) (*RedisLog, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("stream: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("stream: ping redis: %w", err)
	}
	return &RedisLog{client: client}, nil
}

// NewRedisLogFromClient wraps an existing client. Close closes it.
func NewRedisLogFromClient(client redis.UniversalClient) *RedisLog {
	return &RedisLog{client: client}
}

// Client returns the underlying Redis client, for components that share the connection.
func (l *RedisLog) Client() redis.UniversalClient {
	return l.client
}

// EnsureGroup implements Log.
func (l *RedisLog) EnsureGroup(ctx context.Context, stream, group string) error {
	err := l.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("stream: create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Read implements Log.
func (l *RedisLog) Read(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stream: read %s: %w", stream, err)
	}
	var msgs []Message
	for _, s := range res {
		for _, m := range s.Messages {
			msgs = append(msgs, Message{ID: m.ID, Stream: s.Stream, Values: m.Values})
		}
	}
	return msgs, nil
}

// Ack implements Log.
func (l *RedisLog) Ack(ctx context.Context, stream, group, id string) error {
	if err := l.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("stream: ack %s on %s: %w", id, stream, err)
	}
	return nil
}

// Publish implements Log.
func (l *RedisLog) Publish(ctx context.Context, stream string, values map[string]any) (string, error) {
	id, err := l.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("stream: publish to %s: %w", stream, err)
	}
	return id, nil
}

// Ping checks connectivity.
func (l *RedisLog) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close implements Log.
func (l *RedisLog) Close() error {
	return l.client.Close()
}
