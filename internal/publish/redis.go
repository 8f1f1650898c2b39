package publish

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Mschirtzinger/quill/internal/schema"
)

// RedisStream appends deployed tasks to a Redis stream for downstream
// syndication consumers.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStream connects to redisURL and publishes onto stream.
func NewRedisStream(redisURL, stream string) (*RedisStream, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStreamWithClient(redis.NewClient(opts), stream), nil
}

// NewRedisStreamWithClient publishes through an existing client.
func NewRedisStreamWithClient(client *redis.Client, stream string) *RedisStream {
	if stream == "" {
		stream = "quill:deployed"
	}
	return &RedisStream{client: client, stream: stream, maxLen: 10000}
}

// Publish implements Publisher. The location is the stream entry id.
func (r *RedisStream) Publish(ctx context.Context, task *schema.Task) (string, error) {
	body, err := Render(task)
	if err != nil {
		return "", err
	}
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":        task.ID,
			"projectId": task.ProjectID,
			"title":     task.Title,
			"updatedAt": string(task.UpdatedAt),
			"body":      string(body),
		},
	}).Result()
	if err != nil {
		return "", &TransportError{Op: "xadd", Target: r.stream, Err: err}
	}
	return "redis:" + r.stream + "/" + id, nil
}

// Close closes the underlying client.
func (r *RedisStream) Close() error {
	return r.client.Close()
}
