package sink

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"registrar/internal/config"
	"registrar/internal/domain"
)

// Redis appends attestations to a Redis stream with XADD, one entry per
// attestation, trimmed approximately to MaxLen.
type Redis struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedis connects using cfg.URL and pings the server.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisWithClient(client, cfg.Stream, cfg.MaxLen), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, stream string, maxLen int64) *Redis {
	return &Redis{client: client, stream: stream, maxLen: maxLen}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Write(ctx context.Context, batch []domain.Attestation) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, a := range batch {
			body, err := Encode(a)
			if err != nil {
				return err
			}
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: r.stream,
				MaxLen: r.maxLen,
				Approx: r.maxLen > 0,
				Values: map[string]any{
					"seq":       strconv.FormatInt(a.Seq, 10),
					"id":        a.ID,
					"stream_id": a.StreamID,
					"decision":  string(a.Decision),
					"body":      body,
				},
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

// Health checks if the Redis connection is healthy.
func (r *Redis) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
