//go:build integration

package sink_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	tcredpanda "github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"

	"registrar/internal/config"
	"registrar/internal/sink"
)

func TestRedisStreamSink(t *testing.T) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })
	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	s, err := sink.NewRedis(ctx, config.RedisConfig{URL: url, Stream: "registrar:test", MaxLen: 1000})
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, batch()))
	require.NoError(t, s.Health(ctx))

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()
	entries, err := client.XRange(ctx, "registrar:test", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "DENIED", entries[1].Values["decision"])
	require.NoError(t, s.Close())
}

func TestPostgresSink(t *testing.T) {
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("registrar"),
		tcpostgres.WithUsername("registrar"),
		tcpostgres.WithPassword("registrar"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := sink.NewPostgres(ctx, config.PostgresConfig{DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, batch()))
	require.NoError(t, s.Write(ctx, batch()), "redelivery is ignored")
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, s.Close())
}

func TestKafkaSink(t *testing.T) {
	ctx := context.Background()
	container, err := tcredpanda.Run(ctx, "docker.redpanda.com/redpandadata/redpanda:v24.2.4")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })
	broker, err := container.KafkaSeedBroker(ctx)
	require.NoError(t, err)

	cfg := config.KafkaConfig{Brokers: []string{broker}, Topic: "registrar.test", CreateTopic: true}
	s, err := sink.NewKafka(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, batch()))
	require.NoError(t, s.Close())

	consumer, err := kgo.NewClient(kgo.SeedBrokers(broker), kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	require.NoError(t, err)
	defer consumer.Close()
	pollCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var keys []string
	for len(keys) < 2 {
		fetches := consumer.PollFetches(pollCtx)
		require.NoError(t, pollCtx.Err())
		fetches.EachRecord(func(r *kgo.Record) { keys = append(keys, string(r.Key)) })
	}
	assert.Equal(t, []string{"s1", "s1"}, keys)
}
