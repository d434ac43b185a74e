package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registrar/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.True(t, cfg.Sinks.SQLite.Enabled)
	assert.False(t, cfg.Sinks.Redis.Enabled)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Sinks.Kafka.Brokers)
	assert.Equal(t, 256, cfg.Publisher.BatchSize)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
server:
  addr: 0.0.0.0:9000
sinks:
  redis:
    enabled: true
  webhooks:
    - url: https://hooks.example.com/registrar
      decisions: [DENIED, halted]
`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, "registrar:attestations", cfg.Sinks.Redis.Stream)
	require.Len(t, cfg.Sinks.Webhooks, 1)
	assert.True(t, cfg.Sinks.Webhooks[0].Active())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"empty addr":       "server: {addr: ''}",
		"relative base":    "server: {base_path: v1}",
		"log level":        "log: {level: loud}",
		"kafka no brokers": "sinks: {kafka: {enabled: true, brokers: []}}",
		"postgres dsn":     "sinks: {postgres: {enabled: true, dsn: ''}}",
		"webhook scheme":   "sinks: {webhooks: [{url: 'ftp://x'}]}",
		"webhook decision": "sinks: {webhooks: [{url: 'http://x', decisions: [MAYBE]}]}",
		"bad yaml":         "server: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := config.Load(dir)
	require.Error(t, err)

	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Sinks.SQLite.Workspace)

	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(config.GenerateDefault()), 0o644))
	cfg, err = config.Load(dir)
	require.NoError(t, err)
	assert.True(t, cfg.Metrics.Enabled)
}
