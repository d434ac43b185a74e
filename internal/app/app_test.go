package app_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registrar/internal/app"
	"registrar/internal/attest"
	"registrar/internal/config"
	"registrar/internal/domain"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Sinks.SQLite.Workspace = t.TempDir()
	return cfg
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func request(t *testing.T, a *app.App, action domain.Action, actor, target string) domain.Decision {
	t.Helper()
	d, err := a.Registrar.Request(context.Background(), domain.Request{Action: action, Actor: actor, Target: target})
	require.NoError(t, err)
	return d
}

func TestReopenRecoversState(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	first, err := app.Open(ctx, cfg, app.Options{Logger: discard()})
	require.NoError(t, err)
	started := request(t, first, domain.ActionStart, "agent_a", "s1")
	require.True(t, started.Allowed(), started.Reason)
	require.True(t, request(t, first, domain.ActionCompile, "agent_a", "s1").Allowed())
	denied := request(t, first, domain.ActionPlay, "agent_b", "s1")
	require.Equal(t, domain.DecisionDenied, denied.Kind)
	want, err := first.Registrar.Fingerprint()
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	second, err := app.Open(ctx, cfg, app.Options{Logger: discard()})
	require.NoError(t, err)
	defer second.Close(ctx)

	got, err := second.Registrar.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 3, second.Registrar.AttestationCount())

	s, ok := second.Registrar.GetState("s1")
	require.True(t, ok)
	assert.Equal(t, domain.StateSynthesizing, s.State)

	next := request(t, second, domain.ActionSynthesize, "agent_a", "s1")
	assert.Equal(t, int64(4), next.Seq)
}

func TestExtraSinksReceiveAttestations(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	mem := &attest.MemorySink{}

	a, err := app.Open(ctx, cfg, app.Options{Logger: discard(), InMemory: true, Sinks: []attest.Sink{mem}})
	require.NoError(t, err)
	request(t, a, domain.ActionStart, "agent_a", "s1")
	request(t, a, domain.ActionClaim, "agent_b", "s1")
	require.NoError(t, a.Close(ctx))

	items := mem.Items()
	require.Len(t, items, 2)
	assert.Equal(t, int64(1), items[0].Seq)
	assert.Equal(t, domain.DecisionDenied, items[1].Decision)
}

func TestMetricsDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false

	a, err := app.Open(ctx, cfg, app.Options{Logger: discard(), InMemory: true})
	require.NoError(t, err)
	defer a.Close(ctx)
	assert.Nil(t, a.Metrics)
	assert.Nil(t, a.Registry)
}

func TestNewLoggerHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := app.NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":"v"`)
}
