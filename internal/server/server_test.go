package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registrar/internal/db"
	"registrar/internal/domain"
	"registrar/internal/engine"
	"registrar/internal/metrics"
	"registrar/internal/migrate"
	"registrar/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Reg    *engine.Registrar
	Repo   repo.Repo
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{InMemory: true})
	require.NoError(t, err)
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	r := repo.Repo{DB: conn}

	promReg := prometheus.NewRegistry()
	reg := engine.New(engine.WithRecorder(metrics.New(promReg)))
	handler, err := New(Config{
		Registrar: reg,
		BasePath:  "/v1",
		Auth:      AuthConfig{JWTSecret: testSecret, AllowActorHeader: true, Keys: r},
		Metrics:   promReg,
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Reg: reg, Repo: r, client: &http.Client{}}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func as(actor string) map[string]string { return map[string]string{"X-Actor-Id": actor} }

// submit posts a request as actor and returns the status and raw body.
func (s *testServer) submit(t *testing.T, actor, action, target string, meta map[string]any) (int, []byte) {
	t.Helper()
	body := map[string]any{"action": action}
	if target != "" {
		body["target"] = target
	}
	if meta != nil {
		body["metadata"] = meta
	}
	res, data := s.do(t, http.MethodPost, "/v1/requests", body, as(actor))
	return res.StatusCode, data
}

func (s *testServer) mustAllow(t *testing.T, actor, action, target string) DecisionResponse {
	t.Helper()
	status, data := s.submit(t, actor, action, target, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	var d DecisionResponse
	require.NoError(t, json.Unmarshal(data, &d))
	require.Equal(t, domain.DecisionAllowed, d.Kind)
	return d
}

func (s *testServer) playing(t *testing.T, actor, id string) {
	t.Helper()
	s.mustAllow(t, actor, "start", id)
	s.mustAllow(t, actor, "compile", id)
	s.mustAllow(t, actor, "synthesize", id)
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodGet, "/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var h HealthResponse
	require.NoError(t, json.Unmarshal(data, &h))
	assert.Equal(t, "ok", h.Status)
}

func TestRequestsNeedAnActor(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodPost, "/v1/requests", map[string]any{"action": "START"}, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Error.Code)
	assert.Zero(t, srv.Reg.AttestationCount())
}

func TestAllowedRequestReturnsDecision(t *testing.T) {
	srv := newTestServer(t)
	d := srv.mustAllow(t, "agent_a", "START", "s1")
	assert.Equal(t, "s1", d.StreamID)
	assert.Equal(t, "agent_a", d.Request.Actor)
	assert.Equal(t, int64(1), d.Seq)
	assert.NotEmpty(t, d.AttestationID)
	assert.NotEmpty(t, d.Effects)

	res, data := srv.do(t, http.MethodGet, "/v1/streams/s1", nil, as("agent_a"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var s domain.Stream
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, domain.StateCompiling, s.State)
	assert.Equal(t, "agent_a", s.Ownership.OwnerID)
}

func TestDeniedRequestIsConflict(t *testing.T) {
	srv := newTestServer(t)
	srv.playing(t, "agent_a", "s1")

	status, data := srv.submit(t, "agent_b", "STOP", "s1", nil)
	require.Equal(t, http.StatusConflict, status, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "request_denied", env.Error.Code)
	assert.NotEmpty(t, env.Error.Details["invariants"])
	id, _ := env.Error.Details["attestation_id"].(string)
	require.NotEmpty(t, id)

	res, body := srv.do(t, http.MethodGet, "/v1/attestations/"+id, nil, as("agent_a"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var a AttestationResponse
	require.NoError(t, json.Unmarshal(body, &a))
	assert.Equal(t, domain.DecisionDenied, a.Decision)
	assert.Equal(t, "agent_b", a.Actor)
}

func TestValidationFailureIsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	status, data := srv.submit(t, "agent_a", "START", "s1", map[string]any{domain.MetaPriority: 42})
	require.Equal(t, http.StatusBadRequest, status, string(data))
	assert.Equal(t, "validation_failed", decodeError(t, data).Error.Code)

	status, data = srv.submit(t, "agent_a", "DANCE", "s1", nil)
	require.Equal(t, http.StatusBadRequest, status, string(data))
	assert.Zero(t, srv.Reg.AttestationCount())
}

func TestHaltIsServiceUnavailable(t *testing.T) {
	srv := newTestServer(t)
	srv.playing(t, "agent_a", "s1")
	srv.mustAllow(t, "user_1", "ENABLE_OVERRIDE", "s1")

	status, data := srv.submit(t, "agent_a", "MUTATE_GRAPH", "s1", map[string]any{domain.MetaOverrideActive: false})
	require.Equal(t, http.StatusServiceUnavailable, status, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "registrar_halted", env.Error.Code)
	assert.NotEmpty(t, env.Error.Details["attestation_id"])

	status, data = srv.submit(t, "agent_a", "STOP", "s1", nil)
	require.Equal(t, http.StatusServiceUnavailable, status, string(data))
	assert.Equal(t, "registrar_halted", decodeError(t, data).Error.Code)

	res, body := srv.do(t, http.MethodGet, "/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var h HealthResponse
	require.NoError(t, json.Unmarshal(body, &h))
	assert.Equal(t, "halted", h.Status)
}

func TestContendRequiresSystemActor(t *testing.T) {
	srv := newTestServer(t)
	srv.playing(t, "agent_a", "s1")
	body := map[string]any{"requests": []map[string]any{
		{"actor": "agent_b", "action": "INTERRUPT", "target": "s1", "metadata": map[string]any{"priority": 3}},
		{"actor": "agent_a", "action": "STOP", "target": "s1", "metadata": map[string]any{"priority": 7}},
	}}

	res, data := srv.do(t, http.MethodPost, "/v1/contend", body, as("agent_a"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodPost, "/v1/contend", body, as("system"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out struct {
		Decisions []DecisionResponse `json:"decisions"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out.Decisions, 2)
	assert.Equal(t, domain.DecisionAllowed, out.Decisions[0].Kind)
	assert.Equal(t, domain.ActionStop, out.Decisions[0].Request.Action)
	assert.Equal(t, domain.DecisionDenied, out.Decisions[1].Kind)
}

func TestAttestationFilters(t *testing.T) {
	srv := newTestServer(t)
	srv.playing(t, "agent_a", "s1")
	srv.submit(t, "agent_b", "STOP", "s1", nil)

	cases := []struct {
		name  string
		query string
		want  int
	}{
		{"all", "", 4},
		{"by actor", "?actor=agent_b", 1},
		{"by decision", "?decision=denied", 1},
		{"by action", "?action=compile", 1},
		{"after seq", "?after_seq=2", 2},
		{"limit", "?limit=2", 2},
		{"not accessibility driven", "?accessibility_driven=false", 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := srv.do(t, http.MethodGet, "/v1/attestations"+tc.query, nil, as("agent_a"))
			require.Equal(t, http.StatusOK, res.StatusCode, string(data))
			var out struct {
				Attestations []AttestationResponse `json:"attestations"`
			}
			require.NoError(t, json.Unmarshal(data, &out))
			assert.Len(t, out.Attestations, tc.want)
		})
	}

	res, data := srv.do(t, http.MethodGet, "/v1/attestations?since=yesterday", nil, as("agent_a"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestJWTAndAPIKeyIdentity(t *testing.T) {
	srv := newTestServer(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user_1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	res, data := srv.do(t, http.MethodGet, "/v1/me", nil, map[string]string{"Authorization": "Bearer " + signed})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me MeResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, MeResponse{ActorID: "user_1", Class: "user", Source: "jwt"}, me)

	res, _ = srv.do(t, http.MethodGet, "/v1/me", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	_, plain, err := srv.Repo.CreateAPIKey(context.Background(), "plugin_eq", "ci")
	require.NoError(t, err)
	res, data = srv.do(t, http.MethodGet, "/v1/me", nil, map[string]string{"X-Api-Key": plain})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "plugin_eq", me.ActorID)
	assert.Equal(t, "api_key", me.Source)
}

func TestSnapshotVerifyAndInvariants(t *testing.T) {
	srv := newTestServer(t)
	srv.playing(t, "agent_a", "s1")

	res, data := srv.do(t, http.MethodGet, "/v1/snapshot?with_log=true", nil, as("agent_a"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var snap SnapshotResponse
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, engine.SnapshotVersion, snap.Version)
	assert.Equal(t, 3, snap.AttestationCount)
	assert.Len(t, snap.Attestations, 3)
	require.Len(t, snap.States, 1)

	res, data = srv.do(t, http.MethodPost, "/v1/verify", nil, as("agent_a"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var verified map[string]string
	require.NoError(t, json.Unmarshal(data, &verified))
	assert.Equal(t, snap.Fingerprint, verified["fingerprint"])

	res, data = srv.do(t, http.MethodGet, "/v1/invariants", nil, as("agent_a"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var inv struct {
		Invariants []domain.InvariantDescriptor `json:"invariants"`
	}
	require.NoError(t, json.Unmarshal(data, &inv))
	assert.Len(t, inv.Invariants, 20)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	srv.mustAllow(t, "agent_a", "START", "s1")

	res, data := srv.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), `registrar_decisions_total{action="START",decision="ALLOWED"} 1`)
}

func TestOpenAPIDocumentServedConcurrently(t *testing.T) {
	srv := newTestServer(t)

	const n = 8
	bodies := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := srv.client.Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				errs[i] = fmt.Errorf("status %d", res.StatusCode)
				return
			}
			bodies[i], errs[i] = io.ReadAll(res.Body)
		}()
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, bodies[0], bodies[i])
	}
	var doc struct {
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(bodies[0], &doc))
	assert.Contains(t, doc.Components.SecuritySchemes, "bearerAuth")
	assert.Contains(t, doc.Components.SecuritySchemes, "apiKeyAuth")
}
