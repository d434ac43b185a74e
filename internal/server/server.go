// Package server exposes the registrar's control protocol over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"registrar/internal/attest"
	"registrar/internal/domain"
	"registrar/internal/engine"
)

const apiVersion = engine.SnapshotVersion

var tracer = otel.Tracer("registrar/internal/server")

// Config for the HTTP API handler.
type Config struct {
	Registrar *engine.Registrar
	BasePath  string
	Auth      AuthConfig
	// Metrics, when set, is served at /metrics.
	Metrics prometheus.Gatherer
	Logger  *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"request_denied"`
	Message string         `json:"message" example:"not_owner (ownership.authority): agent_b does not own stream s1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the registrar API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Registrar == nil {
		return nil, errors.New("server: registrar required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		code := ""
		if status == http.StatusBadRequest {
			code = "validation_failed"
		}
		return newAPIError(status, code, msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	if cfg.Metrics != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}
	hcfg := huma.DefaultConfig("Registrar API", apiVersion)
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{reg: cfg.Registrar}
	registerDocs(router, basePath)
	registerHealth(group, h)
	registerRequests(group, h)
	registerStreams(group, h)
	registerAttestations(group, h)
	registerSnapshot(group, h)
	registerInvariants(group, h)
	registerMe(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	if errors.Is(err, domain.ErrHalted) {
		return newAPIError(http.StatusServiceUnavailable, "registrar_halted", err.Error(), nil)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "canceled", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

// decisionError maps a denial or halt to its error envelope. Allowed
// decisions return nil.
func decisionError(d domain.Decision) huma.StatusError {
	details := map[string]any{
		"invariants":     nonNil(d.ViolationIDs()),
		"attestation_id": d.AttestationID,
		"seq":            d.Seq,
		"violations":     nonNil(d.Violations),
	}
	if d.StreamID != "" {
		details["stream_id"] = d.StreamID
	}
	switch d.Kind {
	case domain.DecisionDenied:
		details["code"] = d.Code()
		return newAPIError(http.StatusConflict, "request_denied", d.Reason, details)
	case domain.DecisionHalted:
		details["code"] = d.Code()
		return newAPIError(http.StatusServiceUnavailable, "registrar_halted", d.Reason, details)
	default:
		return nil
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

type handlers struct {
	reg *engine.Registrar
}

type contendOutput struct {
	Body struct {
		Decisions []DecisionResponse `json:"decisions"`
	}
}

type streamsOutput struct {
	Body struct {
		Streams []domain.Stream `json:"streams"`
	}
}

type attestationsOutput struct {
	Body struct {
		Attestations []AttestationResponse `json:"attestations"`
	}
}

type invariantsOutput struct {
	Body struct {
		Invariants []domain.InvariantDescriptor `json:"invariants"`
	}
}

func registerHealth(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body HealthResponse }, error) {
		status := "ok"
		if _, halted := h.reg.Halted(); halted {
			status = "halted"
		}
		return &struct{ Body HealthResponse }{Body: HealthResponse{
			Status:       status,
			Attestations: h.reg.AttestationCount(),
			Streams:      len(h.reg.ListStates()),
		}}, nil
	})
}

func registerRequests(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-request",
		Method:      http.MethodPost,
		Path:        "/requests",
		Summary:     "Submit a request as the authenticated actor",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct{ Body RequestBody }) (*struct{ Body DecisionResponse }, error) {
		actor, serr := actorIDFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		ctx, span := tracer.Start(ctx, "registrar.request", trace.WithAttributes(
			attribute.String("registrar.actor", actor),
			attribute.String("registrar.action", input.Body.Action),
			attribute.String("registrar.target", input.Body.Target),
		))
		defer span.End()

		req, err := input.Body.toRequest(actor)
		if err != nil {
			span.SetStatus(codes.Error, "invalid request")
			return nil, handleError(err)
		}
		d, err := h.reg.Request(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "request failed")
			return nil, handleError(err)
		}
		traceDecision(span, d)
		if serr := decisionError(d); serr != nil {
			return nil, serr
		}
		return &struct{ Body DecisionResponse }{Body: toDecision(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "contend",
		Method:      http.MethodPost,
		Path:        "/contend",
		Summary:     "Arbitrate simultaneous requests against one stream",
		Description: "Only system actors may submit on behalf of other actors. Every request is attested; at most one is allowed.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct{ Body ContendBody }) (*contendOutput, error) {
		actor, serr := actorIDFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		if domain.ClassifyActor(actor) != domain.ActorSystem {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "contend requires a system actor", map[string]any{"actor": actor})
		}
		ctx, span := tracer.Start(ctx, "registrar.contend", trace.WithAttributes(
			attribute.String("registrar.actor", actor),
			attribute.Int("registrar.requests", len(input.Body.Requests)),
		))
		defer span.End()

		reqs := make([]domain.Request, 0, len(input.Body.Requests))
		for i, item := range input.Body.Requests {
			body := RequestBody{Action: item.Action, Target: item.Target, Reason: item.Reason, Schema: item.Schema, Metadata: item.Metadata}
			req, err := body.toRequest(item.Actor)
			if err != nil {
				span.SetStatus(codes.Error, "invalid request")
				return nil, handleError(fmt.Errorf("requests[%d]: %w", i, err))
			}
			reqs = append(reqs, req)
		}
		ds, err := h.reg.Contend(ctx, reqs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "contend failed")
			return nil, handleError(err)
		}
		out := &contendOutput{}
		out.Body.Decisions = toDecisions(ds)
		return out, nil
	})
}

func traceDecision(span trace.Span, d domain.Decision) {
	span.SetAttributes(
		attribute.String("registrar.decision", string(d.Kind)),
		attribute.String("registrar.attestation_id", d.AttestationID),
		attribute.Int64("registrar.seq", d.Seq),
		attribute.Bool("registrar.accessibility_driven", d.AccessibilityDriven),
	)
	if !d.Allowed() {
		span.SetStatus(codes.Error, d.Reason)
	}
}

func registerStreams(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-streams",
		Method:      http.MethodGet,
		Path:        "/streams",
		Summary:     "List stream records",
	}, func(ctx context.Context, _ *struct{}) (*streamsOutput, error) {
		out := &streamsOutput{}
		out.Body.Streams = sortedStreams(h.reg.ListStates())
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stream",
		Method:      http.MethodGet,
		Path:        "/streams/{id}",
		Summary:     "Get one stream record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{ Body domain.Stream }, error) {
		s, ok := h.reg.GetState(input.ID)
		if !ok {
			return nil, handleError(fmt.Errorf("stream %s: %w", input.ID, domain.ErrNotFound))
		}
		return &struct{ Body domain.Stream }{Body: s}, nil
	})
}

type attestationQuery struct {
	Actor               string `query:"actor"`
	Action              string `query:"action"`
	Target              string `query:"target"`
	Decision            string `query:"decision" doc:"ALLOWED, DENIED or HALTED"`
	Since               string `query:"since" doc:"RFC 3339 timestamp"`
	AfterSeq            int64  `query:"after_seq" minimum:"0"`
	AccessibilityDriven string `query:"accessibility_driven" doc:"true or false"`
	Limit               int    `query:"limit" minimum:"0"`
}

func (q attestationQuery) filter() (attest.Filter, error) {
	f := attest.Filter{
		Actor:    q.Actor,
		Target:   q.Target,
		Decision: domain.DecisionKind(strings.ToUpper(q.Decision)),
		AfterSeq: q.AfterSeq,
		Limit:    q.Limit,
	}
	switch f.Decision {
	case "", domain.DecisionAllowed, domain.DecisionDenied, domain.DecisionHalted:
	default:
		return f, &domain.ValidationError{Field: "decision", Message: "must be ALLOWED, DENIED or HALTED"}
	}
	if q.Action != "" {
		action, err := domain.ParseAction(q.Action)
		if err != nil {
			return f, err
		}
		f.Action = action
	}
	if q.Since != "" {
		since, err := time.Parse(time.RFC3339Nano, q.Since)
		if err != nil {
			return f, &domain.ValidationError{Field: "since", Message: "must be an RFC 3339 timestamp"}
		}
		f.Since = since
	}
	if q.AccessibilityDriven != "" {
		v, err := strconv.ParseBool(q.AccessibilityDriven)
		if err != nil {
			return f, &domain.ValidationError{Field: "accessibility_driven", Message: "must be true or false"}
		}
		f.AccessibilityDriven = &v
	}
	return f, nil
}

func registerAttestations(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-attestations",
		Method:      http.MethodGet,
		Path:        "/attestations",
		Summary:     "Query the attestation log",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *attestationQuery) (*attestationsOutput, error) {
		f, err := input.filter()
		if err != nil {
			return nil, handleError(err)
		}
		out := &attestationsOutput{}
		out.Body.Attestations = toAttestations(h.reg.Query(f))
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-attestation",
		Method:      http.MethodGet,
		Path:        "/attestations/{id}",
		Summary:     "Get one attestation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{ Body AttestationResponse }, error) {
		a, ok := h.reg.Attestation(input.ID)
		if !ok {
			return nil, handleError(fmt.Errorf("attestation %s: %w", input.ID, domain.ErrNotFound))
		}
		return &struct{ Body AttestationResponse }{Body: toAttestation(a)}, nil
	})
}

func registerSnapshot(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "snapshot",
		Method:      http.MethodGet,
		Path:        "/snapshot",
		Summary:     "Point-in-time copy of every stream",
	}, func(ctx context.Context, input *struct {
		WithLog bool `query:"with_log" doc:"Include the attestation log"`
	}) (*struct{ Body SnapshotResponse }, error) {
		s, err := h.reg.Snapshot(input.WithLog)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body SnapshotResponse }{Body: toSnapshot(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify",
		Method:      http.MethodPost,
		Path:        "/verify",
		Summary:     "Replay the log and compare it with the live state",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body map[string]string }, error) {
		ctx, span := tracer.Start(ctx, "registrar.verify")
		defer span.End()
		if err := h.reg.Verify(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "replay diverged")
			var div *domain.ReplayDivergenceError
			if errors.As(err, &div) {
				return nil, newAPIError(http.StatusConflict, "replay_diverged", err.Error(), map[string]any{
					"seq":      div.Seq,
					"field":    div.Field,
					"recorded": div.Recorded,
					"replayed": div.Replayed,
				})
			}
			return nil, handleError(err)
		}
		fp, err := h.reg.Fingerprint()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body map[string]string }{Body: map[string]string{"status": "ok", "fingerprint": fp.String()}}, nil
	})
}

func registerInvariants(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-invariants",
		Method:      http.MethodGet,
		Path:        "/invariants",
		Summary:     "Invariants in evaluation order",
	}, func(ctx context.Context, _ *struct{}) (*invariantsOutput, error) {
		out := &invariantsOutput{}
		out.Body.Invariants = h.reg.Invariants()
		return out, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "The authenticated actor",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body MeResponse }, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct{ Body MeResponse }{Body: MeResponse{
			ActorID: p.ActorID,
			Class:   string(domain.ClassifyActor(p.ActorID)),
			Source:  p.Source,
		}}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once    sync.Once
		spec    []byte
		specErr error
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, specErr = json.Marshal(oas)
		})
		if specErr != nil {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "openapi document unavailable", nil))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Registrar API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`, specURL)
}
