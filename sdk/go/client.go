// Package registrarsdk is a typed client for the registrar HTTP API.
package registrarsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal registrar HTTP API client. Requests are made as the
// actor the credentials identify.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Violation struct {
	InvariantID string `json:"invariant_id"`
	Code        string `json:"code"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
}

type Effect struct {
	Kind     string `json:"kind"`
	StreamID string `json:"stream_id"`
	Detail   string `json:"detail,omitempty"`
}

type Decision struct {
	Kind    string `json:"kind"`
	Request struct {
		Action   string         `json:"action"`
		Actor    string         `json:"actor"`
		Target   string         `json:"target,omitempty"`
		Reason   string         `json:"reason,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
	} `json:"request"`
	StreamID            string      `json:"stream_id,omitempty"`
	Violations          []Violation `json:"violations"`
	Effects             []Effect    `json:"effects"`
	InvariantsChecked   []string    `json:"invariants_checked"`
	AttestationID       string      `json:"attestation_id"`
	Seq                 int64       `json:"seq"`
	Timestamp           time.Time   `json:"timestamp"`
	AccessibilityDriven bool        `json:"accessibility_driven"`
	Reason              string      `json:"reason"`
}

type Stream struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Ownership struct {
		OwnerID       string   `json:"owner_id,omitempty"`
		SessionID     string   `json:"session_id"`
		Priority      int      `json:"priority"`
		Interruptible bool     `json:"interruptible"`
		Delegates     []string `json:"delegates,omitempty"`
	} `json:"ownership"`
	Accessibility  map[string]any `json:"accessibility"`
	Version        int64          `json:"version"`
	ParentVersion  int64          `json:"parent_version"`
	OrderIndex     int64          `json:"order_index"`
	GraphRevision  int64          `json:"graph_revision"`
	CommitRevision int64          `json:"commit_revision"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type Attestation struct {
	ID                  string         `json:"id"`
	Seq                 int64          `json:"seq"`
	Timestamp           time.Time      `json:"timestamp"`
	Actor               string         `json:"actor"`
	Action              string         `json:"action"`
	Target              string         `json:"target,omitempty"`
	StreamID            string         `json:"stream_id,omitempty"`
	Decision            string         `json:"decision"`
	Reason              string         `json:"reason"`
	RequestReason       string         `json:"request_reason,omitempty"`
	InvariantsChecked   []string       `json:"invariants_checked"`
	Violations          []Violation    `json:"violations"`
	AccessibilityDriven bool           `json:"accessibility_driven"`
	ParentID            string         `json:"parent_id,omitempty"`
	Schema              int            `json:"schema"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

type Invariant struct {
	ID          string `json:"id"`
	Layer       string `json:"layer"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// Request is one proposed change. Actor is only honoured by Contend.
type Request struct {
	Actor    string         `json:"actor,omitempty"`
	Action   string         `json:"action"`
	Target   string         `json:"target,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AttestationQuery filters Attestations. Zero fields are omitted.
type AttestationQuery struct {
	Actor    string
	Action   string
	Target   string
	Decision string
	Since    time.Time
	AfterSeq int64
	Limit    int
}

func (q AttestationQuery) values() url.Values {
	v := url.Values{}
	set := func(k, s string) {
		if s != "" {
			v.Set(k, s)
		}
	}
	set("actor", q.Actor)
	set("action", q.Action)
	set("target", q.Target)
	set("decision", q.Decision)
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339Nano))
	}
	if q.AfterSeq > 0 {
		v.Set("after_seq", strconv.FormatInt(q.AfterSeq, 10))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// AttestationID is the attestation recorded for a denied or halted request.
func (e *APIError) AttestationID() string {
	id, _ := e.Details["attestation_id"].(string)
	return id
}

// IsDenied reports whether err is a denial by the registrar.
func IsDenied(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == "request_denied"
}

// IsHalted reports whether the registrar is halted.
func IsHalted(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == "registrar_halted"
}

// Submit sends one request. Denials and halts come back as *APIError.
func (c *Client) Submit(ctx context.Context, req Request) (Decision, error) {
	req.Actor = ""
	var resp Decision
	err := c.do(ctx, http.MethodPost, "requests", req, &resp)
	return resp, err
}

// Contend arbitrates simultaneous requests. The caller must be a system
// actor; every request names its own actor.
func (c *Client) Contend(ctx context.Context, reqs []Request) ([]Decision, error) {
	var resp struct {
		Decisions []Decision `json:"decisions"`
	}
	err := c.do(ctx, http.MethodPost, "contend", map[string]any{"requests": reqs}, &resp)
	return resp.Decisions, err
}

func (c *Client) Stream(ctx context.Context, id string) (Stream, error) {
	var resp Stream
	err := c.do(ctx, http.MethodGet, "streams/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) Streams(ctx context.Context) ([]Stream, error) {
	var resp struct {
		Streams []Stream `json:"streams"`
	}
	err := c.do(ctx, http.MethodGet, "streams", nil, &resp)
	return resp.Streams, err
}

// Attestations queries the attestation log in sequence order.
func (c *Client) Attestations(ctx context.Context, q AttestationQuery) ([]Attestation, error) {
	endpoint := "attestations"
	if v := q.values(); len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp struct {
		Attestations []Attestation `json:"attestations"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Attestations, err
}

func (c *Client) Attestation(ctx context.Context, id string) (Attestation, error) {
	var resp Attestation
	err := c.do(ctx, http.MethodGet, "attestations/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) Invariants(ctx context.Context) ([]Invariant, error) {
	var resp struct {
		Invariants []Invariant `json:"invariants"`
	}
	err := c.do(ctx, http.MethodGet, "invariants", nil, &resp)
	return resp.Invariants, err
}

// Verify asks the server to replay its log and returns the state
// fingerprint.
func (c *Client) Verify(ctx context.Context) (string, error) {
	var resp struct {
		Fingerprint string `json:"fingerprint"`
	}
	err := c.do(ctx, http.MethodPost, "verify", nil, &resp)
	return resp.Fingerprint, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	ae := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		ae.Code = env.Error.Code
		ae.Message = env.Error.Message
		ae.Details = env.Error.Details
	}
	return ae
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
