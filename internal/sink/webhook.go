package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"registrar/internal/config"
	"registrar/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook POSTs each matching attestation as JSON to one endpoint. A batch
// stops at the first failed delivery.
type Webhook struct {
	hook   config.WebhookConfig
	client *http.Client
	filter decisionFilter
}

func NewWebhook(hook config.WebhookConfig) *Webhook {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &Webhook{
		hook:   hook,
		client: &http.Client{Timeout: timeout},
		filter: newDecisionFilter(hook.Decisions),
	}
}

func (w *Webhook) Name() string { return "webhook:" + w.hook.URL }

func (w *Webhook) Write(ctx context.Context, batch []domain.Attestation) error {
	for _, a := range batch {
		if !w.filter.match(a.Decision) {
			continue
		}
		if err := w.post(ctx, a); err != nil {
			return fmt.Errorf("deliver seq %d to %s: %w", a.Seq, w.hook.URL, err)
		}
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, a domain.Attestation) error {
	data, err := Encode(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Registrar-Decision", string(a.Decision))
	req.Header.Set("X-Registrar-Delivery", strconv.FormatInt(a.Seq, 10))
	req.Header.Set("X-Registrar-Attestation", a.ID)
	if strings.TrimSpace(w.hook.Secret) != "" {
		req.Header.Set("X-Registrar-Secret", w.hook.Secret)
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (w *Webhook) Close() error {
	w.client.CloseIdleConnections()
	return nil
}

type decisionFilter struct {
	all bool
	set map[domain.DecisionKind]struct{}
}

func newDecisionFilter(decisions []string) decisionFilter {
	set := make(map[domain.DecisionKind]struct{}, len(decisions))
	for _, d := range decisions {
		key := strings.ToUpper(strings.TrimSpace(d))
		if key == "" {
			continue
		}
		set[domain.DecisionKind(key)] = struct{}{}
	}
	if len(set) == 0 {
		return decisionFilter{all: true}
	}
	return decisionFilter{set: set}
}

func (f decisionFilter) match(d domain.DecisionKind) bool {
	if f.all {
		return true
	}
	_, ok := f.set[d]
	return ok
}
