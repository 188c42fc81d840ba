// Package dispatch delivers a Result to exactly one destination: the
// synchronous HTTP response, or a caller-supplied webhook.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/promptops/cursord/internal/log"
	"github.com/promptops/cursord/internal/orchestrator"
	"github.com/promptops/cursord/internal/tracing"
)

const (
	// webhookDeadline bounds the whole delivery, retries included,
	// independent of the Job's own timeouts.
	webhookDeadline = 30 * time.Second
	webhookTries    = 3
	userAgent       = "cursord-webhook/1.0"
)

// The shared secret travels under two header names; receivers written
// against either convention keep working.
var secretHeaders = []string{"X-Webhook-Secret", "X-Cursor-Webhook-Secret"}

// StatusFor maps a terminal (Result, error) pair to the synchronous HTTP
// status: 200 on success, 4xx/5xx for request errors, 422 for any run the
// reviewer or the loop judged a failure.
func StatusFor(res orchestrator.Result, err error) int {
	var reqErr *orchestrator.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Status
	}
	if err != nil {
		return http.StatusInternalServerError
	}
	if res.Success {
		return http.StatusOK
	}
	return http.StatusUnprocessableEntity
}

// Dispatcher posts Results to webhooks.
type Dispatcher struct {
	client *http.Client
	// secret is the configured shared secret; a `secret` query parameter on
	// the callback URL overrides it per delivery.
	secret string
	// deadline bounds the whole delivery including retries.
	deadline time.Duration
}

func New(secret string) *Dispatcher {
	return &Dispatcher{
		client:   &http.Client{Timeout: webhookDeadline},
		secret:   secret,
		deadline: webhookDeadline,
	}
}

// DeliverWebhook posts the Result as JSON to callbackURL. Failures are
// logged and swallowed; webhook trouble must never fail the Job itself.
func (d *Dispatcher) DeliverWebhook(ctx context.Context, callbackURL string, res orchestrator.Result) {
	target, secret, err := d.prepare(callbackURL)
	if err != nil {
		log.Error(log.CatWebhook, "invalid callback url", "requestId", res.RequestID, "error", err)
		return
	}
	logURL := target.Redacted()

	body, err := json.Marshal(res)
	if err != nil {
		log.Error(log.CatWebhook, "result marshal failed", "requestId", res.RequestID, "error", err)
		return
	}

	// One deadline covers every attempt and the waits between them, so an
	// async job's long-lived context cannot stretch the delivery.
	ctx, cancel := context.WithTimeout(ctx, d.deadline)
	defer cancel()

	attempt := 0
	op := func() error {
		attempt++
		return d.post(ctx, target.String(), secret, body)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), webhookTries-1), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		log.Error(log.CatWebhook, "webhook delivery failed",
			"requestId", res.RequestID, "url", logURL, "attempts", attempt, "error", err)
		trace.SpanFromContext(ctx).AddEvent(tracing.EventWebhookFailed,
			trace.WithAttributes(attribute.String(tracing.AttrErrorMessage, err.Error())))
		return
	}
	log.Info(log.CatWebhook, "webhook delivered",
		"requestId", res.RequestID, "url", logURL, "attempts", attempt)
	trace.SpanFromContext(ctx).AddEvent(tracing.EventWebhookDelivered)
}

// prepare parses the callback URL and extracts the effective secret. A
// `secret` query parameter wins over the configured one and is stripped
// from the URL so it never reaches a log line.
func (d *Dispatcher) prepare(callbackURL string) (*url.URL, string, error) {
	target, err := url.Parse(callbackURL)
	if err != nil {
		return nil, "", err
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, "", fmt.Errorf("unsupported scheme %q", target.Scheme)
	}

	secret := d.secret
	query := target.Query()
	if s := query.Get("secret"); s != "" {
		secret = s
		query.Del("secret")
		target.RawQuery = query.Encode()
	}
	return target, secret, nil
}

func (d *Dispatcher) post(ctx context.Context, targetURL, secret string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if secret != "" {
		for _, h := range secretHeaders {
			req.Header.Set(h, secret)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook returned status %d", resp.StatusCode)
		// Client errors will not improve on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}
