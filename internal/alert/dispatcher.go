// Package alert posts operator alerts to a chat or generic webhook.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cctp-relayer/internal/circuitbreaker"
	"github.com/cctp-relayer/internal/config"
	"github.com/cctp-relayer/internal/logging"
)

// DefaultTimeout bounds one webhook delivery
const DefaultTimeout = 10 * time.Second

// timestampLayout matches JavaScript's Date.toISOString
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Alert is one operator notification
type Alert struct {
	Title string
	Body  string
}

// Config holds configuration for the dispatcher
type Config struct {
	// WebhookURL is the delivery endpoint. Empty disables delivery.
	WebhookURL string

	// Kind selects the payload shape: "slack" (default) or "generic".
	Kind string

	// Timeout bounds each delivery. Default: 10s.
	Timeout time.Duration

	// Breaker stops delivery to a webhook that keeps failing.
	// Default: five consecutive failures open it for a minute.
	Breaker *circuitbreaker.CircuitBreaker

	HTTPClient *http.Client
	Logger     *logging.Logger
	Now        func() time.Time
}

// Dispatcher delivers alerts. Delivery failures are logged, never returned.
type Dispatcher struct {
	url     string
	kind    string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *logging.Logger
	now     func() time.Time
}

// NewDispatcher creates a dispatcher from cfg
func NewDispatcher(cfg Config) *Dispatcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	kind := cfg.Kind
	if kind == "" {
		kind = config.WebhookKindSlack
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	breaker := cfg.Breaker
	if breaker == nil {
		bc := circuitbreaker.DefaultConfig("alert-webhook")
		bc.Logger = logger
		bc.Now = now
		breaker = circuitbreaker.NewCircuitBreaker(bc)
	}

	return &Dispatcher{
		url:     cfg.WebhookURL,
		kind:    kind,
		client:  client,
		breaker: breaker,
		logger:  logger.WithField("component", "alert"),
		now:     now,
	}
}

// BreakerStats reports the webhook circuit breaker state
func (d *Dispatcher) BreakerStats() circuitbreaker.Stats {
	return d.breaker.GetStats()
}

// Enabled reports whether a webhook is configured
func (d *Dispatcher) Enabled() bool {
	return d.url != ""
}

// Send posts a to the webhook. It is a no-op without a webhook URL.
func (d *Dispatcher) Send(ctx context.Context, a Alert) {
	if !d.Enabled() {
		return
	}
	err := d.breaker.Execute(func() error { return d.deliver(ctx, a) })
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		d.logger.WithField("title", a.Title).Warn("Alert dropped, webhook circuit open")
		return
	}
	if err != nil {
		d.logger.WithField("title", a.Title).WithError(err).Error("Alert webhook failed")
		return
	}
	d.logger.WithField("title", a.Title).Debug("Alert delivered")
}

func (d *Dispatcher) deliver(ctx context.Context, a Alert) error {
	payload, err := d.payload(a)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type genericPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	TS    string `json:"ts"`
}

type slackPayload struct {
	Text string `json:"text"`
}

func (d *Dispatcher) payload(a Alert) ([]byte, error) {
	if d.kind == config.WebhookKindGeneric {
		return json.Marshal(genericPayload{
			Title: a.Title,
			Body:  a.Body,
			TS:    d.now().UTC().Format(timestampLayout),
		})
	}
	return json.Marshal(slackPayload{Text: "*" + a.Title + "*\n" + a.Body})
}
