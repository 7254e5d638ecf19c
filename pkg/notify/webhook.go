// Package notify delivers FUP events to subscriber-facing systems.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radcore/pkg/fup"
)

// Errors
var (
	ErrCircuitOpen = errors.New("notify: circuit open")
	ErrRejected    = errors.New("notify: webhook rejected event")
	ErrDelivery    = errors.New("notify: webhook delivery failed")
)

// WebhookConfig configures the webhook notifier.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`

	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// OpenTimeout is how long the breaker stays open before a probe.
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// DefaultWebhookConfig returns sensible defaults.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Timeout:          5 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// Webhook posts fup.Event JSON to a URL behind a circuit breaker.
type Webhook struct {
	url    string
	http   *resty.Client
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// NewWebhook creates a webhook notifier.
func NewWebhook(cfg WebhookConfig, logger *zap.Logger) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, errors.New("notify: webhook url is required")
	}
	defaults := DefaultWebhookConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaults.OpenTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeaders(cfg.Headers)

	w := &Webhook{
		url:    strings.TrimRight(cfg.URL, "/"),
		http:   client,
		logger: logger,
	}

	w.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "fup-webhook",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Webhook circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return w, nil
}

// Notify posts the event. 5xx responses and transport errors count against
// the breaker; 4xx responses do not.
func (w *Webhook) Notify(ctx context.Context, event fup.Event) error {
	result, err := w.cb.Execute(func() (interface{}, error) {
		resp, err := w.http.R().
			SetContext(ctx).
			SetBody(event).
			Post(w.url)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDelivery, err)
		}

		status := resp.StatusCode()
		switch {
		case status >= 500:
			return nil, fmt.Errorf("%w: status %d", ErrDelivery, status)
		case status >= 400:
			return fmt.Errorf("%w: status %d: %s", ErrRejected, status, strings.TrimSpace(resp.String())), nil
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ErrCircuitOpen
		}
		return err
	}
	if rejected, ok := result.(error); ok {
		return rejected
	}

	w.logger.Debug("FUP event delivered",
		zap.String("username", event.Username),
		zap.String("type", string(event.Type)),
	)
	return nil
}

// State returns the breaker state.
func (w *Webhook) State() gobreaker.State {
	return w.cb.State()
}
