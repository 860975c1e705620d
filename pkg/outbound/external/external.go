// Package external is the outbound target for the third-party HTTP API.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
	"github.com/MovieFirebots/Anime-Realm/pkg/jsoncodec"
	"github.com/MovieFirebots/Anime-Realm/pkg/outbound"
)

const (
	defaultTimeout         = 20 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
	maxErrorBody           = 4 << 10
)

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// BreakerFailures is how many consecutive transient failures open the breaker.
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open before probing again.
	BreakerTimeout time.Duration
}

// Target posts action payloads as JSON behind a circuit breaker. Only
// transient failures count against the breaker.
type Target struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

func New(cfg Config, log *slog.Logger) (*Target, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("external api base url is required")
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "outbound.external")

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "external-api",
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !outbound.Transient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Target{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		client:  client,
		breaker: breaker,
		log:     log,
	}, nil
}

func (t *Target) Name() string {
	return bus.TargetExternal
}

// State exposes the breaker state for status reporting.
func (t *Target) State() gobreaker.State {
	return t.breaker.State()
}

func (t *Target) Do(ctx context.Context, action bus.OutboundAction) error {
	if action.Kind != bus.ActionExternalCall {
		return fmt.Errorf("unsupported external action %q", action.Kind)
	}

	body, err := jsoncodec.Marshal(action.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	_, err = t.breaker.Execute(func() (interface{}, error) {
		return nil, t.post(ctx, action, body)
	})

	return err
}

func (t *Target) post(ctx context.Context, action bus.OutboundAction, body []byte) error {
	url := t.baseURL + "/" + strings.TrimLeft(action.Path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	if action.ID != "" {
		req.Header.Set("Idempotency-Key", action.ID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", action.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	t.log.Debug("External API call failed", "path", action.Path, "status", resp.StatusCode)

	return &outbound.StatusError{
		StatusCode:  resp.StatusCode,
		Description: strings.TrimSpace(string(raw)),
		RetryAfter:  parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// parseRetryAfter reads the delay-seconds form of the Retry-After header.
func parseRetryAfter(value string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds <= 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}
