// Package sync pushes finalized records to the Synkronus server and
// pulls form bundle updates, on demand or on a schedule.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"synkronus-host/internal/domain"
)

// Default circuit breaker settings for the sync endpoint.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// Manifest describes the server's current form bundle.
type Manifest struct {
	Version string   `json:"version"`
	Forms   []string `json:"forms"`
}

// RecordUpload is one finalized record in a push batch.
type RecordUpload struct {
	ID          string               `json:"id"`
	FormType    string               `json:"formType"`
	Payload     json.RawMessage      `json:"payload"`
	FinalizedAt time.Time            `json:"finalizedAt"`
	Attachments []*domain.Attachment `json:"attachments,omitempty"`
}

type pushResponse struct {
	Accepted []string `json:"accepted"`
}

// Client talks to the Synkronus server API. All calls run through a
// circuit breaker so a dead uplink fails fast instead of stalling every
// scheduled run behind connection timeouts.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *slog.Logger
}

// ClientConfig configures the sync client.
type ClientConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Token       string        `yaml:"-"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxFailures uint32        `yaml:"max_failures"`
	CBTimeout   time.Duration `yaml:"cb_timeout"`
	CBInterval  time.Duration `yaml:"cb_interval"`
}

func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	cbTimeout := cfg.CBTimeout
	if cbTimeout == 0 {
		cbTimeout = defaultCBTimeout
	}
	cbInterval := cfg.CBInterval
	if cbInterval == 0 {
		cbInterval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "sync:" + cfg.BaseURL,
		MaxRequests: 1,
		Interval:    cbInterval,
		Timeout:     cbTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("sync circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		breaker: cb,
		logger:  logger,
	}
}

// Manifest fetches the server's current form bundle manifest.
func (c *Client) Manifest(ctx context.Context) (*Manifest, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/forms/manifest", nil)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// FetchForm downloads one form definition from the bundle.
func (c *Client) FetchForm(ctx context.Context, formType string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/forms/"+formType, nil)
}

// PushRecords uploads a batch of finalized records and returns the ids
// the server accepted.
func (c *Client) PushRecords(ctx context.Context, batch []*RecordUpload) ([]string, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshal record batch: %w", err)
	}
	body, err := c.do(ctx, http.MethodPost, "/api/records", payload)
	if err != nil {
		return nil, err
	}
	var resp pushResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse push response: %w", err)
	}
	return resp.Accepted, nil
}

// State exposes the breaker state for monitoring.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, path, payload)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, domain.NewSubSystemError("sync", "Client.do", domain.ErrSyncUnavailable,
				fmt.Sprintf("circuit open: %v", err))
		}
		return nil, err
	}
	return body, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.NewSubSystemError("sync", "Client.roundTrip", domain.ErrSyncUnavailable, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, domain.NewSubSystemError("sync", "Client.roundTrip", domain.ErrSyncUnavailable, err.Error())
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, domain.NewSubSystemError("sync", "Client.roundTrip", domain.ErrSyncAuth, resp.Status)
	case resp.StatusCode == http.StatusConflict:
		return nil, domain.NewSubSystemError("sync", "Client.roundTrip", domain.ErrSyncConflict, resp.Status)
	case resp.StatusCode >= 500:
		return nil, domain.NewSubSystemError("sync", "Client.roundTrip", domain.ErrSyncUnavailable, resp.Status)
	case resp.StatusCode >= 400:
		return nil, domain.NewSubSystemError("sync", "Client.roundTrip", domain.ErrInvalidInput,
			fmt.Sprintf("%s: %s", resp.Status, body))
	}
	return body, nil
}
