// Package hastate sends entity state and bus events to Home Assistant
// over its REST API.
package hastate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IanDowney11/NOSTR-HA-Bridge/component"
	"github.com/IanDowney11/NOSTR-HA-Bridge/errors"
	"github.com/IanDowney11/NOSTR-HA-Bridge/pkg/retry"
)

const (
	defaultTimeout = 10 * time.Second
	probeAttempts  = 3
)

// Config holds connection settings for the Home Assistant API.
type Config struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
	Timeout int    `json:"timeout"` // seconds, 0 = default
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate", "base_url is required")
	}
	parsed, err := url.Parse(c.BaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			"base_url must be an http(s) URL")
	}
	if c.Timeout < 0 || c.Timeout > 300 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			"timeout must be between 0 and 300 seconds")
	}
	return nil
}

// Client is the state sink. Calls are fire-and-forget: transport and
// status failures are logged and counted, never retried, and never
// block the caller's pipeline.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	running     bool
	startTime   time.Time
	mu          sync.RWMutex
	lifecycleMu sync.Mutex

	statesSet   atomic.Int64
	eventsFired atomic.Int64
	sinkErrors  atomic.Int64
	lastError   atomic.Value // string
}

// NewClient creates a sink client from config.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:    trimTrailingSlash(cfg.BaseURL),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "hastate"),
	}, nil
}

// Meta implements component.Discoverable.
func (c *Client) Meta() component.Metadata {
	return component.Metadata{
		Name:        "hastate-output",
		Type:        "output",
		Description: "Home Assistant REST state sink",
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable.
func (c *Client) Health() component.HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := component.HealthStatus{
		Healthy:    c.running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.sinkErrors.Load()),
	}
	if last, ok := c.lastError.Load().(string); ok {
		status.LastError = last
	}
	if c.running {
		status.Uptime = time.Since(c.startTime)
	}
	return status
}

// Initialize implements component.LifecycleComponent.
func (c *Client) Initialize() error {
	return nil
}

// Start probes the API root, retrying a transient failure a few times.
// An unreachable instance is still only a warning, not a startup
// failure: entities simply stay stale until it comes back. The startup
// probe is the one sink call that retries; state and event posts stay
// fire-and-forget.
func (c *Client) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Client", "Start", "check running state")
	}

	err := retry.Do(ctx, errors.RetryPolicy(probeAttempts), func() error {
		return c.probe(ctx)
	})
	if err != nil {
		c.logger.Warn("cannot reach Home Assistant API, will keep trying on updates",
			"base_url", c.baseURL, "error", err)
	} else {
		c.logger.Info("connected to Home Assistant", "base_url", c.baseURL)
	}

	c.mu.Lock()
	c.running = true
	c.startTime = time.Now()
	c.mu.Unlock()
	return nil
}

// probe checks the API root answers with 200.
func (c *Client) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/", nil)
	if err != nil {
		return retry.NonRetryable(errors.WrapFatal(err, "Client", "probe", "build request"))
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "Client", "probe", "reach API")
	}
	drain(resp)
	if resp.StatusCode != http.StatusOK {
		return errors.WrapTransient(errors.ErrSinkRejected, "Client", "probe",
			fmt.Sprintf("HTTP %d from API root", resp.StatusCode))
	}
	return nil
}

// Stop implements component.LifecycleComponent.
func (c *Client) Stop(time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetState creates or updates an entity. POST /api/states/<entity_id>
// creates the entity if it does not exist.
func (c *Client) SetState(ctx context.Context, entityID, state string, attributes map[string]any) error {
	body := map[string]any{"state": state}
	if len(attributes) > 0 {
		body["attributes"] = attributes
	}

	err := c.post(ctx, "/api/states/"+entityID, body)
	if err != nil {
		c.recordError(err)
		c.logger.Error("failed to set entity state", "entity_id", entityID, "error", err)
		return err
	}
	c.statesSet.Add(1)
	return nil
}

// FireEvent fires a custom event on the Home Assistant bus.
func (c *Client) FireEvent(ctx context.Context, eventType string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}

	err := c.post(ctx, "/api/events/"+eventType, data)
	if err != nil {
		c.recordError(err)
		c.logger.Error("failed to fire event", "event_type", eventType, "error", err)
		return err
	}
	c.eventsFired.Add(1)
	return nil
}

// Stats reports sink call counts for metrics collection.
func (c *Client) Stats() (statesSet, eventsFired, sinkErrors int64) {
	return c.statesSet.Load(), c.eventsFired.Load(), c.sinkErrors.Load()
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.WrapInvalid(err, "Client", "post", "marshal body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return errors.WrapInvalid(err, "Client", "post", "build request")
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "Client", "post", "send request")
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.WrapTransient(errors.ErrSinkRejected, "Client", "post",
			fmt.Sprintf("HTTP %d from %s", resp.StatusCode, path))
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")
}

func (c *Client) recordError(err error) {
	c.sinkErrors.Add(1)
	c.lastError.Store(err.Error())
}

// drain reads and closes the body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
