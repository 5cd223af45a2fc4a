// Package catalog fetches the list of assistant models available to the user,
// with a short-lived cache so pickers don't hammer the service.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/wayfarer-app/wayfarer/src/transport"
)

const (
	defaultTTL     = time.Hour
	defaultTimeout = 15 * time.Second
)

// ErrModelNotFound indicates an unknown model id.
var ErrModelNotFound = errors.New("model not found")

// Model describes one selectable assistant model.
type Model struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	ContextLength int    `json:"contextLength,omitempty"`
	SupportsTools bool   `json:"supportsTools,omitempty"`
}

// Config holds configuration for the catalog client.
type Config struct {
	// BaseURL of the assistant service's HTTP API.
	BaseURL string
	// Tokens supplies the bearer credential.
	Tokens transport.TokenProvider
	// TTL bounds how long the model list is cached (default 1h).
	TTL time.Duration
	// Logger for request logging.
	Logger *slog.Logger
}

// Client is the model catalog client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	models    []*Model
	fetchedAt time.Time
}

// NewClient creates a catalog client.
func NewClient(cfg Config) *Client {
	if cfg.TTL == 0 {
		cfg.TTL = defaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger.With("component", "catalog"),
	}
}

// Models returns the available models, from cache when fresh.
func (c *Client) Models(ctx context.Context) ([]*Model, error) {
	c.mu.Lock()
	if c.models != nil && time.Since(c.fetchedAt) < c.cfg.TTL {
		cached := c.models
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	models, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.models = models
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return models, nil
}

// Model returns one model by id.
func (c *Client) Model(ctx context.Context, id string) (*Model, error) {
	models, err := c.Models(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range models {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrModelNotFound, id)
}

// Invalidate drops the cache so the next call refetches.
func (c *Client) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = nil
}

func (c *Client) fetch(ctx context.Context) ([]*Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.cfg.Tokens != nil {
		token, err := c.cfg.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get credential: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("model list request failed", "error", err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model list request failed: status %d", resp.StatusCode)
	}

	var out struct {
		Models []*Model `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}

	c.logger.Debug("model list fetched", "count", len(out.Models))
	return out.Models, nil
}
