package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/wayfarer-app/wayfarer/src/transport"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultRetryCount = 3
	defaultRetryDelay = time.Second
)

// Config holds configuration for the session client.
type Config struct {
	// BaseURL of the assistant service's HTTP API.
	BaseURL string
	// Tokens supplies the bearer credential.
	Tokens transport.TokenProvider
	// RetryCount bounds retries on server errors (default 3).
	RetryCount int
	// RetryDelay is the base delay between retries (default 1s).
	RetryDelay time.Duration
	// Logger for request logging.
	Logger *slog.Logger
}

// Client is the session-creation client. Session creation is a plain
// request/response call, separate from the persistent connection; it must
// complete before the first chat envelope referencing the session id is sent.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a session client.
func NewClient(cfg Config) *Client {
	if cfg.RetryCount == 0 {
		cfg.RetryCount = defaultRetryCount
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger.With("component", "session_client"),
	}
}

// Create requests a new session from the assistant service and returns it
// bound to the request's model, context, and chat mode.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	logger := c.logger.With("model", req.ModelID, "context_key", req.Context.Key())
	logger.Debug("creating session", "history_len", len(req.MessageHistory))

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/sessions", body)
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequestWithRetry(httpReq)
	if err != nil {
		logger.Error("session creation failed", "error", err)
		return nil, &CreationError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.handleError(resp)
	}

	var out CreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode session response: %w", err)
	}
	if out.SessionID == "" {
		return nil, &CreationError{StatusCode: resp.StatusCode, Message: "empty session id"}
	}

	logger.Info("session created", "session_id", out.SessionID)
	return &Session{
		ID:       out.SessionID,
		ModelID:  req.ModelID,
		Context:  req.Context,
		ChatMode: req.ChatMode,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Tokens != nil {
		token, err := c.cfg.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get credential: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// doRequestWithRetry performs an HTTP request, retrying server errors.
func (c *Client) doRequestWithRetry(req *http.Request) (*http.Response, error) {
	var lastErr error

	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	for i := 0; i < c.cfg.RetryCount; i++ {
		reqCopy := req.Clone(req.Context())
		if bodyBytes != nil {
			reqCopy.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.httpClient.Do(reqCopy)
		if err != nil {
			lastErr = err
			c.logger.Debug("request attempt failed", "attempt", i+1, "error", err)
			time.Sleep(c.cfg.RetryDelay * time.Duration(i+1))
			continue
		}

		// Client errors and successes return immediately; only server errors retry.
		if resp.StatusCode < 500 {
			return resp, nil
		}

		resp.Body.Close()
		lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
		c.logger.Debug("server error, retrying", "attempt", i+1, "status_code", resp.StatusCode)
		time.Sleep(c.cfg.RetryDelay * time.Duration(i+1))
	}

	return nil, fmt.Errorf("request failed after %d retries: %w", c.cfg.RetryCount, lastErr)
}

func (c *Client) handleError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read error response: %w", err)
	}

	var errResp struct {
		Error string `json:"error"`
	}
	msg := string(body)
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		msg = errResp.Error
	}
	return &CreationError{StatusCode: resp.StatusCode, Message: msg}
}
