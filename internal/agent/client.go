package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/turnstream/internal/domain"
	"github.com/ashureev/turnstream/internal/engine"
	"github.com/ashureev/turnstream/internal/protocol"
)

// maxErrorBody bounds how much of a failed response is read for the error.
const maxErrorBody = 4 << 10

var (
	// ErrBackendStatus wraps non-2xx responses from the backend.
	ErrBackendStatus = errors.New("agent backend returned error status")
	errEmptyBaseURL  = errors.New("agent base url is required")
)

// Client talks to the agent backend over HTTP.
type Client struct {
	baseURL        *url.URL
	http           *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger
}

// ClientConfig holds configuration for the HTTP client.
type ClientConfig struct {
	BaseURL string
	// HTTPClient is used for every request. It must not set a global
	// timeout, since turn streams stay open for the whole turn.
	HTTPClient *http.Client
	// RequestTimeout bounds approvals and history fetches.
	RequestTimeout time.Duration
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:        "http://localhost:8000",
		RequestTimeout: 30 * time.Second,
	}
}

var (
	_ engine.Backend       = (*Client)(nil)
	_ engine.HistoryLoader = (*Client)(nil)
)

// NewClient creates a backend client.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		return nil, errEmptyBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid agent base url %q: %w", cfg.BaseURL, err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultClientConfig().RequestTimeout
	}
	return &Client{
		baseURL:        base,
		http:           cfg.HTTPClient,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger,
	}, nil
}

func (c *Client) endpoint(segments ...string) string {
	return c.baseURL.JoinPath(segments...).String()
}

// Stream opens a turn and yields its decoded events until the backend closes
// the stream. Cancelling ctx aborts the underlying read.
func (c *Client) Stream(ctx context.Context, sessionID, message string) iter.Seq2[protocol.Event, error] {
	return func(yield func(protocol.Event, error) bool) {
		body, err := json.Marshal(StreamRequest{SessionID: sessionID, Message: message})
		if err != nil {
			yield(nil, fmt.Errorf("encode stream request: %w", err))
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("api", "chat", "stream"), bytes.NewReader(body))
		if err != nil {
			yield(nil, fmt.Errorf("build stream request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.http.Do(req)
		if err != nil {
			yield(nil, fmt.Errorf("stream request failed: %w", err))
			return
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				c.logger.Debug("failed to close stream body", "session_id", sessionID, "error", closeErr)
			}
		}()
		if err := checkStatus(resp); err != nil {
			yield(nil, err)
			return
		}

		dec := protocol.NewDecoder(resp.Body, c.logger)
		for {
			ev, err := dec.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				yield(nil, fmt.Errorf("chat stream error: %w", err))
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// SubmitApproval delivers a tool approval decision.
func (c *Client) SubmitApproval(ctx context.Context, sessionID, requestID string, d domain.Decision) error {
	return c.postJSON(ctx, c.endpoint("api", "approvals", requestID), ApprovalRequest{
		SessionID:       sessionID,
		Approved:        d.Approved,
		Feedback:        d.Feedback,
		AllowForSession: d.AllowForSession,
	})
}

// SubmitPlanApproval delivers a plan approval decision.
func (c *Client) SubmitPlanApproval(ctx context.Context, sessionID, planID string, d domain.PlanDecision) error {
	return c.postJSON(ctx, c.endpoint("api", "plans", planID, "approval"), PlanApprovalRequest{
		SessionID: sessionID,
		Approved:  d.Approved,
		Feedback:  d.Feedback,
	})
}

// History fetches the persisted state of a session. A session the backend
// does not know yields nil history and no error.
func (c *Client) History(ctx context.Context, sessionID string) (*domain.History, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("api", "sessions", sessionID, "history"), nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var hist domain.History
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		return nil, fmt.Errorf("decode history for %s: %w", sessionID, err)
	}
	return &hist, nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// checkStatus turns a non-2xx response into an error carrying the backend's
// message when it sent one.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil {
		switch {
		case eb.Error != "":
			msg = eb.Error
		case eb.Detail != "":
			msg = eb.Detail
		}
	}
	if msg == "" {
		return fmt.Errorf("%w: %d", ErrBackendStatus, resp.StatusCode)
	}
	return fmt.Errorf("%w: %d: %s", ErrBackendStatus, resp.StatusCode, msg)
}
