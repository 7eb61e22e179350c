// Package backend talks to the food-waste backend: it polls for the active
// weighing session and uploads detection reports.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"trashtrack-station/internal/domain"
)

// DeviceSecretHeader carries the shared device secret.
const DeviceSecretHeader = "X-Device-Secret"

const maxBodyBytes = 1 << 20

// Config holds backend connection settings.
type Config struct {
	BaseURL       string
	DeviceID      string
	DeviceSecret  string
	PollTimeout   time.Duration // default 5s
	ReportTimeout time.Duration // default 10s
	Breaker       BreakerConfig
}

// StatusError is a non-2xx reply from the backend.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
	kind       error
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
}

// Unwrap exposes ErrSessionEnded or ErrBackendStatus.
func (e *StatusError) Unwrap() error { return e.kind }

// Client is the backend HTTP client. Calls are never retried; the daemon's
// poll and capture intervals are the retry policy.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*response]
	logger  *slog.Logger
}

// NewClient validates cfg and builds a client. A nil httpClient gets a
// pooled transport.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: backend url %q", domain.ErrInvalidInput, cfg.BaseURL)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Transport: newTransport(cfg.PollTimeout)}
	}
	return &Client{
		cfg:     cfg,
		base:    base,
		http:    httpClient,
		breaker: newBreaker(cfg.Breaker, logger),
		logger:  logger,
	}, nil
}

type activeSessionBody struct {
	Active  bool `json:"active"`
	Session *struct {
		SessionID string `json:"session_id"`
		DeviceID  string `json:"device_id"`
		StartTime string `json:"start_time"`
	} `json:"session"`
}

// ActiveSession returns the backend's active session, or nil when none is
// active. Every failure, including a non-2xx reply, is ErrBackendUnreachable.
func (c *Client) ActiveSession(ctx context.Context) (*domain.Session, error) {
	const op = "Backend.ActiveSession"
	resp, err := c.do(ctx, op, http.MethodGet, "/api/sessions/active", nil, c.cfg.PollTimeout)
	if err != nil {
		return nil, err
	}
	if resp.status < 200 || resp.status > 299 {
		return nil, fmt.Errorf("%w: %w",
			domain.NewSubSystemError(domain.SubSystemBackend, op, domain.ErrBackendUnreachable, fmt.Sprintf("status %d", resp.status)),
			&StatusError{Op: op, StatusCode: resp.status, Message: errorMessage(resp.body), kind: domain.ErrBackendStatus})
	}

	var body activeSessionBody
	if err := json.Unmarshal(resp.body, &body); err != nil {
		return nil, domain.NewSubSystemError(domain.SubSystemBackend, op, domain.ErrBackendUnreachable, "decode: "+err.Error())
	}
	if !body.Active || body.Session == nil || body.Session.SessionID == "" {
		return nil, nil
	}
	return &domain.Session{
		ID:        body.Session.SessionID,
		DeviceID:  body.Session.DeviceID,
		StartTime: parseTimestamp(body.Session.StartTime),
	}, nil
}

type detectionsBody struct {
	Results []domain.DetectionReport `json:"results"`
}

// PostDetections uploads reports for sessionID. A 400, 404 or 410 reply
// means the session can no longer accept detections and wraps
// ErrSessionEnded; other non-2xx replies wrap ErrBackendStatus. Both are
// returned as *StatusError.
func (c *Client) PostDetections(ctx context.Context, sessionID string, reports []domain.DetectionReport) (*domain.ReportAck, error) {
	const op = "Backend.PostDetections"
	if sessionID == "" {
		return nil, fmt.Errorf("%s: %w: empty session id", op, domain.ErrInvalidInput)
	}
	payload, err := json.Marshal(detectionsBody{Results: reports})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal: %w", op, err)
	}

	path := "/api/sessions/" + url.PathEscape(sessionID) + "/detections"
	resp, err := c.do(ctx, op, http.MethodPost, path, payload, c.cfg.ReportTimeout)
	if err != nil {
		return nil, err
	}
	if resp.status < 200 || resp.status > 299 {
		kind := domain.ErrBackendStatus
		switch resp.status {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusGone:
			kind = domain.ErrSessionEnded
		}
		return nil, &StatusError{Op: op, StatusCode: resp.status, Message: errorMessage(resp.body), kind: kind}
	}

	var ack domain.ReportAck
	if len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, &ack); err != nil {
			c.logger.Warn("backend: unreadable ack", "session_id", sessionID, "error", err)
		}
	}
	return &ack, nil
}

// do performs one request through the breaker. Only transport failures and
// 5xx replies count against the breaker; a 5xx is still returned as a
// response so callers can inspect the status.
func (c *Client) do(ctx context.Context, op, method, path string, payload []byte, timeout time.Duration) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.breaker.Execute(func() (*response, error) {
		r, err := c.roundTrip(ctx, method, path, payload)
		if err != nil {
			return nil, err
		}
		if r.status >= 500 {
			return nil, &serverError{resp: r}
		}
		return r, nil
	})
	if err == nil {
		return resp, nil
	}

	var se *serverError
	if errors.As(err, &se) {
		return se.resp, nil
	}
	if isBreakerOpen(err) {
		return nil, domain.NewSubSystemError(domain.SubSystemBackend, op, domain.ErrBackendUnreachable, "circuit open")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %w",
			domain.NewSubSystemError(domain.SubSystemBackend, op, domain.ErrTimeout, timeout.String()),
			domain.ErrBackendUnreachable)
	}
	return nil, domain.NewSubSystemError(domain.SubSystemBackend, op, domain.ErrBackendUnreachable, err.Error())
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte) (*response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(DeviceSecretHeader, c.cfg.DeviceSecret)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &response{status: resp.StatusCode, body: data}, nil
}

// State returns the breaker state for diagnostics.
func (c *Client) State() gobreaker.State { return c.breaker.State() }

// errorMessage extracts {"error": "..."} from a reply, falling back to the
// raw body.
func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// parseTimestamp accepts RFC 3339 and SQLite datetime strings. Unparseable
// values yield the zero time.
func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
