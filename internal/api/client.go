// Package api is the HTTP client for the generation backend: the Task API,
// the Document API (plain GETs of structure/content URLs) and the Chat API.
package api

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
	"strconv"
	"strings"
	"time"

	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/logging"
	"github.com/rain-yyy/FAN-Tianrui-FYP/internal/validation"
	"github.com/rain-yyy/FAN-Tianrui-FYP/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second

	// CacheBustParam is appended to every document fetch.
	CacheBustParam = "_t"
)

// ErrResponseTooLarge is wrapped by the TRANSPORT_ERROR returned for a body
// over MaxResponseBody.
var ErrResponseTooLarge = errors.New("api: response body too large")

// Config configures the API client.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	MaxResponseBody int64
	HTTPClient      *http.Client
	Logger          *slog.Logger
	// Now supplies the cache-busting value; defaults to time.Now.
	Now func() time.Time
}

// Client talks to the generation backend. It holds no per-task state and is
// safe for concurrent use.
type Client struct {
	base      *url.URL
	http      *http.Client
	maxBody   int64
	logger    *slog.Logger
	validator *validation.JSONSchemaValidator
	now       func() time.Time
}

// New creates a Client. BaseURL must be an absolute http(s) URL.
func New(cfg Config) (*Client, error) {
	base, err := url.ParseRequestURI(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "api: invalid base url %q", cfg.BaseURL)
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		base:      base,
		http:      hc,
		maxBody:   cfg.MaxResponseBody,
		logger:    logging.OrDiscard(cfg.Logger),
		validator: validation.Default(),
		now:       now,
	}, nil
}

// BaseURL returns the configured backend root.
func (c *Client) BaseURL() string { return c.base.String() }

// --- Task API ---

// Generate submits a repository for documentation generation.
// Any failure is reported as SUBMISSION_ERROR; submissions are never retried.
func (c *Client) Generate(ctx context.Context, repoURL string) (*schema.GenerateResponse, error) {
	var out schema.GenerateResponse
	status, body, err := c.doJSON(ctx, http.MethodPost, c.endpoint("generate"), schema.GenerateRequest{URLLink: repoURL})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSubmission, "generate: %s", err.Error()).WithCause(err)
	}
	if status/100 != 2 {
		return nil, schema.NewErrorf(schema.ErrCodeSubmission, "generate: server returned %d: %s", status, detail(body)).
			WithDetails(map[string]any{"status_code": status})
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, schema.NewError(schema.ErrCodeSubmission, "generate: malformed response").WithCause(err)
	}
	if out.TaskID == "" {
		return nil, schema.NewError(schema.ErrCodeSubmission, "generate: response carries no task_id")
	}
	return &out, nil
}

// GetTask fetches the latest status of a task. A 404 is reported as
// NOT_FOUND; every other failure (including a response that does not match
// the status schema) is TRANSPORT_ERROR.
func (c *Client) GetTask(ctx context.Context, taskID string) (*schema.TaskStatusResponse, error) {
	status, body, err := c.doJSON(ctx, http.MethodGet, c.endpoint("task", taskID), nil)
	if err != nil {
		return nil, transportError("get task", err)
	}
	if status == http.StatusNotFound {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "task %q not found", taskID)
	}
	if status/100 != 2 {
		return nil, statusError("get task", status, body)
	}
	if err := c.validator.ValidateTaskStatus(body); err != nil {
		return nil, transportError("get task: invalid response", err)
	}
	var out schema.TaskStatusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, transportError("get task: decode", err)
	}
	return &out, nil
}

// ListTasks returns every task the backend currently tracks.
func (c *Client) ListTasks(ctx context.Context) ([]schema.TaskStatusResponse, error) {
	status, body, err := c.doJSON(ctx, http.MethodGet, c.endpoint("tasks"), nil)
	if err != nil {
		return nil, transportError("list tasks", err)
	}
	if status/100 != 2 {
		return nil, statusError("list tasks", status, body)
	}
	var out []schema.TaskStatusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, transportError("list tasks: decode", err)
	}
	return out, nil
}

// DeleteTask removes a finished task on the backend. The backend refuses to
// delete running tasks (400).
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	status, body, err := c.doJSON(ctx, http.MethodDelete, c.endpoint("task", taskID), nil)
	if err != nil {
		return transportError("delete task", err)
	}
	switch {
	case status == http.StatusNotFound:
		return schema.NewErrorf(schema.ErrCodeNotFound, "task %q not found", taskID)
	case status == http.StatusBadRequest:
		return schema.NewErrorf(schema.ErrCodeValidation, "delete task: %s", detail(body))
	case status/100 != 2:
		return statusError("delete task", status, body)
	}
	return nil
}

// Health pings the backend.
func (c *Client) Health(ctx context.Context) error {
	status, body, err := c.doJSON(ctx, http.MethodGet, c.endpoint("health"), nil)
	if err != nil {
		return transportError("health", err)
	}
	if status/100 != 2 {
		return statusError("health", status, body)
	}
	return nil
}

// --- Chat API ---

// Chat asks a question about a generated repository.
func (c *Client) Chat(ctx context.Context, req schema.ChatRequest) (*schema.ChatResponse, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "chat: empty question")
	}
	status, body, err := c.doJSON(ctx, http.MethodPost, c.endpoint("chat"), req)
	if err != nil {
		return nil, transportError("chat", err)
	}
	if status == http.StatusNotFound {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "chat: %s", detail(body))
	}
	if status/100 != 2 {
		return nil, statusError("chat", status, body)
	}
	var out schema.ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, transportError("chat: decode", err)
	}
	return &out, nil
}

// --- Document API ---

// FetchJSON GETs a structure or content document with a cache-busting query
// parameter and returns the raw body. Bodies are not validated here; the
// structure normalizer and payload parser tolerate arbitrary shapes.
func (c *Client) FetchJSON(ctx context.Context, rawURL string) ([]byte, error) {
	target, err := CacheBust(rawURL, c.now())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "fetch: invalid url %q", rawURL).WithCause(err)
	}
	status, body, err := c.doJSON(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, transportError("fetch "+rawURL, err)
	}
	if status == http.StatusNotFound {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "document %q not found", rawURL)
	}
	if status/100 != 2 {
		return nil, statusError("fetch "+rawURL, status, body)
	}
	return body, nil
}

// CacheBust returns rawURL with the cache-busting parameter set to t in
// milliseconds. Existing query parameters are preserved.
func CacheBust(rawURL string, t time.Time) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}
	q := u.Query()
	q.Set(CacheBustParam, strconv.FormatInt(t.UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// --- plumbing ---

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.base.String() + "/" + strings.Join(escaped, "/")
}

// doJSON performs a request and returns the status code and the (size
// limited) body. A non-2xx status is not an error at this level.
func (c *Client) doJSON(ctx context.Context, method, target string, payload any) (int, []byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(body)) > c.maxBody {
		return resp.StatusCode, nil, fmt.Errorf("%w: over %d bytes", ErrResponseTooLarge, c.maxBody)
	}
	logging.LogWith(ctx, c.logger).Debug("api request",
		slog.String("method", method),
		slog.String("url", target),
		slog.Int("status", resp.StatusCode),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return resp.StatusCode, body, nil
}

func transportError(op string, err error) *schema.WikiError {
	return schema.NewErrorf(schema.ErrCodeTransport, "%s: %s", op, err.Error()).WithCause(err)
}

func statusError(op string, status int, body []byte) *schema.WikiError {
	return schema.NewErrorf(schema.ErrCodeTransport, "%s: server returned %d: %s", op, status, detail(body)).
		WithDetails(map[string]any{"status_code": status})
}

// detail extracts FastAPI's {"detail": ...} message, or a truncated body.
func detail(body []byte) string {
	var d struct {
		Detail any `json:"detail"`
	}
	if json.Unmarshal(body, &d) == nil && d.Detail != nil {
		if s, ok := d.Detail.(string); ok {
			return s
		}
		b, _ := json.Marshal(d.Detail)
		return string(b)
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
