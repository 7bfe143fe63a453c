// Package tracker is the HTTP client for the memory tracking service.
package tracker

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

	"memtracker/internal/logger"
	"memtracker/pkg/api"

	"golang.org/x/time/rate"
)

// DefaultTimeout bounds every request to the tracking service.
const DefaultTimeout = 30 * time.Second

// Client handles API calls to the tracking service.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client

	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.HTTPClient.Timeout = d
		}
	}
}

// WithRateLimit throttles outgoing requests. rps <= 0 means unlimited.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a new client with the given base URL and token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetBinary sends GET /api/binaries/{id}.
func (c *Client) GetBinary(ctx context.Context, id string) (*api.Binary, error) {
	var b api.Binary
	if err := c.get(ctx, "/api/binaries/"+url.PathEscape(id), &b); err != nil {
		return nil, notFoundAs(err, "Binary", id)
	}
	return &b, nil
}

// GetEnvironment sends GET /api/environments/{id}.
func (c *Client) GetEnvironment(ctx context.Context, id string) (*api.Environment, error) {
	var e api.Environment
	if err := c.get(ctx, "/api/environments/"+url.PathEscape(id), &e); err != nil {
		return nil, notFoundAs(err, "Environment", id)
	}
	return &e, nil
}

// ListBinaries sends GET /api/binaries.
func (c *Client) ListBinaries(ctx context.Context) ([]api.Binary, error) {
	var out []api.Binary
	if err := c.get(ctx, "/api/binaries", &out); err != nil {
		return nil, fmt.Errorf("failed to fetch binaries: %w", err)
	}
	return out, nil
}

// ListEnvironments sends GET /api/environments.
func (c *Client) ListEnvironments(ctx context.Context) ([]api.Environment, error) {
	var out []api.Environment
	if err := c.get(ctx, "/api/environments", &out); err != nil {
		return nil, fmt.Errorf("failed to fetch environments: %w", err)
	}
	return out, nil
}

// ValidateRegistration checks that both the binary and the environment are
// registered. It is the pre-flight gate run once before any commit.
func (c *Client) ValidateRegistration(ctx context.Context, binaryID, environmentID string) error {
	c.logger.Info("validating registration", "binary_id", binaryID, "environment_id", environmentID)

	if _, err := c.GetBinary(ctx, binaryID); err != nil {
		return err
	}
	if _, err := c.GetEnvironment(ctx, environmentID); err != nil {
		return err
	}

	c.logger.Info("registration validated", "binary_id", binaryID, "environment_id", environmentID)
	return nil
}

// UploadRun sends POST /api/upload-run. It is never retried.
func (c *Client) UploadRun(ctx context.Context, req api.UploadRunRequest) (*api.UploadRunResponse, error) {
	var out api.UploadRunResponse
	if err := c.post(ctx, "/api/upload-run", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportMemrayFailure sends POST /api/report-memray-failure.
func (c *Client) ReportMemrayFailure(ctx context.Context, report api.MemrayFailureReport) error {
	return c.post(ctx, "/api/report-memray-failure", report, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bodyBytes, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	op := method + " " + path

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &TransportError{Op: op, Err: err}
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if c.Token != "" {
		httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}
	if runID := logger.RunIDFromContext(ctx); runID != "" {
		httpReq.Header.Add("X-Request-ID", runID)
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// responseError maps a non-2xx response onto the error taxonomy.
func responseError(resp *http.Response, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var er api.ErrorResponse
		if err := json.Unmarshal(body, &er); err == nil && len(er.Detail) > 0 {
			detail = er.DetailString()
		}
	}
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return &ConflictError{Detail: detail}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &ValidationError{StatusCode: resp.StatusCode, Detail: detail}
	default:
		return &APIError{StatusCode: resp.StatusCode, Message: detail}
	}
}

func notFoundAs(err error, kind, id string) error {
	var verr *ValidationError
	if errors.As(err, &verr) && verr.StatusCode == http.StatusNotFound {
		return &NotFoundError{Kind: kind, ID: id}
	}
	return fmt.Errorf("failed to validate %s '%s': %w", strings.ToLower(kind), id, err)
}
