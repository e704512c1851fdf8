// Package httpx provides a JSON-over-HTTPS client with transient-error
// classification and exponential-backoff retries.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/npmlens/npmlens/internal/errkind"
)

// DefaultTimeout bounds a single request attempt.
const DefaultTimeout = 15 * time.Second

// retryBaseInterval is the first backoff interval between attempts.
const retryBaseInterval = 2500 * time.Millisecond

// maxAttempts caps the total number of attempts per call.
const maxAttempts = 5

// Response carries the classified result of a call.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// JSON unmarshals the response body into dest.
func (r *Response) JSON(dest any) error {
	err := json.Unmarshal(r.Body, dest)
	if err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}

	return nil
}

// StatusError is returned for non-2xx responses that are not retried.
type StatusError struct {
	Status int
	Header http.Header
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Status)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, status int) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == status
	}

	return false
}

// RetryHook lets a caller classify additional responses as retryable.
// Returning true forces another attempt regardless of default rules.
type RetryHook func(status int, header http.Header) bool

// Doer abstracts *http.Client for tests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a retry-capable JSON HTTP client.
type Client struct {
	doer    Doer
	timeout time.Duration
	logger  *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithDoer replaces the underlying transport.
func WithDoer(d Doer) Option {
	return func(c *Client) { c.doer = d }
}

// WithTimeout replaces the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger attaches a structured logger for retry visibility.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Client with the default transport and timeout.
func NewClient(opts ...Option) *Client {
	c := &Client{
		doer:    &http.Client{},
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Request describes one call.
type Request struct {
	Method string
	URL    string
	Header http.Header

	// Body, when non-nil, is JSON-encoded as the request body.
	Body any

	// Hook, when set, classifies extra responses as retryable.
	Hook RetryHook
}

// Get performs a GET and decodes the JSON response into dest (when non-nil).
func (c *Client) Get(ctx context.Context, url string, header http.Header, dest any) (*Response, error) {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, URL: url, Header: header})
	if err != nil {
		return nil, err
	}

	if dest != nil {
		err = resp.JSON(dest)
		if err != nil {
			return nil, err
		}
	}

	return resp, nil
}

// Do performs the request with retry semantics:
// transient network failures and 5xx on idempotent methods are retried with
// exponential backoff (base 2.5s, at most 5 attempts); 4xx pass through
// immediately as StatusError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var resp *Response

	attempt := 0

	operation := func() error {
		attempt++

		r, err := c.once(ctx, req)
		if err != nil {
			if retryableNetwork(err) && idempotent(req.Method) {
				c.logger.DebugContext(ctx, "retrying transient network failure",
					slog.String("url", req.URL), slog.Int("attempt", attempt), slog.Any("error", err))

				return err
			}

			return backoff.Permanent(err)
		}

		if req.Hook != nil && req.Hook(r.Status, r.Header) {
			return fmt.Errorf("retry requested by hook: status %d", r.Status)
		}

		if r.Status >= http.StatusInternalServerError && idempotent(req.Method) {
			c.logger.DebugContext(ctx, "retrying server error",
				slog.String("url", req.URL), slog.Int("status", r.Status), slog.Int("attempt", attempt))

			return &StatusError{Status: r.Status, Header: r.Header, Body: r.Body}
		}

		if r.Status >= http.StatusBadRequest {
			return backoff.Permanent(&StatusError{Status: r.Status, Header: r.Header, Body: r.Body})
		}

		resp = r

		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryBaseInterval

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, maxAttempts-1), ctx))
	if err != nil {
		return nil, classify(err)
	}

	return resp, nil
}

// once performs a single attempt under the per-request timeout.
func (c *Client) once(ctx context.Context, req Request) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader

	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}

		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")

	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := c.doer.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	payload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   payload,
	}, nil
}

// idempotent reports whether the method is safe to retry after 5xx.
func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

// retryableNetwork reports whether err looks like a transient network
// failure: connection reset, DNS failure, connection refused, socket
// hangup, or a deadline on the attempt.
func retryableNetwork(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// http.Client wraps hangups in url.Error with EOF text.
	return strings.Contains(err.Error(), "EOF")
}

// classify maps an exhausted retry loop to an error kind.
func classify(err error) error {
	var se *StatusError
	if errors.As(err, &se) {
		if se.Status >= http.StatusInternalServerError {
			return errkind.Wrap(errkind.TransientNetwork, err)
		}

		return err
	}

	if retryableNetwork(err) {
		return errkind.Wrap(errkind.TransientNetwork, err)
	}

	return err
}
