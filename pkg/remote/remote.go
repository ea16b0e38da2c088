// Package remote holds the HTTP plumbing shared by the dashboard and DNA proxy clients.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/cpunk-club/cpunk-verifier/pkg/circuitbreaker"
	"github.com/cpunk-club/cpunk-verifier/pkg/logger"
	"github.com/cpunk-club/cpunk-verifier/pkg/metrics"
)

// ErrCircuitOpen is returned without contacting the API while its breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// Error is a failed call to a remote API
type Error struct {
	API        string
	Method     string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.API, e.Method, e.Err)
	}
	return fmt.Sprintf("%s %s: unexpected status code: %d, body: %s", e.API, e.Method, e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Response is a raw reply. The body is read regardless of the status code.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Caller sends requests to one remote API through its circuit breaker
type Caller struct {
	api        string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	limiter    *rate.Limiter
	logger     logger.Logger
}

// NewCaller creates a caller for api. breaker may be nil.
func NewCaller(api string, httpClient *http.Client, breaker *circuitbreaker.CircuitBreaker, l logger.Logger) *Caller {
	if httpClient == nil {
		httpClient = NewHTTPClient(10 * time.Second)
	}
	if l == nil {
		l = &logger.EmptyLogger{}
	}
	return &Caller{
		api:        api,
		httpClient: httpClient,
		breaker:    breaker,
		logger:     l,
	}
}

// API returns the name used in logs and metric labels
func (c *Caller) API() string {
	return c.api
}

// Breaker returns the circuit breaker guarding the API, possibly nil
func (c *Caller) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

// WithRateLimit makes every call wait for limiter before it is sent
func (c *Caller) WithRateLimit(limiter *rate.Limiter) *Caller {
	c.limiter = limiter
	return c
}

// Do sends req and reads the whole body. method names the call in logs and metrics.
// 5xx replies count against the breaker but are still returned to the caller.
// Calls abandoned because ctx ended are not held against the API.
func (c *Caller) Do(ctx context.Context, method string, req *http.Request) (*Response, error) {
	if c.breaker != nil && c.breaker.IsOpen() {
		metrics.RemoteErrors.WithLabelValues(c.api, "circuit_open").Inc()
		return nil, &Error{API: c.api, Method: method, Err: ErrCircuitOpen}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			metrics.RemoteErrors.WithLabelValues(c.api, "rate_limited").Inc()
			return nil, &Error{API: c.api, Method: method, Err: err}
		}
	}

	metrics.RemoteRequests.WithLabelValues(c.api, method).Inc()
	start := time.Now()
	resp, err := c.httpClient.Do(req.WithContext(ctx))
	metrics.RemoteLatency.WithLabelValues(c.api).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, c.fail(ctx, &Error{API: c.api, Method: method, Err: err})
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Error("Failed to close %s response body: %v", c.api, closeErr)
		}
	}()

	// Read the response body regardless of status code
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.fail(ctx, &Error{API: c.api, Method: method, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %v", err)})
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		c.recordFailure()
		metrics.RemoteErrors.WithLabelValues(c.api, "http_error").Inc()
	} else if c.breaker != nil {
		c.breaker.RecordSuccess()
	}

	c.logger.Debug("%s %s -> %d (%d bytes)", c.api, method, resp.StatusCode, len(body))
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// Get builds and sends a GET request
func (c *Caller) Get(ctx context.Context, method, url string) (*Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{API: c.api, Method: method, Err: err}
	}
	return c.Do(ctx, method, req)
}

// PostJSON builds and sends a POST request with a JSON body
func (c *Caller) PostJSON(ctx context.Context, method, url string, body []byte) (*Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{API: c.api, Method: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.Do(ctx, method, req)
}

func (c *Caller) fail(ctx context.Context, err *Error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		metrics.RemoteErrors.WithLabelValues(c.api, "cancelled").Inc()
		c.logger.Debug("%s %s abandoned: %v", c.api, err.Method, ctxErr)
		return err
	}
	c.recordFailure()
	metrics.RemoteErrors.WithLabelValues(c.api, ClassifyError(err)).Inc()
	c.logger.Error("%v", err)
	return err
}

func (c *Caller) recordFailure() {
	if c.breaker != nil {
		c.breaker.RecordFailure()
	}
}

// NewHTTPClient creates an HTTP client with timeouts
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// ClassifyError maps an error to a metric label
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrCircuitOpen) {
		return "circuit_open"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Err == nil && apiErr.StatusCode != 0 {
		return "http_error"
	}

	errStr := err.Error()

	// Network errors
	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "EOF") {
		return "network_error"
	}

	// Replies we could not make sense of
	if strings.Contains(errStr, "failed to decode") ||
		strings.Contains(errStr, "invalid character") ||
		strings.Contains(errStr, "unexpected end of JSON") {
		return "decode_error"
	}

	// The API answered but refused the operation
	if strings.Contains(errStr, "rejected") ||
		strings.Contains(errStr, "already") ||
		strings.Contains(errStr, "insufficient") {
		return "rejected"
	}

	return "unknown_error"
}
