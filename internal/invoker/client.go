// Package invoker calls the JSON backends (identity and incidents) through a
// per-backend HTTP client with a circuit breaker and a retry policy.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/config"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/observability"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/model"
)

// maxResponseBytes caps how much of a backend response is read.
const maxResponseBytes = 10 << 20

// Request describes one call to a backend.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Token is sent as a bearer token when set.
	Token  string
	Header http.Header
	// Body is encoded as JSON when non-nil.
	Body any
}

// Response is a backend reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the backend answered with a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("invoker: empty response body (status %d)", r.StatusCode)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("invoker: decode response: %w", err)
	}
	return nil
}

// Options configures a Client.
type Options struct {
	// Name identifies the backend in logs.
	Name           string
	BaseURL        string
	Timeout        time.Duration
	CircuitBreaker config.CircuitBreakerConfig
	Retry          config.RetryConfig
	Logger         *zap.Logger
	// Transport replaces the default HTTP transport.
	Transport http.RoundTripper
}

// Client performs JSON calls against one backend.
type Client struct {
	name    string
	baseURL string
	client  *http.Client
	breaker *CircuitBreaker
	retry   config.RetryConfig
	logger  *zap.Logger
}

// NewClient creates a Client.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        100,
			MaxConnsPerHost:     50,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		name:    opts.Name,
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout, Transport: transport},
		breaker: NewCircuitBreaker(opts.CircuitBreaker),
		retry:   opts.Retry,
		logger:  logger.With(zap.String("backend", opts.Name)),
	}
}

// Breaker returns the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// HealthCheck reports an error while the circuit breaker is open.
func (c *Client) HealthCheck(context.Context) error {
	if c.breaker.State() == BreakerOpen {
		return fmt.Errorf("%s: %w", c.name, ErrBreakerOpen)
	}
	return nil
}

// Do sends req and returns the backend's response. Non-2xx responses are
// returned, not converted to errors. Transport failures and an open breaker
// yield BACKEND_UNAVAILABLE or BACKEND_TIMEOUT envelopes. Idempotent methods
// and requests carrying an Idempotency-Key header are retried on 5xx answers
// and on timeouts or refused connections. An open breaker or a cancelled
// context ends the call at once.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		if body, err = json.Marshal(req.Body); err != nil {
			return nil, fmt.Errorf("invoker: marshal body: %w", err)
		}
	}

	canRetry := isIdempotentMethod(req.Method) || req.Header.Get("Idempotency-Key") != ""
	attempts := max(c.retry.MaxAttempts, 1)

	var lastErr error
	var lastResp *Response
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, model.NewBackendTimeoutError()
			case <-time.After(calculateBackoff(c.retry, attempt)):
			}
		}

		resp, err := c.executeOnce(ctx, req, body)
		if ce := c.logger.Check(zap.DebugLevel, "backend call"); ce != nil {
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("path", req.Path),
				zap.Any("body", redactedBody(body)),
			}
			if resp != nil {
				fields = append(fields, zap.Int("status", resp.StatusCode))
			}
			ce.Write(append(fields, zap.Error(err))...)
		}
		if err != nil {
			lastErr = err
			if !canRetry || !isRetryableError(err) {
				return nil, finalError(err)
			}
			c.logger.Debug("retrying after error",
				zap.Int("attempt", attempt+1),
				zap.Int("max", attempts),
				zap.Error(err),
			)
			continue
		}

		if isRetryableStatus(resp.StatusCode) && canRetry && attempt < attempts-1 {
			lastResp = resp
			c.logger.Debug("retrying after status",
				zap.Int("attempt", attempt+1),
				zap.Int("max", attempts),
				zap.Int("status", resp.StatusCode),
			)
			continue
		}
		return resp, nil
	}

	if lastErr != nil {
		return nil, finalError(lastErr)
	}
	return lastResp, nil
}

func (c *Client) executeOnce(ctx context.Context, req Request, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, c.buildURL(req), reader)
	if err != nil {
		return nil, fmt.Errorf("invoker: build request: %w", err)
	}
	hreq.Header = c.buildHeaders(ctx, req, body != nil)

	if err := c.breaker.Allow(); err != nil {
		return nil, model.NewBackendUnavailableError()
	}

	resp, err := c.client.Do(hreq)
	if err != nil {
		c.breaker.RecordFailure()
		switch {
		case ctx.Err() != nil:
			return nil, model.NewBackendTimeoutError()
		case isTimeout(err):
			return nil, &transientError{err: model.NewBackendTimeoutError()}
		case isConnectionError(err):
			return nil, &transientError{err: model.NewBackendUnavailableError()}
		}
		return nil, fmt.Errorf("invoker: %s request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("invoker: read response: %w", err)
	}

	// 4xx answers are the caller's problem, not the backend's.
	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

// redactedBody decodes a JSON object body for debug logging with credentials
// masked. Bodies that are not objects are omitted.
func redactedBody(body []byte) map[string]any {
	if len(body) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil
	}
	return observability.RedactBody(m, nil)
}

func (c *Client) buildURL(req Request) string {
	u := c.baseURL + "/" + strings.TrimPrefix(req.Path, "/")
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}
	return u
}

func (c *Client) buildHeaders(ctx context.Context, req Request, hasBody bool) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	if hasBody {
		h.Set("Content-Type", "application/json")
	}
	if req.Token != "" {
		h.Set("Authorization", "Bearer "+sanitizeHeader(req.Token))
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.CorrelationID != "" {
		h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			h.Add(sanitizeHeader(k), sanitizeHeader(v))
		}
	}
	observability.InjectTraceHeaders(ctx, h)
	return h
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// transientError marks a failed attempt that may succeed when repeated.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// isRetryableError reports whether err may succeed on retry. Timeouts and
// refused connections are transient; other envelope errors, such as an open
// breaker, are final.
func isRetryableError(err error) bool {
	if _, ok := err.(*transientError); ok {
		return true
	}
	_, ok := model.AsEnvelope(err)
	return !ok
}

// finalError strips the transient marker before an error leaves the client.
func finalError(err error) error {
	if te, ok := err.(*transientError); ok {
		return te.err
	}
	return err
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return delay
}
