package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/config"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/model"
)

func newTestClient(t *testing.T, h http.HandlerFunc, retry config.RetryConfig) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	retry.BackoffInitial = time.Millisecond
	return NewClient(Options{
		Name:           "identity",
		BaseURL:        srv.URL + "/",
		Timeout:        time.Second,
		CircuitBreaker: config.CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Minute},
		Retry:          retry,
	})
}

func TestClient_Do_sends_json(t *testing.T) {
	var got struct {
		method, path, query, auth, contentType, correlation, idem string
		body                                                     map[string]any
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got.method, got.path, got.query = r.Method, r.URL.Path, r.URL.RawQuery
		got.auth = r.Header.Get("Authorization")
		got.contentType = r.Header.Get("Content-Type")
		got.correlation = r.Header.Get("X-Correlation-Id")
		got.idem = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got.body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"inc_1"}`))
	}, config.RetryConfig{})

	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{ClientID: "c1", CorrelationID: "corr-1"})
	resp, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/api/incidents",
		Query:  url.Values{"draft": {"false"}},
		Token:  "tok\r\nX-Evil: 1",
		Header: http.Header{"Idempotency-Key": {"idem:1"}},
		Body:   map[string]any{"reporter_name": "Sam"},
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !resp.OK() || resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var out struct{ ID string }
	if err := resp.Decode(&out); err != nil || out.ID != "inc_1" {
		t.Errorf("Decode() = %+v, %v", out, err)
	}

	if got.method != http.MethodPost || got.path != "/api/incidents" || got.query != "draft=false" {
		t.Errorf("request line = %s %s?%s", got.method, got.path, got.query)
	}
	if got.auth != "Bearer tokX-Evil: 1" {
		t.Errorf("Authorization = %q", got.auth)
	}
	if got.contentType != "application/json" || got.correlation != "corr-1" || got.idem != "idem:1" {
		t.Errorf("headers = %q %q %q", got.contentType, got.correlation, got.idem)
	}
	if got.body["reporter_name"] != "Sam" {
		t.Errorf("body = %v", got.body)
	}
}

func TestClient_Do_returns_client_errors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, config.RetryConfig{MaxAttempts: 3})

	for i := 0; i < 5; i++ {
		resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "me"})
		if err != nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("Do() = %v, %v", resp, err)
		}
	}
	if s := c.Breaker().State(); s != BreakerClosed {
		t.Errorf("breaker = %v, 4xx must not trip it", s)
	}
}

func TestClient_Do_retries_idempotent_requests(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}, config.RetryConfig{MaxAttempts: 3})

	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/me"})
	if err != nil || !resp.OK() {
		t.Fatalf("Do() = %v, %v", resp, err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestClient_Do_does_not_retry_plain_posts(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, config.RetryConfig{MaxAttempts: 3})

	resp, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/login", Body: map[string]string{}})
	if err != nil || resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("Do() = %v, %v", resp, err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

// refusingTransport refuses the first failures connections, then answers 200.
type refusingTransport struct {
	failures int32
	calls    atomic.Int32
}

func (rt *refusingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if rt.calls.Add(1) <= rt.failures {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(`{}`)),
		Request:    r,
	}, nil
}

func TestClient_Do_retries_refused_connections(t *testing.T) {
	tests := []struct {
		name      string
		req       Request
		wantCalls int32
		wantErr   bool
	}{
		{
			name:      "idempotent method",
			req:       Request{Method: http.MethodGet, Path: "/me"},
			wantCalls: 2,
		},
		{
			name:      "post with idempotency key",
			req:       Request{Method: http.MethodPost, Path: "/api/incidents", Header: http.Header{"Idempotency-Key": {"idem:1"}}},
			wantCalls: 2,
		},
		{
			name:      "plain post",
			req:       Request{Method: http.MethodPost, Path: "/login"},
			wantCalls: 1,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &refusingTransport{failures: 1}
			c := NewClient(Options{
				Name:           "identity",
				BaseURL:        "http://identity.test",
				CircuitBreaker: config.CircuitBreakerConfig{FailureThreshold: 5, Timeout: time.Minute},
				Retry:          config.RetryConfig{MaxAttempts: 3, BackoffInitial: time.Millisecond},
				Transport:      rt,
			})

			resp, err := c.Do(context.Background(), tt.req)
			if tt.wantErr {
				if !model.HasCode(err, model.ErrBackendUnavailable) {
					t.Errorf("Do() error = %v, want BACKEND_UNAVAILABLE", err)
				}
				if _, ok := err.(*model.ErrorEnvelope); !ok {
					t.Errorf("Do() error type = %T, want *model.ErrorEnvelope", err)
				}
			} else if err != nil || !resp.OK() {
				t.Errorf("Do() = %v, %v", resp, err)
			}
			if got := rt.calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestClient_breaker_opens_on_server_errors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, config.RetryConfig{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/me"}); err != nil {
			t.Fatalf("Do() error = %v", err)
		}
	}
	_, err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/me"})
	if !model.HasCode(err, model.ErrBackendUnavailable) {
		t.Errorf("Do() error = %v, want BACKEND_UNAVAILABLE", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, the open breaker must short-circuit", calls.Load())
	}
	if err := c.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() = nil with an open breaker")
	}
}

func TestClient_Do_timeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}, config.RetryConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/me"})
	if !model.HasCode(err, model.ErrBackendTimeout) {
		t.Errorf("Do() error = %v, want BACKEND_TIMEOUT", err)
	}
}

func TestClient_Do_debug_log_redacts_credentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	core, logs := observer.New(zap.DebugLevel)
	c := NewClient(Options{Name: "identity", BaseURL: srv.URL, Logger: zap.New(core)})

	_, err := c.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/auth/login",
		Body:   map[string]any{"email": "sam@example.com", "password": "hunter2"},
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	entries := logs.FilterMessage("backend call").All()
	if len(entries) != 1 {
		t.Fatalf("got %d backend call entries, want 1", len(entries))
	}
	body, ok := entries[0].ContextMap()["body"].(map[string]any)
	if !ok {
		t.Fatalf("body field = %#v", entries[0].ContextMap()["body"])
	}
	if body["password"] != "[REDACTED]" || body["email"] != "sam@example.com" {
		t.Errorf("logged body = %v", body)
	}
}

func TestCalculateBackoff(t *testing.T) {
	cfg := config.RetryConfig{BackoffInitial: 100 * time.Millisecond, BackoffMultiplier: 2, BackoffMax: 300 * time.Millisecond}
	for attempt, want := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 300 * time.Millisecond,
		6: 300 * time.Millisecond,
	} {
		if got := calculateBackoff(cfg, attempt); got != want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}
