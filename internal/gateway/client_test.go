package gateway_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forgeline/gwbridge/internal/gateway"
	"github.com/forgeline/gwbridge/internal/logging"
	"github.com/forgeline/gwbridge/internal/testutil"
)

//
// ───────────────────────────────────────────────
//   Helpers
// ───────────────────────────────────────────────
//

// newTestClient builds a client against ts with fast retries and no cache.
func newTestClient(t *testing.T, ts *httptest.Server, mutate func(*gateway.Config)) *gateway.Client {
	t.Helper()

	cfg := gateway.DefaultConfig()
	cfg.BaseURL = ts.URL
	cfg.CacheBackend = gateway.CacheNone
	cfg.RateRPS = 0 // unlimited, tests control timing themselves
	cfg.Retry = gateway.RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	client, err := gateway.New(cfg, gateway.NewStaticTokenStore("secret"), logging.NewNopLogger(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return client
}

//
// ───────────────────────────────────────────────
//   Headers and auth
// ───────────────────────────────────────────────
//

func TestExecuteAttachesCredentialAndIdempotencyKey(t *testing.T) {
	t.Parallel()

	var gotAuth, gotKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := newTestClient(t, ts, nil)
	_, err := client.Execute(context.Background(), &gateway.Request{
		Method:         http.MethodPost,
		Path:           "/modules",
		IdempotencyKey: "key-123",
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer secret")
	}
	if gotKey != "key-123" {
		t.Errorf("Idempotency-Key = %q, want %q", gotKey, "key-123")
	}
}

func TestExecuteEmptyCredentialFailsWithoutDispatch(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer ts.Close()

	cfg := gateway.DefaultConfig()
	cfg.BaseURL = ts.URL
	cfg.CacheBackend = gateway.CacheNone
	client, err := gateway.New(cfg, gateway.NewStaticTokenStore(""), logging.NewNopLogger(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	_, err = client.Execute(context.Background(), &gateway.Request{Method: http.MethodGet, Path: "/projects"})
	if !errors.Is(err, gateway.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if hits.Load() != 0 {
		t.Errorf("expected no dispatch with empty credential, server saw %d requests", hits.Load())
	}
}

func TestExecuteTokenStoreFailure(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer ts.Close()

	cfg := gateway.DefaultConfig()
	cfg.BaseURL = ts.URL
	tokens := &testutil.DummyTokenStore{Err: errors.New("credential backend unavailable")}
	client, err := gateway.New(cfg, tokens, logging.NewNopLogger(), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	_, err = client.Execute(context.Background(), &gateway.Request{Method: http.MethodGet, Path: "/projects"})
	if !errors.Is(err, gateway.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if tokens.Calls != 1 {
		t.Errorf("token store consulted %d times, want 1", tokens.Calls)
	}
	if hits.Load() != 0 {
		t.Errorf("server saw %d requests, want 0", hits.Load())
	}
}

func TestExecuteLogsWarningOnFailure(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	logger := &testutil.DummyLogger{}
	cfg := gateway.DefaultConfig()
	cfg.BaseURL = ts.URL
	client, err := gateway.New(cfg, gateway.NewStaticTokenStore("t"), logger, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	_, err = client.Execute(context.Background(), &gateway.Request{Method: http.MethodGet, Path: "/projects/x"})
	if !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(logger.Warns) == 0 {
		t.Error("failed request should emit a warning")
	}
}

//
// ───────────────────────────────────────────────
//   Retry behavior
// ───────────────────────────────────────────────
//

func TestExecuteRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := newTestClient(t, ts, nil)
	resp, err := client.Execute(context.Background(), &gateway.Request{Method: http.MethodGet, Path: "/projects"})
	if err != nil {
		t.Fatalf("Execute returned error after retries: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if hits.Load() != 3 {
		t.Errorf("server hits = %d, want 3", hits.Load())
	}
}

func TestExecuteGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	client := newTestClient(t, ts, nil)
	_, err := client.Execute(context.Background(), &gateway.Request{Method: http.MethodGet, Path: "/projects"})
	if !errors.Is(err, gateway.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}

	var apiErr *gateway.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", apiErr.Attempts)
	}
	if hits.Load() != 3 {
		t.Errorf("server hits = %d, want 3", hits.Load())
	}
}

func TestExecuteDoesNotRetryNonIdempotentPost(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := newTestClient(t, ts, nil)
	_, err := client.Execute(context.Background(), &gateway.Request{
		Method: http.MethodPost,
		Path:   "/modules",
		Body:   []byte("payload"),
	})
	if !errors.Is(err, gateway.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("non-idempotent POST dispatched %d times, want exactly 1", hits.Load())
	}
}

func TestExecuteDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"project not found"}`))
	}))
	defer ts.Close()

	client := newTestClient(t, ts, nil)
	_, err := client.Execute(context.Background(), &gateway.Request{Method: http.MethodGet, Path: "/projects/nope"})
	if !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("404 dispatched %d times, want exactly 1", hits.Load())
	}

	var apiErr *gateway.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Message != "project not found" {
		t.Errorf("Message = %q, want the gateway's error text", apiErr.Message)
	}
}

func TestExecuteHonorsRetryAfterHint(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := newTestClient(t, ts, nil)
	start := time.Now()
	_, err := client.Execute(context.Background(), &gateway.Request{Method: http.MethodGet, Path: "/tags"})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("retried after %v, expected to wait out the Retry-After hint", elapsed)
	}
	if hits.Load() != 2 {
		t.Errorf("server hits = %d, want 2", hits.Load())
	}
}

func TestExecuteRateLimitedWithoutHintIsNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := newTestClient(t, ts, nil)
	_, err := client.Execute(context.Background(), &gateway.Request{Method: http.MethodGet, Path: "/tags"})
	if !errors.Is(err, gateway.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("429 without hint dispatched %d times, want exactly 1", hits.Load())
	}
}

//
// ───────────────────────────────────────────────
//   Timeouts and streaming
// ───────────────────────────────────────────────
//

func TestExecuteTimesOutSlowGateway(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()

	client := newTestClient(t, ts, func(cfg *gateway.Config) {
		cfg.Retry.MaxAttempts = 1
	})
	_, err := client.Execute(context.Background(), &gateway.Request{
		Method:  http.MethodGet,
		Path:    "/projects",
		Timeout: 50 * time.Millisecond,
	})
	if !errors.Is(err, gateway.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestExecuteStreamingLeavesBodyOpen(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("zip bytes here"))
	}))
	defer ts.Close()

	client := newTestClient(t, ts, nil)
	resp, err := client.Execute(context.Background(), &gateway.Request{
		Method: http.MethodGet,
		Path:   "/projects/p/export",
		Stream: true,
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if resp.BodyStream == nil {
		t.Fatal("expected BodyStream on streaming response")
	}
	defer resp.BodyStream.Close()

	buf := make([]byte, 64)
	n, _ := resp.BodyStream.Read(buf)
	if string(buf[:n]) != "zip bytes here" {
		t.Errorf("stream read %q, want %q", buf[:n], "zip bytes here")
	}
}

//
// ───────────────────────────────────────────────
//   JSON helpers
// ───────────────────────────────────────────────
//

func TestGetJSONDecodesBody(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"waterworks","status":"Running"}`))
	}))
	defer ts.Close()

	client := newTestClient(t, ts, nil)
	var out struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	if err := client.GetJSON(context.Background(), "/projects/waterworks", &out); err != nil {
		t.Fatalf("GetJSON returned error: %v", err)
	}
	if out.Name != "waterworks" || out.Status != "Running" {
		t.Errorf("decoded %+v, want name and status populated", out)
	}
}

func TestPostJSONRoundTrip(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"name":"new"}`))
	}))
	defer ts.Close()

	client := newTestClient(t, ts, nil)
	var out struct {
		Name string `json:"name"`
	}
	err := client.PostJSON(context.Background(), "/projects", map[string]string{"name": "new"}, &out)
	if err != nil {
		t.Fatalf("PostJSON returned error: %v", err)
	}
	if out.Name != "new" {
		t.Errorf("decoded name = %q, want %q", out.Name, "new")
	}
}
