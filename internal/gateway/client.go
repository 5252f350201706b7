package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/forgeline/gwbridge/internal/logging"
	"github.com/forgeline/gwbridge/internal/utils"
)

// maxErrorBody caps how much of an error response body is read for the
// message.
const maxErrorBody = 8 << 10

// Client executes logical requests against the gateway: it attaches the
// current credential, applies rate-limit admission, retries transient
// failures per the configured policy, and classifies every response onto the
// error taxonomy. A single Client is safe for concurrent use.
type Client struct {
	baseURL string
	httpc   *http.Client
	tokens  TokenStore
	limiter *RateLimiter
	cache   Cache
	retry   RetryPolicy
	timeout time.Duration
	logger  logging.Logger
}

// New constructs a Client. httpClient may be nil, in which case a default
// client with the configured timeout is used. tokens must not be nil.
func New(cfg Config, tokens TokenStore, logger logging.Logger, httpClient *http.Client) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("gateway: token store is required")
	}

	base, err := utils.CanonicalizeBaseURL(cfg.BaseURL, utils.CanonicalizeOptions{
		DefaultScheme:      "https",
		StripTrailingSlash: true,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: invalid base url %q: %w", cfg.BaseURL, err)
	}

	componentLogger := logging.OrNop(logger).With(logging.Field{Key: "component", Value: "gateway"})

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	cache, err := buildCache(cfg, componentLogger)
	if err != nil {
		return nil, err
	}

	componentLogger.Info("created gateway client",
		logging.Field{Key: "base_url", Value: base},
		logging.Field{Key: "max_attempts", Value: cfg.Retry.attempts()},
		logging.Field{Key: "rate_rps", Value: cfg.RateRPS})

	return &Client{
		baseURL: base,
		httpc:   httpClient,
		tokens:  tokens,
		limiter: NewRateLimiter(cfg.RateRPS, cfg.RateBurst),
		cache:   cache,
		retry:   cfg.Retry,
		timeout: timeout,
		logger:  componentLogger,
	}, nil
}

func buildCache(cfg Config, logger logging.Logger) (Cache, error) {
	switch cfg.CacheBackend {
	case CacheMemory, "":
		return NewMemoryCache(cfg.CacheTTL), nil
	case CacheRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("gateway: redis cache backend requires redis_addr")
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return NewRedisCache(rdb, "gwbridge:cache", cfg.CacheTTL, logger), nil
	case CacheNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("gateway: unknown cache backend %q", cfg.CacheBackend)
	}
}

// BaseURL returns the canonical gateway root.
func (c *Client) BaseURL() string { return c.baseURL }

// Cache returns the request cache, or nil when caching is disabled. Services
// consult it for conditional GETs and invalidate entries on writes.
func (c *Client) Cache() Cache { return c.cache }

// AuthHeader returns the credential header for side channels that bypass
// Execute, such as the websocket progress stream.
func (c *Client) AuthHeader(ctx context.Context) (http.Header, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, &APIError{Kind: ErrAuth, Message: err.Error()}
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

// Execute runs a logical request and returns the classified response. All
// transport concerns (auth header, admission, retry, backoff, Retry-After)
// are handled here; services only interpret the typed result.
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, &APIError{Kind: ErrValidation, Message: "nil request"}
	}
	if req.Method == "" || req.Path == "" {
		return nil, &APIError{Kind: ErrValidation, Message: "request requires method and path"}
	}

	// Every call carries a deadline: the caller's, the request's, or the
	// client default.
	if _, ok := ctx.Deadline(); !ok {
		timeout := req.Timeout
		if timeout <= 0 {
			timeout = c.timeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, ErrAuth) {
			return nil, &APIError{Kind: ErrAuth, Message: err.Error(), Attempts: 0}
		}
		return nil, &APIError{Kind: ErrAuth, Message: fmt.Sprintf("token store: %v", err)}
	}

	retryable := req.Idempotent || req.IdempotencyKey != "" ||
		req.Method == http.MethodGet || req.Method == http.MethodHead

	// A one-shot streamed body cannot be replayed.
	if req.BodyReader != nil && req.GetBody == nil {
		retryable = false
	}

	bo := c.retry.newBackOff()
	maxAttempts := c.retry.attempts()

	var lastErr *APIError
	attemptsMade := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleepBeforeRetry(ctx, bo, lastErr); err != nil {
				break
			}
			c.logger.Debug("retrying request",
				logging.Field{Key: "method", Value: req.Method},
				logging.Field{Key: "path", Value: req.Path},
				logging.Field{Key: "attempt", Value: attempt})
		}

		attemptsMade = attempt
		resp, aerr := c.attempt(ctx, req, token)
		if aerr == nil {
			return resp, nil
		}
		lastErr = aerr

		if !retryable || !c.canRetry(aerr) {
			break
		}
	}

	lastErr.Attempts = attemptsMade
	c.logger.Warn("request failed",
		logging.Field{Key: "method", Value: req.Method},
		logging.Field{Key: "path", Value: req.Path},
		logging.Field{Key: "error", Value: lastErr.Error()})
	return nil, lastErr
}

// canRetry reports whether the failure class re-enters the retry loop.
// Transient always does; 429 only when the gateway supplied a usable hint.
func (c *Client) canRetry(err *APIError) bool {
	if errors.Is(err, ErrTransient) {
		return true
	}
	return errors.Is(err, ErrRateLimited) && err.RetryAfter > 0
}

// sleepBeforeRetry waits out the backoff delay, preferring the gateway's
// Retry-After hint when it is longer. A delay that cannot complete before
// the deadline fails immediately so the slot is not wasted waiting.
func (c *Client) sleepBeforeRetry(ctx context.Context, bo backoff.BackOff, lastErr *APIError) error {
	delay := bo.NextBackOff()
	if delay == backoff.Stop {
		return fmt.Errorf("retry budget exhausted")
	}
	if lastErr != nil && lastErr.RetryAfter > delay {
		delay = lastErr.RetryAfter
	}
	if deadline, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(deadline) {
		return fmt.Errorf("no time left for retry")
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attempt performs a single dispatch: admission, HTTP round-trip,
// classification.
func (c *Client) attempt(ctx context.Context, req *Request, token string) (*Response, *APIError) {
	if err := c.limiter.Acquire(ctx); err != nil {
		if errors.Is(err, ErrRateLimited) {
			return nil, &APIError{Kind: ErrRateLimited, Message: err.Error()}
		}
		return nil, &APIError{Kind: ErrTransient, Message: err.Error()}
	}

	body, err := c.requestBody(req)
	if err != nil {
		return nil, &APIError{Kind: ErrValidation, Message: fmt.Sprintf("request body: %v", err)}
	}

	u := utils.JoinPath(c.baseURL, req.Path)
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, &APIError{Kind: ErrValidation, Message: fmt.Sprintf("create request: %v", err)}
	}

	if req.Header != nil {
		for k, vs := range req.Header {
			for _, v := range vs {
				httpReq.Header.Add(k, v)
			}
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	c.logger.Debug("sending request",
		logging.Field{Key: "method", Value: req.Method},
		logging.Field{Key: "path", Value: req.Path})

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, &APIError{Kind: ErrTimeout, Message: "request deadline exceeded"}
			}
			return nil, &APIError{Kind: ErrTransient, Message: ctxErr.Error()}
		}
		return nil, &APIError{Kind: ErrTransient, Message: err.Error()}
	}

	if kind := classifyStatus(resp.StatusCode); kind != nil {
		defer resp.Body.Close()
		apiErr := &APIError{
			Kind:       kind,
			StatusCode: resp.StatusCode,
			Message:    readErrorMessage(resp.Body),
		}
		if kind == ErrRateLimited {
			apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return nil, apiErr
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		FetchedAt:  time.Now(),
	}

	if req.Stream {
		out.BodyStream = resp.Body
		return out, nil
	}

	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Kind: ErrTransient, Message: fmt.Sprintf("read body: %v", err)}
	}
	out.Body = data
	return out, nil
}

// requestBody yields a fresh reader for this attempt.
func (c *Client) requestBody(req *Request) (io.Reader, error) {
	switch {
	case req.GetBody != nil:
		return req.GetBody()
	case len(req.Body) > 0:
		return bytes.NewReader(req.Body), nil
	case req.BodyReader != nil:
		return req.BodyReader, nil
	default:
		return nil, nil
	}
}

// readErrorMessage extracts the gateway's error text from a failure body.
// The body is JSON {"error": "..."} on this surface; anything else is used
// verbatim, truncated.
func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(data))
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// GetJSON is a convenience wrapper: GET path, decode the body into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	resp, err := c.Execute(ctx, &Request{Method: http.MethodGet, Path: path, Idempotent: true})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &APIError{Kind: ErrValidation, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

// PostJSON POSTs v as JSON and decodes the response into out when non-nil.
func (c *Client) PostJSON(ctx context.Context, path string, v any, out any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return &APIError{Kind: ErrValidation, Message: fmt.Sprintf("encode request: %v", err)}
	}
	resp, err := c.Execute(ctx, &Request{
		Method:      http.MethodPost,
		Path:        path,
		Body:        body,
		ContentType: "application/json",
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &APIError{Kind: ErrValidation, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}
