// Package resource implements versioned access to project configuration
// artifacts (views, scripts, and similar opaque payloads) with optimistic
// concurrency on a per-key version token.
package resource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/forgeline/gwbridge/internal/gateway"
	"github.com/forgeline/gwbridge/internal/logging"
)

// Key identifies a resource: (project, resource type, path). Unique per key
// within a project; all parts are case-sensitive.
type Key struct {
	Project string
	Type    string
	Path    string
}

func (k Key) String() string {
	return k.Project + "/" + k.Type + "/" + k.Path
}

func (k Key) validate() error {
	if k.Project == "" || k.Type == "" || k.Path == "" {
		return fmt.Errorf("resource key requires project, type and path: %w", gateway.ErrValidation)
	}
	return nil
}

func (k Key) requestPath() string {
	return "/projects/" + k.Project + "/resources/" + k.Type + "/" + k.Path
}

func (k Key) cacheKey() string {
	return "resource:" + k.String()
}

// Resource is a fetched representation: opaque content plus its version
// token.
type Resource struct {
	Key       Key
	Content   []byte
	Version   string
	FetchedAt time.Time

	// FromCache marks a representation served without a network round-trip.
	FromCache bool
}

// PutResult reports the outcome of a successful write.
type PutResult struct {
	Key     Key
	Version string
}

// BatchItem is one (key, content) pair for PutBatch.
type BatchItem struct {
	Key     Key
	Content []byte
}

// BatchResult is the per-item outcome of a batch write.
type BatchResult struct {
	Key     Key
	Version string
	Err     error
}

// Service provides resource operations on top of the gateway client.
type Service struct {
	client *gateway.Client
	logger logging.Logger
}

// NewService creates a resource Service.
func NewService(client *gateway.Client, logger logging.Logger) *Service {
	return &Service{
		client: client,
		logger: logging.OrNop(logger).With(logging.Field{Key: "component", Value: "resource"}),
	}
}

// Get returns the resource at key. A fresh cache entry is served without a
// network call; otherwise a conditional GET carries the last known version
// token, and a not-modified response refreshes the cached entry instead of
// re-transferring the body.
func (s *Service) Get(ctx context.Context, key Key) (*Resource, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	cache := s.client.Cache()
	var cached *gateway.CacheEntry
	if cache != nil {
		if e, ok := cache.Get(key.cacheKey()); ok {
			if e.Fresh(time.Now()) {
				s.logger.Debug("cache hit", logging.Field{Key: "key", Value: key.String()})
				return &Resource{
					Key:       key,
					Content:   e.Body,
					Version:   e.Version,
					FetchedAt: e.StoredAt,
					FromCache: true,
				}, nil
			}
			cached = e
		}
	}

	req := &gateway.Request{
		Method:     http.MethodGet,
		Path:       key.requestPath(),
		Idempotent: true,
	}
	if cached != nil && cached.Version != "" {
		req.Header = http.Header{}
		req.Header.Set("If-None-Match", `"`+cached.Version+`"`)
	}

	resp, err := s.client.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.NotModified() && cached != nil {
		// Representation unchanged; refresh the entry's expiry.
		if cache != nil {
			cache.Put(key.cacheKey(), gateway.CacheEntry{
				Body:    cached.Body,
				Version: cached.Version,
			})
		}
		return &Resource{
			Key:       key,
			Content:   cached.Body,
			Version:   cached.Version,
			FetchedAt: resp.FetchedAt,
			FromCache: true,
		}, nil
	}

	res := &Resource{
		Key:       key,
		Content:   resp.Body,
		Version:   resp.ETag(),
		FetchedAt: resp.FetchedAt,
	}
	if cache != nil {
		cache.Put(key.cacheKey(), gateway.CacheEntry{
			Body:    res.Content,
			Version: res.Version,
		})
	}
	return res, nil
}

// PutOption configures a write.
type PutOption func(*putOptions)

type putOptions struct {
	expectedVersion string
	hasExpected     bool
}

// WithExpectedVersion conditions the write on the given version token. A
// stale token yields ErrVersionConflict and the caller must re-fetch and
// reapply. Conditional writes are never retried blindly.
func WithExpectedVersion(v string) PutOption {
	return func(o *putOptions) {
		o.expectedVersion = v
		o.hasExpected = true
	}
}

// Put creates or replaces the resource at key. Without options it is a pure
// upsert, safe to retry; with WithExpectedVersion it is conditional. On
// success the cache entry for the key is invalidated and the new version
// token returned.
func (s *Service) Put(ctx context.Context, key Key, content []byte, opts ...PutOption) (*PutResult, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}

	req := &gateway.Request{
		Method:      http.MethodPut,
		Path:        key.requestPath(),
		Body:        content,
		ContentType: "application/octet-stream",
		// Unconditional PUT is upsert-by-key: repeating it converges on the
		// same state, so it is safe to retry. A conditional PUT must not be
		// repeated after a transport failure since the first attempt may
		// have already advanced the version.
		Idempotent: !o.hasExpected,
	}
	if o.hasExpected {
		req.Header = http.Header{}
		req.Header.Set("If-Match", `"`+o.expectedVersion+`"`)
	}

	// Writes invalidate before dispatch so a racing Get cannot resurrect
	// the old representation.
	if cache := s.client.Cache(); cache != nil {
		cache.Invalidate(key.cacheKey())
	}

	resp, err := s.client.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("put resource",
		logging.Field{Key: "key", Value: key.String()},
		logging.Field{Key: "version", Value: resp.ETag()})
	return &PutResult{Key: key, Version: resp.ETag()}, nil
}

// Delete removes the resource at key. Deleting an absent key is success; the
// operation is idempotent and safe to retry.
func (s *Service) Delete(ctx context.Context, key Key) error {
	if err := key.validate(); err != nil {
		return err
	}

	if cache := s.client.Cache(); cache != nil {
		cache.Invalidate(key.cacheKey())
	}

	_, err := s.client.Execute(ctx, &gateway.Request{
		Method:     http.MethodDelete,
		Path:       key.requestPath(),
		Idempotent: true,
	})
	if err != nil && !errors.Is(err, gateway.ErrNotFound) {
		return err
	}
	return nil
}

// PutBatch applies the items in order, stopping at the first unrecoverable
// error. The returned slice always has one outcome per submitted item so the
// caller can see exactly which writes landed; items after a stop carry the
// batch-aborted error. A mix of successes and failures is reported as
// ErrPartialFailure.
func (s *Service) PutBatch(ctx context.Context, items []BatchItem) ([]BatchResult, error) {
	results := make([]BatchResult, len(items))
	succeeded := 0
	stopped := -1

	for i, it := range items {
		if stopped >= 0 {
			results[i] = BatchResult{Key: it.Key, Err: fmt.Errorf("batch stopped after item %d: %w", stopped, gateway.ErrPartialFailure)}
			continue
		}

		res, err := s.Put(ctx, it.Key, it.Content)
		if err != nil {
			results[i] = BatchResult{Key: it.Key, Err: err}
			if unrecoverable(err) {
				stopped = i
			}
			continue
		}
		results[i] = BatchResult{Key: it.Key, Version: res.Version}
		succeeded++
	}

	failed := len(items) - succeeded
	switch {
	case failed == 0:
		return results, nil
	case succeeded == 0 && len(items) > 0:
		return results, fmt.Errorf("all %d batch items failed: %w", failed, gateway.ErrPartialFailure)
	default:
		return results, fmt.Errorf("%d of %d batch items failed: %w", failed, len(items), gateway.ErrPartialFailure)
	}
}

// unrecoverable reports errors that make continuing the batch pointless:
// broken auth, exhausted retries, a dead gateway. Item-scoped failures
// (validation, missing project) let the rest of the batch proceed.
func unrecoverable(err error) bool {
	return errors.Is(err, gateway.ErrAuth) ||
		errors.Is(err, gateway.ErrTransient) ||
		errors.Is(err, gateway.ErrTimeout) ||
		errors.Is(err, gateway.ErrRateLimited)
}

// Diff renders a unified text diff between two content revisions, for
// inspecting what changed when a conditional write hits ErrVersionConflict.
func Diff(local, remote []byte) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(remote), string(local), false)
	dmp.DiffCleanupSemantic(diffs)
	return dmp.DiffPrettyText(diffs)
}
