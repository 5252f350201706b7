package gateway

import (
	"io"
	"net/http"
	"net/url"
	"time"
)

// Request is a logical gateway request. Services build these; Execute turns
// them into HTTP, applies the credential, and classifies the outcome.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header

	// Body is a buffered payload, replayed freely across retries.
	Body []byte

	// BodyReader streams a large payload without buffering it. A streamed
	// request is only retried when GetBody can re-open the stream. When
	// GetBody is set it supplies every attempt, the first included, and
	// BodyReader should be left nil.
	BodyReader io.Reader
	GetBody    func() (io.ReadCloser, error)

	// ContentType, when set, overrides the Content-Type header.
	ContentType string

	// Stream asks Execute to hand back the raw response body instead of
	// buffering it. The caller owns closing Response.BodyStream.
	Stream bool

	// Idempotent marks the request as provably safe to repeat (upsert by
	// key, GET, idempotent DELETE). Only idempotent requests re-enter the
	// retry loop on transient failure.
	Idempotent bool

	// IdempotencyKey makes a non-idempotent request safe to repeat; it is
	// sent as the Idempotency-Key header and implies Idempotent.
	IdempotencyKey string

	// Timeout bounds this call when the caller's context has no deadline of
	// its own. Zero falls back to the client default.
	Timeout time.Duration
}

// Response is the classified result of a successful Execute.
type Response struct {
	StatusCode int
	Header     http.Header

	// Body is the buffered payload; empty when Stream was requested.
	Body []byte

	// BodyStream is set instead of Body for streaming requests. The caller
	// must close it.
	BodyStream io.ReadCloser

	FetchedAt time.Time
}

// ETag returns the response's version token with surrounding quotes trimmed,
// or "" when absent.
func (r *Response) ETag() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return trimETag(r.Header.Get("ETag"))
}

// NotModified reports a 304 revalidation response.
func (r *Response) NotModified() bool {
	return r != nil && r.StatusCode == http.StatusNotModified
}

func trimETag(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}
