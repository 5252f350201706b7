// Package utils holds small URL helpers shared by the gateway client and the
// simulated gateway.
package utils

import (
	"errors"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

var (
	ErrEmptyURL    = errors.New("empty url")
	ErrMissingHost = errors.New("missing host")
)

// CanonicalizeOptions controls optional base-URL canonicalization policies.
type CanonicalizeOptions struct {
	DefaultScheme      string // if empty, require scheme in input; otherwise assume this scheme for schemeless URLs
	StripTrailingSlash bool   // treat /a and /a/ the same by removing trailing slash
}

// CanonicalizeBaseURL returns a deterministic canonical form of a gateway base
// URL or an error. Unicode hostnames are converted to their ASCII (punycode)
// form so the same gateway never appears under two spellings, default ports
// are dropped, and fragments/queries are rejected since a base URL carries
// neither.
func CanonicalizeBaseURL(raw string, opts CanonicalizeOptions) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &url.Error{Op: "parse", URL: raw, Err: ErrEmptyURL}
	}

	// If a default scheme is configured and the input has none, prepend it.
	if opts.DefaultScheme != "" && !strings.Contains(raw, "://") {
		raw = opts.DefaultScheme + "://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", &url.Error{Op: "parse", URL: raw, Err: ErrMissingHost}
	}
	if u.Fragment != "" || u.RawQuery != "" {
		return "", &url.Error{Op: "parse", URL: raw, Err: errors.New("base url must not carry query or fragment")}
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	// IDN hosts to punycode so equality checks are byte equality.
	host := u.Hostname()
	if ascii, err := idna.Lookup.ToASCII(host); err == nil && ascii != host {
		if port := u.Port(); port != "" {
			u.Host = ascii + ":" + port
		} else {
			u.Host = ascii
		}
	}

	// Drop default ports.
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host, _, _ = strings.Cut(u.Host, ":")
	}

	if opts.StripTrailingSlash {
		u.Path = strings.TrimRight(u.Path, "/")
	}

	return u.String(), nil
}

// JoinPath resolves a request path against a canonical base URL. The path is
// kept as given (resource paths are case-sensitive on the gateway).
func JoinPath(base, p string) string {
	if p == "" {
		return base
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(base, "/") + p
}
