// Package request defines the transport-independent request/response model,
// the closed error taxonomy, and the handler registry that together form the
// boundary between site extractors and the interchangeable network backends.
//
// Callers build a Request, hand it to a Registry, and get back a Response or
// one of the package's error kinds, no matter which backend carried it.
package request

import (
	"net/http"
	"time"

	"github.com/snatchdl/snatch/impersonate"
)

// Recognized extension keys. A request carrying any other key is rejected by
// every handler before network I/O.
const (
	ExtTimeout     = "timeout"     // time.Duration
	ExtCookieJar   = "cookiejar"   // http.CookieJar
	ExtProxies     = "proxies"     // map[string]string, scheme -> proxy URL
	ExtImpersonate = "impersonate" // *impersonate.Target
	ExtLegacySSL   = "legacy_ssl"  // bool
)

// Request describes one outbound HTTP(S) exchange. It is a value object:
// once dispatched to a handler it must not be mutated, by the caller or the
// handler. Handlers clone whatever they need to change.
type Request struct {
	Method     string
	URL        string
	Headers    *Headers
	Body       []byte
	Extensions map[string]any
}

// New builds a GET request for url with empty headers.
func New(url string) *Request {
	return &Request{
		Method:  http.MethodGet,
		URL:     url,
		Headers: NewHeaders(),
	}
}

// Clone returns a deep copy of the request. Extension values themselves are
// shared (a cookie jar is deliberately the same jar), the maps are not.
func (r *Request) Clone() *Request {
	cp := &Request{
		Method:  r.Method,
		URL:     r.URL,
		Headers: r.Headers.Clone(),
	}
	if r.Body != nil {
		cp.Body = make([]byte, len(r.Body))
		copy(cp.Body, r.Body)
	}
	if r.Extensions != nil {
		cp.Extensions = make(map[string]any, len(r.Extensions))
		for k, v := range r.Extensions {
			cp.Extensions[k] = v
		}
	}
	return cp
}

// SetExtension sets an extension value, allocating the map on first use.
func (r *Request) SetExtension(key string, value any) {
	if r.Extensions == nil {
		r.Extensions = make(map[string]any)
	}
	r.Extensions[key] = value
}

// Timeout returns the timeout extension if set and well-typed.
func (r *Request) Timeout() (time.Duration, bool) {
	d, ok := r.Extensions[ExtTimeout].(time.Duration)
	return d, ok
}

// CookieJar returns the cookiejar extension if set and well-typed.
func (r *Request) CookieJar() (http.CookieJar, bool) {
	j, ok := r.Extensions[ExtCookieJar].(http.CookieJar)
	return j, ok
}

// Proxies returns the proxies extension if set and well-typed.
func (r *Request) Proxies() (map[string]string, bool) {
	p, ok := r.Extensions[ExtProxies].(map[string]string)
	return p, ok
}

// Impersonate returns the impersonate extension if set and well-typed. A nil
// target pointer means impersonation was not requested; a pointer to a zero
// Target is a wildcard request for any supported fingerprint.
func (r *Request) Impersonate() (*impersonate.Target, bool) {
	t, ok := r.Extensions[ExtImpersonate].(*impersonate.Target)
	return t, ok && t != nil
}

// LegacySSL returns the legacy_ssl extension if set and well-typed.
func (r *Request) LegacySSL() (bool, bool) {
	v, ok := r.Extensions[ExtLegacySSL].(bool)
	return v, ok
}
