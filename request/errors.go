package request

import (
	"errors"
	"fmt"
	"strings"
)

// The error kinds below form a closed set: a handler catches everything its
// backend library can raise and re-raises exactly one of these, keeping the
// original as the wrapped cause. Backend-native error types never cross the
// handler boundary.

// Error is the base request failure. It also serves directly as the
// miscellaneous kind for request-construction problems (malformed URL and
// the like) that fit no more specific classification.
type Error struct {
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Cause != nil:
		return e.Msg + ": " + e.Cause.Error()
	case e.Msg != "":
		return e.Msg
	case e.Cause != nil:
		return e.Cause.Error()
	default:
		return "request error"
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// UnsupportedRequestError means a handler cannot service the request's
// scheme, proxy scheme or extensions. It is raised during validation, before
// any network I/O, and never represents a network-level failure. The
// registry uses it to skip a handler during selection; it reaches the caller
// only when every registered handler was excluded.
type UnsupportedRequestError struct {
	Reason string
}

func (e *UnsupportedRequestError) Error() string {
	return "unsupported request: " + e.Reason
}

// TransportError is the catch-all for connection-level failures: DNS,
// refused, reset, timeouts.
type TransportError struct {
	Msg   string
	Cause error
}

func (e *TransportError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = "transport error"
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Cause }

// SSLError is a TLS handshake failure.
type SSLError struct {
	Cause error
}

func (e *SSLError) Error() string {
	if e.Cause != nil {
		return "SSL error: " + e.Cause.Error()
	}
	return "SSL error"
}

func (e *SSLError) Unwrap() error { return e.Cause }

// CertificateVerifyError is the specific TLS failure where verification of
// the peer certificate chain failed.
type CertificateVerifyError struct {
	Cause error
}

func (e *CertificateVerifyError) Error() string {
	if e.Cause != nil {
		return "certificate verify failed: " + e.Cause.Error()
	}
	return "certificate verify failed"
}

func (e *CertificateVerifyError) Unwrap() error { return e.Cause }

// ProxyError is a failure establishing or talking through a configured HTTP
// or SOCKS proxy.
type ProxyError struct {
	Cause error
}

func (e *ProxyError) Error() string {
	if e.Cause != nil {
		return "proxy error: " + e.Cause.Error()
	}
	return "proxy error"
}

func (e *ProxyError) Unwrap() error { return e.Cause }

// IncompleteReadError means the response body ended before the declared
// length. Expected is -1 when the declared length is unknown.
type IncompleteReadError struct {
	Partial  int64
	Expected int64
	Cause    error
}

func (e *IncompleteReadError) Error() string {
	if e.Expected >= 0 {
		return fmt.Sprintf("%d bytes read, %d more expected", e.Partial, e.Expected-e.Partial)
	}
	return fmt.Sprintf("%d bytes read, expected more", e.Partial)
}

func (e *IncompleteReadError) Unwrap() error { return e.Cause }

// HTTPError is a final status outside [200, 300). It wraps the full Response
// so callers can still inspect the headers and body of the error page.
// RedirectLoop is set when the status is the last hop of an exhausted
// redirect chain.
type HTTPError struct {
	Response     *Response
	RedirectLoop bool
}

func (e *HTTPError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP Error %d", e.Response.Status)
	if e.Response.Reason != "" {
		b.WriteString(": " + e.Response.Reason)
	}
	if e.RedirectLoop {
		b.WriteString(" (redirect loop)")
	}
	return b.String()
}

// Close releases the wrapped response body.
func (e *HTTPError) Close() error {
	return e.Response.Close()
}

// IsRequestError reports whether err already belongs to the closed error set
// above. Handlers use it to avoid double-wrapping during normalization.
func IsRequestError(err error) bool {
	var (
		base        *Error
		unsupported *UnsupportedRequestError
		transport   *TransportError
		ssl         *SSLError
		cert        *CertificateVerifyError
		proxy       *ProxyError
		incomplete  *IncompleteReadError
		status      *HTTPError
	)
	return errors.As(err, &base) ||
		errors.As(err, &unsupported) ||
		errors.As(err, &transport) ||
		errors.As(err, &ssl) ||
		errors.As(err, &cert) ||
		errors.As(err, &proxy) ||
		errors.As(err, &incomplete) ||
		errors.As(err, &status)
}
