package request

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/snatchdl/snatch/impersonate"
)

// Feature flags a handler may declare beyond its scheme sets.
type Feature int

const (
	// FeatureNoProxy means the handler honors a "no" proxy key (bypass list).
	FeatureNoProxy Feature = iota + 1
	// FeatureAllProxy means the handler honors an "all" proxy key.
	FeatureAllProxy
)

// Capabilities is a handler's static capability descriptor: plain data, one
// per handler, consulted by validation and by the registry. For
// impersonation-capable handlers the target slice is ordered by preference;
// the first supported target a requested target fits into wins.
type Capabilities struct {
	URLSchemes         []string
	ProxySchemes       []string
	Extensions         []string
	Features           []Feature
	ImpersonateTargets []impersonate.Target
}

// HasFeature reports whether f is declared.
func (c Capabilities) HasFeature(f Feature) bool {
	return slices.Contains(c.Features, f)
}

// Handler is one interchangeable network backend. Implementations translate
// a Request into calls on their transport library and normalize the outcome
// into the shared Response/error model.
//
// Validate must perform no I/O. Send may block for the full exchange; the
// context and the request's timeout extension bound it. Close releases
// pooled connections and must be safe even if nothing was ever sent.
type Handler interface {
	Name() string
	Capabilities() Capabilities
	Validate(req *Request) error
	Send(ctx context.Context, req *Request) (*Response, error)
	Close() error
}

// CheckCapabilities validates req against caps: URL scheme, proxy map,
// extension whitelist with type checks, and impersonation satisfiability.
// proxies is the merged proxy map the handler would use (its configured
// proxies overlaid with the request's). Returns *UnsupportedRequestError on
// any mismatch, before any network I/O.
func CheckCapabilities(caps Capabilities, req *Request, proxies map[string]string) error {
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return &Error{Msg: fmt.Sprintf("invalid URL %q", req.URL), Cause: err}
	}
	scheme := strings.ToLower(parsed.Scheme)
	if !slices.Contains(caps.URLSchemes, scheme) {
		return &UnsupportedRequestError{Reason: fmt.Sprintf("unsupported url scheme: %q", scheme)}
	}

	if err := checkProxies(caps, proxies); err != nil {
		return err
	}
	if err := checkExtensions(caps, req); err != nil {
		return err
	}
	return nil
}

func checkProxies(caps Capabilities, proxies map[string]string) error {
	for key, proxyURL := range proxies {
		switch key {
		case "no":
			if !caps.HasFeature(FeatureNoProxy) {
				return &UnsupportedRequestError{Reason: `"no" proxy is not supported`}
			}
			continue
		case "all":
			if !caps.HasFeature(FeatureAllProxy) {
				return &UnsupportedRequestError{Reason: `"all" proxy is not supported`}
			}
		default:
			if !slices.Contains(caps.URLSchemes, key) {
				return &UnsupportedRequestError{Reason: fmt.Sprintf("unsupported proxy target scheme: %q", key)}
			}
		}
		if proxyURL == "" {
			continue
		}
		raw := proxyURL
		// Bare host:port proxies are treated as HTTP. Such a value would
		// otherwise parse with the host as its scheme.
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		parsed, err := url.Parse(raw)
		if err != nil {
			return &Error{Msg: fmt.Sprintf("invalid proxy URL %q", proxyURL), Cause: err}
		}
		proxyScheme := strings.ToLower(parsed.Scheme)
		if !slices.Contains(caps.ProxySchemes, proxyScheme) {
			return &UnsupportedRequestError{Reason: fmt.Sprintf("unsupported proxy type: %q", proxyScheme)}
		}
	}
	return nil
}

func checkExtensions(caps Capabilities, req *Request) error {
	for key, value := range req.Extensions {
		if !slices.Contains(caps.Extensions, key) {
			return &UnsupportedRequestError{Reason: fmt.Sprintf("unsupported extension: %q", key)}
		}
		switch key {
		case ExtTimeout:
			if _, ok := value.(time.Duration); !ok {
				return &UnsupportedRequestError{Reason: "timeout extension must be a time.Duration"}
			}
		case ExtCookieJar:
			if _, ok := value.(http.CookieJar); !ok {
				return &UnsupportedRequestError{Reason: "cookiejar extension must implement http.CookieJar"}
			}
		case ExtProxies:
			if _, ok := value.(map[string]string); !ok {
				return &UnsupportedRequestError{Reason: "proxies extension must be a map[string]string"}
			}
		case ExtLegacySSL:
			if _, ok := value.(bool); !ok {
				return &UnsupportedRequestError{Reason: "legacy_ssl extension must be a bool"}
			}
		case ExtImpersonate:
			target, ok := value.(*impersonate.Target)
			if !ok {
				return &UnsupportedRequestError{Reason: "impersonate extension must be a *impersonate.Target"}
			}
			if target == nil {
				continue
			}
			if len(caps.ImpersonateTargets) == 0 {
				return &UnsupportedRequestError{Reason: "impersonation is not supported"}
			}
			if _, found := impersonate.Resolve(*target, caps.ImpersonateTargets); !found {
				return &UnsupportedRequestError{Reason: fmt.Sprintf("unsupported impersonate target: %q", target.String())}
			}
		}
	}
	return nil
}
