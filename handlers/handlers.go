// Package handlers contains the concrete network backends implementing the
// request.Handler contract: StdHandler on net/http and CloakHandler on
// uTLS + HTTP/2 with browser fingerprint impersonation.
//
// The validation, proxy-selection, redirect and error-normalization logic is
// shared between backends; each handler contributes only the translation to
// its transport library.
package handlers

import (
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http/httpproxy"

	"github.com/snatchdl/snatch/impersonate"
	"github.com/snatchdl/snatch/keylog"
	"github.com/snatchdl/snatch/request"
)

// SupportedEncodings is the Accept-Encoding set both handlers advertise and
// transparently decode.
var SupportedEncodings = []string{"gzip", "deflate", "br", "zstd"}

// DefaultHeaders returns the baseline header block sent when the caller does
// not override a key and no impersonation preset supplies one.
func DefaultHeaders() *request.Headers {
	h := request.NewHeaders()
	h.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "en-us,en;q=0.5")
	h.Set("Sec-Fetch-Mode", "navigate")
	return h
}

type config struct {
	timeout      time.Duration
	maxRedirects int
	proxies      map[string]string
	jar          http.CookieJar
	logger       *slog.Logger
	verify       bool
	legacySSL    bool
	headers      *request.Headers
	keyLog       io.Writer
	sourceAddr   *net.TCPAddr
}

func newConfig(opts []Option) *config {
	cfg := &config{
		timeout:      20 * time.Second,
		maxRedirects: 10,
		logger:       slog.New(slog.DiscardHandler),
		verify:       true,
		headers:      DefaultHeaders(),
		keyLog:       keylog.Writer(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Option configures a handler at construction time.
type Option func(*config)

// WithTimeout sets the default deadline budget per request. The timeout
// extension overrides it per call.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRedirects caps the redirect chain length.
func WithMaxRedirects(n int) Option {
	return func(c *config) { c.maxRedirects = n }
}

// WithProxies sets the handler-level scheme -> proxy URL map. The proxies
// request extension overlays it per call.
func WithProxies(proxies map[string]string) Option {
	return func(c *config) { c.proxies = proxies }
}

// WithProxiesFromEnvironment loads the proxy map from HTTP_PROXY,
// HTTPS_PROXY, ALL_PROXY and NO_PROXY.
func WithProxiesFromEnvironment() Option {
	return func(c *config) {
		env := httpproxy.FromEnvironment()
		proxies := make(map[string]string)
		if env.HTTPProxy != "" {
			proxies["http"] = env.HTTPProxy
		}
		if env.HTTPSProxy != "" {
			proxies["https"] = env.HTTPSProxy
		}
		if env.NoProxy != "" {
			proxies["no"] = env.NoProxy
		}
		c.proxies = proxies
	}
}

// WithCookieJar sets the default cookie store used when a request carries no
// cookiejar extension.
func WithCookieJar(jar http.CookieJar) Option {
	return func(c *config) { c.jar = jar }
}

// WithLogger injects the logging sink. Handlers never touch global logger
// state.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithoutVerify disables TLS certificate verification.
func WithoutVerify() Option {
	return func(c *config) { c.verify = false }
}

// WithLegacySSL lowers the TLS floor by default, as if every request carried
// legacy_ssl.
func WithLegacySSL() Option {
	return func(c *config) { c.legacySSL = true }
}

// WithHeaders replaces the handler's default header block.
func WithHeaders(h *request.Headers) Option {
	return func(c *config) { c.headers = h.Clone() }
}

// WithKeyLog writes TLS session secrets to w in SSLKEYLOGFILE format,
// overriding the environment-driven default.
func WithKeyLog(w io.Writer) Option {
	return func(c *config) { c.keyLog = w }
}

// WithSourceAddress binds outgoing direct connections to a local IP.
func WithSourceAddress(ip string) Option {
	return func(c *config) {
		if parsed := net.ParseIP(ip); parsed != nil {
			c.sourceAddr = &net.TCPAddr{IP: parsed}
		}
	}
}

// mergedProxies overlays the request's proxy map on the handler's.
func (c *config) mergedProxies(req *request.Request) map[string]string {
	merged := make(map[string]string, len(c.proxies))
	for k, v := range c.proxies {
		merged[k] = v
	}
	if p, ok := req.Proxies(); ok {
		for k, v := range p {
			merged[k] = v
		}
	}
	return merged
}

func (c *config) requestTimeout(req *request.Request) time.Duration {
	if d, ok := req.Timeout(); ok {
		return d
	}
	return c.timeout
}

func (c *config) requestJar(req *request.Request) http.CookieJar {
	if jar, ok := req.CookieJar(); ok {
		return jar
	}
	return c.jar
}

func (c *config) requestLegacySSL(req *request.Request) bool {
	if v, ok := req.LegacySSL(); ok {
		return v
	}
	return c.legacySSL
}

// tlsConfig builds the TLS settings for one instance. legacy lowers the
// version floor for servers stuck on old stacks.
func (c *config) tlsConfig(legacy bool) *tls.Config {
	cfg := &tls.Config{
		InsecureSkipVerify: !c.verify,
		KeyLogWriter:       c.keyLog,
	}
	if legacy {
		cfg.MinVersion = tls.VersionTLS10
		cfg.CipherSuites = legacyCipherSuites()
		cfg.Renegotiation = tls.RenegotiateOnceAsClient
	}
	return cfg
}

func legacyCipherSuites() []uint16 {
	var ids []uint16
	for _, s := range tls.CipherSuites() {
		ids = append(ids, s.ID)
	}
	for _, s := range tls.InsecureCipherSuites() {
		ids = append(ids, s.ID)
	}
	return ids
}

// mergeHeaders layers caller headers over handler defaults (caller values
// win), then applies the impersonation policy: when a preset is active, the
// client-identifying headers are removed from the caller's set so the preset
// supplies consistent values, and the preset block fills anything the caller
// left unset.
func mergeHeaders(defaults, caller *request.Headers, preset map[string]string, impersonating bool) *request.Headers {
	merged := defaults.Clone()
	callerSet := caller.Clone()

	if impersonating {
		for _, blocked := range impersonate.BlockedHeaders() {
			callerSet.Del(blocked)
			merged.Del(blocked)
		}
		for k, v := range preset {
			merged.Set(k, v)
		}
	}

	merged.Update(callerSet)
	merged.Set("Accept-Encoding", strings.Join(SupportedEncodings, ", "))
	return merged
}

// redirectMethod applies the standard redirect method rewrite: 303 always
// becomes GET, 301/302 turn POST into GET, 307/308 preserve the method and
// body.
func redirectMethod(method string, status int) (newMethod string, keepBody bool) {
	switch status {
	case 301, 302:
		if method == http.MethodPost {
			return http.MethodGet, false
		}
		return method, true
	case 303:
		if method != http.MethodHead {
			return http.MethodGet, false
		}
		return method, true
	default: // 307, 308
		return method, true
	}
}

func isRedirectStatus(status int) bool {
	switch status {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

// instanceKey identifies one backend session: requests sharing a cookie jar
// (and SSL mode) share a connection pool, requests with distinct jars never
// share state.
type instanceKey struct {
	jar       http.CookieJar
	legacySSL bool
	variant   string
}

// instanceStore caches per-key backend sessions. getOrCreate is idempotent:
// two calls with the same key return the same instance, never a second
// leaked pool.
type instanceStore[T any] struct {
	mu sync.Mutex
	m  map[instanceKey]T
}

func (s *instanceStore[T]) getOrCreate(key instanceKey, create func() T) T {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[instanceKey]T)
	}
	if v, ok := s.m[key]; ok {
		return v
	}
	v := create()
	s.m[key] = v
	return v
}

func (s *instanceStore[T]) drain() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, 0, len(s.m))
	for _, v := range s.m {
		out = append(out, v)
	}
	s.m = nil
	return out
}
