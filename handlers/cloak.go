package handlers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"

	"github.com/snatchdl/snatch/dns"
	"github.com/snatchdl/snatch/fingerprint"
	"github.com/snatchdl/snatch/impersonate"
	"github.com/snatchdl/snatch/request"
)

// CloakHandler serves requests through uTLS so the TLS ClientHello, header
// block and HTTP/2 settings match a real browser. It is the impersonation
// backend; without an impersonate extension it still works, using a default
// fingerprint but leaving the caller's headers alone.
type CloakHandler struct {
	cfg      *config
	sessions instanceStore[*cloakSession]
	resolver *dns.Cache
}

// NewCloakHandler builds the fingerprinting backend.
func NewCloakHandler(opts ...Option) *CloakHandler {
	return &CloakHandler{
		cfg:      newConfig(opts),
		resolver: dns.NewCache(),
	}
}

func (h *CloakHandler) Name() string { return "cloak" }

func (h *CloakHandler) Capabilities() request.Capabilities {
	return request.Capabilities{
		URLSchemes:   []string{"http", "https"},
		ProxySchemes: []string{"http", "https", "socks4", "socks4a", "socks5", "socks5h"},
		Extensions: []string{
			request.ExtTimeout,
			request.ExtCookieJar,
			request.ExtProxies,
			request.ExtLegacySSL,
			request.ExtImpersonate,
		},
		Features:           []request.Feature{request.FeatureNoProxy, request.FeatureAllProxy},
		ImpersonateTargets: fingerprint.Targets(),
	}
}

// Validate checks the request against this backend's capabilities. No I/O.
func (h *CloakHandler) Validate(req *request.Request) error {
	return request.CheckCapabilities(h.Capabilities(), req, h.cfg.mergedProxies(req))
}

func (h *CloakHandler) Send(ctx context.Context, req *request.Request) (*request.Response, error) {
	if err := h.Validate(req); err != nil {
		return nil, err
	}

	preset, impersonating, err := h.preset(req)
	if err != nil {
		return nil, err
	}

	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, &request.Error{Msg: fmt.Sprintf("invalid URL %q", req.URL), Cause: err}
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.requestTimeout(req))
	session := h.session(req)
	proxies := h.cfg.mergedProxies(req)

	var presetHeaders map[string]string
	if impersonating {
		presetHeaders = make(map[string]string, len(preset.Headers)+1)
		for k, v := range preset.Headers {
			presetHeaders[k] = v
		}
		presetHeaders["User-Agent"] = preset.UserAgent
	}
	headers := mergeHeaders(h.cfg.headers, req.Headers, presetHeaders, impersonating)

	h.cfg.logger.Debug("sending request",
		"handler", h.Name(), "method", req.Method, "url", req.URL,
		"impersonate", impersonating)

	jar := h.cfg.requestJar(req)
	callerCookie := headers.Get("Cookie")
	method := req.Method
	body := req.Body
	hops := 0
	redirectLoop := false
	for {
		proxyURL, err := selectProxy(target, proxies)
		if err != nil {
			cancel()
			return nil, err
		}

		if jar != nil {
			// The caller's explicit Cookie header rides along with whatever
			// the jar holds for this origin.
			pairs := make([]string, 0, 4)
			if callerCookie != "" {
				pairs = append(pairs, callerCookie)
			}
			for _, c := range jar.Cookies(target) {
				pairs = append(pairs, c.Name+"="+c.Value)
			}
			if len(pairs) > 0 {
				headers.Set("Cookie", strings.Join(pairs, "; "))
			} else {
				headers.Del("Cookie")
			}
		}

		resp, release, err := h.roundTrip(ctx, session, roundTripArgs{
			method:  method,
			url:     target,
			headers: headers,
			body:    body,
			preset:  preset,
			proxy:   proxyURL,
			legacy:  h.cfg.requestLegacySSL(req),
		})
		if err != nil {
			cancel()
			return nil, normalizeError(err)
		}

		if jar != nil {
			if cookies := resp.Cookies(); len(cookies) > 0 {
				jar.SetCookies(target, cookies)
			}
		}

		location := resp.Header.Get("Location")
		final := !isRedirectStatus(resp.StatusCode) || location == ""
		if !final && hops >= h.cfg.maxRedirects {
			redirectLoop = true
			final = true
		}
		if final {
			out := &request.Response{
				Status:  resp.StatusCode,
				Reason:  statusReason(resp.Status, resp.StatusCode),
				Headers: headersFrom(resp.Header),
				URL:     target.String(),
				Body: newBody(resp.Body, resp.ContentLength,
					resp.Header.Get("Content-Encoding"), func(clean bool) {
						release(clean)
						cancel()
					}),
			}
			return normalizeResponse(out, redirectLoop)
		}
		hops++

		next, err := redirectTarget(target, location)
		if err != nil {
			drainBody(resp.Body, release)
			cancel()
			return nil, err
		}

		var keepBody bool
		method, keepBody = redirectMethod(method, resp.StatusCode)
		if !keepBody {
			body = nil
			headers.Del("Content-Length")
			headers.Del("Content-Type")
			headers.Del("Transfer-Encoding")
		}
		if !strings.EqualFold(next.Host, target.Host) {
			headers.Del("Authorization")
			headers.Del("Cookie")
			callerCookie = ""
		}

		h.cfg.logger.Debug("following redirect",
			"handler", h.Name(), "status", resp.StatusCode, "location", next.String())

		drainBody(resp.Body, release)
		target = next
	}
}

// Close tears down every pooled session. Safe to call repeatedly.
func (h *CloakHandler) Close() error {
	for _, session := range h.sessions.drain() {
		session.close()
	}
	return nil
}

func (h *CloakHandler) preset(req *request.Request) (*fingerprint.Preset, bool, error) {
	target, ok := req.Impersonate()
	if !ok {
		// Default fingerprint for the TLS layer, caller headers untouched.
		p, found := fingerprint.ForTarget(impersonate.Target{})
		if !found {
			return nil, false, &request.Error{Msg: "no fingerprint presets available"}
		}
		return p, false, nil
	}
	p, found := fingerprint.ForTarget(*target)
	if !found {
		return nil, false, &request.UnsupportedRequestError{
			Reason: fmt.Sprintf("unsupported impersonate target: %q", target.String()),
		}
	}
	return p, true, nil
}

func (h *CloakHandler) session(req *request.Request) *cloakSession {
	key := instanceKey{
		jar:       h.cfg.requestJar(req),
		legacySSL: h.cfg.requestLegacySSL(req),
	}
	return h.sessions.getOrCreate(key, func() *cloakSession {
		return &cloakSession{
			tlsCache: utls.NewLRUClientSessionCache(32),
			h2:       make(map[string]*http2.ClientConn),
			idle:     make(map[string][]*h1Conn),
		}
	})
}

// cloakSession is one connection pool: HTTP/2 connections are multiplexed
// and kept per origin, HTTP/1 connections sit idle between requests. TLS
// session tickets are shared across the pool so resumption works the way a
// browser profile would.
type cloakSession struct {
	tlsCache utls.ClientSessionCache

	mu     sync.Mutex
	h2     map[string]*http2.ClientConn
	extra  []*http2.ClientConn
	idle   map[string][]*h1Conn
	closed bool
}

func (s *cloakSession) takeH2(key string) *http2.ClientConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.h2[key]
	if !ok {
		return nil
	}
	if !cc.CanTakeNewRequest() {
		cc.Close()
		delete(s.h2, key)
		return nil
	}
	return cc
}

// putH2 pools a fresh connection. When a concurrent dial already pooled one
// for this key, the extra connection is kept only for session teardown; it
// serves its in-flight response and then idles.
func (s *cloakSession) putH2(key string, cc *http2.ClientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		cc.Close()
		return
	}
	if _, ok := s.h2[key]; ok {
		s.extra = append(s.extra, cc)
		return
	}
	s.h2[key] = cc
}

func (s *cloakSession) takeIdle(key string) *h1Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := s.idle[key]
	if len(conns) == 0 {
		return nil
	}
	conn := conns[len(conns)-1]
	s.idle[key] = conns[:len(conns)-1]
	return conn
}

func (s *cloakSession) putIdle(key string, conn *h1Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		conn.conn.Close()
		return
	}
	conn.conn.SetDeadline(time.Time{})
	s.idle[key] = append(s.idle[key], conn)
}

func (s *cloakSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, cc := range s.h2 {
		cc.Close()
	}
	for _, cc := range s.extra {
		cc.Close()
	}
	s.extra = nil
	for _, conns := range s.idle {
		for _, c := range conns {
			c.conn.Close()
		}
	}
	s.h2 = nil
	s.idle = nil
}

// h1Conn is one established HTTP/1.1 connection with its read buffer.
type h1Conn struct {
	conn net.Conn
	br   *bufio.Reader
}

type roundTripArgs struct {
	method  string
	url     *url.URL
	headers *request.Headers
	body    []byte
	preset  *fingerprint.Preset
	proxy   *url.URL
	legacy  bool
}

// releaseFunc returns the transport resource behind a response body to the
// pool (clean) or discards it.
type releaseFunc func(clean bool)

func noRelease(bool) {}

func (h *CloakHandler) roundTrip(ctx context.Context, session *cloakSession, args roundTripArgs) (*http.Response, releaseFunc, error) {
	httpReq, err := h.buildHop(ctx, args)
	if err != nil {
		return nil, nil, err
	}

	if args.url.Scheme == "https" {
		return h.roundTripTLS(ctx, session, args, httpReq)
	}
	return h.roundTripPlain(ctx, session, args, httpReq)
}

func (h *CloakHandler) buildHop(ctx context.Context, args roundTripArgs) (*http.Request, error) {
	var body io.Reader
	if len(args.body) > 0 {
		body = bytes.NewReader(args.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, args.method, args.url.String(), body)
	if err != nil {
		return nil, &request.Error{Msg: "building request", Cause: err}
	}
	for _, key := range args.headers.Keys() {
		if strings.EqualFold(key, "Host") {
			httpReq.Host = args.headers.Get(key)
			continue
		}
		httpReq.Header[http.CanonicalHeaderKey(key)] = append([]string(nil), args.headers.Values(key)...)
	}
	return httpReq, nil
}

func (h *CloakHandler) connKey(args roundTripArgs) string {
	proxy := ""
	if args.proxy != nil {
		proxy = args.proxy.String()
	}
	return args.url.Scheme + "|" + hostPort(args.url) + "|" + proxy + "|" + args.preset.Target.String()
}

func (h *CloakHandler) roundTripTLS(ctx context.Context, session *cloakSession, args roundTripArgs, httpReq *http.Request) (*http.Response, releaseFunc, error) {
	key := h.connKey(args)

	// Multiplexed connection already open?
	if cc := session.takeH2(key); cc != nil {
		resp, err := cc.RoundTrip(httpReq)
		if err != nil {
			session.mu.Lock()
			delete(session.h2, key)
			session.mu.Unlock()
			cc.Close()
			return nil, nil, err
		}
		return resp, noRelease, nil
	}
	if conn := session.takeIdle(key); conn != nil {
		resp, release, err := h.writeH1(ctx, session, key, conn, httpReq, false)
		if err == nil {
			return resp, release, nil
		}
		if !retryOnStaleConn(args.method) {
			return nil, nil, err
		}
		// Stale idle connection. Rebuild the request (its body reader may be
		// partially consumed) and dial fresh.
		httpReq, err = h.buildHop(ctx, args)
		if err != nil {
			return nil, nil, err
		}
	}

	uconn, proto, err := h.dialTLS(ctx, session, args)
	if err != nil {
		return nil, nil, err
	}

	if proto == "h2" {
		settings := args.preset.HTTP2Settings
		t2 := &http2.Transport{
			MaxHeaderListSize:         settings.MaxHeaderListSize,
			MaxDecoderHeaderTableSize: settings.HeaderTableSize,
			MaxEncoderHeaderTableSize: settings.HeaderTableSize,
		}
		cc, err := t2.NewClientConn(uconn)
		if err != nil {
			uconn.Close()
			return nil, nil, err
		}
		resp, err := cc.RoundTrip(httpReq)
		if err != nil {
			cc.Close()
			return nil, nil, err
		}
		session.putH2(key, cc)
		return resp, noRelease, nil
	}

	conn := &h1Conn{conn: uconn, br: bufio.NewReader(uconn)}
	return h.writeH1(ctx, session, key, conn, httpReq, false)
}

func (h *CloakHandler) roundTripPlain(ctx context.Context, session *cloakSession, args roundTripArgs, httpReq *http.Request) (*http.Response, releaseFunc, error) {
	key := h.connKey(args)
	viaHTTPProxy := args.proxy != nil && !isSocksScheme(args.proxy.Scheme)

	if conn := session.takeIdle(key); conn != nil {
		resp, release, err := h.writeH1(ctx, session, key, conn, httpReq, viaHTTPProxy)
		if err == nil {
			return resp, release, nil
		}
		if !retryOnStaleConn(args.method) {
			return nil, nil, err
		}
		httpReq, err = h.buildHop(ctx, args)
		if err != nil {
			return nil, nil, err
		}
	}

	addr, err := h.dialAddr(ctx, args)
	if err != nil {
		return nil, nil, err
	}
	raw, err := dialProxied(ctx, args.proxy, addr, false, h.cfg.sourceAddr)
	if err != nil {
		return nil, nil, err
	}
	conn := &h1Conn{conn: raw, br: bufio.NewReader(raw)}
	return h.writeH1(ctx, session, key, conn, httpReq, viaHTTPProxy)
}

// retryOnStaleConn reports whether a request that failed on a pooled idle
// connection may be replayed on a fresh one. The server may have processed
// the first attempt, so only idempotent methods are safe to resend.
func retryOnStaleConn(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// writeH1 runs one HTTP/1.1 exchange on conn. The connection deadline covers
// the whole exchange including body reads; it is cleared if the connection
// goes back to the idle pool.
func (h *CloakHandler) writeH1(ctx context.Context, session *cloakSession, key string, conn *h1Conn, httpReq *http.Request, absoluteForm bool) (*http.Response, releaseFunc, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.conn.SetDeadline(deadline)
	}

	var err error
	if absoluteForm {
		err = httpReq.WriteProxy(conn.conn)
	} else {
		err = httpReq.Write(conn.conn)
	}
	if err != nil {
		conn.conn.Close()
		return nil, nil, err
	}

	resp, err := http.ReadResponse(conn.br, httpReq)
	if err != nil {
		conn.conn.Close()
		return nil, nil, err
	}

	reusable := !resp.Close
	release := func(clean bool) {
		if clean && reusable {
			session.putIdle(key, conn)
			return
		}
		conn.conn.Close()
	}
	return resp, release, nil
}

// dialAddr resolves the dial address for a hop. Hostnames go through the DNS
// cache only when dialing direct; proxied connections pass the name to the
// proxy (or resolve inside the SOCKS dialer, per its protocol version).
func (h *CloakHandler) dialAddr(ctx context.Context, args roundTripArgs) (string, error) {
	host := args.url.Hostname()
	port := args.url.Port()
	if port == "" {
		if args.url.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	if args.proxy != nil {
		return net.JoinHostPort(host, port), nil
	}
	ip, err := h.resolver.ResolveOne(ctx, host)
	if err != nil {
		return "", &request.TransportError{Msg: "resolving " + host, Cause: err}
	}
	return net.JoinHostPort(ip.String(), port), nil
}

// dialTLS opens a TCP connection (direct or proxied) and runs the uTLS
// handshake with the preset's ClientHello. Returns the negotiated protocol.
func (h *CloakHandler) dialTLS(ctx context.Context, session *cloakSession, args roundTripArgs) (net.Conn, string, error) {
	addr, err := h.dialAddr(ctx, args)
	if err != nil {
		return nil, "", err
	}
	raw, err := dialProxied(ctx, args.proxy, addr, true, h.cfg.sourceAddr)
	if err != nil {
		return nil, "", err
	}

	ucfg := &utls.Config{
		ServerName:         args.url.Hostname(),
		InsecureSkipVerify: !h.cfg.verify,
		ClientSessionCache: session.tlsCache,
		KeyLogWriter:       h.cfg.keyLog,
	}
	if args.legacy {
		ucfg.MinVersion = utls.VersionTLS10
	}
	uconn := utls.UClient(raw, ucfg, args.preset.ClientHelloID)
	if err := uconn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, "", err
	}
	return uconn, uconn.ConnectionState().NegotiatedProtocol, nil
}

// redirectTarget resolves a Location header against the current URL.
func redirectTarget(base *url.URL, location string) (*url.URL, error) {
	parsed, err := url.Parse(location)
	if err != nil {
		return nil, &request.Error{Msg: fmt.Sprintf("invalid redirect location %q", location), Cause: err}
	}
	next := base.ResolveReference(parsed)
	if next.Scheme != "http" && next.Scheme != "https" {
		return nil, &request.Error{Msg: fmt.Sprintf("redirect to unsupported scheme %q", next.Scheme)}
	}
	return next, nil
}

func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// drainBody consumes a bounded amount of an intermediate redirect body so
// the connection can be reused, then closes it.
func drainBody(body io.ReadCloser, release releaseFunc) {
	wrapped := newBody(body, -1, "", release)
	io.CopyN(io.Discard, wrapped, 256<<10)
	wrapped.Close()
}
