package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/snatchdl/snatch/request"
	"github.com/snatchdl/snatch/socks"
)

// StdHandler serves requests over net/http. It is the baseline backend: no
// fingerprinting, full proxy support including SOCKS, standard redirect
// handling with loop detection.
type StdHandler struct {
	cfg     *config
	clients instanceStore[*http.Client]
}

// NewStdHandler builds the net/http backend.
func NewStdHandler(opts ...Option) *StdHandler {
	return &StdHandler{cfg: newConfig(opts)}
}

func (h *StdHandler) Name() string { return "std" }

func (h *StdHandler) Capabilities() request.Capabilities {
	return request.Capabilities{
		URLSchemes:   []string{"http", "https"},
		ProxySchemes: []string{"http", "https", "socks4", "socks4a", "socks5", "socks5h"},
		Extensions: []string{
			request.ExtTimeout,
			request.ExtCookieJar,
			request.ExtProxies,
			request.ExtLegacySSL,
		},
		Features: []request.Feature{request.FeatureNoProxy, request.FeatureAllProxy},
	}
}

// Validate checks the request against this backend's capabilities. No I/O.
func (h *StdHandler) Validate(req *request.Request) error {
	return request.CheckCapabilities(h.Capabilities(), req, h.cfg.mergedProxies(req))
}

func (h *StdHandler) Send(ctx context.Context, req *request.Request) (*request.Response, error) {
	if err := h.Validate(req); err != nil {
		return nil, err
	}

	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, &request.Error{Msg: fmt.Sprintf("invalid URL %q", req.URL), Cause: err}
	}
	proxies := h.cfg.mergedProxies(req)

	ctx, cancel := context.WithTimeout(ctx, h.cfg.requestTimeout(req))
	h.cfg.logger.Debug("sending request",
		"handler", h.Name(), "method", req.Method, "url", req.URL)

	headers := mergeHeaders(h.cfg.headers, req.Headers, nil, false)
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
		hopCtx := context.WithValue(ctx, proxyURLKey{}, proxyURL)

		httpReq, err := h.buildRequest(hopCtx, method, target, body, headers)
		if err != nil {
			cancel()
			return nil, err
		}
		client := h.client(req, proxyURL)
		resp, err := client.Do(httpReq)
		if err != nil {
			cancel()
			return nil, normalizeError(err)
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
					resp.Header.Get("Content-Encoding"), func(bool) { cancel() }),
			}
			return normalizeResponse(out, redirectLoop)
		}
		hops++

		next, err := redirectTarget(target, location)
		if err != nil {
			drainBody(resp.Body, noRelease)
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
		}

		h.cfg.logger.Debug("following redirect",
			"handler", h.Name(), "status", resp.StatusCode, "location", next.String())

		drainBody(resp.Body, noRelease)
		target = next
	}
}

// Close drops all pooled connections. Safe to call repeatedly.
func (h *StdHandler) Close() error {
	for _, client := range h.clients.drain() {
		if t, ok := client.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
	return nil
}

func (h *StdHandler) buildRequest(ctx context.Context, method string, target *url.URL, body []byte, headers *request.Headers) (*http.Request, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, &request.Error{Msg: "building request", Cause: err}
	}

	for _, key := range headers.Keys() {
		if strings.EqualFold(key, "Host") {
			httpReq.Host = headers.Get(key)
			continue
		}
		httpReq.Header[key] = append([]string(nil), headers.Values(key)...)
	}
	return httpReq, nil
}

// client returns the pooled http.Client for this request's session identity.
// SOCKS proxies are part of the key because the dial path bypasses
// Transport.Proxy and would otherwise mix connections across proxies.
func (h *StdHandler) client(req *request.Request, proxyURL *url.URL) *http.Client {
	variant := ""
	if proxyURL != nil && isSocksScheme(proxyURL.Scheme) {
		variant = proxyURL.String()
	}
	key := instanceKey{
		jar:       h.cfg.requestJar(req),
		legacySSL: h.cfg.requestLegacySSL(req),
		variant:   variant,
	}
	return h.clients.getOrCreate(key, func() *http.Client {
		transport := &http.Transport{
			Proxy:             proxyFromContext,
			DialContext:       h.dialContext,
			TLSClientConfig:   h.cfg.tlsConfig(key.legacySSL),
			ForceAttemptHTTP2: true,
		}
		return &http.Client{
			Transport: transport,
			Jar:       key.jar,
			// Redirects are followed in Send so both backends share one
			// method-rewrite rule.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	})
}

type proxyURLKey struct{}

// proxyFromContext feeds the per-request HTTP proxy into the transport.
// SOCKS proxies return nil here; dialFromContext handles those.
func proxyFromContext(req *http.Request) (*url.URL, error) {
	proxyURL, _ := req.Context().Value(proxyURLKey{}).(*url.URL)
	if proxyURL == nil || isSocksScheme(proxyURL.Scheme) {
		return nil, nil
	}
	return proxyURL, nil
}

func (h *StdHandler) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	proxyURL, _ := ctx.Value(proxyURLKey{}).(*url.URL)
	if proxyURL != nil && isSocksScheme(proxyURL.Scheme) {
		sd, err := socks.NewDialerFromURL(proxyURL)
		if err != nil {
			return nil, &request.ProxyError{Cause: err}
		}
		return sd.DialContext(ctx, network, addr)
	}
	d := net.Dialer{LocalAddr: h.cfg.sourceAddr}
	return d.DialContext(ctx, network, addr)
}

// headersFrom copies a net/http header map into the ordered representation.
func headersFrom(src http.Header) *request.Headers {
	out := request.NewHeaders()
	for key, values := range src {
		for _, v := range values {
			out.Add(key, v)
		}
	}
	return out
}

// statusReason extracts the reason phrase from a "200 OK" status line.
func statusReason(statusLine string, code int) string {
	reason := strings.TrimPrefix(statusLine, strconv.Itoa(code))
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return http.StatusText(code)
	}
	return reason
}
