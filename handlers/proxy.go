package handlers

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/snatchdl/snatch/request"
	"github.com/snatchdl/snatch/socks"
)

// selectProxy picks the proxy URL for a target from the scheme -> proxy map.
// The "no" key is a bypass list checked first; an explicit empty value for a
// scheme means direct. Returns nil when the request goes direct.
func selectProxy(target *url.URL, proxies map[string]string) (*url.URL, error) {
	if len(proxies) == 0 {
		return nil, nil
	}
	if bypass, ok := proxies["no"]; ok && matchesBypass(target.Hostname(), bypass) {
		return nil, nil
	}
	raw, ok := proxies[target.Scheme]
	if !ok {
		raw, ok = proxies["all"]
	}
	if !ok || raw == "" {
		return nil, nil
	}
	// A bare host:port would parse as scheme "host", opaque "port"; treat it
	// as an HTTP proxy instead.
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	proxyURL, err := url.Parse(raw)
	if err != nil {
		return nil, &request.ProxyError{Cause: fmt.Errorf("invalid proxy url %q: %w", raw, err)}
	}
	return proxyURL, nil
}

func matchesBypass(host, bypass string) bool {
	for _, entry := range strings.Split(bypass, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true
		}
		entry = strings.TrimPrefix(entry, ".")
		if strings.EqualFold(host, entry) || strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(entry)) {
			return true
		}
	}
	return false
}

func isSocksScheme(scheme string) bool {
	switch scheme {
	case "socks4", "socks4a", "socks5", "socks5h":
		return true
	}
	return false
}

// dialProxied opens a TCP connection to addr through proxyURL, handling
// SOCKS handshakes and (for TLS targets) the HTTP CONNECT tunnel. A nil
// proxyURL dials direct, bound to local when set.
func dialProxied(ctx context.Context, proxyURL *url.URL, addr string, tunnel bool, local *net.TCPAddr) (net.Conn, error) {
	if proxyURL == nil {
		d := net.Dialer{LocalAddr: local}
		return d.DialContext(ctx, "tcp", addr)
	}
	if isSocksScheme(proxyURL.Scheme) {
		sd, err := socks.NewDialerFromURL(proxyURL)
		if err != nil {
			return nil, &request.ProxyError{Cause: err}
		}
		return sd.DialContext(ctx, "tcp", addr)
	}

	proxyAddr := proxyURL.Host
	if proxyURL.Port() == "" {
		proxyAddr = net.JoinHostPort(proxyURL.Hostname(), "80")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, &request.ProxyError{Cause: err}
	}
	if !tunnel {
		// Plain-HTTP targets speak absolute-form to the proxy on this
		// same connection, no tunnel needed.
		return conn, nil
	}
	if err := connectTunnel(ctx, conn, proxyURL, addr); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// connectTunnel performs the HTTP CONNECT handshake over an established
// proxy connection.
func connectTunnel(ctx context.Context, conn net.Conn, proxyURL *url.URL, addr string) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if user := proxyURL.User; user != nil {
		pass, _ := user.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(user.Username() + ":" + pass))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}
	if err := req.Write(conn); err != nil {
		return &request.ProxyError{Cause: err}
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return &request.ProxyError{Cause: err}
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &request.ProxyError{Cause: fmt.Errorf("proxy CONNECT refused: %s", resp.Status)}
	}
	return nil
}
