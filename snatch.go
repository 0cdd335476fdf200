// Package snatch dispatches HTTP requests across pluggable network backends.
//
// A Client owns a registry of handlers. Each request is validated against
// every handler's capabilities and routed to the best eligible one: the
// standard net/http backend by default, the uTLS fingerprinting backend when
// the request asks for browser impersonation.
//
// Basic usage:
//
//	client := snatch.New()
//	defer client.Close()
//
//	resp, err := client.Get(ctx, "https://example.com")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	body, err := resp.Bytes()
//
// With impersonation:
//
//	req := request.New("https://example.com")
//	target := impersonate.MustParse("chrome")
//	req.SetExtension(request.ExtImpersonate, &target)
//	resp, err := client.Do(ctx, req)
package snatch

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/snatchdl/snatch/handlers"
	"github.com/snatchdl/snatch/request"
)

const (
	// StdPreference is the baseline score of the standard backend, so it wins
	// whenever nothing asks for special treatment.
	StdPreference = 100
	// ImpersonatePreference is added to impersonation-capable backends when a
	// request carries an impersonate extension, outscoring the baseline.
	ImpersonatePreference = 1000
)

// Client routes requests through a handler registry.
type Client struct {
	registry *request.Registry
	logger   *slog.Logger
}

// New builds a Client with both built-in backends registered and the default
// routing preferences installed. Options apply to both backends.
func New(opts ...handlers.Option) *Client {
	return NewWithLogger(slog.New(slog.DiscardHandler), opts...)
}

// NewWithLogger is New with an explicit logging sink, passed through to the
// backends as well.
func NewWithLogger(logger *slog.Logger, opts ...handlers.Option) *Client {
	opts = append(opts, handlers.WithLogger(logger))

	std := handlers.NewStdHandler(opts...)
	cloak := handlers.NewCloakHandler(opts...)

	registry := request.NewRegistry()
	registry.Register(std)
	registry.Register(cloak)
	registry.RegisterHandlerPreference(std.Name(), func(request.Handler, *request.Request) int {
		return StdPreference
	})
	registry.RegisterPreference(func(h request.Handler, req *request.Request) int {
		if _, ok := req.Impersonate(); !ok {
			return 0
		}
		if len(h.Capabilities().ImpersonateTargets) == 0 {
			return 0
		}
		return ImpersonatePreference
	})

	return &Client{registry: registry, logger: logger}
}

// Registry exposes the underlying registry so callers can register their own
// backends or preferences.
func (c *Client) Registry() *request.Registry {
	return c.registry
}

// Do validates, routes and sends one request.
func (c *Client) Do(ctx context.Context, req *request.Request) (*request.Response, error) {
	id := uuid.NewString()
	c.logger.Debug("dispatching request", "id", id, "method", req.Method, "url", req.URL)

	resp, err := c.registry.Send(ctx, req)
	if err != nil {
		c.logger.Debug("request failed", "id", id, "error", err)
		return nil, err
	}
	c.logger.Debug("request done", "id", id, "status", resp.Status)
	return resp, nil
}

// Get fetches a URL with GET.
func (c *Client) Get(ctx context.Context, url string) (*request.Response, error) {
	return c.Do(ctx, request.New(url))
}

// Post sends a POST with the given body and Content-Type.
func (c *Client) Post(ctx context.Context, url, contentType string, body []byte) (*request.Response, error) {
	req := request.New(url)
	req.Method = http.MethodPost
	req.Body = body
	if contentType != "" {
		req.Headers.Set("Content-Type", contentType)
	}
	return c.Do(ctx, req)
}

// Head sends a HEAD request.
func (c *Client) Head(ctx context.Context, url string) (*request.Response, error) {
	req := request.New(url)
	req.Method = http.MethodHead
	return c.Do(ctx, req)
}

// Close shuts down every registered backend.
func (c *Client) Close() error {
	return c.registry.Close()
}
