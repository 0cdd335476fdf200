package request

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Preference scores a handler for a request. Higher wins. Preference
// functions may be registered for every handler or scoped to one handler by
// name; the scores of all applicable functions are summed.
type Preference func(h Handler, req *Request) int

type scopedPreference struct {
	handlerName string // "" applies to all handlers
	fn          Preference
}

// Registry holds the registered handlers and preference functions and picks
// which handler services each request.
//
// Selection is deterministic: handlers whose Validate accepts the request
// are scored, the strictly highest score wins, and ties fall to the earliest
// registered handler.
type Registry struct {
	mu          sync.RWMutex
	handlers    []Handler
	preferences []scopedPreference
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a handler. Registration order is the tie-break order.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Handler returns a registered handler by name.
func (r *Registry) Handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if h.Name() == name {
			return h, true
		}
	}
	return nil, false
}

// RegisterPreference adds a preference function applying to every handler.
func (r *Registry) RegisterPreference(fn Preference) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preferences = append(r.preferences, scopedPreference{fn: fn})
}

// RegisterHandlerPreference adds a preference function scoped to the named
// handler.
func (r *Registry) RegisterHandlerPreference(handlerName string, fn Preference) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preferences = append(r.preferences, scopedPreference{handlerName: handlerName, fn: fn})
}

// Resolve returns the handler that would service req, without sending. When
// no handler is eligible it returns an *UnsupportedRequestError describing
// what excluded each candidate.
func (r *Registry) Resolve(req *Request) (Handler, error) {
	r.mu.RLock()
	handlers := make([]Handler, len(r.handlers))
	copy(handlers, r.handlers)
	preferences := make([]scopedPreference, len(r.preferences))
	copy(preferences, r.preferences)
	r.mu.RUnlock()

	if len(handlers) == 0 {
		return nil, &UnsupportedRequestError{Reason: "no request handlers registered"}
	}

	var (
		best      Handler
		bestScore int
		rejected  []string
	)
	for _, h := range handlers {
		if err := h.Validate(req); err != nil {
			var unsupported *UnsupportedRequestError
			if errors.As(err, &unsupported) {
				rejected = append(rejected, fmt.Sprintf("%s: %s", h.Name(), unsupported.Reason))
				continue
			}
			// Validation surfaced a non-capability problem (e.g. a malformed
			// URL): that is the caller's bug, not a handler mismatch.
			return nil, err
		}
		score := 0
		for _, p := range preferences {
			if p.handlerName == "" || p.handlerName == h.Name() {
				score += p.fn(h, req)
			}
		}
		// Strictly-greater keeps the earliest registered handler on ties.
		if best == nil || score > bestScore {
			best = h
			bestScore = score
		}
	}

	if best == nil {
		return nil, &UnsupportedRequestError{
			Reason: "no handler can service this request (" + strings.Join(rejected, "; ") + ")",
		}
	}
	return best, nil
}

// Send picks a handler for req and performs the exchange.
func (r *Registry) Send(ctx context.Context, req *Request) (*Response, error) {
	h, err := r.Resolve(req)
	if err != nil {
		return nil, err
	}
	return h.Send(ctx, req)
}

// Close shuts down every registered handler. The first error is returned;
// all handlers are closed regardless.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var first error
	for _, h := range r.handlers {
		if err := h.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
