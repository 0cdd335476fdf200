// Package dns provides a small TTL-based resolve cache so repeated requests
// to the same host skip the resolver.
package dns

import (
	"context"
	"net"
	"sync"
	"time"
)

type entry struct {
	ips       []net.IP
	expiresAt time.Time
}

func (e *entry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// Cache caches hostname lookups for a fixed TTL. A stale entry is served
// when a fresh lookup fails, which keeps long downloads alive across
// transient resolver hiccups.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	resolver *net.Resolver
	ttl      time.Duration
}

// NewCache returns a cache backed by the default resolver.
func NewCache() *Cache {
	return &Cache{
		entries:  make(map[string]*entry),
		resolver: net.DefaultResolver,
		ttl:      5 * time.Minute,
	}
}

// Resolve returns the addresses for host, from cache when possible. A host
// that is already an IP literal is returned as-is without a lookup.
func (c *Cache) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	c.mu.RLock()
	e, ok := c.entries[host]
	c.mu.RUnlock()
	if ok && !e.expired() {
		return e.ips, nil
	}

	addrs, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		if ok {
			return e.ips, nil
		}
		return nil, err
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}

	c.mu.Lock()
	c.entries[host] = &entry{ips: ips, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return ips, nil
}

// ResolveOne returns a single address for host, preferring IPv4.
func (c *Cache) ResolveOne(ctx context.Context, host string) (net.IP, error) {
	ips, err := c.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no addresses found", Name: host}
	}
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip, nil
		}
	}
	return ips[0], nil
}

// Invalidate drops the entry for host.
func (c *Cache) Invalidate(host string) {
	c.mu.Lock()
	delete(c.entries, host)
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}
