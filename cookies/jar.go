// Package cookies provides the session-scoped cookie store shared across
// handlers. A Jar satisfies http.CookieJar, so it plugs straight into the
// cookiejar request extension; handlers key their internal session caches on
// jar identity so requests sharing a jar share a connection pool.
package cookies

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"

	"golang.org/x/net/publicsuffix"
)

// Jar is a thread-safe cookie store with correct public-suffix domain
// scoping. Many requests, across threads, may share one Jar.
type Jar struct {
	mu    sync.RWMutex
	inner *cookiejar.Jar
}

// NewJar returns an empty jar.
func NewJar() *Jar {
	inner, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		// cookiejar.New only fails on a nil-safe misconfiguration; the
		// options above cannot trigger it.
		panic(err)
	}
	return &Jar{inner: inner}
}

// SetCookies stores the response cookies for u.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.inner.SetCookies(u, cookies)
}

// Cookies returns the cookies applicable to a request to u.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.inner.Cookies(u)
}

// Clear replaces the store with an empty one.
func (j *Jar) Clear() {
	inner, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		panic(err)
	}
	j.mu.Lock()
	j.inner = inner
	j.mu.Unlock()
}
