// Package impersonate describes browser fingerprint targets.
//
// A Target identifies a browser to mimic at the TLS and header level, in the
// form client:version:os:os_version. Fields left empty act as wildcards, so a
// caller can ask for "chrome" and let the handler resolve it to the most
// preferred concrete chrome target it supports.
package impersonate

import (
	"fmt"
	"strings"
)

// Target is a browser fingerprint identifier. An empty field matches any
// value in that position.
//
// Note that a zero Target is a valid wildcard matching every supported
// target. It is not the same as "no impersonation requested" - callers
// signal that by omitting the target entirely (a nil *Target).
type Target struct {
	Client    string
	Version   string
	OS        string
	OSVersion string
}

// Parse parses a target from its colon-delimited form, e.g. "chrome",
// "chrome:131" or "chrome:131:windows:10". Trailing empty segments may be
// omitted.
func Parse(s string) (Target, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 4 {
		return Target{}, fmt.Errorf("invalid impersonate target %q: expected at most 4 fields", s)
	}
	var t Target
	fields := []*string{&t.Client, &t.Version, &t.OS, &t.OSVersion}
	for i, p := range parts {
		*fields[i] = p
	}
	return t, nil
}

// MustParse is Parse for known-good literals; it panics on error.
func MustParse(s string) Target {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the colon-delimited form with trailing empty fields
// stripped.
func (t Target) String() string {
	fields := []string{t.Client, t.Version, t.OS, t.OSVersion}
	end := len(fields)
	for end > 0 && fields[end-1] == "" {
		end--
	}
	return strings.Join(fields[:end], ":")
}

// IsEmpty reports whether every field is a wildcard.
func (t Target) IsEmpty() bool {
	return t == Target{}
}

// In reports whether t is contained in other: every non-empty field of t
// must equal the corresponding field of other, or that field of other must
// be empty. A zero Target is contained in everything.
func (t Target) In(other Target) bool {
	return fieldIn(t.Client, other.Client) &&
		fieldIn(t.Version, other.Version) &&
		fieldIn(t.OS, other.OS) &&
		fieldIn(t.OSVersion, other.OSVersion)
}

func fieldIn(v, supported string) bool {
	return v == "" || supported == "" || v == supported
}

// Resolve returns the first target in supported that the requested target is
// contained in. Supported targets are scanned in declaration order, so the
// order of the slice is the preference order among equally specific matches.
func Resolve(requested Target, supported []Target) (Target, bool) {
	for _, s := range supported {
		if requested.In(s) {
			return s, true
		}
	}
	return Target{}, false
}

// BlockedHeaders lists the client-identifying headers that are dropped from
// caller-supplied headers when impersonation is active. The fingerprint
// implementation supplies its own consistent values for these; a caller
// override would contradict the rest of the fingerprint.
func BlockedHeaders() []string {
	return []string{
		"User-Agent",
		"Accept-Language",
		"Sec-Fetch-Mode",
		"Sec-Fetch-Site",
		"Sec-Fetch-User",
		"Sec-Fetch-Dest",
		"Upgrade-Insecure-Requests",
		"Sec-Ch-Ua",
		"Sec-Ch-Ua-Mobile",
		"Sec-Ch-Ua-Platform",
	}
}
