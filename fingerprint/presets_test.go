package fingerprint

import (
	"testing"

	"github.com/snatchdl/snatch/impersonate"
)

func TestTargetsAreOrdered(t *testing.T) {
	targets := Targets()
	if len(targets) == 0 {
		t.Fatal("no supported targets")
	}
	// The most preferred target must be a chrome target - partial "chrome"
	// requests and the wildcard both resolve here.
	if targets[0].Client != "chrome" {
		t.Errorf("first target = %v, want a chrome target", targets[0])
	}

	seen := make(map[impersonate.Target]bool)
	for _, target := range targets {
		if seen[target] {
			t.Errorf("duplicate target %v", target)
		}
		seen[target] = true
	}
}

func TestForTargetPartialRequests(t *testing.T) {
	cases := []struct {
		name      string
		requested impersonate.Target
		client    string
		found     bool
	}{
		{"wildcard", impersonate.Target{}, "chrome", true},
		{"client only", impersonate.Target{Client: "firefox"}, "firefox", true},
		{"client and os", impersonate.Target{Client: "chrome", OS: "windows"}, "chrome", true},
		{"full", impersonate.Target{Client: "safari", Version: "18", OS: "macos"}, "safari", true},
		{"unknown client", impersonate.Target{Client: "opera"}, "", false},
		{"unknown version", impersonate.Target{Client: "chrome", Version: "9"}, "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p, ok := ForTarget(c.requested)
			if ok != c.found {
				t.Fatalf("ForTarget(%v) found=%v, want %v", c.requested, ok, c.found)
			}
			if !ok {
				return
			}
			if p.Target.Client != c.client {
				t.Errorf("resolved client = %q, want %q", p.Target.Client, c.client)
			}
			if p.UserAgent == "" {
				t.Error("preset has no User-Agent")
			}
			if len(p.Headers) == 0 {
				t.Error("preset has no default headers")
			}
		})
	}
}

func TestForTargetPrefersDeclarationOrder(t *testing.T) {
	first := Targets()[0]
	p, ok := ForTarget(impersonate.Target{Client: first.Client})
	if !ok {
		t.Fatal("no match for most preferred client")
	}
	if p.Target != first {
		t.Errorf("partial request resolved to %v, want first declared %v", p.Target, first)
	}
}
