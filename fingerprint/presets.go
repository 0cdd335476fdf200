// Package fingerprint maps impersonation targets to concrete browser
// fingerprints: a TLS ClientHello shape, a User-Agent, the header block the
// browser sends by default, and the HTTP/2 tuning the handler can apply.
package fingerprint

import (
	tls "github.com/refraction-networking/utls"

	"github.com/snatchdl/snatch/impersonate"
)

// HTTP2Settings carries the h2 knobs a preset pins down.
type HTTP2Settings struct {
	HeaderTableSize   uint32
	InitialWindowSize uint32
	MaxHeaderListSize uint32
}

// Preset is one browser fingerprint.
type Preset struct {
	Target        impersonate.Target
	ClientHelloID tls.ClientHelloID
	UserAgent     string
	// Headers are the browser's default navigation headers. They replace the
	// client-identifying headers stripped from caller input.
	Headers       map[string]string
	HTTP2Settings HTTP2Settings
}

func chromeHeaders(version, platform string) map[string]string {
	return map[string]string{
		"sec-ch-ua":                 `"Google Chrome";v="` + version + `", "Chromium";v="` + version + `", "Not_A Brand";v="24"`,
		"sec-ch-ua-mobile":          "?0",
		"sec-ch-ua-platform":        `"` + platform + `"`,
		"Upgrade-Insecure-Requests": "1",
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7",
		"Sec-Fetch-Site":            "none",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-User":            "?1",
		"Sec-Fetch-Dest":            "document",
		"Accept-Language":           "en-US,en;q=0.9",
	}
}

var chromeH2 = HTTP2Settings{
	HeaderTableSize:   65536,
	InitialWindowSize: 6291456,
	MaxHeaderListSize: 262144,
}

func chrome(version, osName, osVersion, uaOS, platform string) *Preset {
	return &Preset{
		Target: impersonate.Target{
			Client: "chrome", Version: version, OS: osName, OSVersion: osVersion,
		},
		ClientHelloID: tls.HelloChrome_131,
		UserAgent:     "Mozilla/5.0 " + uaOS + " AppleWebKit/537.36 (KHTML, like Gecko) Chrome/" + version + ".0.0.0 Safari/537.36",
		Headers:       chromeHeaders(version, platform),
		HTTP2Settings: chromeH2,
	}
}

func firefox133() *Preset {
	return &Preset{
		Target:        impersonate.Target{Client: "firefox", Version: "133", OS: "linux"},
		ClientHelloID: tls.HelloFirefox_120,
		UserAgent:     "Mozilla/5.0 (X11; Linux x86_64; rv:133.0) Gecko/20100101 Firefox/133.0",
		Headers: map[string]string{
			"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
			"Accept-Language":           "en-US,en;q=0.5",
			"Sec-Fetch-Dest":            "document",
			"Sec-Fetch-Mode":            "navigate",
			"Sec-Fetch-Site":            "none",
			"Sec-Fetch-User":            "?1",
			"Upgrade-Insecure-Requests": "1",
		},
		HTTP2Settings: HTTP2Settings{
			HeaderTableSize:   65536,
			InitialWindowSize: 131072,
		},
	}
}

func safari18() *Preset {
	return &Preset{
		Target:        impersonate.Target{Client: "safari", Version: "18", OS: "macos"},
		ClientHelloID: tls.HelloSafari_16_0,
		UserAgent:     "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.0 Safari/605.1.15",
		Headers: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			"Accept-Language": "en-US,en;q=0.9",
			"Sec-Fetch-Dest":  "document",
			"Sec-Fetch-Mode":  "navigate",
			"Sec-Fetch-Site":  "none",
		},
		HTTP2Settings: HTTP2Settings{
			HeaderTableSize:   4096,
			InitialWindowSize: 2097152,
		},
	}
}

// presets is ordered: the first preset a requested target fits into wins, so
// this slice is the preference contract among equally specific targets.
var presets = []func() *Preset{
	func() *Preset {
		return chrome("143", "linux", "", "(X11; Linux x86_64)", "Linux")
	},
	func() *Preset {
		return chrome("143", "windows", "10", "(Windows NT 10.0; Win64; x64)", "Windows")
	},
	func() *Preset {
		return chrome("143", "macos", "", "(Macintosh; Intel Mac OS X 10_15_7)", "macOS")
	},
	func() *Preset {
		return chrome("131", "linux", "", "(X11; Linux x86_64)", "Linux")
	},
	firefox133,
	safari18,
}

// Targets returns the supported impersonation targets in preference order.
func Targets() []impersonate.Target {
	out := make([]impersonate.Target, 0, len(presets))
	for _, fn := range presets {
		out = append(out, fn().Target)
	}
	return out
}

// ForTarget resolves a (possibly partial) requested target against the
// supported set and returns the matching preset.
func ForTarget(requested impersonate.Target) (*Preset, bool) {
	resolved, ok := impersonate.Resolve(requested, Targets())
	if !ok {
		return nil, false
	}
	for _, fn := range presets {
		p := fn()
		if p.Target == resolved {
			return p, true
		}
	}
	return nil, false
}
