package impersonate

import "testing"

func TestParseAndString(t *testing.T) {
	cases := []struct {
		in   string
		want Target
		out  string
	}{
		{"chrome", Target{Client: "chrome"}, "chrome"},
		{"chrome:131", Target{Client: "chrome", Version: "131"}, "chrome:131"},
		{"chrome:131:windows:10", Target{Client: "chrome", Version: "131", OS: "windows", OSVersion: "10"}, "chrome:131:windows:10"},
		{"chrome::windows", Target{Client: "chrome", OS: "windows"}, "chrome::windows"},
		{":131", Target{Version: "131"}, ":131"},
		{"", Target{}, ""},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("Parse(%q) = %+v, want %+v", c.in, got, c.want)
		}
		if s := got.String(); s != c.out {
			t.Errorf("Parse(%q).String() = %q, want %q", c.in, s, c.out)
		}
	}
}

func TestParseTooManyFields(t *testing.T) {
	if _, err := Parse("a:b:c:d:e"); err == nil {
		t.Fatal("expected error for 5-field target")
	}
}

func TestStringRoundTrip(t *testing.T) {
	targets := []Target{
		{},
		{Client: "firefox"},
		{Client: "chrome", Version: "143", OS: "linux"},
		{Client: "safari", Version: "18", OS: "macos", OSVersion: "14"},
	}
	for _, want := range targets {
		got, err := Parse(want.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", want.String(), err)
		}
		if got != want {
			t.Errorf("round trip of %+v gave %+v", want, got)
		}
	}
}

func TestIn(t *testing.T) {
	full := Target{Client: "chrome", Version: "131", OS: "windows", OSVersion: "10"}
	cases := []struct {
		name string
		a, b Target
		want bool
	}{
		{"empty in everything", Target{}, full, true},
		{"empty in empty", Target{}, Target{}, true},
		{"reflexive", full, full, true},
		{"partial in full", Target{Client: "chrome"}, full, true},
		{"version only in full", Target{Client: "chrome", Version: "131"}, full, true},
		{"full in partial supported", full, Target{Client: "chrome"}, true},
		{"client mismatch", Target{Client: "firefox"}, full, false},
		{"version mismatch", Target{Client: "chrome", Version: "133"}, full, false},
		{"os mismatch", Target{Client: "chrome", OS: "linux"}, full, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.a.In(c.b); got != c.want {
				t.Errorf("(%v).In(%v) = %v, want %v", c.a, c.b, got, c.want)
			}
		})
	}
}

func TestResolveOrder(t *testing.T) {
	supported := []Target{
		{Client: "chrome", Version: "143", OS: "linux"},
		{Client: "chrome", Version: "143", OS: "windows", OSVersion: "10"},
		{Client: "chrome", Version: "131", OS: "windows", OSVersion: "10"},
		{Client: "firefox", Version: "133", OS: "linux"},
	}

	// First match in declaration order wins.
	got, ok := Resolve(Target{Client: "chrome"}, supported)
	if !ok || got != supported[0] {
		t.Errorf("Resolve(chrome) = %v, %v; want %v", got, ok, supported[0])
	}

	got, ok = Resolve(Target{Client: "chrome", OS: "windows"}, supported)
	if !ok || got != supported[1] {
		t.Errorf("Resolve(chrome::windows) = %v, %v; want %v", got, ok, supported[1])
	}

	got, ok = Resolve(Target{Client: "chrome", Version: "131"}, supported)
	if !ok || got != supported[2] {
		t.Errorf("Resolve(chrome:131) = %v, %v; want %v", got, ok, supported[2])
	}

	// Wildcard resolves to the most preferred target.
	got, ok = Resolve(Target{}, supported)
	if !ok || got != supported[0] {
		t.Errorf("Resolve(empty) = %v, %v; want %v", got, ok, supported[0])
	}

	if _, ok := Resolve(Target{Client: "safari"}, supported); ok {
		t.Error("Resolve(safari) matched, want no match")
	}
}
