package realtime

import (
	"net/http/httptest"
	"testing"
)

func TestOriginPolicy_Check(t *testing.T) {
	t.Parallel()

	p := newOriginPolicy(true, []string{"http://localhost", " https://chat.example.com ", ""})

	cases := []struct {
		origin string
		ok     bool
	}{
		{"", false},
		{"http://localhost", true},
		{"http://localhost:5173", true},
		{"https://chat.example.com", true},
		{"https://CHAT.example.com:8443", true},
		{"https://evil.example.com", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		err := p.check(r)
		if (err == nil) != tc.ok {
			t.Fatalf("origin %q: err=%v want ok=%v", tc.origin, err, tc.ok)
		}
	}
}

func TestOriginPolicy_NotRequired(t *testing.T) {
	t.Parallel()

	p := newOriginPolicy(false, nil)
	r := httptest.NewRequest("GET", "/ws", nil)
	if err := p.check(r); err != nil {
		t.Fatalf("missing origin rejected: %v", err)
	}

	r.Header.Set("Origin", "http://localhost")
	if err := p.check(r); err == nil {
		t.Fatalf("origin accepted with empty allowlist")
	}
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()

	got := originPatterns([]string{"http://b.example:80", "*", "http://a.example", "https://a.example"})
	want := []string{"a.example", "a.example:*", "b.example", "b.example:*"}
	if len(got) != len(want) {
		t.Fatalf("patterns=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("patterns=%v want %v", got, want)
		}
	}
}
