package auth

import (
	"errors"
	"net/http"
	"strings"
	"testing"
)

func TestParseChallenge(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   Challenge
	}{
		{
			name:   "docker hub",
			header: `Bearer realm="https://auth.docker.io/token",service="registry.docker.io"`,
			want:   Challenge{Realm: "https://auth.docker.io/token", Service: "registry.docker.io"},
		},
		{
			name:   "example registry",
			header: `Bearer realm="https://auth.example.com/token",service="registry.example.com"`,
			want:   Challenge{Realm: "https://auth.example.com/token", Service: "registry.example.com"},
		},
		{
			name:   "trailing scope captured by name",
			header: `Bearer realm="https://ghcr.io/token",service="ghcr.io",scope="repository:user/image:pull"`,
			want:   Challenge{Realm: "https://ghcr.io/token", Service: "ghcr.io", Scope: "repository:user/image:pull"},
		},
		{
			name:   "spaces between parameters",
			header: `Bearer realm = "https://quay.io/v2/auth", service = "quay.io"`,
			want:   Challenge{Realm: "https://quay.io/v2/auth", Service: "quay.io"},
		},
		{
			name:   "escaped quote in service",
			header: `Bearer realm="https://auth.example.com/token",service="reg \"one\""`,
			want:   Challenge{Realm: "https://auth.example.com/token", Service: `reg "one"`},
		},
		{
			name:   "empty service",
			header: `Bearer realm="https://auth.example.com/token",service=""`,
			want:   Challenge{Realm: "https://auth.example.com/token", Service: ""},
		},
		{
			// Values are taken positionally, not by name.
			name:   "reversed order is positional",
			header: `Bearer service="registry.example.com",realm="https://auth.example.com/token"`,
			want:   Challenge{Realm: "registry.example.com", Service: "https://auth.example.com/token"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseChallenge(tt.header)
			if err != nil {
				t.Fatalf("ParseChallenge() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseChallenge() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseChallenge_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"single quoted value", `Bearer error="invalid_token"`},
		{"no quoted values", `Basic realm=registry`},
		{"empty", ``},
		{"empty realm", `Bearer realm="",service="registry.example.com"`},
		{"unterminated quote", `Bearer realm="https://auth.example.com/token,service="x`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseChallenge(tt.header)
			if err == nil {
				t.Fatal("ParseChallenge() expected error, got nil")
			}
			if !errors.Is(err, ErrMalformedChallenge) {
				t.Errorf("error = %v, want ErrMalformedChallenge", err)
			}
			if !strings.Contains(err.Error(), tt.header) {
				t.Errorf("error = %q, want it to contain raw header %q", err, tt.header)
			}
		})
	}
}

func TestFormatChallenge(t *testing.T) {
	got := FormatChallenge("https://proxy.example.com/v2/auth", "registry-proxy")
	want := `Bearer realm="https://proxy.example.com/v2/auth",service="registry-proxy"`
	if got != want {
		t.Errorf("FormatChallenge() = %q, want %q", got, want)
	}
}

func TestFormatChallenge_RoundTripsThroughParser(t *testing.T) {
	header := FormatChallenge(`https://proxy.example.com/v2/auth`, `odd "name"`)
	c, err := ParseChallenge(header)
	if err != nil {
		t.Fatalf("ParseChallenge() error = %v", err)
	}
	if c.Service != `odd "name"` {
		t.Errorf("Service = %q, want %q", c.Service, `odd "name"`)
	}
}

func TestIsReadMethod(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{http.MethodGet, true},
		{http.MethodHead, true},
		{http.MethodPut, false},
		{http.MethodPost, false},
		{http.MethodPatch, false},
		{http.MethodDelete, false},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			if got := IsReadMethod(tt.method); got != tt.want {
				t.Errorf("IsReadMethod(%q) = %v, want %v", tt.method, got, tt.want)
			}
		})
	}
}
