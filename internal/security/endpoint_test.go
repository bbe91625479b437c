package security

import (
	"errors"
	"strings"
	"testing"
)

func fakeLookup(m map[string][]string) func(string) ([]string, error) {
	return func(host string) ([]string, error) {
		if ips, ok := m[host]; ok {
			return ips, nil
		}
		return nil, errors.New("no such host")
	}
}

func TestEndpointPolicy_Validate(t *testing.T) {
	p := EndpointPolicy{
		BlockedHosts: DefaultPolicy.BlockedHosts,
		LookupHost: fakeLookup(map[string][]string{
			"hooks.example.com":    {"93.184.216.34"},
			"internal.example.com": {"93.184.216.34", "10.0.0.8"},
		}),
	}

	tests := []struct {
		name    string
		url     string
		wantErr string
	}{
		{"public https", "https://hooks.example.com/risk", ""},
		{"public http", "http://hooks.example.com/risk", ""},
		{"public ip literal", "https://93.184.216.34/hook", ""},
		{"bad scheme", "ftp://hooks.example.com", "scheme"},
		{"no host", "https:///path", "host"},
		{"credentials", "https://user:pw@hooks.example.com", "credentials"},
		{"localhost", "http://localhost:8080", "not allowed"},
		{"metadata", "http://METADATA.google.internal/", "not allowed"},
		{"loopback", "http://127.0.0.1/", "loopback"},
		{"private", "http://192.168.1.10/", "private"},
		{"link local", "http://169.254.169.254/latest", "link-local"},
		{"unspecified", "http://0.0.0.0/", "unspecified"},
		{"ipv6 loopback", "http://[::1]/", "loopback"},
		{"resolves private", "https://internal.example.com", "resolves to blocked"},
		{"unresolvable", "https://nope.example.com", "cannot resolve"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(tt.url)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEndpointPolicy_RequireHTTPS(t *testing.T) {
	p := EndpointPolicy{RequireHTTPS: true, LookupHost: fakeLookup(map[string][]string{"a.example": {"93.184.216.34"}})}
	if err := p.Validate("http://a.example/x"); err == nil || !strings.Contains(err.Error(), "https") {
		t.Fatalf("expected https error, got %v", err)
	}
	if err := p.Validate("https://a.example/x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
