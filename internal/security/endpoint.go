package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// EndpointPolicy decides whether the service may send requests to a
// caller-supplied URL (webhook targets).
type EndpointPolicy struct {
	// RequireHTTPS rejects plain http URLs.
	RequireHTTPS bool
	// BlockedHosts are rejected by name, case-insensitively.
	BlockedHosts []string
	// LookupHost resolves names; nil uses net.LookupHost.
	LookupHost func(host string) ([]string, error)
}

// DefaultPolicy blocks cloud metadata names and every non-public address.
var DefaultPolicy = EndpointPolicy{
	BlockedHosts: []string{"localhost", "metadata.google.internal", "metadata.google"},
}

// ValidateEndpointURL checks rawURL against DefaultPolicy.
func ValidateEndpointURL(rawURL string) error {
	return DefaultPolicy.Validate(rawURL)
}

// Validate blocks private, loopback, link-local, and unspecified IPs. Both
// the literal host and DNS-resolved addresses are checked.
func (p EndpointPolicy) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}

	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && !p.RequireHTTPS:
	case u.Scheme == "http":
		return fmt.Errorf("URL scheme must be https")
	default:
		return fmt.Errorf("URL scheme must be http or https")
	}

	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if u.User != nil {
		return fmt.Errorf("URL must not embed credentials")
	}

	host := u.Hostname()
	for _, b := range p.BlockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	lookup := p.LookupHost
	if lookup == nil {
		lookup = net.LookupHost
	}
	ips, err := lookup(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, ipStr := range ips {
		if resolved := net.ParseIP(ipStr); resolved != nil {
			if err := checkIP(resolved); err != nil {
				return fmt.Errorf("URL host %q resolves to blocked address: %v", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback addresses are not allowed")
	case ip.IsPrivate():
		return fmt.Errorf("private addresses are not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local addresses are not allowed")
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
