package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrUnsafeEndpoint is returned for URLs the server must not call.
var ErrUnsafeEndpoint = errors.New("unsafe endpoint")

// EndpointPolicy describes which outbound URLs are acceptable.
type EndpointPolicy struct {
	// RequireHTTPS rejects plain http URLs.
	RequireHTTPS bool
	// AllowPrivate permits loopback and private addresses (local development).
	AllowPrivate bool
	// Resolver looks up hostnames; nil uses net.DefaultResolver.
	Resolver interface {
		LookupHost(ctx context.Context, host string) ([]string, error)
	}
}

// Validate blocks private, loopback, link-local, and unspecified IPs unless
// AllowPrivate is set. Both the literal host and DNS-resolved addresses are
// checked.
func (p EndpointPolicy) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", ErrUnsafeEndpoint)
	}

	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && !p.RequireHTTPS:
	default:
		if p.RequireHTTPS {
			return fmt.Errorf("%w: URL scheme must be https", ErrUnsafeEndpoint)
		}
		return fmt.Errorf("%w: URL scheme must be http or https", ErrUnsafeEndpoint)
	}

	if u.Host == "" {
		return fmt.Errorf("%w: URL must have a host", ErrUnsafeEndpoint)
	}
	if u.User != nil {
		return fmt.Errorf("%w: URL must not carry credentials", ErrUnsafeEndpoint)
	}
	if p.AllowPrivate {
		return nil
	}

	host := u.Hostname()

	blocked := []string{"localhost", "metadata.google.internal", "metadata.google"}
	for _, b := range blocked {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: URL host %q is not allowed", ErrUnsafeEndpoint, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	var resolver interface {
		LookupHost(ctx context.Context, host string) ([]string, error)
	} = net.DefaultResolver
	if p.Resolver != nil {
		resolver = p.Resolver
	}
	ips, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve URL host: %s", ErrUnsafeEndpoint, host)
	}
	for _, ipStr := range ips {
		if resolved := net.ParseIP(ipStr); resolved != nil {
			if err := checkIP(resolved); err != nil {
				return fmt.Errorf("URL host %q resolves to blocked address: %w", host, err)
			}
		}
	}

	return nil
}

func checkIP(ip net.IP) error {
	if ip.IsLoopback() {
		return fmt.Errorf("%w: loopback addresses are not allowed", ErrUnsafeEndpoint)
	}
	if ip.IsPrivate() {
		return fmt.Errorf("%w: private addresses are not allowed", ErrUnsafeEndpoint)
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("%w: link-local addresses are not allowed", ErrUnsafeEndpoint)
	}
	if ip.IsUnspecified() {
		return fmt.Errorf("%w: unspecified addresses are not allowed", ErrUnsafeEndpoint)
	}
	return nil
}
