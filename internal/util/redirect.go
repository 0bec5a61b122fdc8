package util

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// IsLoopbackHost reports whether host, as returned by url.URL.Hostname,
// names the local machine.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	return err == nil && addr.IsLoopback()
}

// ValidateRedirectURI checks that raw is an absolute URI suitable for
// registration: no fragment, https unless the host is loopback, and no
// unspecified or link-local IP literal as host.
func ValidateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("redirect uri is not a valid URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("redirect uri must be absolute")
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect uri must not contain a fragment")
	}

	host := u.Hostname()
	switch u.Scheme {
	case "https":
	case "http":
		if !IsLoopbackHost(host) {
			return fmt.Errorf("redirect uri must use https for non-loopback host %q", host)
		}
	default:
		return fmt.Errorf("redirect uri scheme %q is not allowed", u.Scheme)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.IsUnspecified() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
			return fmt.Errorf("redirect uri host %s is not routable", host)
		}
	}
	return nil
}
