// Package safehttp provides an HTTP client for URLs that arrive inside
// untrusted request payloads, such as chat response targets.
package safehttp

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"
)

// dialer refuses private destinations in its Control hook, which runs after
// DNS resolution and before the connection is made. A hostname that
// resolves to a private address is rejected the same way as a literal one.
var dialer = &net.Dialer{
	Timeout: 5 * time.Second,
	Control: func(network, address string, _ syscall.RawConn) error {
		ap, err := netip.ParseAddrPort(address)
		if err != nil {
			return fmt.Errorf("failed to parse dial address %q: %w", address, err)
		}
		if !Allowed(net.IP(ap.Addr().Unmap().AsSlice())) {
			return fmt.Errorf("access to private IP %s is denied", ap.Addr())
		}
		return nil
	},
}

// SafeTransport rejects connections to private or loopback IP ranges to reduce SSRF risk.
var SafeTransport = &http.Transport{
	Proxy:               nil,
	DialContext:         dialer.DialContext,
	TLSHandshakeTimeout: 5 * time.Second,
	MaxIdleConns:        16,
	IdleConnTimeout:     90 * time.Second,
}

// Allowed reports whether ip is a public address.
func Allowed(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified())
}

// NewClient returns an HTTP client using SafeTransport. Redirects are
// followed at most three times; each hop dials through the same guard.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: SafeTransport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return fmt.Errorf("stopped after %d redirects", len(via))
			}
			return nil
		},
	}
}
