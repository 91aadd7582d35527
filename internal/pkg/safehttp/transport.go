// Package safehttp builds the HTTP clients used for outbound relay calls.
package safehttp

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Options configures NewClient.
type Options struct {
	// Timeout bounds the whole call; zero leaves only the transport's own
	// dial and handshake timeouts in effect.
	Timeout time.Duration

	// BlockPrivate rejects connections to loopback, private and link-local
	// addresses to reduce SSRF risk.
	BlockPrivate bool
}

// NewClient returns a traced client. The scheme of each request URL selects
// plain or TLS transport.
func NewClient(opts Options) *http.Client {
	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: otelhttp.NewTransport(NewTransport(opts.BlockPrivate)),
	}
}

// NewTransport clones the default transport, optionally guarding the dialer.
func NewTransport(blockPrivate bool) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if !blockPrivate {
		return t
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   denyPrivate,
	}
	t.DialContext = dialer.DialContext
	return t
}

// denyPrivate runs after name resolution and before connect, so it sees the
// address actually dialed.
func denyPrivate(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("parse dial address %q: %w", address, err)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("parse dial address %q: %w", address, err)
	}
	if IsPrivate(ip) {
		return fmt.Errorf("access to private IP %s is denied", ip)
	}
	return nil
}

// IsPrivate reports whether ip is loopback, private, link-local or unspecified.
func IsPrivate(ip netip.Addr) bool {
	ip = ip.Unmap()
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
