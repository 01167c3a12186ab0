// Package ipchecker resolves the client IP of a request and tells whether it
// belongs to the trusted subnet allowed to read internal statistics.
package ipchecker

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrNoClientIP is returned when no address can be parsed from the request.
var ErrNoClientIP = errors.New("client IP is not available")

type IPChecker struct {
	trustedSubnet *net.IPNet
}

// New parses trustedSubnet in CIDR notation. An empty value disables the
// subnet, so Check never succeeds.
func New(trustedSubnet string) (*IPChecker, error) {
	trustedSubnet = strings.TrimSpace(trustedSubnet)
	if trustedSubnet == "" {
		return &IPChecker{}, nil
	}

	_, allowedNet, err := net.ParseCIDR(trustedSubnet)
	if err != nil {
		return nil, fmt.Errorf("in internal/ipchecker/ipchecker.go/New(): error while `net.ParseCIDR()` calling: %w", err)
	}

	return &IPChecker{
		trustedSubnet: allowedNet,
	}, nil
}

// Check reports whether clientIP is inside the trusted subnet.
func (checker *IPChecker) Check(clientIP net.IP) bool {
	return checker.trustedSubnet != nil && clientIP != nil && checker.trustedSubnet.Contains(clientIP)
}

// GetClientIP returns the address of the peer from RemoteAddr. Forwarded
// headers are never read here; behind a trusted proxy the router rewrites
// RemoteAddr with middleware.RealIP before this runs.
func (checker *IPChecker) GetClientIP(request *http.Request) (net.IP, error) {
	host := strings.TrimSpace(request.RemoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("in internal/ipchecker/ipchecker.go/GetClientIP(): %w: %q", ErrNoClientIP, request.RemoteAddr)
	}

	return ip, nil
}

// IsTrustedSubnetEmpty reports whether no trusted subnet is configured.
func (checker *IPChecker) IsTrustedSubnetEmpty() bool {
	return checker.trustedSubnet == nil
}
