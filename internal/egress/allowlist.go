// Package egress restricts provider clients to the hosts they are configured
// for.
package egress

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"orcascore/engine/internal/llm"
)

// Policy decides which request URLs may leave the process. Only HTTPS to a
// listed hostname passes; raw IP hosts are refused unless LoopbackHTTP admits
// a local gateway.
type Policy struct {
	hosts map[string]bool
	// LoopbackHTTP admits http and https to loopback addresses that are listed.
	LoopbackHTTP bool
}

func NewPolicy(hosts ...string) *Policy {
	p := &Policy{hosts: make(map[string]bool, len(hosts))}
	for _, host := range hosts {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			p.hosts[host] = true
		}
	}
	return p
}

// Check returns an error wrapping llm.ErrEgressBlocked when u may not be
// contacted.
func (p *Policy) Check(u *url.URL) error {
	if u == nil {
		return fmt.Errorf("%w: missing url", llm.ErrEgressBlocked)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: missing host", llm.ErrEgressBlocked)
	}
	local := p.LoopbackHTTP && isLoopback(host)
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && local:
	default:
		return fmt.Errorf("%w: scheme %q to %s", llm.ErrEgressBlocked, u.Scheme, host)
	}
	if net.ParseIP(host) != nil && !local {
		return fmt.Errorf("%w: ip host %s", llm.ErrEgressBlocked, host)
	}
	if !p.hosts[host] {
		return fmt.Errorf("%w: host %s not allowed", llm.ErrEgressBlocked, host)
	}
	return nil
}

// Transport wraps base so every request is checked first. A nil base means
// http.DefaultTransport.
func (p *Policy) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &roundTripper{policy: p, base: base}
}

type roundTripper struct {
	policy *Policy
	base   http.RoundTripper
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := rt.policy.Check(req.URL); err != nil {
		return nil, err
	}
	return rt.base.RoundTrip(req)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
