package http

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// IPConfig lists the proxies whose forwarding headers are believed
type IPConfig struct {
	TrustedProxies []string // CIDR prefixes; invalid entries are ignored
}

func (c *IPConfig) trusts(addr netip.Addr) bool {
	if c == nil {
		return false
	}
	for _, cidr := range c.TrustedProxies {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			continue
		}
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ExtractClientIP returns the address the rate limiter and event log key on.
//
// Forwarding headers are read only when the direct peer is a trusted proxy.
// X-Forwarded-For is walked from the right and the first hop that is not
// itself a trusted proxy wins; entries left of it were written by the client
// and can be forged. X-Real-IP is used when X-Forwarded-For yields nothing.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	remote, ok := remoteAddr(r)
	if !ok {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	if !config.trusts(remote) {
		return remote.String()
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			hop = hop.Unmap()
			if !config.trusts(hop) {
				return hop.String()
			}
		}
	}

	if xri, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return xri.Unmap().String()
	}

	return remote.String()
}

func remoteAddr(r *http.Request) (netip.Addr, bool) {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
