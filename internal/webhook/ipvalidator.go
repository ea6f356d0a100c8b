package webhook

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// IPValidator checks webhook sources against the gateway's published ranges.
// Outside production every source is accepted.
//
// Forwarding headers are only read when the TCP peer is one of the trusted
// proxies; otherwise the peer address is the source.
type IPValidator struct {
	enforce bool
	nets    []*net.IPNet
	proxies []*net.IPNet
}

func NewIPValidator(production, trustAll bool, cidrs, trustedProxies []string) (*IPValidator, error) {
	nets, err := parseNets(cidrs)
	if err != nil {
		return nil, fmt.Errorf("invalid allowed ip range: %w", err)
	}
	proxies, err := parseNets(trustedProxies)
	if err != nil {
		return nil, fmt.Errorf("invalid trusted proxy: %w", err)
	}

	v := &IPValidator{enforce: production && !trustAll, nets: nets, proxies: proxies}
	if v.enforce && len(v.nets) == 0 {
		return nil, fmt.Errorf("no allowed ip ranges configured for production")
	}
	return v, nil
}

func (v *IPValidator) Allowed(ip string) bool {
	if !v.enforce {
		return true
	}
	return contains(v.nets, ip)
}

// SourceIP resolves the address a delivery came from. X-Forwarded-For is
// walked right to left, skipping trusted hops, so a client cannot prepend
// its own entries.
func (v *IPValidator) SourceIP(r *http.Request) string {
	peer := ClientIP(r.RemoteAddr)
	if v == nil || !contains(v.proxies, peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				return peer
			}
			if !contains(v.proxies, hop) {
				return hop
			}
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(realIP) != nil {
		return realIP
	}
	return peer
}

// ClientIP returns the host part of the request's remote address.
func ClientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func parseNets(cidrs []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !strings.Contains(c, "/") {
			if strings.Contains(c, ":") {
				c += "/128"
			} else {
				c += "/32"
			}
		}
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", c, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func contains(nets []*net.IPNet, ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}
