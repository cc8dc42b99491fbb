package engine

import (
	"net"
	"net/http"
	"strings"
)

// IPExtraction selects how the client IP is derived from a request,
// per spec.md §4.2's "informs mode but not auth" policy.
type IPExtraction string

const (
	IPExtractionPeer               IPExtraction = "peer"
	IPExtractionRightmostXFF       IPExtraction = "rightmost_xff"
	IPExtractionLeftmostTrustedXFF IPExtraction = "leftmost_trusted_xff"
)

// privateCIDRs are the ranges spec.md §4.3 lists for auto-mode proxy
// classification.
var privateCIDRs = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"fc00::/7",
	"fe80::/10",
	"::1/128",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("engine: invalid built-in CIDR " + c + ": " + err.Error())
		}
		nets = append(nets, n)
	}
	return nets
}

// IsPrivate reports whether ip falls in one of the private/loopback/
// link-local ranges spec.md §4.3 lists for auto-mode classification.
func IsPrivate(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, n := range privateCIDRs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP extracts the request's client IP per the configured policy.
func ClientIP(r *http.Request, policy IPExtraction) net.IP {
	switch policy {
	case IPExtractionRightmostXFF:
		if ip := rightmostXFF(r); ip != nil {
			return ip
		}
	case IPExtractionLeftmostTrustedXFF:
		if ip := leftmostXFF(r); ip != nil {
			return ip
		}
	}
	return peerIP(r)
}

func peerIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

// rightmostXFF returns the rightmost entry of X-Forwarded-For: the hop
// closest to this service, i.e. the one least likely to be spoofed by
// the original client.
func rightmostXFF(r *http.Request) net.IP {
	hops := splitXFF(r.Header.Get("X-Forwarded-For"))
	if len(hops) == 0 {
		return nil
	}
	return net.ParseIP(hops[len(hops)-1])
}

// leftmostXFF returns the leftmost entry: the originating client, as
// reported by a chain of hops the operator trusts entirely.
func leftmostXFF(r *http.Request) net.IP {
	hops := splitXFF(r.Header.Get("X-Forwarded-For"))
	if len(hops) == 0 {
		return nil
	}
	return net.ParseIP(hops[0])
}

func splitXFF(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	hops := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			hops = append(hops, p)
		}
	}
	return hops
}
