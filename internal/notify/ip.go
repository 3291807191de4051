package notify

import (
	"net/http"
	"net/netip"
	"strings"
)

// Headers are checked in this order; duplicates are dropped.
var ipHeaders = []string{
	"Cf-Connecting-Ip",
	"Cf-Connecting-Ipv6",
	"X-Forwarded-For",
	"Forwarded",
	"X-Real-Ip",
}

var cloudflareRanges = mustPrefixes(
	"173.245.48.0/20",
	"103.21.244.0/22",
	"103.22.200.0/22",
	"103.31.4.0/22",
	"141.101.64.0/18",
	"108.162.192.0/18",
	"190.93.240.0/20",
	"188.114.96.0/20",
	"197.234.240.0/22",
	"198.41.128.0/17",
	"162.158.0.0/15",
	"104.16.0.0/13",
	"104.24.0.0/14",
	"172.64.0.0/13",
	"131.0.72.0/22",
	"2400:cb00::/32",
	"2606:4700::/32",
	"2803:f800::/32",
	"2405:b500::/32",
	"2405:8100::/32",
	"2a06:98c0::/29",
	"2c0f:f248::/32",
)

var documentationRanges = mustPrefixes(
	"192.0.2.0/24",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"2001:db8::/32",
)

var broadcast = netip.MustParseAddr("255.255.255.255")

// ExtractIPs returns the public client addresses found in the proxy headers
// of h. Private, loopback, link-local, unspecified, multicast, broadcast and
// documentation addresses are dropped, as are Cloudflare edge addresses.
func ExtractIPs(h http.Header) []string {
	seen := make(map[netip.Addr]struct{})
	var out []string
	for _, name := range ipHeaders {
		for _, value := range h.Values(name) {
			for _, candidate := range splitHeader(name, value) {
				addr, ok := parseAddr(candidate)
				if !ok || !public(addr) {
					continue
				}
				if _, dup := seen[addr]; dup {
					continue
				}
				seen[addr] = struct{}{}
				out = append(out, addr.String())
			}
		}
	}
	return out
}

func splitHeader(name, value string) []string {
	if name != "Forwarded" {
		return strings.Split(value, ",")
	}
	// Forwarded: for=192.0.2.60;proto=http, for="[2001:db8::1]:4711"
	var out []string
	for _, elem := range strings.Split(value, ",") {
		for _, pair := range strings.Split(elem, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok && strings.EqualFold(k, "for") {
				out = append(out, v)
			}
		}
	}
	return out
}

func parseAddr(s string) (netip.Addr, bool) {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	if s == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}

func public(addr netip.Addr) bool {
	if addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsUnspecified() ||
		addr.IsMulticast() ||
		addr == broadcast {
		return false
	}
	for _, p := range documentationRanges {
		if p.Contains(addr) {
			return false
		}
	}
	for _, p := range cloudflareRanges {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

func mustPrefixes(ranges ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(ranges))
	for i, r := range ranges {
		out[i] = netip.MustParsePrefix(r)
	}
	return out
}
