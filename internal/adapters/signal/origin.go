package signal

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIP picks the caller address from proxy headers, falling back to
// the transport address. Priority: cf-connecting-ip, first
// x-forwarded-for entry, x-real-ip, remote address.
func ClientIP(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("Cf-Connecting-Ip")); v != "" {
		return v
	}
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		if first := strings.TrimSpace(strings.Split(v, ",")[0]); first != "" {
			return first
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-Ip")); v != "" {
		return stripPort(v)
	}
	return strings.TrimPrefix(stripPort(r.RemoteAddr), "::ffff:")
}

func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return strings.Trim(hostport, "[]")
}

var reservedV4 = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

var (
	globalV6        = netip.MustParsePrefix("2000::/3")
	documentationV6 = netip.MustParsePrefix("2001:db8::/32")
)

// IsPublicIP reports whether ip is a routable public unicast address.
func IsPublicIP(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap().WithZone("")
	if !addr.IsGlobalUnicast() || addr.IsPrivate() || addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() || addr.IsMulticast() {
		return false
	}
	if addr.Is4() {
		for _, p := range reservedV4 {
			if p.Contains(addr) {
				return false
			}
		}
		return true
	}
	return globalV6.Contains(addr) && !documentationV6.Contains(addr)
}
