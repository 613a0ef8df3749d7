package evidence

import (
	"net"
	"net/netip"
	"strings"
)

// NormalizeAddr reduces a remote address to the key used for evidence and
// audit directories. Ports are dropped, IPv4-mapped IPv6 addresses are
// unmapped, and the IPv6 loopback collapses to 127.0.0.1.
func NormalizeAddr(remote string) string {
	host := strings.TrimSpace(remote)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	addr, err := netip.ParseAddr(host)
	if err != nil {
		if host == "" {
			return "unknown"
		}
		return host
	}
	addr = addr.Unmap().WithZone("")
	if addr == netip.IPv6Loopback() {
		return "127.0.0.1"
	}
	return addr.String()
}

// dirName turns a normalized address into a single path element.
func dirName(addr string) string {
	name := strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(addr)
	if name == "" || name == "." || name == ".." {
		return "unknown"
	}
	return name
}
