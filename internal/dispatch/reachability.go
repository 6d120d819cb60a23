package dispatch

import (
	"net"
	"net/url"
	"strings"
)

// IsLoopbackURL reports whether the callback URL points at this machine, in
// which case a hosted delay queue cannot reach it. Unparseable URLs are
// treated as unreachable.
func IsLoopbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return true
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsUnspecified()
	}
	return false
}
