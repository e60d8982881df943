package rpc

import (
	"net"
	"strings"
)

// DefaultPort is assumed for endpoint addresses registered without one.
const DefaultPort = "8080"

// NormalizeAddress turns a registered endpoint address into a base URL.
// Bare host:port gets an http:// scheme, a missing port gets DefaultPort,
// and trailing slashes are dropped.
func NormalizeAddress(addr string) string {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	scheme := "http://"
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr, scheme = rest, "https://"
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultPort)
	}
	return scheme + addr
}
