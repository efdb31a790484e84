package protocol

import (
	"net"
	"strings"
)

// ParseProxyV1 parses a HAProxy PROXY protocol v1 header line:
// "PROXY TCP4 1.1.1.1 2.2.2.2 123 456". It returns the client address.
// "PROXY UNKNOWN" is accepted and yields an empty address.
func ParseProxyV1(line string) (src string, ok bool) {
	line = TrimLine(line)
	if !strings.HasPrefix(line, "PROXY ") {
		return "", false
	}
	parts := strings.Fields(line)
	if len(parts) >= 2 && parts[1] == "UNKNOWN" {
		return "", true
	}
	// parts: PROXY TCP4 src dst sport dport
	if len(parts) != 6 || (parts[1] != "TCP4" && parts[1] != "TCP6") {
		return "", false
	}
	if net.ParseIP(parts[2]) == nil || !isPortNumber(parts[4]) {
		return "", false
	}
	return net.JoinHostPort(parts[2], parts[4]), true
}

// IsProxyLine reports whether a frame looks like a PROXY header
func IsProxyLine(line []byte) bool {
	return len(line) >= 6 && string(line[:6]) == "PROXY "
}

func isPortNumber(s string) bool {
	if s == "" || len(s) > 5 {
		return false
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
		n = n*10 + int(c-'0')
	}
	return n > 0 && n < 65536
}
