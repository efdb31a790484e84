package config

import (
	"net"
	"strconv"
	"strings"
)

func isPortNumber(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port > 0 && port < 65536
}

// NormalizeAddr normalizes a peer address to "host:port".
// - If address is only a port number (e.g., "3414"), prepend defaultHost.
// - If address is a hostname without port, append the default gossip port.
// Returns "" when the address cannot be parsed.
func NormalizeAddr(addr string, defaultHost string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if defaultHost == "" {
		defaultHost = "127.0.0.1"
	}
	defaultPort := strconv.Itoa(DefaultPeerGossipPort)

	// Bracketed IPv6 or host:port
	if strings.Contains(addr, ":") {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			// Bare IPv6 literal
			if ip := net.ParseIP(addr); ip != nil {
				return net.JoinHostPort(addr, defaultPort)
			}
			return ""
		}
		if !isPortNumber(port) {
			return ""
		}
		if host == "" {
			host = defaultHost
		}
		return net.JoinHostPort(host, port)
	}

	if isPortNumber(addr) {
		return net.JoinHostPort(defaultHost, addr)
	}
	return net.JoinHostPort(addr, defaultPort)
}
