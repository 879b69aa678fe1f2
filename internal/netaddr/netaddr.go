// Package netaddr parses and formats host:port strings, including bracketed
// IPv6 literals, for embedding agent addresses into URLs and engine configs.
package netaddr

import (
	"net/netip"
	"strconv"
	"strings"
)

// HostPort is a parsed address. Port is zero when the input carried none.
type HostPort struct {
	Host string
	Port int
	IPv6 bool
}

// ParseHostPort splits an address into host and port. Accepted forms:
//
//	127.0.0.1:8080    -> 127.0.0.1, 8080
//	[2001:db8::1]:80  -> 2001:db8::1, 80 (IPv6)
//	[2001:db8::1]     -> 2001:db8::1, no port (IPv6)
//	2001:db8::1       -> 2001:db8::1, no port (IPv6)
//	example.com:443   -> example.com, 443
//	example.com       -> example.com, no port
//
// Input that does not fit any form is returned whole as the host.
func ParseHostPort(s string) HostPort {
	s = strings.TrimSpace(s)
	if s == "" {
		return HostPort{}
	}

	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end > 0 {
			host := s[1:end]
			rest := s[end+1:]
			if rest == "" {
				return HostPort{Host: host, IPv6: true}
			}
			if strings.HasPrefix(rest, ":") {
				if port, ok := parsePort(rest[1:]); ok {
					return HostPort{Host: host, Port: port, IPv6: true}
				}
			}
		}
		return HostPort{Host: s}
	}

	if IsIPv6(s) {
		return HostPort{Host: s, IPv6: true}
	}

	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return HostPort{Host: s}
	}
	host, portStr := s[:i], s[i+1:]
	port, ok := parsePort(portStr)
	if !ok {
		return HostPort{Host: s}
	}
	// Unbracketed IPv6 with a trailing port, e.g. "2001:db8::1:8080" where the
	// prefix is itself a valid address.
	if IsIPv6(host) {
		return HostPort{Host: host, Port: port, IPv6: true}
	}
	if strings.Contains(host, ":") {
		return HostPort{Host: s}
	}
	return HostPort{Host: host, Port: port}
}

func parsePort(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	p, err := strconv.Atoi(s)
	if err != nil || p < 0 || p > 65535 {
		return 0, false
	}
	return p, true
}

// FormatHostPort joins host and port, bracketing IPv6 literals. A port <= 0
// returns the host unchanged.
func FormatHostPort(host string, port int) string {
	if host == "" {
		return ""
	}
	if port <= 0 {
		return host
	}
	return BracketHost(host) + ":" + strconv.Itoa(port)
}

// BracketHost wraps an IPv6 literal in brackets. Anything else, including
// an already bracketed literal, is returned as is.
func BracketHost(host string) string {
	if IsIPv6(host) {
		return "[" + host + "]"
	}
	return host
}

// URL builds scheme://host:port with IPv6 bracketing.
func URL(scheme, host string, port int) string {
	return scheme + "://" + FormatHostPort(host, port)
}

// IsIP reports whether s is an IPv4 or IPv6 literal.
func IsIP(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}

// IsIPv6 reports whether s is an IPv6 literal (without brackets).
func IsIPv6(s string) bool {
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is6()
}
