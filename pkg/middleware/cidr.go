package middleware

import (
	"net"
	"strconv"
	"strings"
)

// IPWhitelisted reports whether ip matches any entry in the allowlist.
// Entries are exact IPs ("203.0.113.7") or CIDR blocks ("10.0.0.0/24",
// "2001:db8::/32").
func IPWhitelisted(ip string, allowlist []string) bool {
	for _, entry := range allowlist {
		if matchIPEntry(ip, entry) {
			return true
		}
	}
	return false
}

func matchIPEntry(ip, entry string) bool {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return false
	}
	if !strings.Contains(entry, "/") {
		return ip == entry
	}
	return cidrContains(ip, entry)
}

// cidrContains checks CIDR containment. IPv4 uses mask arithmetic; IPv6
// compares whole leading bytes of the prefix, so masks that are not a
// multiple of 8 are rounded down to byte granularity.
func cidrContains(ip, cidr string) bool {
	parts := strings.SplitN(cidr, "/", 2)
	if len(parts) != 2 {
		return false
	}
	network := net.ParseIP(parts[0])
	addr := net.ParseIP(ip)
	if network == nil || addr == nil {
		return false
	}
	maskBits, err := strconv.Atoi(parts[1])
	if err != nil || maskBits < 0 {
		return false
	}

	if n4, a4 := network.To4(), addr.To4(); n4 != nil && a4 != nil {
		if maskBits > 32 {
			return false
		}
		mask := net.CIDRMask(maskBits, 32)
		return a4.Mask(mask).Equal(n4.Mask(mask))
	}

	n16, a16 := network.To16(), addr.To16()
	if n16 == nil || a16 == nil || maskBits > 128 {
		return false
	}
	prefixBytes := maskBits / 8
	for i := 0; i < prefixBytes; i++ {
		if n16[i] != a16[i] {
			return false
		}
	}
	return true
}

// clientIP extracts the caller's IP: the first X-Forwarded-For hop when
// present, then X-Real-IP, then the socket peer.
func clientIP(remoteAddr, forwardedFor, realIP string) string {
	if forwardedFor != "" {
		first := strings.TrimSpace(strings.SplitN(forwardedFor, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
