package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
)

// RedactIdentity truncates an opaque identity hash for logs and any
// externally exposed listing. Full hashes stay inside the breaker.
func RedactIdentity(identity string) string {
	if len(identity) == 0 {
		return ""
	}
	if len(identity) <= 8 {
		return "[REDACTED]"
	}
	return identity[:6] + "..." + identity[len(identity)-4:]
}

// RedactIP zeroes the host portion of an address before logging. Inputs
// that do not parse as IPs are hashed instead of echoed.
func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	if ipv6 := parsed.To16(); ipv6 != nil {
		for i := 4; i < 16; i++ {
			ipv6[i] = 0
		}
		return ipv6.String()
	}
	hash := sha256.Sum256([]byte(ip))
	return "hash:" + hex.EncodeToString(hash[:8])
}
