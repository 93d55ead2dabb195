// Package ipident extracts a client IP from an HTTP request under a trust
// policy and coarsens IPs into cardinality-bounded buckets.
package ipident

import (
	"crypto/hmac"
	"net"
	"net/http"
	"os"
	"strings"
)

// ForwardedSecretHeader is the header a trusted upstream proxy must set,
// matching SHUMA_FORWARDED_IP_SECRET, before forwarded-IP headers are
// honored at all.
const ForwardedSecretHeader = "X-Shuma-Forwarded-Secret"

// Unknown is returned when no IP can be determined.
const Unknown = "unknown"

// Extract returns the client IP for req. Forwarded headers
// (X-Forwarded-For, X-Real-IP) are consulted only when SHUMA_FORWARDED_IP_SECRET
// is set in the environment and req carries a matching ForwardedSecretHeader;
// otherwise only the transport remote address is trusted.
func Extract(req *http.Request) string {
	if trustForwarded(req) {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
				return first
			}
		}
		if xri := req.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		if req.RemoteAddr != "" {
			return req.RemoteAddr
		}
		return Unknown
	}
	return host
}

func trustForwarded(req *http.Request) bool {
	secret := os.Getenv("SHUMA_FORWARDED_IP_SECRET")
	if secret == "" {
		return false
	}
	return hmac.Equal([]byte(req.Header.Get(ForwardedSecretHeader)), []byte(secret))
}

// Bucket coarsens ip into a cardinality-bounded key: IPv4 is truncated to a
// /24, IPv6 to a /48. Unparsable input returns Unknown. Purely structural,
// no cryptography involved.
func Bucket(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Unknown
	}
	if v4 := parsed.To4(); v4 != nil {
		return net.IPNet{IP: v4.Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}.IP.String() + "/24"
	}
	v6 := parsed.To16()
	if v6 == nil {
		return Unknown
	}
	masked := v6.Mask(net.CIDRMask(48, 128))
	return masked.String() + "/48"
}
