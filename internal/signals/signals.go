// Package signals implements the pure classifiers that feed the botness
// scorer: honeypot match, whitelist match, outdated browser, geo routing,
// JS-cookie presence, and CDP automation-report banding.
package signals

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net"
	"path"
	"strconv"
	"strings"

	"shuma/internal/siteconfig"
)

// Availability records whether a signal could be evaluated at all.
type Availability string

const (
	Active      Availability = "active"
	Disabled    Availability = "disabled"
	Unavailable Availability = "unavailable"
)

// BotSignal is the output of every collector: a named, weighted
// contribution to the botness score plus an audit trail of why it did or
// didn't fire.
type BotSignal struct {
	Key          string       `json:"key"`
	Label        string       `json:"label"`
	Active       bool         `json:"active"`
	Contribution int          `json:"contribution"`
	Availability Availability `json:"availability"`
}

// HoneypotMatch reports whether path is one of config's configured
// honeypot paths. A match is a terminal deny upstream, not merely a
// botness contribution.
func HoneypotMatch(cfg siteconfig.Config, reqPath string) bool {
	for _, hp := range cfg.Honeypots {
		if hp == reqPath {
			return true
		}
	}
	return false
}

// WhitelistMatch reports whether ip or reqPath is whitelisted, short-
// circuiting the whole pipeline to allow.
func WhitelistMatch(cfg siteconfig.Config, ip, reqPath string) bool {
	for _, entry := range cfg.IPWhitelist {
		if ipOrCIDRMatch(entry, ip) {
			return true
		}
	}
	for _, pattern := range cfg.PathWhitelist {
		if pathGlobMatch(pattern, reqPath) {
			return true
		}
	}
	return false
}

func ipOrCIDRMatch(entry, ip string) bool {
	if entry == ip {
		return true
	}
	if _, cidr, err := net.ParseCIDR(entry); err == nil {
		if parsed := net.ParseIP(ip); parsed != nil {
			return cidr.Contains(parsed)
		}
	}
	return false
}

// pathGlobMatch supports a single trailing '*' wildcard, the common case
// for path prefixes like "/static/*".
func pathGlobMatch(pattern, reqPath string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(reqPath, strings.TrimSuffix(pattern, "*"))
	}
	ok, err := path.Match(pattern, reqPath)
	return err == nil && ok
}

// OutdatedBrowserMatch parses userAgent for each configured (name,
// min_version) rule and reports the first rule it falls below, if any.
func OutdatedBrowserMatch(cfg siteconfig.Config, userAgent string) (rule siteconfig.BrowserRule, matched bool) {
	for _, r := range cfg.BrowserBlock {
		version, ok := extractVersion(userAgent, r.Name)
		if !ok {
			continue
		}
		if version < r.MinVersion {
			return r, true
		}
	}
	return siteconfig.BrowserRule{}, false
}

// extractVersion looks for "<name>/<major>" or "<name> <major>" in ua and
// returns the leading integer version component.
func extractVersion(ua, name string) (int, bool) {
	lowerUA := strings.ToLower(ua)
	lowerName := strings.ToLower(name)
	idx := strings.Index(lowerUA, lowerName)
	if idx == -1 {
		return 0, false
	}
	rest := ua[idx+len(name):]
	rest = strings.TrimLeft(rest, "/ ")
	end := 0
	for end < len(rest) && (rest[end] >= '0' && rest[end] <= '9') {
		end++
	}
	if end == 0 {
		return 0, false
	}
	v, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, false
	}
	return v, true
}

// GeoRoute is the routing outcome of comparing a country code against
// config's geo lists.
type GeoRoute string

const (
	GeoNone      GeoRoute = "none"
	GeoBlock     GeoRoute = "block"
	GeoAllow     GeoRoute = "allow"
	GeoChallenge GeoRoute = "challenge"
	GeoMaze      GeoRoute = "maze"
	GeoRisk      GeoRoute = "risk"
)

// GeoRouteFor compares country (case-insensitive) against config's geo
// lists in block/allow/challenge/maze/risk precedence order.
func GeoRouteFor(cfg siteconfig.Config, country string) GeoRoute {
	if country == "" {
		return GeoNone
	}
	country = strings.ToUpper(country)
	if containsUpper(cfg.Geo.Block, country) {
		return GeoBlock
	}
	if containsUpper(cfg.Geo.Allow, country) {
		return GeoAllow
	}
	if containsUpper(cfg.Geo.Challenge, country) {
		return GeoChallenge
	}
	if containsUpper(cfg.Geo.Maze, country) {
		return GeoMaze
	}
	if containsUpper(cfg.Geo.Risk, country) {
		return GeoRisk
	}
	return GeoNone
}

func containsUpper(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// JSVerifiedCookieName is the cookie set on PoW success.
const JSVerifiedCookieName = "js_verified"

// JSVerifiedToken computes the expected cookie value for ip under secret.
func JSVerifiedToken(secret, ip string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ip))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// JSVerified reports whether cookieValue is the expected token for ip
// under secret, using a constant-time comparison.
func JSVerified(secret, ip, cookieValue string) bool {
	if cookieValue == "" {
		return false
	}
	expected := JSVerifiedToken(secret, ip)
	return hmac.Equal([]byte(expected), []byte(cookieValue))
}

// CDPBand is the banded strength of an external automation-detection
// report.
type CDPBand string

const (
	CDPNone   CDPBand = "none"
	CDPLow    CDPBand = "low"
	CDPMedium CDPBand = "medium"
	CDPStrong CDPBand = "strong"
)

// CDPBandFor maps a raw [0,1] automation score to a band using the
// config's single threshold as the low/medium boundary and the midpoint
// between it and 1 as the medium/strong boundary, giving three bands from
// one tunable.
func CDPBandFor(cfg siteconfig.Config, score float64) CDPBand {
	if score <= 0 {
		return CDPNone
	}
	threshold := cfg.CDPDetectionThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	strong := threshold + (1-threshold)/2
	switch {
	case score >= strong:
		return CDPStrong
	case score >= threshold:
		return CDPMedium
	default:
		return CDPLow
	}
}
