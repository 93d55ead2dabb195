// Package robots renders robots.txt from a site's Config: honeypot paths
// are disallowed, whitelisted paths are explicitly allowed, and the
// Content-Signal header (AI-training opt-out) is copied from Config.
package robots

import (
	"net/http"
	"strings"

	"shuma/internal/siteconfig"
)

// Render builds the robots.txt body for cfg.
func Render(cfg siteconfig.Config) string {
	var b strings.Builder
	b.WriteString("User-agent: *\n")
	for _, path := range cfg.PathWhitelist {
		b.WriteString("Allow: " + path + "\n")
	}
	for _, path := range cfg.Honeypots {
		b.WriteString("Disallow: " + path + "\n")
	}
	if len(cfg.Honeypots) == 0 {
		b.WriteString("Disallow:\n")
	}
	return b.String()
}

// Handler serves GET /robots.txt, loading the requesting site's Config
// through load (typically siteconfig.Cache.LoadCached bound to a store),
// and setting Content-Signal (AI-training opt-out) from Config when one is
// configured.
func Handler(load func(r *http.Request) siteconfig.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		cfg := load(r)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if cfg.ContentSignal != "" {
			w.Header().Set("Content-Signal", cfg.ContentSignal)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(Render(cfg)))
	}
}
