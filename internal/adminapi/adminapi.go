// Package adminapi implements the bearer-token-gated operator surface:
// reading and replacing a site's Config, banning/unbanning an IP by hand,
// and browsing the recorded decision history, including a live event
// stream over WebSocket. Every write goes through the same KV store the
// decision pipeline reads and invalidates the pipeline's runtime cache
// immediately afterward, the way the teacher's control API pushes its own
// writes back through session.Manager.
package adminapi

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"shuma/internal/ban"
	"shuma/internal/kv"
	"shuma/internal/observability"
	"shuma/internal/siteconfig"
)

// EventLister is the narrow read contract the admin API needs of the
// recorded decision history; internal/observability.SQLiteHistory and the
// canonical KV event log both satisfy call sites that pass their own
// listing function in.
type EventLister func(ctx context.Context, site string, limit int) ([]observability.LogEntry, error)

// Handler serves the admin API described in §6: GET/PUT /admin/config,
// POST /admin/ban, DELETE /admin/ban/{ip}, GET /admin/events, and a
// WebSocket event stream at /admin/events/stream.
type Handler struct {
	Store   kv.Store
	Configs *siteconfig.Cache
	Bans    *ban.Registry
	Events  EventLister

	AuthEnabled bool
	APIKey      string

	mux *http.ServeMux

	subsMu sync.Mutex
	subs   map[chan observability.LogEntry]struct{}
}

// New builds a ready-to-serve admin API handler.
func New(store kv.Store, configs *siteconfig.Cache, bans *ban.Registry, events EventLister, authEnabled bool, apiKey string) *Handler {
	h := &Handler{
		Store:       store,
		Configs:     configs,
		Bans:        bans,
		Events:      events,
		AuthEnabled: authEnabled,
		APIKey:      apiKey,
		mux:         http.NewServeMux(),
		subs:        make(map[chan observability.LogEntry]struct{}),
	}
	h.mux.HandleFunc("/admin/config", h.handleConfig)
	h.mux.HandleFunc("/admin/ban", h.handleBanCreate)
	h.mux.HandleFunc("/admin/ban/", h.handleBanDelete)
	h.mux.HandleFunc("/admin/events", h.handleEvents)
	h.mux.HandleFunc("/admin/events/stream", h.handleEventsStream)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.AuthEnabled && !h.checkAuth(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="shuma admin"`)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) checkAuth(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && hmac.Equal([]byte(strings.TrimPrefix(auth, "Bearer ")), []byte(h.APIKey)) {
		return true
	}
	if key := r.Header.Get("X-API-Key"); key != "" && hmac.Equal([]byte(key), []byte(h.APIKey)) {
		return true
	}
	return false
}

func siteParam(r *http.Request) string {
	if s := r.URL.Query().Get("site"); s != "" {
		return s
	}
	return "default"
}

// handleConfig serves GET /admin/config?site=... and PUT /admin/config?site=....
func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	site := siteParam(r)
	switch r.Method {
	case http.MethodGet:
		cfg, err := siteconfig.Load(r.Context(), h.Store, site)
		if err != nil {
			cfg = siteconfig.Default()
		}
		writeJSON(w, http.StatusOK, cfg)
	case http.MethodPut:
		var cfg siteconfig.Config
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&cfg); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid config body"})
			return
		}
		cfg = siteconfig.Clamp(cfg)
		raw, err := json.Marshal(cfg)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "marshal failed"})
			return
		}
		if err := h.Store.Set(r.Context(), siteconfig.Key(site), raw); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store write failed"})
			return
		}
		h.Configs.Invalidate(site)
		writeJSON(w, http.StatusOK, cfg)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

type banRequest struct {
	Site         string `json:"site"`
	IP           string `json:"ip"`
	Reason       string `json:"reason"`
	DurationSecs int64  `json:"duration_secs"`
}

// handleBanCreate serves POST /admin/ban.
func (h *Handler) handleBanCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req banRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.IP == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ip is required"})
		return
	}
	if req.Site == "" {
		req.Site = "default"
	}
	if req.DurationSecs <= 0 {
		req.DurationSecs = 86400
	}
	if req.Reason == "" {
		req.Reason = "admin"
	}
	if err := h.Bans.BanWithFingerprint(r.Context(), req.Site, req.IP, req.Reason, req.DurationSecs, nil); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ban write failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "banned", "ip": req.IP})
}

// handleBanDelete serves DELETE /admin/ban/{ip}?site=....
func (h *Handler) handleBanDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	ip := strings.TrimPrefix(r.URL.Path, "/admin/ban/")
	if ip == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ip is required"})
		return
	}
	site := siteParam(r)
	if err := h.Bans.Unban(r.Context(), site, ip); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "unban failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unbanned", "ip": ip})
}

// handleEvents serves GET /admin/events?site=...&limit=....
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if h.Events == nil {
		writeJSON(w, http.StatusOK, []observability.LogEntry{})
		return
	}
	limit := 100
	site := siteParam(r)
	entries, err := h.Events(r.Context(), site, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history query failed"})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Publish fans a just-recorded entry out to every open event stream
// subscriber; observability.Recorder's History collaborator calls it.
func (h *Handler) Publish(entry observability.LogEntry) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

// handleEventsStream upgrades GET /admin/events/stream to a WebSocket and
// pushes each newly recorded entry as JSON until the client disconnects.
func (h *Handler) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Error("adminapi: websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ch := make(chan observability.LogEntry, 32)
	h.subsMu.Lock()
	h.subs[ch] = struct{}{}
	h.subsMu.Unlock()
	defer func() {
		h.subsMu.Lock()
		delete(h.subs, ch)
		h.subsMu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client closed")
			return
		case entry := <-ch:
			raw, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
