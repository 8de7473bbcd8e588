package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nostrelay/pkg/relay"
	"nostrelay/pkg/store"
)

// Handler builds the full HTTP surface: the WebSocket endpoint with the
// NIP-11 document on plain GET, health and readiness probes, Prometheus
// metrics, and a JSON stats snapshot.
func Handler(srv *relay.Server, st *store.Store, info Info, opts WSOptions) http.Handler {
	h := &httpAPI{
		ws:    newWSHandler(srv, opts),
		srv:   srv,
		store: st,
		info:  info,
	}

	r := mux.NewRouter()
	r.HandleFunc("/", h.handleRoot)
	r.HandleFunc("/healthz", h.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.handleReadyz).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

type httpAPI struct {
	ws    *wsHandler
	srv   *relay.Server
	store *store.Store
	info  Info
}

func (h *httpAPI) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		h.ws.serve(w, r)
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "application/nostr+json") {
		w.Header().Set("Content-Type", "application/nostr+json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		_ = json.NewEncoder(w).Encode(h.info)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(h.info.Name + " - connect with a nostr client\n"))
}

func (h *httpAPI) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *httpAPI) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !h.store.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// statsResponse joins registry and storage snapshots.
type statsResponse struct {
	Relay relay.Stats `json:"relay"`
	Store store.Stats `json:"store"`
}

func (h *httpAPI) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	storeStats, err := h.srv.StoreStats()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(statsResponse{
		Relay: h.srv.Statistics(),
		Store: storeStats,
	})
}
