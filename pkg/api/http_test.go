package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"nostrelay/pkg/nostr"
	"nostrelay/pkg/query"
	"nostrelay/pkg/relay"
	"nostrelay/pkg/store"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	engine := query.NewEngine(st, 0, 0, 0)
	srv := relay.NewServer(relay.DefaultLimits(), st, engine)
	srv.Start()
	t.Cleanup(srv.Stop)

	info := DefaultInfo("test")
	info.Limitation.MaxSubscriptions = 20
	return Handler(srv, st, info, WSOptions{})
}

func TestRelayInfoDocument(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/nostr+json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); got != "application/nostr+json" {
		t.Fatalf("content type: %q", got)
	}
	var info Info
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	found := false
	for _, nip := range info.SupportedNIPs {
		if nip == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("NIP-01 missing from %v", info.SupportedNIPs)
	}
}

func TestProbes(t *testing.T) {
	h := newTestHandler(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", path, rec.Code)
		}
	}
}

func TestStatsEndpoint(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var stats statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Store.TotalEvents != 0 {
		t.Fatalf("expected empty store, got %d events", stats.Store.TotalEvents)
	}
}

func TestWebSocketPublishAndReplay(t *testing.T) {
	h := newTestHandler(t)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	ev := &nostr.Event{
		Kind:      1,
		CreatedAt: time.Now().Unix(),
		Content:   "over the wire",
	}
	sk := "0303030303030303030303030303030303030303030303030303030303030303"
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("sign: %v", err)
	}
	frame, _ := json.Marshal([]any{"EVENT", ev})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, resp, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read OK: %v", err)
	}
	var ok []json.RawMessage
	if err := json.Unmarshal(resp, &ok); err != nil || len(ok) < 3 {
		t.Fatalf("bad OK frame: %s", resp)
	}
	var typ string
	var accepted bool
	_ = json.Unmarshal(ok[0], &typ)
	_ = json.Unmarshal(ok[2], &accepted)
	if typ != "OK" || !accepted {
		t.Fatalf("expected accepting OK, got %s", resp)
	}

	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`["REQ","replay",{"kinds":[1]}]`)); err != nil {
		t.Fatalf("write REQ: %v", err)
	}

	_, evFrame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read EVENT: %v", err)
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(evFrame, &elems); err != nil || len(elems) != 3 {
		t.Fatalf("bad EVENT frame: %s", evFrame)
	}
	var got nostr.Event
	if err := json.Unmarshal(elems[2], &got); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if got.ID != ev.ID || got.Content != "over the wire" {
		t.Fatalf("replayed event mismatch: %+v", got)
	}

	_, eose, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read EOSE: %v", err)
	}
	if !strings.HasPrefix(string(eose), `["EOSE"`) {
		t.Fatalf("expected EOSE, got %s", eose)
	}
}
