package relay

import (
	"testing"
	"time"

	"nostrelay/pkg/nostr"
)

func discard([]byte) bool { return true }

func TestRegistryConnectionCap(t *testing.T) {
	r := NewRegistry(2, 20)

	c1, ok := r.Add("10.0.0.1:1", discard)
	if !ok || c1 == nil {
		t.Fatal("first connection refused")
	}
	if _, ok := r.Add("10.0.0.2:1", discard); !ok {
		t.Fatal("second connection refused")
	}
	if _, ok := r.Add("10.0.0.3:1", discard); ok {
		t.Fatal("third connection must be refused at cap 2")
	}

	r.Remove(c1.ID)
	if _, ok := r.Add("10.0.0.3:1", discard); !ok {
		t.Fatal("connection refused after capacity freed")
	}
}

func TestRegistrySubscriptionCapAndOverwrite(t *testing.T) {
	r := NewRegistry(10, 2)
	conn, _ := r.Add("10.0.0.1:1", discard)

	if !r.AddSubscription(conn.ID, "a", []nostr.Filter{{}}) {
		t.Fatal("first subscription refused")
	}
	if !r.AddSubscription(conn.ID, "b", []nostr.Filter{{}}) {
		t.Fatal("second subscription refused")
	}
	if r.AddSubscription(conn.ID, "c", []nostr.Filter{{}}) {
		t.Fatal("third subscription must be refused at cap 2")
	}

	// re-using an id overwrites instead of counting against the cap
	if !r.AddSubscription(conn.ID, "a", []nostr.Filter{{Kinds: []int{1}}}) {
		t.Fatal("overwriting an existing subscription id refused")
	}
	sub := r.subscription(conn.ID, "a")
	if sub == nil || len(sub.Filters) != 1 || len(sub.Filters[0].Kinds) != 1 {
		t.Fatal("overwrite did not replace filters")
	}
}

func TestRegistryRemoveSubscriptionIdempotent(t *testing.T) {
	r := NewRegistry(10, 20)
	conn, _ := r.Add("10.0.0.1:1", discard)
	r.AddSubscription(conn.ID, "a", []nostr.Filter{{}})

	if !r.RemoveSubscription(conn.ID, "a") {
		t.Fatal("expected removal of existing subscription")
	}
	if r.RemoveSubscription(conn.ID, "a") {
		t.Fatal("second removal must report missing")
	}
	if r.RemoveSubscription(999, "a") {
		t.Fatal("unknown connection must report missing")
	}
}

func TestRegistryMatching(t *testing.T) {
	r := NewRegistry(10, 20)
	c1, _ := r.Add("10.0.0.1:1", discard)
	c2, _ := r.Add("10.0.0.2:1", discard)

	// two matching subscriptions on c1, none on c2
	r.AddSubscription(c1.ID, "kinds", []nostr.Filter{{Kinds: []int{1}}})
	r.AddSubscription(c1.ID, "all", []nostr.Filter{{}})
	r.AddSubscription(c2.ID, "other", []nostr.Filter{{Kinds: []int{7}}})

	ev := &nostr.Event{
		ID:        "abcd",
		PubKey:    "efgh",
		Kind:      1,
		CreatedAt: 1000,
	}

	conns := r.MatchingConnections(ev)
	if len(conns) != 1 || conns[0] != c1.ID {
		t.Fatalf("expected only c1 to match, got %v", conns)
	}

	subs := r.MatchingSubscriptions(c1.ID, ev)
	if len(subs) != 2 {
		t.Fatalf("expected both c1 subscriptions to match, got %v", subs)
	}
}

func TestRateLimitWindow(t *testing.T) {
	var rl RateLimitInfo
	now := time.Unix(1000, 0)
	const max = 3

	for i := 0; i < max; i++ {
		if !rl.CheckEventRate(max, now) {
			t.Fatalf("event %d within limit refused", i+1)
		}
		rl.RecordEvent(now)
	}
	if rl.CheckEventRate(max, now) {
		t.Fatal("event over limit must be refused")
	}

	// window elapses: counter resets
	later := now.Add(61 * time.Second)
	if !rl.CheckEventRate(max, later) {
		t.Fatal("event after window reset refused")
	}
	rl.RecordEvent(later)
	if !rl.CheckEventRate(max, later) {
		t.Fatal("fresh window should have capacity")
	}
}

func TestRateLimitWindowsIndependent(t *testing.T) {
	var rl RateLimitInfo
	now := time.Unix(1000, 0)

	rl.RecordEvent(now)
	if !rl.CheckReqRate(1, now) {
		t.Fatal("event publishes must not count against the REQ window")
	}
	rl.RecordReq(now)
	if rl.CheckReqRate(1, now) {
		t.Fatal("REQ over limit must be refused")
	}
}

func TestRegistryStatistics(t *testing.T) {
	r := NewRegistry(10, 20)
	c1, _ := r.Add("10.0.0.1:1", discard)
	r.Add("10.0.0.2:1", discard)
	r.AddSubscription(c1.ID, "a", []nostr.Filter{{}})
	c1.MessagesReceived = 5
	c1.EventsPublished = 2

	st := r.Statistics()
	if st.Connections != 2 || st.Subscriptions != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st.MessagesReceived != 5 || st.EventsPublished != 2 {
		t.Fatalf("counters not aggregated: %+v", st)
	}
}
