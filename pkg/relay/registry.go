package relay

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"nostrelay/pkg/logger"
	"nostrelay/pkg/nostr"
)

// rateWindow is the fixed rate-limit window length.
const rateWindow = time.Minute

// RateLimitInfo holds two independent fixed 60-second windows, one for
// event publishes and one for REQs. A window resets the first time it is
// consulted more than rateWindow after its recorded start.
type RateLimitInfo struct {
	eventCount int
	eventStart time.Time
	reqCount   int
	reqStart   time.Time
}

func windowAllows(count *int, start *time.Time, max int, now time.Time) bool {
	if now.Sub(*start) > rateWindow {
		return true
	}
	return *count < max
}

func windowRecord(count *int, start *time.Time, now time.Time) {
	if now.Sub(*start) > rateWindow {
		*count = 1
		*start = now
		return
	}
	*count++
}

// CheckEventRate reports whether another event publish is allowed. It does
// not mutate the window.
func (r *RateLimitInfo) CheckEventRate(max int, now time.Time) bool {
	return windowAllows(&r.eventCount, &r.eventStart, max, now)
}

// RecordEvent counts an allowed event publish.
func (r *RateLimitInfo) RecordEvent(now time.Time) {
	windowRecord(&r.eventCount, &r.eventStart, now)
}

// CheckReqRate reports whether another REQ is allowed without mutating.
func (r *RateLimitInfo) CheckReqRate(max int, now time.Time) bool {
	return windowAllows(&r.reqCount, &r.reqStart, max, now)
}

// RecordReq counts an allowed REQ.
func (r *RateLimitInfo) RecordReq(now time.Time) {
	windowRecord(&r.reqCount, &r.reqStart, now)
}

// Subscription is one client subscription: the client-chosen id and its
// OR-combined filters. Filters are immutable once attached.
type Subscription struct {
	ID        string
	Filters   []nostr.Filter
	CreatedAt time.Time
}

func (sub *Subscription) matches(ev *nostr.Event) bool {
	for i := range sub.Filters {
		if sub.Filters[i].Matches(ev) {
			return true
		}
	}
	return false
}

// Connection is the registry's view of one client. All fields except the
// closed flag are owned by the protocol sequence; closed is set by the
// transport on teardown so in-flight replay stops delivering.
type Connection struct {
	ID            uint64
	RemoteAddr    string
	ConnectedAt   time.Time
	Authenticated bool

	MessagesSent     uint64
	MessagesReceived uint64
	EventsPublished  uint64

	subs map[string]*Subscription
	rate RateLimitInfo

	send   func(data []byte) bool
	closed atomic.Bool
}

// Closed reports whether the transport has torn the connection down.
func (c *Connection) Closed() bool { return c.closed.Load() }

// MarkClosed is called by the transport, possibly off the protocol
// sequence, when the socket goes away.
func (c *Connection) MarkClosed() { c.closed.Store(true) }

// deliver hands a frame to the transport. Frames to closed or backed-up
// connections are dropped.
func (c *Connection) deliver(frame []byte) bool {
	if c.Closed() {
		return false
	}
	if !c.send(frame) {
		return false
	}
	c.MessagesSent++
	return true
}

// Stats is a read-side snapshot of registry state.
type Stats struct {
	Connections      int    `json:"connections"`
	Subscriptions    int    `json:"subscriptions"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	EventsPublished  uint64 `json:"events_published"`
}

// Registry tracks live connections and their subscriptions. It is owned by
// the protocol sequence and takes no locks.
type Registry struct {
	maxConnections int
	maxSubsPerConn int

	nextID uint64
	conns  map[uint64]*Connection
}

func NewRegistry(maxConnections, maxSubsPerConn int) *Registry {
	return &Registry{
		maxConnections: maxConnections,
		maxSubsPerConn: maxSubsPerConn,
		conns:          make(map[uint64]*Connection),
	}
}

// Add registers a new connection. It fails when the global connection cap
// is reached; the caller closes the socket.
func (r *Registry) Add(remoteAddr string, send func([]byte) bool) (*Connection, bool) {
	if len(r.conns) >= r.maxConnections {
		logger.Warn("connection_cap_reached",
			zap.String("remote_addr", remoteAddr), zap.Int("max", r.maxConnections))
		return nil, false
	}
	r.nextID++
	conn := &Connection{
		ID:          r.nextID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		subs:        make(map[string]*Subscription),
		send:        send,
	}
	r.conns[conn.ID] = conn
	connectionsActive.Set(float64(len(r.conns)))
	logger.Info("connection_opened",
		zap.Uint64("conn_id", conn.ID), zap.String("remote_addr", remoteAddr))
	return conn, true
}

// Remove drops a connection and all of its subscriptions. Idempotent.
func (r *Registry) Remove(id uint64) {
	conn, ok := r.conns[id]
	if !ok {
		return
	}
	subscriptionsActive.Sub(float64(len(conn.subs)))
	delete(r.conns, id)
	connectionsActive.Set(float64(len(r.conns)))
	logger.Info("connection_closed",
		zap.Uint64("conn_id", id),
		zap.Uint64("messages_sent", conn.MessagesSent),
		zap.Uint64("messages_received", conn.MessagesReceived))
}

// Get returns the live connection with the given id, or nil.
func (r *Registry) Get(id uint64) *Connection { return r.conns[id] }

// Len returns the number of live connections.
func (r *Registry) Len() int { return len(r.conns) }

// AddSubscription attaches a subscription. Re-using an existing id on the
// same connection overwrites the prior filters; a new id fails when the
// per-connection cap is reached.
func (r *Registry) AddSubscription(connID uint64, subID string, filters []nostr.Filter) bool {
	conn, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, exists := conn.subs[subID]; !exists {
		if len(conn.subs) >= r.maxSubsPerConn {
			return false
		}
		subscriptionsActive.Inc()
	}
	conn.subs[subID] = &Subscription{ID: subID, Filters: filters, CreatedAt: time.Now()}
	return true
}

// RemoveSubscription drops one subscription; reports whether it existed.
func (r *Registry) RemoveSubscription(connID uint64, subID string) bool {
	conn, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, exists := conn.subs[subID]; !exists {
		return false
	}
	delete(conn.subs, subID)
	subscriptionsActive.Dec()
	return true
}

// RemoveAllSubscriptions drops every subscription on a connection.
func (r *Registry) RemoveAllSubscriptions(connID uint64) {
	conn, ok := r.conns[connID]
	if !ok {
		return
	}
	subscriptionsActive.Sub(float64(len(conn.subs)))
	conn.subs = make(map[string]*Subscription)
}

// subscription returns the live subscription object, or nil. Used to
// detect overwrite between a REQ and its replay completion.
func (r *Registry) subscription(connID uint64, subID string) *Subscription {
	conn, ok := r.conns[connID]
	if !ok {
		return nil
	}
	return conn.subs[subID]
}

// MatchingConnections returns each connection at most once if any of its
// subscriptions has any filter matching the event.
func (r *Registry) MatchingConnections(ev *nostr.Event) []uint64 {
	var out []uint64
	for id, conn := range r.conns {
		for _, sub := range conn.subs {
			if sub.matches(ev) {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// MatchingSubscriptions returns the ids of all subscriptions on one
// connection with at least one filter matching the event.
func (r *Registry) MatchingSubscriptions(connID uint64, ev *nostr.Event) []string {
	conn, ok := r.conns[connID]
	if !ok {
		return nil
	}
	var out []string
	for id, sub := range conn.subs {
		if sub.matches(ev) {
			out = append(out, id)
		}
	}
	return out
}

// Statistics aggregates counters across live connections.
func (r *Registry) Statistics() Stats {
	st := Stats{Connections: len(r.conns)}
	for _, conn := range r.conns {
		st.Subscriptions += len(conn.subs)
		st.MessagesSent += conn.MessagesSent
		st.MessagesReceived += conn.MessagesReceived
		st.EventsPublished += conn.EventsPublished
	}
	return st
}
