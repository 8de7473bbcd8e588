package relay

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"nostrelay/pkg/logger"
	"nostrelay/pkg/nostr"
	"nostrelay/pkg/query"
	"nostrelay/pkg/store"
)

// Limits is the protocol-facing configuration surface.
type Limits struct {
	MaxConnections   int
	MaxSubsPerConn   int
	MaxEventSize     int
	MaxEventsPerMin  int
	MaxReqsPerMin    int
	MaxFiltersPerReq int
	MaxSubIDLen      int
	ReplayLimit      int
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{
		MaxConnections:   100,
		MaxSubsPerConn:   20,
		MaxEventSize:     256 * 1024,
		MaxEventsPerMin:  100,
		MaxReqsPerMin:    60,
		MaxFiltersPerReq: 10,
		MaxSubIDLen:      64,
		ReplayLimit:      1000,
	}
}

// Server is the relay core. It runs two sequences: the protocol sequence
// owns the registry and all per-connection state; the storage sequence
// owns the store and query engine. Work crosses between them as posted
// closures, so neither side takes locks.
type Server struct {
	limits   Limits
	registry *Registry
	admitter *Admitter
	engine   *query.Engine
	store    *store.Store

	cmds    *workQueue
	storeCh *workQueue
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewServer(limits Limits, st *store.Store, engine *query.Engine) *Server {
	return &Server{
		limits:   limits,
		registry: NewRegistry(limits.MaxConnections, limits.MaxSubsPerConn),
		admitter: NewAdmitter(st, limits.MaxEventSize),
		engine:   engine,
		store:    st,
		cmds:     newWorkQueue(),
		storeCh:  newWorkQueue(),
		done:     make(chan struct{}),
	}
}

// workQueue is an unbounded FIFO of posted closures. Pushing never blocks,
// so the two sequences can post to each other freely under load without
// deadlocking on a full buffer.
type workQueue struct {
	mu    sync.Mutex
	items []func()
	wake  chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{wake: make(chan struct{}, 1)}
}

func (q *workQueue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *workQueue) pop() func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	fn := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return fn
}

// Start launches the protocol and storage sequences.
func (s *Server) Start() {
	s.wg.Add(2)
	go s.runSequence(s.cmds)
	go s.runSequence(s.storeCh)
	logger.Info("relay_started",
		zap.Int("max_connections", s.limits.MaxConnections),
		zap.Int("max_subscriptions", s.limits.MaxSubsPerConn))
}

// Stop drains already-posted work on both sequences and waits for them to
// exit. Nothing new is accepted once stopping.
func (s *Server) Stop() {
	close(s.done)
	s.wg.Wait()
	logger.Info("relay_stopped")
}

func (s *Server) runSequence(q *workQueue) {
	defer s.wg.Done()
	for {
		if fn := q.pop(); fn != nil {
			fn()
			continue
		}
		select {
		case <-s.done:
			return
		case <-q.wake:
		}
	}
}

// postCmd schedules fn on the protocol sequence. Never blocks.
func (s *Server) postCmd(fn func()) {
	select {
	case <-s.done:
	default:
		s.cmds.push(fn)
	}
}

// postStore schedules fn on the storage sequence. Never blocks.
func (s *Server) postStore(fn func()) {
	select {
	case <-s.done:
	default:
		s.storeCh.push(fn)
	}
}

// OnConnect registers a transport connection. send must be non-blocking
// and return false once the client is unreachable. A nil connection means
// the global cap was hit and the transport must close the socket.
func (s *Server) OnConnect(remoteAddr string, send func([]byte) bool) *Connection {
	type result struct{ conn *Connection }
	ch := make(chan result, 1)
	s.postCmd(func() {
		conn, ok := s.registry.Add(remoteAddr, send)
		if !ok {
			ch <- result{nil}
			return
		}
		ch <- result{conn}
	})
	select {
	case r := <-ch:
		return r.conn
	case <-s.done:
		return nil
	}
}

// OnDisconnect tears a connection down. The closed flag is set
// synchronously so in-flight replay stops delivering immediately; the
// registry cleanup happens on the protocol sequence.
func (s *Server) OnDisconnect(conn *Connection) {
	if conn == nil {
		return
	}
	conn.MarkClosed()
	s.postCmd(func() {
		s.registry.Remove(conn.ID)
	})
}

// OnMessage feeds one inbound text frame into the protocol sequence.
func (s *Server) OnMessage(conn *Connection, data []byte) {
	if conn == nil {
		return
	}
	s.postCmd(func() {
		s.handleMessage(conn, data)
	})
}

func (s *Server) handleMessage(conn *Connection, data []byte) {
	conn.MessagesReceived++
	messagesReceived.Inc()

	typ, rest, err := parseFrame(data)
	if err != nil {
		conn.deliver(noticeFrame(reasonInvalidMessage))
		return
	}
	switch typ {
	case "EVENT":
		s.handleEvent(conn, rest)
	case "REQ":
		s.handleReq(conn, rest)
	case "CLOSE":
		s.handleClose(conn, rest)
	case "AUTH":
		conn.deliver(noticeFrame(reasonAuthUnsupported))
	default:
		conn.deliver(noticeFrame(reasonInvalidMessage))
	}
}

func (s *Server) handleEvent(conn *Connection, rest []json.RawMessage) {
	if len(rest) != 1 {
		conn.deliver(noticeFrame(reasonInvalidMessage))
		return
	}
	ev, err := nostr.ParseEvent(rest[0])
	if err != nil {
		conn.deliver(noticeFrame(reasonInvalidEvent))
		return
	}

	now := time.Now()
	if !conn.rate.CheckEventRate(s.limits.MaxEventsPerMin, now) {
		// Round-trip through the storage sequence so this OK stays in
		// publish order behind OKs for events still being admitted.
		s.postStore(func() {
			s.postCmd(func() {
				conn.deliver(okFrame(ev.ID, false, reasonRateLimited))
			})
		})
		return
	}
	conn.rate.RecordEvent(now)

	s.postStore(func() {
		outcome := s.admitter.Admit(ev)
		if outcome.Stored {
			s.engine.Invalidate()
		}
		s.postCmd(func() {
			conn.deliver(okFrame(ev.ID, outcome.Accepted, outcome.Reason))
			if outcome.Accepted {
				conn.EventsPublished++
				s.fanOut(ev)
			}
		})
	})
}

// fanOut pushes an admitted event to every live subscription whose filters
// match it. Runs on the protocol sequence.
func (s *Server) fanOut(ev *nostr.Event) {
	for _, connID := range s.registry.MatchingConnections(ev) {
		conn := s.registry.Get(connID)
		if conn == nil || conn.Closed() {
			continue
		}
		for _, subID := range s.registry.MatchingSubscriptions(connID, ev) {
			if conn.deliver(eventFrame(subID, ev)) {
				eventsFannedOut.Inc()
			}
		}
	}
}

func (s *Server) handleReq(conn *Connection, rest []json.RawMessage) {
	if len(rest) < 1 {
		conn.deliver(noticeFrame(reasonInvalidMessage))
		return
	}
	var subID string
	if err := json.Unmarshal(rest[0], &subID); err != nil ||
		subID == "" || len(subID) > s.limits.MaxSubIDLen {
		conn.deliver(noticeFrame(reasonInvalidMessage))
		return
	}

	rawFilters := rest[1:]
	if len(rawFilters) == 0 {
		conn.deliver(noticeFrame(reasonInvalidFilter))
		return
	}
	// Filters beyond the cap are ignored, the REQ itself is still served.
	if len(rawFilters) > s.limits.MaxFiltersPerReq {
		rawFilters = rawFilters[:s.limits.MaxFiltersPerReq]
	}

	now := time.Now()
	if !conn.rate.CheckReqRate(s.limits.MaxReqsPerMin, now) {
		conn.deliver(noticeFrame(reasonRateLimited))
		return
	}
	conn.rate.RecordReq(now)

	filters := make([]nostr.Filter, 0, len(rawFilters))
	for _, raw := range rawFilters {
		f, err := nostr.ParseFilter(raw)
		if err != nil {
			conn.deliver(noticeFrame(reasonInvalidFilter))
			return
		}
		filters = append(filters, *f)
	}

	if !s.registry.AddSubscription(conn.ID, subID, filters) {
		conn.deliver(noticeFrame(reasonTooManySubs))
		return
	}
	sub := s.registry.subscription(conn.ID, subID)

	s.postStore(func() {
		s.replay(conn, sub, filters)
	})
}

// replay streams historical events for a new subscription and finishes
// with exactly one EOSE. Runs on the storage sequence; each delivery is
// posted back to the protocol sequence so replay interleaves cleanly with
// live fan-out. A replaced or removed subscription abandons its replay.
func (s *Server) replay(conn *Connection, sub *Subscription, filters []nostr.Filter) {
	err := s.engine.ExecuteStreaming(filters, s.limits.ReplayLimit, func(ev *nostr.Event) bool {
		if conn.Closed() {
			return false
		}
		s.postCmd(func() {
			if conn.Closed() || s.registry.subscription(conn.ID, sub.ID) != sub {
				return
			}
			conn.deliver(eventFrame(sub.ID, ev))
		})
		return true
	})
	if err != nil {
		logger.Error("replay_failed",
			zap.Uint64("conn_id", conn.ID), zap.String("sub_id", sub.ID), zap.Error(err))
	}
	s.postCmd(func() {
		if conn.Closed() || s.registry.subscription(conn.ID, sub.ID) != sub {
			return
		}
		conn.deliver(eoseFrame(sub.ID))
	})
}

func (s *Server) handleClose(conn *Connection, rest []json.RawMessage) {
	if len(rest) != 1 {
		conn.deliver(noticeFrame(reasonInvalidMessage))
		return
	}
	var subID string
	if err := json.Unmarshal(rest[0], &subID); err != nil {
		conn.deliver(noticeFrame(reasonInvalidMessage))
		return
	}
	if !s.registry.RemoveSubscription(conn.ID, subID) {
		conn.deliver(noticeFrame(reasonSubClosed))
	}
}

// Statistics snapshots registry counters from the protocol sequence.
func (s *Server) Statistics() Stats {
	ch := make(chan Stats, 1)
	s.postCmd(func() {
		ch <- s.registry.Statistics()
	})
	select {
	case st := <-ch:
		return st
	case <-s.done:
		return Stats{}
	}
}

// StoreStats snapshots storage counters from the storage sequence.
func (s *Server) StoreStats() (store.Stats, error) {
	type result struct {
		st  store.Stats
		err error
	}
	ch := make(chan result, 1)
	s.postStore(func() {
		st, err := s.store.GetStats()
		ch <- result{st, err}
	})
	select {
	case r := <-ch:
		return r.st, r.err
	case <-s.done:
		return store.Stats{}, nil
	}
}

// EnforceRetention runs a retention pass on the storage sequence and
// blocks until it completes.
func (s *Server) EnforceRetention(maxCount int64, maxBytes uint64, maxAge time.Duration) (int, error) {
	type result struct {
		removed int
		err     error
	}
	ch := make(chan result, 1)
	s.postStore(func() {
		removed, err := s.store.EnforceRetention(maxCount, maxBytes, maxAge)
		if removed > 0 {
			s.engine.Invalidate()
		}
		ch <- result{removed, err}
	})
	select {
	case r := <-ch:
		return r.removed, r.err
	case <-s.done:
		return 0, nil
	}
}
