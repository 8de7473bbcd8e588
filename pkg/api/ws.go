package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"nostrelay/pkg/logger"
	"nostrelay/pkg/relay"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 64
)

// WSOptions tunes the WebSocket transport edge.
type WSOptions struct {
	// MaxMessageSize caps inbound frames in bytes.
	MaxMessageSize int64
	// ConnPerSecond and ConnBurst rate-limit new connections per client IP.
	ConnPerSecond float64
	ConnBurst     int
}

type wsHandler struct {
	srv  *relay.Server
	opts WSOptions

	upgrader websocket.Upgrader

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newWSHandler(srv *relay.Server, opts WSOptions) *wsHandler {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 512 * 1024
	}
	if opts.ConnPerSecond <= 0 {
		opts.ConnPerSecond = 5
	}
	if opts.ConnBurst <= 0 {
		opts.ConnBurst = 10
	}
	return &wsHandler{
		srv:  srv,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the per-IP connection limiter, creating it on first
// sight. The map is pruned wholesale when it grows large; limiters are
// cheap to rebuild.
func (h *wsHandler) limiterFor(ip string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.limiters) > 10000 {
		h.limiters = make(map[string]*rate.Limiter)
	}
	l, ok := h.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rate.Limit(h.opts.ConnPerSecond), h.opts.ConnBurst)
		h.limiters[ip] = l
	}
	return l
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// wsClient owns the outbound side of one socket: frames are queued on a
// bounded channel and a single write pump drains it, so relay sequences
// never block on a slow client.
type wsClient struct {
	ws   *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newWSClient(ws *websocket.Conn) *wsClient {
	return &wsClient{
		ws:   ws,
		out:  make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// send queues a frame without blocking. A client whose outbound buffer is
// full cannot keep up and gets disconnected.
func (c *wsClient) send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- data:
		return true
	default:
		c.close()
		return false
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *wsHandler) serve(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !h.limiterFor(ip).Allow() {
		logger.Warn("ws_connect_rate_limited", zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	client := newWSClient(ws)
	conn := h.srv.OnConnect(r.RemoteAddr, client.send)
	if conn == nil {
		// global connection cap
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "relay full"),
			time.Now().Add(writeWait))
		client.close()
		return
	}

	go client.writePump()
	h.readLoop(ws, client, conn)
}

func (h *wsHandler) readLoop(ws *websocket.Conn, client *wsClient, conn *relay.Connection) {
	defer func() {
		h.srv.OnDisconnect(conn)
		client.close()
	}()

	ws.SetReadLimit(h.opts.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("ws_read_error",
					zap.Uint64("conn_id", conn.ID), zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		h.srv.OnMessage(conn, data)
	}
}
