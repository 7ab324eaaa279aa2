package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/evanmiles/sketchsync/internal/presence"
)

const (
	// sendBufferSize is the number of outbound frames that can be queued per
	// connection before further frames are dropped.
	sendBufferSize = 16

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second

	// defaultPingInterval is how often a protocol ping is sent. A ping that
	// does not complete within one interval terminates the connection.
	defaultPingInterval = 30 * time.Second

	// defaultMaxConns is the default maximum concurrent connections (0 = unlimited).
	defaultMaxConns = 0
)

// Conn binds one physical WebSocket to the identity claimed on it. The room
// is bound at the first join_room frame and never changes for the socket's
// lifetime. The connection goroutine owns the Conn; the hub only holds a
// back-pointer keyed by (roomID, userID).
type Conn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	user   presence.User
	roomID string
	seq    uint64

	// lastPong is the unix-millisecond timestamp of the last pong observed.
	lastPong atomic.Int64

	// closing marks the connection as mid-teardown so fan-out skips it
	// during the window between physical close and registry cleanup.
	closing atomic.Bool
}

// setIdentity binds the claimed identity and registration sequence. Called
// by the hub while holding its lock.
func (c *Conn) setIdentity(roomID string, u presence.User, seq uint64) {
	c.mu.Lock()
	c.roomID = roomID
	c.user = u
	c.seq = seq
	c.mu.Unlock()
}

// User returns the identity snapshot claimed on this connection.
func (c *Conn) User() presence.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// RoomID returns the room this connection joined, or "" before join.
func (c *Conn) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Conn) sequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

func (c *Conn) joined() bool {
	return c.RoomID() != ""
}

// LastPong returns when the last pong was observed.
func (c *Conn) LastPong() time.Time {
	return time.UnixMilli(c.lastPong.Load())
}

// connEntry holds per-connection state owned by the manager.
type connEntry struct {
	cancel      context.CancelFunc
	connectedAt time.Time
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active          int
	MaxConns        int
	Rejected        int64
	DroppedMessages int64
	PingTimeouts    int64
}

// ConnManager tracks all active connections and runs the per-connection
// write pump and liveness pinger. It provides graceful shutdown and an
// optional connection limit.
type ConnManager struct {
	mu           sync.Mutex
	clients      map[*Conn]*connEntry
	closed       bool
	maxConns     int
	pingInterval time.Duration

	rejected        atomic.Int64
	droppedMessages atomic.Int64
	pingTimeouts    atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections. When the
// limit is reached, new connections are rejected. 0 means unlimited (default).
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithPingInterval sets the liveness ping cadence. A connection that fails
// to answer a ping within one interval is forcibly terminated, so a vanished
// client is detected within two intervals of its last pong.
func WithPingInterval(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.pingInterval = d
	}
}

// NewConnManager creates a connection manager with optional configuration.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients:      make(map[*Conn]*connEntry),
		maxConns:     defaultMaxConns,
		pingInterval: defaultPingInterval,
	}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// Add registers a connection and starts its write pump and ping loop. The
// returned context is cancelled when the connection is removed or the
// manager shuts down; read loops should select on it. Returns a cancelled
// context if the manager is closed or at capacity.
func (cm *ConnManager) Add(c *Conn) context.Context {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	if cm.maxConns > 0 && len(cm.clients) >= cm.maxConns {
		cm.rejected.Add(1)
		c.conn.Close(websocket.StatusTryAgainLater, "server at capacity")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	now := time.Now()
	c.send = make(chan []byte, sendBufferSize)
	c.lastPong.Store(now.UnixMilli())
	ctx, cancel := context.WithCancel(context.Background())
	cm.clients[c] = &connEntry{
		cancel:      cancel,
		connectedAt: now,
	}

	go cm.writePump(ctx, c)
	go cm.pingLoop(ctx, c)

	return ctx
}

// Remove stops a connection's pumps and cleans it up. Safe to call twice.
func (cm *ConnManager) Remove(c *Conn) {
	cm.mu.Lock()
	entry, ok := cm.clients[c]
	if ok {
		delete(cm.clients, c)
	}
	cm.mu.Unlock()

	if ok {
		c.closing.Store(true)
		entry.cancel()
	}
}

// Send queues a frame for delivery. Returns false if the connection's buffer
// is full (slow consumer) or the connection is tearing down. A failed send
// never blocks the caller.
func (cm *ConnManager) Send(c *Conn, data []byte) bool {
	if c.closing.Load() || c.send == nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		cm.droppedMessages.Add(1)
		log.Printf("ws: send buffer full for user %s, dropping frame", c.User().ID)
		return false
	}
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.clients)
	maxConns := cm.maxConns
	cm.mu.Unlock()
	return ConnStats{
		Active:          active,
		MaxConns:        maxConns,
		Rejected:        cm.rejected.Load(),
		DroppedMessages: cm.droppedMessages.Load(),
		PingTimeouts:    cm.pingTimeouts.Load(),
	}
}

// Shutdown gracefully closes all connections. Every pump is cancelled and
// each WebSocket is closed with StatusGoingAway.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	clients := make(map[*Conn]*connEntry, len(cm.clients))
	for c, entry := range cm.clients {
		clients[c] = entry
	}
	cm.clients = make(map[*Conn]*connEntry)
	cm.mu.Unlock()

	for c, entry := range clients {
		c.closing.Store(true)
		entry.cancel()
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// writePump drains the connection's send channel, writing each frame to the
// WebSocket. One slow consumer only stalls its own pump; the write timeout
// bounds each write.
func (cm *ConnManager) writePump(ctx context.Context, c *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				log.Printf("ws: write to user %s failed: %v", c.User().ID, err)
				return
			}
		}
	}
}

// pingLoop sends a protocol ping every interval and records the pong. A ping
// that does not complete within one interval means the peer is gone or the
// TCP connection is half-open, so the socket is terminated outright; the
// read loop then unblocks and runs the same cleanup path as a clean close.
func (cm *ConnManager) pingLoop(ctx context.Context, c *Conn) {
	ticker := time.NewTicker(cm.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, cm.pingInterval)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					cm.pingTimeouts.Add(1)
					log.Printf("ws: no pong from user %s since %s, terminating", c.User().ID, c.LastPong().Format(time.RFC3339))
					c.closing.Store(true)
					c.conn.CloseNow()
				}
				return
			}
			c.lastPong.Store(time.Now().UnixMilli())
		}
	}
}
