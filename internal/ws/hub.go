package ws

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/evanmiles/sketchsync/internal/presence"
)

// closeReasonReplaced distinguishes a deliberate takeover (the same user
// opened a newer connection) from a server-initiated drop. The close code is
// still 1000 so clients treat it as a normal close.
const closeReasonReplaced = "replaced by new connection"

// Hub is the room registry: it maps each diagram to the set of connections
// currently present, keyed by user ID, and fans out events to them. Rooms
// are created lazily on first join and deleted when their last connection
// unregisters. All registry state is in-memory and rebuilt by clients
// reconnecting after a restart.
//
// Invariant: at most one registered connection per (roomID, userID) at any
// instant, even while a user's stale tab and fresh tab race on reconnect.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[string]*Conn
	seq   uint64

	conns  *ConnManager
	mirror presence.Store
}

// NewHub creates a hub. mirror may be nil to disable presence mirroring.
func NewHub(mirror presence.Store, opts ...ConnManagerOption) *Hub {
	return &Hub{
		rooms:  make(map[string]map[string]*Conn),
		conns:  NewConnManager(opts...),
		mirror: mirror,
	}
}

// ConnMgr returns the connection manager for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// Register installs c as the connection for (roomID, u.ID) and returns the
// connection it displaced, or nil. The new connection is installed before
// the old one is told to close, so a concurrent presence snapshot never
// observes the user absent between the two tenures. The displaced socket is
// closed asynchronously with a takeover reason; its own close handler will
// run the compare-and-remove cleanup, which finds the key already taken and
// leaves the registry alone.
func (h *Hub) Register(roomID string, u presence.User, c *Conn) *Conn {
	h.mu.Lock()
	room := h.rooms[roomID]
	if room == nil {
		room = make(map[string]*Conn)
		h.rooms[roomID] = room
	}
	old := room[u.ID]
	h.seq++
	c.setIdentity(roomID, u, h.seq)
	room[u.ID] = c
	h.mu.Unlock()

	if old == nil || old == c {
		return nil
	}

	old.closing.Store(true)
	go func() {
		old.conn.Close(websocket.StatusNormalClosure, closeReasonReplaced)
	}()
	log.WithFields(log.Fields{"room": roomID, "user": u.ID}).
		Info("ws: replaced stale connection")
	return old
}

// Unregister removes the (roomID, userID) mapping only if c is still the
// registered connection — a stale close handler firing after a takeover must
// not evict the replacement. Returns whether a mapping was removed. An
// emptied room is deleted; a deleted room is indistinguishable from one that
// never existed.
func (h *Hub) Unregister(roomID, userID string, c *Conn) bool {
	h.mu.Lock()
	room := h.rooms[roomID]
	removed := false
	emptied := false
	if room != nil && room[userID] == c {
		delete(room, userID)
		removed = true
		if len(room) == 0 {
			delete(h.rooms, roomID)
			emptied = true
		}
	}
	h.mu.Unlock()

	if emptied && h.mirror != nil {
		h.mirror.DeleteRoom(roomID)
	}
	return removed
}

// Snapshot returns the room's connections in registration order.
func (h *Hub) Snapshot(roomID string) []*Conn {
	h.mu.Lock()
	room := h.rooms[roomID]
	conns := make([]*Conn, 0, len(room))
	for _, c := range room {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool {
		return conns[i].sequence() < conns[j].sequence()
	})
	return conns
}

// Users returns the distinct users currently present in a room, in
// registration order. Connections mid-teardown are excluded even if still
// registered; the distinct pass is defensive, since the registry already
// holds at most one connection per user.
func (h *Hub) Users(roomID string) []presence.User {
	conns := h.Snapshot(roomID)
	users := make([]presence.User, 0, len(conns))
	for _, c := range conns {
		if c.closing.Load() {
			continue
		}
		users = append(users, c.User())
	}
	return presence.Distinct(users)
}

// Broadcast serializes the envelope once and queues it to every open
// connection in the room, optionally excluding one (the sender). Delivery is
// best-effort per recipient; a full buffer is logged by the manager and
// never aborts the rest of the fan-out.
func (h *Hub) Broadcast(roomID string, env *Envelope, exclude *Conn) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("ws: failed to marshal %s envelope: %v", env.Type, err)
		return
	}

	for _, c := range h.Snapshot(roomID) {
		if c == exclude || c.closing.Load() {
			continue
		}
		h.conns.Send(c, data)
	}
}

// BroadcastPresence pushes the room's full current user list to every
// member and refreshes the presence mirror. The list reflects registry state
// at broadcast time; a later change produces a later broadcast.
func (h *Hub) BroadcastPresence(roomID string) {
	users := h.Users(roomID)

	data, err := json.Marshal(PresenceData{Users: users})
	if err != nil {
		log.Printf("ws: failed to marshal presence for room %s: %v", roomID, err)
		return
	}
	h.Broadcast(roomID, &Envelope{
		Type:      EventUserPresence,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}, nil)

	if h.mirror != nil && len(users) > 0 {
		h.mirror.SetRoom(roomID, users)
	}
}

// ClientCount returns the number of registered connections in a room.
func (h *Hub) ClientCount(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}

// RoomCount returns the number of rooms with at least one connection.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Shutdown closes every connection and stops their pumps.
func (h *Hub) Shutdown() {
	h.conns.Shutdown()
}
