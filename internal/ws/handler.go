package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// Handler upgrades diagram-scoped HTTP requests to WebSockets and runs each
// connection's read loop, dispatching frames into the hub. Parse and
// validation failures never cross the connection boundary: bad frames are
// logged and dropped, and the connection stays open.
type Handler struct {
	hub *Hub
}

// NewHandler creates a WebSocket handler backed by hub.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP expects to be routed as "GET /api/diagrams/{id}/ws"; the path
// parameter names the room. Any other upgrade path never reaches this
// handler and is rejected before the handshake completes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	diagramID := r.PathValue("id")
	if diagramID == "" {
		http.Error(w, "diagram id required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow all origins in dev; tighten in production.
	})
	if err != nil {
		log.Printf("ws: accept error: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c := &Conn{conn: conn}
	connCtx := h.hub.ConnMgr().Add(c)
	defer h.cleanup(c)

	h.readLoop(r.Context(), connCtx, c, diagramID)
}

// cleanup runs for every exit path: clean close, abnormal close, liveness
// termination, and replacement. The compare-and-remove unregister decides
// whether this connection still owned its registry slot; only then is a
// fresh presence snapshot broadcast to the remaining members.
func (h *Handler) cleanup(c *Conn) {
	h.hub.ConnMgr().Remove(c)

	roomID := c.RoomID()
	if roomID == "" {
		return
	}
	if h.hub.Unregister(roomID, c.User().ID, c) {
		h.hub.BroadcastPresence(roomID)
	}
}

// readLoop processes inbound frames in receipt order until the socket
// closes or the connection manager cancels connCtx.
func (h *Handler) readLoop(ctx context.Context, connCtx context.Context, c *Conn, diagramID string) {
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		_, data, err := c.conn.Read(ctx)
		if err != nil {
			// Normal close, termination, or context cancelled.
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("ws: dropping malformed frame in room %s: %v", diagramID, err)
			continue
		}

		switch {
		case env.Type == EventJoinRoom:
			h.handleJoin(c, diagramID, &env)
		case !c.joined():
			log.Printf("ws: dropping %q frame received before join_room in room %s", env.Type, diagramID)
		case isContentEvent(env.Type):
			h.hub.Broadcast(c.RoomID(), &Envelope{
				Type:      env.Type,
				Data:      env.Data,
				UserID:    c.User().ID,
				Timestamp: time.Now().UnixMilli(),
			}, c)
		default:
			// Unknown types are ignored so newer clients keep working.
		}
	}
}

// handleJoin registers the connection under the identity claimed in the
// join payload and broadcasts the resulting presence list to the whole
// room, sender included. The relay trusts the claim; authorization happens
// before the token reaches us.
func (h *Handler) handleJoin(c *Conn, diagramID string, env *Envelope) {
	var d JoinData
	if env.Data == nil {
		log.Printf("ws: dropping join_room without payload in room %s", diagramID)
		return
	}
	if err := json.Unmarshal(env.Data, &d); err != nil {
		log.Printf("ws: dropping invalid join_room payload in room %s: %v", diagramID, err)
		return
	}
	if d.UserID == "" && d.AnonymousSessionID != "" {
		// Anonymous-session-derived identity: stable across tab reloads.
		d.UserID = "anon-" + d.AnonymousSessionID
		d.IsAnonymous = true
	}
	if d.UserID == "" {
		log.Printf("ws: dropping join_room without userId in room %s", diagramID)
		return
	}

	// A repeated join_room on the same socket replaces the whole identity
	// snapshot; if the claimed user changed, release the old slot first.
	if prev := c.User(); prev.ID != "" && prev.ID != d.UserID {
		h.hub.Unregister(diagramID, prev.ID, c)
	}

	h.hub.Register(diagramID, d.User(), c)
	h.hub.BroadcastPresence(diagramID)
}
