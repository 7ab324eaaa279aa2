package ws

import (
	"encoding/json"

	"github.com/evanmiles/sketchsync/internal/presence"
)

// Event types carried in the envelope's "type" field. The set is closed on
// the server side; unknown inbound types are ignored so older servers stay
// compatible with newer clients.
const (
	EventJoinRoom        = "join_room"
	EventCodeChange      = "code_change"
	EventCursorMove      = "cursor_move"
	EventCommentPosition = "comment_position"
	EventCommentCreated  = "comment_created"
	EventCommentUpdated  = "comment_updated"
	EventCommentDeleted  = "comment_deleted"
	EventCommentResolved = "comment_resolved"

	// EventUserPresence is server-to-client only: the full distinct-user
	// list for the room, never a delta.
	EventUserPresence = "user_presence"
)

// contentEvents are relayed to the rest of the room with the payload passed
// through opaquely; the relay never inspects their data.
var contentEvents = map[string]struct{}{
	EventCodeChange:      {},
	EventCursorMove:      {},
	EventCommentPosition: {},
	EventCommentCreated:  {},
	EventCommentUpdated:  {},
	EventCommentDeleted:  {},
	EventCommentResolved: {},
}

func isContentEvent(t string) bool {
	_, ok := contentEvents[t]
	return ok
}

// Envelope is the wire unit for both directions. Data is an opaque payload
// whose shape is defined per type; the relay only parses it for join_room.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// JoinData is the join_room payload consumed by the relay.
type JoinData struct {
	UserID             string `json:"userId"`
	UserName           string `json:"userName,omitempty"`
	UserEmail          string `json:"userEmail,omitempty"`
	UserImage          string `json:"userImage,omitempty"`
	IsAnonymous        bool   `json:"isAnonymous,omitempty"`
	AnonymousSessionID string `json:"anonymousSessionId,omitempty"`
}

// User converts the join payload into the identity snapshot attached to the
// connection.
func (d JoinData) User() presence.User {
	return presence.User{
		ID:                 d.UserID,
		Name:               d.UserName,
		Email:              d.UserEmail,
		Image:              d.UserImage,
		IsAnonymous:        d.IsAnonymous,
		AnonymousSessionID: d.AnonymousSessionID,
	}
}

// PresenceData is the user_presence payload emitted by the relay.
type PresenceData struct {
	Users []presence.User `json:"users"`
}
