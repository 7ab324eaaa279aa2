package presence

import "sync"

// Store mirrors each room's current distinct-user list so processes outside
// the relay (the REST persistence service, ops tooling) can read who is
// online without holding a WebSocket. The relay is the only writer; the
// mirror is advisory and carries no correctness weight for fan-out.
type Store interface {
	SetRoom(roomID string, users []User)
	Room(roomID string) []User
	DeleteRoom(roomID string)
	RoomCount() int
}

// MemoryStore keeps the presence mirror in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string][]User
}

// NewMemoryStore creates an in-memory presence mirror.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string][]User),
	}
}

// SetRoom replaces the stored user list for a room.
func (s *MemoryStore) SetRoom(roomID string, users []User) {
	cp := make([]User, len(users))
	copy(cp, users)
	s.mu.Lock()
	s.rooms[roomID] = cp
	s.mu.Unlock()
}

// Room returns the stored user list for a room, or nil if unknown.
func (s *MemoryStore) Room(roomID string) []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := s.rooms[roomID]
	if users == nil {
		return nil
	}
	cp := make([]User, len(users))
	copy(cp, users)
	return cp
}

// DeleteRoom removes the stored list for a room.
func (s *MemoryStore) DeleteRoom(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

// RoomCount returns the number of rooms with a stored presence list.
func (s *MemoryStore) RoomCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}
