package presence

// User is the identity snapshot carried on a WebSocket connection. It is
// attached at join time and never mutated afterward; a reconnect attaches a
// fresh snapshot by replacing the whole connection handle.
type User struct {
	ID                 string `json:"id"`
	Name               string `json:"name,omitempty"`
	Email              string `json:"email,omitempty"`
	Image              string `json:"image,omitempty"`
	IsAnonymous        bool   `json:"isAnonymous"`
	AnonymousSessionID string `json:"anonymousSessionId,omitempty"`
}

// Distinct returns the users deduplicated by ID, preserving first-seen order.
// The registry keeps at most one connection per user, so duplicates in the
// input indicate a replacement in flight; the first-registered entry wins
// within a single snapshot.
func Distinct(users []User) []User {
	result := make([]User, 0, len(users))
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		if _, ok := seen[u.ID]; ok {
			continue
		}
		seen[u.ID] = struct{}{}
		result = append(result, u)
	}
	return result
}
