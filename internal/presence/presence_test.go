package presence

import "testing"

func TestDistinctEmpty(t *testing.T) {
	if got := Distinct(nil); len(got) != 0 {
		t.Fatalf("expected empty result, got %d users", len(got))
	}
}

func TestDistinctNoDuplicates(t *testing.T) {
	users := []User{
		{ID: "u1", Name: "Ann"},
		{ID: "u2", Name: "Bob"},
	}

	got := Distinct(users)
	if len(got) != 2 {
		t.Fatalf("expected 2 users, got %d", len(got))
	}
	if got[0].ID != "u1" || got[1].ID != "u2" {
		t.Errorf("expected order [u1, u2], got [%s, %s]", got[0].ID, got[1].ID)
	}
}

func TestDistinctFirstRegisteredWins(t *testing.T) {
	users := []User{
		{ID: "u1", Name: "Ann"},
		{ID: "u2", Name: "Bob"},
		{ID: "u1", Name: "Ann (stale)"},
	}

	got := Distinct(users)
	if len(got) != 2 {
		t.Fatalf("expected 2 users, got %d", len(got))
	}
	if got[0].Name != "Ann" {
		t.Errorf("expected first-registered entry to win, got %q", got[0].Name)
	}
}

func TestDistinctNeverRepeatsAnID(t *testing.T) {
	users := []User{
		{ID: "u1"}, {ID: "u1"}, {ID: "u1"},
		{ID: "u2"}, {ID: "u2"},
	}

	got := Distinct(users)
	seen := map[string]int{}
	for _, u := range got {
		seen[u.ID]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("user %s appears %d times in distinct list", id, n)
		}
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 distinct users, got %d", len(got))
	}
}

func TestDistinctPreservesFields(t *testing.T) {
	users := []User{
		{
			ID:                 "anon-1",
			Name:               "Guest",
			IsAnonymous:        true,
			AnonymousSessionID: "sess-abc",
		},
	}

	got := Distinct(users)
	if len(got) != 1 {
		t.Fatalf("expected 1 user, got %d", len(got))
	}
	u := got[0]
	if !u.IsAnonymous {
		t.Error("expected IsAnonymous to be preserved")
	}
	if u.AnonymousSessionID != "sess-abc" {
		t.Errorf("expected AnonymousSessionID 'sess-abc', got %q", u.AnonymousSessionID)
	}
}
