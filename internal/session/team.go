package session

import "time"

// Team is a parent session and the child agents it spawned. Members
// are referenced by id only.
type Team struct {
	ID              string    `json:"id"`
	ParentSessionID string    `json:"parentSessionId"`
	ChildSessionIDs []string  `json:"childSessionIds"`
	CreatedAt       time.Time `json:"createdAt"`
}

func (t *Team) Clone() *Team {
	c := *t
	c.ChildSessionIDs = cloneSlice(t.ChildSessionIDs)
	return &c
}

// Members returns the parent followed by every child.
func (t *Team) Members() []string {
	out := make([]string, 0, len(t.ChildSessionIDs)+1)
	out = append(out, t.ParentSessionID)
	return append(out, t.ChildSessionIDs...)
}

func (t *Team) AddChild(id string) bool {
	for _, c := range t.ChildSessionIDs {
		if c == id {
			return false
		}
	}
	t.ChildSessionIDs = append(t.ChildSessionIDs, id)
	return true
}

// Replace swaps a member id, used when a session is re-keyed.
func (t *Team) Replace(oldID, newID string) {
	if t.ParentSessionID == oldID {
		t.ParentSessionID = newID
	}
	for i, c := range t.ChildSessionIDs {
		if c == oldID {
			t.ChildSessionIDs[i] = newID
		}
	}
}
