// Package viewer is the consuming side of the broadcast protocol: a
// reconnecting client and the session model it keeps in step with the
// engine.
package viewer

import (
	"fmt"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/agent-session-center/engine/internal/session"
	"github.com/agent-session-center/engine/internal/ws"
)

// Outcome says what Apply did with a message.
type Outcome int

const (
	Applied   Outcome = iota
	Duplicate         // seq already applied; ignored
	Gap               // seq skips ahead; not applied, a replay is needed
	Unsynced          // delta before the first snapshot; not applied
	Passthrough       // unsequenced message; model unchanged
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Gap:
		return "gap"
	case Unsynced:
		return "unsynced"
	case Passthrough:
		return "passthrough"
	}
	return "unknown"
}

// Update describes one applied or passthrough message. Previous is the
// session as it was before a session_update or session_removed.
type Update struct {
	Type     ws.MessageType
	Seq      uint64
	Session  *session.Session
	Previous *session.Session
	Team     *session.Team
	ID       string
	Raw      json.RawMessage
}

// Model is the viewer's copy of the engine's sessions and teams. It is
// not safe for concurrent use.
type Model struct {
	Seq      uint64
	Epoch    string // engine run Seq belongs to
	Synced   bool
	Sessions map[string]*session.Session
	Teams    map[string]*session.Team
	Stats    json.RawMessage
}

func NewModel() *Model {
	return &Model{
		Sessions: make(map[string]*session.Session),
		Teams:    make(map[string]*session.Team),
	}
}

// Apply folds one server message into the model. Sequenced messages
// apply only when their seq is exactly one past the model's within the
// same epoch, so replays may overlap what was already seen.
func (m *Model) Apply(data []byte) (Update, Outcome, error) {
	var env ws.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Update{}, 0, fmt.Errorf("decode envelope: %w", err)
	}
	u := Update{Type: env.Type, Seq: env.Seq, Raw: env.Payload}

	if env.Type == ws.MsgSnapshot {
		var snap ws.SnapshotPayload
		if err := json.Unmarshal(env.Payload, &snap); err != nil {
			return u, 0, fmt.Errorf("decode snapshot: %w", err)
		}
		m.Sessions = make(map[string]*session.Session, len(snap.Sessions))
		for _, s := range snap.Sessions {
			m.Sessions[s.ID] = s
		}
		m.Teams = make(map[string]*session.Team, len(snap.Teams))
		for _, t := range snap.Teams {
			m.Teams[t.ID] = t
		}
		m.Seq = snap.Seq
		m.Epoch = env.Epoch
		m.Synced = true
		u.Seq = snap.Seq
		return u, Applied, nil
	}

	if !env.Type.Sequenced() {
		if env.Type == ws.MsgStats {
			m.Stats = env.Payload
		}
		return u, Passthrough, nil
	}

	switch {
	case !m.Synced:
		return u, Unsynced, nil
	case env.Epoch != m.Epoch:
		return u, Gap, nil
	case env.Seq <= m.Seq:
		return u, Duplicate, nil
	case env.Seq > m.Seq+1:
		return u, Gap, nil
	}

	switch env.Type {
	case ws.MsgSessionUpdate:
		var s session.Session
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			return u, 0, fmt.Errorf("decode session: %w", err)
		}
		u.Previous = m.Sessions[s.ID]
		u.Session = &s
		u.ID = s.ID
		m.Sessions[s.ID] = &s
	case ws.MsgSessionRemoved:
		var p ws.RemovedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return u, 0, fmt.Errorf("decode removal: %w", err)
		}
		u.ID = p.ID
		u.Previous = m.Sessions[p.ID]
		delete(m.Sessions, p.ID)
	case ws.MsgTeamUpdate:
		var t session.Team
		if err := json.Unmarshal(env.Payload, &t); err != nil {
			return u, 0, fmt.Errorf("decode team: %w", err)
		}
		u.Team = &t
		u.ID = t.ID
		m.Teams[t.ID] = &t
	case ws.MsgTeamRemoved:
		var p ws.RemovedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return u, 0, fmt.Errorf("decode removal: %w", err)
		}
		u.ID = p.ID
		delete(m.Teams, p.ID)
	}
	m.Seq = env.Seq
	return u, Applied, nil
}

// SessionList returns the sessions sorted by id.
func (m *Model) SessionList() []*session.Session {
	out := make([]*session.Session, 0, len(m.Sessions))
	for _, s := range m.Sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
