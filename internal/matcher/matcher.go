// Package matcher resolves hook events whose session id the engine has
// not seen to a concrete session, using a fixed priority chain.
package matcher

import (
	"sort"
	"time"

	"github.com/agent-session-center/engine/internal/hook"
	"github.com/agent-session-center/engine/internal/session"
)

type Rule int

const (
	RuleNone Rule = iota
	RulePendingResume
	RuleRevive
	RuleLinkToken
	RulePendingLink
	RuleConnectingPath
	RuleParentProcess
	RuleDisplayOnly
)

var ruleNames = map[Rule]string{
	RuleNone:           "none",
	RulePendingResume:  "pending_resume",
	RuleRevive:         "revive",
	RuleLinkToken:      "link_token",
	RulePendingLink:    "pending_link",
	RuleConnectingPath: "connecting_path",
	RuleParentProcess:  "parent_process",
	RuleDisplayOnly:    "display_only",
}

func (r Rule) String() string { return ruleNames[r] }

// Decision is the matcher's verdict for one event.
type Decision struct {
	Rule Rule
	// TargetID is the existing session the event belongs to. Empty for
	// RuleDisplayOnly.
	TargetID string
	// Rekey means the target's record moves to the event's session id
	// (with replacesId set). When false the target keeps its id and
	// the event's id becomes an alias.
	Rekey bool
	// TerminalID is set when the match went through a terminal.
	TerminalID string
}

// Arena is the coordinator's session map, read-only to the matcher.
type Arena interface {
	Session(id string) (*session.Session, bool)
	// Sessions returns every session; order does not matter.
	Sessions() []*session.Session
}

// Ancestry answers whether pid runs under ancestor in the process tree.
type Ancestry interface {
	IsDescendant(pid, ancestor int) bool
}

type Matcher struct {
	pending      *Pending
	ancestry     Ancestry
	reviveWindow time.Duration
}

func New(pending *Pending, ancestry Ancestry, reviveWindow time.Duration) *Matcher {
	return &Matcher{pending: pending, ancestry: ancestry, reviveWindow: reviveWindow}
}

func (m *Matcher) Pending() *Pending { return m.pending }

// Match runs the priority chain for an event whose session id is not
// in the arena. The first rule that fires wins. Rules that scan the
// arena sort candidates first, so the result never depends on map
// iteration order.
func (m *Matcher) Match(ev *hook.Event, arena Arena, now time.Time) Decision {
	cwd := NormalizePath(ev.Cwd)

	if r, ok := m.pending.takeResume(ev.TerminalID, cwd, now); ok {
		if _, exists := arena.Session(r.TargetID); exists {
			return Decision{Rule: RulePendingResume, TargetID: r.TargetID, Rekey: true, TerminalID: r.TerminalID}
		}
	}

	candidates := sorted(arena.Sessions())

	if cwd != "" {
		if s := m.reviveCandidate(candidates, cwd, now); s != nil {
			return Decision{Rule: RuleRevive, TargetID: s.ID}
		}
	}

	if ev.TerminalID != "" {
		if s := terminalSession(candidates, ev.TerminalID); s != nil {
			return Decision{Rule: RuleLinkToken, TargetID: s.ID, Rekey: true, TerminalID: ev.TerminalID}
		}
	}

	link, ok := m.pending.takeLink(cwd, now, func(l PendingLink) bool {
		s, exists := arena.Session(l.SessionID)
		return exists && s.Status == session.Connecting
	})
	if ok {
		return Decision{Rule: RulePendingLink, TargetID: link.SessionID, Rekey: true, TerminalID: link.TerminalID}
	}

	if cwd != "" {
		for _, s := range candidates {
			if s.Status == session.Connecting && NormalizePath(s.Cwd) == cwd {
				return Decision{Rule: RuleConnectingPath, TargetID: s.ID, Rekey: true, TerminalID: s.TerminalID}
			}
		}
	}

	if ev.PID > 0 && m.ancestry != nil {
		for _, s := range candidates {
			if s.Status != session.Connecting || s.TerminalID == "" || s.CachedPID <= 0 {
				continue
			}
			if m.ancestry.IsDescendant(ev.PID, s.CachedPID) {
				return Decision{Rule: RuleParentProcess, TargetID: s.ID, Rekey: true, TerminalID: s.TerminalID}
			}
		}
	}

	return Decision{Rule: RuleDisplayOnly}
}

// reviveCandidate picks the most recently active restart-ended session
// in cwd that ended within the revive window.
func (m *Matcher) reviveCandidate(candidates []*session.Session, cwd string, now time.Time) *session.Session {
	var best *session.Session
	for _, s := range candidates {
		if !s.RestartEnded || s.Status != session.Ended || s.EndedAt == nil {
			continue
		}
		if NormalizePath(s.Cwd) != cwd || now.Sub(*s.EndedAt) > m.reviveWindow {
			continue
		}
		if best == nil || s.LastActivityAt.After(best.LastActivityAt) {
			best = s
		}
	}
	return best
}

// terminalSession finds the session a linking token points at. A
// terminal whose session is already running another agent is not
// available for linking.
func terminalSession(candidates []*session.Session, terminalID string) *session.Session {
	for _, s := range candidates {
		if s.TerminalID != terminalID {
			continue
		}
		if s.Status == session.Connecting || s.Status == session.Ended {
			return s
		}
	}
	return nil
}

func sorted(in []*session.Session) []*session.Session {
	sort.Slice(in, func(i, j int) bool {
		if !in[i].StartedAt.Equal(in[j].StartedAt) {
			return in[i].StartedAt.Before(in[j].StartedAt)
		}
		return in[i].ID < in[j].ID
	})
	return in
}
