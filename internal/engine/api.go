package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agent-session-center/engine/internal/hook"
	"github.com/agent-session-center/engine/internal/matcher"
	"github.com/agent-session-center/engine/internal/monitor"
	"github.com/agent-session-center/engine/internal/session"
	"github.com/agent-session-center/engine/internal/snapshot"
)

// Terminal identifies an interactive terminal registered by the relay.
type Terminal struct {
	ID        string `json:"terminalId"`
	SessionID string `json:"sessionId"`
}

// RegisterTerminal creates a connecting placeholder session for a new
// interactive terminal and a pending link for its directory. The
// returned terminal id is the linking token the relay injects into
// the agent's environment. pid is the shell's process id, if known.
func (c *Coordinator) RegisterTerminal(ctx context.Context, cwd string, pid int) (Terminal, error) {
	var term Terminal
	err := c.call(ctx, func() {
		now := c.clock.Now()
		id := uuid.NewString()
		s := &session.Session{
			ID:             id,
			Status:         session.Connecting,
			Cwd:            cwd,
			StartedAt:      now,
			LastActivityAt: now,
			CachedPID:      pid,
			TerminalID:     id,
			Interactive:    true,
		}
		s.Project, s.Label = c.nextLabel(cwd)
		s.AppendEvent(session.LogEntry{At: now, Kind: "terminal-registered"}, c.limits.Events)
		e := &entry{s: s}
		c.sessions[id] = e
		c.markCreated(e)
		c.matcher.Pending().AddLink(matcher.PendingLink{TerminalID: id, SessionID: id, Cwd: cwd, CreatedAt: now})
		term = Terminal{ID: id, SessionID: id}
		log.Info().Str("component", "engine").Str("terminal", id).Str("cwd", cwd).Msg("terminal registered")
	})
	return term, err
}

// TerminalExited ends every session attached to the terminal. The
// relay is authoritative for these sessions' liveness.
func (c *Coordinator) TerminalExited(ctx context.Context, terminalID string) error {
	found := false
	err := c.call(ctx, func() {
		now := c.clock.Now()
		c.matcher.Pending().DropTerminal(terminalID)
		for _, id := range c.sortedIDs() {
			e := c.sessions[id]
			if e.s.TerminalID != terminalID {
				continue
			}
			found = true
			c.end(e, "terminal-exit", now)
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("terminal %s: %w", terminalID, ErrUnknownSession)
	}
	return nil
}

// Resume records that id is being resumed, optionally from a specific
// terminal, so the next unknown session from there continues it.
func (c *Coordinator) Resume(ctx context.Context, id, terminalID string) error {
	var missing bool
	err := c.call(ctx, func() {
		e, ok := c.lookup(id)
		if !ok {
			missing = true
			return
		}
		c.matcher.Pending().AddResume(matcher.PendingResume{
			TargetID:   e.s.ID,
			TerminalID: terminalID,
			Cwd:        e.s.Cwd,
			CreatedAt:  c.clock.Now(),
		})
		log.Info().Str("component", "engine").Str("session", e.s.ID).Str("terminal", terminalID).Msg("resume requested")
	})
	if err != nil {
		return err
	}
	if missing {
		return fmt.Errorf("session %s: %w", id, ErrUnknownSession)
	}
	return nil
}

// DeleteSession removes a session regardless of its status.
func (c *Coordinator) DeleteSession(ctx context.Context, id string) error {
	var missing bool
	err := c.call(ctx, func() {
		e, ok := c.lookup(id)
		if !ok {
			missing = true
			return
		}
		c.remove(e)
	})
	if err != nil {
		return err
	}
	if missing {
		return fmt.Errorf("session %s: %w", id, ErrUnknownSession)
	}
	return nil
}

// ProcessExited proposes the end of a session whose process the
// monitor found gone. It is ignored when the session has since moved
// to another process or attached to a terminal.
func (c *Coordinator) ProcessExited(exit monitor.Exit) {
	c.propose(func() {
		e, ok := c.sessions[exit.SessionID]
		if !ok || e.s.Status == session.Ended || e.s.TerminalID != "" || e.s.CachedPID != exit.PID {
			return
		}
		c.end(e, exit.Reason, c.clock.Now())
	})
}

func (c *Coordinator) lookup(id string) (*entry, bool) {
	if target, ok := c.aliases[id]; ok {
		id = target
	}
	e, ok := c.sessions[id]
	return e, ok
}

func (c *Coordinator) sortedIDs() []string {
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Export captures the model for a snapshot. The sequence number is read
// on the coordinator goroutine, so it matches the captured state.
func (c *Coordinator) Export(ctx context.Context) (*snapshot.State, error) {
	var st *snapshot.State
	err := c.call(ctx, func() {
		st = snapshot.New()
		st.Seq = c.pub.Seq()
		st.ReaderOffset = c.offset
		for _, id := range c.sortedIDs() {
			s := c.sessions[id].s
			st.Sessions = append(st.Sessions, s.Clone())
			if s.Status != session.Ended && s.CachedPID > 0 {
				st.PIDIndex[s.CachedPID] = s.ID
			}
		}
		teamIDs := make([]string, 0, len(c.teams))
		for id := range c.teams {
			teamIDs = append(teamIDs, id)
		}
		sort.Strings(teamIDs)
		for _, id := range teamIDs {
			st.Teams = append(st.Teams, c.teams[id].t.Clone())
		}
		for k, v := range c.counters {
			st.ProjectCounters[k] = v
		}
	})
	return st, err
}

// Restore installs a recovered snapshot. It must be called before Run.
// Ended sessions get their removal timers back; restart-ended ones are
// kept at least for the revive window. Detectors of sessions still
// working resume with whatever time they had left.
func (c *Coordinator) Restore(st *snapshot.State) {
	now := c.clock.Now()
	for _, s := range st.Sessions {
		e := &entry{s: s.Clone()}
		c.sessions[s.ID] = e
		for _, a := range s.Aliases {
			c.aliases[a] = s.ID
		}
	}
	for _, t := range st.Teams {
		c.teams[t.ID] = &teamEntry{t: t.Clone()}
	}
	for k, v := range st.ProjectCounters {
		c.counters[k] = v
	}
	c.offset = st.ReaderOffset
	c.pub.Seed(st.Seq, st.Sessions, st.Teams)

	for _, id := range c.sortedIDs() {
		e := c.sessions[id]
		s := e.s
		switch {
		case s.Status == session.Ended:
			if s.Interactive {
				continue
			}
			keep := c.cfg.Sessions.EndedGrace
			if s.RestartEnded && c.cfg.Matcher.ReviveWindow > keep {
				keep = c.cfg.Matcher.ReviveWindow
			}
			if s.EndedAt != nil {
				keep -= now.Sub(*s.EndedAt)
			}
			c.scheduleRemoval(e, keep)
		case s.PendingTool != nil && (s.Status == session.Working || s.Status == session.Prompting):
			cat, _ := hook.ParseCategory(s.PendingTool.Category)
			left := c.timeouts.For(cat) - now.Sub(s.PendingTool.ArmedAt)
			c.startDetector(e, cat, max(left, time.Duration(0)))
		}
	}
	for id := range c.teams {
		c.recheckTeam(id)
	}
	c.refreshTargets()
	c.updateGauges()
	log.Info().Str("component", "engine").Int("sessions", len(c.sessions)).Int("teams", len(c.teams)).Uint64("seq", st.Seq).Int64("offset", st.ReaderOffset).Msg("state restored")
}
