package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agent-session-center/engine/internal/hook"
	"github.com/agent-session-center/engine/internal/matcher"
	"github.com/agent-session-center/engine/internal/session"
)

// Ingest queues a validated event. Events are applied in the order
// they are queued.
func (c *Coordinator) Ingest(ctx context.Context, ev *hook.Event) error {
	return c.submit(ctx, func() {
		c.handle(ev)
		if ev.Offset > 0 {
			c.advance(ev.Offset)
		}
	})
}

// Advance records that the reader is done with everything before
// offset without applying an event (rejected or blank lines, and the
// reset after a truncation).
func (c *Coordinator) Advance(ctx context.Context, offset int64) error {
	return c.submit(ctx, func() { c.advance(offset) })
}

func (c *Coordinator) advance(offset int64) {
	c.offset = offset
	c.metrics.ReaderOffset.Set(float64(offset))
	if c.commit != nil {
		c.commit(offset)
	}
}

func (c *Coordinator) handle(ev *hook.Event) {
	c.metrics.EventsIngested.WithLabelValues(ev.Type.String()).Inc()
	now := c.clock.Now()

	e := c.resolve(ev, now)
	if e == nil {
		return
	}
	c.transition(e, ev, now)
}

// resolve finds the session an event belongs to, creating one if no
// rule matches. It returns nil when the event must be ignored.
func (c *Coordinator) resolve(ev *hook.Event, now time.Time) *entry {
	id := ev.SessionID
	if target, ok := c.aliases[id]; ok {
		id = target
	}

	if e, ok := c.sessions[id]; ok {
		if e.s.Status != session.Ended {
			return e
		}
		switch {
		case e.s.RestartEnded:
			c.revive(e, ev, now)
		case ev.StartLike():
			c.reopen(e, now)
		default:
			log.Debug().Str("component", "engine").Str("session", id).Str("event", ev.Type.String()).Msg("ignoring event for ended session")
			return nil
		}
		return e
	}

	d := c.matcher.Match(ev, arena(c.sessions), now)
	c.metrics.MatcherRules.WithLabelValues(d.Rule.String()).Inc()
	log.Debug().Str("component", "matcher").Str("session", ev.SessionID).Str("rule", d.Rule.String()).Str("target", d.TargetID).Msg("resolved unknown session")

	target, ok := c.sessions[d.TargetID]
	switch {
	case d.Rule == matcher.RuleDisplayOnly || !ok:
		return c.create(ev, now)
	case d.Rule == matcher.RuleRevive:
		c.revive(target, ev, now)
		c.addAlias(target, ev.SessionID)
		return target
	case d.Rekey:
		return c.rekey(target, ev.SessionID, d.TerminalID, now)
	default:
		c.addAlias(target, ev.SessionID)
		return target
	}
}

// create adds a display-only session for an event nothing else claimed.
func (c *Coordinator) create(ev *hook.Event, now time.Time) *entry {
	s := &session.Session{
		ID:             ev.SessionID,
		Status:         session.Idle,
		Cwd:            ev.Cwd,
		Source:         ev.Source,
		Model:          ev.Model,
		StartedAt:      now,
		LastActivityAt: now,
		CachedPID:      ev.PID,
		DisplayOnly:    true,
	}
	s.Project, s.Label = c.nextLabel(ev.Cwd)
	e := &entry{s: s}
	c.sessions[s.ID] = e
	c.markCreated(e)
	log.Info().Str("component", "engine").Str("session", s.ID).Str("label", s.Label).Msg("session created")
	return e
}

// nextLabel bumps the per-project counter for cwd.
func (c *Coordinator) nextLabel(cwd string) (project, label string) {
	project = "unknown"
	if p := matcher.NormalizePath(cwd); p != "" && p != "/" && p != "." {
		project = filepath.Base(p)
	}
	c.counters[project]++
	n := c.counters[project]
	if n == 1 {
		return project, project
	}
	return project, fmt.Sprintf("%s #%d", project, n)
}

// revive reopens a session that was ended only by a restart, keeping
// its id and history.
func (c *Coordinator) revive(e *entry, ev *hook.Event, now time.Time) {
	s := e.s
	c.mark(e)
	c.cancelRemoval(e)

	to := s.PreEndStatus
	if to == session.Ended || to == session.Connecting {
		to = session.Idle
	}
	s.EndedAt = nil
	s.EndReason = ""
	s.RestartEnded = false
	s.PendingTool = nil
	c.setStatus(e, to)
	s.AppendEvent(session.LogEntry{At: now, Kind: "revived", Detail: ev.SessionID}, c.limits.Events)
	log.Info().Str("component", "engine").Str("session", s.ID).Str("producer", ev.SessionID).Str("status", to.String()).Msg("session revived")
	c.recheckTeam(s.TeamID)
}

// reopen brings a genuinely ended session back on a new start.
func (c *Coordinator) reopen(e *entry, now time.Time) {
	s := e.s
	c.mark(e)
	c.cancelRemoval(e)
	s.EndedAt = nil
	s.EndReason = ""
	s.PendingTool = nil
	c.setStatus(e, session.Idle)
	s.AppendEvent(session.LogEntry{At: now, Kind: "reopened"}, c.limits.Events)
	c.recheckTeam(s.TeamID)
}

// rekey moves old's record to newID. The new record carries the old
// history and points back through ReplacesID; the old id is removed.
func (c *Coordinator) rekey(old *entry, newID, terminalID string, now time.Time) *entry {
	oldID := old.s.ID
	c.cancelDetector(old)
	c.cancelRemoval(old)

	s := old.s.Clone()
	s.ID = newID
	s.ReplacesID = oldID
	s.DisplayOnly = false
	s.PendingTool = nil
	if terminalID != "" {
		s.TerminalID = terminalID
		s.Interactive = true
	}
	if s.Status == session.Ended {
		s.EndedAt = nil
		s.EndReason = ""
		s.RestartEnded = false
		s.Status = session.Idle
	}
	if s.Status == session.Connecting {
		s.Status = session.Idle
	}
	s.AppendEvent(session.LogEntry{At: now, Kind: "rekeyed", Detail: oldID}, c.limits.Events)

	delete(c.sessions, oldID)
	delete(c.dirty, oldID)
	c.removed = append(c.removed, old.s.Clone())

	e := &entry{s: s}
	c.sessions[newID] = e
	c.dirty[newID] = change{prev: old.s.Status, created: true}

	for alias, target := range c.aliases {
		if target == oldID {
			c.aliases[alias] = newID
		}
	}
	c.renameReferences(oldID, newID)

	log.Info().Str("component", "engine").Str("from", oldID).Str("to", newID).Str("terminal", s.TerminalID).Msg("session re-keyed")
	return e
}

// renameReferences points parent, child and team links at a new id.
func (c *Coordinator) renameReferences(oldID, newID string) {
	for _, other := range c.sessions {
		changed := false
		if other.s.ParentSessionID == oldID {
			other.s.ParentSessionID = newID
			changed = true
		}
		for i, child := range other.s.ChildSessionIDs {
			if child == oldID {
				other.s.ChildSessionIDs[i] = newID
				changed = true
			}
		}
		if changed && other.s.ID != newID {
			c.mark(other)
		}
	}
	for id, te := range c.teams {
		if te.t.ParentSessionID == oldID || containsID(te.t.ChildSessionIDs, oldID) {
			te.t.Replace(oldID, newID)
			c.markTeam(id)
		}
	}
}

func (c *Coordinator) addAlias(e *entry, producerID string) {
	if producerID == "" || producerID == e.s.ID || e.s.HasAlias(producerID) {
		return
	}
	c.mark(e)
	e.s.Aliases = append(e.s.Aliases, producerID)
	c.aliases[producerID] = e.s.ID
}

func (c *Coordinator) setStatus(e *entry, to session.Status) {
	from := e.s.Status
	if from == to {
		return
	}
	e.s.Status = to
	c.metrics.Transitions.WithLabelValues(from.String(), to.String()).Inc()
	log.Debug().Str("component", "engine").Str("session", e.s.ID).Str("from", from.String()).Str("to", to.String()).Msg("status transition")
}

// transition applies one event to its resolved session.
func (c *Coordinator) transition(e *entry, ev *hook.Event, now time.Time) {
	s := e.s
	c.mark(e)
	prev := s.Status

	s.LastActivityAt = now
	if ev.Cwd != "" && s.Cwd == "" {
		s.Cwd = ev.Cwd
	}
	if ev.PID > 0 {
		s.CachedPID = ev.PID
	}
	if ev.Model != "" {
		s.Model = ev.Model
	}
	if ev.Source != "" {
		s.Source = ev.Source
	}
	s.AppendEvent(session.LogEntry{At: ev.Timestamp, Kind: ev.Type.String(), Detail: describe(ev)}, c.limits.Events)

	switch ev.Type {
	case hook.SessionStart:
		c.cancelDetector(e)
		s.PendingTool = nil
		c.setStatus(e, session.Idle)
		if ev.ParentSessionID == "" && s.ParentSessionID == "" {
			c.claimChildHint(e, now)
		}

	case hook.SessionEnd:
		reason := "session-end"
		if p, ok := ev.Payload.(hook.End); ok && p.Reason != "" {
			reason = p.Reason
		}
		c.end(e, reason, now)

	case hook.PromptSubmitted:
		if p, ok := ev.Payload.(hook.Prompt); ok {
			s.AppendPrompt(session.PromptEntry{At: ev.Timestamp, Text: p.Text}, c.limits.Prompts)
		}
		s.PromptCount++
		switch prev {
		case session.Idle, session.Waiting, session.Connecting, session.Approval, session.Input:
			c.cancelDetector(e)
			s.PendingTool = nil
			c.setStatus(e, session.Prompting)
		default:
			log.Debug().Str("component", "engine").Str("session", s.ID).Str("status", prev.String()).Msg("prompt while busy, status kept")
		}

	case hook.ToolBegin:
		p, _ := ev.Payload.(hook.Tool)
		s.ToolCount++
		s.AppendTool(session.ToolEntry{At: ev.Timestamp, Tool: p.Name, Input: p.Input, Outcome: "started"}, c.limits.Tools)
		c.setStatus(e, session.Working)
		c.armDetector(e, p.Name, p.Input, now)

	case hook.ToolEnd, hook.ToolFailed:
		p, _ := ev.Payload.(hook.Tool)
		outcome := "ok"
		if p.Failed() {
			outcome = "failed"
		}
		s.AppendTool(session.ToolEntry{At: ev.Timestamp, Tool: p.Name, Outcome: outcome, Error: p.Error}, c.limits.Tools)
		if pt := s.PendingTool; pt != nil && (p.Name == "" || p.Name == pt.Name) {
			c.cancelDetector(e)
			s.PendingTool = nil
		}
		switch prev {
		case session.Prompting, session.Approval, session.Input:
			c.setStatus(e, session.Working)
		}

	case hook.PermissionNeeded:
		p, _ := ev.Payload.(hook.Permission)
		c.raiseApproval(e, p.Tool, now)

	case hook.Notification:
		p, _ := ev.Payload.(hook.Note)
		switch p.Signal() {
		case hook.NoteApproval:
			c.raiseApproval(e, "", now)
		case hook.NoteInput:
			c.cancelDetector(e)
			c.setStatus(e, session.Input)
		}

	case hook.TurnComplete:
		c.cancelDetector(e)
		s.PendingTool = nil
		c.setStatus(e, session.Waiting)

	case hook.ParentMarker:
		c.addChildHint(s.ID, ev.Cwd, s.Cwd, now)

	case hook.ChildMarker:
		if ev.ParentSessionID == "" && s.ParentSessionID == "" {
			c.claimChildHint(e, now)
		}
	}

	if ev.ParentSessionID != "" {
		c.linkChild(ev.ParentSessionID, s.ID, now)
	}
}

// raiseApproval is the explicit approval signal. tool names the tool
// waiting for permission when the producer says so; otherwise the
// pending tool, if any, is kept.
func (c *Coordinator) raiseApproval(e *entry, tool string, now time.Time) {
	s := e.s
	c.cancelDetector(e)
	if pt := s.PendingTool; pt == nil || (tool != "" && pt.Name != tool) {
		s.PendingTool = &session.PendingTool{
			Name:     tool,
			Category: c.classifier.Classify(tool).String(),
			ArmedAt:  now,
		}
	}
	if s.Status != session.Approval {
		s.ApprovalCount++
	}
	c.setStatus(e, session.Approval)
}

// end moves a session to ended. Non-interactive sessions are removed
// after the grace period.
func (c *Coordinator) end(e *entry, reason string, now time.Time) {
	s := e.s
	if s.Status == session.Ended {
		return
	}
	c.mark(e)
	c.cancelDetector(e)
	s.PreEndStatus = s.Status
	s.PendingTool = nil
	c.setStatus(e, session.Ended)
	t := now
	s.EndedAt = &t
	s.EndReason = reason
	s.RestartEnded = false
	if !s.Interactive {
		c.scheduleRemoval(e, c.cfg.Sessions.EndedGrace)
	}
	log.Info().Str("component", "engine").Str("session", s.ID).Str("reason", reason).Msg("session ended")
	c.recheckTeam(s.TeamID)
}

func (c *Coordinator) scheduleRemoval(e *entry, after time.Duration) {
	c.cancelRemoval(e)
	c.gen++
	gen := c.gen
	id := e.s.ID
	e.removalGen = gen
	if after < 0 {
		after = 0
	}
	e.removal = c.clock.AfterFunc(after, func() {
		c.propose(func() { c.removalFired(id, gen) })
	})
}

func (c *Coordinator) cancelRemoval(e *entry) {
	e.removal.Stop()
	e.removal = nil
	e.removalGen = 0
}

func (c *Coordinator) removalFired(id string, gen uint64) {
	e, ok := c.sessions[id]
	if !ok || e.removalGen != gen || e.s.Status != session.Ended {
		return
	}
	c.remove(e)
}

// remove drops a session from the model and from its team.
func (c *Coordinator) remove(e *entry) {
	s := e.s
	c.cancelDetector(e)
	c.cancelRemoval(e)
	delete(c.sessions, s.ID)
	delete(c.dirty, s.ID)
	for _, a := range s.Aliases {
		delete(c.aliases, a)
	}
	c.removed = append(c.removed, s.Clone())

	if parent, ok := c.sessions[s.ParentSessionID]; ok {
		if kept := withoutID(parent.s.ChildSessionIDs, s.ID); len(kept) != len(parent.s.ChildSessionIDs) {
			c.mark(parent)
			parent.s.ChildSessionIDs = kept
		}
	}
	if te, ok := c.teams[s.TeamID]; ok {
		if kept := withoutID(te.t.ChildSessionIDs, s.ID); len(kept) != len(te.t.ChildSessionIDs) {
			te.t.ChildSessionIDs = kept
			c.markTeam(te.t.ID)
		}
		c.recheckTeam(te.t.ID)
	}
	log.Info().Str("component", "engine").Str("session", s.ID).Msg("session removed")
}

func describe(ev *hook.Event) string {
	switch p := ev.Payload.(type) {
	case hook.Tool:
		if p.Error != "" {
			return p.Name + ": " + p.Error
		}
		return p.Name
	case hook.Permission:
		return p.Tool
	case hook.End:
		return p.Reason
	case hook.Note:
		return p.Message
	case hook.ParentHint:
		return p.AgentType
	case hook.ChildHint:
		return p.AgentType
	}
	return ""
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func withoutID(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
