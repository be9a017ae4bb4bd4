package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agent-session-center/engine/internal/matcher"
	"github.com/agent-session-center/engine/internal/session"
)

// addChildHint remembers that parentID is about to spawn a child in
// its working directory.
func (c *Coordinator) addChildHint(parentID, eventCwd, sessionCwd string, now time.Time) {
	cwd := matcher.NormalizePath(eventCwd)
	if cwd == "" {
		cwd = matcher.NormalizePath(sessionCwd)
	}
	if cwd == "" {
		return
	}
	c.expireHints(now)
	c.hints = append(c.hints, childHint{parentID: parentID, cwd: cwd, at: now})
}

func (c *Coordinator) expireHints(now time.Time) {
	ttl := c.cfg.Team.ChildHintTTL
	kept := c.hints[:0]
	for _, h := range c.hints {
		if now.Sub(h.at) <= ttl {
			kept = append(kept, h)
		}
	}
	c.hints = kept
}

// claimChildHint links a starting session to the oldest live hint from
// its directory.
func (c *Coordinator) claimChildHint(e *entry, now time.Time) {
	c.expireHints(now)
	cwd := matcher.NormalizePath(e.s.Cwd)
	if cwd == "" {
		return
	}
	for i, h := range c.hints {
		if h.cwd != cwd || h.parentID == e.s.ID {
			continue
		}
		c.hints = append(c.hints[:i], c.hints[i+1:]...)
		c.linkChild(h.parentID, e.s.ID, now)
		return
	}
}

// linkChild records childID as a child of parentID. A child joins its
// parent's team, so nested agents all belong to the root's team.
func (c *Coordinator) linkChild(parentID, childID string, now time.Time) {
	if target, ok := c.aliases[parentID]; ok {
		parentID = target
	}
	child, ok := c.sessions[childID]
	if !ok || parentID == childID {
		return
	}
	parent, ok := c.sessions[parentID]
	if !ok {
		if child.s.ParentSessionID != parentID {
			c.mark(child)
			child.s.ParentSessionID = parentID
		}
		return
	}

	te, ok := c.teams[parent.s.TeamID]
	if !ok {
		te = &teamEntry{t: &session.Team{
			ID:              uuid.NewString(),
			ParentSessionID: parent.s.ID,
			CreatedAt:       now,
		}}
		c.teams[te.t.ID] = te
		c.mark(parent)
		parent.s.TeamID = te.t.ID
		c.markTeam(te.t.ID)
		log.Info().Str("component", "team").Str("team", te.t.ID).Str("parent", parent.s.ID).Msg("team created")
	}

	if child.s.TeamID != "" && child.s.TeamID != te.t.ID {
		if old, ok := c.teams[child.s.TeamID]; ok {
			old.t.ChildSessionIDs = withoutID(old.t.ChildSessionIDs, childID)
			c.markTeam(old.t.ID)
			defer c.recheckTeam(old.t.ID)
		}
	}

	c.mark(child)
	child.s.ParentSessionID = parent.s.ID
	child.s.TeamID = te.t.ID
	if parent.s.AddChild(childID) {
		c.mark(parent)
	}
	if te.t.AddChild(childID) {
		c.markTeam(te.t.ID)
		log.Info().Str("component", "team").Str("team", te.t.ID).Str("child", childID).Msg("child linked")
	}
	c.recheckTeam(te.t.ID)
}

// recheckTeam schedules deletion once every member is ended or gone,
// and cancels a scheduled deletion as soon as any member is active.
func (c *Coordinator) recheckTeam(id string) {
	te, ok := c.teams[id]
	if !ok {
		return
	}
	if !c.teamEnded(te.t) {
		te.deletion.Stop()
		te.deletion = nil
		te.deletionGen = 0
		return
	}
	if te.deletion != nil {
		return
	}
	c.gen++
	gen := c.gen
	te.deletionGen = gen
	te.deletion = c.clock.AfterFunc(c.cfg.Team.DeleteDelay, func() {
		c.propose(func() { c.teamDeletionFired(id, gen) })
	})
}

func (c *Coordinator) teamEnded(t *session.Team) bool {
	for _, id := range t.Members() {
		if e, ok := c.sessions[id]; ok && e.s.Status != session.Ended {
			return false
		}
	}
	return true
}

func (c *Coordinator) teamDeletionFired(id string, gen uint64) {
	te, ok := c.teams[id]
	if !ok || te.deletionGen != gen || !c.teamEnded(te.t) {
		return
	}
	delete(c.teams, id)
	delete(c.dirtyTeams, id)
	c.removedTeams = append(c.removedTeams, id)
	for _, member := range te.t.Members() {
		if e, ok := c.sessions[member]; ok && e.s.TeamID == id {
			c.mark(e)
			e.s.TeamID = ""
		}
	}
	log.Info().Str("component", "team").Str("team", id).Msg("team deleted")
}
