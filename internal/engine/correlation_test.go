package engine

import (
	"time"

	"github.com/agent-session-center/engine/internal/session"
)

func (s *EngineSuite) TestLinkTokenRekeysTerminalSession() {
	term, err := s.c.RegisterTerminal(s.ctx, "/src/app", 300)
	s.Require().NoError(err)
	placeholder := s.get(term.SessionID)
	s.Equal(session.Connecting, placeholder.Status)
	s.True(placeholder.Interactive)
	s.Empty(s.c.LivenessTargets(), "terminal sessions belong to the relay")

	s.send(`{"session_id":"agent-1","hook_event_name":"session-start","cwd":"/elsewhere","terminal_id":"` + term.ID + `"}`)

	st := s.get("agent-1")
	s.Equal(session.Idle, st.Status)
	s.Equal(term.ID, st.ReplacesID)
	s.Equal(term.ID, st.TerminalID)
	s.True(st.Interactive)
	s.False(st.DisplayOnly)
	s.Equal("app", st.Label, "label carried over")
	s.True(s.pub.wasRemoved(term.ID))
}

func (s *EngineSuite) TestPendingLinkMatchesByDirectory() {
	term, err := s.c.RegisterTerminal(s.ctx, "/src/app", 0)
	s.Require().NoError(err)

	s.advance(10 * time.Second)
	s.send(`{"session_id":"agent-1","hook_event_name":"session-start","cwd":"/src/app/"}`)

	st := s.get("agent-1")
	s.Equal(term.ID, st.ReplacesID)
	s.Equal(term.ID, st.TerminalID)
}

func (s *EngineSuite) TestExpiredLinkFallsBackToConnectingPath() {
	term, err := s.c.RegisterTerminal(s.ctx, "/src/app", 0)
	s.Require().NoError(err)

	s.advance(time.Minute)
	s.send(`{"session_id":"agent-1","hook_event_name":"session-start","cwd":"/src/app"}`)

	// The link expired but the placeholder is still connecting in the
	// same directory.
	s.Equal(term.ID, s.get("agent-1").ReplacesID)
}

func (s *EngineSuite) TestParentProcessMatch() {
	term, err := s.c.RegisterTerminal(s.ctx, "/src/app", 300)
	s.Require().NoError(err)
	s.insp.parents[5001] = 5000
	s.insp.parents[5000] = 300

	s.advance(time.Minute)
	s.send(`{"session_id":"agent-1","hook_event_name":"session-start","cwd":"/tmp/other","pid":5001}`)
	s.Equal(term.ID, s.get("agent-1").ReplacesID)
}

func (s *EngineSuite) TestResumeRekeysEndedSession() {
	s.send(`{"session_id":"old","hook_event_name":"session-start","cwd":"/src/x"}`)
	s.send(`{"session_id":"old","hook_event_name":"prompt-submitted","prompt":"first"}`)
	s.send(`{"session_id":"old","hook_event_name":"session-end"}`)

	s.Require().NoError(s.c.Resume(s.ctx, "old", ""))
	s.send(`{"session_id":"new","hook_event_name":"session-start","cwd":"/src/x"}`)

	st := s.get("new")
	s.Equal(session.Idle, st.Status)
	s.Equal("old", st.ReplacesID)
	s.Require().Len(st.PromptLog, 1)
	s.Equal("first", st.PromptLog[0].Text)
	s.True(s.pub.wasRemoved("old"))

	s.ErrorIs(s.c.Resume(s.ctx, "missing", ""), ErrUnknownSession)
}

func (s *EngineSuite) TestTerminalExitEndsInteractiveSession() {
	term, err := s.c.RegisterTerminal(s.ctx, "/src/app", 0)
	s.Require().NoError(err)
	s.send(`{"session_id":"agent-1","hook_event_name":"session-start","terminal_id":"` + term.ID + `"}`)

	s.Require().NoError(s.c.TerminalExited(s.ctx, term.ID))
	st := s.get("agent-1")
	s.Equal(session.Ended, st.Status)
	s.Equal("terminal-exit", st.EndReason)

	// Interactive sessions stay until deleted.
	s.advance(time.Hour)
	_, ok := s.pub.session("agent-1")
	s.True(ok)

	s.ErrorIs(s.c.TerminalExited(s.ctx, "nope"), ErrUnknownSession)
}

func (s *EngineSuite) TestLinkTokenIgnoresBusyTerminal() {
	term, err := s.c.RegisterTerminal(s.ctx, "/src/app", 0)
	s.Require().NoError(err)
	s.send(`{"session_id":"agent-1","hook_event_name":"session-start","terminal_id":"` + term.ID + `"}`)
	s.send(`{"session_id":"agent-2","hook_event_name":"session-start","cwd":"/src/web","terminal_id":"` + term.ID + `"}`)

	st := s.get("agent-2")
	s.True(st.DisplayOnly)
	s.Empty(st.ReplacesID)
}

func (s *EngineSuite) TestTeamFromParentMarker() {
	s.send(`{"session_id":"p","hook_event_name":"session-start","cwd":"/src/mono"}`)
	s.send(`{"session_id":"p","hook_event_name":"parent-marker","agent_type":"reviewer"}`)
	s.send(`{"session_id":"c","hook_event_name":"session-start","cwd":"/src/mono"}`)

	parent, child := s.get("p"), s.get("c")
	s.Require().NotEmpty(parent.TeamID)
	s.Equal(parent.TeamID, child.TeamID)
	s.Equal("p", child.ParentSessionID)
	s.Equal([]string{"c"}, parent.ChildSessionIDs)

	teams := s.pub.teamList()
	s.Require().Len(teams, 1)
	s.Equal("p", teams[0].ParentSessionID)
	s.Equal([]string{"c"}, teams[0].ChildSessionIDs)
}

func (s *EngineSuite) TestChildMarkerClaimsParentHint() {
	s.send(`{"session_id":"p","hook_event_name":"session-start","cwd":"/src/mono"}`)
	s.send(`{"session_id":"p","hook_event_name":"parent-marker","agent_type":"reviewer"}`)
	s.send(`{"session_id":"c","hook_event_name":"child-marker","agent_type":"reviewer","cwd":"/src/mono/"}`)

	parent, child := s.get("p"), s.get("c")
	s.Equal("p", child.ParentSessionID)
	s.Require().NotEmpty(parent.TeamID)
	s.Equal(parent.TeamID, child.TeamID)

	// The hint is consumed: a second child in the same directory stays unlinked.
	s.send(`{"session_id":"d","hook_event_name":"child-marker","cwd":"/src/mono"}`)
	s.Empty(s.get("d").ParentSessionID)
}

func (s *EngineSuite) TestChildHintExpires() {
	s.send(`{"session_id":"p","hook_event_name":"session-start","cwd":"/src/mono"}`)
	s.send(`{"session_id":"p","hook_event_name":"parent-marker"}`)
	s.advance(31 * time.Second)
	s.send(`{"session_id":"c","hook_event_name":"session-start","cwd":"/src/mono"}`)

	s.Empty(s.get("c").ParentSessionID)
	s.Empty(s.pub.teamList())
}

func (s *EngineSuite) TestTeamDeletedAfterAllMembersEnd() {
	s.send(`{"session_id":"p","hook_event_name":"session-start","cwd":"/src/mono"}`)
	s.send(`{"session_id":"c","hook_event_name":"child-marker","parent_session_id":"p","cwd":"/src/mono"}`)
	teamID := s.get("p").TeamID
	s.Require().NotEmpty(teamID)

	s.send(`{"session_id":"c","hook_event_name":"session-end"}`)
	s.advance(20 * time.Second)
	s.Len(s.pub.teamList(), 1, "parent still active")

	s.send(`{"session_id":"p","hook_event_name":"session-end"}`)
	s.advance(10 * time.Second)
	s.Len(s.pub.teamList(), 1)
	s.advance(5 * time.Second)
	s.Empty(s.pub.teamList())
	s.Empty(s.get("p").TeamID)
}

func (s *EngineSuite) TestTeamDeletionCancelledByReopen() {
	s.send(`{"session_id":"p","hook_event_name":"session-start","cwd":"/src/mono"}`)
	s.send(`{"session_id":"c","hook_event_name":"session-start","parent_session_id":"p"}`)
	s.send(`{"session_id":"c","hook_event_name":"session-end"}`)
	s.send(`{"session_id":"p","hook_event_name":"session-end"}`)

	s.advance(10 * time.Second)
	s.send(`{"session_id":"p","hook_event_name":"session-start","cwd":"/src/mono"}`)
	s.advance(10 * time.Second)
	s.Len(s.pub.teamList(), 1)
}

func (s *EngineSuite) TestNestedChildJoinsRootTeam() {
	s.send(`{"session_id":"root","hook_event_name":"session-start"}`)
	s.send(`{"session_id":"mid","hook_event_name":"session-start","parent_session_id":"root"}`)
	s.send(`{"session_id":"leaf","hook_event_name":"session-start","parent_session_id":"mid"}`)

	leaf := s.get("leaf")
	s.Equal("mid", leaf.ParentSessionID)
	s.Equal(s.get("root").TeamID, leaf.TeamID)
	s.Equal([]string{"leaf"}, s.get("mid").ChildSessionIDs)
	teams := s.pub.teamList()
	s.Require().Len(teams, 1)
	s.ElementsMatch([]string{"mid", "leaf"}, teams[0].ChildSessionIDs)
}

func (s *EngineSuite) TestRekeyUpdatesTeamReferences() {
	term, err := s.c.RegisterTerminal(s.ctx, "/src/app", 0)
	s.Require().NoError(err)
	s.send(`{"session_id":"p","hook_event_name":"session-start"}`)
	s.send(`{"session_id":"` + term.ID + `","hook_event_name":"notification","parent_session_id":"p"}`)
	s.Equal([]string{term.ID}, s.get("p").ChildSessionIDs)

	s.send(`{"session_id":"agent-1","hook_event_name":"session-start","terminal_id":"` + term.ID + `"}`)
	s.Equal([]string{"agent-1"}, s.get("p").ChildSessionIDs)
	s.Equal("p", s.get("agent-1").ParentSessionID)
	teams := s.pub.teamList()
	s.Require().Len(teams, 1)
	s.Equal([]string{"agent-1"}, teams[0].ChildSessionIDs)
}
