package engine

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/agent-session-center/engine/internal/monitor"
	"github.com/agent-session-center/engine/internal/session"
	"github.com/agent-session-center/engine/internal/snapshot"
)

// Scenario C: an unknown id with no hints becomes a display-only
// session and the event is applied to it.
func (s *EngineSuite) TestUnmatchedEventCreatesDisplayOnlySession() {
	s.send(`{"session_id":"zzz","hook_event_name":"tool-begin","tool_name":"Read","cwd":"/work/site"}`)

	st := s.get("zzz")
	s.True(st.DisplayOnly)
	s.Equal(session.Working, st.Status)
	s.Equal("site", st.Label)
	s.Empty(st.TerminalID)
	s.Require().Len(st.Events, 1)
	s.Equal("tool-begin", st.Events[0].Kind)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.MatcherRules.WithLabelValues("display_only")))
}

func (s *EngineSuite) TestProjectCounterLabels() {
	s.send(`{"session_id":"a","hook_event_name":"session-start","cwd":"/src/api"}`)
	s.send(`{"session_id":"b","hook_event_name":"session-start","cwd":"/other/api/"}`)
	s.send(`{"session_id":"c","hook_event_name":"session-start"}`)

	s.Equal("api", s.get("a").Label)
	s.Equal("api #2", s.get("b").Label)
	s.Equal("unknown", s.get("c").Label)
}

// Scenario D: a restart-ended session is revived, under its own id, by
// a new start from the same directory.
func (s *EngineSuite) TestSnapshotRestartRevivesSession() {
	st := snapshot.New()
	st.Seq = 77
	st.ReaderOffset = 900
	st.Sessions = []*session.Session{{
		ID: "S", Label: "api", Project: "api", Status: session.Waiting, Cwd: "/src/api",
		StartedAt: t0.Add(-time.Hour), LastActivityAt: t0.Add(-time.Minute), CachedPID: 999, TerminalID: "old-term",
		Events: []session.LogEntry{{At: t0.Add(-time.Hour), Kind: "session-start"}},
	}}
	st.ProjectCounters["api"] = 1
	ended := snapshot.Recover(st, s.insp.Alive, s.clk.Now())
	s.Equal([]string{"S"}, ended)
	s.restore(st)

	s.Equal(session.Ended, s.status("S"))
	s.True(s.get("S").RestartEnded)

	s.advance(2 * time.Minute)
	s.send(`{"session_id":"S2","hook_event_name":"session-start","cwd":"/src/api","pid":1500}`)

	_, created := s.pub.session("S2")
	s.False(created, "revive must not create a second session")
	got := s.get("S")
	s.Equal(session.Idle, got.Status)
	s.False(got.RestartEnded)
	s.Nil(got.EndedAt)
	s.Equal([]string{"S2"}, got.Aliases)
	s.Equal(1500, got.CachedPID)
	s.Equal("session-start", got.Events[0].Kind, "history kept")
	s.Equal(uint64(78), s.pub.log[0].seq, "sequence continues from the snapshot")

	// Later events under the producer id route through the alias.
	s.send(`{"session_id":"S2","hook_event_name":"prompt-submitted","prompt":"continue"}`)
	s.Equal(session.Prompting, s.status("S"))

	exported, err := s.c.Export(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(900), exported.ReaderOffset)
	s.Equal(s.pub.Seq(), exported.Seq)
	s.Equal("S", exported.PIDIndex[1500])
}

func (s *EngineSuite) TestReviveWindowExpires() {
	st := snapshot.New()
	st.Sessions = []*session.Session{{ID: "S", Status: session.Working, Cwd: "/src/api", StartedAt: t0, LastActivityAt: t0}}
	snapshot.Recover(st, s.insp.Alive, s.clk.Now())
	s.restore(st)

	s.advance(11 * time.Minute)
	s.True(s.pub.wasRemoved("S"), "kept only for the revive window")

	s.send(`{"session_id":"S2","hook_event_name":"session-start","cwd":"/src/api"}`)
	s.True(s.get("S2").DisplayOnly)
}

func (s *EngineSuite) TestRestoreResumesDetectorWithRemainingTime() {
	st := snapshot.New()
	st.Sessions = []*session.Session{{
		ID: "w", Status: session.Working, Cwd: "/src/w", CachedPID: 10, StartedAt: t0, LastActivityAt: t0,
		PendingTool: &session.PendingTool{Name: "Bash", Category: "slow", ArmedAt: t0.Add(-5 * time.Second)},
	}}
	s.insp.alive[10] = true
	snapshot.Recover(st, s.insp.Alive, s.clk.Now())
	s.restore(st)

	s.advance(2 * time.Second)
	s.Equal(session.Working, s.status("w"))
	s.advance(time.Second)
	s.Equal(session.Approval, s.status("w"))
}

func (s *EngineSuite) TestGenuinelyEndedIgnoresAllButStart() {
	s.send(startS1)
	s.send(`{"session_id":"s1","hook_event_name":"session-end"}`)
	s.send(`{"session_id":"s1","hook_event_name":"tool-begin","tool_name":"Read"}`)
	s.Equal(session.Ended, s.status("s1"))

	s.send(startS1)
	st := s.get("s1")
	s.Equal(session.Idle, st.Status)
	s.Nil(st.EndedAt)

	// The reopened session is no longer scheduled for removal.
	s.advance(2 * time.Minute)
	_, ok := s.pub.session("s1")
	s.True(ok)
}

func (s *EngineSuite) TestEndedSessionRemovedAfterGrace() {
	s.send(startS1)
	s.send(`{"session_id":"s1","hook_event_name":"session-end"}`)

	s.advance(59 * time.Second)
	s.False(s.pub.wasRemoved("s1"))
	s.advance(time.Second)
	s.True(s.pub.wasRemoved("s1"))
}

func (s *EngineSuite) TestPromptTransitions() {
	s.send(startS1)
	s.send(`{"session_id":"s1","hook_event_name":"prompt-submitted","prompt":"fix the build"}`)
	st := s.get("s1")
	s.Equal(session.Prompting, st.Status)
	s.Equal(1, st.PromptCount)
	s.Require().Len(st.PromptLog, 1)
	s.Equal("fix the build", st.PromptLog[0].Text)

	s.send(bashS1)
	s.send(`{"session_id":"s1","hook_event_name":"prompt-submitted","prompt":"also lint"}`)
	s.Equal(session.Working, s.status("s1"), "a prompt while working keeps the status")
	s.Equal(2, s.get("s1").PromptCount)
}

func (s *EngineSuite) TestProcessExitEndsSession() {
	s.send(startS1)
	s.Equal([]monitor.Target{{SessionID: "s1", PID: 4242}}, s.c.LivenessTargets())

	// A stale report for another pid is ignored.
	s.c.ProcessExited(monitor.Exit{SessionID: "s1", PID: 1, Reason: monitor.ReasonExited})
	s.sync()
	s.Equal(session.Idle, s.status("s1"))

	s.c.ProcessExited(monitor.Exit{SessionID: "s1", PID: 4242, Reason: monitor.ReasonExited})
	s.sync()
	st := s.get("s1")
	s.Equal(session.Ended, st.Status)
	s.Equal(monitor.ReasonExited, st.EndReason)
	s.Empty(s.c.LivenessTargets())
}

func (s *EngineSuite) TestMonitorSweepFeedsCoordinator() {
	s.send(startS1)
	m := monitor.New(monitor.Options{
		Inspector:        s.insp,
		Targets:          s.c.LivenessTargets,
		Report:           s.c.ProcessExited,
		FailureThreshold: 3,
		Clock:            s.clk,
		Metrics:          s.metrics,
	})
	exits := m.Sweep()
	s.Len(exits, 1)
	s.sync()
	s.Equal(session.Ended, s.status("s1"))
}

func (s *EngineSuite) TestChangeFeed() {
	s.send(startS1)
	s.send(`{"session_id":"s1","hook_event_name":"session-end"}`)

	first := <-s.changes
	s.Equal(session.EventNew, first.Type)
	s.Equal(1, first.ActiveCount)
	second := <-s.changes
	s.Equal(session.EventTerminal, second.Type)
	s.Equal(session.Idle, second.Previous)
	s.Equal(0, second.ActiveCount)
}

func (s *EngineSuite) TestOffsetsCommittedAfterApply() {
	ev := mustEvent(s, startS1)
	ev.Offset = 120
	s.Require().NoError(s.c.Ingest(s.ctx, ev))
	s.Require().NoError(s.c.Advance(s.ctx, 180))
	s.sync()
	s.Equal([]int64{120, 180}, s.commits)
}

func (s *EngineSuite) TestDeleteSession() {
	s.send(startS1)
	s.Require().NoError(s.c.DeleteSession(s.ctx, "s1"))
	s.True(s.pub.wasRemoved("s1"))
	s.ErrorIs(s.c.DeleteSession(s.ctx, "s1"), ErrUnknownSession)
}

func (s *EngineSuite) TestStoppedCoordinator() {
	s.cancel()
	<-s.stopped
	s.cancel = nil
	s.ErrorIs(s.c.Sync(context.Background()), ErrStopped)
}
