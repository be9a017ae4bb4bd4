package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/agent-session-center/engine/internal/session"
)

const (
	startS1 = `{"session_id":"s1","hook_event_name":"session-start","cwd":"/src/api","pid":4242}`
	bashS1  = `{"session_id":"s1","hook_event_name":"tool-begin","tool_name":"Bash","tool_input":{"command":"make test"}}`
)

// Scenario A: a slow tool with no completion and no children is
// promoted to approval exactly at its timeout.
func (s *EngineSuite) TestSlowToolPromotesAtTimeout() {
	s.send(startS1)
	s.send(bashS1)
	s.Equal(session.Working, s.status("s1"))
	pt := s.get("s1").PendingTool
	s.Require().NotNil(pt)
	s.Equal("slow", pt.Category)

	s.advance(8*time.Second - time.Millisecond)
	s.Equal(session.Working, s.status("s1"))

	s.advance(time.Millisecond)
	st := s.get("s1")
	s.Equal(session.Approval, st.Status)
	s.Equal(1, st.ApprovalCount)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Detector.WithLabelValues("slow", "promote")))
}

// Scenario B: a tool-end before the timeout cancels the detector.
func (s *EngineSuite) TestToolEndBeforeTimeoutNeverPromotes() {
	s.send(startS1)
	s.send(bashS1)
	s.advance(4 * time.Second)
	s.send(`{"session_id":"s1","hook_event_name":"tool-end","tool_name":"Bash"}`)

	st := s.get("s1")
	s.Equal(session.Working, st.Status)
	s.Nil(st.PendingTool)

	s.advance(20 * time.Second)
	s.NotContains(s.pub.statuses("s1"), session.Approval)

	s.Require().NoError(s.c.SweepIdle(s.ctx))
	s.Equal(session.Waiting, s.status("s1"))
}

func (s *EngineSuite) TestSlowToolWithChildrenRearms() {
	s.insp.setChildren(4242, true)
	s.send(startS1)
	s.send(bashS1)

	s.advance(8 * time.Second)
	st := s.get("s1")
	s.Equal(session.Working, st.Status)
	s.Require().NotNil(st.PendingTool)
	s.Equal(t0.Add(8*time.Second), st.PendingTool.ArmedAt)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Detector.WithLabelValues("slow", "rearm")))

	s.insp.setChildren(4242, false)
	s.advance(8 * time.Second)
	s.Equal(session.Approval, s.status("s1"))
}

func (s *EngineSuite) TestUserInputToolPromotesToInput() {
	s.send(startS1)
	s.send(`{"session_id":"s1","hook_event_name":"tool-begin","tool_name":"AskUserQuestion"}`)
	s.advance(3 * time.Second)

	st := s.get("s1")
	s.Equal(session.Input, st.Status)
	s.Equal(0, st.ApprovalCount)
}

func (s *EngineSuite) TestNewToolReplacesPendingTool() {
	s.send(startS1)
	s.send(`{"session_id":"s1","hook_event_name":"tool-begin","tool_name":"Read"}`)
	s.advance(time.Second)
	s.send(bashS1)

	// The Read timer would have fired at 3s.
	s.advance(3 * time.Second)
	st := s.get("s1")
	s.Equal(session.Working, st.Status)
	s.Require().NotNil(st.PendingTool)
	s.Equal("Bash", st.PendingTool.Name)

	s.advance(5 * time.Second)
	s.Equal(session.Approval, s.status("s1"))
}

func (s *EngineSuite) TestUnknownToolUsesMediumTimeout() {
	s.send(startS1)
	s.send(`{"session_id":"s1","hook_event_name":"tool-begin","tool_name":"mcp__db__query"}`)
	s.Equal("medium", s.get("s1").PendingTool.Category)

	s.advance(14 * time.Second)
	s.Equal(session.Working, s.status("s1"))
	s.advance(time.Second)
	s.Equal(session.Approval, s.status("s1"))
}

func (s *EngineSuite) TestPermissionNeededIsImmediate() {
	s.send(startS1)
	s.send(bashS1)
	s.send(`{"session_id":"s1","hook_event_name":"permission-needed","tool_name":"Bash","message":"allow make test?"}`)

	st := s.get("s1")
	s.Equal(session.Approval, st.Status)
	s.Equal(1, st.ApprovalCount)
	s.Require().NotNil(st.PendingTool)

	// The cancelled detector must not count a second approval.
	s.advance(10 * time.Second)
	s.Equal(1, s.get("s1").ApprovalCount)
}

func (s *EngineSuite) TestPermissionNotificationRaisesApproval() {
	s.send(startS1)
	s.send(bashS1)
	s.send(`{"session_id":"s1","hook_event_name":"notification","notification_type":"permission_prompt","message":"Claude needs your permission to use Bash"}`)

	st := s.get("s1")
	s.Equal(session.Approval, st.Status)
	s.Equal(1, st.ApprovalCount)
	s.Require().NotNil(st.PendingTool)
	s.Equal("Bash", st.PendingTool.Name, "the pending tool is kept when the notification names none")

	s.advance(10 * time.Second)
	s.Equal(1, s.get("s1").ApprovalCount)
}

func (s *EngineSuite) TestElicitationNotificationRaisesInput() {
	s.send(startS1)
	s.send(`{"session_id":"s1","hook_event_name":"notification","notification_type":"elicitation_dialog"}`)
	s.Equal(session.Input, s.status("s1"))
}

func (s *EngineSuite) TestPlainNotificationKeepsStatus() {
	s.send(startS1)
	s.send(bashS1)
	s.send(`{"session_id":"s1","hook_event_name":"notification","notification_type":"auth_success","message":"logged in"}`)
	s.Equal(session.Working, s.status("s1"))
}

func (s *EngineSuite) TestToolEndSelfCorrectsApproval() {
	s.send(startS1)
	s.send(bashS1)
	s.advance(8 * time.Second)
	s.Equal(session.Approval, s.status("s1"))

	s.send(`{"session_id":"s1","hook_event_name":"tool-end","tool_name":"Bash"}`)
	st := s.get("s1")
	s.Equal(session.Working, st.Status)
	s.Nil(st.PendingTool)
}

func (s *EngineSuite) TestToolFailedActsAsToolEnd() {
	s.send(startS1)
	s.send(bashS1)
	s.send(`{"session_id":"s1","hook_event_name":"tool-failed","tool_name":"Bash","error":"exit status 2"}`)

	st := s.get("s1")
	s.Nil(st.PendingTool)
	s.Require().Len(st.ToolLog, 2)
	s.Equal("failed", st.ToolLog[1].Outcome)
	s.Equal("exit status 2", st.ToolLog[1].Error)

	s.advance(10 * time.Second)
	s.Equal(session.Working, s.status("s1"))
}

func (s *EngineSuite) TestTurnCompleteCancelsDetector() {
	s.send(startS1)
	s.send(bashS1)
	s.send(`{"session_id":"s1","hook_event_name":"turn-complete"}`)
	s.Equal(session.Waiting, s.status("s1"))

	s.advance(10 * time.Second)
	s.Equal(session.Waiting, s.status("s1"))
}

func (s *EngineSuite) TestEndCancelsDetector() {
	s.send(startS1)
	s.send(bashS1)
	s.send(`{"session_id":"s1","hook_event_name":"session-end","reason":"logout"}`)
	st := s.get("s1")
	s.Equal(session.Ended, st.Status)
	s.Equal("logout", st.EndReason)
	s.Equal(session.Working, st.PreEndStatus)

	s.advance(9 * time.Second)
	s.Equal(session.Ended, s.status("s1"))
}

// At most one pending tool per session no matter how tools interleave.
func (s *EngineSuite) TestAtMostOnePendingTool() {
	s.send(startS1)
	tools := []string{"Read", "Bash", "Grep", "WebFetch", "Task"}
	for _, name := range tools {
		s.send(`{"session_id":"s1","hook_event_name":"tool-begin","tool_name":"` + name + `"}`)
		s.Equal(name, s.get("s1").PendingTool.Name)
		s.advance(500 * time.Millisecond)
	}
	// Only the Task timer is live: 8s from its arm time.
	s.advance(7 * time.Second)
	s.Equal(session.Working, s.status("s1"))
	s.advance(time.Second)
	s.Equal(session.Approval, s.status("s1"))
	s.Equal(1, s.get("s1").ApprovalCount)
}
