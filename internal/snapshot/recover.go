package snapshot

import (
	"time"

	"github.com/agent-session-center/engine/internal/session"
)

// RestartReason is the EndReason of sessions ended during recovery.
const RestartReason = "engine-restart"

// LivenessFunc reports whether pid is running. A non-nil error means
// liveness could not be determined.
type LivenessFunc func(pid int) (bool, error)

// Recover prepares a loaded State for use after a restart. Terminal
// associations cannot survive a restart and are cleared. Every active
// session whose PID is gone, or that has no PID at all, is ended with
// the restart marker, which makes it eligible for auto-revive. A probe
// error is not proof of death: the session stays active and the
// process monitor ends it only after repeated failures. It returns the
// ids of the sessions it ended.
func Recover(st *State, alive LivenessFunc, now time.Time) []string {
	var ended []string
	pids := make(map[int]string)

	for _, s := range st.Sessions {
		s.TerminalID = ""

		if s.Status == session.Ended {
			continue
		}
		if s.CachedPID > 0 {
			if ok, err := alive(s.CachedPID); err != nil || ok {
				pids[s.CachedPID] = s.ID
				continue
			}
		}

		s.PreEndStatus = s.Status
		s.Status = session.Ended
		s.RestartEnded = true
		s.EndReason = RestartReason
		s.PendingTool = nil
		t := now
		s.EndedAt = &t
		ended = append(ended, s.ID)
	}

	st.PIDIndex = pids
	return ended
}
