package engine

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agent-session-center/engine/internal/hook"
	"github.com/agent-session-center/engine/internal/session"
)

// armDetector makes name the session's only pending tool and starts
// its category timer, replacing any timer already running.
func (c *Coordinator) armDetector(e *entry, name, input string, now time.Time) {
	c.cancelDetector(e)
	cat := c.classifier.Classify(name)
	e.s.PendingTool = &session.PendingTool{
		Name:     name,
		Category: cat.String(),
		Input:    input,
		ArmedAt:  now,
	}
	c.startDetector(e, cat, c.timeouts.For(cat))
}

// startDetector schedules the timer. The callback runs off the
// coordinator goroutine: it only performs the child-process probe for
// slow tools and then proposes the outcome. The generation check in
// detectorFired discards callbacks whose timer was superseded.
func (c *Coordinator) startDetector(e *entry, cat hook.Category, after time.Duration) {
	e.detector.Stop()
	c.gen++
	gen := c.gen
	e.detectorGen = gen
	id := e.s.ID
	pid := e.s.CachedPID
	inspector := c.inspector

	if after < 0 {
		after = 0
	}
	e.detector = c.clock.AfterFunc(after, func() {
		busy := false
		if cat == hook.CategorySlow && pid > 0 && inspector != nil {
			has, err := inspector.HasChildren(pid)
			if err != nil {
				log.Debug().Err(err).Str("component", "detector").Str("session", id).Int("pid", pid).Msg("child check failed")
			}
			busy = err == nil && has
		}
		c.propose(func() { c.detectorFired(id, gen, busy) })
	})
}

func (c *Coordinator) cancelDetector(e *entry) {
	e.detector.Stop()
	e.detector = nil
	e.detectorGen = 0
}

func (c *Coordinator) detectorFired(id string, gen uint64, busy bool) {
	e, ok := c.sessions[id]
	if !ok || e.detectorGen != gen || e.s.PendingTool == nil {
		return
	}
	s := e.s
	if s.Status != session.Working && s.Status != session.Prompting {
		return
	}
	cat, _ := hook.ParseCategory(s.PendingTool.Category)
	now := c.clock.Now()
	c.mark(e)

	if busy {
		// The tool still has child processes: treat it as running.
		c.metrics.Detector.WithLabelValues(cat.String(), "rearm").Inc()
		s.PendingTool.ArmedAt = now
		c.startDetector(e, cat, c.timeouts.For(cat))
		log.Debug().Str("component", "detector").Str("session", id).Str("tool", s.PendingTool.Name).Msg("tool has children, re-armed")
		return
	}

	e.detector = nil
	e.detectorGen = 0
	to := session.Approval
	if cat == hook.CategoryUserInput {
		to = session.Input
	} else {
		s.ApprovalCount++
	}
	c.setStatus(e, to)
	s.AppendEvent(session.LogEntry{At: now, Kind: "detector", Detail: s.PendingTool.Name + " -> " + to.String()}, c.limits.Events)
	c.metrics.Detector.WithLabelValues(cat.String(), "promote").Inc()
	log.Info().Str("component", "detector").Str("session", id).Str("tool", s.PendingTool.Name).Str("status", to.String()).Msg("no completion in time, waiting on user")
}
