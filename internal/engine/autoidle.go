package engine

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agent-session-center/engine/internal/clock"
	"github.com/agent-session-center/engine/internal/config"
	"github.com/agent-session-center/engine/internal/session"
)

// thresholds is the per-status demotion table.
type thresholds struct {
	limits map[session.Status]time.Duration
	settle time.Duration
}

func newThresholds(cfg config.IdleConfig) thresholds {
	return thresholds{
		limits: map[session.Status]time.Duration{
			session.Prompting: cfg.Prompting,
			session.Working:   cfg.Working,
			session.Waiting:   cfg.Waiting,
			session.Approval:  cfg.Approval,
			session.Input:     cfg.Input,
		},
		settle: cfg.SettleAfter,
	}
}

// idleVerdict returns the status s should be demoted to, if any. Time
// is measured from the pending tool's arm time when one exists, else
// from the last activity. A working session with nothing pending falls
// through to waiting once it has been quiet for the settle period.
func idleVerdict(s *session.Session, now time.Time, th thresholds) (session.Status, bool) {
	limit, tracked := th.limits[s.Status]
	if !tracked {
		return s.Status, false
	}
	ref := s.LastActivityAt
	if s.PendingTool != nil && !s.PendingTool.ArmedAt.IsZero() {
		ref = s.PendingTool.ArmedAt
	}
	if limit > 0 && now.Sub(ref) >= limit {
		return session.Idle, true
	}
	if s.Status == session.Working && s.PendingTool == nil && th.settle > 0 && now.Sub(s.LastActivityAt) >= th.settle {
		return session.Waiting, true
	}
	return s.Status, false
}

// SweepIdle applies the idle thresholds to every session and waits for
// the result to be published.
func (c *Coordinator) SweepIdle(ctx context.Context) error {
	return c.call(ctx, c.sweepIdle)
}

func (c *Coordinator) sweepIdle() {
	now := c.clock.Now()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		e := c.sessions[id]
		to, ok := idleVerdict(e.s, now, c.idle)
		if !ok {
			continue
		}
		c.mark(e)
		if to == session.Idle {
			c.cancelDetector(e)
			e.s.PendingTool = nil
		}
		from := e.s.Status
		c.setStatus(e, to)
		e.s.AppendEvent(session.LogEntry{At: now, Kind: "auto-idle", Detail: from.String() + " -> " + to.String()}, c.limits.Events)
	}
}

// AutoIdle periodically proposes idle demotions to the coordinator.
type AutoIdle struct {
	c        *Coordinator
	interval time.Duration
	clock    clock.Clock
}

func NewAutoIdle(c *Coordinator) *AutoIdle {
	return &AutoIdle{c: c, interval: c.cfg.Idle.SweepInterval, clock: c.clock}
}

func (a *AutoIdle) Run(ctx context.Context) error {
	ticker := a.clock.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.c.SweepIdle(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Warn().Err(err).Str("component", "autoidle").Msg("sweep not applied")
				return err
			}
		}
	}
}
