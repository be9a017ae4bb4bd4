// Package monitor checks that the processes behind tracked sessions
// are still running.
package monitor

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agent-session-center/engine/internal/clock"
	"github.com/agent-session-center/engine/internal/metrics"
)

// Target is a session whose liveness the monitor owns.
type Target struct {
	SessionID string
	PID       int
}

// Exit reports a session whose process is gone or cannot be confirmed.
type Exit struct {
	SessionID string
	PID       int
	Reason    string
}

const (
	ReasonExited      = "process-exited"
	ReasonUnconfirmed = "liveness-unconfirmed"
)

type Options struct {
	Inspector Inspector
	// Targets returns the sessions to probe. Sessions attached to an
	// interactive terminal must not be listed: the terminal relay owns
	// their liveness.
	Targets func() []Target
	// Report receives each exit. It must not block for long.
	Report           func(Exit)
	Interval         time.Duration
	FailureThreshold int
	Clock            clock.Clock
	Metrics          *metrics.Metrics
}

type Monitor struct {
	inspector Inspector
	targets   func() []Target
	report    func(Exit)
	interval  time.Duration
	clock     clock.Clock
	health    *probeHealth
	metrics   *metrics.Metrics
}

func New(opts Options) *Monitor {
	if opts.Inspector == nil {
		opts.Inspector = ProcessInspector{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	return &Monitor{
		inspector: opts.Inspector,
		targets:   opts.Targets,
		report:    opts.Report,
		interval:  opts.Interval,
		clock:     opts.Clock,
		health:    newProbeHealth(opts.FailureThreshold),
		metrics:   metrics.OrNew(opts.Metrics),
	}
}

func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep probes every target once and reports the ones that are gone.
// Each PID is probed once even if several sessions share it.
func (m *Monitor) Sweep() []Exit {
	targets := m.targets()
	sort.Slice(targets, func(i, j int) bool { return targets[i].SessionID < targets[j].SessionID })

	verdict := make(map[int]string, len(targets))
	watched := make(map[int]bool, len(targets))
	var exits []Exit

	for _, t := range targets {
		if t.PID <= 0 {
			continue
		}
		watched[t.PID] = true
		reason, probed := verdict[t.PID]
		if !probed {
			reason = m.probe(t.PID)
			verdict[t.PID] = reason
		}
		if reason == "" {
			continue
		}
		exit := Exit{SessionID: t.SessionID, PID: t.PID, Reason: reason}
		exits = append(exits, exit)
		m.metrics.ProcessDeaths.Inc()
		log.Info().Str("component", "monitor").Str("session", t.SessionID).Int("pid", t.PID).Str("reason", reason).Msg("session process gone")
		if m.report != nil {
			m.report(exit)
		}
	}
	m.health.prune(watched)
	return exits
}

// probe returns "" when pid is alive, otherwise the exit reason.
func (m *Monitor) probe(pid int) string {
	alive, err := m.inspector.Alive(pid)
	if err != nil {
		m.metrics.LivenessFailures.Inc()
		if m.health.recordFailure(pid, err) {
			log.Warn().Err(err).Str("component", "monitor").Int("pid", pid).Int("failures", m.health.count(pid)).Msg("liveness cannot be confirmed")
			m.health.forget(pid)
			return ReasonUnconfirmed
		}
		log.Debug().Err(err).Str("component", "monitor").Int("pid", pid).Msg("liveness probe failed")
		return ""
	}
	m.health.recordSuccess(pid)
	if !alive {
		return ReasonExited
	}
	return ""
}
