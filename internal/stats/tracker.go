// Package stats keeps the aggregate counters shown in viewer headers
// and pushes them out whenever they change.
package stats

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agent-session-center/engine/internal/clock"
	"github.com/agent-session-center/engine/internal/metrics"
	"github.com/agent-session-center/engine/internal/session"
)

// DefaultInterval is the minimum spacing between two stats messages.
const DefaultInterval = 2 * time.Second

type Stats struct {
	ByStatus       map[string]int `json:"byStatus"`
	Active         int            `json:"active"`
	Teams          int            `json:"teams"`
	ToolCalls      int            `json:"toolCalls"`
	Approvals      int            `json:"approvals"`
	EventsIngested uint64         `json:"eventsIngested"`
	EventsRejected uint64         `json:"eventsRejected"`
}

func (s Stats) equal(o Stats) bool {
	return maps.Equal(s.ByStatus, o.ByStatus) &&
		s.Active == o.Active && s.Teams == o.Teams &&
		s.ToolCalls == o.ToolCalls && s.Approvals == o.Approvals &&
		s.EventsIngested == o.EventsIngested && s.EventsRejected == o.EventsRejected
}

// Source is the read view the tracker counts from.
type Source interface {
	GetAll() []*session.Session
	CountByStatus() map[session.Status]int
	ActiveCount() int
	Teams() []*session.Team
}

type counts struct {
	tools     int
	approvals int
}

// Tracker folds the coordinator's change feed into lifetime tool and
// approval totals and publishes a Stats value at most once per
// interval, and only when something changed.
type Tracker struct {
	source   Source
	metrics  *metrics.Metrics
	publish  func(Stats)
	clock    clock.Clock
	interval time.Duration
	events   chan session.Event

	mu        sync.Mutex
	seen      map[string]counts
	toolCalls int
	approvals int
	last      *Stats
}

// New returns a tracker and the channel the coordinator should send its
// changes on. The caller must run Run.
func New(source Source, m *metrics.Metrics, publish func(Stats), clk clock.Clock, interval time.Duration) (*Tracker, chan<- session.Event) {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := &Tracker{
		source:   source,
		metrics:  metrics.OrNew(m),
		publish:  publish,
		clock:    clk,
		interval: interval,
		events:   make(chan session.Event, 256),
		seen:     make(map[string]counts),
	}
	return t, t.events
}

// Seed counts the sessions already in the source, such as those
// restored from a snapshot, as if they had just been observed.
func (t *Tracker) Seed() {
	for _, s := range t.source.GetAll() {
		t.mu.Lock()
		_, seen := t.seen[s.ID]
		t.mu.Unlock()
		if !seen {
			t.Observe(session.Event{Type: session.EventNew, State: s})
		}
	}
}

// Run consumes the change feed and publishes on every tick. It blocks
// until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	t.Seed()
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.events:
			t.Observe(ev)
		case <-ticker.C:
			t.Tick()
		}
	}
}

// Observe accounts one change. Removed sessions keep contributing to
// the lifetime totals.
func (t *Tracker) Observe(ev session.Event) {
	if ev.State == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	id := ev.State.ID
	if ev.Type == session.EventRemoved {
		delete(t.seen, id)
		return
	}
	prev, ok := t.seen[id]
	if !ok && ev.State.ReplacesID != "" {
		prev = t.seen[ev.State.ReplacesID]
	}
	cur := counts{tools: ev.State.ToolCount, approvals: ev.State.ApprovalCount}
	// A revived or rekeyed record can arrive with lower counts than
	// the one it replaced; only growth is counted.
	if d := cur.tools - prev.tools; d > 0 {
		t.toolCalls += d
	}
	if d := cur.approvals - prev.approvals; d > 0 {
		t.approvals += d
	}
	t.seen[id] = cur
}

// Current computes the stats as of now.
func (t *Tracker) Current() Stats {
	byStatus := make(map[string]int, len(session.Statuses))
	for st, n := range t.source.CountByStatus() {
		if n > 0 {
			byStatus[st.String()] = n
		}
	}

	t.mu.Lock()
	tools, approvals := t.toolCalls, t.approvals
	t.mu.Unlock()

	return Stats{
		ByStatus:       byStatus,
		Active:         t.source.ActiveCount(),
		Teams:          len(t.source.Teams()),
		ToolCalls:      tools,
		Approvals:      approvals,
		EventsIngested: uint64(t.metrics.Total("events_ingested_total")),
		EventsRejected: uint64(t.metrics.Total("events_rejected_total")),
	}
}

// Tick publishes the current stats if they differ from the last ones
// published. It reports whether it published.
func (t *Tracker) Tick() bool {
	cur := t.Current()

	t.mu.Lock()
	if t.last != nil && t.last.equal(cur) {
		t.mu.Unlock()
		return false
	}
	t.last = &cur
	t.mu.Unlock()

	if t.publish != nil {
		t.publish(cur)
	}
	log.Debug().Str("component", "stats").Int("active", cur.Active).Int("tool_calls", cur.ToolCalls).Msg("stats published")
	return true
}
