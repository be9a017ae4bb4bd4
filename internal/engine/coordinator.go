// Package engine owns the session model. A single Coordinator goroutine
// applies hook events and the proposals of every periodic component,
// arms the per-session timers, and publishes each accepted change.
package engine

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agent-session-center/engine/internal/clock"
	"github.com/agent-session-center/engine/internal/config"
	"github.com/agent-session-center/engine/internal/hook"
	"github.com/agent-session-center/engine/internal/matcher"
	"github.com/agent-session-center/engine/internal/metrics"
	"github.com/agent-session-center/engine/internal/monitor"
	"github.com/agent-session-center/engine/internal/session"
)

var (
	ErrStopped        = errors.New("coordinator stopped")
	ErrUnknownSession = errors.New("unknown session")
)

const inboxSize = 1024

// Publisher receives every accepted change, in order, from the
// coordinator goroutine.
type Publisher interface {
	PublishSession(s *session.Session)
	PublishSessionRemoved(id string)
	PublishTeam(t *session.Team)
	PublishTeamRemoved(id string)
	// Seq is the sequence number of the last published change.
	Seq() uint64
	// Seed installs restored state without publishing it.
	Seed(seq uint64, sessions []*session.Session, teams []*session.Team)
}

type Options struct {
	Config    *config.Config
	Clock     clock.Clock
	Inspector monitor.Inspector
	Publisher Publisher
	Metrics   *metrics.Metrics
	// Commit is told the log offset of every line the coordinator has
	// finished with, so the reader may truncate behind it.
	Commit func(offset int64)
	// Changes receives a copy of every session change. Sends never
	// block; a full channel drops the change.
	Changes chan<- session.Event
}

type proposal struct {
	apply func()
	done  chan struct{}
}

type entry struct {
	s *session.Session

	detector    *clock.Timer
	detectorGen uint64
	removal     *clock.Timer
	removalGen  uint64
}

type teamEntry struct {
	t *session.Team

	deletion    *clock.Timer
	deletionGen uint64
}

type childHint struct {
	parentID string
	cwd      string
	at       time.Time
}

type change struct {
	prev    session.Status
	created bool
}

// Coordinator is the only writer of session state.
type Coordinator struct {
	cfg        *config.Config
	clock      clock.Clock
	inspector  monitor.Inspector
	pub        Publisher
	metrics    *metrics.Metrics
	commit     func(int64)
	changes    chan<- session.Event
	classifier *hook.Classifier
	timeouts   hook.Timeouts
	limits     session.Limits
	idle       thresholds
	matcher    *matcher.Matcher

	inbox chan proposal
	done  chan struct{}
	once  atomic.Bool

	// Everything below is owned by the Run goroutine.
	sessions map[string]*entry
	aliases  map[string]string
	teams    map[string]*teamEntry
	hints    []childHint
	counters map[string]int
	offset   int64
	gen      uint64

	dirty        map[string]change
	removed      []*session.Session
	dirtyTeams   map[string]bool
	removedTeams []string

	targets atomic.Pointer[[]monitor.Target]
}

func New(opts Options) *Coordinator {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Publisher == nil {
		opts.Publisher = &nopPublisher{}
	}
	classifier, bad := hook.NewClassifier(cfg.Detector.Tools)
	for _, tool := range bad {
		log.Warn().Str("component", "engine").Str("tool", tool).Msg("ignoring unknown tool category override")
	}

	c := &Coordinator{
		cfg:        cfg,
		clock:      opts.Clock,
		inspector:  opts.Inspector,
		pub:        opts.Publisher,
		metrics:    metrics.OrNew(opts.Metrics),
		commit:     opts.Commit,
		changes:    opts.Changes,
		classifier: classifier,
		timeouts: hook.Timeouts{
			Fast:      cfg.Detector.Fast,
			UserInput: cfg.Detector.UserInput,
			Medium:    cfg.Detector.Medium,
			Slow:      cfg.Detector.Slow,
		},
		limits: session.Limits{
			Events:  cfg.Sessions.EventLogSize,
			Tools:   cfg.Sessions.ToolLogSize,
			Prompts: cfg.Sessions.PromptLogSize,
		},
		idle:     newThresholds(cfg.Idle),
		matcher:  matcher.New(matcher.NewPending(cfg.Matcher.LinkTTL, cfg.Matcher.ResumeTTL), opts.Inspector, cfg.Matcher.ReviveWindow),
		inbox:    make(chan proposal, inboxSize),
		done:     make(chan struct{}),
		sessions: make(map[string]*entry),
		aliases:  make(map[string]string),
		teams:    make(map[string]*teamEntry),
		counters: make(map[string]int),
		dirty:    make(map[string]change),

		dirtyTeams: make(map[string]bool),
	}
	empty := []monitor.Target{}
	c.targets.Store(&empty)
	return c
}

// Run applies proposals one at a time until ctx is done. Each proposal
// runs to completion, then its changes are published before the next
// one starts.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-c.inbox:
			c.apply(p)
		}
	}
}

func (c *Coordinator) apply(p proposal) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("component", "engine").Interface("panic", r).Msg("proposal panicked, changes so far are published")
			c.flush()
		}
		if p.done != nil {
			close(p.done)
		}
	}()
	p.apply()
	c.flush()
}

func (c *Coordinator) stop() {
	if c.once.CompareAndSwap(false, true) {
		close(c.done)
	}
}

// propose queues fn without waiting for it. It is used by timer
// callbacks, which have no caller to report to.
func (c *Coordinator) propose(fn func()) {
	select {
	case c.inbox <- proposal{apply: fn}:
	case <-c.done:
	}
}

func (c *Coordinator) submit(ctx context.Context, fn func()) error {
	select {
	case c.inbox <- proposal{apply: fn}:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the coordinator goroutine and waits until its
// changes have been published.
func (c *Coordinator) call(ctx context.Context, fn func()) error {
	p := proposal{apply: fn, done: make(chan struct{})}
	select {
	case c.inbox <- p:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-p.done:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync waits until every proposal queued before it has been applied
// and published.
func (c *Coordinator) Sync(ctx context.Context) error {
	return c.call(ctx, func() {})
}

// mark records that a session is about to change. The first call per
// proposal remembers the status it had before.
func (c *Coordinator) mark(e *entry) {
	if _, ok := c.dirty[e.s.ID]; !ok {
		c.dirty[e.s.ID] = change{prev: e.s.Status}
	}
}

func (c *Coordinator) markCreated(e *entry) {
	c.dirty[e.s.ID] = change{prev: e.s.Status, created: true}
}

func (c *Coordinator) markTeam(id string) {
	c.dirtyTeams[id] = true
}

// flush publishes the changes of the current proposal: updated
// sessions, removed sessions, updated teams, removed teams. Within each
// group ids are published in sorted order.
func (c *Coordinator) flush() {
	if len(c.dirty) == 0 && len(c.removed) == 0 && len(c.dirtyTeams) == 0 && len(c.removedTeams) == 0 {
		return
	}

	ids := make([]string, 0, len(c.dirty))
	for id := range c.dirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	active := c.activeCount()
	for _, id := range ids {
		e, ok := c.sessions[id]
		if !ok {
			continue
		}
		ch := c.dirty[id]
		snap := e.s.Clone()
		c.pub.PublishSession(snap)

		typ := session.EventUpdate
		switch {
		case ch.created:
			typ = session.EventNew
		case snap.Status == session.Ended && ch.prev != session.Ended:
			typ = session.EventTerminal
		}
		c.emit(session.Event{Type: typ, State: snap, Previous: ch.prev, ActiveCount: active})
	}
	for _, s := range c.removed {
		c.pub.PublishSessionRemoved(s.ID)
		c.emit(session.Event{Type: session.EventRemoved, State: s, Previous: s.Status, ActiveCount: active})
	}

	teamIDs := make([]string, 0, len(c.dirtyTeams))
	for id := range c.dirtyTeams {
		teamIDs = append(teamIDs, id)
	}
	sort.Strings(teamIDs)
	for _, id := range teamIDs {
		if te, ok := c.teams[id]; ok {
			c.pub.PublishTeam(te.t.Clone())
		}
	}
	for _, id := range c.removedTeams {
		c.pub.PublishTeamRemoved(id)
	}

	clear(c.dirty)
	c.removed = c.removed[:0]
	clear(c.dirtyTeams)
	c.removedTeams = c.removedTeams[:0]

	c.refreshTargets()
	c.updateGauges()
}

func (c *Coordinator) emit(ev session.Event) {
	if c.changes == nil {
		return
	}
	select {
	case c.changes <- ev:
	default:
		log.Debug().Str("component", "engine").Str("session", ev.State.ID).Msg("change feed full, dropping event")
	}
}

func (c *Coordinator) activeCount() int {
	n := 0
	for _, e := range c.sessions {
		if e.s.Status != session.Ended {
			n++
		}
	}
	return n
}

func (c *Coordinator) updateGauges() {
	counts := make(map[session.Status]int, len(session.Statuses))
	for _, e := range c.sessions {
		counts[e.s.Status]++
	}
	for _, st := range session.Statuses {
		c.metrics.Sessions.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
	c.metrics.Teams.Set(float64(len(c.teams)))
}

// refreshTargets rebuilds the list the process monitor probes. Sessions
// attached to a live terminal are left to the terminal relay.
func (c *Coordinator) refreshTargets() {
	targets := make([]monitor.Target, 0, len(c.sessions))
	for id, e := range c.sessions {
		s := e.s
		if s.Status == session.Ended || s.CachedPID <= 0 || s.TerminalID != "" {
			continue
		}
		targets = append(targets, monitor.Target{SessionID: id, PID: s.CachedPID})
	}
	c.targets.Store(&targets)
}

// LivenessTargets returns the sessions the process monitor should
// probe. Safe to call from any goroutine.
func (c *Coordinator) LivenessTargets() []monitor.Target {
	t := *c.targets.Load()
	out := make([]monitor.Target, len(t))
	copy(out, t)
	return out
}

// arena adapts the session map to matcher.Arena.
type arena map[string]*entry

func (a arena) Session(id string) (*session.Session, bool) {
	e, ok := a[id]
	if !ok {
		return nil, false
	}
	return e.s, true
}

func (a arena) Sessions() []*session.Session {
	out := make([]*session.Session, 0, len(a))
	for _, e := range a {
		out = append(out, e.s)
	}
	return out
}

type nopPublisher struct {
	seq uint64
}

func (p *nopPublisher) PublishSession(*session.Session) { p.seq++ }
func (p *nopPublisher) PublishSessionRemoved(string)    { p.seq++ }
func (p *nopPublisher) PublishTeam(*session.Team)       { p.seq++ }
func (p *nopPublisher) PublishTeamRemoved(string)       { p.seq++ }
func (p *nopPublisher) Seq() uint64                     { return p.seq }

func (p *nopPublisher) Seed(seq uint64, _ []*session.Session, _ []*session.Team) {
	p.seq = seq
}
