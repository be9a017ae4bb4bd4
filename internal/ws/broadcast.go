package ws

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agent-session-center/engine/internal/clock"
	"github.com/agent-session-center/engine/internal/metrics"
	"github.com/agent-session-center/engine/internal/session"
)

var ErrTooManyConnections = errors.New("too many viewer connections")

// viewer is one subscribed connection's outbound queue.
type viewer struct {
	id     string
	send   chan []byte
	closed bool
}

type HubOptions struct {
	Store          *session.Store
	RingSize       int
	SendQueue      int
	MaxConnections int // 0 means unlimited
	Privacy        *session.PrivacyFilter
	Clock          clock.Clock
	Metrics        *metrics.Metrics
}

// Hub sequences every model change, keeps the recent ones for replay
// and fans them out to viewers. Publishing never blocks: a viewer that
// cannot take a sequenced message is disconnected and must reconnect
// with its last seq; unsequenced messages are simply dropped for it.
type Hub struct {
	mu      sync.Mutex
	epoch   string
	seq     uint64
	ring    *Ring
	viewers map[*viewer]struct{}

	store     *session.Store
	sendQueue int
	maxConns  int
	privacy   *session.PrivacyFilter
	clock     clock.Clock
	metrics   *metrics.Metrics
}

func NewHub(opts HubOptions) *Hub {
	if opts.Store == nil {
		opts.Store = session.NewStore()
	}
	if opts.Privacy == nil {
		opts.Privacy = &session.PrivacyFilter{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 256
	}
	return &Hub{
		epoch:     uuid.NewString(),
		ring:      NewRing(opts.RingSize),
		viewers:   make(map[*viewer]struct{}),
		store:     opts.Store,
		sendQueue: opts.SendQueue,
		maxConns:  opts.MaxConnections,
		privacy:   opts.Privacy,
		clock:     opts.Clock,
		metrics:   metrics.OrNew(opts.Metrics),
	}
}

// Store is the read view kept in step with published changes.
func (h *Hub) Store() *session.Store { return h.store }

// Epoch identifies this run of the hub. It changes on every start, so
// a cursor from before a restart never matches.
func (h *Hub) Epoch() string { return h.epoch }

func (h *Hub) Seq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// Seed installs restored state. Seqs continue from seq, but the epoch
// is new: the restored state may differ from what viewers last saw
// (restart recovery, deltas lost after the last checkpoint), so every
// cursor issued before the restart is answered with a snapshot.
func (h *Hub) Seed(seq uint64, sessions []*session.Session, teams []*session.Team) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq = seq
	for _, s := range sessions {
		h.store.Update(s)
	}
	for _, t := range teams {
		h.store.UpdateTeam(t)
	}
	h.metrics.BroadcastSeq.Set(float64(seq))
}

func (h *Hub) PublishSession(s *session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.store.Update(s)
	if !h.privacy.IsAllowed(s.Cwd) {
		h.appendLocked(MsgSessionRemoved, RemovedPayload{ID: h.privacy.MaskID(s.ID)})
		return
	}
	h.appendLocked(MsgSessionUpdate, h.privacy.Apply(s))
}

func (h *Hub) PublishSessionRemoved(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.store.Remove(id)
	h.appendLocked(MsgSessionRemoved, RemovedPayload{ID: h.privacy.MaskID(id)})
}

func (h *Hub) PublishTeam(t *session.Team) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.store.UpdateTeam(t)
	h.appendLocked(MsgTeamUpdate, h.privacy.ApplyTeam(t))
}

func (h *Hub) PublishTeamRemoved(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.store.RemoveTeam(id)
	h.appendLocked(MsgTeamRemoved, RemovedPayload{ID: id})
}

// Broadcast sends an unsequenced message (stats, terminal relay
// passthrough) to every viewer that has room for it.
func (h *Hub) Broadcast(typ MessageType, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, err := encode(typ, h.seq, h.epoch, h.clock.Now().UTC(), payload)
	if err != nil {
		log.Error().Err(err).Str("component", "ws").Str("type", string(typ)).Msg("encode failed")
		return
	}
	for v := range h.viewers {
		select {
		case v.send <- data:
		default:
			h.metrics.BroadcastDropped.WithLabelValues(string(typ)).Inc()
		}
	}
}

func (h *Hub) appendLocked(typ MessageType, payload any) {
	seq := h.seq + 1
	data, err := encode(typ, seq, h.epoch, h.clock.Now().UTC(), payload)
	if err != nil {
		log.Error().Err(err).Str("component", "ws").Str("type", string(typ)).Msg("encode failed, change not broadcast")
		return
	}
	h.seq = seq
	h.ring.Append(Entry{Seq: seq, Type: typ, Data: data})
	h.metrics.BroadcastSeq.Set(float64(seq))

	for v := range h.viewers {
		select {
		case v.send <- data:
		default:
			h.metrics.BroadcastDropped.WithLabelValues("sequenced").Inc()
			log.Warn().Str("component", "ws").Str("viewer", v.id).Uint64("seq", seq).Msg("viewer too slow, disconnecting")
			h.detachLocked(v)
		}
	}
}

// Attach registers a viewer and queues its initial state: the deltas
// after from when it belongs to this epoch and they are all still in
// the ring, otherwise a full snapshot.
func (h *Hub) Attach(from *Cursor) (*viewer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maxConns > 0 && len(h.viewers) >= h.maxConns {
		return nil, ErrTooManyConnections
	}
	v := &viewer{id: uuid.NewString(), send: make(chan []byte, h.sendQueue)}
	h.syncLocked(v, from)
	h.viewers[v] = struct{}{}
	h.metrics.Viewers.Set(float64(len(h.viewers)))
	return v, nil
}

// Replay answers a viewer's replay request in place. Nothing can be
// published between the replayed entries and the next live message.
func (h *Hub) Replay(v *viewer, from Cursor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v.closed {
		return
	}
	h.syncLocked(v, &from)
}

func (h *Hub) syncLocked(v *viewer, from *Cursor) {
	if from != nil && from.Epoch == h.epoch {
		if entries, ok := h.replayLocked(from.Seq); ok && len(entries) < cap(v.send)-len(v.send) {
			for _, e := range entries {
				v.send <- e.Data
			}
			h.metrics.Replays.WithLabelValues("delta").Inc()
			return
		}
	}
	data, err := h.snapshotLocked()
	if err != nil {
		log.Error().Err(err).Str("component", "ws").Msg("snapshot encode failed")
		return
	}
	select {
	case v.send <- data:
		h.metrics.Replays.WithLabelValues("snapshot").Inc()
	default:
		h.detachLocked(v)
	}
}

func (h *Hub) replayLocked(since uint64) ([]Entry, bool) {
	switch {
	case since == h.seq:
		return nil, true
	case since > h.seq:
		return nil, false
	}
	return h.ring.Since(since)
}

func (h *Hub) snapshotLocked() ([]byte, error) {
	teams := h.store.Teams()
	for i, t := range teams {
		teams[i] = h.privacy.ApplyTeam(t)
	}
	return encode(MsgSnapshot, h.seq, h.epoch, h.clock.Now().UTC(), SnapshotPayload{
		Sessions: h.privacy.FilterSlice(h.store.GetAll()),
		Teams:    teams,
		Seq:      h.seq,
	})
}

// Detach unregisters a viewer and closes its queue.
func (h *Hub) Detach(v *viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(v)
}

func (h *Hub) detachLocked(v *viewer) {
	if v.closed {
		return
	}
	v.closed = true
	delete(h.viewers, v)
	close(v.send)
	h.metrics.Viewers.Set(float64(len(h.viewers)))
}

func (h *Hub) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}
