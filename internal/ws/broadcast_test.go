package ws

import (
	"fmt"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-session-center/engine/internal/clock"
	"github.com/agent-session-center/engine/internal/metrics"
	"github.com/agent-session-center/engine/internal/session"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestHub(ringSize, sendQueue int) (*Hub, *metrics.Metrics) {
	m := metrics.New()
	return NewHub(HubOptions{RingSize: ringSize, SendQueue: sendQueue, Clock: clock.NewFake(t0), Metrics: m}), m
}

// model is what a viewer reconstructs from the stream.
type model struct {
	seq      uint64
	sessions map[string]session.Status
	teams    map[string]bool
}

func newModel() *model {
	return &model{sessions: map[string]session.Status{}, teams: map[string]bool{}}
}

func (m *model) apply(t *testing.T, data []byte) {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	if env.Type == MsgSnapshot {
		var snap SnapshotPayload
		require.NoError(t, json.Unmarshal(env.Payload, &snap))
		m.sessions = map[string]session.Status{}
		m.teams = map[string]bool{}
		for _, s := range snap.Sessions {
			m.sessions[s.ID] = s.Status
		}
		for _, tm := range snap.Teams {
			m.teams[tm.ID] = true
		}
		m.seq = snap.Seq
		return
	}
	if !env.Type.Sequenced() || env.Seq <= m.seq {
		return
	}
	require.Equal(t, m.seq+1, env.Seq, "gap in stream")
	m.seq = env.Seq
	switch env.Type {
	case MsgSessionUpdate:
		var s session.Session
		require.NoError(t, json.Unmarshal(env.Payload, &s))
		m.sessions[s.ID] = s.Status
	case MsgSessionRemoved:
		var p RemovedPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		delete(m.sessions, p.ID)
	case MsgTeamUpdate:
		var tm session.Team
		require.NoError(t, json.Unmarshal(env.Payload, &tm))
		m.teams[tm.ID] = true
	case MsgTeamRemoved:
		var p RemovedPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		delete(m.teams, p.ID)
	}
}

func drain(v *viewer) [][]byte {
	var out [][]byte
	for {
		select {
		case msg, ok := <-v.send:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func publishStep(h *Hub, i int) {
	id := fmt.Sprintf("s%d", i%4)
	switch i % 5 {
	case 3:
		h.PublishSessionRemoved(id)
	case 4:
		h.PublishTeam(&session.Team{ID: "team-" + id, ParentSessionID: id})
	default:
		h.PublishSession(&session.Session{ID: id, Status: session.Statuses[i%len(session.Statuses)], StartedAt: t0})
	}
}

func TestReplayMatchesUninterruptedViewer(t *testing.T) {
	h, m := newTestHub(64, 256)

	steady, err := h.Attach(nil)
	require.NoError(t, err)
	flaky, err := h.Attach(nil)
	require.NoError(t, err)

	steadyModel, flakyModel := newModel(), newModel()
	for i := 0; i < 10; i++ {
		publishStep(h, i)
	}
	for _, msg := range drain(flaky) {
		flakyModel.apply(t, msg)
	}
	lastSeen := flakyModel.seq
	h.Detach(flaky)

	for i := 10; i < 30; i++ {
		publishStep(h, i)
	}

	back, err := h.Attach(&Cursor{Seq: lastSeen, Epoch: h.Epoch()})
	require.NoError(t, err)
	for i := 30; i < 35; i++ {
		publishStep(h, i)
	}

	for _, msg := range drain(steady) {
		steadyModel.apply(t, msg)
	}
	for _, msg := range drain(back) {
		flakyModel.apply(t, msg)
	}

	assert.Equal(t, steadyModel, flakyModel)
	assert.Equal(t, h.Seq(), flakyModel.seq)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Replays.WithLabelValues("delta")))
}

func TestReplayOutsideRingSendsSnapshot(t *testing.T) {
	h, m := newTestHub(4, 256)
	for i := 0; i < 10; i++ {
		publishStep(h, i)
	}
	v, err := h.Attach(&Cursor{Seq: 2, Epoch: h.Epoch()})
	require.NoError(t, err)

	msgs := drain(v)
	require.Len(t, msgs, 1)
	var env Envelope
	require.NoError(t, json.Unmarshal(msgs[0], &env))
	assert.Equal(t, MsgSnapshot, env.Type)
	assert.Equal(t, h.Seq(), env.Seq)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Replays.WithLabelValues("snapshot")))
}

func TestReplayFromFutureSeqSendsSnapshot(t *testing.T) {
	h, _ := newTestHub(16, 16)
	h.Seed(5, []*session.Session{{ID: "a", Status: session.Idle}}, nil)

	v, err := h.Attach(&Cursor{Seq: 900, Epoch: h.Epoch()})
	require.NoError(t, err)
	mdl := newModel()
	for _, msg := range drain(v) {
		mdl.apply(t, msg)
	}
	assert.Equal(t, uint64(5), mdl.seq)
	assert.Equal(t, session.Idle, mdl.sessions["a"])
}

func TestReplayRequestOnLiveViewer(t *testing.T) {
	h, _ := newTestHub(32, 64)
	v, err := h.Attach(nil)
	require.NoError(t, err)
	drain(v)

	for i := 0; i < 5; i++ {
		publishStep(h, i)
	}
	drain(v)
	h.Replay(v, Cursor{Seq: 2, Epoch: h.Epoch()})
	msgs := drain(v)
	require.Len(t, msgs, 3)

	var env Envelope
	require.NoError(t, json.Unmarshal(msgs[0], &env))
	assert.Equal(t, uint64(3), env.Seq)
}

func TestReplayFromOtherEpochSendsSnapshot(t *testing.T) {
	h, m := newTestHub(32, 64)
	for i := 0; i < 3; i++ {
		publishStep(h, i)
	}

	for _, epoch := range []string{"", "some-earlier-run"} {
		v, err := h.Attach(&Cursor{Seq: 2, Epoch: epoch})
		require.NoError(t, err)
		msgs := drain(v)
		require.Len(t, msgs, 1)
		var env Envelope
		require.NoError(t, json.Unmarshal(msgs[0], &env))
		assert.Equal(t, MsgSnapshot, env.Type, "epoch %q", epoch)
		assert.Equal(t, h.Epoch(), env.Epoch)
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Replays.WithLabelValues("delta")))
}

func TestSlowViewerDisconnectedOnSequencedMessage(t *testing.T) {
	h, m := newTestHub(64, 2)
	slow, err := h.Attach(nil) // snapshot fills one slot
	require.NoError(t, err)

	publishStep(h, 0)
	publishStep(h, 1)

	assert.Equal(t, 0, h.ViewerCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BroadcastDropped.WithLabelValues("sequenced")))

	msgs := drain(slow)
	assert.Len(t, msgs, 2, "queued messages are still delivered before close")
	_, open := <-slow.send
	assert.False(t, open)
}

func TestStatsDroppedForSlowViewer(t *testing.T) {
	h, m := newTestHub(64, 1)
	_, err := h.Attach(nil) // queue now full with the snapshot
	require.NoError(t, err)

	h.Broadcast(MsgStats, map[string]int{"active": 1})

	assert.Equal(t, 1, h.ViewerCount(), "dropping stats never disconnects")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BroadcastDropped.WithLabelValues("stats")))
	assert.Equal(t, uint64(0), h.Seq(), "stats never consume a sequence number")
}

func TestMaxConnections(t *testing.T) {
	h := NewHub(HubOptions{MaxConnections: 2})
	a, err := h.Attach(nil)
	require.NoError(t, err)
	_, err = h.Attach(nil)
	require.NoError(t, err)

	_, err = h.Attach(nil)
	assert.ErrorIs(t, err, ErrTooManyConnections)

	h.Detach(a)
	_, err = h.Attach(nil)
	assert.NoError(t, err)
}

func TestPrivacyFilterAppliedToBroadcast(t *testing.T) {
	h := NewHub(HubOptions{
		Clock:   clock.NewFake(t0),
		Privacy: &session.PrivacyFilter{MaskWorkingDirs: true, BlockedPaths: []string{"/secret"}},
	})
	v, err := h.Attach(nil)
	require.NoError(t, err)
	drain(v)

	h.PublishSession(&session.Session{ID: "a", Cwd: "/home/me/proj", Status: session.Idle})
	h.PublishSession(&session.Session{ID: "b", Cwd: "/secret/x", Status: session.Idle})

	msgs := drain(v)
	require.Len(t, msgs, 2)

	var env Envelope
	require.NoError(t, json.Unmarshal(msgs[0], &env))
	var s session.Session
	require.NoError(t, json.Unmarshal(env.Payload, &s))
	assert.Equal(t, "proj", s.Cwd)

	require.NoError(t, json.Unmarshal(msgs[1], &env))
	assert.Equal(t, MsgSessionRemoved, env.Type, "blocked sessions are hidden but keep the sequence gapless")

	got, ok := h.Store().Get("b")
	require.True(t, ok, "the read view keeps the unfiltered session")
	assert.Equal(t, "/secret/x", got.Cwd)
}
