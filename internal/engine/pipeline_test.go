package engine

import (
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/agent-session-center/engine/internal/reader"
	"github.com/agent-session-center/engine/internal/session"
)

func (s *EngineSuite) TestPipelineAppliesAndRejects() {
	lines := make(chan reader.Line, 8)
	lines <- reader.Line{Data: []byte(startS1), Offset: 80}
	lines <- reader.Line{Data: []byte(`{not json`), Offset: 90}
	lines <- reader.Line{Data: []byte(`{"hook_event_name":"session-start"}`), Offset: 126}
	lines <- reader.Line{Data: []byte(`{"session_id":"s1","hook_event_name":"teleport"}`), Offset: 176}
	lines <- reader.Line{Data: []byte("  "), Offset: 179}
	lines <- reader.Line{Data: []byte(bashS1), Offset: 280}
	lines <- reader.Line{Offset: 0}
	close(lines)

	s.Require().NoError(NewPipeline(lines, s.c).Run(s.ctx))
	s.sync()

	s.Equal(session.Working, s.status("s1"))
	s.Equal([]int64{80, 90, 126, 176, 179, 280, 0}, s.commits)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.EventsRejected.WithLabelValues("malformed")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.EventsRejected.WithLabelValues("missing_session_id")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.EventsRejected.WithLabelValues("unknown_event")))
	s.Equal(2.0, testutil.ToFloat64(s.metrics.EventsIngested.WithLabelValues("session-start"))+
		testutil.ToFloat64(s.metrics.EventsIngested.WithLabelValues("tool-begin")))
}
