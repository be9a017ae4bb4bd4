package engine

import (
	"bytes"
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/agent-session-center/engine/internal/clock"
	"github.com/agent-session-center/engine/internal/hook"
	"github.com/agent-session-center/engine/internal/metrics"
	"github.com/agent-session-center/engine/internal/reader"
)

// Pipeline validates lines from the event log and feeds them to the
// coordinator in log order. Rejected lines still advance the offset so
// they are never read twice.
type Pipeline struct {
	lines   <-chan reader.Line
	c       *Coordinator
	clock   clock.Clock
	metrics *metrics.Metrics
}

func NewPipeline(lines <-chan reader.Line, c *Coordinator) *Pipeline {
	return &Pipeline{lines: lines, c: c, clock: c.clock, metrics: c.metrics}
}

// Run returns when the line channel closes or ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-p.lines:
			if !ok {
				return nil
			}
			if err := p.handle(ctx, line); err != nil {
				if errors.Is(err, ErrStopped) || ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, line reader.Line) error {
	if line.Reset() {
		log.Info().Str("component", "pipeline").Int64("offset", line.Offset).Msg("event log reset")
		return p.c.Advance(ctx, line.Offset)
	}
	if len(bytes.TrimSpace(line.Data)) == 0 {
		return p.c.Advance(ctx, line.Offset)
	}

	ev, err := hook.Validate(line.Data, p.clock.Now())
	if err != nil {
		p.metrics.EventsRejected.WithLabelValues(hook.RejectReason(err)).Inc()
		log.Warn().Err(err).Str("component", "pipeline").Int64("offset", line.Offset).Msg("rejected hook line")
		return p.c.Advance(ctx, line.Offset)
	}
	ev.Offset = line.Offset
	return p.c.Ingest(ctx, ev)
}
