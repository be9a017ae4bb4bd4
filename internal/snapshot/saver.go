package snapshot

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agent-session-center/engine/internal/clock"
	"github.com/agent-session-center/engine/internal/metrics"
)

// ExportFunc captures the current model. It is called from the saver
// goroutine.
type ExportFunc func(ctx context.Context) (*State, error)

// Saver writes a snapshot on a fixed interval. Disk writes happen on
// the saver's goroutine so they never hold up event processing.
type Saver struct {
	store    *Store
	export   ExportFunc
	interval time.Duration
	clock    clock.Clock
	metrics  *metrics.Metrics
}

func NewSaver(store *Store, export ExportFunc, interval time.Duration, clk clock.Clock, m *metrics.Metrics) *Saver {
	if clk == nil {
		clk = clock.Real()
	}
	return &Saver{store: store, export: export, interval: interval, clock: clk, metrics: metrics.OrNew(m)}
}

// Run saves every interval until ctx is done. The final save on
// shutdown is the caller's job (SaveNow) because by then ctx is
// already cancelled.
func (s *Saver) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.SaveNow(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("component", "snapshot").Str("path", s.store.Path()).Msg("snapshot failed, keeping previous")
			}
		}
	}
}

// SaveNow exports and writes one snapshot.
func (s *Saver) SaveNow(ctx context.Context) error {
	st, err := s.export(ctx)
	if err != nil {
		s.metrics.SnapshotWrites.WithLabelValues("export_error").Inc()
		return err
	}
	st.SavedAt = s.clock.Now().UTC()
	if err := s.store.Save(st); err != nil {
		s.metrics.SnapshotWrites.WithLabelValues("error").Inc()
		return err
	}
	s.metrics.SnapshotWrites.WithLabelValues("ok").Inc()
	log.Debug().Str("component", "snapshot").Int("sessions", len(st.Sessions)).Uint64("seq", st.Seq).Int64("offset", st.ReaderOffset).Msg("snapshot saved")
	return nil
}
