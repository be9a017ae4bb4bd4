// Package reader tails the append-only hook event log.
package reader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agent-session-center/engine/internal/clock"
	"github.com/agent-session-center/engine/internal/metrics"
)

// DefaultMaxLine is the longest record the tailer buffers.
const DefaultMaxLine = 1 << 20

// Line is one complete record from the log. A Line with nil Data is a
// reset marker: the file was truncated and offsets restart at Offset.
type Line struct {
	Data   []byte
	Offset int64 // position just past this line's newline
}

// Reset reports whether the line is a truncation marker.
func (l Line) Reset() bool { return l.Data == nil }

type Options struct {
	Path string
	// Offset is where to resume, normally the value persisted in the
	// last snapshot. It must sit on a line boundary.
	Offset         int64
	PollInterval   time.Duration
	HealthInterval time.Duration
	// MaxSize is the size beyond which a fully consumed log is
	// truncated. Zero disables truncation.
	MaxSize int64
	// MaxLine bounds a single record. Longer lines are skipped without
	// being buffered whole. Zero means 1 MiB.
	MaxLine  int
	Notifier Notifier
	Clock    clock.Clock
	Metrics  *metrics.Metrics
}

// Tailer yields complete lines appended to a file. It wakes on
// notifier events, on a short poll and on a longer health check, and
// only ever emits bytes beyond its offset.
type Tailer struct {
	path     string
	poll     time.Duration
	health   time.Duration
	maxSize  int64
	maxLine  int
	notifier Notifier
	clock    clock.Clock
	metrics  *metrics.Metrics

	out chan Line

	mu      sync.Mutex
	offset  int64  // end of the last complete line emitted
	readPos int64  // bytes consumed from the file, >= offset
	partial []byte // bytes after any discarded prefix awaiting a newline
	discard int64  // bytes of an oversized line dropped so far

	committed atomic.Int64
}

func New(opts Options) *Tailer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Second
	}
	if opts.MaxLine <= 0 {
		opts.MaxLine = DefaultMaxLine
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	t := &Tailer{
		path:     opts.Path,
		poll:     opts.PollInterval,
		health:   opts.HealthInterval,
		maxSize:  opts.MaxSize,
		maxLine:  opts.MaxLine,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		metrics:  metrics.OrNew(opts.Metrics),
		out:      make(chan Line, 256),
		offset:   opts.Offset,
		readPos:  opts.Offset,
	}
	t.committed.Store(opts.Offset)
	return t
}

// Lines delivers complete lines in file order. It is closed when Run
// returns.
func (t *Tailer) Lines() <-chan Line { return t.out }

// Offset returns the end of the last complete line read.
func (t *Tailer) Offset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

// Commit records that every line up to offset has been fully
// processed downstream. The tailer only truncates a file whose
// content has been committed.
func (t *Tailer) Commit(offset int64) {
	t.committed.Store(offset)
}

// Run tails until ctx is done.
func (t *Tailer) Run(ctx context.Context) error {
	defer close(t.out)
	defer t.notifier.Close()

	poll := t.clock.NewTicker(t.poll)
	defer poll.Stop()
	health := t.clock.NewTicker(t.health)
	defer health.Stop()

	log.Info().Str("component", "reader").Str("path", t.path).Int64("offset", t.Offset()).Msg("tailing event log")

	if err := t.readOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("component", "reader").Msg("initial read failed")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.notifier.Wake():
		case <-poll.C:
		case <-health.C:
			t.checkHealth()
		}
		if err := t.readOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			log.Warn().Err(err).Str("component", "reader").Msg("read failed")
		}
	}
}

// checkHealth compares the file size with the read position. A
// mismatch the other wake sources did not resolve is logged; the read
// that follows every wake picks the bytes up.
func (t *Tailer) checkHealth() {
	info, err := os.Stat(t.path)
	if err != nil {
		return
	}
	t.mu.Lock()
	pos := t.readPos
	t.mu.Unlock()
	if info.Size() != pos {
		t.metrics.ReaderResyncs.Inc()
		log.Debug().Str("component", "reader").Int64("size", info.Size()).Int64("pos", pos).Msg("health check found unread bytes")
	}
}

// readOnce reads every complete line between the read position and
// the current end of file.
func (t *Tailer) readOnce(ctx context.Context) error {
	f, err := os.Open(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open %s: %w", t.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", t.path, err)
	}
	size := info.Size()

	t.mu.Lock()
	pos := t.readPos
	t.mu.Unlock()

	if size < pos {
		log.Warn().Str("component", "reader").Int64("size", size).Int64("offset", pos).Msg("event log truncated externally, restarting from 0")
		t.metrics.ReaderTruncations.WithLabelValues("external").Inc()
		if err := t.reset(ctx); err != nil {
			return err
		}
		pos = 0
	}

	if size > pos {
		if _, err := f.Seek(pos, io.SeekStart); err != nil {
			return fmt.Errorf("seek %s: %w", t.path, err)
		}
		if err := t.consume(ctx, io.LimitReader(f, size-pos)); err != nil {
			return err
		}
	}

	t.maybeTruncate(ctx, size)
	return nil
}

func (t *Tailer) consume(ctx context.Context, r io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if err := t.split(ctx, buf[:n]); err != nil {
				return err
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", t.path, err)
		}
	}
}

// split appends chunk to the pending fragment and emits each complete
// line it now contains. A line longer than maxLine is dropped: its
// bytes are discarded up to the next newline and only the offset moves.
func (t *Tailer) split(ctx context.Context, chunk []byte) error {
	t.mu.Lock()
	t.readPos += int64(len(chunk))
	if t.discard > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			t.discard += int64(len(chunk))
			t.mu.Unlock()
			return nil
		}
		t.skipLocked(t.discard + int64(i+1))
		chunk = chunk[i+1:]
	}
	t.partial = append(t.partial, chunk...)
	t.mu.Unlock()

	for {
		t.mu.Lock()
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			if len(t.partial) > t.maxLine {
				t.discard = int64(len(t.partial))
				t.partial = nil
			}
			t.mu.Unlock()
			return nil
		}
		if i > t.maxLine {
			t.partial = t.partial[i+1:]
			t.skipLocked(int64(i + 1))
			t.mu.Unlock()
			continue
		}
		line := make([]byte, i)
		copy(line, t.partial[:i])
		t.partial = t.partial[i+1:]
		t.offset += int64(i + 1)
		end := t.offset
		t.mu.Unlock()

		t.metrics.ReaderOffset.Set(float64(end))
		if err := t.emit(ctx, Line{Data: bytes.TrimSuffix(line, []byte("\r")), Offset: end}); err != nil {
			return err
		}
	}
}

// skipLocked moves the offset past an oversized line of n bytes,
// newline included.
func (t *Tailer) skipLocked(n int64) {
	t.offset += n
	t.discard = 0
	t.metrics.ReaderOversized.Inc()
	t.metrics.ReaderOffset.Set(float64(t.offset))
	log.Warn().Str("component", "reader").Int64("bytes", n).Int64("offset", t.offset).Int("max_line", t.maxLine).Msg("skipping oversized event log line")
}

func (t *Tailer) emit(ctx context.Context, l Line) error {
	select {
	case t.out <- l:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tailer) reset(ctx context.Context) error {
	t.mu.Lock()
	t.offset = 0
	t.readPos = 0
	t.partial = nil
	t.discard = 0
	t.mu.Unlock()
	t.committed.Store(0)
	t.metrics.ReaderOffset.Set(0)
	return t.emit(ctx, Line{Offset: 0})
}

// maybeTruncate empties the log once it has grown past MaxSize and
// every byte in it has been read and committed downstream.
func (t *Tailer) maybeTruncate(ctx context.Context, size int64) {
	if t.maxSize <= 0 || size <= t.maxSize {
		return
	}
	t.mu.Lock()
	idle := t.readPos == size && t.offset == size && len(t.partial) == 0
	t.mu.Unlock()
	if !idle || t.committed.Load() != size {
		return
	}

	// Re-check right before truncating to narrow the window in which a
	// producer could append unseen bytes.
	info, err := os.Stat(t.path)
	if err != nil || info.Size() != size {
		return
	}
	if err := os.Truncate(t.path, 0); err != nil {
		log.Warn().Err(err).Str("component", "reader").Msg("truncate event log")
		return
	}
	log.Info().Str("component", "reader").Int64("size", size).Msg("event log truncated after reaching size ceiling")
	t.metrics.ReaderTruncations.WithLabelValues("ceiling").Inc()
	if err := t.reset(ctx); err != nil {
		log.Debug().Err(err).Str("component", "reader").Msg("reset marker not delivered")
	}
}
