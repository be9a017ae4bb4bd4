package reader

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Notifier wakes the tailer when the log file may have changed. It is
// only a hint: the tailer also polls and health-checks, so a notifier
// that misses events or fails to start costs latency, not data.
type Notifier interface {
	Wake() <-chan struct{}
	Close() error
}

// FSNotifier watches the log's parent directory with fsnotify, so the
// file may be created, removed or rotated while it is being watched.
type FSNotifier struct {
	target  string
	watcher *fsnotify.Watcher
	wake    chan struct{}
	cancel  context.CancelFunc
}

func NewFSNotifier(path string) (*FSNotifier, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &FSNotifier{
		target:  filepath.Clean(path),
		watcher: w,
		wake:    make(chan struct{}, 1),
		cancel:  cancel,
	}
	go n.loop(ctx)
	return n, nil
}

func (n *FSNotifier) Wake() <-chan struct{} { return n.wake }

func (n *FSNotifier) Close() error {
	n.cancel()
	return n.watcher.Close()
}

func (n *FSNotifier) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != n.target {
				continue
			}
			select {
			case n.wake <- struct{}{}:
			default:
			}
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("component", "reader").Msg("fsnotify error")
		}
	}
}

// nopNotifier never fires; the tailer falls back to polling.
type nopNotifier struct{}

func (nopNotifier) Wake() <-chan struct{} { return nil }
func (nopNotifier) Close() error         { return nil }
