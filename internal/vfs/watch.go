package vfs

import (
	"context"
	"sync"
	"time"
)

// PollWatcher is a portable watcher that polls Stat timestamps. It
// works against any FileSystem, including MemFS, which OS-native
// watchers cannot observe.
type PollWatcher struct {
	fs       FileSystem
	interval time.Duration
	evCh     chan Event
	erCh     chan error

	mu        sync.Mutex
	last      map[string]time.Time
	stop      context.CancelFunc
	closeOnce sync.Once
}

// NewPollWatcher starts a watcher polling fs at the given interval.
func NewPollWatcher(fsys FileSystem, interval time.Duration) *PollWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := &PollWatcher{
		fs:       fsys,
		interval: interval,
		evCh:     make(chan Event, 64),
		erCh:     make(chan error, 1),
		last:     make(map[string]time.Time),
		stop:     cancel,
	}
	go w.loop(ctx)
	return w
}

// Events returns the change event channel.
func (w *PollWatcher) Events() <-chan Event { return w.evCh }

// Errors returns the poll error channel.
func (w *PollWatcher) Errors() <-chan error { return w.erCh }

// Add begins watching a path. A missing path is reported as OpCreate
// when it first appears.
func (w *PollWatcher) Add(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if info, err := w.fs.Stat(name); err == nil {
		w.last[name] = info.ModTime()
	} else {
		w.last[name] = time.Time{}
	}
	return nil
}

// Remove stops watching a path.
func (w *PollWatcher) Remove(name string) error {
	w.mu.Lock()
	delete(w.last, name)
	w.mu.Unlock()
	return nil
}

// Close stops the poll loop. The event channel is closed by the loop
// itself once it observes the cancellation, so pending sends from an
// in-flight poll can never race the close.
func (w *PollWatcher) Close() error {
	w.closeOnce.Do(w.stop)
	return nil
}

func (w *PollWatcher) loop(ctx context.Context) {
	tick := time.NewTicker(w.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			close(w.evCh)
			return
		case <-tick.C:
			w.poll(ctx)
		}
	}
}

func (w *PollWatcher) poll(ctx context.Context) {
	w.mu.Lock()
	paths := make([]string, 0, len(w.last))
	for p := range w.last {
		paths = append(paths, p)
	}
	w.mu.Unlock()

	for _, p := range paths {
		info, err := w.fs.Stat(p)
		w.mu.Lock()
		prev, watched := w.last[p]
		if !watched {
			w.mu.Unlock()
			continue
		}
		var ev *Event
		switch {
		case err != nil && !prev.IsZero():
			w.last[p] = time.Time{}
			ev = &Event{Path: p, Op: OpRemove, Time: time.Now()}
		case err == nil && prev.IsZero():
			w.last[p] = info.ModTime()
			ev = &Event{Path: p, Op: OpCreate, Time: time.Now()}
		case err == nil && info.ModTime().After(prev):
			w.last[p] = info.ModTime()
			ev = &Event{Path: p, Op: OpWrite, Time: time.Now()}
		}
		w.mu.Unlock()
		if ev == nil {
			continue
		}
		select {
		case w.evCh <- *ev:
		case <-ctx.Done():
			return
		}
	}
}
