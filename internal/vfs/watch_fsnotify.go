package vfs

import (
	"time"

	"github.com/fsnotify/fsnotify"
)

// NotifyWatcher delivers OS-native change notifications via fsnotify.
// Only useful for host-backed filesystems; MemFS needs PollWatcher.
type NotifyWatcher struct {
	w    *fsnotify.Watcher
	evCh chan Event
	erCh chan error
}

// NewNotifyWatcher opens an OS-native watcher.
func NewNotifyWatcher() (*NotifyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	nw := &NotifyWatcher{
		w:    w,
		evCh: make(chan Event, 128),
		erCh: make(chan error, 1),
	}
	go nw.loop()
	return nw, nil
}

func (nw *NotifyWatcher) loop() {
	nw.forward(nw.w.Events, nw.w.Errors)
}

// forward pumps fsnotify's channels into the watcher's own until either
// source closes, which happens when the underlying watcher shuts down.
func (nw *NotifyWatcher) forward(events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				close(nw.evCh)
				return
			}
			nw.evCh <- Event{Path: ev.Name, Op: translateOp(ev.Op), Time: time.Now()}
		case err, ok := <-errs:
			if !ok {
				close(nw.evCh)
				return
			}
			// Drop when the consumer has not drained the previous
			// error; stalling here would also stall event delivery.
			select {
			case nw.erCh <- err:
			default:
			}
		}
	}
}

func translateOp(op fsnotify.Op) WatchOp {
	var out WatchOp
	if op&fsnotify.Create != 0 {
		out |= OpCreate
	}
	if op&fsnotify.Write != 0 {
		out |= OpWrite
	}
	if op&fsnotify.Remove != 0 {
		out |= OpRemove
	}
	if op&fsnotify.Rename != 0 {
		out |= OpRename
	}
	if op&fsnotify.Chmod != 0 {
		out |= OpChmod
	}
	return out
}

// Events returns the change event channel.
func (nw *NotifyWatcher) Events() <-chan Event { return nw.evCh }

// Errors returns the notification error channel.
func (nw *NotifyWatcher) Errors() <-chan error { return nw.erCh }

// Add begins watching a host path.
func (nw *NotifyWatcher) Add(name string) error { return nw.w.Add(name) }

// Remove stops watching a host path.
func (nw *NotifyWatcher) Remove(name string) error { return nw.w.Remove(name) }

// Close shuts the watcher down.
func (nw *NotifyWatcher) Close() error { return nw.w.Close() }
