// Package vfs is the file-system service behind the kernel's file
// syscalls: a small file and filesystem abstraction, an in-memory
// implementation holding the boot image, a host-backed implementation,
// and change watchers for picking up host-side edits.
package vfs

import (
	"context"
	"io"
	"io/fs"
	"path"
	"time"
)

// File is one open handle. Handles carry their own read/write offset,
// so several descriptors on the same file advance independently.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
	Stat() (fs.FileInfo, error)
	Sync() error
}

// FileSystem is what the kernel mounts. Open fails on a missing file;
// Create makes or truncates one.
type FileSystem interface {
	Open(name string) (File, error)
	Create(name string) (File, error)
	Remove(name string) error
	Stat(name string) (fs.FileInfo, error)
	ReadDir(name string) ([]fs.DirEntry, error)
}

// WatchOp is a bit set of change kinds.
type WatchOp uint32

// Change kinds reported by watchers.
const (
	OpCreate WatchOp = 1 << iota
	OpWrite
	OpRemove
	OpRename
	OpChmod
)

// Event is one observed filesystem change.
type Event struct {
	Path string
	Op   WatchOp
	Time time.Time
}

// Watcher reports filesystem changes on the paths added to it.
type Watcher interface {
	Events() <-chan Event
	Errors() <-chan error
	Add(name string) error
	Remove(name string) error
	Close() error
}

// Join joins path elements with forward slashes.
func Join(elem ...string) string { return path.Join(elem...) }

// Clean returns the lexically shortest equivalent of p.
func Clean(p string) string { return path.Clean(p) }

// WithTimeout derives a watcher-deadline context.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, d)
}
