package vfs

import (
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// memNode is the stored content of one in-memory file.
type memNode struct {
	data []byte
	mod  time.Time
}

// MemFS is a flat in-memory filesystem. Paths are normalized to have
// no leading slash; directories exist implicitly as path prefixes.
type MemFS struct {
	mu    sync.RWMutex
	nodes map[string]*memNode
}

// NewMem returns an empty in-memory filesystem.
func NewMem() *MemFS {
	return &MemFS{nodes: make(map[string]*memNode)}
}

// Seed installs a file with the given contents, for building the boot
// image before the filesystem is mounted.
func (m *MemFS) Seed(name string, data []byte) {
	m.mu.Lock()
	m.nodes[norm(name)] = &memNode{data: append([]byte(nil), data...), mod: time.Now()}
	m.mu.Unlock()
}

func norm(p string) string {
	return strings.TrimPrefix(Clean("/"+p), "/")
}

// Open returns a handle on an existing file, positioned at offset 0.
func (m *MemFS) Open(name string) (File, error) {
	key := norm(name)
	m.mu.RLock()
	n := m.nodes[key]
	m.mu.RUnlock()
	if n == nil {
		return nil, fs.ErrNotExist
	}
	return &memHandle{fs: m, key: key}, nil
}

// Create makes a new empty file, or truncates an existing one.
func (m *MemFS) Create(name string) (File, error) {
	key := norm(name)
	m.mu.Lock()
	m.nodes[key] = &memNode{mod: time.Now()}
	m.mu.Unlock()
	return &memHandle{fs: m, key: key}, nil
}

// Remove deletes a file.
func (m *MemFS) Remove(name string) error {
	key := norm(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[key]; !ok {
		return fs.ErrNotExist
	}
	delete(m.nodes, key)
	return nil
}

// Stat reports file metadata. Prefix directories stat as directories.
func (m *MemFS) Stat(name string) (fs.FileInfo, error) {
	key := norm(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n := m.nodes[key]; n != nil {
		return memInfo{name: path.Base(key), size: int64(len(n.data)), mod: n.mod}, nil
	}
	prefix := key + "/"
	for k := range m.nodes {
		if key == "" || strings.HasPrefix(k, prefix) {
			return memInfo{name: path.Base(key), mode: fs.ModeDir}, nil
		}
	}
	return nil, fs.ErrNotExist
}

// ReadDir lists the direct children of a directory, sorted by name.
func (m *MemFS) ReadDir(name string) ([]fs.DirEntry, error) {
	prefix := norm(name)
	if prefix != "" {
		prefix += "/"
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]fs.FileInfo)
	for k, n := range m.nodes {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if rest == "" {
			continue
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			child := rest[:i]
			if _, ok := seen[child]; !ok {
				seen[child] = memInfo{name: child, mode: fs.ModeDir}
			}
			continue
		}
		seen[rest] = memInfo{name: rest, size: int64(len(n.data)), mod: n.mod}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]fs.DirEntry, 0, len(names))
	for _, name := range names {
		out = append(out, fs.FileInfoToDirEntry(seen[name]))
	}
	return out, nil
}

// memHandle is one open descriptor: a private offset over the shared node.
type memHandle struct {
	fs     *MemFS
	key    string
	off    int64
	closed bool
}

func (h *memHandle) node() *memNode {
	h.fs.mu.RLock()
	defer h.fs.mu.RUnlock()
	return h.fs.nodes[h.key]
}

func (h *memHandle) Read(p []byte) (int, error) {
	if h.closed {
		return 0, fs.ErrClosed
	}
	n := h.node()
	if n == nil {
		return 0, fs.ErrNotExist
	}
	h.fs.mu.RLock()
	defer h.fs.mu.RUnlock()
	if h.off >= int64(len(n.data)) {
		return 0, io.EOF
	}
	c := copy(p, n.data[h.off:])
	h.off += int64(c)
	return c, nil
}

func (h *memHandle) Write(p []byte) (int, error) {
	if h.closed {
		return 0, fs.ErrClosed
	}
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	n := h.fs.nodes[h.key]
	if n == nil {
		return 0, fs.ErrNotExist
	}
	end := h.off + int64(len(p))
	if end > int64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[h.off:end], p)
	n.mod = time.Now()
	h.off = end
	return len(p), nil
}

func (h *memHandle) Seek(off int64, whence int) (int64, error) {
	if h.closed {
		return 0, fs.ErrClosed
	}
	n := h.node()
	if n == nil {
		return 0, fs.ErrNotExist
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = off
	case io.SeekCurrent:
		abs = h.off + off
	case io.SeekEnd:
		abs = int64(len(n.data)) + off
	default:
		return 0, fs.ErrInvalid
	}
	if abs < 0 {
		return 0, fs.ErrInvalid
	}
	h.off = abs
	return abs, nil
}

func (h *memHandle) Close() error {
	h.closed = true
	return nil
}

func (h *memHandle) Sync() error { return nil }

func (h *memHandle) Stat() (fs.FileInfo, error) {
	n := h.node()
	if n == nil {
		return nil, fs.ErrNotExist
	}
	return memInfo{name: path.Base(h.key), size: int64(len(n.data)), mod: n.mod}, nil
}

type memInfo struct {
	name string
	size int64
	mode fs.FileMode
	mod  time.Time
}

func (fi memInfo) Name() string       { return fi.name }
func (fi memInfo) Size() int64        { return fi.size }
func (fi memInfo) Mode() fs.FileMode  { return fi.mode }
func (fi memInfo) ModTime() time.Time { return fi.mod }
func (fi memInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi memInfo) Sys() any           { return nil }
