package kernel

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"

	"github.com/minos-kernel/minos/internal/vfs"
)

// ============================================================================
// Open-file table
// ============================================================================

var (
	// ErrBadDescriptor is returned for a descriptor that is out of
	// range or not open.
	ErrBadDescriptor = errors.New("bad file descriptor")

	// ErrTooManyFiles is returned when the open-file table is full.
	ErrTooManyFiles = errors.New("too many open files")
)

// openFile is one live descriptor.
type openFile struct {
	path string
	file vfs.File
}

// FileTable is the kernel's fixed table of open descriptors over the
// mounted filesystem. A descriptor is its slot index; the lowest free
// slot is always handed out first.
type FileTable struct {
	mu    sync.Mutex
	fsys  vfs.FileSystem
	slots []*openFile
	opens uint64
}

// NewFileTable mounts fsys with capacity for maxOpen descriptors.
func NewFileTable(fsys vfs.FileSystem, maxOpen int) (*FileTable, error) {
	if maxOpen <= 0 {
		return nil, fmt.Errorf("file table: needs at least one descriptor slot")
	}
	if fsys == nil {
		return nil, fmt.Errorf("file table: no filesystem mounted")
	}
	return &FileTable{fsys: fsys, slots: make([]*openFile, maxOpen)}, nil
}

// Open opens path, creating the file when it does not exist, and
// returns its descriptor.
func (ft *FileTable) Open(path string) (int, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	fd := -1
	for i, slot := range ft.slots {
		if slot == nil {
			fd = i
			break
		}
	}
	if fd < 0 {
		return -1, fmt.Errorf("open %q: %w (%d slots)", path, ErrTooManyFiles, len(ft.slots))
	}
	f, err := ft.fsys.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		f, err = ft.fsys.Create(path)
	}
	if err != nil {
		return -1, fmt.Errorf("open %q: %w", path, err)
	}
	ft.slots[fd] = &openFile{path: path, file: f}
	ft.opens++
	return fd, nil
}

// Read fills buf from the descriptor's current offset. End of file
// reads as zero bytes, not an error.
func (ft *FileTable) Read(fd int, buf []byte) (int, error) {
	of, err := ft.lookup(fd)
	if err != nil {
		return 0, err
	}
	n, err := of.file.Read(buf)
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		return n, fmt.Errorf("read fd %d (%s): %w", fd, of.path, err)
	}
	return n, nil
}

// Write appends buf at the descriptor's current offset.
func (ft *FileTable) Write(fd int, buf []byte) (int, error) {
	of, err := ft.lookup(fd)
	if err != nil {
		return 0, err
	}
	n, err := of.file.Write(buf)
	if err != nil {
		return n, fmt.Errorf("write fd %d (%s): %w", fd, of.path, err)
	}
	return n, nil
}

// Close releases the descriptor and its slot.
func (ft *FileTable) Close(fd int) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if fd < 0 || fd >= len(ft.slots) || ft.slots[fd] == nil {
		return fmt.Errorf("close fd %d: %w", fd, ErrBadDescriptor)
	}
	of := ft.slots[fd]
	ft.slots[fd] = nil
	if err := of.file.Close(); err != nil {
		return fmt.Errorf("close fd %d (%s): %w", fd, of.path, err)
	}
	return nil
}

// List renders the root directory listing, one "name size" line per
// entry, directories suffixed with a slash.
func (ft *FileTable) List() (string, error) {
	entries, err := ft.fsys.ReadDir("")
	if err != nil {
		return "", fmt.Errorf("list: %w", err)
	}
	var sb strings.Builder
	for _, de := range entries {
		if de.IsDir() {
			fmt.Fprintf(&sb, "%s/\n", de.Name())
			continue
		}
		size := int64(0)
		if info, err := de.Info(); err == nil {
			size = info.Size()
		}
		fmt.Fprintf(&sb, "%-24s %6d\n", de.Name(), size)
	}
	return sb.String(), nil
}

// OpenCount reports how many descriptors are currently in use.
func (ft *FileTable) OpenCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	n := 0
	for _, slot := range ft.slots {
		if slot != nil {
			n++
		}
	}
	return n
}

func (ft *FileTable) lookup(fd int) (*openFile, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if fd < 0 || fd >= len(ft.slots) || ft.slots[fd] == nil {
		return nil, fmt.Errorf("fd %d: %w", fd, ErrBadDescriptor)
	}
	return ft.slots[fd], nil
}
