package vfs

import (
	"io/fs"
	"os"
)

// OSFS serves files straight from the host filesystem, so a kernel can
// mount a host directory as its disk.
type OSFS struct {
	root string
}

// NewOS returns a host-backed filesystem rooted at root ("" for the
// process working directory).
func NewOS(root string) *OSFS { return &OSFS{root: root} }

func (fsys *OSFS) path(name string) string {
	if fsys.root == "" {
		return name
	}
	return Join(fsys.root, name)
}

func (fsys *OSFS) Open(name string) (File, error)   { return os.Open(fsys.path(name)) }
func (fsys *OSFS) Create(name string) (File, error) { return os.Create(fsys.path(name)) }
func (fsys *OSFS) Remove(name string) error         { return os.Remove(fsys.path(name)) }

func (fsys *OSFS) Stat(name string) (fs.FileInfo, error) { return os.Stat(fsys.path(name)) }

func (fsys *OSFS) ReadDir(name string) ([]fs.DirEntry, error) {
	return os.ReadDir(fsys.path(name))
}
