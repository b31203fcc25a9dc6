package vfs

import (
	"hash/fnv"
	"time"

	"github.com/fruitsalade/cmisfs/pkg/models"
)

// Permission bits reported for every object. No permission model is
// enforced.
const (
	DirPerm  = 0o755
	FilePerm = 0o666
)

// Attr is the adapter-neutral stat result.
type Attr struct {
	Ino   uint64
	Dir   bool
	Perm  uint32
	Size  int64
	Nlink uint32
	Uid   uint32
	Gid   uint32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Name string
	Dir  bool
	Ino  uint64
}

// InodeOf derives a stable inode number from an object id, so a document
// filed in several folders reports one inode everywhere.
func InodeOf(id string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	ino := h.Sum64()
	if ino <= 1 {
		ino += 2 // 1 is the root
	}
	return ino
}

func (d *Dispatcher) rootAttr() Attr {
	return Attr{
		Ino:   1,
		Dir:   true,
		Perm:  DirPerm,
		Nlink: 2,
		Uid:   d.cfg.Uid,
		Gid:   d.cfg.Gid,
		Atime: d.started,
		Mtime: d.started,
		Ctime: d.started,
	}
}

// attrOf maps an object snapshot. nlink is the child count for folders and
// the number of reachable paths for documents.
func (d *Dispatcher) attrOf(obj *models.Object, nlink int) Attr {
	a := Attr{
		Ino:   InodeOf(obj.ID),
		Dir:   obj.IsFolder(),
		Perm:  FilePerm,
		Uid:   d.cfg.Uid,
		Gid:   d.cfg.Gid,
		Mtime: obj.ModTime(),
		Ctime: obj.CreationTime(),
	}
	if a.Mtime.IsZero() {
		a.Mtime = d.started
	}
	if a.Ctime.IsZero() {
		a.Ctime = a.Mtime
	}
	a.Atime = a.Mtime
	if a.Dir {
		a.Perm = DirPerm
	} else {
		a.Size = obj.Size()
	}
	if nlink < 1 {
		nlink = 1
	}
	a.Nlink = uint32(nlink)
	return a
}
