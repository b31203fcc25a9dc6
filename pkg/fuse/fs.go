//go:build linux || darwin

// Package fuse mounts a Dispatcher through the go-fuse inode API.
package fuse

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/fruitsalade/cmisfs/internal/logging"
	"github.com/fruitsalade/cmisfs/pkg/tree"
	"github.com/fruitsalade/cmisfs/pkg/vfs"
)

// Config holds mount options.
type Config struct {
	FsName     string
	AllowOther bool
	Debug      bool
	// AttrTimeout is how long the kernel may cache attributes and entries.
	// Zero makes every stat reach the Dispatcher.
	AttrTimeout time.Duration
}

// CmisFS is the mounted filesystem.
type CmisFS struct {
	d   *vfs.Dispatcher
	cfg Config
}

// Node is a file or folder. Nodes carry no state: every operation forwards
// the node's current path to the Dispatcher.
type Node struct {
	fs.Inode

	fsys *CmisFS
}

// New creates a filesystem over d.
func New(d *vfs.Dispatcher, cfg Config) *CmisFS {
	if cfg.FsName == "" {
		cfg.FsName = "cmisfs"
	}
	return &CmisFS{d: d, cfg: cfg}
}

// Mount mounts the filesystem at mountPoint. The caller waits on the
// returned server and unmounts it.
func (f *CmisFS) Mount(mountPoint string) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	timeout := f.cfg.AttrTimeout
	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: f.cfg.AllowOther,
			Debug:      f.cfg.Debug,
			FsName:     f.cfg.FsName,
			Name:       "cmisfs",
		},
		AttrTimeout:  &timeout,
		EntryTimeout: &timeout,
		UID:          uint32(os.Getuid()),
		GID:          uint32(os.Getgid()),
	}

	server, err := fs.Mount(mountPoint, f.Root(), opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	return server, nil
}

// Root returns a root node for this filesystem.
func (f *CmisFS) Root() *Node {
	return &Node{fsys: f}
}

var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeGetxattrer = (*Node)(nil)
var _ fs.NodeListxattrer = (*Node)(nil)
var _ fs.NodeSetxattrer = (*Node)(nil)
var _ fs.NodeRemovexattrer = (*Node)(nil)
var _ fs.NodeCreater = (*Node)(nil)
var _ fs.NodeMkdirer = (*Node)(nil)
var _ fs.NodeUnlinker = (*Node)(nil)
var _ fs.NodeRmdirer = (*Node)(nil)
var _ fs.NodeSetattrer = (*Node)(nil)
var _ fs.NodeRenamer = (*Node)(nil)
var _ fs.NodeAccesser = (*Node)(nil)
var _ fs.NodeSymlinker = (*Node)(nil)
var _ fs.NodeLinker = (*Node)(nil)
var _ fs.NodeReadlinker = (*Node)(nil)
var _ fs.NodeFsyncer = (*Node)(nil)
var _ fs.NodeStatfser = (*Node)(nil)

func (n *Node) path() string {
	return tree.Clean(n.Path(nil))
}

func (n *Node) childPath(name string) string {
	return tree.BuildChildPath(n.path(), name)
}

// Getattr returns file attributes.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	a, err := n.fsys.d.GetAttr(ctx, n.path())
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, a)
	out.SetTimeout(n.fsys.cfg.AttrTimeout)
	return 0
}

// Lookup finds a child by name.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return n.entry(ctx, n.childPath(name), out)
}

// entry stats path and returns an inode for it.
func (n *Node) entry(ctx context.Context, path string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	a, err := n.fsys.d.GetAttr(ctx, path)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, a)
	out.SetEntryTimeout(n.fsys.cfg.AttrTimeout)
	out.SetAttrTimeout(n.fsys.cfg.AttrTimeout)

	child := &Node{fsys: n.fsys}
	stableAttr := fs.StableAttr{Mode: out.Mode & syscall.S_IFMT, Ino: a.Ino}
	return n.NewInode(ctx, child, stableAttr), 0
}

// Readdir lists a folder.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	list, err := n.fsys.d.ReadDir(ctx, n.path())
	if err != nil {
		return nil, toErrno(err)
	}

	entries := make([]gofuse.DirEntry, 0, len(list))
	for _, e := range list {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		mode := uint32(syscall.S_IFREG)
		if e.Dir {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, gofuse.DirEntry{Name: e.Name, Mode: mode, Ino: e.Ino})
	}
	return fs.NewListDirStream(entries), 0
}

// Open opens a document. Content is fetched lazily by the first read.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	h, err := n.fsys.d.Open(ctx, n.path(), int(flags))
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &FileHandle{d: n.fsys.d, h: h}, gofuse.FOPEN_DIRECT_IO, 0
}

// Getxattr returns a repository property.
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	value, err := n.fsys.d.GetXAttr(ctx, n.path(), attr)
	if err != nil {
		return 0, toErrno(err)
	}
	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, unix.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

// Listxattr lists repository properties as NUL-separated names.
func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	attrs, err := n.fsys.d.ListXAttr(ctx, n.path())
	if err != nil {
		return 0, toErrno(err)
	}

	var total int
	for _, attr := range attrs {
		total += len(attr) + 1
	}
	if len(dest) == 0 {
		return uint32(total), 0
	}
	if len(dest) < total {
		return 0, unix.ERANGE
	}

	offset := 0
	for _, attr := range attrs {
		copy(dest[offset:], attr)
		offset += len(attr)
		dest[offset] = 0
		offset++
	}
	return uint32(total), 0
}

func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return toErrno(n.fsys.d.Unsupported("setxattr"))
}

func (n *Node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return toErrno(n.fsys.d.Unsupported("removexattr"))
}

// Create creates an empty document and opens it for writing.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	path := n.childPath(name)
	if err := n.fsys.d.Mknod(ctx, path); err != nil {
		return nil, nil, 0, toErrno(err)
	}
	h, err := n.fsys.d.Open(ctx, path, int(flags)|os.O_TRUNC)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	fh := &FileHandle{d: n.fsys.d, h: h}
	inode, errno := n.entry(ctx, path, out)
	if errno != 0 {
		fh.Release(ctx)
		return nil, nil, 0, errno
	}
	return inode, fh, gofuse.FOPEN_DIRECT_IO, 0
}

// Mkdir creates a folder.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	path := n.childPath(name)
	if err := n.fsys.d.Mkdir(ctx, path); err != nil {
		return nil, toErrno(err)
	}
	return n.entry(ctx, path, out)
}

// Unlink deletes a document.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.fsys.d.Unlink(ctx, n.childPath(name)))
}

// Rmdir deletes an empty folder.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.fsys.d.Rmdir(ctx, n.childPath(name)))
}

// Setattr handles truncate, mtime, mode and owner changes.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	path := n.path()
	d := n.fsys.d

	if sz, ok := in.GetSize(); ok {
		if err := d.Truncate(ctx, path, int64(sz)); err != nil {
			return toErrno(err)
		}
	}
	if mtime, ok := in.GetMTime(); ok {
		atime, ok := in.GetATime()
		if !ok {
			atime = mtime
		}
		if err := d.Utime(ctx, path, atime, mtime); err != nil {
			return toErrno(err)
		}
	}
	if mode, ok := in.GetMode(); ok {
		if err := d.Chmod(ctx, path, mode); err != nil {
			return toErrno(err)
		}
	}
	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		if err := d.Chown(ctx, path, uid, gid); err != nil {
			return toErrno(err)
		}
	}

	return n.Getattr(ctx, f, out)
}

// Rename moves and/or renames a child.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return toErrno(n.fsys.d.Unsupported("rename2"))
	}
	to := tree.BuildChildPath(tree.Clean(newParent.EmbeddedInode().Path(nil)), newName)
	return toErrno(n.fsys.d.Rename(ctx, n.childPath(name), to))
}

func (n *Node) Access(ctx context.Context, mask uint32) syscall.Errno {
	return toErrno(n.fsys.d.Access(ctx, n.path(), mask))
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, toErrno(n.fsys.d.Unsupported("symlink"))
}

func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, toErrno(n.fsys.d.Unsupported("link"))
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	return nil, toErrno(n.fsys.d.Unsupported("readlink"))
}

func (n *Node) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	return toErrno(n.fsys.d.Unsupported("fsync"))
}

func (n *Node) Statfs(ctx context.Context, out *gofuse.StatfsOut) syscall.Errno {
	return toErrno(n.fsys.d.Unsupported("statfs"))
}

// FileHandle is an open document. Its sessions live in the Dispatcher
// under h, which follows the document across renames.
type FileHandle struct {
	d *vfs.Dispatcher
	h vfs.Handle
}

var _ fs.FileHandle = (*FileHandle)(nil)
var _ fs.FileReader = (*FileHandle)(nil)
var _ fs.FileWriter = (*FileHandle)(nil)
var _ fs.FileFlusher = (*FileHandle)(nil)
var _ fs.FileReleaser = (*FileHandle)(nil)

// Read reads from the handle's read or write session.
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	data, err := fh.d.Read(ctx, fh.h, len(dest), off)
	if err != nil {
		return nil, toErrno(err)
	}
	return gofuse.ReadResultData(data), 0
}

// Write buffers data in the document's write session.
func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := fh.d.Write(ctx, fh.h, data, off)
	if err != nil {
		return uint32(n), toErrno(err)
	}
	return uint32(n), 0
}

// Flush is a no-op; content is uploaded on release.
func (fh *FileHandle) Flush(ctx context.Context) syscall.Errno {
	return toErrno(fh.d.Flush(ctx, fh.h))
}

// Release uploads pending writes and ends the sessions.
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	if err := fh.d.Release(ctx, fh.h); err != nil {
		logging.Error("release failed", logging.Uint64("handle", uint64(fh.h)), logging.Err(err))
		return toErrno(err)
	}
	return 0
}

func fillAttr(out *gofuse.Attr, a vfs.Attr) {
	out.Ino = a.Ino
	out.Mode = a.Perm | syscall.S_IFREG
	if a.Dir {
		out.Mode = a.Perm | syscall.S_IFDIR
	}
	out.Size = uint64(a.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Nlink = a.Nlink
	out.Uid = a.Uid
	out.Gid = a.Gid
	out.SetTimes(&a.Atime, &a.Mtime, &a.Ctime)
}

// toErrno maps a Dispatcher error to the errno returned to the kernel.
func toErrno(err error) syscall.Errno {
	switch vfs.Classify(err) {
	case vfs.CodeOK:
		return 0
	case vfs.CodeNotFound:
		return unix.ENOENT
	case vfs.CodeUnsupported:
		return unix.ENOSYS
	case vfs.CodeNoData:
		return unix.ENODATA
	case vfs.CodeExists:
		return unix.EEXIST
	case vfs.CodeNotDir:
		return unix.ENOTDIR
	case vfs.CodeIsDir:
		return unix.EISDIR
	case vfs.CodeNotEmpty:
		return unix.ENOTEMPTY
	case vfs.CodePermission:
		return unix.EPERM
	case vfs.CodeInvalid:
		return unix.EINVAL
	case vfs.CodeInterrupted:
		return unix.EINTR
	}
	return unix.EIO
}
