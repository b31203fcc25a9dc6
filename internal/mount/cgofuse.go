package mount

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/fruitsalade/cmisfs/internal/logging"
	"github.com/fruitsalade/cmisfs/pkg/vfs"
)

// CgoFuseBackend implements Backend using cgofuse (libfuse, macFUSE or
// WinFsp). cgofuse is path based, so calls map directly onto the
// Dispatcher.
type CgoFuseBackend struct {
	fuse.FileSystemBase

	opts   Options
	d      *vfs.Dispatcher
	host   *fuse.FileSystemHost
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCgoFuseBackend creates a new cgofuse backend.
func NewCgoFuseBackend(opts Options) *CgoFuseBackend {
	ctx, cancel := context.WithCancel(context.Background())
	return &CgoFuseBackend{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *CgoFuseBackend) Name() string {
	return "cgofuse"
}

func (b *CgoFuseBackend) Start(ctx context.Context, d *vfs.Dispatcher) error {
	b.d = d

	if err := os.MkdirAll(b.opts.MountPoint, 0755); err != nil {
		return err
	}

	b.host = fuse.NewFileSystemHost(b)
	b.host.SetCapReaddirPlus(false)

	logging.Info("mounted", logging.String("backend", b.Name()), logging.Path(b.opts.MountPoint))

	// host.Mount blocks until unmounted.
	errCh := make(chan error, 1)
	go func() {
		if !b.host.Mount(b.opts.MountPoint, b.mountArgs()) {
			errCh <- errors.New("cgofuse mount failed")
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		b.host.Unmount()
		<-errCh
		return ctx.Err()
	}
}

func (b *CgoFuseBackend) Stop() error {
	if b.host != nil {
		b.host.Unmount()
	}
	return nil
}

func (b *CgoFuseBackend) mountArgs() []string {
	args := []string{"-o", "fsname=" + b.opts.FsName}
	if b.opts.AllowOther {
		args = append(args, "-o", "allow_other")
	}
	if b.opts.Debug {
		args = append(args, "-d")
	}
	return args
}

func attrToStat(a vfs.Attr, stat *fuse.Stat_t) {
	stat.Ino = a.Ino
	stat.Size = a.Size
	stat.Blocks = (a.Size + 511) / 512
	stat.Blksize = 4096
	stat.Atim = fuse.NewTimespec(a.Atime)
	stat.Mtim = fuse.NewTimespec(a.Mtime)
	stat.Ctim = fuse.NewTimespec(a.Ctime)
	stat.Birthtim = stat.Ctim
	if a.Dir {
		stat.Mode = fuse.S_IFDIR | a.Perm
	} else {
		stat.Mode = fuse.S_IFREG | a.Perm
	}
	stat.Nlink = a.Nlink
	stat.Uid = a.Uid
	stat.Gid = a.Gid
}

// errno maps a Dispatcher error to a negative cgofuse status.
func errno(err error) int {
	switch vfs.Classify(err) {
	case vfs.CodeOK:
		return 0
	case vfs.CodeNotFound:
		return -fuse.ENOENT
	case vfs.CodeUnsupported:
		return -fuse.ENOSYS
	case vfs.CodeNoData:
		return -fuse.ENODATA
	case vfs.CodeExists:
		return -fuse.EEXIST
	case vfs.CodeNotDir:
		return -fuse.ENOTDIR
	case vfs.CodeIsDir:
		return -fuse.EISDIR
	case vfs.CodeNotEmpty:
		return -fuse.ENOTEMPTY
	case vfs.CodePermission:
		return -fuse.EPERM
	case vfs.CodeInvalid:
		return -fuse.EINVAL
	case vfs.CodeInterrupted:
		return -fuse.EINTR
	}
	return -fuse.EIO
}

// --- fuse.FileSystemInterface implementation ---

func (b *CgoFuseBackend) Init() {
	logging.Debug("cgofuse: init")
}

func (b *CgoFuseBackend) Destroy() {
	logging.Debug("cgofuse: destroy")
	b.cancel()
}

func (b *CgoFuseBackend) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	a, err := b.d.GetAttr(b.ctx, path)
	if err != nil {
		return errno(err)
	}
	attrToStat(a, stat)
	return 0
}

func (b *CgoFuseBackend) Opendir(path string) (int, uint64) {
	a, err := b.d.GetAttr(b.ctx, path)
	if err != nil {
		return errno(err), ^uint64(0)
	}
	if !a.Dir {
		return -fuse.ENOTDIR, ^uint64(0)
	}
	return 0, 0
}

func (b *CgoFuseBackend) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	entries, err := b.d.ReadDir(b.ctx, path)
	if err != nil {
		return errno(err)
	}
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			if !fill(e.Name, nil, 0) {
				break
			}
			continue
		}
		st := &fuse.Stat_t{Ino: e.Ino, Mode: fuse.S_IFREG}
		if e.Dir {
			st.Mode = fuse.S_IFDIR
		}
		if !fill(e.Name, st, 0) {
			break
		}
	}
	return 0
}

// Open returns the Dispatcher handle as the cgofuse file handle.
func (b *CgoFuseBackend) Open(path string, flags int) (int, uint64) {
	h, err := b.d.Open(b.ctx, path, flags)
	if err != nil {
		return errno(err), ^uint64(0)
	}
	return 0, uint64(h)
}

func (b *CgoFuseBackend) Read(path string, buff []byte, ofst int64, fh uint64) int {
	data, err := b.d.Read(b.ctx, vfs.Handle(fh), len(buff), ofst)
	if err != nil {
		return errno(err)
	}
	return copy(buff, data)
}

func (b *CgoFuseBackend) Write(path string, buff []byte, ofst int64, fh uint64) int {
	n, err := b.d.Write(b.ctx, vfs.Handle(fh), buff, ofst)
	if err != nil {
		return errno(err)
	}
	return n
}

func (b *CgoFuseBackend) Flush(path string, fh uint64) int {
	return errno(b.d.Flush(b.ctx, vfs.Handle(fh)))
}

func (b *CgoFuseBackend) Release(path string, fh uint64) int {
	if err := b.d.Release(b.ctx, vfs.Handle(fh)); err != nil {
		logging.Error("release failed", logging.Path(path), logging.Err(err))
		return errno(err)
	}
	return 0
}

func (b *CgoFuseBackend) Create(path string, flags int, mode uint32) (int, uint64) {
	if err := b.d.Mknod(b.ctx, path); err != nil {
		return errno(err), ^uint64(0)
	}
	h, err := b.d.Open(b.ctx, path, flags|os.O_TRUNC)
	if err != nil {
		return errno(err), ^uint64(0)
	}
	return 0, uint64(h)
}

func (b *CgoFuseBackend) Mknod(path string, mode uint32, dev uint64) int {
	if mode&fuse.S_IFMT != 0 && mode&fuse.S_IFMT != fuse.S_IFREG {
		return errno(b.d.Unsupported("mknod"))
	}
	return errno(b.d.Mknod(b.ctx, path))
}

func (b *CgoFuseBackend) Mkdir(path string, mode uint32) int {
	return errno(b.d.Mkdir(b.ctx, path))
}

func (b *CgoFuseBackend) Unlink(path string) int {
	return errno(b.d.Unlink(b.ctx, path))
}

func (b *CgoFuseBackend) Rmdir(path string) int {
	return errno(b.d.Rmdir(b.ctx, path))
}

func (b *CgoFuseBackend) Rename(oldpath string, newpath string) int {
	return errno(b.d.Rename(b.ctx, oldpath, newpath))
}

func (b *CgoFuseBackend) Truncate(path string, size int64, fh uint64) int {
	return errno(b.d.Truncate(b.ctx, path, size))
}

func (b *CgoFuseBackend) Utimens(path string, tmsp []fuse.Timespec) int {
	now := time.Now()
	atime, mtime := now, now
	if len(tmsp) >= 2 {
		atime = time.Unix(tmsp[0].Sec, tmsp[0].Nsec)
		mtime = time.Unix(tmsp[1].Sec, tmsp[1].Nsec)
	}
	return errno(b.d.Utime(b.ctx, path, atime, mtime))
}

func (b *CgoFuseBackend) Chmod(path string, mode uint32) int {
	return errno(b.d.Chmod(b.ctx, path, mode))
}

func (b *CgoFuseBackend) Chown(path string, uid uint32, gid uint32) int {
	return errno(b.d.Chown(b.ctx, path, uid, gid))
}

func (b *CgoFuseBackend) Access(path string, mask uint32) int {
	return errno(b.d.Access(b.ctx, path, mask))
}

func (b *CgoFuseBackend) Getxattr(path string, name string) (int, []byte) {
	value, err := b.d.GetXAttr(b.ctx, path, name)
	if err != nil {
		return errno(err), nil
	}
	return 0, value
}

func (b *CgoFuseBackend) Listxattr(path string, fill func(name string) bool) int {
	names, err := b.d.ListXAttr(b.ctx, path)
	if err != nil {
		return errno(err)
	}
	for _, name := range names {
		if !fill(name) {
			break
		}
	}
	return 0
}

func (b *CgoFuseBackend) Setxattr(path string, name string, value []byte, flags int) int {
	return errno(b.d.Unsupported("setxattr"))
}

func (b *CgoFuseBackend) Removexattr(path string, name string) int {
	return errno(b.d.Unsupported("removexattr"))
}

func (b *CgoFuseBackend) Link(oldpath string, newpath string) int {
	return errno(b.d.Unsupported("link"))
}

func (b *CgoFuseBackend) Symlink(target string, newpath string) int {
	return errno(b.d.Unsupported("symlink"))
}

func (b *CgoFuseBackend) Readlink(path string) (int, string) {
	return errno(b.d.Unsupported("readlink")), ""
}

func (b *CgoFuseBackend) Fsync(path string, datasync bool, fh uint64) int {
	return errno(b.d.Unsupported("fsync"))
}

func (b *CgoFuseBackend) Fsyncdir(path string, datasync bool, fh uint64) int {
	return errno(b.d.Unsupported("fsyncdir"))
}

func (b *CgoFuseBackend) Statfs(path string, stat *fuse.Statfs_t) int {
	return errno(b.d.Unsupported("statfs"))
}
