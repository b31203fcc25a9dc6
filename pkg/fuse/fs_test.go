//go:build linux || darwin

package fuse

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/fruitsalade/cmisfs/pkg/models"
	"github.com/fruitsalade/cmisfs/pkg/vfs"
)

func TestToErrno(t *testing.T) {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{fmt.Errorf("lookup: %w", models.ErrNotFound), unix.ENOENT},
		{fmt.Errorf("symlink: %w", vfs.ErrUnsupported), unix.ENOSYS},
		{models.ErrNotSupported, unix.ENOSYS},
		{vfs.ErrNoData, unix.ENODATA},
		{models.ErrExists, unix.EEXIST},
		{vfs.ErrNotDir, unix.ENOTDIR},
		{vfs.ErrIsDir, unix.EISDIR},
		{vfs.ErrNotEmpty, unix.ENOTEMPTY},
		{models.ErrPermission, unix.EPERM},
		{models.ErrConstraint, unix.EPERM},
		{vfs.ErrInvalid, unix.EINVAL},
		{context.Canceled, unix.EINTR},
		{errors.New("connection refused"), unix.EIO},
	}
	for _, tt := range tests {
		if got := toErrno(tt.err); got != tt.want {
			t.Errorf("toErrno(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestFillAttr(t *testing.T) {
	mtime := time.Unix(1700000000, 0)
	var out gofuse.Attr
	fillAttr(&out, vfs.Attr{
		Ino: 42, Perm: vfs.FilePerm, Size: 1000, Nlink: 2,
		Uid: 1000, Gid: 100, Atime: mtime, Mtime: mtime, Ctime: mtime,
	})

	if out.Mode != syscall.S_IFREG|vfs.FilePerm {
		t.Errorf("mode = %o", out.Mode)
	}
	if out.Ino != 42 || out.Size != 1000 || out.Nlink != 2 {
		t.Errorf("attr = %+v", out)
	}
	if out.Blocks != 2 {
		t.Errorf("blocks = %d, want 2", out.Blocks)
	}
	if out.Uid != 1000 || out.Gid != 100 {
		t.Errorf("owner = %d:%d", out.Uid, out.Gid)
	}
	if out.Mtime != uint64(mtime.Unix()) {
		t.Errorf("mtime = %d", out.Mtime)
	}

	fillAttr(&out, vfs.Attr{Dir: true, Perm: vfs.DirPerm})
	if out.Mode != syscall.S_IFDIR|vfs.DirPerm {
		t.Errorf("dir mode = %o", out.Mode)
	}
}
