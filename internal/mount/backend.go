// Package mount attaches a Dispatcher to the operating system through one
// of the FUSE backends.
package mount

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/fruitsalade/cmisfs/pkg/vfs"
)

// Backend kinds accepted by New.
const (
	KindAuto    = "auto"
	KindFuse    = "fuse"
	KindCgoFuse = "cgofuse"
)

// Backend is implemented by the go-fuse and cgofuse mounts.
type Backend interface {
	// Start mounts the filesystem. It blocks until ctx is cancelled, the
	// filesystem is unmounted, or mounting fails.
	Start(ctx context.Context, d *vfs.Dispatcher) error

	// Stop unmounts the filesystem.
	Stop() error

	// Name returns a human-readable name for the backend.
	Name() string
}

// Options are shared by all backends.
type Options struct {
	MountPoint  string
	FsName      string
	AllowOther  bool
	Debug       bool
	AttrTimeout time.Duration
}

// New returns the backend for kind. Auto picks go-fuse where it is
// available and cgofuse (WinFsp on Windows) elsewhere.
func New(kind string, opts Options) (Backend, error) {
	if opts.FsName == "" {
		opts.FsName = "cmisfs"
	}
	switch kind {
	case KindFuse:
		return newGoFuseBackend(opts)
	case KindCgoFuse:
		return NewCgoFuseBackend(opts), nil
	case KindAuto, "":
		if goFuseSupported {
			return newGoFuseBackend(opts)
		}
		return NewCgoFuseBackend(opts), nil
	}
	return nil, fmt.Errorf("unknown backend %q (use %s, %s or %s)", kind, KindAuto, KindFuse, KindCgoFuse)
}

func unsupportedBackend(name string) error {
	return fmt.Errorf("%s backend is not available on %s", name, runtime.GOOS)
}
