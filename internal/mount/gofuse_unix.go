//go:build linux || darwin

package mount

import (
	"context"
	"sync"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/fruitsalade/cmisfs/internal/logging"
	"github.com/fruitsalade/cmisfs/pkg/fuse"
	"github.com/fruitsalade/cmisfs/pkg/vfs"
)

const goFuseSupported = true

// GoFuseBackend mounts through the kernel FUSE protocol with go-fuse.
type GoFuseBackend struct {
	opts Options

	mu     sync.Mutex
	server *gofuse.Server
}

func newGoFuseBackend(opts Options) (Backend, error) {
	return &GoFuseBackend{opts: opts}, nil
}

func (b *GoFuseBackend) Name() string {
	return "go-fuse"
}

func (b *GoFuseBackend) Start(ctx context.Context, d *vfs.Dispatcher) error {
	fsys := fuse.New(d, fuse.Config{
		FsName:      b.opts.FsName,
		AllowOther:  b.opts.AllowOther,
		Debug:       b.opts.Debug,
		AttrTimeout: b.opts.AttrTimeout,
	})
	server, err := fsys.Mount(b.opts.MountPoint)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.server = server
	b.mu.Unlock()
	logging.Info("mounted", logging.String("backend", b.Name()), logging.Path(b.opts.MountPoint))

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		b.Stop()
		<-done
		return ctx.Err()
	}
}

func (b *GoFuseBackend) Stop() error {
	b.mu.Lock()
	server := b.server
	b.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Unmount()
}
