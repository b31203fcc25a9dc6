// Package vfs translates POSIX filesystem operations into repository calls.
// The Dispatcher is adapter-neutral: FUSE backends forward paths to it and
// map the returned errors with Classify.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/cmisfs/internal/logging"
	"github.com/fruitsalade/cmisfs/internal/metrics"
	"github.com/fruitsalade/cmisfs/pkg/buffer"
	"github.com/fruitsalade/cmisfs/pkg/cache"
	"github.com/fruitsalade/cmisfs/pkg/models"
	"github.com/fruitsalade/cmisfs/pkg/resolver"
	"github.com/fruitsalade/cmisfs/pkg/tree"
)

// Repository is the remote side of the Dispatcher.
type Repository interface {
	Root(ctx context.Context) (*models.Object, error)
	Children(ctx context.Context, folder *models.Object) ([]*models.Object, error)
	Paths(ctx context.Context, obj *models.Object) ([]string, error)
	ContentStream(ctx context.Context, id string) (io.ReadCloser, error)
	SetContentStream(ctx context.Context, id string, content io.Reader, size int64) error
	DeleteContentStream(ctx context.Context, id string) error
	CreateFolder(ctx context.Context, parentID, name string) (*models.Object, error)
	CreateDocument(ctx context.Context, parentID, name string) (*models.Object, error)
	Delete(ctx context.Context, id string) error
	Move(ctx context.Context, id, sourceFolderID, targetFolderID string) (*models.Object, error)
	UpdateProperties(ctx context.Context, id string, props models.Properties) (*models.Object, error)
}

// Config holds Dispatcher configuration.
type Config struct {
	Buffer buffer.Config
	Uid    uint32
	Gid    uint32
}

// DefaultConfig reports objects as owned by the current process.
func DefaultConfig() Config {
	cfg := Config{Buffer: buffer.Config{Threshold: buffer.DefaultThreshold}}
	if uid := os.Getuid(); uid >= 0 {
		cfg.Uid = uint32(uid)
	}
	if gid := os.Getgid(); gid >= 0 {
		cfg.Gid = uint32(gid)
	}
	return cfg
}

// Stats tracks dispatcher activity.
type Stats struct {
	ContentFetches atomic.Int64
	Uploads        atomic.Int64
	BytesRead      atomic.Int64
	BytesWritten   atomic.Int64
	Renames        atomic.Int64
	Errors         atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	ContentFetches int64
	Uploads        int64
	BytesRead      int64
	BytesWritten   int64
	Renames        int64
	Errors         int64
}

// Dispatcher implements the filesystem operations.
type Dispatcher struct {
	repo     Repository
	resolver *resolver.Resolver
	cfg      Config
	started  time.Time

	// mu guards the handle and write session tables. It is never held
	// across a remote call.
	mu      sync.Mutex
	nextFh  Handle
	handles map[Handle]*openFile
	writes  map[string]*writeSession

	fetches singleflight.Group
	stats   Stats
}

// New creates a Dispatcher over repo using the given caches.
func New(repo Repository, objects *cache.ObjectCache, folders *cache.FolderCache, cfg Config) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		resolver: resolver.New(repo, objects, folders),
		cfg:      cfg,
		started:  time.Now(),
		handles:  make(map[Handle]*openFile),
		writes:   make(map[string]*writeSession),
	}
}

// Resolver exposes the path resolver, for tools that only browse.
func (d *Dispatcher) Resolver() *resolver.Resolver {
	return d.resolver
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() StatsSnapshot {
	return StatsSnapshot{
		ContentFetches: d.stats.ContentFetches.Load(),
		Uploads:        d.stats.Uploads.Load(),
		BytesRead:      d.stats.BytesRead.Load(),
		BytesWritten:   d.stats.BytesWritten.Load(),
		Renames:        d.stats.Renames.Load(),
		Errors:         d.stats.Errors.Load(),
	}
}

// done records the outcome of op and passes err through.
func (d *Dispatcher) done(op, path string, err error) error {
	metrics.RecordFSOp(op, err)
	if err != nil {
		d.stats.Errors.Add(1)
		if c := Classify(err); c == CodeIO || c == CodePermission {
			logging.Error(op+" failed", logging.Path(path), logging.Err(err))
		} else {
			logging.Debug(op+" failed", logging.Path(path), logging.Err(err))
		}
	}
	return err
}

// GetAttr returns the attributes of path. The root always reports fixed
// folder attributes.
func (d *Dispatcher) GetAttr(ctx context.Context, path string) (Attr, error) {
	path = tree.Clean(path)
	if path == tree.Root {
		return d.rootAttr(), nil
	}
	obj, err := d.resolver.ResolveObject(ctx, path)
	if err != nil {
		return Attr{}, d.done("getattr", path, err)
	}

	if obj.IsFolder() {
		kids, err := d.resolver.Children(ctx, obj)
		if err != nil {
			return Attr{}, d.done("getattr", path, err)
		}
		return d.attrOf(obj, len(kids)), nil
	}

	attr := d.attrOf(obj, len(obj.Paths))
	if ws := d.activeWrite(path); ws != nil {
		attr.Size = ws.buf.Size()
	}
	return attr, nil
}

// ReadDir lists a folder, prefixed by "." and "..".
func (d *Dispatcher) ReadDir(ctx context.Context, path string) ([]DirEntry, error) {
	path = tree.Clean(path)
	obj, err := d.resolver.ResolveObject(ctx, path)
	if err != nil {
		return nil, d.done("readdir", path, err)
	}
	if !obj.IsFolder() {
		return nil, d.done("readdir", path, ErrNotDir)
	}
	kids, err := d.resolver.Children(ctx, obj)
	if err != nil {
		return nil, d.done("readdir", path, err)
	}

	entries := make([]DirEntry, 0, len(kids)+2)
	entries = append(entries,
		DirEntry{Name: ".", Dir: true, Ino: InodeOf(obj.ID)},
		DirEntry{Name: "..", Dir: true})
	for _, kid := range kids {
		name := tree.CleanName(kid.Name)
		if name == "" {
			continue
		}
		entries = append(entries, DirEntry{Name: name, Dir: kid.IsFolder(), Ino: InodeOf(kid.ID)})
	}
	return entries, nil
}

// Mkdir creates a folder. The parent must exist.
func (d *Dispatcher) Mkdir(ctx context.Context, path string) error {
	path = tree.Clean(path)
	err := d.create(ctx, path, true)
	return d.done("mkdir", path, err)
}

// Mknod creates an empty document. The parent must exist.
func (d *Dispatcher) Mknod(ctx context.Context, path string) error {
	path = tree.Clean(path)
	err := d.create(ctx, path, false)
	return d.done("mknod", path, err)
}

func (d *Dispatcher) create(ctx context.Context, path string, folder bool) error {
	if path == tree.Root {
		return ErrExists
	}
	d.resolver.Invalidate(path)
	parent, err := d.resolver.ExactFolder(ctx, tree.Dir(path))
	if err != nil {
		return err
	}
	name := tree.Base(path)
	var obj *models.Object
	if folder {
		obj, err = d.repo.CreateFolder(ctx, parent.ID, name)
	} else {
		obj, err = d.repo.CreateDocument(ctx, parent.ID, name)
	}
	d.resolver.Invalidate(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	logging.Info("created", logging.Path(path), logging.ObjectID(obj.ID), logging.String("kind", obj.Kind.String()))
	return nil
}

// Unlink deletes a document.
func (d *Dispatcher) Unlink(ctx context.Context, path string) error {
	path = tree.Clean(path)
	d.resolver.Invalidate(path)
	obj, err := d.resolver.ResolveObject(ctx, path)
	if err != nil {
		return d.done("unlink", path, err)
	}
	if obj.IsFolder() {
		return d.done("unlink", path, ErrIsDir)
	}
	err = d.repo.Delete(ctx, obj.ID)
	d.resolver.InvalidateObject(obj)
	if err != nil {
		return d.done("unlink", path, fmt.Errorf("delete %s: %w", path, err))
	}
	logging.Info("deleted document", logging.Path(path), logging.ObjectID(obj.ID))
	return nil
}

// Rmdir deletes an empty folder.
func (d *Dispatcher) Rmdir(ctx context.Context, path string) error {
	path = tree.Clean(path)
	if path == tree.Root {
		return d.done("rmdir", path, ErrInvalid)
	}
	d.resolver.Invalidate(path)
	obj, err := d.resolver.ResolveObject(ctx, path)
	if err != nil {
		return d.done("rmdir", path, err)
	}
	if !obj.IsFolder() {
		return d.done("rmdir", path, ErrNotDir)
	}
	kids, err := d.resolver.Children(ctx, obj)
	if err != nil {
		return d.done("rmdir", path, err)
	}
	if len(kids) > 0 {
		return d.done("rmdir", path, ErrNotEmpty)
	}
	err = d.repo.Delete(ctx, obj.ID)
	d.resolver.Invalidate(path)
	if err != nil {
		return d.done("rmdir", path, fmt.Errorf("delete %s: %w", path, err))
	}
	logging.Info("deleted folder", logging.Path(path), logging.ObjectID(obj.ID))
	return nil
}

// Truncate sets the content length of a document. With an open write
// session only the session is truncated and the release uploads the result.
func (d *Dispatcher) Truncate(ctx context.Context, path string, size int64) error {
	path = tree.Clean(path)
	if size < 0 {
		return d.done("truncate", path, ErrInvalid)
	}
	if ws := d.activeWrite(path); ws != nil {
		if err := ws.buf.Truncate(size); !errors.Is(err, buffer.ErrClosed) {
			d.resolver.Invalidate(path)
			return d.done("truncate", path, err)
		}
	}

	d.resolver.Invalidate(path)
	obj, err := d.resolver.ResolveObject(ctx, path)
	if err != nil {
		return d.done("truncate", path, err)
	}
	if obj.IsFolder() {
		return d.done("truncate", path, ErrIsDir)
	}
	defer d.resolver.InvalidateObject(obj)

	current, hasContent := obj.Properties.Int(models.PropContentStreamLength)
	switch {
	case size == 0 && !hasContent:
		return nil
	case size == 0:
		err = d.repo.DeleteContentStream(ctx, obj.ID)
	case hasContent && size == current:
		return nil
	default:
		err = d.rewriteContent(ctx, path, obj, size)
	}
	if err != nil {
		return d.done("truncate", path, fmt.Errorf("truncate %s: %w", path, err))
	}
	d.dropSnapshots(path)
	logging.Info("truncated", logging.Path(path), logging.Int64("size", size))
	return nil
}

func (d *Dispatcher) rewriteContent(ctx context.Context, path string, obj *models.Object, size int64) error {
	buf := buffer.New(d.cfg.Buffer)
	defer buf.Close()
	if obj.Size() > 0 {
		data, err := d.fetchContent(ctx, path)
		if err != nil {
			return err
		}
		if _, err := buf.Write(data, 0); err != nil {
			return err
		}
	}
	if err := buf.Truncate(size); err != nil {
		return err
	}
	return d.repo.SetContentStream(ctx, obj.ID, buf.Reader(), size)
}

// Utime sets the modification date. Repositories that refuse the update
// are tolerated.
func (d *Dispatcher) Utime(ctx context.Context, path string, atime, mtime time.Time) error {
	path = tree.Clean(path)
	if path == tree.Root {
		return nil
	}
	d.resolver.Invalidate(path)
	obj, err := d.resolver.ResolveObject(ctx, path)
	if err != nil {
		return d.done("utime", path, err)
	}
	_, err = d.repo.UpdateProperties(ctx, obj.ID, models.Properties{
		models.PropLastModificationDate: models.TimeValue(mtime),
	})
	d.resolver.InvalidateObject(obj)
	if err != nil {
		if errors.Is(err, models.ErrConstraint) || errors.Is(err, models.ErrNotSupported) || errors.Is(err, models.ErrPermission) {
			logging.Warn("repository refused modification date update", logging.Path(path), logging.Err(err))
			return nil
		}
		return d.done("utime", path, fmt.Errorf("set mtime of %s: %w", path, err))
	}
	return nil
}

// xattrPrefix is the namespace remote properties are exposed under.
const xattrPrefix = "user."

// ListXAttr lists the object's properties as extended attribute names.
func (d *Dispatcher) ListXAttr(ctx context.Context, path string) ([]string, error) {
	path = tree.Clean(path)
	obj, err := d.resolver.ResolveObject(ctx, path)
	if err != nil {
		return nil, d.done("listxattr", path, err)
	}
	names := obj.Properties.Names()
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = xattrPrefix + n
	}
	return out, nil
}

// GetXAttr returns the value of a property exposed as an extended attribute.
func (d *Dispatcher) GetXAttr(ctx context.Context, path, name string) ([]byte, error) {
	path = tree.Clean(path)
	prop, ok := strings.CutPrefix(name, xattrPrefix)
	if !ok {
		return nil, ErrNoData
	}
	obj, err := d.resolver.ResolveObject(ctx, path)
	if err != nil {
		return nil, d.done("getxattr", path, err)
	}
	v, ok := obj.Properties.Get(prop)
	if !ok {
		return nil, ErrNoData
	}
	return []byte(v.String()), nil
}

// Chmod, Chown and Access succeed without effect: there is no permission
// model to map onto.
func (d *Dispatcher) Chmod(ctx context.Context, path string, mode uint32) error { return nil }

func (d *Dispatcher) Chown(ctx context.Context, path string, uid, gid uint32) error { return nil }

func (d *Dispatcher) Access(ctx context.Context, path string, mask uint32) error { return nil }

// Unsupported reports op (symlink, readlink, link, setxattr, removexattr,
// lock, ioctl, poll, fsync, fsyncdir, statfs, bmap) as not implemented.
func (d *Dispatcher) Unsupported(op string) error {
	metrics.RecordFSOp(op, ErrUnsupported)
	return fmt.Errorf("%s: %w", op, ErrUnsupported)
}
