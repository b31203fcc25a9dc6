package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fruitsalade/cmisfs/internal/logging"
	"github.com/fruitsalade/cmisfs/internal/metrics"
	"github.com/fruitsalade/cmisfs/pkg/buffer"
	"github.com/fruitsalade/cmisfs/pkg/models"
	"github.com/fruitsalade/cmisfs/pkg/tree"
)

// Handle identifies an open document.
type Handle uint64

// openFile is the state behind a Handle.
type openFile struct {
	path string
	// seed makes the first write load the existing content.
	seed bool

	// Read session: the content as of this handle's first read.
	data   []byte
	loaded bool

	// ws is the write session this handle has joined, if any.
	ws *writeSession
}

// writeSession buffers the writes of every handle writing to one document.
// It is uploaded when its last writer is released.
type writeSession struct {
	obj  *models.Object
	buf  *buffer.Buffer
	refs int
}

// Open opens path and returns a handle for the read and write calls.
// Opening for writing without O_TRUNC makes the first write load the
// current content; with O_TRUNC the document is emptied at release.
func (d *Dispatcher) Open(ctx context.Context, path string, flags int) (Handle, error) {
	path = tree.Clean(path)
	obj, err := d.resolver.ResolveObject(ctx, path)
	if err != nil {
		return 0, d.done("open", path, err)
	}
	writing := flags&(os.O_WRONLY|os.O_RDWR) != 0
	if writing && obj.IsFolder() {
		return 0, d.done("open", path, ErrIsDir)
	}
	truncate := writing && flags&os.O_TRUNC != 0
	of := &openFile{path: path, seed: writing && !truncate}

	if truncate {
		ws, err := d.attach(ctx, of)
		if err != nil {
			return 0, d.done("open", path, err)
		}
		if err := ws.buf.Truncate(0); err != nil {
			if ws := d.detach(of); ws != nil {
				ws.buf.Close()
				metrics.SessionClosed("write")
			}
			return 0, d.done("open", path, err)
		}
	}

	d.mu.Lock()
	d.nextFh++
	fh := d.nextFh
	d.handles[fh] = of
	d.mu.Unlock()
	return fh, nil
}

func (d *Dispatcher) handle(fh Handle) (*openFile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	of, ok := d.handles[fh]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", fh, ErrInvalid)
	}
	return of, nil
}

// Read returns up to size bytes at off. A handle that has written reads its
// write session. Otherwise the first read loads the whole content into the
// handle's read session and later reads slice it, so a reader keeps seeing
// the content of its first read. A handle with no read session yet sees
// the unreleased writes of other handles on the same path.
func (d *Dispatcher) Read(ctx context.Context, fh Handle, size int, off int64) ([]byte, error) {
	of, err := d.handle(fh)
	if err != nil {
		return nil, d.done("read", "", err)
	}

	d.mu.Lock()
	path, data, loaded, ws := of.path, of.data, of.loaded, of.ws
	if ws == nil && !loaded {
		ws = d.writes[path]
	}
	d.mu.Unlock()

	if ws != nil {
		p := make([]byte, size)
		n, err := ws.buf.ReadAt(p, off)
		switch {
		case err == nil || err == io.EOF:
			return p[:n], nil
		case ws == of.ws || !errors.Is(err, buffer.ErrClosed):
			return nil, d.done("read", path, err)
		}
		// Another handle's session was released meanwhile; read the
		// uploaded content instead.
	}

	if !loaded {
		data, err = d.readSession(ctx, of, path)
		if err != nil {
			return nil, d.done("read", path, err)
		}
	}
	if off >= int64(len(data)) {
		return nil, nil
	}
	end := off + int64(size)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	d.stats.BytesRead.Add(end - off)
	return data[off:end], nil
}

// readSession fetches the content for of. Concurrent first reads of one
// path share a single fetch.
func (d *Dispatcher) readSession(ctx context.Context, of *openFile, path string) ([]byte, error) {
	v, err, _ := d.fetches.Do(path, func() (interface{}, error) {
		return d.fetchContent(ctx, path)
	})
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if of.loaded {
		return of.data, nil
	}
	of.data, of.loaded = v.([]byte), true
	metrics.SessionOpened("read")
	return of.data, nil
}

func (d *Dispatcher) fetchContent(ctx context.Context, path string) ([]byte, error) {
	obj, err := d.resolver.ResolveObject(ctx, path)
	if err != nil {
		return nil, err
	}
	if obj.IsFolder() {
		return nil, ErrIsDir
	}
	rc, err := d.repo.ContentStream(ctx, obj.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch content of %s: %w", path, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read content of %s: %w", path, err)
	}
	d.stats.ContentFetches.Add(1)
	logging.Debug("fetched content", logging.Path(path), logging.Int("size", len(data)))
	return data, nil
}

// Write stores data at off in the write session of the handle's path,
// creating it on the first write. Any offset is accepted; gaps read as
// zeros.
func (d *Dispatcher) Write(ctx context.Context, fh Handle, data []byte, off int64) (int, error) {
	of, err := d.handle(fh)
	if err != nil {
		return 0, d.done("write", "", err)
	}
	ws, err := d.attach(ctx, of)
	if err != nil {
		return 0, d.done("write", of.path, err)
	}
	n, err := ws.buf.Write(data, off)
	if err != nil {
		return n, d.done("write", of.path, err)
	}
	d.stats.BytesWritten.Add(int64(n))
	return n, nil
}

func (d *Dispatcher) activeWrite(path string) *writeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes[path]
}

// attach joins of to the write session of its path, creating the session
// if there is none.
func (d *Dispatcher) attach(ctx context.Context, of *openFile) (*writeSession, error) {
	d.mu.Lock()
	if of.ws != nil {
		ws := of.ws
		d.mu.Unlock()
		return ws, nil
	}
	if ws, ok := d.writes[of.path]; ok {
		ws.refs++
		of.ws = ws
		d.mu.Unlock()
		return ws, nil
	}
	path, seed := of.path, of.seed
	d.mu.Unlock()

	obj, err := d.resolver.ResolveObject(ctx, path)
	if err != nil {
		return nil, err
	}
	if obj.IsFolder() {
		return nil, ErrIsDir
	}
	buf := buffer.New(d.cfg.Buffer)
	if seed && obj.Size() > 0 {
		data, err := d.fetchContent(ctx, path)
		if err != nil {
			buf.Close()
			return nil, err
		}
		if _, err := buf.Write(data, 0); err != nil {
			buf.Close()
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if of.ws != nil {
		buf.Close()
		return of.ws, nil
	}
	ws, ok := d.writes[of.path]
	if ok {
		buf.Close()
	} else {
		ws = &writeSession{obj: obj, buf: buf}
		d.writes[of.path] = ws
		metrics.SessionOpened("write")
		logging.Debug("write session opened", logging.Path(of.path), logging.ObjectID(obj.ID))
	}
	ws.refs++
	of.ws = ws
	return ws, nil
}

// detach removes of from its write session. It reports the session when
// of was its last writer; the caller then owns it.
func (d *Dispatcher) detach(of *openFile) *writeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	ws := of.ws
	if ws == nil {
		return nil
	}
	of.ws = nil
	ws.refs--
	if ws.refs > 0 {
		return nil
	}
	for p, w := range d.writes {
		if w == ws {
			delete(d.writes, p)
		}
	}
	return ws
}

// Flush is a no-op; content is uploaded at release.
func (d *Dispatcher) Flush(ctx context.Context, fh Handle) error {
	return nil
}

// Release closes fh. When fh is the last writer of its write session, the
// session's content is uploaded as the document's new content stream and
// the session is discarded whatever the outcome.
func (d *Dispatcher) Release(ctx context.Context, fh Handle) error {
	d.mu.Lock()
	of, ok := d.handles[fh]
	if ok {
		delete(d.handles, fh)
		if of.loaded {
			of.data, of.loaded = nil, false
			metrics.SessionClosed("read")
		}
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}

	ws := d.detach(of)
	if ws == nil {
		return nil
	}
	path := of.path
	defer func() {
		if err := ws.buf.Close(); err != nil {
			logging.Warn("closing write buffer", logging.Path(path), logging.Err(err))
		}
		metrics.SessionClosed("write")
	}()

	size := ws.buf.Size()
	err := d.repo.SetContentStream(ctx, ws.obj.ID, ws.buf.Reader(), size)
	d.resolver.Invalidate(path)
	d.resolver.InvalidateObject(ws.obj)
	if err != nil {
		return d.done("release", path, fmt.Errorf("upload %s: %w", path, err))
	}
	d.stats.Uploads.Add(1)
	logging.Info("uploaded content", logging.Path(path), logging.ObjectID(ws.obj.ID), logging.Int64("size", size))
	return nil
}

// dropSnapshots discards the read sessions of handles open on path.
func (d *Dispatcher) dropSnapshots(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, of := range d.handles {
		if of.path == path && of.loaded {
			of.data, of.loaded = nil, false
			metrics.SessionClosed("read")
		}
	}
}

// retarget points the handles and write sessions at or below from to the
// same place under to.
func (d *Dispatcher) retarget(from, to string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, of := range d.handles {
		if p, ok := rebase(of.path, from, to); ok {
			of.path = p
		}
	}
	moved := make(map[string]*writeSession)
	for p, ws := range d.writes {
		if np, ok := rebase(p, from, to); ok {
			delete(d.writes, p)
			moved[np] = ws
		}
	}
	for p, ws := range moved {
		d.writes[p] = ws
	}
}

func rebase(p, from, to string) (string, bool) {
	if p == from {
		return to, true
	}
	if rest, ok := strings.CutPrefix(p, from+"/"); ok {
		return tree.BuildChildPath(to, rest), true
	}
	return "", false
}

// Close discards every open handle and session. Pending writes are lost.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for path, ws := range d.writes {
		logging.Warn("discarding unreleased write session", logging.Path(path))
		ws.buf.Close()
		metrics.SessionClosed("write")
	}
	for _, of := range d.handles {
		if of.loaded {
			metrics.SessionClosed("read")
		}
	}
	d.writes = make(map[string]*writeSession)
	d.handles = make(map[Handle]*openFile)
}
