// Package buffer absorbs the writes made to one open file until release,
// keeping recent data in memory and spilling the rest to a temporary file.
package buffer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fruitsalade/cmisfs/internal/logging"
	"github.com/fruitsalade/cmisfs/internal/metrics"
)

// DefaultThreshold is the in-memory size above which data is spilled.
const DefaultThreshold = 8 << 20

// ErrClosed is returned by operations on a closed buffer.
var ErrClosed = errors.New("write buffer closed")

// Config holds buffer configuration.
type Config struct {
	Threshold int    // bytes kept in memory before spilling
	SpillDir  string // directory for spill files, os.TempDir() when empty
}

// Buffer holds the logical content of a file being written. Data lives
// either in the memory segment [memOff, memOff+len(mem)) or in the spill
// file at its own offset; the memory segment wins where both overlap.
type Buffer struct {
	cfg Config

	mu     sync.Mutex
	mem    []byte
	memOff int64
	spill  *os.File
	size   int64
	closed bool
}

// New creates an empty buffer. The spill file is created on first use.
func New(cfg Config) *Buffer {
	if cfg.Threshold < 0 {
		cfg.Threshold = 0
	}
	return &Buffer{cfg: cfg}
}

// Write stores data at off. A write that does not continue the memory
// segment flushes it first; a memory segment larger than the threshold is
// flushed after the write.
func (b *Buffer) Write(data []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}

	if len(b.mem) > 0 && off != b.memOff+int64(len(b.mem)) {
		if err := b.flushLocked(); err != nil {
			return 0, err
		}
	}
	if len(b.mem) == 0 {
		b.memOff = off
	}
	b.mem = append(b.mem, data...)
	if end := off + int64(len(data)); end > b.size {
		b.size = end
	}

	if len(b.mem) > b.cfg.Threshold {
		if err := b.flushLocked(); err != nil {
			return 0, err
		}
	}
	return len(data), nil
}

func (b *Buffer) flushLocked() error {
	if len(b.mem) == 0 {
		return nil
	}
	if b.spill == nil {
		f, err := os.CreateTemp(b.cfg.SpillDir, "cmisfs-spill-*")
		if err != nil {
			return fmt.Errorf("create spill file: %w", err)
		}
		b.spill = f
		logging.Debug("write buffer spilling to disk", logging.String("file", f.Name()))
	}
	if _, err := b.spill.WriteAt(b.mem, b.memOff); err != nil {
		return fmt.Errorf("write spill file: %w", err)
	}
	metrics.RecordSpill(len(b.mem))
	b.mem = b.mem[:0]
	return nil
}

// ReadAt reads the merged content of spill file and memory. Gaps that were
// never written read as zeros.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	if off >= b.size {
		return 0, io.EOF
	}
	n := int64(len(p))
	if off+n > b.size {
		n = b.size - off
	}
	dst := p[:n]
	clear(dst)

	if b.spill != nil {
		if _, err := b.spill.ReadAt(dst, off); err != nil && err != io.EOF {
			return 0, fmt.Errorf("read spill file: %w", err)
		}
	}
	if len(b.mem) > 0 {
		start := max(off, b.memOff)
		end := min(off+n, b.memOff+int64(len(b.mem)))
		if start < end {
			copy(dst[start-off:end-off], b.mem[start-b.memOff:end-b.memOff])
		}
	}

	if n < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// Size returns the logical content length.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Spilled reports whether any data has gone to disk.
func (b *Buffer) Spilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spill != nil
}

// Truncate shrinks or zero-extends the content to n bytes.
func (b *Buffer) Truncate(n int64) error {
	if n < 0 {
		return fmt.Errorf("negative size %d", n)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	if b.spill == nil {
		if end := b.memOff + int64(len(b.mem)); n < end {
			if n <= b.memOff {
				b.mem = b.mem[:0]
			} else {
				b.mem = b.mem[:n-b.memOff]
			}
		}
		b.size = n
		return nil
	}

	if err := b.flushLocked(); err != nil {
		return err
	}
	if err := b.spill.Truncate(n); err != nil {
		return fmt.Errorf("truncate spill file: %w", err)
	}
	b.size = n
	return nil
}

// Reader returns a reader over the whole content.
func (b *Buffer) Reader() io.Reader {
	return io.NewSectionReader(b, 0, b.Size())
}

// Bytes returns a copy of the whole content.
func (b *Buffer) Bytes() ([]byte, error) {
	size := b.Size()
	out := make([]byte, size)
	if size == 0 {
		return out, nil
	}
	if _, err := b.ReadAt(out, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return out, nil
}

// Close drops the memory segment and removes the spill file. It is safe to
// call more than once.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.mem = nil
	if b.spill == nil {
		return nil
	}
	name := b.spill.Name()
	cerr := b.spill.Close()
	rerr := os.Remove(name)
	b.spill = nil
	if cerr != nil {
		return cerr
	}
	return rerr
}
