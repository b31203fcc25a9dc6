package buffer

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func newTestBuffer(t *testing.T, threshold int) (*Buffer, string) {
	t.Helper()
	dir := t.TempDir()
	b := New(Config{Threshold: threshold, SpillDir: dir})
	t.Cleanup(func() { b.Close() })
	return b, dir
}

func mustBytes(t *testing.T, b *Buffer) []byte {
	t.Helper()
	data, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	return data
}

func spillFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "cmisfs-spill-*"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

func TestBuffer_RoundTripBelowThreshold(t *testing.T) {
	b, dir := newTestBuffer(t, 1024)

	if _, err := b.Write([]byte("hello "), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Write([]byte("world"), 6); err != nil {
		t.Fatal(err)
	}
	if got := mustBytes(t, b); string(got) != "hello world" {
		t.Errorf("content = %q", got)
	}
	if b.Spilled() || len(spillFiles(t, dir)) != 0 {
		t.Error("data below the threshold should stay in memory")
	}
}

func TestBuffer_OverflowKeepsOrder(t *testing.T) {
	b, _ := newTestBuffer(t, 8)
	b1 := []byte("first-block-")
	b2 := []byte("second")

	if _, err := b.Write(b1, 0); err != nil {
		t.Fatal(err)
	}
	if !b.Spilled() {
		t.Fatal("write above the threshold should spill")
	}
	if _, err := b.Write(b2, int64(len(b1))); err != nil {
		t.Fatal(err)
	}
	want := append(append([]byte{}, b1...), b2...)
	if got := mustBytes(t, b); !bytes.Equal(got, want) {
		t.Errorf("content = %q, want %q", got, want)
	}
}

func TestBuffer_OutOfOrderWrites(t *testing.T) {
	b, _ := newTestBuffer(t, 1024)

	if _, err := b.Write([]byte("world"), 5); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Write([]byte("hello"), 0); err != nil {
		t.Fatal(err)
	}
	if got := mustBytes(t, b); string(got) != "helloworld" {
		t.Errorf("content = %q", got)
	}
}

func TestBuffer_OverwriteInMemoryWinsOverSpill(t *testing.T) {
	b, _ := newTestBuffer(t, 1024)
	b.Write([]byte("aaaaaaaaaa"), 0)
	b.Write([]byte("XX"), 2) // non-contiguous, flushes the first segment
	if got := mustBytes(t, b); string(got) != "aaXXaaaaaa" {
		t.Errorf("content = %q", got)
	}
}

func TestBuffer_GapsReadAsZero(t *testing.T) {
	b, _ := newTestBuffer(t, 1024)
	b.Write([]byte("z"), 4)
	got := mustBytes(t, b)
	if !bytes.Equal(got, []byte{0, 0, 0, 0, 'z'}) {
		t.Errorf("content = %v", got)
	}
}

func TestBuffer_ReadAtPastEnd(t *testing.T) {
	b, _ := newTestBuffer(t, 1024)
	b.Write([]byte("abc"), 0)

	p := make([]byte, 10)
	n, err := b.ReadAt(p, 1)
	if n != 2 || err != io.EOF || string(p[:n]) != "bc" {
		t.Errorf("ReadAt = %d, %v, %q", n, err, p[:n])
	}
	if _, err := b.ReadAt(p, 3); err != io.EOF {
		t.Errorf("ReadAt at end err = %v", err)
	}
}

func TestBuffer_Truncate(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
	}{
		{"memory", 1024},
		{"spilled", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBuffer(t, tt.threshold)
			b.Write([]byte("abcdef"), 0)

			if err := b.Truncate(3); err != nil {
				t.Fatal(err)
			}
			if got := mustBytes(t, b); string(got) != "abc" {
				t.Errorf("after shrink = %q", got)
			}
			if err := b.Truncate(5); err != nil {
				t.Fatal(err)
			}
			if got := mustBytes(t, b); !bytes.Equal(got, []byte{'a', 'b', 'c', 0, 0}) {
				t.Errorf("after extend = %v", got)
			}
		})
	}
}

func TestBuffer_CloseRemovesSpillFile(t *testing.T) {
	b, dir := newTestBuffer(t, 0)
	b.Write([]byte("spill me"), 0)

	files := spillFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("expected one spill file, got %v", files)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(files[0]); !os.IsNotExist(err) {
		t.Errorf("spill file still present: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := b.Write([]byte("x"), 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close err = %v", err)
	}
}

func TestBuffer_Reader(t *testing.T) {
	b, _ := newTestBuffer(t, 4)
	b.Write([]byte("0123456789"), 0)
	data, err := io.ReadAll(b.Reader())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "0123456789" {
		t.Errorf("Reader content = %q", data)
	}
}

func TestBuffer_SpillDirMissing(t *testing.T) {
	b := New(Config{Threshold: 0, SpillDir: filepath.Join(t.TempDir(), "missing")})
	defer b.Close()
	if _, err := b.Write([]byte("x"), 0); err == nil {
		t.Error("expected error creating spill file in a missing directory")
	}
}
