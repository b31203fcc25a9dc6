package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fruitsalade/cmisfs/internal/fakerepo"
	"github.com/fruitsalade/cmisfs/pkg/cache"
	"github.com/fruitsalade/cmisfs/pkg/models"
)

func newResolver(repo *fakerepo.Repo) *Resolver {
	cfg := cache.Config{TTL: time.Minute}
	return New(repo, cache.NewObjectCache(cfg), cache.NewFolderCache(cfg))
}

func TestResolveFolder(t *testing.T) {
	repo := fakerepo.New()
	repo.MustFolder("/a/b/c")
	repo.MustDocument("/a/file.txt", []byte("x"))
	r := newResolver(repo)
	ctx := context.Background()

	tests := []struct {
		path     string
		wantPath string
		exact    bool
	}{
		{"/", "/", true},
		{"/a", "/a", true},
		{"/a/b/c", "/a/b/c", true},
		{"/a/b/missing", "/a/b", false},
		{"/a/file.txt", "/a", false},
		{"/nope/b", "/", false},
	}
	for _, tt := range tests {
		f, exact, err := r.ResolveFolder(ctx, tt.path)
		if err != nil {
			t.Fatalf("ResolveFolder(%q): %v", tt.path, err)
		}
		if f.Path() != tt.wantPath || exact != tt.exact {
			t.Errorf("ResolveFolder(%q) = %q exact=%v, want %q exact=%v",
				tt.path, f.Path(), exact, tt.wantPath, tt.exact)
		}
	}
}

func TestExactFolder_Missing(t *testing.T) {
	repo := fakerepo.New()
	repo.MustFolder("/a")
	r := newResolver(repo)

	if _, err := r.ExactFolder(context.Background(), "/missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	f, err := r.ExactFolder(context.Background(), "/a")
	if err != nil || f.Path() != "/a" {
		t.Errorf("ExactFolder(/a) = %v, %v", f, err)
	}
}

func TestResolveObject_CachedPathMakesNoRemoteCalls(t *testing.T) {
	repo := fakerepo.New()
	repo.MustDocument("/a/x.txt", []byte("hello"))
	r := newResolver(repo)
	ctx := context.Background()

	obj, err := r.ResolveObject(ctx, "/a/x.txt")
	if err != nil {
		t.Fatalf("ResolveObject: %v", err)
	}
	if obj.Size() != 5 || obj.IsFolder() {
		t.Errorf("unexpected object %+v", obj)
	}

	repo.ResetCounts()
	if _, err := r.ResolveObject(ctx, "/a/x.txt"); err != nil {
		t.Fatalf("second ResolveObject: %v", err)
	}
	if n := repo.Total(); n != 0 {
		t.Errorf("cached resolution made %d remote calls", n)
	}
}

func TestResolveObject_DocumentCarriesAllPaths(t *testing.T) {
	repo := fakerepo.New()
	id := repo.MustDocument("/a/x.txt", nil)
	repo.File(id, "/b")
	r := newResolver(repo)

	obj, err := r.ResolveObject(context.Background(), "/b/x.txt")
	if err != nil {
		t.Fatalf("ResolveObject: %v", err)
	}
	if len(obj.Paths) != 2 || obj.Paths[0] != "/b/x.txt" || !obj.HasPath("/a/x.txt") {
		t.Errorf("paths = %v", obj.Paths)
	}
}

func TestResolveObject_NotFound(t *testing.T) {
	repo := fakerepo.New()
	repo.MustFolder("/a")
	r := newResolver(repo)

	for _, p := range []string{"/a/none", "/none/deeper/x"} {
		if _, err := r.ResolveObject(context.Background(), p); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("ResolveObject(%q) err = %v, want ErrNotFound", p, err)
		}
	}
}

func TestResolveObject_PropagatesTransportErrors(t *testing.T) {
	repo := fakerepo.New()
	repo.MustFolder("/a")
	boom := errors.New("connection reset")
	repo.Fail(fakerepo.OpChildren, boom)
	r := newResolver(repo)

	if _, err := r.ResolveObject(context.Background(), "/a"); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped transport error", err)
	}
}

func TestRootChildrenCached(t *testing.T) {
	repo := fakerepo.New()
	repo.MustFolder("/a")
	r := newResolver(repo)
	ctx := context.Background()

	root, err := r.Root(ctx)
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := r.Children(ctx, root); err != nil {
			t.Fatalf("Children: %v", err)
		}
	}
	if n := repo.Count(fakerepo.OpChildren); n != 1 {
		t.Errorf("Children called %d times, want 1", n)
	}
	if n := repo.Count(fakerepo.OpRoot); n != 1 {
		t.Errorf("Root called %d times, want 1", n)
	}
}

func TestInvalidateRefetches(t *testing.T) {
	repo := fakerepo.New()
	repo.MustDocument("/a/x.txt", nil)
	r := newResolver(repo)
	ctx := context.Background()

	if _, err := r.ResolveObject(ctx, "/a/x.txt"); err != nil {
		t.Fatal(err)
	}
	repo.MustDocument("/a/y.txt", nil)
	if _, err := r.ResolveObject(ctx, "/a/y.txt"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("new document should be hidden by the cached listing, err = %v", err)
	}

	r.Invalidate("/a/y.txt")
	if _, err := r.ResolveObject(ctx, "/a/y.txt"); err != nil {
		t.Errorf("after invalidation: %v", err)
	}
}
