// Package resolver maps filesystem paths onto remote objects by walking the
// folder tree, backed by the object and folder caches.
package resolver

import (
	"context"
	"fmt"
	"sync"

	"github.com/fruitsalade/cmisfs/internal/logging"
	"github.com/fruitsalade/cmisfs/pkg/cache"
	"github.com/fruitsalade/cmisfs/pkg/models"
	"github.com/fruitsalade/cmisfs/pkg/tree"
)

// Lister is the part of the repository the resolver reads from.
type Lister interface {
	Root(ctx context.Context) (*models.Object, error)
	Children(ctx context.Context, folder *models.Object) ([]*models.Object, error)
	Paths(ctx context.Context, obj *models.Object) ([]string, error)
}

// Resolver resolves paths to objects. A resolution that misses the caches
// costs O(depth × children) remote listings in the worst case.
type Resolver struct {
	repo    Lister
	objects *cache.ObjectCache
	folders *cache.FolderCache

	rootMu sync.Mutex
	root   *models.Object
}

// New creates a resolver over repo with the given caches.
func New(repo Lister, objects *cache.ObjectCache, folders *cache.FolderCache) *Resolver {
	return &Resolver{repo: repo, objects: objects, folders: folders}
}

// Root returns the root folder, fetching it once.
func (r *Resolver) Root(ctx context.Context) (*models.Object, error) {
	r.rootMu.Lock()
	defer r.rootMu.Unlock()
	if r.root != nil {
		return r.root, nil
	}
	root, err := r.repo.Root(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch root folder: %w", err)
	}
	root.Paths = []string{tree.Root}
	r.root = root
	return root, nil
}

// Children returns the child listing of folder, from cache when unexpired.
func (r *Resolver) Children(ctx context.Context, folder *models.Object) ([]*models.Object, error) {
	isRoot := folder.Path() == tree.Root
	if isRoot {
		if kids, ok := r.folders.RootChildren(); ok {
			return kids, nil
		}
	} else if kids, ok := r.folders.Children(folder.ID); ok {
		return kids, nil
	}

	kids, err := r.repo.Children(ctx, folder)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", folder.Path(), err)
	}
	if isRoot {
		r.folders.PutRootChildren(kids)
	} else {
		r.folders.PutChildren(folder, kids)
	}
	return kids, nil
}

// ResolveFolder walks path one segment at a time from the root. When a
// segment has no matching folder the walk stops and the deepest folder
// reached is returned with exact == false. Only exact results are cached.
func (r *Resolver) ResolveFolder(ctx context.Context, path string) (folder *models.Object, exact bool, err error) {
	path = tree.Clean(path)
	root, err := r.Root(ctx)
	if err != nil {
		return nil, false, err
	}
	if path == tree.Root {
		return root, true, nil
	}
	if f, ok := r.folders.Folder(path); ok {
		return f, true, nil
	}

	current := root
	currentPath := tree.Root
	for _, seg := range tree.Split(path) {
		nextPath := tree.BuildChildPath(currentPath, seg)
		if f, ok := r.folders.Folder(nextPath); ok {
			current, currentPath = f, nextPath
			continue
		}

		kids, err := r.Children(ctx, current)
		if err != nil {
			return nil, false, err
		}
		var next *models.Object
		for _, kid := range kids {
			if kid.IsFolder() && tree.CleanName(kid.Name) == seg {
				next = kid
				break
			}
		}
		if next == nil {
			logging.Debug("folder resolution truncated", logging.Path(path), logging.String("resolved", currentPath))
			return current, false, nil
		}
		if !next.HasPath(nextPath) {
			cp := *next
			cp.Paths = []string{nextPath}
			next = &cp
		}
		r.folders.PutFolder(nextPath, next)
		current, currentPath = next, nextPath
	}
	return current, true, nil
}

// ExactFolder resolves path and fails with models.ErrNotFound unless every
// segment names a folder.
func (r *Resolver) ExactFolder(ctx context.Context, path string) (*models.Object, error) {
	f, exact, err := r.ResolveFolder(ctx, path)
	if err != nil {
		return nil, err
	}
	if !exact {
		return nil, fmt.Errorf("folder %s: %w", tree.Clean(path), models.ErrNotFound)
	}
	return f, nil
}

// ResolveObject returns the folder or document at path. Documents carry all
// of their reachable paths.
func (r *Resolver) ResolveObject(ctx context.Context, path string) (*models.Object, error) {
	path = tree.Clean(path)
	if path == tree.Root {
		return r.Root(ctx)
	}
	if obj, ok := r.objects.Get(path); ok {
		return obj, nil
	}
	logging.Debug("object cache miss", logging.Path(path))

	folder, exact, err := r.ResolveFolder(ctx, path)
	if err != nil {
		return nil, err
	}
	if exact {
		r.objects.Put(path, folder)
		return folder, nil
	}

	kids, err := r.Children(ctx, folder)
	if err != nil {
		return nil, err
	}
	for _, kid := range kids {
		if !kid.HasPath(path) {
			continue
		}
		obj := kid
		if !kid.IsFolder() {
			paths, err := r.repo.Paths(ctx, kid)
			if err != nil {
				return nil, fmt.Errorf("paths of %s: %w", path, err)
			}
			cp := *kid
			cp.Paths = withPath(paths, path)
			obj = &cp
		}
		r.objects.Put(path, obj)
		return obj, nil
	}
	return nil, fmt.Errorf("%s: %w", path, models.ErrNotFound)
}

// Invalidate drops cached state for path and its parent.
func (r *Resolver) Invalidate(path string) {
	r.objects.Invalidate(path)
	r.folders.Invalidate(path)
}

// InvalidateObject drops cached state for every path of obj.
func (r *Resolver) InvalidateObject(obj *models.Object) {
	if obj == nil {
		return
	}
	for _, p := range obj.Paths {
		r.Invalidate(p)
	}
}

// withPath returns paths normalized, with p first.
func withPath(paths []string, p string) []string {
	out := []string{p}
	for _, q := range paths {
		q = tree.Clean(q)
		if q != p {
			out = append(out, q)
		}
	}
	return out
}
