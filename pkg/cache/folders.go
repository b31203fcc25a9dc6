package cache

import (
	"sync"
	"time"

	"github.com/fruitsalade/cmisfs/internal/metrics"
	"github.com/fruitsalade/cmisfs/pkg/models"
	"github.com/fruitsalade/cmisfs/pkg/tree"
)

type childList struct {
	folderPath string
	children   []*models.Object
	expires    time.Time
}

// FolderCache holds folder identities by path (no expiry) and child
// listings by folder id (with TTL). The root listing expires on its own.
type FolderCache struct {
	ttl   time.Duration
	clock Clock

	mu       sync.RWMutex
	folders  map[string]*models.Object
	children map[string]*childList
	root     *childList
}

// NewFolderCache creates a folder cache.
func NewFolderCache(cfg Config) *FolderCache {
	cfg = cfg.withDefaults()
	return &FolderCache{
		ttl:      cfg.TTL,
		clock:    cfg.Clock,
		folders:  make(map[string]*models.Object),
		children: make(map[string]*childList),
	}
}

// Folder returns the folder resolved exactly at path.
func (c *FolderCache) Folder(path string) (*models.Object, bool) {
	c.mu.RLock()
	f, ok := c.folders[tree.Clean(path)]
	c.mu.RUnlock()
	metrics.RecordCacheLookup("folder", ok)
	return f, ok
}

// PutFolder records that path resolves exactly to folder.
func (c *FolderCache) PutFolder(path string, folder *models.Object) {
	c.mu.Lock()
	c.folders[tree.Clean(path)] = folder
	c.mu.Unlock()
}

// Children returns the unexpired child listing of a folder.
func (c *FolderCache) Children(folderID string) ([]*models.Object, bool) {
	c.mu.RLock()
	cl, ok := c.children[folderID]
	c.mu.RUnlock()
	if ok && c.clock.Now().Before(cl.expires) {
		metrics.RecordCacheLookup("children", true)
		return cl.children, true
	}
	metrics.RecordCacheLookup("children", false)
	return nil, false
}

// PutChildren caches a folder's child listing.
func (c *FolderCache) PutChildren(folder *models.Object, children []*models.Object) {
	c.mu.Lock()
	c.children[folder.ID] = &childList{
		folderPath: tree.Clean(folder.Path()),
		children:   children,
		expires:    c.clock.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

// RootChildren returns the unexpired root listing.
func (c *FolderCache) RootChildren() ([]*models.Object, bool) {
	c.mu.RLock()
	cl := c.root
	c.mu.RUnlock()
	if cl != nil && c.clock.Now().Before(cl.expires) {
		metrics.RecordCacheLookup("root", true)
		return cl.children, true
	}
	metrics.RecordCacheLookup("root", false)
	return nil, false
}

// PutRootChildren caches the root listing.
func (c *FolderCache) PutRootChildren(children []*models.Object) {
	c.mu.Lock()
	c.root = &childList{folderPath: tree.Root, children: children, expires: c.clock.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops the folder identities at and beneath path, and the child
// listings of path and its parent.
func (c *FolderCache) Invalidate(path string) {
	path = tree.Clean(path)
	parent := tree.Dir(path)

	c.mu.Lock()
	defer c.mu.Unlock()

	for p := range c.folders {
		if p != tree.Root && tree.IsWithin(p, path) {
			delete(c.folders, p)
		}
	}
	for id, cl := range c.children {
		if cl.folderPath == path || cl.folderPath == parent {
			delete(c.children, id)
		}
	}
	if path == tree.Root || parent == tree.Root {
		c.root = nil
	}
}
