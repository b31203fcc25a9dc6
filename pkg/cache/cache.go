// Package cache holds the in-memory path caches of a mount: the object cache
// (path → object snapshot with TTL) and the folder cache (folder identities
// and child listings).
package cache

import (
	"time"

	"github.com/orca-zhang/ecache"

	"github.com/fruitsalade/cmisfs/internal/metrics"
	"github.com/fruitsalade/cmisfs/pkg/models"
	"github.com/fruitsalade/cmisfs/pkg/tree"
)

// DefaultTTL is how long an object snapshot stays usable.
const DefaultTTL = 600 * time.Second

const lruBuckets = 16

// Clock supplies the current time. Tests inject a fake.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Config holds cache configuration.
type Config struct {
	TTL      time.Duration // entry lifetime, DefaultTTL when zero
	Capacity int           // max object entries, 0 = 16384
	Clock    Clock
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Capacity <= 0 {
		c.Capacity = 16384
	}
	if c.Clock == nil {
		c.Clock = RealClock()
	}
	return c
}

type objectEntry struct {
	obj     *models.Object
	expires time.Time
}

// ObjectCache maps paths to object snapshots. Entries are usable only while
// now < expiry as seen by the injected clock. The LRU is bounded.
type ObjectCache struct {
	ttl   time.Duration
	clock Clock
	lru   *ecache.Cache
}

// NewObjectCache creates an object cache.
func NewObjectCache(cfg Config) *ObjectCache {
	cfg = cfg.withDefaults()
	perBucket := cfg.Capacity / lruBuckets
	if perBucket < 1 {
		perBucket = 1
	}
	if perBucket > 0xffff {
		perBucket = 0xffff
	}
	return &ObjectCache{
		ttl:   cfg.TTL,
		clock: cfg.Clock,
		lru:   ecache.NewLRUCache(lruBuckets, uint16(perBucket), cfg.TTL),
	}
}

// Get returns the unexpired snapshot cached for path.
func (c *ObjectCache) Get(path string) (*models.Object, bool) {
	path = tree.Clean(path)
	v, ok := c.lru.Get(path)
	if ok {
		e := v.(*objectEntry)
		if c.clock.Now().Before(e.expires) {
			metrics.RecordCacheLookup("object", true)
			return e.obj, true
		}
		c.lru.Del(path)
	}
	metrics.RecordCacheLookup("object", false)
	return nil, false
}

// Put stores obj for path with expiry now + TTL.
func (c *ObjectCache) Put(path string, obj *models.Object) {
	c.lru.Put(tree.Clean(path), &objectEntry{obj: obj, expires: c.clock.Now().Add(c.ttl)})
}

// Invalidate removes the entries for path and its parent directory. Siblings
// and descendants are left alone.
func (c *ObjectCache) Invalidate(path string) {
	path = tree.Clean(path)
	c.lru.Del(path)
	c.lru.Del(tree.Dir(path))
}

// InvalidateObject invalidates every path obj is known to be reachable at.
func (c *ObjectCache) InvalidateObject(obj *models.Object) {
	if obj == nil {
		return
	}
	for _, p := range obj.Paths {
		c.Invalidate(p)
	}
}
