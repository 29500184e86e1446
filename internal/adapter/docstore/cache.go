package docstore

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/couchcryptid/vxingest/internal/domain"
)

// Backend is the store a CachedStore reads through to.
type Backend interface {
	Get(ctx context.Context, id string) (domain.Document, error)
	Query(ctx context.Context, stmt string, args ...any) ([]domain.Document, error)
	Upsert(ctx context.Context, docs []domain.Document) error
}

// Tier is an optional second cache level shared between workers.
type Tier interface {
	Get(ctx context.Context, id string) (domain.Document, bool, error)
	Set(ctx context.Context, doc domain.Document) error
}

// CachedStore wraps a Backend with an in-memory LRU cache for metadata
// documents (ids starting with "MD:"). Data documents always go to the
// backend. Cached documents are cloned on the way out so callers may
// modify what they get.
type CachedStore struct {
	inner  Backend
	tier   Tier
	cache  *lruCache
	logger *slog.Logger
}

// NewCachedStore creates a cache decorator around a backend. tier may be nil.
func NewCachedStore(inner Backend, tier Tier, maxEntries int, logger *slog.Logger) *CachedStore {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &CachedStore{
		inner:  inner,
		tier:   tier,
		cache:  newLRUCache(maxEntries),
		logger: logger,
	}
}

func cacheable(id string) bool { return strings.HasPrefix(id, "MD:") }

func (c *CachedStore) Get(ctx context.Context, id string) (domain.Document, error) {
	if !cacheable(id) {
		return c.inner.Get(ctx, id)
	}
	if doc, ok := c.cache.get(id); ok {
		return doc.Clone(), nil
	}
	if c.tier != nil {
		doc, ok, err := c.tier.Get(ctx, id)
		if err != nil {
			c.logger.Warn("shared cache read failed", "id", id, "error", err)
		} else if ok {
			c.cache.put(id, doc)
			return doc.Clone(), nil
		}
	}
	doc, err := c.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.put(id, doc.Clone())
	if c.tier != nil {
		if err := c.tier.Set(ctx, doc); err != nil {
			c.logger.Warn("shared cache write failed", "id", id, "error", err)
		}
	}
	return doc, nil
}

func (c *CachedStore) Query(ctx context.Context, stmt string, args ...any) ([]domain.Document, error) {
	return c.inner.Query(ctx, stmt, args...)
}

// Upsert writes through and refreshes cached metadata documents.
func (c *CachedStore) Upsert(ctx context.Context, docs []domain.Document) error {
	if err := c.inner.Upsert(ctx, docs); err != nil {
		return err
	}
	for _, doc := range docs {
		if id := doc.ID(); cacheable(id) && c.cache.contains(id) {
			c.cache.put(id, doc.Clone())
		}
	}
	return nil
}

// lruCache is a simple thread-safe LRU cache for documents.
type lruCache struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[string]*entry
	head       *entry // most recently used
	tail       *entry // least recently used
}

type entry struct {
	key   string
	value domain.Document
	prev  *entry
	next  *entry
}

func newLRUCache(maxEntries int) *lruCache {
	return &lruCache{
		maxEntries: maxEntries,
		entries:    make(map[string]*entry),
	}
}

func (c *lruCache) get(key string) (domain.Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache) contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

func (c *lruCache) put(key string, value domain.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *lruCache) moveToFront(e *entry) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruCache) addToFront(e *entry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}
