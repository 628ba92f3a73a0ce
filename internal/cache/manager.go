package cache

import (
	"container/list"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Definition declares one named cache with its TTL and soft capacity.
type Definition struct {
	Name     string
	TTL      time.Duration
	Capacity int
}

// Stats is a point-in-time snapshot of one named cache for introspection.
type Stats struct {
	Size     int           `json:"size"`
	Capacity int           `json:"capacity"`
	TTL      time.Duration `json:"ttl"`
}

// Manager owns a fixed set of named TTL caches. Entries expire lazily on read
// and the oldest insertion is evicted when a cache is at capacity. Reads and
// writes from HTTP handlers and the event-stream dispatch loop may interleave
// freely; all methods are safe for concurrent use.
//
// Cache problems never surface as errors: an unknown cache or key reads as
// absent, and writes to unknown caches are dropped. Both are logged so typos
// stay observable.
type Manager struct {
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	caches map[string]*namedCache
}

type namedCache struct {
	ttl      time.Duration
	capacity int
	entries  map[string]*entry
	order    *list.List // of keys, oldest insertion first
}

type entry struct {
	value      any
	insertedAt time.Time
	elem       *list.Element
}

// New builds a manager holding the given named caches.
func New(logger *slog.Logger, defs []Definition) *Manager {
	m := &Manager{
		logger: logger.With(slog.String("agent", "cache")),
		now:    time.Now,
		caches: make(map[string]*namedCache, len(defs)),
	}
	for _, def := range defs {
		m.caches[def.Name] = &namedCache{
			ttl:      def.TTL,
			capacity: def.Capacity,
			entries:  make(map[string]*entry),
			order:    list.New(),
		}
	}
	return m
}

// Get returns the value stored under key, or absent when the cache is unknown,
// the key is missing, or the entry has outlived the cache's TTL. Expired
// entries are removed on the spot.
func (m *Manager) Get(cacheName, key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.caches[cacheName]
	if !ok {
		m.logger.Warn("cache not found", slog.String("cache", cacheName))
		return nil, false
	}
	e, ok := c.entries[key]
	if !ok {
		m.logger.Debug("cache miss", slog.String("cache", cacheName), slog.String("key", key))
		return nil, false
	}
	if m.now().Sub(e.insertedAt) > c.ttl {
		c.remove(key, e)
		m.logger.Debug("cache entry expired", slog.String("cache", cacheName), slog.String("key", key))
		return nil, false
	}
	m.logger.Debug("cache hit", slog.String("cache", cacheName), slog.String("key", key))
	return e.value, true
}

// Set inserts or overwrites an entry. Writes to unknown caches are dropped;
// the returned bool reports whether the value was stored. When the cache is at
// capacity the oldest-inserted entry is evicted first. Overwriting a key
// refreshes its insertion position; reads never do.
func (m *Manager) Set(cacheName, key string, value any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.caches[cacheName]
	if !ok {
		m.logger.Warn("cache not found", slog.String("cache", cacheName))
		return false
	}
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.insertedAt = m.now()
		c.order.MoveToBack(e.elem)
		return true
	}
	if c.order.Len() >= c.capacity {
		oldest := c.order.Front()
		if oldest != nil {
			evicted := oldest.Value.(string)
			c.remove(evicted, c.entries[evicted])
			m.logger.Debug("cache entry evicted", slog.String("cache", cacheName), slog.String("key", evicted))
		}
	}
	c.entries[key] = &entry{
		value:      value,
		insertedAt: m.now(),
		elem:       c.order.PushBack(key),
	}
	return true
}

// Delete removes one entry and reports whether it existed.
func (m *Manager) Delete(cacheName, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.caches[cacheName]
	if !ok {
		return false
	}
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.remove(key, e)
	m.logger.Debug("cache entry deleted", slog.String("cache", cacheName), slog.String("key", key))
	return true
}

// InvalidatePattern removes every key containing the given substring and
// returns how many entries were dropped. Containment is deliberately loose so
// one entity change can cascade to every cached view mentioning its domain.
func (m *Manager) InvalidatePattern(cacheName, pattern string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.caches[cacheName]
	if !ok {
		return 0
	}
	var count int
	for key, e := range c.entries {
		if strings.Contains(key, pattern) {
			c.remove(key, e)
			count++
		}
	}
	if count > 0 {
		m.logger.Info("cache pattern invalidated",
			slog.String("cache", cacheName),
			slog.String("pattern", pattern),
			slog.Int("count", count))
	}
	return count
}

// Clear empties one named cache.
func (m *Manager) Clear(cacheName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.caches[cacheName]
	if !ok {
		m.logger.Warn("cache not found", slog.String("cache", cacheName))
		return
	}
	c.entries = make(map[string]*entry)
	c.order.Init()
	m.logger.Info("cache cleared", slog.String("cache", cacheName))
}

// ClearAll empties every named cache.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.caches {
		c.entries = make(map[string]*entry)
		c.order.Init()
	}
	m.logger.Info("all caches cleared")
}

// Stats returns a snapshot of every named cache.
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make(map[string]Stats, len(m.caches))
	for name, c := range m.caches {
		stats[name] = Stats{
			Size:     len(c.entries),
			Capacity: c.capacity,
			TTL:      c.ttl,
		}
	}
	return stats
}

func (c *namedCache) remove(key string, e *entry) {
	if e == nil {
		delete(c.entries, key)
		return
	}
	c.order.Remove(e.elem)
	delete(c.entries, key)
}
