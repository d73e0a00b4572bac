package router

import (
	"sync"
	"sync/atomic"

	"github.com/sureshkrishnan-v/signalbus/internal/signal"
)

// Cache is a process-wide keyed slot for built tries.
//
// Reads load an immutable map snapshot without locking. Writes copy the
// map under a mutex; they are expected to be rare.
type Cache struct {
	mu    sync.Mutex
	slots atomic.Pointer[map[string]*Trie]
}

// DefaultCache is shared by every bus that enables route caching.
var DefaultCache = NewCache()

// NewCache creates an empty cache.
func NewCache() *Cache {
	c := &Cache{}
	empty := make(map[string]*Trie)
	c.slots.Store(&empty)
	return c
}

// Put stores a clone of t under key.
func (c *Cache) Put(key string, t *Trie) {
	snapshot := t.Clone()
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := *c.slots.Load()
	next := make(map[string]*Trie, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[key] = snapshot
	c.slots.Store(&next)
}

// Get returns the cached trie. Callers must not mutate it.
func (c *Cache) Get(key string) (*Trie, bool) {
	t, ok := (*c.slots.Load())[key]
	return t, ok
}

// Delete drops key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := *c.slots.Load()
	if _, ok := cur[key]; !ok {
		return
	}
	next := make(map[string]*Trie, len(cur))
	for k, v := range cur {
		if k != key {
			next[k] = v
		}
	}
	c.slots.Store(&next)
}

// Cached reports whether key holds a trie.
func (c *Cache) Cached(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Route matches sig against the trie cached under key. An unknown key
// yields ErrNoHandlers.
func (c *Cache) Route(key string, sig *signal.Signal) ([]Entry, error) {
	t, ok := c.Get(key)
	if !ok {
		return nil, ErrNoHandlers
	}
	return t.Route(sig)
}
