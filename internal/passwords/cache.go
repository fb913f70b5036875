package passwords

import "sync"

// Cache holds unlocked passwords by identity context for the lifetime of the
// process. Entries must never be logged or persisted.
type Cache interface {
	Get(context string) (string, bool)
	Set(context, password string)
	Clear(context string)
	ClearAll()
}

// MemoryCache is a Cache backed by sync.Map. Reads take no lock, and ClearAll
// does not disturb callers still holding a value they read before it.
type MemoryCache struct {
	entries sync.Map
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) Get(context string) (string, bool) {
	v, ok := c.entries.Load(context)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (c *MemoryCache) Set(context, password string) {
	if context == "" {
		return
	}
	c.entries.Store(context, password)
}

func (c *MemoryCache) Clear(context string) {
	c.entries.Delete(context)
}

func (c *MemoryCache) ClearAll() {
	c.entries.Clear()
}

// Len reports the number of unlocked contexts.
func (c *MemoryCache) Len() int {
	n := 0
	c.entries.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
