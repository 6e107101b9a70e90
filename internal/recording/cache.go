package recording

import "sync"

// Cache holds at most one loaded recording, keyed by scenario.
//
// The cache is an explicit value rather than package state so that tests
// and multiple sessions can each own one. Entries are replaced only by a
// successful load of a different scenario; failed loads leave it alone.
type Cache struct {
	mu       sync.RWMutex
	scenario string
	rec      *Recording
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Get returns the cached recording if it was loaded for scenario.
func (c *Cache) Get(scenario string) (*Recording, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rec == nil || c.scenario != scenario {
		return nil, false
	}
	return c.rec, true
}

// Set replaces the cached entry.
func (c *Cache) Set(scenario string, rec *Recording) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scenario = scenario
	c.rec = rec
}

// Invalidate drops the cached entry.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scenario = ""
	c.rec = nil
}

// Scenario returns the key of the cached entry, or "" when empty.
func (c *Cache) Scenario() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scenario
}
