package attention

import (
	"sync"
	"time"
)

// cacheKey identifies a memoized assembled context.
type cacheKey struct {
	templateID  string
	agentClass  string
	workOrderID string
	sessionID   string
}

type cacheEntry struct {
	result    AssembledContext
	expiresAt time.Time
}

// Cache memoizes AssembledContext by (template_id, agent_class,
// work_order_id, session_id) for a configured TTL.
type Cache struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[cacheKey]cacheEntry
	clock func() time.Time
}

// NewCache builds a cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, items: make(map[cacheKey]cacheEntry), clock: time.Now}
}

func (c *Cache) key(templateID string, req Request) cacheKey {
	return cacheKey{templateID: templateID, agentClass: req.AgentClass, workOrderID: req.WorkOrderID, sessionID: req.SessionID}
}

// Get returns a cached result if present and unexpired.
func (c *Cache) Get(templateID string, req Request) (AssembledContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.items[c.key(templateID, req)]
	if !ok || c.clock().After(entry.expiresAt) {
		return AssembledContext{}, false
	}
	return entry.result, true
}

// Set stores a result under the cache key, expiring after the TTL.
func (c *Cache) Set(templateID string, req Request, result AssembledContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[c.key(templateID, req)] = cacheEntry{result: result, expiresAt: c.clock().Add(c.ttl)}
}
