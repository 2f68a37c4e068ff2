package geo

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"proxypool_nexus/proxypool/model"
)

type cacheEntry struct {
	loc       model.Location
	expiresAt time.Time
}

// Cache 是带过期时间的 IP -> Location 缓存，容量受 LRU 限制。
// 它有自己的锁，与 Store 的串行化完全无关。
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache
	now func() time.Time
}

// NewCache returns a cache holding at most size entries.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = 10000
	}
	return &Cache{lru: lru.New(size), now: time.Now}
}

// Get 返回未过期的缓存项；过期项会被顺带删除。
func (c *Cache) Get(ip string) (model.Location, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Get(ip)
	if !ok {
		return model.Location{}, false
	}
	entry := v.(cacheEntry)
	if !c.now().Before(entry.expiresAt) {
		c.lru.Remove(ip)
		return model.Location{}, false
	}
	return entry.loc, true
}

func (c *Cache) Set(ip string, loc model.Location, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(ip, cacheEntry{loc: loc, expiresAt: c.now().Add(ttl)})
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
