// Package cache wraps freecache for the stats responses and the duplicate
// guard. A disabled cache is a no-op that never hits.
package cache

import (
	"time"
	"unsafe"

	"github.com/coocood/freecache"
)

type Provider interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	// SetIfAbsent stores value unless a live entry exists and reports
	// whether it stored it.
	SetIfAbsent(key string, value []byte, ttl time.Duration) bool
	Del(key string)
}

type Cache struct {
	cache *freecache.Cache
}

// New returns a freecache-backed Provider, or a no-op one when sizeMB <= 0.
func New(sizeMB int) Provider {
	if sizeMB <= 0 {
		return Noop{}
	}
	return &Cache{cache: freecache.NewCache(sizeMB * 1024 * 1024)}
}

// freecache copies keys internally, so the unsafe view is only ever read.
func unsafeStringToBytes(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func seconds(ttl time.Duration) int {
	s := int(ttl / time.Second)
	if ttl%time.Second != 0 {
		s++
	}
	return max(s, 1)
}

func (c *Cache) Get(key string) ([]byte, bool) {
	val, err := c.cache.Get(unsafeStringToBytes(key))
	if err != nil {
		return nil, false
	}
	return val, true
}

func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	_ = c.cache.Set(unsafeStringToBytes(key), value, seconds(ttl))
}

func (c *Cache) SetIfAbsent(key string, value []byte, ttl time.Duration) bool {
	prev, err := c.cache.GetOrSet(unsafeStringToBytes(key), value, seconds(ttl))
	return err == nil && prev == nil
}

func (c *Cache) Del(key string) { c.cache.Del(unsafeStringToBytes(key)) }

// EntryCount reports live entries.
func (c *Cache) EntryCount() int64 { return c.cache.EntryCount() }

type Noop struct{}

func (Noop) Get(string) ([]byte, bool)                      { return nil, false }
func (Noop) Set(string, []byte, time.Duration)              {}
func (Noop) SetIfAbsent(string, []byte, time.Duration) bool { return true }
func (Noop) Del(string)                                     {}
