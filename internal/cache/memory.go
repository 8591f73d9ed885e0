package cache

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-process Cache for tests and single-node runs.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// WithClock replaces the clock used for expiry.
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

func (c *MemoryCache) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (c *MemoryCache) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key.String(), value, ttl)
	return nil
}

func (c *MemoryCache) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live(key.String())
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (c *MemoryCache) Delete(ctx context.Context, keys ...Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k.String())
	}
	return nil
}

// Scan returns keys in lexical order; the cursor is the last key returned.
func (c *MemoryCache) Scan(ctx context.Context, prefix Key, cursor string, count int) (Page, error) {
	if count <= 0 {
		count = DefaultScanCount
	}
	c.mu.Lock()
	p := prefix.Prefix()
	var matched []string
	for k := range c.entries {
		if _, ok := c.live(k); !ok {
			continue
		}
		if strings.HasPrefix(k, p) && k > cursor {
			matched = append(matched, k)
		}
	}
	c.mu.Unlock()

	sort.Strings(matched)
	page := Page{}
	if len(matched) > count {
		matched = matched[:count]
		page.Next = matched[count-1]
	}
	for _, m := range matched {
		k, err := ParseKey(m)
		if err != nil {
			continue
		}
		page.Keys = append(page.Keys, k)
	}
	return page, nil
}

func (c *MemoryCache) IncrWithExpiry(ctx context.Context, key Key, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	if e, ok := c.live(key.String()); ok {
		n = decodeCounter(e.value)
	}
	n++
	c.entries[key.String()] = memoryEntry{value: encodeCounter(n), expiresAt: c.now().Add(expiry)}
	return n, nil
}

func (c *MemoryCache) Update(ctx context.Context, key Key, ttl time.Duration, fn UpdateFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var (
		current []byte
		found   bool
	)
	if e, ok := c.live(key.String()); ok {
		current, found = append([]byte(nil), e.value...), true
	}
	next, err := fn(current, found)
	if err != nil {
		return err
	}
	c.setLocked(key.String(), next, ttl)
	return nil
}

func (c *MemoryCache) Replace(ctx context.Context, prefix Key, entries []Entry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := prefix.Prefix()
	for k := range c.entries {
		if strings.HasPrefix(k, p) {
			delete(c.entries, k)
		}
	}
	for _, e := range entries {
		c.setLocked(e.Key.String(), e.Value, ttl)
	}
	return nil
}

func (c *MemoryCache) setLocked(k string, value []byte, ttl time.Duration) {
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.entries[k] = e
}

// live must be called with mu held. Expired entries are dropped.
func (c *MemoryCache) live(k string) (memoryEntry, bool) {
	e, ok := c.entries[k]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.entries, k)
		return memoryEntry{}, false
	}
	return e, true
}

func encodeCounter(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10))
}

func decodeCounter(b []byte) int64 {
	n, _ := strconv.ParseInt(string(b), 10, 64)
	return n
}
