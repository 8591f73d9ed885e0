package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultScanCount is the page size hint used by ScanAll.
const DefaultScanCount = 100

// maxUpdateAttempts bounds optimistic retries of Update under contention.
const maxUpdateAttempts = 16

// ErrContention is returned when Update keeps losing to concurrent writers.
var ErrContention = errors.New("cache entry contended")

// UpdateFunc computes the next value of an entry from its current one. An
// error aborts the update and is returned unchanged.
type UpdateFunc func(current []byte, found bool) ([]byte, error)

// Entry is one key/value pair written by Replace.
type Entry struct {
	Key   Key
	Value []byte
}

// Page is one batch of a prefix scan. An empty Next means the scan is complete.
type Page struct {
	Keys []Key
	Next string
}

// Cache is the key/value interface behind the cache layer, the status store
// and the rate limiter. Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key Key) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...Key) error
	// Scan lists keys strictly below prefix. Pass an empty cursor to start.
	// A key may be reported more than once across pages.
	Scan(ctx context.Context, prefix Key, cursor string, count int) (Page, error)
	Ping(ctx context.Context) error
	IncrWithExpiry(ctx context.Context, key Key, expiry time.Duration) (int64, error)
	// Update writes fn's result only if key did not change while fn ran.
	Update(ctx context.Context, key Key, ttl time.Duration, fn UpdateFunc) error
	// Replace deletes every key below prefix and writes entries in one
	// transaction: readers see the old set or the new one, never a mix.
	Replace(ctx context.Context, prefix Key, entries []Entry, ttl time.Duration) error
}

// ScanAll walks every page of a prefix scan and returns the distinct keys.
func ScanAll(ctx context.Context, c Cache, prefix Key) ([]Key, error) {
	seen := make(map[string]struct{})
	var keys []Key
	cursor := ""
	for {
		page, err := c.Scan(ctx, prefix, cursor, DefaultScanCount)
		if err != nil {
			return nil, err
		}
		for _, k := range page.Keys {
			s := k.String()
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			keys = append(keys, k)
		}
		if page.Next == "" {
			return keys, nil
		}
		cursor = page.Next
	}
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Client exposes the underlying connection for packages sharing it (lock).
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key.String(), value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	raw := make([]string, len(keys))
	for i, k := range keys {
		raw[i] = k.String()
	}
	return c.client.Del(ctx, raw...).Err()
}

func (c *RedisCache) Scan(ctx context.Context, prefix Key, cursor string, count int) (Page, error) {
	var pos uint64
	if cursor != "" {
		p, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return Page{}, fmt.Errorf("invalid scan cursor %q: %w", cursor, err)
		}
		pos = p
	}
	raw, next, err := c.client.Scan(ctx, pos, globEscape(prefix.Prefix())+"*", int64(count)).Result()
	if err != nil {
		return Page{}, err
	}
	page := Page{Keys: make([]Key, 0, len(raw))}
	for _, r := range raw {
		k, err := ParseKey(r)
		if err != nil {
			continue
		}
		page.Keys = append(page.Keys, k)
	}
	if next != 0 {
		page.Next = strconv.FormatUint(next, 10)
	}
	return page, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key Key, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key.String())
	pipe.Expire(ctx, key.String(), expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Update runs fn inside WATCH/MULTI and retries when another client wrote
// the key in between.
func (c *RedisCache) Update(ctx context.Context, key Key, ttl time.Duration, fn UpdateFunc) error {
	k := key.String()
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, k).Bytes()
		found := true
		if errors.Is(err, redis.Nil) {
			current, found = nil, false
		} else if err != nil {
			return err
		}
		next, err := fn(current, found)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, next, ttl)
			return nil
		})
		return err
	}

	for range maxUpdateAttempts {
		err := c.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s", ErrContention, k)
}

func (c *RedisCache) Replace(ctx context.Context, prefix Key, entries []Entry, ttl time.Duration) error {
	old, err := ScanAll(ctx, c, prefix)
	if err != nil {
		return err
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(old) > 0 {
			raw := make([]string, len(old))
			for i, k := range old {
				raw[i] = k.String()
			}
			pipe.Del(ctx, raw...)
		}
		for _, e := range entries {
			pipe.Set(ctx, e.Key.String(), e.Value, ttl)
		}
		return nil
	})
	return err
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func globEscape(s string) string {
	return globEscaper.Replace(s)
}
