package lock

import (
	"context"
	"sync"
	"time"
)

type memoryLease struct {
	token     string
	expiresAt time.Time
}

// MemoryBackend keeps leases in process memory.
type MemoryBackend struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{leases: make(map[string]memoryLease), now: time.Now}
}

// WithClock replaces the clock used for lease expiry.
func (b *MemoryBackend) WithClock(now func() time.Time) *MemoryBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	return b
}

func (b *MemoryBackend) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, held := b.live(key); held {
		return false, nil
	}
	b.leases[key] = memoryLease{token: token, expiresAt: b.now().Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, held := b.live(key)
	if !held || l.token != token {
		return false, nil
	}
	l.expiresAt = b.now().Add(ttl)
	b.leases[key] = l
	return true, nil
}

func (b *MemoryBackend) Release(ctx context.Context, key, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, held := b.live(key); held && l.token == token {
		delete(b.leases, key)
	}
	return nil
}

func (b *MemoryBackend) Holder(ctx context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, held := b.live(key)
	return l.token, held, nil
}

// live must be called with mu held.
func (b *MemoryBackend) live(key string) (memoryLease, bool) {
	l, ok := b.leases[key]
	if !ok {
		return memoryLease{}, false
	}
	if !b.now().Before(l.expiresAt) {
		delete(b.leases, key)
		return memoryLease{}, false
	}
	return l, true
}
