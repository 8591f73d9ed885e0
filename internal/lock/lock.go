// Package lock provides lease-based mutual exclusion keyed by resource.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/clausewatch/internal/cache"
)

var (
	// ErrLocked is returned in fail-fast mode when the key is held.
	ErrLocked = errors.New("resource locked")
	// ErrLeaseLost cancels a body whose lease could not be extended.
	ErrLeaseLost = errors.New("lock lease lost")
)

type Mode string

const (
	// ModeQueue polls until the key is released.
	ModeQueue Mode = "queue"
	// ModeFailFast returns ErrLocked immediately.
	ModeFailFast Mode = "failfast"
)

const (
	DefaultLease        = 30 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
)

// Lease describes the live holder of a key.
type Lease struct {
	Key        string
	Holder     uuid.UUID
	AcquiredAt time.Time
}

// Backend stores leases. A holder token is opaque to the backend; it only
// compares tokens for equality.
type Backend interface {
	TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
	Holder(ctx context.Context, key string) (string, bool, error)
}

type Config struct {
	Mode         Mode
	Lease        time.Duration
	PollInterval time.Duration
}

// Locker runs bodies under exclusive leases.
type Locker struct {
	backend Backend
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
}

func NewLocker(backend Backend, cfg Config) *Locker {
	if cfg.Mode == "" {
		cfg.Mode = ModeQueue
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Locker{backend: backend, cfg: cfg, now: time.Now, logger: slog.Default()}
}

func (l *Locker) Mode() Mode {
	return l.cfg.Mode
}

func (l *Locker) PollInterval() time.Duration {
	return l.cfg.PollInterval
}

// WithLock runs body while holding the lease on key. The lease is extended
// every third of its duration and released on every exit path. If an
// extension fails the context passed to body is cancelled with ErrLeaseLost.
func (l *Locker) WithLock(ctx context.Context, jobID uuid.UUID, key cache.Key, body func(ctx context.Context) error) error {
	name := lockName(key)
	token := encodeToken(jobID, l.now())

	if err := l.acquire(ctx, name, token); err != nil {
		return err
	}
	defer func() {
		// The job context may already be done; release on a fresh one.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := l.backend.Release(releaseCtx, name, token); err != nil {
			l.logger.Warn("lock release failed", "key", name, "job_id", jobID, "error", err)
		}
	}()

	bodyCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	go l.renew(bodyCtx, cancel, name, token, done)
	err := body(bodyCtx)
	close(done)

	if err != nil && errors.Is(context.Cause(bodyCtx), ErrLeaseLost) {
		return fmt.Errorf("%w: %w", ErrLeaseLost, err)
	}
	return err
}

// Holder reports the live lease on key, if any.
func (l *Locker) Holder(ctx context.Context, key cache.Key) (Lease, bool, error) {
	name := lockName(key)
	token, ok, err := l.backend.Holder(ctx, name)
	if err != nil || !ok {
		return Lease{}, ok, err
	}
	holder, acquiredAt, err := decodeToken(token)
	if err != nil {
		return Lease{}, false, err
	}
	return Lease{Key: name, Holder: holder, AcquiredAt: acquiredAt}, true, nil
}

func (l *Locker) acquire(ctx context.Context, name, token string) error {
	for {
		ok, err := l.backend.TryAcquire(ctx, name, token, l.cfg.Lease)
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if ok {
			return nil
		}
		if l.cfg.Mode == ModeFailFast {
			return ErrLocked
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.PollInterval):
		}
	}
}

func (l *Locker) renew(ctx context.Context, cancel context.CancelCauseFunc, name, token string, done <-chan struct{}) {
	ticker := time.NewTicker(l.cfg.Lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.backend.Extend(ctx, name, token, l.cfg.Lease)
			if err != nil || !ok {
				l.logger.Warn("lock lease lost", "key", name, "error", err)
				cancel(ErrLeaseLost)
				return
			}
		}
	}
}

func lockName(key cache.Key) string {
	return "lock:" + key.String()
}

func encodeToken(jobID uuid.UUID, at time.Time) string {
	return jobID.String() + "|" + strconv.FormatInt(at.UnixNano(), 10)
}

func decodeToken(token string) (uuid.UUID, time.Time, error) {
	id, nanos, ok := strings.Cut(token, "|")
	if !ok {
		return uuid.Nil, time.Time{}, fmt.Errorf("malformed lock token %q", token)
	}
	holder, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, time.Time{}, fmt.Errorf("malformed lock holder: %w", err)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return uuid.Nil, time.Time{}, fmt.Errorf("malformed lock timestamp: %w", err)
	}
	return holder, time.Unix(0, n), nil
}
