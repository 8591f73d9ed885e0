// Package purge removes cached artifacts whose page or attachment has been
// deleted from the content store.
package purge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/clausewatch/internal/cache"
	"github.com/kiranshivaraju/clausewatch/internal/content"
	"github.com/kiranshivaraju/clausewatch/internal/metrics"
)

// DefaultMinInterval is the shortest time between two sweeps.
const DefaultMinInterval = time.Minute

// Sweeper runs sweeps in the background when triggered. Triggers only mark
// the cache dirty; sweeps run at most once per minimum interval.
type Sweeper struct {
	cache       cache.Cache
	content     content.Store
	minInterval time.Duration
	logger      *slog.Logger

	dirty atomic.Bool
	wake  chan struct{}

	mu      sync.Mutex
	lastRun time.Time
}

func NewSweeper(c cache.Cache, store content.Store, minInterval time.Duration) *Sweeper {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Sweeper{
		cache:       c,
		content:     store,
		minInterval: minInterval,
		logger:      slog.Default().With("component", "purge"),
		wake:        make(chan struct{}, 1),
	}
}

// Trigger marks the cache dirty and wakes the sweeper. It never blocks.
func (s *Sweeper) Trigger() {
	s.dirty.Store(true)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run sweeps whenever the cache is dirty, no more often than the minimum
// interval, until ctx is cancelled. Sweep failures are logged and dropped.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		s.mu.Lock()
		wait := s.minInterval - time.Since(s.lastRun)
		s.mu.Unlock()
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}

		if !s.dirty.Swap(false) {
			continue
		}
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "error", err)
		}
	}
}

// Sweep deletes every derived document and issue whose owning resource no
// longer exists and returns how many entries it removed. Documents are owned
// by their attachment, or by the page for body documents; issues are owned by
// their page. Owners whose existence cannot be checked are left alone.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()
	metrics.PurgeRuns.Inc()

	groups := make(map[string][]cache.Key)
	for _, ns := range []string{cache.NamespacePolicy, cache.NamespaceIssue} {
		keys, err := cache.ScanAll(ctx, s.cache, cache.NewKey(ns))
		if err != nil {
			return 0, fmt.Errorf("scanning %s entries: %w", ns, err)
		}
		for _, k := range keys {
			if owner, ok := owner(k); ok {
				groups[owner] = append(groups[owner], k)
			}
		}
	}

	removed := 0
	for id, keys := range groups {
		exists, err := s.content.Exists(ctx, id)
		if err != nil {
			s.logger.Warn("existence check failed", "resource", id, "error", err)
			continue
		}
		if exists {
			continue
		}
		if err := s.cache.Delete(ctx, keys...); err != nil {
			return removed, fmt.Errorf("deleting entries of %s: %w", id, err)
		}
		removed += len(keys)
		s.logger.Info("purged entries of deleted resource", "resource", id, "entries", len(keys))
	}

	metrics.PurgedEntries.Add(float64(removed))
	return removed, nil
}

// owner returns the content store id a cache entry derives from.
func owner(k cache.Key) (string, bool) {
	if k.Len() < 3 {
		return "", false
	}
	scope, id := k.Segment(1), k.Segment(2)
	switch k.Segment(0) {
	case cache.NamespacePolicy:
		if id == "" {
			return scope, scope != ""
		}
		return id, true
	case cache.NamespaceIssue:
		return scope, scope != ""
	}
	return "", false
}
