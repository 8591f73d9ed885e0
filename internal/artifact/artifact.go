// Package artifact stores derived documents and issues in the cache and
// applies the staleness rule on read.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kiranshivaraju/clausewatch/internal/cache"
	"github.com/kiranshivaraju/clausewatch/internal/metrics"
	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

// ErrNotFound is returned when an issue is not cached.
var ErrNotFound = errors.New("artifact not found")

// Documents caches extracted and translated documents under policy keys.
type Documents struct {
	cache cache.Cache
}

func NewDocuments(c cache.Cache) *Documents {
	return &Documents{cache: c}
}

// Lookup returns the document under key unless it is missing or older than
// modifiedAt. A stale entry is deleted before Lookup reports the miss.
func (d *Documents) Lookup(ctx context.Context, key cache.Key, modifiedAt time.Time) (models.Document, bool, error) {
	data, found, err := d.cache.Get(ctx, key)
	if err != nil {
		return models.Document{}, false, fmt.Errorf("reading %s: %w", key, err)
	}
	if !found {
		metrics.CacheLookups.WithLabelValues(metrics.LookupMiss).Inc()
		return models.Document{}, false, nil
	}

	var doc models.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		// An undecodable entry is treated like a stale one.
		doc = models.Document{}
	} else if !doc.StaleAt(modifiedAt) {
		metrics.CacheLookups.WithLabelValues(metrics.LookupHit).Inc()
		return doc, true, nil
	}

	metrics.CacheLookups.WithLabelValues(metrics.LookupStale).Inc()
	if err := d.cache.Delete(ctx, key); err != nil {
		return models.Document{}, false, fmt.Errorf("evicting %s: %w", key, err)
	}
	return models.Document{}, false, nil
}

func (d *Documents) Put(ctx context.Context, key cache.Key, doc models.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := d.cache.Set(ctx, key, data, 0); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func (d *Documents) Delete(ctx context.Context, key cache.Key) error {
	return d.cache.Delete(ctx, key)
}

// Issues caches the issue set of each page, one entry per issue.
type Issues struct {
	cache cache.Cache
}

func NewIssues(c cache.Cache) *Issues {
	return &Issues{cache: c}
}

// List returns every issue of scope in creation order.
func (s *Issues) List(ctx context.Context, scope string) ([]models.Issue, error) {
	keys, err := cache.ScanAll(ctx, s.cache, cache.IssuesPrefix(scope))
	if err != nil {
		return nil, fmt.Errorf("listing issues of %s: %w", scope, err)
	}
	// Issue ids are time ordered, so key order is creation order.
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	issues := make([]models.Issue, 0, len(keys))
	for _, k := range keys {
		data, found, err := s.cache.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", k, err)
		}
		if !found {
			continue
		}
		var issue models.Issue
		if err := json.Unmarshal(data, &issue); err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

func (s *Issues) Get(ctx context.Context, scope, id string) (models.Issue, error) {
	key := cache.IssueKey(scope, id)
	data, found, err := s.cache.Get(ctx, key)
	if err != nil {
		return models.Issue{}, fmt.Errorf("reading %s: %w", key, err)
	}
	if !found {
		return models.Issue{}, fmt.Errorf("%w: issue %s", ErrNotFound, id)
	}
	var issue models.Issue
	if err := json.Unmarshal(data, &issue); err != nil {
		return models.Issue{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return issue, nil
}

func (s *Issues) Put(ctx context.Context, scope string, issue models.Issue) error {
	data, err := json.Marshal(issue)
	if err != nil {
		return fmt.Errorf("encode issue: %w", err)
	}
	key := cache.IssueKey(scope, issue.ID)
	if err := s.cache.Set(ctx, key, data, 0); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func (s *Issues) Delete(ctx context.Context, scope, id string) error {
	return s.cache.Delete(ctx, cache.IssueKey(scope, id))
}

// Replace swaps the issue set of scope for issues in one cache
// transaction, so a failed write leaves the previous set in place.
func (s *Issues) Replace(ctx context.Context, scope string, issues []models.Issue) error {
	entries := make([]cache.Entry, 0, len(issues))
	for _, issue := range issues {
		data, err := json.Marshal(issue)
		if err != nil {
			return fmt.Errorf("encode issue %s: %w", issue.ID, err)
		}
		entries = append(entries, cache.Entry{Key: cache.IssueKey(scope, issue.ID), Value: data})
	}
	if err := s.cache.Replace(ctx, cache.IssuesPrefix(scope), entries, 0); err != nil {
		return fmt.Errorf("replacing issues of %s: %w", scope, err)
	}
	return nil
}

// Clear deletes every issue of scope and returns how many were removed.
func (s *Issues) Clear(ctx context.Context, scope string) (int, error) {
	keys, err := cache.ScanAll(ctx, s.cache, cache.IssuesPrefix(scope))
	if err != nil {
		return 0, fmt.Errorf("listing issues of %s: %w", scope, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		return 0, fmt.Errorf("clearing issues of %s: %w", scope, err)
	}
	return len(keys), nil
}
