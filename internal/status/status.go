// Package status stores the live progress of jobs.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/clausewatch/internal/cache"
	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

// ErrNotFound means the job is unknown or its terminal status was consumed.
var ErrNotFound = errors.New("job not found")

// ErrTerminal is returned when a write would follow a terminal status,
// including one that was already consumed or expired.
var ErrTerminal = errors.New("job already terminal")

// DefaultTTL bounds how long a never-polled job lingers.
const DefaultTTL = 24 * time.Hour

// Store maps job ids to their current status. Put creates an entry; workers
// move it forward with Advance, which never writes past a terminal status.
type Store struct {
	cache cache.Cache
	ttl   time.Duration
}

func NewStore(c cache.Cache, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{cache: c, ttl: ttl}
}

func (s *Store) Put(ctx context.Context, jobID uuid.UUID, st models.Status) error {
	if err := st.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := s.cache.Set(ctx, cache.TaskKey(jobID), data, s.ttl); err != nil {
		return fmt.Errorf("put status: %w", err)
	}
	return nil
}

// Advance replaces the status of an existing, non-terminal job. It fails
// with ErrTerminal when the entry is terminal or gone, so a late delivery
// can neither resurrect a consumed job nor overwrite its outcome.
func (s *Store) Advance(ctx context.Context, jobID uuid.UUID, st models.Status) error {
	if err := st.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	err = s.cache.Update(ctx, cache.TaskKey(jobID), s.ttl, func(current []byte, found bool) ([]byte, error) {
		if !found {
			return nil, fmt.Errorf("%w: status of %s is gone", ErrTerminal, jobID)
		}
		var prev models.Status
		if err := json.Unmarshal(current, &prev); err != nil {
			return nil, fmt.Errorf("decode status: %w", err)
		}
		if prev.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, jobID, prev.Kind)
		}
		return data, nil
	})
	if err != nil && !errors.Is(err, ErrTerminal) {
		return fmt.Errorf("advance status: %w", err)
	}
	return err
}

func (s *Store) Get(ctx context.Context, jobID uuid.UUID) (models.Status, error) {
	data, found, err := s.cache.Get(ctx, cache.TaskKey(jobID))
	if err != nil {
		return models.Status{}, fmt.Errorf("get status: %w", err)
	}
	if !found {
		return models.Status{}, ErrNotFound
	}
	var st models.Status
	if err := json.Unmarshal(data, &st); err != nil {
		return models.Status{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func (s *Store) Delete(ctx context.Context, jobID uuid.UUID) error {
	if err := s.cache.Delete(ctx, cache.TaskKey(jobID)); err != nil {
		return fmt.Errorf("delete status: %w", err)
	}
	return nil
}

// Consume returns the current status and deletes it when terminal, so a
// terminal status is observed by exactly one reader.
func (s *Store) Consume(ctx context.Context, jobID uuid.UUID) (models.Status, error) {
	st, err := s.Get(ctx, jobID)
	if err != nil {
		return models.Status{}, err
	}
	if st.Terminal() {
		if err := s.Delete(ctx, jobID); err != nil {
			return models.Status{}, err
		}
	}
	return st, nil
}

// Reporter is the single writer of one job's status. Once it has written a
// terminal status every further write fails with ErrTerminal.
type Reporter struct {
	store *Store
	jobID uuid.UUID

	mu       sync.Mutex
	last     models.Status
	terminal bool
}

func NewReporter(store *Store, jobID uuid.UUID) *Reporter {
	return &Reporter{store: store, jobID: jobID}
}

func (r *Reporter) JobID() uuid.UUID {
	return r.jobID
}

// Report records a progress activity.
func (r *Reporter) Report(ctx context.Context, a models.Activity) error {
	return r.write(ctx, models.InProgress(a))
}

// Succeed records the terminal result.
func (r *Reporter) Succeed(ctx context.Context, v any) error {
	st, err := models.Succeeded(v)
	if err != nil {
		return r.Fail(ctx, models.Trace{Code: models.CodeInternal, Text: err.Error()})
	}
	return r.write(ctx, st)
}

// Fail records the terminal trace.
func (r *Reporter) Fail(ctx context.Context, t models.Trace) error {
	return r.write(ctx, models.Failed(t))
}

// Last returns the most recent status written through r.
func (r *Reporter) Last() models.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Reporter) write(ctx context.Context, st models.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return ErrTerminal
	}
	if err := r.store.Advance(ctx, r.jobID, st); err != nil {
		if errors.Is(err, ErrTerminal) {
			r.terminal = true
		}
		return err
	}
	r.last = st
	r.terminal = st.Terminal()
	return nil
}
