package content

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

type memoryAttachment struct {
	resource models.Resource
	data     []byte
}

type memoryPage struct {
	body        models.Body
	attachments map[string]*memoryAttachment
}

// MemoryStore is an in-process Store for tests and local runs. Body versions
// are decimal counters.
type MemoryStore struct {
	mu    sync.Mutex
	pages map[string]*memoryPage
	index map[string]string
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pages: make(map[string]*memoryPage),
		index: make(map[string]string),
		now:   time.Now,
	}
}

// WithClock replaces the clock used for modification times.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// PutPage creates or replaces a page body.
func (s *MemoryStore) PutPage(pageID, title, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.page(pageID)
	version := 1
	if v, err := strconv.Atoi(p.body.Version); err == nil {
		version = v + 1
	}
	p.body = models.Body{ParentID: pageID, Title: title, Content: content, Version: strconv.Itoa(version), ModifiedAt: s.now()}
}

// PutAttachment creates or replaces an attachment; its modification time
// becomes now.
func (s *MemoryStore) PutAttachment(pageID, id, title, mediaType string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.page(pageID)
	p.attachments[id] = &memoryAttachment{
		resource: models.Resource{ID: id, ParentID: pageID, Title: title, MediaType: mediaType, ModifiedAt: s.now()},
		data:     append([]byte(nil), data...),
	}
	s.index[id] = pageID
}

// Touch advances an attachment's modification time without changing it.
func (s *MemoryStore) Touch(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.attachment(id); a != nil {
		a.resource.ModifiedAt = at
	}
}

func (s *MemoryStore) DeleteAttachment(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pageID, ok := s.index[id]; ok {
		delete(s.pages[pageID].attachments, id)
		delete(s.index, id)
	}
}

// DeletePage removes a page and all its attachments.
func (s *MemoryStore) DeletePage(pageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pages[pageID]; ok {
		for id := range p.attachments {
			delete(s.index, id)
		}
		delete(s.pages, pageID)
	}
}

func (s *MemoryStore) ListResources(ctx context.Context, parentID string, mediaTypes ...string) ([]models.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[parentID]
	if !ok {
		return nil, fmt.Errorf("%w: page %s", ErrNotFound, parentID)
	}
	var out []models.Resource
	for _, a := range p.attachments {
		if MatchMediaType(a.resource.MediaType, mediaTypes) {
			out = append(out, a.resource)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetResource(ctx context.Context, id string) (models.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.attachment(id)
	if a == nil {
		return models.Resource{}, fmt.Errorf("%w: resource %s", ErrNotFound, id)
	}
	return a.resource, nil
}

func (s *MemoryStore) FetchBytes(ctx context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.attachment(id)
	if a == nil {
		return nil, fmt.Errorf("%w: resource %s", ErrNotFound, id)
	}
	return append([]byte(nil), a.data...), nil
}

func (s *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[id]; ok {
		return true, nil
	}
	return s.attachment(id) != nil, nil
}

func (s *MemoryStore) GetBody(ctx context.Context, parentID string) (models.Body, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[parentID]
	if !ok {
		return models.Body{}, fmt.Errorf("%w: page %s", ErrNotFound, parentID)
	}
	return p.body, nil
}

func (s *MemoryStore) PutBody(ctx context.Context, body models.Body, expectedVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[body.ParentID]
	if !ok {
		return fmt.Errorf("%w: page %s", ErrNotFound, body.ParentID)
	}
	if expectedVersion != "" && strings.TrimSpace(expectedVersion) != p.body.Version {
		return fmt.Errorf("%w: page %s is at version %s", ErrConflict, body.ParentID, p.body.Version)
	}
	version, _ := strconv.Atoi(p.body.Version)
	title := body.Title
	if title == "" {
		title = p.body.Title
	}
	p.body = models.Body{
		ParentID:   body.ParentID,
		Title:      title,
		Content:    body.Content,
		Version:    strconv.Itoa(version + 1),
		ModifiedAt: s.now(),
	}
	return nil
}

// page must be called with mu held.
func (s *MemoryStore) page(pageID string) *memoryPage {
	p, ok := s.pages[pageID]
	if !ok {
		p = &memoryPage{attachments: make(map[string]*memoryAttachment)}
		s.pages[pageID] = p
	}
	return p
}

// attachment must be called with mu held.
func (s *MemoryStore) attachment(id string) *memoryAttachment {
	pageID, ok := s.index[id]
	if !ok {
		return nil
	}
	return s.pages[pageID].attachments[id]
}

var _ Store = (*MemoryStore)(nil)
