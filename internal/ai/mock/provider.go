package mock

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/clausewatch/internal/ai"
	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

// MockProvider satisfies models.LanguageModel for testing.
type MockProvider struct {
	Name_       string
	UploadFunc  func(ctx context.Context, data []byte, mimeType, name string) (models.Asset, error)
	AssetFunc   func(ctx context.Context, id string) (models.Asset, error)
	ProcessFunc func(ctx context.Context, prompt models.Prompt) (string, error)

	mu      sync.Mutex
	uploads int
	prompts []models.Prompt
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Upload(ctx context.Context, data []byte, mimeType, name string) (models.Asset, error) {
	m.mu.Lock()
	m.uploads++
	m.mu.Unlock()
	if m.UploadFunc != nil {
		return m.UploadFunc(ctx, data, mimeType, name)
	}
	return models.Asset{ID: uuid.NewString(), Name: name, MimeType: mimeType, State: models.AssetActive}, nil
}

func (m *MockProvider) Asset(ctx context.Context, id string) (models.Asset, error) {
	if m.AssetFunc != nil {
		return m.AssetFunc(ctx, id)
	}
	return models.Asset{ID: id, State: models.AssetActive}, nil
}

func (m *MockProvider) Process(ctx context.Context, prompt models.Prompt) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	if m.ProcessFunc != nil {
		return m.ProcessFunc(ctx, prompt)
	}
	return "", nil
}

// Uploads returns how many uploads were made.
func (m *MockProvider) Uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}

// Prompts returns a copy of every prompt processed so far.
func (m *MockProvider) Prompts() []models.Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Prompt(nil), m.prompts...)
}

// NewMockProvider returns a MockProvider that accepts uploads and answers
// every prompt with an empty JSON object.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		ProcessFunc: func(_ context.Context, _ models.Prompt) (string, error) {
			return "{}", nil
		},
	}
}

// NewFailingProvider returns a MockProvider whose every call fails with err.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		UploadFunc: func(_ context.Context, _ []byte, _, _ string) (models.Asset, error) {
			return models.Asset{}, err
		},
		AssetFunc: func(_ context.Context, _ string) (models.Asset, error) {
			return models.Asset{}, err
		},
		ProcessFunc: func(_ context.Context, _ models.Prompt) (string, error) {
			return "", err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		ProcessFunc: func(ctx context.Context, _ models.Prompt) (string, error) {
			<-ctx.Done()
			return "", ai.ErrInferenceTimeout
		},
	}
}

// Compile-time check that MockProvider implements LanguageModel.
var _ models.LanguageModel = (*MockProvider)(nil)
