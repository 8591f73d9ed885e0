package models

import (
	"context"
	"errors"
)

// Errors every LanguageModel implementation wraps so callers can classify
// failures without knowing the provider.
var (
	ErrModelUnavailable = errors.New("language model unavailable")
	ErrModelTimeout     = errors.New("language model timeout")
)

// LanguageModel is the interface every model integration implements.
// Never call a specific provider directly; always inject this interface.
type LanguageModel interface {
	// Upload stores a binary for later prompts. The returned asset may still
	// be processing; poll Asset until it is active.
	Upload(ctx context.Context, data []byte, mimeType, name string) (Asset, error)
	// Asset returns the current state of an uploaded asset.
	Asset(ctx context.Context, id string) (Asset, error)
	// Process runs a prompt, optionally against an asset and constrained to a
	// JSON schema, and returns the raw model text.
	Process(ctx context.Context, prompt Prompt) (string, error)
	// Name returns the provider identifier (e.g., "openai", "mock").
	Name() string
}

type AssetState string

const (
	AssetProcessing AssetState = "processing"
	AssetActive     AssetState = "active"
	AssetFailed     AssetState = "failed"
)

// Asset references an uploaded binary.
type Asset struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	MimeType string     `json:"mime_type"`
	State    AssetState `json:"state"`
}

// Schema is a named JSON schema used to constrain model output.
type Schema struct {
	Name       string
	Definition map[string]any
}

// Prompt is a single model invocation.
type Prompt struct {
	AssetID     string
	Instruction string
	Text        string
	Schema      *Schema
}
