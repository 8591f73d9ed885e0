// Package openai implements models.LanguageModel on the OpenAI API and on
// servers speaking the same protocol.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

const DefaultModel = "gpt-4o-mini"

type Config struct {
	Name    string
	APIKey  string
	Model   string
	BaseURL string
	// InlineAssets keeps uploads in memory and sends them base64 encoded with
	// each prompt, for servers without a files endpoint.
	InlineAssets bool
	MaxRetries   int
	Temperature  *float64
}

type inlineAsset struct {
	name     string
	mimeType string
	data     []byte
}

// Provider implements models.LanguageModel using openai-go.
type Provider struct {
	cfg    Config
	client openai.Client

	mu     sync.Mutex
	inline map[string]inlineAsset
}

func NewProvider(cfg Config) *Provider {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	opts := []option.RequestOption{option.WithMaxRetries(max(cfg.MaxRetries, 0))}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	} else {
		// Local servers ignore the key but the client insists on one.
		opts = append(opts, option.WithAPIKey("unused"))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Provider{
		cfg:    cfg,
		client: openai.NewClient(opts...),
		inline: make(map[string]inlineAsset),
	}
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) Upload(ctx context.Context, data []byte, mimeType, name string) (models.Asset, error) {
	if p.cfg.InlineAssets {
		id := "inline-" + uuid.NewString()
		p.mu.Lock()
		p.inline[id] = inlineAsset{name: name, mimeType: mimeType, data: append([]byte(nil), data...)}
		p.mu.Unlock()
		return models.Asset{ID: id, Name: name, MimeType: mimeType, State: models.AssetActive}, nil
	}

	file, err := p.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(data), name, mimeType),
		Purpose: openai.FilePurposeUserData,
	})
	if err != nil {
		return models.Asset{}, mapError(err)
	}
	return models.Asset{ID: file.ID, Name: name, MimeType: mimeType, State: assetState(file.Status)}, nil
}

func (p *Provider) Asset(ctx context.Context, id string) (models.Asset, error) {
	p.mu.Lock()
	a, ok := p.inline[id]
	p.mu.Unlock()
	if ok {
		return models.Asset{ID: id, Name: a.name, MimeType: a.mimeType, State: models.AssetActive}, nil
	}

	file, err := p.client.Files.Get(ctx, id)
	if err != nil {
		return models.Asset{}, mapError(err)
	}
	return models.Asset{ID: file.ID, Name: file.Filename, State: assetState(file.Status)}, nil
}

func (p *Provider) Process(ctx context.Context, prompt models.Prompt) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if prompt.Instruction != "" {
		messages = append(messages, openai.SystemMessage(prompt.Instruction))
	}

	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, 2)
	if prompt.AssetID != "" {
		part, err := p.filePart(prompt.AssetID)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	parts = append(parts, openai.TextContentPart(prompt.Text))
	messages = append(messages, openai.UserMessage(parts))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.cfg.Model),
		Messages: messages,
	}
	if p.cfg.Temperature != nil {
		params.Temperature = openai.Float(*p.cfg.Temperature)
	}
	if prompt.Schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   prompt.Schema.Name,
					Strict: openai.Bool(true),
					Schema: prompt.Schema.Definition,
				},
			},
		}
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", mapError(err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("%s: empty completion", p.cfg.Name)
	}
	return completion.Choices[0].Message.Content, nil
}

func (p *Provider) filePart(assetID string) (openai.ChatCompletionContentPartUnionParam, error) {
	p.mu.Lock()
	a, ok := p.inline[assetID]
	p.mu.Unlock()
	if !ok {
		if p.cfg.InlineAssets {
			return openai.ChatCompletionContentPartUnionParam{}, fmt.Errorf("%s: unknown asset %q", p.cfg.Name, assetID)
		}
		return openai.FileContentPart(openai.ChatCompletionContentPartFileFileParam{
			FileID: openai.String(assetID),
		}), nil
	}
	encoded := "data:" + a.mimeType + ";base64," + base64.StdEncoding.EncodeToString(a.data)
	return openai.FileContentPart(openai.ChatCompletionContentPartFileFileParam{
		FileData: openai.String(encoded),
		Filename: openai.String(a.name),
	}), nil
}

// Forget drops an inline asset once it is no longer needed.
func (p *Provider) Forget(assetID string) {
	p.mu.Lock()
	delete(p.inline, assetID)
	p.mu.Unlock()
}

func assetState(s openai.FileObjectStatus) models.AssetState {
	switch s {
	case openai.FileObjectStatusError:
		return models.AssetFailed
	case openai.FileObjectStatusUploaded, openai.FileObjectStatusProcessed:
		return models.AssetActive
	default:
		return models.AssetProcessing
	}
}

// mapError classifies API and transport failures.
func mapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", models.ErrModelTimeout, err)
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return fmt.Errorf("%w: %v", models.ErrModelUnavailable, err)
		}
		return fmt.Errorf("openai request rejected: %w", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", models.ErrModelTimeout, err)
		}
		return fmt.Errorf("%w: %v", models.ErrModelUnavailable, err)
	}
	return fmt.Errorf("%w: %v", models.ErrModelUnavailable, err)
}

var _ models.LanguageModel = (*Provider)(nil)
