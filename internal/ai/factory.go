package ai

import (
	"fmt"

	"github.com/kiranshivaraju/clausewatch/internal/ai/openai"
	"github.com/kiranshivaraju/clausewatch/internal/config"
	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

// NewProvider constructs the language model selected by config.
// Called once at server startup. Ollama and vLLM expose the OpenAI wire
// protocol, so they share the openai provider with a different base URL and
// inline file transfer.
func NewProvider(cfg config.AIConfig) (models.LanguageModel, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewProvider(openai.Config{
			Name:       "openai",
			APIKey:     cfg.OpenAI.APIKey,
			Model:      cfg.OpenAI.Model,
			BaseURL:    cfg.OpenAI.BaseURL,
			MaxRetries: cfg.MaxRetries,
		}), nil
	case "ollama":
		return openai.NewProvider(openai.Config{
			Name:         "ollama",
			Model:        cfg.Ollama.Model,
			BaseURL:      cfg.Ollama.BaseURL + "/v1",
			InlineAssets: true,
			MaxRetries:   cfg.MaxRetries,
		}), nil
	case "vllm":
		return openai.NewProvider(openai.Config{
			Name:         "vllm",
			Model:        cfg.VLLM.Model,
			BaseURL:      cfg.VLLM.BaseURL + "/v1",
			InlineAssets: true,
			MaxRetries:   cfg.MaxRetries,
		}), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of openai, ollama, vllm", cfg.Provider)
	}
}
