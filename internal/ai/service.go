package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

const (
	DefaultInferenceTimeout = 120 * time.Second
	DefaultPollInterval     = 2 * time.Second
	DefaultMaxPolls         = 30
	maxPollBackoff          = 8
)

type Options struct {
	InferenceTimeout time.Duration
	PollInterval     time.Duration
	MaxPolls         int
}

// Service wraps a LanguageModel with timeouts, the asset polling loop and
// JSON decoding of structured responses.
type Service struct {
	model models.LanguageModel
	opts  Options
	sleep func(ctx context.Context, d time.Duration) error
}

func NewService(model models.LanguageModel, opts Options) *Service {
	if opts.InferenceTimeout <= 0 {
		opts.InferenceTimeout = DefaultInferenceTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = DefaultMaxPolls
	}
	return &Service{model: model, opts: opts, sleep: sleepCtx}
}

func (s *Service) Name() string { return s.model.Name() }

// Upload sends data to the model and waits until the asset is usable.
func (s *Service) Upload(ctx context.Context, data []byte, mimeType, name string) (models.Asset, error) {
	asset, err := s.model.Upload(ctx, data, mimeType, name)
	if err != nil {
		return models.Asset{}, fmt.Errorf("uploading %s: %w", name, err)
	}
	return s.AwaitAsset(ctx, asset)
}

// AwaitAsset polls a processing asset with growing intervals until it turns
// active, fails, or the poll budget is spent. Transient provider errors
// during polling count against the same budget.
func (s *Service) AwaitAsset(ctx context.Context, asset models.Asset) (models.Asset, error) {
	interval := s.opts.PollInterval
	for attempt := 0; ; attempt++ {
		switch asset.State {
		case models.AssetActive:
			return asset, nil
		case models.AssetFailed:
			return models.Asset{}, fmt.Errorf("%w: %s", ErrAssetFailed, asset.ID)
		}
		if attempt >= s.opts.MaxPolls {
			return models.Asset{}, fmt.Errorf("%w: %s after %d polls", ErrAssetTimeout, asset.ID, attempt)
		}
		if err := s.sleep(ctx, interval); err != nil {
			return models.Asset{}, err
		}
		interval = min(interval*2, s.opts.PollInterval*maxPollBackoff)

		next, err := s.model.Asset(ctx, asset.ID)
		if errors.Is(err, ErrProviderUnavailable) {
			slog.Warn("asset poll failed, retrying", "asset_id", asset.ID, "error", err)
			continue
		}
		if err != nil {
			return models.Asset{}, fmt.Errorf("polling asset %s: %w", asset.ID, err)
		}
		asset = next
	}
}

// Release lets the model drop an asset it holds in memory. Models that keep
// assets remotely ignore it.
func (s *Service) Release(assetID string) {
	if f, ok := s.model.(interface{ Forget(string) }); ok {
		f.Forget(assetID)
	}
}

// Process runs a prompt under the inference timeout.
func (s *Service) Process(ctx context.Context, prompt models.Prompt) (string, error) {
	inferCtx, cancel := context.WithTimeout(ctx, s.opts.InferenceTimeout)
	defer cancel()

	out, err := s.model.Process(inferCtx, prompt)
	if err != nil {
		if errors.Is(inferCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrInferenceTimeout) {
			return "", fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
		}
		return "", err
	}
	return out, nil
}

// Validator is implemented by structured responses that check themselves.
type Validator interface {
	Validate() error
}

// ProcessJSON runs a schema-constrained prompt and decodes the response into
// T. Malformed or invalid output is ErrInvalidResponse and is not retried.
func ProcessJSON[T any](ctx context.Context, s *Service, prompt models.Prompt) (T, error) {
	var out T
	raw, err := s.Process(ctx, prompt)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if v, ok := any(&out).(Validator); ok {
		if err := v.Validate(); err != nil {
			return out, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
	}
	return out, nil
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
