// Package pipeline turns content store resources into text documents and
// translates them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/clausewatch/internal/ai"
	"github.com/kiranshivaraju/clausewatch/internal/content"
	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

// Reporter receives progress activities. Stages report before each I/O step.
type Reporter interface {
	Report(ctx context.Context, a models.Activity) error
}

// Pipeline runs the extract and translate stages.
type Pipeline struct {
	model   *ai.Service
	content content.Store
	now     func() time.Time
}

func New(model *ai.Service, store content.Store) *Pipeline {
	return &Pipeline{model: model, content: store, now: time.Now}
}

// WithClock overrides the time source used for CreatedAt.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

var extractionSchema = &models.Schema{
	Name: "extraction",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":    map[string]any{"type": "string"},
			"language": map[string]any{"type": "string", "description": "ISO 639-1 code of the document language"},
			"content":  map[string]any{"type": "string", "description": "Full document text as markdown"},
		},
		"required":             []string{"title", "language", "content"},
		"additionalProperties": false,
	},
}

var translationSchema = &models.Schema{
	Name: "translation",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":   map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		},
		"required":             []string{"title", "content"},
		"additionalProperties": false,
	},
}

const extractInstruction = `You convert documents to markdown.
Reproduce the complete text of the provided document without summarizing or omitting anything.
Keep headings, lists and tables. Report the document title and its language as an ISO 639-1 code.`

type extraction struct {
	Title    string `json:"title"`
	Language string `json:"language"`
	Content  string `json:"content"`
}

func (e *extraction) Validate() error {
	if strings.TrimSpace(e.Content) == "" {
		return errors.New("empty content")
	}
	if strings.TrimSpace(e.Language) == "" {
		return errors.New("missing language")
	}
	return nil
}

type translation struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (t *translation) Validate() error {
	if strings.TrimSpace(t.Content) == "" {
		return errors.New("empty content")
	}
	return nil
}

// Extract fetches an attachment, uploads it to the model and returns its
// text as an original-language document.
func (p *Pipeline) Extract(ctx context.Context, r Reporter, res models.Resource) (models.Document, error) {
	if err := r.Report(ctx, models.Fetching); err != nil {
		return models.Document{}, err
	}
	data, err := p.content.FetchBytes(ctx, res.ID)
	if err != nil {
		return models.Document{}, fmt.Errorf("fetching %s: %w", res.ID, err)
	}

	if err := r.Report(ctx, models.Uploading); err != nil {
		return models.Document{}, err
	}
	asset, err := p.model.Upload(ctx, data, res.MediaType, res.Title)
	if err != nil {
		return models.Document{}, err
	}
	defer p.model.Release(asset.ID)

	if err := r.Report(ctx, models.Prompting); err != nil {
		return models.Document{}, err
	}
	prompt := models.Prompt{
		AssetID:     asset.ID,
		Instruction: extractInstruction,
		Text:        "Extract the document.",
		Schema:      extractionSchema,
	}

	if err := r.Report(ctx, models.Extracting); err != nil {
		return models.Document{}, err
	}
	out, err := ai.ProcessJSON[extraction](ctx, p.model, prompt)
	if err != nil {
		return models.Document{}, fmt.Errorf("extracting %s: %w", res.ID, err)
	}

	title := out.Title
	if title == "" {
		title = res.Title
	}
	return models.Document{
		Original:  true,
		Language:  normalizeLanguage(out.Language),
		Source:    res.ID,
		CreatedAt: p.now(),
		Title:     title,
		Content:   out.Content,
	}, nil
}

// ExtractBody returns the page body as an original-language document. The
// body is already text, so the model only identifies its language.
func (p *Pipeline) ExtractBody(ctx context.Context, r Reporter, pageID string) (models.Document, error) {
	if err := r.Report(ctx, models.Fetching); err != nil {
		return models.Document{}, err
	}
	body, err := p.content.GetBody(ctx, pageID)
	if err != nil {
		return models.Document{}, fmt.Errorf("fetching body of %s: %w", pageID, err)
	}
	created := p.now()

	if err := r.Report(ctx, models.Prompting); err != nil {
		return models.Document{}, err
	}
	prompt := models.Prompt{
		Instruction: extractInstruction,
		Text:        "# " + body.Title + "\n\n" + body.Content,
		Schema:      extractionSchema,
	}

	if err := r.Report(ctx, models.Extracting); err != nil {
		return models.Document{}, err
	}
	out, err := ai.ProcessJSON[extraction](ctx, p.model, prompt)
	if err != nil {
		return models.Document{}, fmt.Errorf("extracting body of %s: %w", pageID, err)
	}

	// Offsets into the body must line up with what the content store holds,
	// so the stored text is kept rather than the model's rendition.
	return models.Document{
		Original:  true,
		Language:  normalizeLanguage(out.Language),
		CreatedAt: created,
		Title:     body.Title,
		Content:   body.Content,
	}, nil
}

// Translate returns doc in language. A document already in language is
// returned unchanged without calling the model.
func (p *Pipeline) Translate(ctx context.Context, r Reporter, doc models.Document, language string) (models.Document, error) {
	language = normalizeLanguage(language)
	if language == "" || doc.Language == language {
		return doc, nil
	}

	if err := r.Report(ctx, models.Translating); err != nil {
		return models.Document{}, err
	}
	prompt := models.Prompt{
		Instruction: fmt.Sprintf(`You are a professional translator. Translate the title and the markdown document into the language with ISO 639-1 code %q.
Preserve the markdown structure. Do not add commentary.`, language),
		Text:   "Title: " + doc.Title + "\n\n" + doc.Content,
		Schema: translationSchema,
	}
	out, err := ai.ProcessJSON[translation](ctx, p.model, prompt)
	if err != nil {
		return models.Document{}, fmt.Errorf("translating %s to %s: %w", doc.Source, language, err)
	}

	title := out.Title
	if title == "" {
		title = doc.Title
	}
	return models.Document{
		Original:  false,
		Language:  language,
		Source:    doc.Source,
		CreatedAt: p.now(),
		Title:     title,
		Content:   out.Content,
	}, nil
}

func normalizeLanguage(lang string) string {
	return strings.ToLower(strings.TrimSpace(lang))
}
