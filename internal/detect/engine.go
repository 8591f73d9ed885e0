// Package detect finds clauses of an agreement that conflict with policies by
// sampling several detection rounds per policy and merging them.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/clausewatch/internal/ai"
	"github.com/kiranshivaraju/clausewatch/internal/metrics"
	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

// DefaultRounds is the number of detection rounds per policy.
const DefaultRounds = 3

// ErrNoRounds is returned when every detection round of a policy failed.
var ErrNoRounds = errors.New("all detection rounds failed")

// Reporter receives progress activities.
type Reporter interface {
	Report(ctx context.Context, a models.Activity) error
}

// Engine runs detection and merge rounds against a language model.
type Engine struct {
	model  *ai.Service
	rounds int
	now    func() time.Time
	newID  func() (uuid.UUID, error)
}

func NewEngine(model *ai.Service, rounds int) *Engine {
	if rounds < 1 {
		rounds = DefaultRounds
	}
	return &Engine{model: model, rounds: rounds, now: time.Now, newID: uuid.NewV7}
}

// WithClock overrides the time source used for CreatedAt.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Rounds returns the number of detection rounds per policy.
func (e *Engine) Rounds() int {
	return e.rounds
}

// Detect returns the issues agreement raises against each policy. Issues are
// grouped by policy in the order policies were given; within a policy they
// are ordered by descending severity. language selects the language the
// analysis is written in.
func (e *Engine) Detect(ctx context.Context, r Reporter, agreement models.Document, policies []models.Document, language string) ([]models.Issue, error) {
	if err := r.Report(ctx, models.Analyzing); err != nil {
		return nil, err
	}
	if language == "" {
		language = agreement.Language
	}

	perPolicy := make([][]Finding, len(policies))
	g, gctx := errgroup.WithContext(ctx)
	for i, policy := range policies {
		g.Go(func() error {
			findings, err := e.detectPolicy(gctx, agreement, policy, language)
			if err != nil {
				return fmt.Errorf("policy %s: %w", policy.Source, err)
			}
			perPolicy[i] = findings
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	issues := make([]models.Issue, 0)
	for i, findings := range perPolicy {
		for _, f := range findings {
			issue, err := e.issue(agreement, policies[i], f)
			if err != nil {
				return nil, err
			}
			issues = append(issues, issue)
		}
	}
	return issues, nil
}

// detectPolicy runs the detection rounds for one policy concurrently and
// merges what they found. Failed rounds are dropped as long as one succeeds.
func (e *Engine) detectPolicy(ctx context.Context, agreement, policy models.Document, language string) ([]Finding, error) {
	prompt := detectionPrompt(agreement, policy, language)

	var (
		mu     sync.Mutex
		rounds [][]Finding
		errs   []error
		wg     sync.WaitGroup
	)
	for round := range e.rounds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := ai.ProcessJSON[findingSet](ctx, e.model, prompt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				metrics.DetectionRounds.WithLabelValues("failed").Inc()
				slog.Warn("detection round failed", "policy", policy.Source, "round", round, "error", err)
				errs = append(errs, err)
				return
			}
			metrics.DetectionRounds.WithLabelValues("succeeded").Inc()
			rounds = append(rounds, out.Findings)
		}()
	}
	wg.Wait()

	if len(rounds) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoRounds, errors.Join(errs...))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	total := 0
	for _, r := range rounds {
		total += len(r)
	}
	if total == 0 {
		return nil, nil
	}

	merged, err := ai.ProcessJSON[findingSet](ctx, e.model, mergePrompt(policy, rounds, language))
	if err != nil {
		return nil, fmt.Errorf("merging findings: %w", err)
	}
	findings := merged.Findings
	slices.SortStableFunc(findings, func(a, b Finding) int {
		return b.Severity.Rank() - a.Severity.Rank()
	})
	return findings, nil
}

func (e *Engine) issue(agreement, policy models.Document, f Finding) (models.Issue, error) {
	id, err := e.newID()
	if err != nil {
		return models.Issue{}, fmt.Errorf("generating issue id: %w", err)
	}
	description := []models.Fragment{{Text: f.ReasonAnalysis}}
	if f.PolicyExcerpt != "" {
		description = append(description, models.Fragment{Reference: reference(policy, f.PolicyExcerpt)})
	}
	description = append(description, models.Fragment{Reference: reference(agreement, f.DocumentExcerpt)})

	return models.Issue{
		ID:          id.String(),
		CreatedAt:   e.now(),
		Severity:    f.Severity,
		State:       models.IssuePending,
		Title:       f.ReasonTitle,
		Description: description,
	}, nil
}

// reference locates excerpt in doc. Offset and length count runes.
func reference(doc models.Document, excerpt string) *models.Reference {
	ref := &models.Reference{
		Source:  doc.Source,
		Title:   doc.Title,
		Excerpt: excerpt,
		Offset:  -1,
		Length:  utf8.RuneCountInString(excerpt),
	}
	if excerpt == "" {
		return ref
	}
	if i := strings.Index(doc.Content, excerpt); i >= 0 {
		ref.Offset = utf8.RuneCountInString(doc.Content[:i])
	}
	return ref
}

func detectionPrompt(agreement, policy models.Document, language string) models.Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "# Policy: %s\n\n%s\n\n", policy.Title, policy.Content)
	fmt.Fprintf(&b, "# Document: %s\n\n%s\n", agreement.Title, agreement.Content)

	return models.Prompt{
		Instruction: fmt.Sprintf(`You are a compliance reviewer. Find every clause of the document that conflicts with the policy.
For each conflict report its severity (low, medium or high), a short title and an analysis written in the language with ISO 639-1 code %q.
Quote the policy rule and the conflicting document clause verbatim in policy_excerpt and document_excerpt.
Report an empty list when the document complies.`, language),
		Text:   b.String(),
		Schema: findingSchema,
	}
}

func mergePrompt(policy models.Document, rounds [][]Finding, language string) models.Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "# Policy: %s\n\n", policy.Title)
	b.WriteString(renderReport(rounds))

	return models.Prompt{
		Instruction: fmt.Sprintf(`Several reviewers independently listed conflicts between a document and a policy.
Consolidate their findings: merge findings that describe the same conflict, keep distinct ones, and drop findings that are not supported by the excerpts.
Keep excerpts verbatim. Write titles and analyses in the language with ISO 639-1 code %q.`, language),
		Text:   b.String(),
		Schema: findingSchema,
	}
}
