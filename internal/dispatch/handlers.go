package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/clausewatch/internal/cache"
	"github.com/kiranshivaraju/clausewatch/internal/content"
	"github.com/kiranshivaraju/clausewatch/internal/pipeline"
	"github.com/kiranshivaraju/clausewatch/internal/status"
	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

func (d *Dispatcher) policy(ctx context.Context, r *status.Reporter, task models.Task) (models.Document, error) {
	return d.document(ctx, r, task.Scope, task.Source, task.Language, task.Refresh)
}

// policies returns every policy attachment of the page, each resolved under
// its own document lock.
func (d *Dispatcher) policies(ctx context.Context, r *status.Reporter, task models.Task) ([]models.Document, error) {
	if err := r.Report(ctx, models.Scanning); err != nil {
		return nil, err
	}
	resources, err := d.content.ListResources(ctx, task.Scope, content.PolicyMediaTypes...)
	if err != nil {
		return nil, fmt.Errorf("listing policies of %s: %w", task.Scope, err)
	}

	docs := make([]models.Document, 0, len(resources))
	for _, res := range resources {
		doc, err := d.lockedDocument(ctx, r, task.Scope, res.ID, task.Language, task.Refresh)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// lockedDocument resolves a document under its lock. Used by tasks that do
// not already hold it.
func (d *Dispatcher) lockedDocument(ctx context.Context, r *status.Reporter, scope, source, language string, refresh bool) (models.Document, error) {
	var doc models.Document
	err := d.locker.WithLock(ctx, r.JobID(), cache.PolicyKey(scope, source, ""), func(ctx context.Context) error {
		var err error
		doc, err = d.document(ctx, r, scope, source, language, refresh)
		return err
	})
	return doc, err
}

// document returns the text of an attachment, or of the page body when
// source is empty, in language. Cached entries older than the resource's
// modification time are evicted and recomputed. The caller holds the lock on
// the original-language key.
func (d *Dispatcher) document(ctx context.Context, r *status.Reporter, scope, source, language string, refresh bool) (models.Document, error) {
	language = strings.ToLower(strings.TrimSpace(language))
	if err := r.Report(ctx, models.Fetching); err != nil {
		return models.Document{}, err
	}
	var (
		res        models.Resource
		modifiedAt time.Time
	)
	if source == "" {
		body, err := d.content.GetBody(ctx, scope)
		if err != nil {
			return models.Document{}, fmt.Errorf("fetching body of %s: %w", scope, err)
		}
		modifiedAt = body.ModifiedAt
	} else {
		var err error
		res, err = d.content.GetResource(ctx, source)
		if err != nil {
			return models.Document{}, fmt.Errorf("fetching %s: %w", source, err)
		}
		modifiedAt = res.ModifiedAt
	}

	if err := r.Report(ctx, models.Scanning); err != nil {
		return models.Document{}, err
	}
	originalKey := cache.PolicyKey(scope, source, "")
	translatedKey := cache.PolicyKey(scope, source, language)

	if !refresh && language != "" {
		doc, found, err := d.documents.Lookup(ctx, translatedKey, modifiedAt)
		if err != nil {
			return models.Document{}, err
		}
		if found {
			return doc, nil
		}
	}

	original, found := models.Document{}, false
	if !refresh {
		var err error
		original, found, err = d.documents.Lookup(ctx, originalKey, modifiedAt)
		if err != nil {
			return models.Document{}, err
		}
	}
	if !found {
		var err error
		if source == "" {
			original, err = d.pipeline.ExtractBody(ctx, r, scope)
		} else {
			original, err = d.pipeline.Extract(ctx, r, res)
		}
		if err != nil {
			return models.Document{}, err
		}
		if err := d.cacheDocument(ctx, r, originalKey, original); err != nil {
			return models.Document{}, err
		}
	}

	translated, err := d.pipeline.Translate(ctx, r, original, language)
	if err != nil {
		return models.Document{}, err
	}
	if translated.Original {
		return translated, nil
	}
	if err := d.cacheDocument(ctx, r, translatedKey, translated); err != nil {
		return models.Document{}, err
	}
	return translated, nil
}

func (d *Dispatcher) cacheDocument(ctx context.Context, r pipeline.Reporter, key cache.Key, doc models.Document) error {
	if err := r.Report(ctx, models.Caching); err != nil {
		return err
	}
	return d.documents.Put(ctx, key, doc)
}

// detectIssues returns the issue set of a page. Without refresh the cached
// set is returned as is, even when empty.
func (d *Dispatcher) detectIssues(ctx context.Context, r *status.Reporter, task models.Task) ([]models.Issue, error) {
	if !task.Refresh {
		if err := r.Report(ctx, models.Scanning); err != nil {
			return nil, err
		}
		return d.issues.List(ctx, task.Scope)
	}

	// The agreement stays in its own language so document excerpts can be
	// located in the stored text; policies are brought to that language.
	agreement, err := d.lockedDocument(ctx, r, task.Scope, task.Source, "", false)
	if err != nil {
		return nil, err
	}
	policies := make([]models.Document, 0, len(task.Policies))
	for _, source := range task.Policies {
		doc, err := d.lockedDocument(ctx, r, task.Scope, source, agreement.Language, false)
		if err != nil {
			return nil, err
		}
		policies = append(policies, doc)
	}

	issues, err := d.engine.Detect(ctx, r, agreement, policies, task.Language)
	if err != nil {
		return nil, err
	}

	if err := r.Report(ctx, models.Caching); err != nil {
		return nil, err
	}
	if err := d.issues.Replace(ctx, task.Scope, issues); err != nil {
		return nil, err
	}
	return issues, nil
}

func (d *Dispatcher) updateIssue(ctx context.Context, r *status.Reporter, task models.Task) (models.Issue, error) {
	if err := r.Report(ctx, models.Scanning); err != nil {
		return models.Issue{}, err
	}
	issue, err := d.issues.Get(ctx, task.Scope, task.IssueID)
	if err != nil {
		return models.Issue{}, err
	}

	switch task.Type {
	case models.TaskTransition:
		issue.State = task.State
	case models.TaskClassify:
		issue.Severity = task.Severity
	case models.TaskAnnotate:
		issue.Annotations = *task.Annotations
	}

	if err := r.Report(ctx, models.Caching); err != nil {
		return models.Issue{}, err
	}
	if err := d.issues.Put(ctx, task.Scope, issue); err != nil {
		return models.Issue{}, err
	}
	return issue, nil
}

// resolve deletes an issue. With a replacement, the conflicting excerpt is
// first rewritten in the page body using a conditional write.
func (d *Dispatcher) resolve(ctx context.Context, r *status.Reporter, task models.Task) error {
	if err := r.Report(ctx, models.Scanning); err != nil {
		return err
	}
	issue, err := d.issues.Get(ctx, task.Scope, task.IssueID)
	if err != nil {
		return err
	}

	if task.Replacement != nil {
		ref := issue.DocumentReference("")
		if ref == nil {
			return fmt.Errorf("%w: issue %s does not reference the page body", models.ErrInvalidTask, issue.ID)
		}
		if err := r.Report(ctx, models.Fetching); err != nil {
			return err
		}
		body, err := d.content.GetBody(ctx, task.Scope)
		if err != nil {
			return fmt.Errorf("fetching body of %s: %w", task.Scope, err)
		}
		updated, err := replaceExcerpt(body.Content, *ref, *task.Replacement)
		if err != nil {
			return err
		}
		body.Content = updated
		if err := d.content.PutBody(ctx, body, body.Version); err != nil {
			return fmt.Errorf("updating body of %s: %w", task.Scope, err)
		}
	}

	if err := r.Report(ctx, models.Purging); err != nil {
		return err
	}
	return d.issues.Delete(ctx, task.Scope, issue.ID)
}

func (d *Dispatcher) clear(ctx context.Context, r *status.Reporter, task models.Task) error {
	if err := r.Report(ctx, models.Purging); err != nil {
		return err
	}
	_, err := d.issues.Clear(ctx, task.Scope)
	return err
}

// replaceExcerpt swaps the referenced excerpt for replacement. The recorded
// rune offset is tried first; if the text moved, a unique occurrence of the
// excerpt is accepted instead.
func replaceExcerpt(text string, ref models.Reference, replacement string) (string, error) {
	runes := []rune(text)
	n := utf8.RuneCountInString(ref.Excerpt)
	if ref.Offset >= 0 && ref.Offset+n <= len(runes) && string(runes[ref.Offset:ref.Offset+n]) == ref.Excerpt {
		return string(runes[:ref.Offset]) + replacement + string(runes[ref.Offset+n:]), nil
	}
	if ref.Excerpt != "" && strings.Count(text, ref.Excerpt) == 1 {
		return strings.Replace(text, ref.Excerpt, replacement, 1), nil
	}
	return "", fmt.Errorf("%w: excerpt %q is no longer in the page body", content.ErrConflict, ref.Excerpt)
}
