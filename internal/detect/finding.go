package detect

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

// Finding is one candidate conflict proposed by the model.
type Finding struct {
	Severity        models.Severity `json:"severity"`
	ReasonTitle     string          `json:"reason_title"`
	ReasonAnalysis  string          `json:"reason_analysis"`
	PolicyExcerpt   string          `json:"policy_excerpt"`
	DocumentExcerpt string          `json:"document_excerpt"`
}

// findingSet is the response shape of detection and merge rounds.
type findingSet struct {
	Findings []Finding `json:"findings"`
}

func (s *findingSet) Validate() error {
	for i := range s.Findings {
		f := &s.Findings[i]
		f.Severity = models.Severity(strings.ToLower(strings.TrimSpace(string(f.Severity))))
		if !f.Severity.Valid() {
			return fmt.Errorf("finding %d: unknown severity %q", i, f.Severity)
		}
		if strings.TrimSpace(f.ReasonTitle) == "" {
			return fmt.Errorf("finding %d: missing reason_title", i)
		}
		if strings.TrimSpace(f.DocumentExcerpt) == "" {
			return errors.New("finding without document_excerpt")
		}
	}
	return nil
}

var findingSchema = &models.Schema{
	Name: "findings",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"findings": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"severity":         map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
						"reason_title":     map[string]any{"type": "string"},
						"reason_analysis":  map[string]any{"type": "string"},
						"policy_excerpt":   map[string]any{"type": "string"},
						"document_excerpt": map[string]any{"type": "string"},
					},
					"required":             []string{"severity", "reason_title", "reason_analysis", "policy_excerpt", "document_excerpt"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"findings"},
		"additionalProperties": false,
	},
}

// compareFindings is a total order over findings: severity first, then text.
func compareFindings(a, b Finding) int {
	return cmp.Or(
		cmp.Compare(b.Severity.Rank(), a.Severity.Rank()),
		strings.Compare(a.ReasonTitle, b.ReasonTitle),
		strings.Compare(a.PolicyExcerpt, b.PolicyExcerpt),
		strings.Compare(a.DocumentExcerpt, b.DocumentExcerpt),
		strings.Compare(a.ReasonAnalysis, b.ReasonAnalysis),
	)
}

// renderReport serializes the union of round outputs for the merge prompt.
// Findings are sorted first, so the report does not depend on round order.
func renderReport(rounds [][]Finding) string {
	var all []Finding
	for _, r := range rounds {
		all = append(all, r...)
	}
	slices.SortFunc(all, compareFindings)

	var b strings.Builder
	for i, f := range all {
		fmt.Fprintf(&b, "## Finding %d\n", i+1)
		fmt.Fprintf(&b, "Severity: %s\n", f.Severity)
		fmt.Fprintf(&b, "Title: %s\n", f.ReasonTitle)
		fmt.Fprintf(&b, "Analysis: %s\n", f.ReasonAnalysis)
		fmt.Fprintf(&b, "Policy excerpt: %q\n", f.PolicyExcerpt)
		fmt.Fprintf(&b, "Document excerpt: %q\n\n", f.DocumentExcerpt)
	}
	return b.String()
}
