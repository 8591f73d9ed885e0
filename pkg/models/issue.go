package models

import (
	"encoding/json"
	"time"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) Valid() bool {
	return s == SeverityLow || s == SeverityMedium || s == SeverityHigh
}

// Rank orders severities; higher is more severe. Unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

type IssueState string

const (
	IssuePending  IssueState = "pending"
	IssueAccepted IssueState = "accepted"
	IssueRejected IssueState = "rejected"
	IssueResolved IssueState = "resolved"
)

func (s IssueState) Valid() bool {
	switch s {
	case IssuePending, IssueAccepted, IssueRejected, IssueResolved:
		return true
	}
	return false
}

// Reference points into a document. Offset and Length count runes; Offset is
// -1 when the excerpt could not be located in the document text.
type Reference struct {
	Source  string `json:"source"`
	Title   string `json:"title"`
	Excerpt string `json:"excerpt"`
	Offset  int    `json:"offset"`
	Length  int    `json:"length"`
}

// Fragment is one element of an issue description: either plain text or a
// reference.
type Fragment struct {
	Text      string
	Reference *Reference
}

func (f Fragment) MarshalJSON() ([]byte, error) {
	if f.Reference != nil {
		return json.Marshal(f.Reference)
	}
	return json.Marshal(f.Text)
}

func (f *Fragment) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*f = Fragment{Text: text}
		return nil
	}
	var ref Reference
	if err := json.Unmarshal(data, &ref); err != nil {
		return err
	}
	*f = Fragment{Reference: &ref}
	return nil
}

// Issue is a clause of an agreement that conflicts with a policy. Only State,
// Severity and Annotations change after creation.
type Issue struct {
	ID          string     `json:"id"`
	CreatedAt   time.Time  `json:"created_at"`
	Severity    Severity   `json:"severity"`
	State       IssueState `json:"state"`
	Title       string     `json:"title"`
	Description []Fragment `json:"description"`
	Annotations string     `json:"annotations,omitempty"`
}

// DocumentReference returns the reference into the agreement, if any.
func (i Issue) DocumentReference(source string) *Reference {
	for _, f := range i.Description {
		if f.Reference != nil && f.Reference.Source == source && f.Reference.Offset >= 0 {
			return f.Reference
		}
	}
	return nil
}
