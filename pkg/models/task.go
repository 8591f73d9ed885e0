// Package models contains shared data models used across the clausewatch codebase.
package models

import (
	"errors"
	"fmt"
)

// ErrInvalidTask is returned when a submitted task is missing parameters required by its type.
var ErrInvalidTask = errors.New("invalid task")

// TaskType discriminates the kinds of work the dispatcher accepts.
type TaskType string

const (
	TaskPolicy     TaskType = "policy"
	TaskPolicies   TaskType = "policies"
	TaskIssues     TaskType = "issues"
	TaskTransition TaskType = "transition"
	TaskClassify   TaskType = "classify"
	TaskAnnotate   TaskType = "annotate"
	TaskResolve    TaskType = "resolve"
	TaskClear      TaskType = "clear"
)

// Task is a unit of work submitted by a caller. Scope identifies the page the
// task belongs to. Which other fields are meaningful depends on Type.
type Task struct {
	Type        TaskType   `json:"type"`
	Scope       string     `json:"scope"`
	Source      string     `json:"source,omitempty"`
	Language    string     `json:"language,omitempty"`
	Refresh     bool       `json:"refresh,omitempty"`
	Policies    []string   `json:"policies,omitempty"`
	IssueID     string     `json:"issue_id,omitempty"`
	State       IssueState `json:"state,omitempty"`
	Severity    Severity   `json:"severity,omitempty"`
	Annotations *string    `json:"annotations,omitempty"`
	Replacement *string    `json:"replacement,omitempty"`
}

// Validate checks the parameters required by the task type.
func (t Task) Validate() error {
	if t.Scope == "" {
		return fmt.Errorf("%w: scope is required", ErrInvalidTask)
	}
	switch t.Type {
	case TaskPolicy:
		if t.Source == "" {
			return fmt.Errorf("%w: source is required for %s", ErrInvalidTask, t.Type)
		}
	case TaskPolicies, TaskClear:
	case TaskIssues:
		// Without refresh the cached set is returned and policies are unused.
		if t.Refresh && len(t.Policies) == 0 {
			return fmt.Errorf("%w: at least one policy is required to refresh issues", ErrInvalidTask)
		}
	case TaskTransition:
		if t.IssueID == "" {
			return fmt.Errorf("%w: issue_id is required for %s", ErrInvalidTask, t.Type)
		}
		if !t.State.Valid() {
			return fmt.Errorf("%w: unknown issue state %q", ErrInvalidTask, t.State)
		}
	case TaskClassify:
		if t.IssueID == "" {
			return fmt.Errorf("%w: issue_id is required for %s", ErrInvalidTask, t.Type)
		}
		if !t.Severity.Valid() {
			return fmt.Errorf("%w: unknown severity %q", ErrInvalidTask, t.Severity)
		}
	case TaskAnnotate:
		if t.IssueID == "" {
			return fmt.Errorf("%w: issue_id is required for %s", ErrInvalidTask, t.Type)
		}
		if t.Annotations == nil {
			return fmt.Errorf("%w: annotations are required for %s", ErrInvalidTask, t.Type)
		}
	case TaskResolve:
		if t.IssueID == "" {
			return fmt.Errorf("%w: issue_id is required for %s", ErrInvalidTask, t.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTask, t.Type)
	}
	return nil
}
