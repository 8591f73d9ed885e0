package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Activity is a non-terminal progress marker. The values are ordered by the
// sequence in which a job typically passes through them.
type Activity int

const (
	Submitting Activity = iota
	Scheduling
	Locking
	Scanning
	Fetching
	Caching
	Purging
	Prompting
	Uploading
	Extracting
	Translating
	Analyzing
)

var activityNames = [...]string{
	"submitting",
	"scheduling",
	"locking",
	"scanning",
	"fetching",
	"caching",
	"purging",
	"prompting",
	"uploading",
	"extracting",
	"translating",
	"analyzing",
}

func (a Activity) String() string {
	if a < 0 || int(a) >= len(activityNames) {
		return fmt.Sprintf("activity(%d)", int(a))
	}
	return activityNames[a]
}

// Valid reports whether a is one of the declared activities.
func (a Activity) Valid() bool {
	return a >= 0 && int(a) < len(activityNames)
}

func (a Activity) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("unknown activity %d", int(a))
	}
	return []byte(a.String()), nil
}

func (a *Activity) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for i, n := range activityNames {
		if n == name {
			*a = Activity(i)
			return nil
		}
	}
	return fmt.Errorf("unknown activity %q", text)
}

// Trace codes. They share the upper-snake vocabulary of the HTTP error envelope.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeInvalidTask     = "INVALID_TASK"
	CodeInvalidResponse = "INVALID_RESPONSE"
	CodeUnavailable     = "UNAVAILABLE"
	CodeTimeout         = "TIMEOUT"
	CodeInternal        = "INTERNAL_ERROR"
)

// Trace is a normalized failure descriptor.
type Trace struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

func (t Trace) Error() string {
	return t.Code + ": " + t.Text
}

// StatusKind tags which variant of Status holds.
type StatusKind string

const (
	StatusActivity StatusKind = "activity"
	StatusResult   StatusKind = "result"
	StatusTrace    StatusKind = "trace"
)

var ErrInvalidStatus = errors.New("invalid status")

// Status is the tagged union stored per job: exactly one of Activity, Result
// or Trace holds, selected by Kind.
type Status struct {
	Kind     StatusKind      `json:"kind"`
	Activity Activity        `json:"activity,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Trace    *Trace          `json:"trace,omitempty"`
}

// InProgress returns a non-terminal status.
func InProgress(a Activity) Status {
	return Status{Kind: StatusActivity, Activity: a}
}

// Succeeded returns a terminal status carrying v encoded as JSON. A nil v
// (tasks with no result) encodes as JSON null.
func Succeeded(v any) (Status, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Status{}, fmt.Errorf("encode result: %w", err)
	}
	return Status{Kind: StatusResult, Result: raw}, nil
}

// Failed returns a terminal status carrying t.
func Failed(t Trace) Status {
	return Status{Kind: StatusTrace, Trace: &t}
}

// Terminal reports whether no further status may follow s.
func (s Status) Terminal() bool {
	return s.Kind == StatusResult || s.Kind == StatusTrace
}

// Validate checks that exactly the variant named by Kind is populated.
func (s Status) Validate() error {
	switch s.Kind {
	case StatusActivity:
		if !s.Activity.Valid() || s.Result != nil || s.Trace != nil {
			return fmt.Errorf("%w: malformed activity", ErrInvalidStatus)
		}
	case StatusResult:
		if s.Result == nil || s.Trace != nil {
			return fmt.Errorf("%w: malformed result", ErrInvalidStatus)
		}
	case StatusTrace:
		if s.Trace == nil || s.Result != nil {
			return fmt.Errorf("%w: malformed trace", ErrInvalidStatus)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidStatus, s.Kind)
	}
	return nil
}

// ResultAs decodes the result carried by a terminal status.
func ResultAs[T any](s Status) (T, error) {
	var v T
	if s.Kind != StatusResult {
		return v, fmt.Errorf("%w: status is %s, not result", ErrInvalidStatus, s.Kind)
	}
	if err := json.Unmarshal(s.Result, &v); err != nil {
		return v, fmt.Errorf("decode result: %w", err)
	}
	return v, nil
}
