package cache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const separator = ":"

var ErrMalformedKey = errors.New("malformed key")

// Namespaces of the first key segment.
const (
	NamespacePolicy    = "policy"
	NamespaceIssue     = "issue"
	NamespaceTask      = "task"
	NamespaceRateLimit = "ratelimit"
)

var segmentEscaper = strings.NewReplacer("%", "%25", ":", "%3A")
var segmentUnescaper = strings.NewReplacer("%3A", ":", "%25", "%")

// Key is a composite cache key. Segments are escaped on encoding, so a
// segment may contain the separator without breaking prefix queries.
type Key struct {
	segments []string
}

// NewKey builds a key from raw segments.
func NewKey(segments ...string) Key {
	return Key{segments: append([]string(nil), segments...)}
}

// ParseKey decodes a key produced by Key.String.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return Key{}, fmt.Errorf("%w: empty", ErrMalformedKey)
	}
	parts := strings.Split(s, separator)
	for i, p := range parts {
		parts[i] = segmentUnescaper.Replace(p)
	}
	return Key{segments: parts}, nil
}

func (k Key) String() string {
	escaped := make([]string, len(k.segments))
	for i, s := range k.segments {
		escaped[i] = segmentEscaper.Replace(s)
	}
	return strings.Join(escaped, separator)
}

// Prefix is the encoded form every key below k starts with.
func (k Key) Prefix() string {
	return k.String() + separator
}

func (k Key) Segments() []string {
	return append([]string(nil), k.segments...)
}

// Segment returns the i-th segment, or "" when out of range.
func (k Key) Segment(i int) string {
	if i < 0 || i >= len(k.segments) {
		return ""
	}
	return k.segments[i]
}

func (k Key) Len() int {
	return len(k.segments)
}

// Append returns a new key with extra segments.
func (k Key) Append(segments ...string) Key {
	out := make([]string, 0, len(k.segments)+len(segments))
	out = append(out, k.segments...)
	return Key{segments: append(out, segments...)}
}

// HasPrefix reports whether prefix's segments lead k's.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix.segments) > len(k.segments) {
		return false
	}
	for i, s := range prefix.segments {
		if k.segments[i] != s {
			return false
		}
	}
	return true
}

func (k Key) Equal(other Key) bool {
	return len(k.segments) == len(other.segments) && k.HasPrefix(other)
}

// PolicyKey addresses a derived document. An empty language selects the
// original-language artifact.
func PolicyKey(scope, source, language string) Key {
	if language == "" {
		return NewKey(NamespacePolicy, scope, source)
	}
	return NewKey(NamespacePolicy, scope, source, language)
}

// IssueKey addresses one issue of a page.
func IssueKey(scope, issueID string) Key {
	return NewKey(NamespaceIssue, scope, issueID)
}

// IssuesPrefix covers every issue of a page.
func IssuesPrefix(scope string) Key {
	return NewKey(NamespaceIssue, scope)
}

func TaskKey(jobID uuid.UUID) Key {
	return NewKey(NamespaceTask, jobID.String())
}

func RateLimitKey(keyPrefix string) Key {
	return NewKey(NamespaceRateLimit, keyPrefix)
}
