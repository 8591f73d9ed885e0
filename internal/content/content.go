// Package content talks to the store holding pages and their attachments.
package content

import (
	"context"
	"errors"
	"strings"

	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

// Sentinel errors for content store failures.
var (
	ErrNotFound    = errors.New("content not found")
	ErrConflict    = errors.New("content version conflict")
	ErrUnavailable = errors.New("content store unavailable")
	ErrTimeout     = errors.New("content store timeout")
)

// Store is the authoritative source of pages and attachments. Its
// modification times drive cache staleness.
type Store interface {
	// ListResources returns the attachments of a page, optionally restricted
	// to the given media types.
	ListResources(ctx context.Context, parentID string, mediaTypes ...string) ([]models.Resource, error)
	GetResource(ctx context.Context, id string) (models.Resource, error)
	FetchBytes(ctx context.Context, id string) ([]byte, error)
	// Exists reports whether a page or attachment is still present.
	Exists(ctx context.Context, id string) (bool, error)
	GetBody(ctx context.Context, parentID string) (models.Body, error)
	// PutBody replaces a page body. A non-empty expectedVersion makes the
	// write conditional; a mismatch returns ErrConflict.
	PutBody(ctx context.Context, body models.Body, expectedVersion string) error
}

// PolicyMediaTypes are the attachment formats accepted as policy documents.
var PolicyMediaTypes = []string{
	"application/pdf",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"text/plain",
	"text/markdown",
}

// MatchMediaType reports whether mediaType is in accepted. Parameters such as
// "; charset=utf-8" are ignored. An empty accepted list matches everything.
func MatchMediaType(mediaType string, accepted []string) bool {
	if len(accepted) == 0 {
		return true
	}
	base, _, _ := strings.Cut(mediaType, ";")
	base = strings.TrimSpace(strings.ToLower(base))
	for _, a := range accepted {
		if base == strings.ToLower(a) {
			return true
		}
	}
	return false
}
