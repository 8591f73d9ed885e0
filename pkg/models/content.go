package models

import "time"

// Resource describes an attachment held by the content store.
type Resource struct {
	ID         string    `json:"id"`
	ParentID   string    `json:"parent_id"`
	Title      string    `json:"title"`
	MediaType  string    `json:"media_type"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Body is a page's own content. Version is an opaque token used for
// conditional writes.
type Body struct {
	ParentID   string    `json:"parent_id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Version    string    `json:"version"`
	ModifiedAt time.Time `json:"modified_at"`
}
