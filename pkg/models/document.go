package models

import "time"

// Document is text derived from a page body or an attachment. Source is empty
// for a page's own body. CreatedAt records when the text was produced and is
// what staleness checks compare against the content store's modification time.
type Document struct {
	Original  bool      `json:"original"`
	Language  string    `json:"language"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
}

// StaleAt reports whether the document predates modifiedAt.
func (d Document) StaleAt(modifiedAt time.Time) bool {
	return d.CreatedAt.Before(modifiedAt)
}
