package types

import (
	"encoding/json"
	"time"
)

// UserID identifies the caller on whose behalf a mutation runs.
type UserID string

// Content is an opaque document snapshot. Only the diff engine looks inside it.
type Content = json.RawMessage

// Document is a named editable artifact. CurrentContent caches the head of the
// default branch and is never authoritative.
type Document struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	CurrentContent Content   `json:"currentContent,omitempty"`
	OwnerID        UserID    `json:"ownerId"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Branch is an ordered commit lineage within a document.
type Branch struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	Name       string    `json:"name"`
	IsDefault  bool      `json:"isDefault"`
	OwnerID    UserID    `json:"ownerId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Commit captures an immutable content snapshot appended to a branch.
type Commit struct {
	ID        string    `json:"id"`
	BranchID  string    `json:"branchId"`
	Content   Content   `json:"content,omitempty"`
	Message   string    `json:"message,omitempty"`
	AuthorID  UserID    `json:"authorId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Snapshot is the public, history-free view of a document.
type Snapshot struct {
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	CurrentContent Content   `json:"currentContent,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// SnapshotOf strips a document down to its public view.
func SnapshotOf(doc Document) Snapshot {
	return Snapshot{
		Title:          doc.Title,
		Description:    doc.Description,
		CurrentContent: doc.CurrentContent,
		UpdatedAt:      doc.UpdatedAt,
	}
}

// ShortID returns the display prefix used in generated titles and messages.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
