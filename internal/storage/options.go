package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/onexay/docvs/internal/types"
)

// Store defines the persistence operations behind document history.
// Commits are append-only: no method edits or removes one.
type Store interface {
	CreateDocument(ctx context.Context, req CreateDocumentRequest) (DocumentResult, error)
	GetDocument(ctx context.Context, documentID string) (types.Document, error)
	// ListDocuments returns the owner's documents, most recently updated
	// first, without CurrentContent.
	ListDocuments(ctx context.Context, ownerID types.UserID) ([]types.Document, error)
	RefreshDocumentSnapshot(ctx context.Context, documentID string, content types.Content) error

	CreateBranch(ctx context.Context, req BranchRequest) (types.Branch, error)
	GetBranch(ctx context.Context, branchID string) (types.Branch, error)
	ListBranches(ctx context.Context, documentID string) ([]types.Branch, error)
	ResolveDefaultBranch(ctx context.Context, documentID string) (types.Branch, error)

	CreateCommit(ctx context.Context, req CommitRequest) (types.Commit, error)
	ListCommits(ctx context.Context, branchID string) ([]types.Commit, error)
	GetCommit(ctx context.Context, commitID string) (types.Commit, error)

	Close() error
}

// Options control storage behaviour across backends.
type Options struct {
	// Clock overrides time.Now, mostly for tests.
	Clock func() time.Time
	// IDs overrides UUID generation, mostly for tests.
	IDs func() string
}

func (o Options) clock() func() time.Time {
	if o.Clock != nil {
		return o.Clock
	}
	return time.Now
}

func (o Options) ids() func() string {
	if o.IDs != nil {
		return o.IDs
	}
	return func() string { return uuid.NewString() }
}

func seedMessage(commitID string) string {
	return "Branched from commit " + types.ShortID(commitID)
}
