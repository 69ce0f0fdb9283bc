// Package history implements revert, fork and compare on top of the version store.
package history

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/onexay/docvs/internal/diff"
	"github.com/onexay/docvs/internal/metrics"
	"github.com/onexay/docvs/internal/storage"
	"github.com/onexay/docvs/internal/types"
)

const (
	DefaultTitle = "Untitled Document"
	// DefaultContent is an empty editor document with a single paragraph.
	DefaultContent = `{"type":"doc","content":[{"type":"paragraph"}]}`
	// DiffContext is the number of context lines in unified output.
	DiffContext = 3
)

// Service bundles history workflows. Every operation only appends.
type Service struct {
	store  storage.Store
	logger *slog.Logger
}

// NewService wires a Service to a store.
func NewService(store storage.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// CreateDocument starts a new lineage, filling in an empty title or content.
func (s *Service) CreateDocument(ctx context.Context, title, description string, content types.Content, userID types.UserID) (storage.DocumentResult, error) {
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}
	if c := bytes.TrimSpace(content); len(c) == 0 || string(c) == "null" {
		content = types.Content(DefaultContent)
	}
	return s.store.CreateDocument(ctx, storage.CreateDocumentRequest{
		Title:          title,
		Description:    description,
		Content:        content,
		OwnerID:        userID,
		InitialMessage: "Initial commit",
	})
}

// Commit appends content to a branch and refreshes the document cache when
// the branch is the document's default.
func (s *Service) Commit(ctx context.Context, branchID string, content types.Content, message string, userID types.UserID) (types.Commit, error) {
	branch, err := s.store.GetBranch(ctx, branchID)
	if err != nil {
		return types.Commit{}, err
	}

	commit, err := s.store.CreateCommit(ctx, storage.CommitRequest{
		BranchID: branch.ID,
		Content:  content,
		Message:  message,
		AuthorID: userID,
	})
	if err != nil {
		metrics.SaveFailures.WithLabelValues(metrics.TriggerAPI).Inc()
		return types.Commit{}, err
	}
	metrics.CommitsCreated.WithLabelValues(metrics.TriggerAPI).Inc()

	if def, err := s.store.ResolveDefaultBranch(ctx, branch.DocumentID); err == nil && def.ID == branch.ID {
		s.refresh(ctx, branch.DocumentID, content)
	}
	return commit, nil
}

// DocumentOfCommit returns the id of the document a commit belongs to.
func (s *Service) DocumentOfCommit(ctx context.Context, commitID string) (string, error) {
	commit, err := s.store.GetCommit(ctx, commitID)
	if err != nil {
		return "", err
	}
	branch, err := s.store.GetBranch(ctx, commit.BranchID)
	if err != nil {
		return "", err
	}
	return branch.DocumentID, nil
}

// RevertToCommit appends the target commit's content to the document's
// default branch, whichever branch the target lives on.
func (s *Service) RevertToCommit(ctx context.Context, targetCommitID, documentID string, userID types.UserID) (types.Commit, error) {
	if userID == "" {
		return types.Commit{}, &storage.AuthError{Message: "user id is required"}
	}

	target, err := s.store.GetCommit(ctx, targetCommitID)
	if err != nil {
		return types.Commit{}, err
	}

	branch, err := s.defaultBranch(ctx, documentID)
	if err != nil {
		return types.Commit{}, err
	}

	commit, err := s.store.CreateCommit(ctx, storage.CommitRequest{
		BranchID: branch.ID,
		Content:  target.Content,
		Message:  "Reverted to state of commit " + types.ShortID(target.ID),
		AuthorID: userID,
	})
	if err != nil {
		metrics.SaveFailures.WithLabelValues(metrics.TriggerRevert).Inc()
		return types.Commit{}, err
	}
	metrics.CommitsCreated.WithLabelValues(metrics.TriggerRevert).Inc()

	s.refresh(ctx, documentID, target.Content)
	return commit, nil
}

// CreateDocumentFromCommit forks a commit into a brand new document. The new
// document keeps no link back to its source.
func (s *Service) CreateDocumentFromCommit(ctx context.Context, sourceCommitID, title string, userID types.UserID) (storage.DocumentResult, error) {
	if userID == "" {
		return storage.DocumentResult{}, &storage.AuthError{Message: "user id is required"}
	}

	source, err := s.store.GetCommit(ctx, sourceCommitID)
	if err != nil {
		return storage.DocumentResult{}, err
	}

	if strings.TrimSpace(title) == "" {
		title = "Copy of commit " + types.ShortID(source.ID)
	}

	res, err := s.store.CreateDocument(ctx, storage.CreateDocumentRequest{
		Title:          title,
		Content:        source.Content,
		OwnerID:        userID,
		InitialMessage: "Initial commit from: " + truncate(title, 50),
	})
	if err != nil {
		metrics.SaveFailures.WithLabelValues(metrics.TriggerFork).Inc()
		return storage.DocumentResult{}, err
	}
	metrics.CommitsCreated.WithLabelValues(metrics.TriggerFork).Inc()
	return res, nil
}

// Comparison is the result of diffing a commit against a branch head.
type Comparison struct {
	BranchID string       `json:"branchId"`
	HeadID   string       `json:"headId,omitempty"`
	CommitID string       `json:"commitId"`
	Lines    []diff.Line  `json:"lines,omitempty"`
	Unified  string       `json:"unified,omitempty"`
	Summary  diff.Summary `json:"summary"`
}

// CompareWithBranchHead diffs the head of branchID (old) against commitID
// (new). An empty branchID means the default branch of the commit's document.
func (s *Service) CompareWithBranchHead(ctx context.Context, commitID, branchID string) (Comparison, error) {
	commit, err := s.store.GetCommit(ctx, commitID)
	if err != nil {
		return Comparison{}, err
	}

	if branchID == "" {
		owner, err := s.store.GetBranch(ctx, commit.BranchID)
		if err != nil {
			return Comparison{}, err
		}
		branch, err := s.defaultBranch(ctx, owner.DocumentID)
		if err != nil {
			return Comparison{}, err
		}
		branchID = branch.ID
	}

	commits, err := s.store.ListCommits(ctx, branchID)
	if err != nil {
		return Comparison{}, err
	}

	cmp := Comparison{BranchID: branchID, CommitID: commit.ID}
	var head types.Content
	if len(commits) > 0 {
		cmp.HeadID = commits[0].ID
		head = commits[0].Content
	}
	cmp.Lines = diff.Diff(head, commit.Content)
	cmp.Summary = diff.Stats(cmp.Lines)
	return cmp, nil
}

// CompareCommits diffs two arbitrary commits.
func (s *Service) CompareCommits(ctx context.Context, fromID, toID string) (Comparison, error) {
	from, err := s.store.GetCommit(ctx, fromID)
	if err != nil {
		return Comparison{}, err
	}
	to, err := s.store.GetCommit(ctx, toID)
	if err != nil {
		return Comparison{}, err
	}
	lines := diff.Diff(from.Content, to.Content)
	return Comparison{
		BranchID: from.BranchID,
		HeadID:   from.ID,
		CommitID: to.ID,
		Lines:    lines,
		Summary:  diff.Stats(lines),
	}, nil
}

// WithUnified replaces the line view of cmp with a unified patch.
func (s *Service) WithUnified(ctx context.Context, cmp Comparison) (Comparison, error) {
	var old types.Content
	if cmp.HeadID != "" {
		head, err := s.store.GetCommit(ctx, cmp.HeadID)
		if err != nil {
			return Comparison{}, err
		}
		old = head.Content
	}
	commit, err := s.store.GetCommit(ctx, cmp.CommitID)
	if err != nil {
		return Comparison{}, err
	}
	patch, err := diff.Unified(old, commit.Content, DiffContext)
	if err != nil {
		return Comparison{}, err
	}
	cmp.Unified = patch
	cmp.Lines = nil
	return cmp, nil
}

// ReconcileSnapshot rebuilds the cached document content from the head of
// the default branch.
func (s *Service) ReconcileSnapshot(ctx context.Context, documentID string) (types.Document, error) {
	branch, err := s.defaultBranch(ctx, documentID)
	if err != nil {
		return types.Document{}, err
	}
	commits, err := s.store.ListCommits(ctx, branch.ID)
	if err != nil {
		return types.Document{}, err
	}
	if len(commits) == 0 {
		return types.Document{}, &storage.SetupIncompleteError{DocumentID: documentID, Stage: "initial commit"}
	}
	if err := s.store.RefreshDocumentSnapshot(ctx, documentID, commits[0].Content); err != nil {
		return types.Document{}, err
	}
	return s.store.GetDocument(ctx, documentID)
}

// Overview is a document with its branches.
type Overview struct {
	Document types.Document `json:"document"`
	Branches []types.Branch `json:"branches"`
}

// GetOverview loads a document and its branches. A document without a
// resolvable default branch is reported as incomplete rather than empty.
func (s *Service) GetOverview(ctx context.Context, documentID string) (Overview, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return Overview{}, err
	}
	if _, err := s.defaultBranch(ctx, documentID); err != nil {
		return Overview{}, err
	}
	branches, err := s.store.ListBranches(ctx, documentID)
	if err != nil {
		return Overview{}, err
	}
	return Overview{Document: doc, Branches: branches}, nil
}

func (s *Service) defaultBranch(ctx context.Context, documentID string) (types.Branch, error) {
	branch, err := s.store.ResolveDefaultBranch(ctx, documentID)
	if err == nil {
		return branch, nil
	}
	var nf *storage.NotFoundError
	if errors.As(err, &nf) && nf.Resource == "default branch" {
		return types.Branch{}, &storage.SetupIncompleteError{DocumentID: documentID, Stage: "default branch", Err: err}
	}
	return types.Branch{}, err
}

func (s *Service) refresh(ctx context.Context, documentID string, content types.Content) {
	if err := s.store.RefreshDocumentSnapshot(ctx, documentID, content); err != nil {
		metrics.SnapshotRefreshFailures.Inc()
		s.logger.Warn("snapshot refresh failed", "document_id", documentID, "error", err)
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
