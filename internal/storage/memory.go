package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/onexay/docvs/internal/types"
)

// memoryStore provides an in-memory backend for development and testing.
type memoryStore struct {
	mu             sync.RWMutex
	clock          func() time.Time
	newID          func() string
	documents      map[string]types.Document
	branches       map[string]types.Branch
	commits        map[string]types.Commit
	docBranches    map[string][]string // document -> branch ids
	branchCommits  map[string][]string // branch -> commit ids, oldest first
	ownerDocuments map[types.UserID][]string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore(opts Options) Store {
	return &memoryStore{
		clock:          opts.clock(),
		newID:          opts.ids(),
		documents:      make(map[string]types.Document),
		branches:       make(map[string]types.Branch),
		commits:        make(map[string]types.Commit),
		docBranches:    make(map[string][]string),
		branchCommits:  make(map[string][]string),
		ownerDocuments: make(map[types.UserID][]string),
	}
}

func (m *memoryStore) CreateDocument(ctx context.Context, req CreateDocumentRequest) (DocumentResult, error) {
	if err := req.validate(); err != nil {
		return DocumentResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock().UTC().Truncate(time.Microsecond)
	doc := types.Document{
		ID:             m.newID(),
		Title:          req.Title,
		Description:    req.Description,
		CurrentContent: cloneContent(req.Content),
		OwnerID:        req.OwnerID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	branch := types.Branch{
		ID:         m.newID(),
		DocumentID: doc.ID,
		Name:       DefaultBranchName,
		IsDefault:  true,
		OwnerID:    req.OwnerID,
		CreatedAt:  now,
	}
	commit := types.Commit{
		ID:        m.newID(),
		BranchID:  branch.ID,
		Content:   cloneContent(req.Content),
		Message:   req.InitialMessage,
		AuthorID:  req.OwnerID,
		CreatedAt: commitTimestamp(now, time.Time{}),
	}

	// All three rows land under one lock, so there is no partial state to undo.
	m.documents[doc.ID] = doc
	m.branches[branch.ID] = branch
	m.commits[commit.ID] = commit
	m.docBranches[doc.ID] = []string{branch.ID}
	m.branchCommits[branch.ID] = []string{commit.ID}
	m.ownerDocuments[req.OwnerID] = append(m.ownerDocuments[req.OwnerID], doc.ID)

	return DocumentResult{
		DocumentID: doc.ID,
		BranchID:   branch.ID,
		CommitID:   commit.ID,
		Title:      doc.Title,
	}, nil
}

func (m *memoryStore) GetDocument(ctx context.Context, documentID string) (types.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.documents[documentID]
	if !ok {
		return types.Document{}, &NotFoundError{Resource: "document", Key: documentID}
	}
	doc.CurrentContent = cloneContent(doc.CurrentContent)
	return doc, nil
}

func (m *memoryStore) ListDocuments(ctx context.Context, ownerID types.UserID) ([]types.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.ownerDocuments[ownerID]
	result := make([]types.Document, 0, len(ids))
	for _, id := range ids {
		doc := m.documents[id]
		doc.CurrentContent = nil
		result = append(result, doc)
	}
	slices.SortFunc(result, func(a, b types.Document) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return result, nil
}

func (m *memoryStore) RefreshDocumentSnapshot(ctx context.Context, documentID string, content types.Content) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.documents[documentID]
	if !ok {
		return &NotFoundError{Resource: "document", Key: documentID}
	}
	doc.CurrentContent = cloneContent(content)
	doc.UpdatedAt = m.clock().UTC().Truncate(time.Microsecond)
	m.documents[documentID] = doc
	return nil
}

func (m *memoryStore) CreateBranch(ctx context.Context, req BranchRequest) (types.Branch, error) {
	if err := req.validate(); err != nil {
		return types.Branch{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.documents[req.DocumentID]; !ok {
		return types.Branch{}, &NotFoundError{Resource: "document", Key: req.DocumentID}
	}
	for _, id := range m.docBranches[req.DocumentID] {
		if m.branches[id].Name == req.Name {
			return types.Branch{}, &ConflictError{Resource: "branch", Key: req.Name}
		}
	}

	var seed *types.Commit
	if req.FromCommitID != "" {
		source, ok := m.commits[req.FromCommitID]
		if !ok {
			return types.Branch{}, &NotFoundError{Resource: "commit", Key: req.FromCommitID}
		}
		if m.branches[source.BranchID].DocumentID != req.DocumentID {
			return types.Branch{}, &ValidationError{Message: "commit does not belong to document"}
		}
		seed = &source
	}

	now := m.clock().UTC().Truncate(time.Microsecond)
	branch := types.Branch{
		ID:         m.newID(),
		DocumentID: req.DocumentID,
		Name:       req.Name,
		OwnerID:    req.OwnerID,
		CreatedAt:  now,
	}
	m.branches[branch.ID] = branch
	m.docBranches[req.DocumentID] = append(m.docBranches[req.DocumentID], branch.ID)

	if seed != nil {
		commit := types.Commit{
			ID:        m.newID(),
			BranchID:  branch.ID,
			Content:   cloneContent(seed.Content),
			Message:   seedMessage(seed.ID),
			AuthorID:  req.OwnerID,
			CreatedAt: commitTimestamp(now, time.Time{}),
		}
		m.commits[commit.ID] = commit
		m.branchCommits[branch.ID] = []string{commit.ID}
	}

	return branch, nil
}

func (m *memoryStore) GetBranch(ctx context.Context, branchID string) (types.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	branch, ok := m.branches[branchID]
	if !ok {
		return types.Branch{}, &NotFoundError{Resource: "branch", Key: branchID}
	}
	return branch, nil
}

func (m *memoryStore) ListBranches(ctx context.Context, documentID string) ([]types.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.documents[documentID]; !ok {
		return nil, &NotFoundError{Resource: "document", Key: documentID}
	}
	return m.branchesLocked(documentID), nil
}

func (m *memoryStore) branchesLocked(documentID string) []types.Branch {
	ids := m.docBranches[documentID]
	result := make([]types.Branch, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.branches[id])
	}
	sortBranches(result)
	return result
}

func (m *memoryStore) ResolveDefaultBranch(ctx context.Context, documentID string) (types.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.documents[documentID]; !ok {
		return types.Branch{}, &NotFoundError{Resource: "document", Key: documentID}
	}
	branch, ok := pickDefault(m.branchesLocked(documentID))
	if !ok {
		return types.Branch{}, &NotFoundError{Resource: "default branch", Key: documentID}
	}
	return branch, nil
}

func (m *memoryStore) CreateCommit(ctx context.Context, req CommitRequest) (types.Commit, error) {
	if err := req.validate(); err != nil {
		return types.Commit{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.branches[req.BranchID]; !ok {
		return types.Commit{}, &NotFoundError{Resource: "branch", Key: req.BranchID}
	}

	var latest time.Time
	if ids := m.branchCommits[req.BranchID]; len(ids) > 0 {
		latest = m.commits[ids[len(ids)-1]].CreatedAt
	}

	commit := types.Commit{
		ID:        m.newID(),
		BranchID:  req.BranchID,
		Content:   cloneContent(req.Content),
		Message:   req.Message,
		AuthorID:  req.AuthorID,
		CreatedAt: commitTimestamp(m.clock(), latest),
	}
	m.commits[commit.ID] = commit
	m.branchCommits[req.BranchID] = append(m.branchCommits[req.BranchID], commit.ID)

	commit.Content = cloneContent(commit.Content)
	return commit, nil
}

func (m *memoryStore) ListCommits(ctx context.Context, branchID string) ([]types.Commit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.branches[branchID]; !ok {
		return nil, &NotFoundError{Resource: "branch", Key: branchID}
	}

	ids := m.branchCommits[branchID]
	result := make([]types.Commit, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		commit := m.commits[ids[i]]
		commit.Content = cloneContent(commit.Content)
		result = append(result, commit)
	}
	sortCommitsDesc(result)
	return result, nil
}

func (m *memoryStore) GetCommit(ctx context.Context, commitID string) (types.Commit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	commit, ok := m.commits[commitID]
	if !ok {
		return types.Commit{}, &NotFoundError{Resource: "commit", Key: commitID}
	}
	commit.Content = cloneContent(commit.Content)
	return commit, nil
}

func (m *memoryStore) Close() error { return nil }
