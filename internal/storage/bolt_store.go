package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/onexay/docvs/internal/types"
)

var (
	boltDocuments      = []byte("documents")
	boltBranches       = []byte("branches")
	boltCommits        = []byte("commits")
	boltBranchNames    = []byte("branch_names")    // document -> name -> branch id
	boltBranchHistory  = []byte("branch_history")  // branch -> ts|commit id -> commit id
	boltOwnerDocuments = []byte("owner_documents") // owner -> document id -> ""
)

// boltStore keeps the whole history in a single BoltDB file. Every write is
// one bolt transaction, so multi-row operations are all-or-nothing.
type boltStore struct {
	db    *bolt.DB
	once  sync.Once
	clock func() time.Time
	newID func() string
}

// NewBoltStore opens (or creates) a BoltDB-backed store at the provided path.
func NewBoltStore(path string, opts Options) (Store, error) {
	if path == "" {
		return nil, errors.New("bolt path is required")
	}

	cleaned := filepath.Clean(path)
	if dir := filepath.Dir(cleaned); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := bolt.Open(cleaned, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{boltDocuments, boltBranches, boltCommits, boltBranchNames, boltBranchHistory, boltOwnerDocuments} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &boltStore{db: db, clock: opts.clock(), newID: opts.ids()}, nil
}

func (s *boltStore) update(ctx context.Context, op string, fn func(tx *bolt.Tx) error) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(tx)
	})
	return persistence(op, err)
}

func (s *boltStore) view(ctx context.Context, op string, fn func(tx *bolt.Tx) error) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(tx)
	})
	return persistence(op, err)
}

func (s *boltStore) CreateDocument(ctx context.Context, req CreateDocumentRequest) (DocumentResult, error) {
	if err := req.validate(); err != nil {
		return DocumentResult{}, err
	}

	now := s.clock().UTC().Truncate(time.Microsecond)
	doc := types.Document{
		ID:             s.newID(),
		Title:          req.Title,
		Description:    req.Description,
		CurrentContent: req.Content,
		OwnerID:        req.OwnerID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	branch := types.Branch{
		ID:         s.newID(),
		DocumentID: doc.ID,
		Name:       DefaultBranchName,
		IsDefault:  true,
		OwnerID:    req.OwnerID,
		CreatedAt:  now,
	}
	commit := types.Commit{
		ID:        s.newID(),
		BranchID:  branch.ID,
		Content:   req.Content,
		Message:   req.InitialMessage,
		AuthorID:  req.OwnerID,
		CreatedAt: commitTimestamp(now, time.Time{}),
	}

	err := s.update(ctx, "create document", func(tx *bolt.Tx) error {
		if err := putJSON(tx.Bucket(boltDocuments), doc.ID, doc); err != nil {
			return err
		}
		owned, err := tx.Bucket(boltOwnerDocuments).CreateBucketIfNotExists([]byte(doc.OwnerID))
		if err != nil {
			return err
		}
		if err := owned.Put([]byte(doc.ID), []byte{}); err != nil {
			return err
		}
		if err := s.putBranch(tx, branch); err != nil {
			return err
		}
		return s.putCommit(tx, commit)
	})
	if err != nil {
		return DocumentResult{}, err
	}

	return DocumentResult{
		DocumentID: doc.ID,
		BranchID:   branch.ID,
		CommitID:   commit.ID,
		Title:      doc.Title,
	}, nil
}

func (s *boltStore) putBranch(tx *bolt.Tx, branch types.Branch) error {
	if err := putJSON(tx.Bucket(boltBranches), branch.ID, branch); err != nil {
		return err
	}
	names, err := tx.Bucket(boltBranchNames).CreateBucketIfNotExists([]byte(branch.DocumentID))
	if err != nil {
		return err
	}
	return names.Put([]byte(branch.Name), []byte(branch.ID))
}

func (s *boltStore) putCommit(tx *bolt.Tx, commit types.Commit) error {
	if err := putJSON(tx.Bucket(boltCommits), commit.ID, commit); err != nil {
		return err
	}
	history, err := tx.Bucket(boltBranchHistory).CreateBucketIfNotExists([]byte(commit.BranchID))
	if err != nil {
		return err
	}
	return history.Put(historyKey(commit.CreatedAt, commit.ID), []byte(commit.ID))
}

func (s *boltStore) GetDocument(ctx context.Context, documentID string) (types.Document, error) {
	var doc types.Document
	err := s.view(ctx, "get document", func(tx *bolt.Tx) error {
		return getBoltJSON(tx.Bucket(boltDocuments), documentID, &doc, "document")
	})
	return doc, err
}

func (s *boltStore) ListDocuments(ctx context.Context, ownerID types.UserID) ([]types.Document, error) {
	result := []types.Document{}
	err := s.view(ctx, "list documents", func(tx *bolt.Tx) error {
		owned := tx.Bucket(boltOwnerDocuments).Bucket([]byte(ownerID))
		if owned == nil {
			return nil
		}
		docs := tx.Bucket(boltDocuments)
		return owned.ForEach(func(k, _ []byte) error {
			var doc types.Document
			if err := getBoltJSON(docs, string(k), &doc, "document"); err != nil {
				return err
			}
			doc.CurrentContent = nil
			result = append(result, doc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(result, func(a, b types.Document) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return result, nil
}

func (s *boltStore) RefreshDocumentSnapshot(ctx context.Context, documentID string, content types.Content) error {
	return s.update(ctx, "refresh snapshot", func(tx *bolt.Tx) error {
		docs := tx.Bucket(boltDocuments)
		var doc types.Document
		if err := getBoltJSON(docs, documentID, &doc, "document"); err != nil {
			return err
		}
		doc.CurrentContent = content
		doc.UpdatedAt = s.clock().UTC().Truncate(time.Microsecond)
		return putJSON(docs, doc.ID, doc)
	})
}

func (s *boltStore) CreateBranch(ctx context.Context, req BranchRequest) (types.Branch, error) {
	if err := req.validate(); err != nil {
		return types.Branch{}, err
	}

	var result types.Branch
	err := s.update(ctx, "create branch", func(tx *bolt.Tx) error {
		if tx.Bucket(boltDocuments).Get([]byte(req.DocumentID)) == nil {
			return &NotFoundError{Resource: "document", Key: req.DocumentID}
		}
		if names := tx.Bucket(boltBranchNames).Bucket([]byte(req.DocumentID)); names != nil && names.Get([]byte(req.Name)) != nil {
			return &ConflictError{Resource: "branch", Key: req.Name}
		}

		var source *types.Commit
		if req.FromCommitID != "" {
			var c types.Commit
			if err := getBoltJSON(tx.Bucket(boltCommits), req.FromCommitID, &c, "commit"); err != nil {
				return err
			}
			var owner types.Branch
			if err := getBoltJSON(tx.Bucket(boltBranches), c.BranchID, &owner, "branch"); err != nil {
				return err
			}
			if owner.DocumentID != req.DocumentID {
				return &ValidationError{Message: "commit does not belong to document"}
			}
			source = &c
		}

		now := s.clock().UTC().Truncate(time.Microsecond)
		branch := types.Branch{
			ID:         s.newID(),
			DocumentID: req.DocumentID,
			Name:       req.Name,
			OwnerID:    req.OwnerID,
			CreatedAt:  now,
		}
		if err := s.putBranch(tx, branch); err != nil {
			return err
		}
		if source != nil {
			seed := types.Commit{
				ID:        s.newID(),
				BranchID:  branch.ID,
				Content:   source.Content,
				Message:   seedMessage(source.ID),
				AuthorID:  req.OwnerID,
				CreatedAt: commitTimestamp(now, time.Time{}),
			}
			if err := s.putCommit(tx, seed); err != nil {
				return err
			}
		}
		result = branch
		return nil
	})
	return result, err
}

func (s *boltStore) GetBranch(ctx context.Context, branchID string) (types.Branch, error) {
	var branch types.Branch
	err := s.view(ctx, "get branch", func(tx *bolt.Tx) error {
		return getBoltJSON(tx.Bucket(boltBranches), branchID, &branch, "branch")
	})
	return branch, err
}

func (s *boltStore) ListBranches(ctx context.Context, documentID string) ([]types.Branch, error) {
	var result []types.Branch
	err := s.view(ctx, "list branches", func(tx *bolt.Tx) error {
		var err error
		result, err = branchesOf(tx, documentID)
		return err
	})
	return result, err
}

func branchesOf(tx *bolt.Tx, documentID string) ([]types.Branch, error) {
	if tx.Bucket(boltDocuments).Get([]byte(documentID)) == nil {
		return nil, &NotFoundError{Resource: "document", Key: documentID}
	}
	result := []types.Branch{}
	names := tx.Bucket(boltBranchNames).Bucket([]byte(documentID))
	if names == nil {
		return result, nil
	}
	branches := tx.Bucket(boltBranches)
	err := names.ForEach(func(_, id []byte) error {
		var branch types.Branch
		if err := getBoltJSON(branches, string(id), &branch, "branch"); err != nil {
			return err
		}
		result = append(result, branch)
		return nil
	})
	sortBranches(result)
	return result, err
}

func (s *boltStore) ResolveDefaultBranch(ctx context.Context, documentID string) (types.Branch, error) {
	branches, err := s.ListBranches(ctx, documentID)
	if err != nil {
		return types.Branch{}, err
	}
	branch, ok := pickDefault(branches)
	if !ok {
		return types.Branch{}, &NotFoundError{Resource: "default branch", Key: documentID}
	}
	return branch, nil
}

func (s *boltStore) CreateCommit(ctx context.Context, req CommitRequest) (types.Commit, error) {
	if err := req.validate(); err != nil {
		return types.Commit{}, err
	}

	var result types.Commit
	err := s.update(ctx, "create commit", func(tx *bolt.Tx) error {
		if tx.Bucket(boltBranches).Get([]byte(req.BranchID)) == nil {
			return &NotFoundError{Resource: "branch", Key: req.BranchID}
		}

		var latest time.Time
		if history := tx.Bucket(boltBranchHistory).Bucket([]byte(req.BranchID)); history != nil {
			if k, _ := history.Cursor().Last(); k != nil {
				latest = historyTime(k)
			}
		}

		commit := types.Commit{
			ID:        s.newID(),
			BranchID:  req.BranchID,
			Content:   req.Content,
			Message:   req.Message,
			AuthorID:  req.AuthorID,
			CreatedAt: commitTimestamp(s.clock(), latest),
		}
		if err := s.putCommit(tx, commit); err != nil {
			return err
		}
		result = commit
		return nil
	})
	return result, err
}

func (s *boltStore) ListCommits(ctx context.Context, branchID string) ([]types.Commit, error) {
	result := []types.Commit{}
	err := s.view(ctx, "list commits", func(tx *bolt.Tx) error {
		if tx.Bucket(boltBranches).Get([]byte(branchID)) == nil {
			return &NotFoundError{Resource: "branch", Key: branchID}
		}
		history := tx.Bucket(boltBranchHistory).Bucket([]byte(branchID))
		if history == nil {
			return nil
		}
		commits := tx.Bucket(boltCommits)
		c := history.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var commit types.Commit
			if err := getBoltJSON(commits, string(v), &commit, "commit"); err != nil {
				return err
			}
			result = append(result, commit)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortCommitsDesc(result)
	return result, nil
}

func (s *boltStore) GetCommit(ctx context.Context, commitID string) (types.Commit, error) {
	var commit types.Commit
	err := s.view(ctx, "get commit", func(tx *bolt.Tx) error {
		return getBoltJSON(tx.Bucket(boltCommits), commitID, &commit, "commit")
	})
	return commit, err
}

// Close shuts down the Bolt DB.
func (s *boltStore) Close() error {
	var err error
	s.once.Do(func() {
		err = s.db.Close()
	})
	return err
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), payload)
}

func getBoltJSON(b *bolt.Bucket, key string, dst any, resource string) error {
	data := b.Get([]byte(key))
	if data == nil {
		return &NotFoundError{Resource: resource, Key: key}
	}
	return json.Unmarshal(data, dst)
}

func historyKey(ts time.Time, commitID string) []byte {
	key := make([]byte, 8, 8+len(commitID))
	binary.BigEndian.PutUint64(key, uint64(ts.UnixMicro()))
	return append(key, commitID...)
}

func historyTime(key []byte) time.Time {
	return time.UnixMicro(int64(binary.BigEndian.Uint64(key[:8]))).UTC()
}
