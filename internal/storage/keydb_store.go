package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/onexay/docvs/internal/types"
)

type keydbStore struct {
	client *redis.Client
	clock  func() time.Time
	newID  func() string
}

// Config defines KeyDB connection settings.
type Config struct {
	Addr     string
	Username string
	Password string
	Database int
}

// NewKeyDBStore initializes a Store backed by KeyDB.
func NewKeyDBStore(cfg Config, opts Options) (Store, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.Database,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to keydb: %w", err)
	}

	return &keydbStore{client: client, clock: opts.clock(), newID: opts.ids()}, nil
}

func (s *keydbStore) CreateDocument(ctx context.Context, req CreateDocumentRequest) (DocumentResult, error) {
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

	docPayload, err := json.Marshal(doc)
	if err != nil {
		return DocumentResult{}, persistence("encode document", err)
	}
	branchPayload, err := json.Marshal(branch)
	if err != nil {
		return DocumentResult{}, persistence("encode branch", err)
	}
	commitPayload, err := json.Marshal(commit)
	if err != nil {
		return DocumentResult{}, persistence("encode commit", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, documentKey(doc.ID), docPayload, 0)
	pipe.ZAdd(ctx, ownerDocumentsKey(req.OwnerID), redis.Z{Score: score(now), Member: doc.ID})
	pipe.Set(ctx, branchKey(branch.ID), branchPayload, 0)
	pipe.Set(ctx, branchNameKey(doc.ID, branch.Name), branch.ID, 0)
	pipe.SAdd(ctx, documentBranchesKey(doc.ID), branch.ID)
	pipe.Set(ctx, commitKey(commit.ID), commitPayload, 0)
	pipe.ZAdd(ctx, branchCommitsKey(branch.ID), redis.Z{Score: score(commit.CreatedAt), Member: commit.ID})

	// EXEC is atomic but does not roll back commands that fail individually,
	// so a failed pipeline may leave some of the rows behind.
	if _, err := pipe.Exec(ctx); err != nil {
		return DocumentResult{}, s.abandonDocument(ctx, doc, branch, commit, err)
	}

	return DocumentResult{
		DocumentID: doc.ID,
		BranchID:   branch.ID,
		CommitID:   commit.ID,
		Title:      doc.Title,
	}, nil
}

func (s *keydbStore) abandonDocument(ctx context.Context, doc types.Document, branch types.Branch, commit types.Commit, cause error) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx,
		documentKey(doc.ID),
		branchKey(branch.ID),
		branchNameKey(doc.ID, branch.Name),
		documentBranchesKey(doc.ID),
		commitKey(commit.ID),
		branchCommitsKey(branch.ID),
	)
	pipe.ZRem(ctx, ownerDocumentsKey(doc.OwnerID), doc.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return &SetupIncompleteError{DocumentID: doc.ID, Stage: "create document", Err: errors.Join(cause, err)}
	}
	return persistence("create document", cause)
}

func (s *keydbStore) GetDocument(ctx context.Context, documentID string) (types.Document, error) {
	var doc types.Document
	if err := getJSON(ctx, s.client, documentKey(documentID), &doc, "document", documentID); err != nil {
		return types.Document{}, err
	}
	return doc, nil
}

func (s *keydbStore) ListDocuments(ctx context.Context, ownerID types.UserID) ([]types.Document, error) {
	ids, err := s.client.ZRevRange(ctx, ownerDocumentsKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, persistence("list documents", err)
	}
	result := make([]types.Document, 0, len(ids))
	for _, id := range ids {
		doc, err := s.GetDocument(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		doc.CurrentContent = nil
		result = append(result, doc)
	}
	return result, nil
}

func (s *keydbStore) RefreshDocumentSnapshot(ctx context.Context, documentID string, content types.Content) error {
	key := documentKey(documentID)
	for {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			var doc types.Document
			if err := getJSON(ctx, tx, key, &doc, "document", documentID); err != nil {
				return err
			}
			doc.CurrentContent = content
			doc.UpdatedAt = s.clock().UTC().Truncate(time.Microsecond)
			payload, err := json.Marshal(doc)
			if err != nil {
				return err
			}

			pipe := tx.TxPipeline()
			pipe.Set(ctx, key, payload, 0)
			pipe.ZAdd(ctx, ownerDocumentsKey(doc.OwnerID), redis.Z{Score: score(doc.UpdatedAt), Member: doc.ID})
			_, err = pipe.Exec(ctx)
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			if ctx.Err() != nil {
				return persistence("refresh snapshot", ctx.Err())
			}
			continue
		}
		return persistence("refresh snapshot", err)
	}
}

func (s *keydbStore) CreateBranch(ctx context.Context, req BranchRequest) (types.Branch, error) {
	if err := req.validate(); err != nil {
		return types.Branch{}, err
	}

	nameKey := branchNameKey(req.DocumentID, req.Name)
	var result types.Branch

	for {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			exists, err := tx.Exists(ctx, documentKey(req.DocumentID)).Result()
			if err != nil {
				return err
			}
			if exists == 0 {
				return &NotFoundError{Resource: "document", Key: req.DocumentID}
			}
			taken, err := tx.Exists(ctx, nameKey).Result()
			if err != nil {
				return err
			}
			if taken == 1 {
				return &ConflictError{Resource: "branch", Key: req.Name}
			}

			var source *types.Commit
			if req.FromCommitID != "" {
				var c types.Commit
				if err := getJSON(ctx, tx, commitKey(req.FromCommitID), &c, "commit", req.FromCommitID); err != nil {
					return err
				}
				var owner types.Branch
				if err := getJSON(ctx, tx, branchKey(c.BranchID), &owner, "branch", c.BranchID); err != nil {
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
			branchPayload, err := json.Marshal(branch)
			if err != nil {
				return err
			}

			pipe := tx.TxPipeline()
			pipe.Set(ctx, branchKey(branch.ID), branchPayload, 0)
			pipe.Set(ctx, nameKey, branch.ID, 0)
			pipe.SAdd(ctx, documentBranchesKey(req.DocumentID), branch.ID)
			if source != nil {
				seed := types.Commit{
					ID:        s.newID(),
					BranchID:  branch.ID,
					Content:   source.Content,
					Message:   seedMessage(source.ID),
					AuthorID:  req.OwnerID,
					CreatedAt: commitTimestamp(now, time.Time{}),
				}
				seedPayload, err := json.Marshal(seed)
				if err != nil {
					return err
				}
				pipe.Set(ctx, commitKey(seed.ID), seedPayload, 0)
				pipe.ZAdd(ctx, branchCommitsKey(branch.ID), redis.Z{Score: score(seed.CreatedAt), Member: seed.ID})
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			result = branch
			return nil
		}, nameKey, documentBranchesKey(req.DocumentID))

		if errors.Is(err, redis.TxFailedErr) {
			if ctx.Err() != nil {
				return types.Branch{}, persistence("create branch", ctx.Err())
			}
			continue
		}
		if err != nil {
			return types.Branch{}, persistence("create branch", err)
		}
		return result, nil
	}
}

func (s *keydbStore) GetBranch(ctx context.Context, branchID string) (types.Branch, error) {
	var branch types.Branch
	if err := getJSON(ctx, s.client, branchKey(branchID), &branch, "branch", branchID); err != nil {
		return types.Branch{}, err
	}
	return branch, nil
}

func (s *keydbStore) ListBranches(ctx context.Context, documentID string) ([]types.Branch, error) {
	exists, err := s.client.Exists(ctx, documentKey(documentID)).Result()
	if err != nil {
		return nil, persistence("list branches", err)
	}
	if exists == 0 {
		return nil, &NotFoundError{Resource: "document", Key: documentID}
	}

	ids, err := s.client.SMembers(ctx, documentBranchesKey(documentID)).Result()
	if err != nil {
		return nil, persistence("list branches", err)
	}
	result := make([]types.Branch, 0, len(ids))
	for _, id := range ids {
		var branch types.Branch
		if err := getJSON(ctx, s.client, branchKey(id), &branch, "branch", id); err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		result = append(result, branch)
	}
	sortBranches(result)
	return result, nil
}

func (s *keydbStore) ResolveDefaultBranch(ctx context.Context, documentID string) (types.Branch, error) {
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

func (s *keydbStore) CreateCommit(ctx context.Context, req CommitRequest) (types.Commit, error) {
	if err := req.validate(); err != nil {
		return types.Commit{}, err
	}

	historyKey := branchCommitsKey(req.BranchID)
	var result types.Commit

	for {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			exists, err := tx.Exists(ctx, branchKey(req.BranchID)).Result()
			if err != nil {
				return err
			}
			if exists == 0 {
				return &NotFoundError{Resource: "branch", Key: req.BranchID}
			}

			var latest time.Time
			head, err := tx.ZRevRangeWithScores(ctx, historyKey, 0, 0).Result()
			if err != nil {
				return err
			}
			if len(head) == 1 {
				latest = time.UnixMicro(int64(head[0].Score)).UTC()
			}

			commit := types.Commit{
				ID:        s.newID(),
				BranchID:  req.BranchID,
				Content:   req.Content,
				Message:   req.Message,
				AuthorID:  req.AuthorID,
				CreatedAt: commitTimestamp(s.clock(), latest),
			}
			payload, err := json.Marshal(commit)
			if err != nil {
				return err
			}

			pipe := tx.TxPipeline()
			pipe.Set(ctx, commitKey(commit.ID), payload, 0)
			pipe.ZAdd(ctx, historyKey, redis.Z{Score: score(commit.CreatedAt), Member: commit.ID})
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			result = commit
			return nil
		}, historyKey)

		if errors.Is(err, redis.TxFailedErr) {
			if ctx.Err() != nil {
				return types.Commit{}, persistence("create commit", ctx.Err())
			}
			continue
		}
		if err != nil {
			return types.Commit{}, persistence("create commit", err)
		}
		return result, nil
	}
}

func (s *keydbStore) ListCommits(ctx context.Context, branchID string) ([]types.Commit, error) {
	exists, err := s.client.Exists(ctx, branchKey(branchID)).Result()
	if err != nil {
		return nil, persistence("list commits", err)
	}
	if exists == 0 {
		return nil, &NotFoundError{Resource: "branch", Key: branchID}
	}

	ids, err := s.client.ZRevRange(ctx, branchCommitsKey(branchID), 0, -1).Result()
	if err != nil {
		return nil, persistence("list commits", err)
	}
	result := make([]types.Commit, 0, len(ids))
	for _, id := range ids {
		commit, err := s.GetCommit(ctx, id)
		if err != nil {
			return nil, err
		}
		result = append(result, commit)
	}
	sortCommitsDesc(result)
	return result, nil
}

func (s *keydbStore) GetCommit(ctx context.Context, commitID string) (types.Commit, error) {
	var commit types.Commit
	if err := getJSON(ctx, s.client, commitKey(commitID), &commit, "commit", commitID); err != nil {
		return types.Commit{}, err
	}
	return commit, nil
}

func (s *keydbStore) Close() error {
	return s.client.Close()
}

func getJSON(ctx context.Context, c redis.Cmdable, key string, dst any, resource, id string) error {
	payload, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return &NotFoundError{Resource: resource, Key: id}
	}
	if err != nil {
		return persistence("read "+resource, err)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return persistence("decode "+resource, err)
	}
	return nil
}

// score orders sorted-set members by microsecond timestamp, which stays exact
// inside a float64 mantissa.
func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func documentKey(id string) string {
	return fmt.Sprintf("document:%s", id)
}

func ownerDocumentsKey(owner types.UserID) string {
	return fmt.Sprintf("owner:documents:%s", owner)
}

func branchKey(id string) string {
	return fmt.Sprintf("branch:%s", id)
}

func branchNameKey(documentID, name string) string {
	return fmt.Sprintf("branchname:%s:%s", documentID, name)
}

func documentBranchesKey(documentID string) string {
	return fmt.Sprintf("document:branches:%s", documentID)
}

func commitKey(id string) string {
	return fmt.Sprintf("commit:%s", id)
}

func branchCommitsKey(branchID string) string {
	return fmt.Sprintf("branch:commits:%s", branchID)
}
