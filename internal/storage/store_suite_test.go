package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onexay/docvs/internal/types"
)

// frozenClock never advances unless told to, which forces the store to
// break timestamp ties itself.
type frozenClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFrozenClock() *frozenClock {
	return &frozenClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *frozenClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *frozenClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// runStoreSuite exercises the behaviour every backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T, opts Options) Store) {
	t.Run("CreateDocumentWritesDefaultBranchAndInitialCommit", func(t *testing.T) {
		store := newStore(t, Options{})
		ctx := context.Background()

		res, err := store.CreateDocument(ctx, CreateDocumentRequest{
			Title:          "Plan",
			Content:        types.Content(`{"type":"doc"}`),
			OwnerID:        "alice",
			InitialMessage: "Initial commit",
		})
		if err != nil {
			t.Fatalf("CreateDocument: %v", err)
		}
		if res.DocumentID == "" || res.BranchID == "" || res.CommitID == "" {
			t.Fatalf("expected all identifiers, got %+v", res)
		}
		if res.Title != "Plan" {
			t.Fatalf("unexpected title %q", res.Title)
		}

		doc, err := store.GetDocument(ctx, res.DocumentID)
		if err != nil {
			t.Fatalf("GetDocument: %v", err)
		}
		if string(doc.CurrentContent) != `{"type":"doc"}` {
			t.Fatalf("unexpected snapshot %s", doc.CurrentContent)
		}
		if doc.OwnerID != "alice" {
			t.Fatalf("unexpected owner %q", doc.OwnerID)
		}

		branches, err := store.ListBranches(ctx, res.DocumentID)
		if err != nil {
			t.Fatalf("ListBranches: %v", err)
		}
		if len(branches) != 1 || !branches[0].IsDefault || branches[0].Name != DefaultBranchName || branches[0].ID != res.BranchID {
			t.Fatalf("unexpected branches %+v", branches)
		}

		commits, err := store.ListCommits(ctx, res.BranchID)
		if err != nil {
			t.Fatalf("ListCommits: %v", err)
		}
		if len(commits) != 1 || commits[0].ID != res.CommitID {
			t.Fatalf("unexpected commits %+v", commits)
		}
		if commits[0].Message != "Initial commit" || commits[0].AuthorID != "alice" {
			t.Fatalf("unexpected initial commit %+v", commits[0])
		}
		if string(commits[0].Content) != `{"type":"doc"}` {
			t.Fatalf("unexpected initial content %s", commits[0].Content)
		}
	})

	t.Run("RejectsUnauthenticatedAndInvalidInput", func(t *testing.T) {
		store := newStore(t, Options{})
		ctx := context.Background()

		_, err := store.CreateDocument(ctx, CreateDocumentRequest{Title: "x", Content: types.Content(`{}`)})
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("expected auth error, got %v", err)
		}
		docs, err := store.ListDocuments(ctx, "")
		if err != nil {
			t.Fatalf("ListDocuments: %v", err)
		}
		if len(docs) != 0 {
			t.Fatalf("expected nothing written, got %d documents", len(docs))
		}

		_, err = store.CreateDocument(ctx, CreateDocumentRequest{Title: "x", Content: types.Content(`{not json`), OwnerID: "alice"})
		var valErr *ValidationError
		if !errors.As(err, &valErr) {
			t.Fatalf("expected validation error for bad content, got %v", err)
		}

		res := mustCreateDocument(t, store, "alice")
		_, err = store.CreateCommit(ctx, CommitRequest{BranchID: res.BranchID, Content: types.Content(`{}`)})
		if !errors.As(err, &authErr) {
			t.Fatalf("expected auth error for anonymous commit, got %v", err)
		}
		commits, err := store.ListCommits(ctx, res.BranchID)
		if err != nil {
			t.Fatalf("ListCommits: %v", err)
		}
		if len(commits) != 1 {
			t.Fatalf("anonymous commit must not be written, have %d commits", len(commits))
		}
	})

	t.Run("ListCommitsIsStrictlyNewestFirst", func(t *testing.T) {
		clock := newFrozenClock()
		store := newStore(t, Options{Clock: clock.Now})
		ctx := context.Background()
		res := mustCreateDocument(t, store, "alice")

		var ids []string
		for i := 0; i < 5; i++ {
			commit, err := store.CreateCommit(ctx, CommitRequest{
				BranchID: res.BranchID,
				Content:  types.Content(fmt.Sprintf(`{"n":%d}`, i)),
				Message:  fmt.Sprintf("edit %d", i),
				AuthorID: "alice",
			})
			if err != nil {
				t.Fatalf("CreateCommit %d: %v", i, err)
			}
			ids = append(ids, commit.ID)
		}

		commits, err := store.ListCommits(ctx, res.BranchID)
		if err != nil {
			t.Fatalf("ListCommits: %v", err)
		}
		if len(commits) != 6 {
			t.Fatalf("expected 6 commits, got %d", len(commits))
		}
		for i := 1; i < len(commits); i++ {
			if !commits[i-1].CreatedAt.After(commits[i].CreatedAt) {
				t.Fatalf("commit %d not strictly newer than %d: %s vs %s", i-1, i, commits[i-1].CreatedAt, commits[i].CreatedAt)
			}
		}
		if commits[0].ID != ids[len(ids)-1] {
			t.Fatalf("expected latest commit first")
		}
		if commits[len(commits)-1].ID != res.CommitID {
			t.Fatalf("expected initial commit last")
		}
	})

	t.Run("BranchRules", func(t *testing.T) {
		store := newStore(t, Options{})
		ctx := context.Background()
		res := mustCreateDocument(t, store, "alice")

		_, err := store.CreateBranch(ctx, BranchRequest{DocumentID: res.DocumentID, Name: DefaultBranchName, OwnerID: "alice"})
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected conflict for reserved name, got %v", err)
		}

		draft, err := store.CreateBranch(ctx, BranchRequest{DocumentID: res.DocumentID, Name: "draft", OwnerID: "alice"})
		if err != nil {
			t.Fatalf("CreateBranch: %v", err)
		}
		if draft.IsDefault {
			t.Fatalf("new branches must not be default")
		}
		fetched, err := store.GetBranch(ctx, draft.ID)
		if err != nil {
			t.Fatalf("GetBranch: %v", err)
		}
		if fetched.DocumentID != res.DocumentID || fetched.Name != "draft" {
			t.Fatalf("unexpected branch %+v", fetched)
		}
		if _, err := store.CreateBranch(ctx, BranchRequest{DocumentID: res.DocumentID, Name: "draft", OwnerID: "alice"}); !errors.As(err, &conflict) {
			t.Fatalf("expected conflict for duplicate name, got %v", err)
		}

		empty, err := store.ListCommits(ctx, draft.ID)
		if err != nil {
			t.Fatalf("ListCommits: %v", err)
		}
		if len(empty) != 0 {
			t.Fatalf("unseeded branch should be empty, got %d", len(empty))
		}

		seeded, err := store.CreateBranch(ctx, BranchRequest{DocumentID: res.DocumentID, Name: "alt", FromCommitID: res.CommitID, OwnerID: "bob"})
		if err != nil {
			t.Fatalf("CreateBranch seeded: %v", err)
		}
		seedCommits, err := store.ListCommits(ctx, seeded.ID)
		if err != nil {
			t.Fatalf("ListCommits seeded: %v", err)
		}
		if len(seedCommits) != 1 {
			t.Fatalf("expected one seed commit, got %d", len(seedCommits))
		}
		if want := "Branched from commit " + types.ShortID(res.CommitID); seedCommits[0].Message != want {
			t.Fatalf("seed message = %q, want %q", seedCommits[0].Message, want)
		}
		if string(seedCommits[0].Content) != `{"type":"doc"}` || seedCommits[0].AuthorID != "bob" {
			t.Fatalf("unexpected seed commit %+v", seedCommits[0])
		}

		branches, err := store.ListBranches(ctx, res.DocumentID)
		if err != nil {
			t.Fatalf("ListBranches: %v", err)
		}
		var names []string
		for _, b := range branches {
			names = append(names, b.Name)
		}
		if fmt.Sprint(names) != "[main alt draft]" {
			t.Fatalf("unexpected branch order %v", names)
		}

		other := mustCreateDocument(t, store, "alice")
		_, err = store.CreateBranch(ctx, BranchRequest{DocumentID: other.DocumentID, Name: "stolen", FromCommitID: res.CommitID, OwnerID: "alice"})
		var valErr *ValidationError
		if !errors.As(err, &valErr) {
			t.Fatalf("expected validation error for foreign commit, got %v", err)
		}
	})

	t.Run("ResolveDefaultBranch", func(t *testing.T) {
		store := newStore(t, Options{})
		ctx := context.Background()
		res := mustCreateDocument(t, store, "alice")

		if _, err := store.CreateBranch(ctx, BranchRequest{DocumentID: res.DocumentID, Name: "aaa", OwnerID: "alice"}); err != nil {
			t.Fatalf("CreateBranch: %v", err)
		}
		branch, err := store.ResolveDefaultBranch(ctx, res.DocumentID)
		if err != nil {
			t.Fatalf("ResolveDefaultBranch: %v", err)
		}
		if branch.ID != res.BranchID {
			t.Fatalf("expected default branch %s, got %s", res.BranchID, branch.ID)
		}

		if _, err := store.ResolveDefaultBranch(ctx, "missing"); !IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("RefreshAndListDocuments", func(t *testing.T) {
		clock := newFrozenClock()
		store := newStore(t, Options{Clock: clock.Now})
		ctx := context.Background()

		first := mustCreateDocument(t, store, "alice")
		clock.Advance(time.Second)
		second := mustCreateDocument(t, store, "alice")
		mustCreateDocument(t, store, "bob")

		docs, err := store.ListDocuments(ctx, "alice")
		if err != nil {
			t.Fatalf("ListDocuments: %v", err)
		}
		if len(docs) != 2 || docs[0].ID != second.DocumentID {
			t.Fatalf("expected newest of alice's documents first, got %+v", docs)
		}

		clock.Advance(time.Second)
		if err := store.RefreshDocumentSnapshot(ctx, first.DocumentID, types.Content(`{"v":2}`)); err != nil {
			t.Fatalf("RefreshDocumentSnapshot: %v", err)
		}
		doc, err := store.GetDocument(ctx, first.DocumentID)
		if err != nil {
			t.Fatalf("GetDocument: %v", err)
		}
		if string(doc.CurrentContent) != `{"v":2}` {
			t.Fatalf("snapshot not refreshed: %s", doc.CurrentContent)
		}
		if !doc.UpdatedAt.After(doc.CreatedAt) {
			t.Fatalf("expected updatedAt to move forward")
		}

		docs, err = store.ListDocuments(ctx, "alice")
		if err != nil {
			t.Fatalf("ListDocuments: %v", err)
		}
		if docs[0].ID != first.DocumentID {
			t.Fatalf("refreshed document should sort first")
		}
		for _, d := range docs {
			if len(d.CurrentContent) != 0 {
				t.Fatalf("listing should omit content, got %s for %s", d.CurrentContent, d.ID)
			}
		}

		if err := store.RefreshDocumentSnapshot(ctx, "missing", types.Content(`{}`)); !IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("MissingRecords", func(t *testing.T) {
		store := newStore(t, Options{})
		ctx := context.Background()

		if _, err := store.GetDocument(ctx, "nope"); !IsNotFound(err) {
			t.Fatalf("GetDocument: expected not found, got %v", err)
		}
		if _, err := store.GetBranch(ctx, "nope"); !IsNotFound(err) {
			t.Fatalf("GetBranch: expected not found, got %v", err)
		}
		if _, err := store.GetCommit(ctx, "nope"); !IsNotFound(err) {
			t.Fatalf("GetCommit: expected not found, got %v", err)
		}
		if _, err := store.ListCommits(ctx, "nope"); !IsNotFound(err) {
			t.Fatalf("ListCommits: expected not found, got %v", err)
		}
		if _, err := store.ListBranches(ctx, "nope"); !IsNotFound(err) {
			t.Fatalf("ListBranches: expected not found, got %v", err)
		}
		_, err := store.CreateCommit(ctx, CommitRequest{BranchID: "nope", Content: types.Content(`{}`), AuthorID: "alice"})
		if !IsNotFound(err) {
			t.Fatalf("CreateCommit: expected not found, got %v", err)
		}
		_, err = store.CreateBranch(ctx, BranchRequest{DocumentID: "nope", Name: "x", OwnerID: "alice"})
		if !IsNotFound(err) {
			t.Fatalf("CreateBranch: expected not found, got %v", err)
		}
	})

	t.Run("ConcurrentCommitsAllLand", func(t *testing.T) {
		store := newStore(t, Options{})
		ctx := context.Background()
		res := mustCreateDocument(t, store, "alice")

		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.CreateCommit(ctx, CommitRequest{
					BranchID: res.BranchID,
					Content:  types.Content(fmt.Sprintf(`{"w":%d}`, i)),
					AuthorID: "alice",
				})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("concurrent CreateCommit: %v", err)
			}
		}

		commits, err := store.ListCommits(ctx, res.BranchID)
		if err != nil {
			t.Fatalf("ListCommits: %v", err)
		}
		if len(commits) != writers+1 {
			t.Fatalf("expected %d commits, got %d", writers+1, len(commits))
		}
		for i := 1; i < len(commits); i++ {
			if !commits[i-1].CreatedAt.After(commits[i].CreatedAt) {
				t.Fatalf("history not strictly ordered at %d", i)
			}
		}
	})
}

func mustCreateDocument(t *testing.T, store Store, owner types.UserID) DocumentResult {
	t.Helper()
	res, err := store.CreateDocument(context.Background(), CreateDocumentRequest{
		Title:          "Doc",
		Content:        types.Content(`{"type":"doc"}`),
		OwnerID:        owner,
		InitialMessage: "Initial commit",
	})
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	return res
}
