package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/onexay/docvs/internal/types"
)

// newKeyDBTestStore targets TEST_KEYDB_ADDR when set and an in-process
// miniredis otherwise.
func newKeyDBTestStore(t *testing.T, opts Options) Store {
	t.Helper()

	addr := os.Getenv("TEST_KEYDB_ADDR")
	if addr == "" {
		mini, err := miniredis.Run()
		if err != nil {
			t.Fatalf("start miniredis: %v", err)
		}
		t.Cleanup(mini.Close)
		addr = mini.Addr()
	} else {
		// Use the externally provided KeyDB instance.
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.FlushDB(context.Background()).Err(); err != nil {
			t.Fatalf("flush keydb: %v", err)
		}
		_ = client.Close()
	}

	store, err := NewKeyDBStore(Config{Addr: addr}, opts)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestKeyDBStore(t *testing.T) {
	runStoreSuite(t, newKeyDBTestStore)
}

func TestKeyDBStoreLayout(t *testing.T) {
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)

	store, err := NewKeyDBStore(Config{Addr: mini.Addr()}, Options{})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	res := mustCreateDocument(t, store, "alice")

	for _, key := range []string{
		documentKey(res.DocumentID),
		branchKey(res.BranchID),
		branchNameKey(res.DocumentID, DefaultBranchName),
		commitKey(res.CommitID),
	} {
		if !mini.Exists(key) {
			t.Fatalf("expected key %s", key)
		}
	}
	members, err := mini.ZMembers(branchCommitsKey(res.BranchID))
	if err != nil {
		t.Fatalf("ZMembers: %v", err)
	}
	if len(members) != 1 || members[0] != res.CommitID {
		t.Fatalf("unexpected branch history %v", members)
	}
	if got, _ := mini.Get(branchNameKey(res.DocumentID, DefaultBranchName)); got != res.BranchID {
		t.Fatalf("branch name index points at %q", got)
	}
}

func TestKeyDBStoreUnavailable(t *testing.T) {
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	store, err := NewKeyDBStore(Config{Addr: mini.Addr()}, Options{})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	res := mustCreateDocument(t, store, "alice")
	mini.Close()

	_, err = store.GetDocument(context.Background(), res.DocumentID)
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func newMiniKeyDBStore(t *testing.T, opts Options) (*miniredis.Miniredis, Store) {
	t.Helper()
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)

	store, err := NewKeyDBStore(Config{Addr: mini.Addr()}, opts)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return mini, store
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func TestKeyDBDefaultBranchFallback(t *testing.T) {
	mini, store := newMiniKeyDBStore(t, Options{})
	ctx := context.Background()
	res := mustCreateDocument(t, store, "alice")

	rewrite := func(mutate func(*types.Branch)) {
		t.Helper()
		raw, err := mini.Get(branchKey(res.BranchID))
		if err != nil {
			t.Fatalf("get branch: %v", err)
		}
		var branch types.Branch
		if err := json.Unmarshal([]byte(raw), &branch); err != nil {
			t.Fatalf("decode branch: %v", err)
		}
		mutate(&branch)
		payload, _ := json.Marshal(branch)
		if err := mini.Set(branchKey(res.BranchID), string(payload)); err != nil {
			t.Fatalf("set branch: %v", err)
		}
	}

	// Rows written before the default flag existed only carry the name.
	rewrite(func(b *types.Branch) { b.IsDefault = false })
	got, err := store.ResolveDefaultBranch(ctx, res.DocumentID)
	if err != nil {
		t.Fatalf("ResolveDefaultBranch: %v", err)
	}
	if got.ID != res.BranchID || got.IsDefault {
		t.Fatalf("expected unflagged main branch, got %+v", got)
	}

	rewrite(func(b *types.Branch) { b.Name = "legacy" })
	_, err = store.ResolveDefaultBranch(ctx, res.DocumentID)
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Resource != "default branch" {
		t.Fatalf("expected default branch not found, got %v", err)
	}
}

func TestKeyDBCreateDocumentRollsBack(t *testing.T) {
	mini, store := newMiniKeyDBStore(t, Options{IDs: sequentialIDs()})
	ctx := context.Background()

	// The branch set of the document about to be created is occupied by a
	// string, so SADD fails inside EXEC while the other writes land.
	if err := mini.Set(documentBranchesKey("id-1"), "occupied"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := store.CreateDocument(ctx, CreateDocumentRequest{
		Title:   "Plan",
		Content: types.Content(`{"v":1}`),
		OwnerID: "alice",
	})
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	var setup *SetupIncompleteError
	if errors.As(err, &setup) {
		t.Fatalf("cleanup succeeded, expected no setup error: %v", err)
	}

	for _, key := range []string{documentKey("id-1"), branchKey("id-2"), commitKey("id-3"), branchCommitsKey("id-2")} {
		if mini.Exists(key) {
			t.Fatalf("key %s survived rollback", key)
		}
	}
	if _, err := store.GetDocument(ctx, "id-1"); !IsNotFound(err) {
		t.Fatalf("expected document to be gone, got %v", err)
	}
	docs, err := store.ListDocuments(ctx, "alice")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("expected no listed documents, got %+v", docs)
	}
}

func TestKeyDBCreateDocumentSetupIncomplete(t *testing.T) {
	mini, store := newMiniKeyDBStore(t, Options{IDs: sequentialIDs()})
	ctx := context.Background()

	// A string at the owner index breaks both the ZADD in the create
	// pipeline and the ZREM in its cleanup.
	if err := mini.Set(ownerDocumentsKey("alice"), "occupied"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := store.CreateDocument(ctx, CreateDocumentRequest{
		Title:   "Plan",
		Content: types.Content(`{"v":1}`),
		OwnerID: "alice",
	})
	var setup *SetupIncompleteError
	if !errors.As(err, &setup) {
		t.Fatalf("expected setup incomplete error, got %v", err)
	}
	if setup.DocumentID != "id-1" {
		t.Fatalf("setup error names %q", setup.DocumentID)
	}
}
