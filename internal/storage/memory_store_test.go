package storage

import (
	"context"
	"testing"

	"github.com/onexay/docvs/internal/types"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T, opts Options) Store {
		return NewMemoryStore(opts)
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore(Options{})
	ctx := context.Background()
	res := mustCreateDocument(t, store, "alice")

	commit, err := store.GetCommit(ctx, res.CommitID)
	if err != nil {
		t.Fatalf("GetCommit: %v", err)
	}
	commit.Content[0] = '['

	again, err := store.GetCommit(ctx, res.CommitID)
	if err != nil {
		t.Fatalf("GetCommit: %v", err)
	}
	if string(again.Content) != `{"type":"doc"}` {
		t.Fatalf("stored commit was mutated through a returned value: %s", again.Content)
	}
}

func TestMemoryStoreUsesInjectedIDs(t *testing.T) {
	next := 0
	store := NewMemoryStore(Options{IDs: func() string {
		next++
		return "id-" + string(rune('a'+next-1))
	}})

	res, err := store.CreateDocument(context.Background(), CreateDocumentRequest{
		Title:   "Doc",
		Content: types.Content(`{}`),
		OwnerID: "alice",
	})
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if res.DocumentID != "id-a" || res.BranchID != "id-b" || res.CommitID != "id-c" {
		t.Fatalf("unexpected identifiers %+v", res)
	}
}
