package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
)

// Postgres tests run only against a real database named by TEST_DATABASE_URL.
// Each store gets its own table prefix so subtests never see each other's rows.
func newPostgresTestStore(t *testing.T, opts Options) Store {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	prefix := "t" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + "_"
	ctx := context.Background()
	store, err := NewPostgresStore(ctx, PostgresConfig{URL: url, TablePrefix: prefix, MaxConns: 4}, opts, nil)
	if err != nil {
		t.Fatalf("create postgres store: %v", err)
	}
	t.Cleanup(func() {
		ps := store.(*postgresStore)
		tables := ps.tables
		_, _ = ps.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s, %s, %s", tables.Commits, tables.Branches, tables.Documents))
		_ = store.Close()
	})
	return store
}

func TestPostgresStore(t *testing.T) {
	runStoreSuite(t, newPostgresTestStore)
}

func TestPostgresDefaultBranchFallback(t *testing.T) {
	store := newPostgresTestStore(t, Options{})
	ps := store.(*postgresStore)
	ctx := context.Background()
	res := mustCreateDocument(t, store, "alice")

	if _, err := ps.pool.Exec(ctx, fmt.Sprintf("UPDATE %s SET is_default = false WHERE id = $1", ps.tables.Branches), res.BranchID); err != nil {
		t.Fatalf("clear default flag: %v", err)
	}
	got, err := store.ResolveDefaultBranch(ctx, res.DocumentID)
	if err != nil {
		t.Fatalf("ResolveDefaultBranch: %v", err)
	}
	if got.ID != res.BranchID || got.IsDefault {
		t.Fatalf("expected unflagged main branch, got %+v", got)
	}

	if _, err := ps.pool.Exec(ctx, fmt.Sprintf("UPDATE %s SET name = 'legacy' WHERE id = $1", ps.tables.Branches), res.BranchID); err != nil {
		t.Fatalf("rename branch: %v", err)
	}
	_, err = store.ResolveDefaultBranch(ctx, res.DocumentID)
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Resource != "default branch" {
		t.Fatalf("expected default branch not found, got %v", err)
	}
}

func TestPostgresTableNames(t *testing.T) {
	names := newTableNames("dev_")
	if names.Documents != "dev_documents" || names.Branches != "dev_branches" || names.Commits != "dev_commits" {
		t.Fatalf("unexpected table names %+v", names)
	}
}
