package session

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/onexay/docvs/internal/metrics"
	"github.com/onexay/docvs/internal/storage"
	"github.com/onexay/docvs/internal/types"
)

func TestRegistryOpenEditSave(t *testing.T) {
	store := storage.NewMemoryStore(storage.Options{})
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	doc, err := store.CreateDocument(ctx, storage.CreateDocumentRequest{
		Title:   "Notes",
		Content: types.Content(`{"v":0}`),
		OwnerID: "alice",
	})
	require.NoError(t, err)

	reg := NewRegistry(store, nil, nil)
	before := testutil.ToFloat64(metrics.ActiveSessions)

	sess, err := reg.Open(ctx, OpenRequest{DocumentID: doc.DocumentID, UserID: "alice"})
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())
	require.Equal(t, before+1, testutil.ToFloat64(metrics.ActiveSessions))
	require.JSONEq(t, `{"v":0}`, string(sess.Buffer.GetContent()))

	sess.Buffer.SetContent(types.Content(`{"v":1}`), true)
	require.Equal(t, Dirty, sess.Coordinator.State())

	require.NoError(t, sess.Coordinator.Blur(ctx))
	status := sess.Status()
	require.Equal(t, Clean, status.State)
	require.False(t, status.Dirty)

	commits, err := store.ListCommits(ctx, doc.BranchID)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	require.JSONEq(t, `{"v":1}`, string(commits[0].Content))

	got, err := store.GetDocument(ctx, doc.DocumentID)
	require.NoError(t, err)
	require.JSONEq(t, `{"v":1}`, string(got.CurrentContent))

	same, err := reg.Get(sess.ID)
	require.NoError(t, err)
	require.Same(t, sess, same)

	require.NoError(t, reg.Close(sess.ID))
	require.Equal(t, before, testutil.ToFloat64(metrics.ActiveSessions))
	_, err = reg.Get(sess.ID)
	require.True(t, storage.IsNotFound(err))
	require.True(t, storage.IsNotFound(reg.Close(sess.ID)))
}

func TestRegistryOpenOnBranch(t *testing.T) {
	store := storage.NewMemoryStore(storage.Options{})
	ctx := context.Background()

	doc, err := store.CreateDocument(ctx, storage.CreateDocumentRequest{
		Title:   "Notes",
		Content: types.Content(`{"v":0}`),
		OwnerID: "alice",
	})
	require.NoError(t, err)
	draft, err := store.CreateBranch(ctx, storage.BranchRequest{DocumentID: doc.DocumentID, Name: "draft", FromCommitID: doc.CommitID, OwnerID: "alice"})
	require.NoError(t, err)

	reg := NewRegistry(store, nil, nil)
	sess, err := reg.Open(ctx, OpenRequest{DocumentID: doc.DocumentID, BranchID: draft.ID, UserID: "alice"})
	require.NoError(t, err)

	sess.Buffer.SetContent(types.Content(`{"v":"draft"}`), true)
	_, err = sess.Coordinator.Save(ctx, "draft work")
	require.NoError(t, err)

	got, err := store.GetDocument(ctx, doc.DocumentID)
	require.NoError(t, err)
	require.JSONEq(t, `{"v":0}`, string(got.CurrentContent), "saving a non-default branch leaves the cache alone")

	other, err := store.CreateDocument(ctx, storage.CreateDocumentRequest{Title: "Other", Content: types.Content(`{}`), OwnerID: "alice"})
	require.NoError(t, err)
	_, err = reg.Open(ctx, OpenRequest{DocumentID: other.DocumentID, BranchID: draft.ID, UserID: "alice"})
	require.True(t, storage.IsNotFound(err))

	require.NoError(t, reg.CloseAll(ctx))
	require.Zero(t, reg.Len())
}

func TestRegistryOpenRequiresUser(t *testing.T) {
	reg := NewRegistry(storage.NewMemoryStore(storage.Options{}), nil, nil)
	_, err := reg.Open(context.Background(), OpenRequest{DocumentID: "x"})
	var authErr *storage.AuthError
	require.True(t, errors.As(err, &authErr))

	_, err = reg.Open(context.Background(), OpenRequest{DocumentID: "missing", UserID: "alice"})
	require.True(t, storage.IsNotFound(err))
}

func TestBufferEmitsOnlyWhenAsked(t *testing.T) {
	buf := NewBuffer(types.Content(`{}`))
	calls := 0
	buf.OnEdit(func() { calls++ })

	buf.SetContent(types.Content(`{"a":1}`), false)
	require.Zero(t, calls)
	buf.SetContent(types.Content(`{"a":2}`), true)
	require.Equal(t, 1, calls)

	got := buf.GetContent()
	got[0] = '['
	require.JSONEq(t, `{"a":2}`, string(buf.GetContent()))
}
