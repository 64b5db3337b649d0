package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cozy-sync/internal/docid"
	"github.com/tonimelisma/cozy-sync/internal/merge"
	"github.com/tonimelisma/cozy-sync/internal/metadata"
)

func newTestEngine(t *testing.T) (*Engine, *metadata.Store) {
	t.Helper()

	store, err := metadata.Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := merge.New(store, nil, func() time.Time { return clock })

	e := New(m, nil, 0)
	e.Start(context.Background())
	t.Cleanup(e.Stop)

	return e, store
}

func TestPrep_AddFile_NormalizesPathAndID(t *testing.T) {
	e, store := newTestEngine(t)
	prep := NewPrep(e)
	ctx := context.Background()

	doc := &metadata.Document{
		Path: filepath.Join("dir", "a.txt"), // platform separator
		Type: metadata.DocTypeFile,
		Size: 3,
	}

	created, err := prep.AddFile(ctx, metadata.SideLocal, doc)
	require.NoError(t, err)
	require.Equal(t, "dir/a.txt", created.Path)
	require.Equal(t, docid.New("dir/a.txt"), created.ID)

	fetched, err := store.Get(ctx, docid.New("dir/a.txt"))
	require.NoError(t, err)
	require.Equal(t, created.ID, fetched.ID)
}

func TestEngine_SerializesConcurrentSubmissions(t *testing.T) {
	e, store := newTestEngine(t)
	prep := NewPrep(e)
	ctx := context.Background()

	_, err := prep.PutFolder(ctx, metadata.SideLocal, &metadata.Document{Path: "dir", Type: metadata.DocTypeFolder})
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc := &metadata.Document{
				Path:     "dir",
				Type:     metadata.DocTypeFolder,
				Checksum: "",
			}
			_, err := prep.PutFolder(ctx, metadata.SideLocal, doc)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err, "serialized access to the same id must never race or conflict unexpectedly")
	}

	final, err := store.Get(ctx, docid.New("dir"))
	require.NoError(t, err)
	require.False(t, final.Deleted)
}

func TestEngine_Stop_RejectsSubsequentSubmissions(t *testing.T) {
	store, err := metadata.Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := merge.New(store, nil, func() time.Time { return clock })

	e := New(m, nil, 0)
	e.Start(context.Background())
	prep := NewPrep(e)
	ctx := context.Background()

	_, err = prep.PutFolder(ctx, metadata.SideLocal, &metadata.Document{Path: "dir", Type: metadata.DocTypeFolder})
	require.NoError(t, err)

	e.Stop()

	_, err = prep.PutFolder(ctx, metadata.SideLocal, &metadata.Document{Path: "dir2", Type: metadata.DocTypeFolder})
	require.ErrorIs(t, err, ErrClosed)
}

func TestEngine_Stop_IsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Stop()
	e.Stop()
}

func TestLocalDispatcher_DelegatesToPrepUnderSideLocal(t *testing.T) {
	e, store := newTestEngine(t)
	prep := NewPrep(e)
	d := NewLocalDispatcher(prep)
	ctx := context.Background()

	require.NoError(t, d.PutFolder(ctx, &metadata.Document{Path: "dir", Type: metadata.DocTypeFolder}))
	require.NoError(t, d.AddFile(ctx, &metadata.Document{Path: "dir/a.txt", Type: metadata.DocTypeFile, Checksum: "sum1", Size: 1}))

	fetched, err := store.Get(ctx, docid.New("dir/a.txt"))
	require.NoError(t, err)
	require.Equal(t, 1, fetched.Sides[metadata.SideLocal])

	require.NoError(t, d.DeleteFile(ctx, fetched))
	deleted, err := store.Get(ctx, docid.New("dir/a.txt"))
	require.NoError(t, err)
	require.True(t, deleted.Deleted)
}
