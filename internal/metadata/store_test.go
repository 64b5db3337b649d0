package metadata

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cozy-sync/internal/docid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(context.Background(), ":memory:", slog.Default())
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestStore_PutThenGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc := &Document{
		ID:       docid.New("a/b.txt"),
		Path:     "a/b.txt",
		Type:     DocTypeFile,
		Checksum: "deadbeef==",
		Size:     42,
		Sides:    map[Side]int{SideLocal: 1},
	}

	created, err := store.Put(ctx, doc)
	require.NoError(t, err)
	require.NotEmpty(t, created.Rev)

	got, err := store.Get(ctx, docid.New("a/b.txt"))
	require.NoError(t, err)
	require.Equal(t, created.Rev, got.Rev)
	require.Equal(t, int64(42), got.Size)
	require.Equal(t, 1, got.Sides[SideLocal])
}

func TestStore_Get_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), docid.New("nope"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Put_ConflictOnStaleRev(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc := &Document{ID: docid.New("f"), Path: "f", Type: DocTypeFile, Sides: map[Side]int{SideLocal: 1}}

	first, err := store.Put(ctx, doc)
	require.NoError(t, err)

	stale := first.Clone()
	stale.Rev = "not-the-current-rev"

	_, err = store.Put(ctx, stale)
	require.ErrorIs(t, err, ErrConflict)

	// creating with a non-empty rev when nothing exists is also a conflict
	fresh := &Document{ID: docid.New("other"), Rev: "bogus", Type: DocTypeFile, Sides: map[Side]int{SideLocal: 1}}
	_, err = store.Put(ctx, fresh)
	require.ErrorIs(t, err, ErrConflict)
}

func TestStore_Put_UpdateWithCorrectRevSucceeds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc := &Document{ID: docid.New("f"), Path: "f", Type: DocTypeFile, Sides: map[Side]int{SideLocal: 1}}

	created, err := store.Put(ctx, doc)
	require.NoError(t, err)

	updated := created.Clone()
	updated.Size = 7
	updated.Sides[SideLocal] = 2

	second, err := store.Put(ctx, updated)
	require.NoError(t, err)
	require.NotEqual(t, created.Rev, second.Rev)
	require.Equal(t, int64(7), second.Size)
}

func TestStore_BulkPut_AtomicAcrossDocuments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	parent := &Document{ID: docid.New("dir"), Path: "dir", Type: DocTypeFolder, Sides: map[Side]int{SideLocal: 1}}
	child := &Document{ID: docid.New("dir/a"), Path: "dir/a", Type: DocTypeFile, Sides: map[Side]int{SideLocal: 1}}

	updated, err := store.BulkPut(ctx, []*Document{parent, child})
	require.NoError(t, err)
	require.Len(t, updated, 2)

	_, err = store.Get(ctx, docid.New("dir"))
	require.NoError(t, err)
	_, err = store.Get(ctx, docid.New("dir/a"))
	require.NoError(t, err)
}

func TestStore_BulkPut_RollsBackOnConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ok := &Document{ID: docid.New("ok"), Type: DocTypeFile, Sides: map[Side]int{SideLocal: 1}}
	conflicting := &Document{ID: docid.New("exists"), Rev: "bogus", Type: DocTypeFile, Sides: map[Side]int{SideLocal: 1}}

	_, err := store.BulkPut(ctx, []*Document{ok, conflicting})
	require.Error(t, err)

	_, err = store.Get(ctx, docid.New("ok"))
	require.ErrorIs(t, err, ErrNotFound, "partial write must not survive a rolled-back bulk put")
}

func TestStore_ByRecursivePath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	docs := []*Document{
		{ID: docid.New("dir"), Type: DocTypeFolder, Sides: map[Side]int{SideLocal: 1}},
		{ID: docid.New("dir/a"), Type: DocTypeFile, Sides: map[Side]int{SideLocal: 1}},
		{ID: docid.New("dir/sub"), Type: DocTypeFolder, Sides: map[Side]int{SideLocal: 1}},
		{ID: docid.New("dir/sub/b"), Type: DocTypeFile, Sides: map[Side]int{SideLocal: 1}},
		{ID: docid.New("dir2/a"), Type: DocTypeFile, Sides: map[Side]int{SideLocal: 1}},
	}
	_, err := store.BulkPut(ctx, docs)
	require.NoError(t, err)

	got, err := store.ByRecursivePath(ctx, docid.New("dir"))
	require.NoError(t, err)

	var ids []string
	for _, d := range got {
		ids = append(ids, d.ID.String())
	}
	require.Equal(t, []string{"dir/a", "dir/sub", "dir/sub/b"}, ids,
		"prefix itself is excluded; dir2/a must not match via a false prefix")
}

func TestStore_ByChecksum_IncludesTombstones(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc := &Document{ID: docid.New("f"), Type: DocTypeFile, Checksum: "hash1", Sides: map[Side]int{SideLocal: 1}}
	created, err := store.Put(ctx, doc)
	require.NoError(t, err)

	tombstoned := created.Clone()
	tombstoned.Deleted = true
	_, err = store.Put(ctx, tombstoned)
	require.NoError(t, err)

	matches, err := store.ByChecksum(ctx, "hash1")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.True(t, matches[0].Deleted)
}

func TestStore_PreviousRev(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	v1 := &Document{ID: docid.New("f"), Type: DocTypeFile, Size: 1, Sides: map[Side]int{SideLocal: 1}}
	created, err := store.Put(ctx, v1)
	require.NoError(t, err)

	v2 := created.Clone()
	v2.Size = 2
	v2.Sides[SideLocal] = 2
	_, err = store.Put(ctx, v2)
	require.NoError(t, err)

	prev, err := store.PreviousRev(ctx, docid.New("f"), SideLocal, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), prev.Size)

	_, err = store.PreviousRev(ctx, docid.New("f"), SideLocal, 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Stats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, &Document{
		ID: docid.New("dir"), Path: "dir", Type: DocTypeFolder,
		Sides: map[Side]int{SideLocal: 1},
	})
	require.NoError(t, err)

	_, err = store.Put(ctx, &Document{
		ID: docid.New("dir/a.txt"), Path: "dir/a.txt", Type: DocTypeFile, Size: 1,
		Sides: map[Side]int{SideLocal: 1},
	})
	require.NoError(t, err)

	trashedDoc, err := store.Put(ctx, &Document{
		ID: docid.New("trashed.txt"), Path: "trashed.txt", Type: DocTypeFile, Size: 2,
		Sides: map[Side]int{SideLocal: 1}, Trashed: true,
	})
	require.NoError(t, err)
	_ = trashedDoc

	errDoc, err := store.Put(ctx, &Document{
		ID: docid.New("flaky.txt"), Path: "flaky.txt", Type: DocTypeFile, Size: 3,
		Sides: map[Side]int{SideLocal: 1}, Errors: 2,
	})
	require.NoError(t, err)
	_ = errDoc

	bothSidesTombstone, err := store.Put(ctx, &Document{
		ID: docid.New("gone.txt"), Path: "gone.txt", Type: DocTypeFile,
		Sides: map[Side]int{SideLocal: 1},
	})
	require.NoError(t, err)
	bothSidesTombstone = bothSidesTombstone.Clone()
	bothSidesTombstone.Deleted = true
	bothSidesTombstone.Sides[SideRemote] = 1
	_, err = store.Put(ctx, bothSidesTombstone)
	require.NoError(t, err)

	oneSidedTombstone, err := store.Put(ctx, &Document{
		ID: docid.New("half-gone.txt"), Path: "half-gone.txt", Type: DocTypeFile,
		Sides: map[Side]int{SideLocal: 1},
	})
	require.NoError(t, err)
	oneSidedTombstone = oneSidedTombstone.Clone()
	oneSidedTombstone.Deleted = true
	_, err = store.Put(ctx, oneSidedTombstone)
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.LiveFolders)
	require.Equal(t, 3, stats.LiveFiles) // dir/a.txt, trashed.txt, flaky.txt
	require.Equal(t, 1, stats.Tombstones)
	require.Equal(t, 1, stats.PendingDeletes)
	require.Equal(t, 1, stats.Trashed)
	require.Equal(t, 1, stats.ErrorDocuments)
	require.Equal(t, int64(1+2+3), stats.LiveBytes) // dir/a.txt + trashed.txt + flaky.txt
}
