package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/cozy-sync/internal/docid"
	"github.com/tonimelisma/cozy-sync/internal/metadata"
)

// MoveFile reconciles a detected file move (spec.md section 4.4, moveFile).
// was is the document as it stood at the source path before the move.
func (m *Merge) MoveFile(ctx context.Context, side metadata.Side, doc, was *metadata.Document) (*metadata.Document, error) {
	if _, ok := was.Sides[side]; !ok {
		m.logger.Debug("moveFile: source not up to date on side, degrading to addFile",
			slog.String("side", string(side)), slog.String("was_id", was.ID.String()))
		return m.AddFile(ctx, side, doc)
	}

	tombstone := was.Clone()
	tombstone.Deleted = true
	tombstone.HasMove = true
	tombstone.MoveTo = doc.ID
	markSide(side, tombstone, was)

	carryForwardMetadata(doc, was)
	markSide(side, doc, nil)

	destExisting, err := m.store.Get(ctx, doc.ID)
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return nil, fmt.Errorf("merge: moveFile %s -> %s: %w", was.ID, doc.ID, err)
	}

	switch {
	case err == nil && destExisting.Deleted:
		// A tombstone occupies the row at doc.ID; overwrite it rather than
		// conflict-renaming a document that no longer logically exists.
		doc.Rev = destExisting.Rev
	case err == nil:
		// Destination occupied by a live document (spec.md section 4.4
		// calls out "already occupied by a file"; a folder at the
		// destination collides just as surely, so the same handling
		// applies).
		conflictID, conflictPath, err := m.conflictRename(ctx, doc.ID, doc.Path)
		if err != nil {
			return nil, fmt.Errorf("merge: moveFile %s -> %s: %w", was.ID, doc.ID, err)
		}

		doc.ID = conflictID
		doc.Path = conflictPath
		tombstone.MoveTo = conflictID
	}

	updated, err := m.store.BulkPut(ctx, []*metadata.Document{tombstone, doc})
	if err != nil {
		return nil, fmt.Errorf("merge: moveFile %s -> %s: %w", was.ID, doc.ID, err)
	}

	return updated[1], nil
}

// MoveFolder reconciles a detected folder move, recursively rewriting every
// descendant's id/path and committing the entire subtree as one atomic
// bulk write (spec.md section 4.4, moveFolder / moveFolderRecursively).
func (m *Merge) MoveFolder(ctx context.Context, side metadata.Side, doc, was *metadata.Document) (*metadata.Document, error) {
	if _, ok := was.Sides[side]; !ok {
		m.logger.Debug("moveFolder: source not up to date on side, degrading to putFolder",
			slog.String("side", string(side)), slog.String("was_id", was.ID.String()))
		return m.PutFolder(ctx, side, doc)
	}

	tombstone := was.Clone()
	tombstone.Deleted = true
	tombstone.HasMove = true
	tombstone.MoveTo = doc.ID
	markSide(side, tombstone, was)

	carryForwardMetadata(doc, was)
	markSide(side, doc, nil)

	destExisting, err := m.store.Get(ctx, doc.ID)
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return nil, fmt.Errorf("merge: moveFolder %s -> %s: %w", was.ID, doc.ID, err)
	}

	switch {
	case err == nil && destExisting.Deleted:
		// A tombstone occupies the row at doc.ID; overwrite it rather than
		// conflict-renaming a document that no longer logically exists.
		doc.Rev = destExisting.Rev
	case err == nil:
		conflictID, conflictPath, err := m.conflictRename(ctx, doc.ID, doc.Path)
		if err != nil {
			return nil, fmt.Errorf("merge: moveFolder %s -> %s: %w", was.ID, doc.ID, err)
		}

		doc.ID = conflictID
		doc.Path = conflictPath
		tombstone.MoveTo = conflictID
	}

	batch := []*metadata.Document{tombstone, doc}

	descendantBatch, err := m.moveFolderRecursively(ctx, was.ID, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("merge: moveFolder %s -> %s: %w", was.ID, doc.ID, err)
	}
	batch = append(batch, descendantBatch...)

	updated, err := m.store.BulkPut(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("merge: moveFolder %s -> %s: %w", was.ID, doc.ID, err)
	}

	return updated[1], nil
}

// moveFolderRecursively loads every descendant of oldPrefix and produces,
// for each one, a tombstone at its old id (moveTo the rewritten id) plus a
// new live document at the rewritten id/path — without committing anything.
// The caller folds the result into a single bulkPut alongside the folder's
// own tombstone/replacement pair, satisfying spec.md section 4.4's
// atomicity requirement for recursive moves.
func (m *Merge) moveFolderRecursively(ctx context.Context, oldPrefix, newPrefix docid.ID) ([]*metadata.Document, error) {
	descendants, err := m.store.ByRecursivePath(ctx, oldPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing descendants of %s: %w", oldPrefix, err)
	}

	batch := make([]*metadata.Document, 0, len(descendants)*2)

	for _, descendant := range descendants {
		newID := descendant.ID.WithPrefixReplaced(oldPrefix, newPrefix)
		newPath := rewritePathPrefix(descendant.Path, oldPrefix, newPrefix)

		tomb := descendant.Clone()
		tomb.Deleted = true
		tomb.HasMove = true
		tomb.MoveTo = newID

		moved := descendant.Clone()
		moved.ID = newID
		moved.Path = newPath
		moved.Rev = "" // fresh id by default; overridden below if it collides

		destExisting, err := m.store.Get(ctx, newID)
		if err != nil && !errors.Is(err, metadata.ErrNotFound) {
			return nil, fmt.Errorf("checking destination %s: %w", newID, err)
		}
		if err == nil && destExisting.Deleted {
			// A tombstone already occupies the rewritten id (e.g. the
			// subtree was moved away and back); overwrite it.
			moved.Rev = destExisting.Rev
		}
		// A live document at newID would mean two descendants of oldPrefix
		// rewrite onto the same id, which cannot happen since
		// WithPrefixReplaced is injective over a single recursive listing.

		batch = append(batch, tomb, moved)
	}

	return batch, nil
}

// rewritePathPrefix replaces oldPrefix's string form with newPrefix's at
// the start of path, mirroring docid.ID.WithPrefixReplaced for the
// human-facing path field.
func rewritePathPrefix(p string, oldPrefix, newPrefix docid.ID) string {
	oldStr, newStr := oldPrefix.String(), newPrefix.String()

	if p == oldStr {
		return newStr
	}

	if len(p) > len(oldStr) && p[:len(oldStr)] == oldStr && p[len(oldStr)] == '/' {
		return newStr + p[len(oldStr):]
	}

	return p
}
