package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/cozy-sync/internal/metadata"
)

// DeleteFile reconciles a file deletion (spec.md section 4.4, deleteFile).
func (m *Merge) DeleteFile(ctx context.Context, side metadata.Side, doc *metadata.Document) error {
	existing, err := m.store.Get(ctx, doc.ID)
	if errors.Is(err, metadata.ErrNotFound) {
		m.logger.Debug("deleteFile: already absent, no-op", slog.String("id", doc.ID.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("merge: deleteFile %s: %w", doc.ID, err)
	}

	if existing.Deleted {
		m.logger.Debug("deleteFile: already tombstoned, no-op", slog.String("id", doc.ID.String()))
		return nil
	}

	if _, ok := existing.Sides[side]; !ok {
		m.logger.Debug("deleteFile: stale event, side never observed this document",
			slog.String("id", doc.ID.String()), slog.String("side", string(side)))
		return nil
	}

	tombstone := existing.Clone()
	tombstone.Deleted = true
	markSide(side, tombstone, existing)

	if _, err := m.store.Put(ctx, tombstone); err != nil {
		return fmt.Errorf("merge: deleteFile %s: %w", doc.ID, err)
	}

	return nil
}

// DeleteFolder reconciles a folder deletion, recursing into descendants
// (spec.md section 4.4, deleteFolder / deleteFolderRecursively).
func (m *Merge) DeleteFolder(ctx context.Context, side metadata.Side, doc *metadata.Document) error {
	existing, err := m.store.Get(ctx, doc.ID)
	if errors.Is(err, metadata.ErrNotFound) {
		m.logger.Debug("deleteFolder: already absent, no-op", slog.String("id", doc.ID.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("merge: deleteFolder %s: %w", doc.ID, err)
	}

	if existing.Deleted {
		return nil
	}

	if _, ok := existing.Sides[side]; !ok {
		return nil
	}

	batch, err := m.deleteFolderRecursively(ctx, side, existing)
	if err != nil {
		return fmt.Errorf("merge: deleteFolder %s: %w", doc.ID, err)
	}

	if _, err := m.store.BulkPut(ctx, batch); err != nil {
		return fmt.Errorf("merge: deleteFolder %s: %w", doc.ID, err)
	}

	return nil
}

// deleteFolderRecursively computes the bulk write for a folder delete:
// descendants up to date on side are tombstoned; descendants side hasn't
// caught up on (changed on the opposite side since side last saw them) are
// preserved but dissociated from the opposite side (its Sides entry and
// Remote are cleared), to avoid silently discarding a concurrent edit
// (spec.md section 4.4).
// Descendants are processed in reverse id order so deepest entries are
// decided before their parents (spec.md section 5, ordering guarantee 3).
func (m *Merge) deleteFolderRecursively(ctx context.Context, side metadata.Side, folder *metadata.Document) ([]*metadata.Document, error) {
	descendants, err := m.store.ByRecursivePath(ctx, folder.ID)
	if err != nil {
		return nil, fmt.Errorf("listing descendants of %s: %w", folder.ID, err)
	}

	opposite := oppositeSide(side)

	preserveAny := false
	batch := make([]*metadata.Document, 0, len(descendants)+1)

	for i := len(descendants) - 1; i >= 0; i-- {
		d := descendants[i]

		if d.Deleted {
			continue
		}

		if !d.UpToDateOn(side) {
			preserved := d.Clone()
			delete(preserved.Sides, opposite)
			preserved.Remote = metadata.RemoteRef{}
			batch = append(batch, preserved)
			preserveAny = true

			m.logger.Debug("deleteFolder: preserving descendant updated on opposite side",
				slog.String("id", d.ID.String()))

			continue
		}

		tomb := d.Clone()
		tomb.Deleted = true
		markSide(side, tomb, d)
		batch = append(batch, tomb)
	}

	folderTomb := folder.Clone()
	if preserveAny {
		// A descendant survives, so the folder itself cannot be tombstoned
		// without orphaning it — dissociate it from the opposite side
		// instead, same as a preserved child.
		delete(folderTomb.Sides, opposite)
		folderTomb.Remote = metadata.RemoteRef{}
	} else {
		folderTomb.Deleted = true
		markSide(side, folderTomb, folder)
	}

	batch = append(batch, folderTomb)

	return batch, nil
}

func oppositeSide(side metadata.Side) metadata.Side {
	if side == metadata.SideLocal {
		return metadata.SideRemote
	}
	return metadata.SideLocal
}

// TrashFile reconciles a file trash (soft delete) operation by rewriting
// the existing document in place with Trashed set and side bumped (spec.md
// section 4.4, trashFile). No tombstone is written and no second document
// is created: the trashed document keeps the original id.
func (m *Merge) TrashFile(ctx context.Context, side metadata.Side, doc *metadata.Document) error {
	existing, err := m.store.Get(ctx, doc.ID)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("merge: trashFile %s: %w", doc.ID, err)
	}

	if existing.Deleted {
		return nil
	}

	trashed := existing.Clone()
	trashed.Trashed = true
	markSide(side, trashed, existing)

	if _, err := m.store.Put(ctx, trashed); err != nil {
		return fmt.Errorf("merge: trashFile %s: %w", doc.ID, err)
	}

	return nil
}

// TrashFolder reconciles a folder trash, aborting (reverting to a no-op put
// that only drops this side's observation) if any file descendant was
// updated on the opposite side since this side last saw it (spec.md
// section 4.4, trashFolder; Open Question resolution in SPEC_FULL.md
// section 5: the abort branch clears both sides[side] and errors).
func (m *Merge) TrashFolder(ctx context.Context, side metadata.Side, doc *metadata.Document) error {
	existing, err := m.store.Get(ctx, doc.ID)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("merge: trashFolder %s: %w", doc.ID, err)
	}

	if existing.Deleted {
		return nil
	}

	descendants, err := m.store.ByRecursivePath(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("merge: trashFolder %s: listing descendants: %w", doc.ID, err)
	}

	opposite := oppositeSide(side)

	for _, d := range descendants {
		if d.Deleted || d.Type != metadata.DocTypeFile {
			continue
		}

		if d.Sides[opposite] > d.Sides[side] {
			aborted := existing.Clone()
			delete(aborted.Sides, side)
			aborted.Errors = 0

			m.logger.Info("trashFolder: aborted, descendant updated on opposite side",
				slog.String("id", doc.ID.String()), slog.String("descendant", d.ID.String()))

			if _, err := m.store.Put(ctx, aborted); err != nil {
				return fmt.Errorf("merge: trashFolder %s: aborting: %w", doc.ID, err)
			}

			return nil
		}
	}

	trashed := existing.Clone()
	trashed.Trashed = true
	markSide(side, trashed, existing)

	if _, err := m.store.Put(ctx, trashed); err != nil {
		return fmt.Errorf("merge: trashFolder %s: %w", doc.ID, err)
	}

	return nil
}

// RestoreFile un-trashes a file: the trashed document is deleted (errors
// ignored — it may already be gone) and the supplied doc is reconciled as
// an update (spec.md section 4.4, restoreFile).
func (m *Merge) RestoreFile(ctx context.Context, side metadata.Side, was, doc *metadata.Document) (*metadata.Document, error) {
	if err := m.DeleteFile(ctx, side, was); err != nil {
		m.logger.Warn("restoreFile: ignoring delete-of-trashed error",
			slog.String("id", was.ID.String()), slog.String("error", err.Error()))
	}

	return m.UpdateFile(ctx, side, doc)
}

// RestoreFolder un-trashes a folder analogously (spec.md section 4.4,
// restoreFolder).
func (m *Merge) RestoreFolder(ctx context.Context, side metadata.Side, was, doc *metadata.Document) (*metadata.Document, error) {
	if err := m.DeleteFolder(ctx, side, was); err != nil {
		m.logger.Warn("restoreFolder: ignoring delete-of-trashed error",
			slog.String("id", was.ID.String()), slog.String("error", err.Error()))
	}

	return m.PutFolder(ctx, side, doc)
}
