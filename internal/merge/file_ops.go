package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/cozy-sync/internal/metadata"
)

// AddFile reconciles a newly observed file (spec.md section 4.4, addFile).
func (m *Merge) AddFile(ctx context.Context, side metadata.Side, doc *metadata.Document) (*metadata.Document, error) {
	existing, err := m.store.Get(ctx, doc.ID)
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return nil, fmt.Errorf("merge: addFile %s: %w", doc.ID, err)
	}

	if errors.Is(err, metadata.ErrNotFound) || existing.Deleted {
		markSide(side, doc, nil)
		if existing != nil {
			// A tombstone already occupies this id's row; overwrite it
			// rather than trying (and failing) to insert a second row.
			doc.Rev = existing.Rev
		}

		if err := m.ensureAncestors(ctx, doc.ID, doc.CreationDate); err != nil {
			return nil, fmt.Errorf("merge: addFile %s: %w", doc.ID, err)
		}

		return m.put(ctx, doc)
	}

	if existing.Type == metadata.DocTypeFolder {
		return m.renameAsConflict(ctx, side, doc, existing)
	}

	if sameBinary(existing, doc) {
		alreadyUpToDate := existing.UpToDateOn(side)

		markSide(side, doc, existing)
		carryForwardMetadata(doc, existing)

		if alreadyUpToDate && documentsEquivalent(existing, doc) {
			m.logger.Debug("addFile: no-op, unchanged", slog.String("id", doc.ID.String()))
			return existing, nil
		}

		doc.Rev = existing.Rev
		return m.put(ctx, doc)
	}

	// Different content at the same id.
	if side == metadata.SideLocal {
		if _, ok := existing.Sides[metadata.SideLocal]; ok {
			return m.resolveInitialAdd(ctx, side, doc, existing)
		}
	}

	return m.renameAsConflict(ctx, side, doc, existing)
}

// resolveInitialAdd handles the case where a local add arrives for a path
// the local side has already observed before — typically because the
// watcher process was stopped and restarted across an update (spec.md
// section 4.4, resolveInitialAdd).
func (m *Merge) resolveInitialAdd(ctx context.Context, side metadata.Side, doc, existing *metadata.Document) (*metadata.Document, error) {
	if _, ok := existing.Sides[metadata.SideRemote]; !ok {
		return m.UpdateFile(ctx, side, doc)
	}

	if existing.Sides[metadata.SideLocal] == existing.Sides[metadata.SideRemote] {
		return m.UpdateFile(ctx, side, doc)
	}

	prev, err := m.store.PreviousRev(ctx, existing.ID, metadata.SideLocal, existing.Sides[metadata.SideLocal])
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return nil, fmt.Errorf("merge: resolveInitialAdd %s: %w", doc.ID, err)
	}

	if err == nil && prev.Checksum == doc.Checksum {
		// The file only changed remotely since the local side last saw it;
		// the local "add" is actually just catching back up. No-op.
		m.logger.Debug("resolveInitialAdd: remote-only change, no-op", slog.String("id", doc.ID.String()))
		return existing, nil
	}

	return m.renameAsConflict(ctx, side, doc, existing)
}

// UpdateFile reconciles a changed-content notification for an existing
// file (spec.md section 4.4, updateFile).
func (m *Merge) UpdateFile(ctx context.Context, side metadata.Side, doc *metadata.Document) (*metadata.Document, error) {
	existing, err := m.store.Get(ctx, doc.ID)
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return nil, fmt.Errorf("merge: updateFile %s: %w", doc.ID, err)
	}

	if errors.Is(err, metadata.ErrNotFound) || existing.Deleted {
		markSide(side, doc, nil)
		if existing != nil {
			doc.Rev = existing.Rev
		}

		if err := m.ensureAncestors(ctx, doc.ID, doc.LastModification); err != nil {
			return nil, fmt.Errorf("merge: updateFile %s: %w", doc.ID, err)
		}

		return m.put(ctx, doc)
	}

	if existing.Type == metadata.DocTypeFolder {
		return nil, fmt.Errorf("merge: updateFile %s: %w", doc.ID, ErrCannotResolve)
	}

	if sameBinary(existing, doc) {
		alreadyUpToDate := existing.UpToDateOn(side)

		markSide(side, doc, existing)
		carryForwardMetadata(doc, existing)

		if alreadyUpToDate && documentsEquivalent(existing, doc) {
			m.logger.Debug("updateFile: no-op, unchanged", slog.String("id", doc.ID.String()))
			return existing, nil
		}

		doc.Rev = existing.Rev
		return m.put(ctx, doc)
	}

	if !existing.UpToDateOn(side) {
		return m.renameAsConflict(ctx, side, doc, existing)
	}

	markSide(side, doc, existing)
	doc.Rev = existing.Rev

	return m.put(ctx, doc)
}

// PutFolder reconciles a folder observation — a mirror of UpdateFile with no
// content hash to compare (spec.md section 4.4, putFolder).
func (m *Merge) PutFolder(ctx context.Context, side metadata.Side, doc *metadata.Document) (*metadata.Document, error) {
	existing, err := m.store.Get(ctx, doc.ID)
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return nil, fmt.Errorf("merge: putFolder %s: %w", doc.ID, err)
	}

	if errors.Is(err, metadata.ErrNotFound) || existing.Deleted {
		markSide(side, doc, nil)
		if existing != nil {
			doc.Rev = existing.Rev
		}

		if err := m.ensureAncestors(ctx, doc.ID, doc.CreationDate); err != nil {
			return nil, fmt.Errorf("merge: putFolder %s: %w", doc.ID, err)
		}

		return m.put(ctx, doc)
	}

	if existing.Type == metadata.DocTypeFile {
		return m.renameAsConflict(ctx, side, doc, existing)
	}

	alreadyUpToDate := existing.UpToDateOn(side)

	markSide(side, doc, existing)
	carryForwardMetadata(doc, existing)
	doc.Rev = existing.Rev

	if alreadyUpToDate && documentsEquivalent(existing, doc) {
		m.logger.Debug("putFolder: no-op, unchanged", slog.String("id", doc.ID.String()))
		return existing, nil
	}

	return m.put(ctx, doc)
}

// renameAsConflict resolves a structural collision by moving the document
// that already occupies doc.ID onto a conflict path, then writing doc at
// its original id (spec.md section 4.4, "Conflict resolution": "the losing
// document is renamed on the side that already has it, so the new one can
// be written").
func (m *Merge) renameAsConflict(ctx context.Context, incomingSide metadata.Side, doc, existing *metadata.Document) (*metadata.Document, error) {
	conflictID, conflictPath, err := m.conflictRename(ctx, existing.ID, existing.Path)
	if err != nil {
		return nil, fmt.Errorf("merge: renameAsConflict %s: %w", existing.ID, err)
	}

	losingSide := metadata.SideRemote
	if incomingSide == metadata.SideRemote {
		losingSide = metadata.SideLocal
	}

	renamed := existing.Clone()
	renamed.ID = conflictID
	renamed.Path = conflictPath
	renamed.Rev = ""
	markSide(losingSide, renamed, existing)

	// doc takes over existing's id/rev slot; its own side history starts
	// fresh since it is semantically a brand-new document at that id.
	doc.Rev = existing.Rev
	markSide(incomingSide, doc, nil)

	if _, err := m.store.BulkPut(ctx, []*metadata.Document{renamed, doc}); err != nil {
		return nil, fmt.Errorf("merge: renameAsConflict %s: %w", existing.ID, err)
	}

	m.logger.Info("conflict rename",
		slog.String("original_id", existing.ID.String()),
		slog.String("conflict_id", conflictID.String()),
	)

	return doc, nil
}

// put is the common write tail shared by the file and folder operations,
// for new documents and updates alike. It writes doc with store.Put only;
// callers that create a document run ensureAncestors themselves first.
func (m *Merge) put(ctx context.Context, doc *metadata.Document) (*metadata.Document, error) {
	return m.store.Put(ctx, doc)
}

// documentsEquivalent reports whether two documents differ only in fields
// that do not warrant a new store write (used to implement the various
// "no-op if unchanged overall" branches of spec.md section 4.4).
func documentsEquivalent(a, b *metadata.Document) bool {
	return a.Checksum == b.Checksum &&
		a.Size == b.Size &&
		a.Executable == b.Executable &&
		a.Mime == b.Mime &&
		a.Class == b.Class
}
