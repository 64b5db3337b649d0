package localwatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/cozy-sync/internal/metadata"
)

// handleEvent classifies a raw fsnotify event and routes it to the
// appropriate on* handler (spec.md section 4.3).
func (w *Watcher) handleEvent(ctx context.Context, fsWatcher FsWatcher, ev fsnotify.Event) {
	rel, err := filepath.Rel(w.syncRoot, ev.Name)
	if err != nil {
		w.logger.Warn("localwatcher: event outside sync root", slog.String("path", ev.Name))
		return
	}
	rel = filepath.ToSlash(rel)

	info, statErr := os.Lstat(ev.Name)
	exists := statErr == nil

	if exists && info.Mode()&os.ModeSymlink != 0 {
		return
	}

	w.mu.Lock()
	wasDir := w.watchedDirs[rel]
	w.mu.Unlock()

	isDir := wasDir
	if exists {
		isDir = info.IsDir()
	}

	if w.isIgnored(rel, isDir) {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		if !exists {
			return
		}
		if isDir {
			if err := fsWatcher.Add(ev.Name); err != nil {
				w.logger.Warn("localwatcher: failed to add watch", slog.String("path", ev.Name), slog.String("error", err.Error()))
			}
			w.mu.Lock()
			w.watchedDirs[rel] = true
			w.mu.Unlock()
			w.onAddDir(ctx, rel)
		} else {
			w.onAddFile(ctx, rel, ev.Name, info)
		}

	case ev.Op.Has(fsnotify.Write):
		if !exists || isDir {
			return
		}
		w.onChange(ctx, rel, ev.Name, info)

	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.mu.Lock()
		delete(w.watchedDirs, rel)
		w.mu.Unlock()

		if isDir {
			w.onUnlinkFolder(ctx, rel)
		} else {
			w.onUnlinkFile(ctx, rel)
		}
	}
}

// onAddFile implements spec.md section 4.3's onAddFile contract: cancel
// any pending deletion at this path without emitting it (the file was
// deleted and recreated), then hash and
// either emit addFile or, if the checksum matches a pending deletion
// elsewhere, emit moveFile.
func (w *Watcher) onAddFile(ctx context.Context, rel, absPath string, info os.FileInfo) {
	w.mu.Lock()
	if w.scanPaths != nil {
		w.scanPaths[rel] = true
	}
	rec, hadPending := w.pending[rel]
	if hadPending {
		delete(w.pending, rel)
	}
	w.mu.Unlock()

	if hadPending {
		rec.stop()
	}

	checksum, err := w.checksums.Enqueue(ctx, absPath)
	if err != nil {
		w.logger.Warn("localwatcher: hash failed, dropping add",
			slog.String("path", rel), slog.String("error", err.Error()))
		return
	}

	doc := w.fileDoc(rel, info, checksum)

	w.mu.Lock()
	pendingEmpty := len(w.pending) == 0
	w.mu.Unlock()

	if pendingEmpty {
		w.emitAddFile(ctx, doc)
		return
	}

	matches, err := w.store.ByChecksum(ctx, checksum)
	if err != nil {
		w.logger.Warn("localwatcher: checksum lookup failed", slog.String("path", rel), slog.String("error", err.Error()))
		w.emitAddFile(ctx, doc)
		return
	}

	for _, match := range matches {
		if match.Deleted {
			continue
		}

		matchPath := match.Path

		w.mu.Lock()
		moveRec, isPending := w.pending[matchPath]
		if isPending {
			delete(w.pending, matchPath)
		}
		w.mu.Unlock()

		if !isPending {
			continue
		}

		moveRec.stop()

		if err := w.dispatcher.MoveFile(ctx, doc, match); err != nil {
			w.recordDropped("moveFile", rel, err)
		}
		return
	}

	w.emitAddFile(ctx, doc)
}

func (w *Watcher) emitAddFile(ctx context.Context, doc *metadata.Document) {
	if err := w.dispatcher.AddFile(ctx, doc); err != nil {
		w.recordDropped("addFile", doc.Path, err)
	}
}

// onAddDir implements spec.md section 4.3's onAddDir contract.
func (w *Watcher) onAddDir(ctx context.Context, rel string) {
	w.mu.Lock()
	if w.scanPaths != nil {
		w.scanPaths[rel] = true
	}
	rec, hadPending := w.pending[rel]
	if hadPending {
		delete(w.pending, rel)
	}
	w.mu.Unlock()

	if hadPending {
		rec.stop()
	}

	doc := &metadata.Document{
		ID:               docIDFor(rel),
		Path:             rel,
		Type:             metadata.DocTypeFolder,
		CreationDate:     w.now().UnixNano(),
		LastModification: w.now().UnixNano(),
	}

	if err := w.dispatcher.PutFolder(ctx, doc); err != nil {
		w.recordDropped("putFolder", rel, err)
	}
}

// onChange implements spec.md section 4.3's onChange contract: rehash and
// emit updateFile.
func (w *Watcher) onChange(ctx context.Context, rel, absPath string, info os.FileInfo) {
	checksum, err := w.checksums.Enqueue(ctx, absPath)
	if err != nil {
		w.logger.Warn("localwatcher: hash failed, dropping change",
			slog.String("path", rel), slog.String("error", err.Error()))
		return
	}

	doc := w.fileDoc(rel, info, checksum)

	if err := w.dispatcher.UpdateFile(ctx, doc); err != nil {
		w.recordDropped("updateFile", rel, err)
	}
}

// onUnlinkFile implements spec.md section 4.3's onUnlinkFile contract: a
// pending record with a two-stage timer, so a subsequent add can claim the
// deletion as a move.
func (w *Watcher) onUnlinkFile(ctx context.Context, rel string) {
	rec := &pendingRecord{kind: pendingDeleteFile, path: rel}
	rec.finalize = func(finalizeCtx context.Context) {
		w.finalizeDeleteFile(finalizeCtx, rel)
	}

	w.mu.Lock()
	w.pending[rel] = rec
	w.mu.Unlock()

	w.armUnlinkFileTimer(ctx, rec, unlinkFileTimeout)
}

func (w *Watcher) armUnlinkFileTimer(ctx context.Context, rec *pendingRecord, after time.Duration) {
	rec.timer = w.afterFunc(after, func() {
		w.fireUnlinkFile(ctx, rec)
	})
}

func (w *Watcher) fireUnlinkFile(ctx context.Context, rec *pendingRecord) {
	if rec.stopped() {
		return
	}

	if w.checksums.InFlight() == 0 {
		w.mu.Lock()
		_, stillPending := w.pending[rec.path]
		if stillPending {
			delete(w.pending, rec.path)
		}
		w.mu.Unlock()

		if !stillPending {
			return
		}

		rec.finalize(ctx)
		return
	}

	// Outstanding hashes may still produce the add that turns this into a
	// move; re-arm briefly rather than declaring the deletion final.
	w.armUnlinkFileTimer(ctx, rec, unlinkFileRearm)
}

func (w *Watcher) finalizeDeleteFile(ctx context.Context, rel string) {
	doc, err := w.store.Get(ctx, docIDFor(rel))
	if err != nil {
		if !isNotFound(err) {
			w.logger.Warn("localwatcher: lookup for deleteFile failed", slog.String("path", rel), slog.String("error", err.Error()))
		}
		return
	}

	if err := w.dispatcher.DeleteFile(ctx, doc); err != nil {
		w.recordDropped("deleteFile", rel, err)
	}
}

// onUnlinkFolder implements spec.md section 4.3's onUnlinkFolder contract:
// a periodic check every 350ms until no descendant has a pending record of
// its own, ensuring children are dispatched before their parent.
func (w *Watcher) onUnlinkFolder(ctx context.Context, rel string) {
	rec := &pendingRecord{kind: pendingDeleteFolder, path: rel}
	rec.finalize = func(finalizeCtx context.Context) {
		w.finalizeDeleteFolder(finalizeCtx, rel)
	}

	w.mu.Lock()
	w.pending[rel] = rec
	w.mu.Unlock()

	w.armUnlinkFolderTick(ctx, rec)
}

func (w *Watcher) armUnlinkFolderTick(ctx context.Context, rec *pendingRecord) {
	rec.timer = w.afterFunc(unlinkFolderTick, func() {
		w.fireUnlinkFolderTick(ctx, rec)
	})
}

func (w *Watcher) fireUnlinkFolderTick(ctx context.Context, rec *pendingRecord) {
	if rec.stopped() {
		return
	}

	prefix := rec.path + "/"

	w.mu.Lock()
	childPending := false
	for p := range w.pending {
		if p != rec.path && len(p) > len(prefix) && p[:len(prefix)] == prefix {
			childPending = true
			break
		}
	}
	w.mu.Unlock()

	if childPending {
		w.armUnlinkFolderTick(ctx, rec)
		return
	}

	w.mu.Lock()
	_, stillPending := w.pending[rec.path]
	if stillPending {
		delete(w.pending, rec.path)
	}
	w.mu.Unlock()

	if !stillPending {
		return
	}

	rec.finalize(ctx)
}

func (w *Watcher) finalizeDeleteFolder(ctx context.Context, rel string) {
	doc, err := w.store.Get(ctx, docIDFor(rel))
	if err != nil {
		if !isNotFound(err) {
			w.logger.Warn("localwatcher: lookup for deleteFolder failed", slog.String("path", rel), slog.String("error", err.Error()))
		}
		return
	}

	if err := w.dispatcher.DeleteFolder(ctx, doc); err != nil {
		w.recordDropped("deleteFolder", rel, err)
	}
}

// onReady implements spec.md section 4.3's onReady contract: reconcile the
// initial scan against the MetadataStore, emitting a deleteFile/deleteFolder
// for every stored path that no longer exists on disk, in reverse id order
// so children are removed before parents (spec.md section 5, ordering
// guarantee 3). This recovers deletions that happened while the process
// was stopped.
func (w *Watcher) onReady(ctx context.Context) error {
	all, err := w.store.ByRecursivePath(ctx, docIDFor(""))
	if err != nil {
		return fmt.Errorf("listing stored tree: %w", err)
	}

	w.mu.Lock()
	paths := w.scanPaths
	w.mu.Unlock()

	for i := len(all) - 1; i >= 0; i-- {
		doc := all[i]
		if doc.Deleted {
			continue
		}
		if paths[doc.Path] {
			continue
		}

		var dispatchErr error
		if doc.Type == metadata.DocTypeFolder {
			dispatchErr = w.dispatcher.DeleteFolder(ctx, doc)
		} else {
			dispatchErr = w.dispatcher.DeleteFile(ctx, doc)
		}

		if dispatchErr != nil {
			w.recordDropped("initialScanDelete", doc.Path, dispatchErr)
		}
	}

	w.mu.Lock()
	w.scanning = false
	w.scanPaths = nil
	w.mu.Unlock()

	return nil
}

// fileDoc builds the Document a file add/change event should carry,
// leaving Rev/Sides for Merge to assign (doc.sides is populated by
// markSide inside Merge, never by the watcher).
func (w *Watcher) fileDoc(rel string, info os.FileInfo, checksum string) *metadata.Document {
	return &metadata.Document{
		ID:               docIDFor(rel),
		Path:             rel,
		Type:             metadata.DocTypeFile,
		Checksum:         checksum,
		Size:             info.Size(),
		Executable:       info.Mode()&0o111 != 0,
		CreationDate:     w.now().UnixNano(),
		LastModification: info.ModTime().UnixNano(),
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, metadata.ErrNotFound)
}
