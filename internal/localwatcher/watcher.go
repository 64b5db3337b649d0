// Package localwatcher converts raw filesystem notifications into the
// semantic operations Merge understands: addFile, updateFile, putFolder,
// moveFile, deleteFile, deleteFolder. It never emits moveFolder: a renamed
// folder reaches Merge as deleteFolder plus putFolder. It infers file moves
// by correlating a delete's checksum against a subsequent add via the
// MetadataStore's checksum index, and recovers deletions that happened
// while the process was stopped by diffing the initial scan against the
// store's recorded tree.
package localwatcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/tonimelisma/cozy-sync/internal/checksumqueue"
	"github.com/tonimelisma/cozy-sync/internal/docid"
	"github.com/tonimelisma/cozy-sync/internal/metadata"
)

// Grace period the watcher waits, on Stop, for outstanding pending records
// and hash completions to drain before it stops emitting operations
// (spec.md section 5, cancellation).
const shutdownGracePeriod = 3 * time.Second

// unlinkFileTimeout and unlinkFileRearm implement onUnlinkFile's two-stage
// timer (spec.md section 4.3): an initial wait long enough for a
// delete-then-recreate (move) to show up, then short re-arms while a hash
// is still being computed for a candidate match.
const (
	unlinkFileTimeout = 1250 * time.Millisecond
	unlinkFileRearm   = 100 * time.Millisecond
	unlinkFolderTick  = 350 * time.Millisecond
)

// safetyScanInterval is how often the watcher re-walks syncRoot and
// reconciles it against the MetadataStore, catching any add/delete whose
// fsnotify event was dropped or missed (spec.md section 4.3, safety scan).
const safetyScanInterval = 5 * time.Minute

// Backoff applied to the retry delay after a non-fatal watcher error
// (spec.md section 7, transient watcher errors). Doubles on consecutive
// errors, capped at watchErrMaxBackoff, and resets once an event is
// processed cleanly.
const (
	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
)

// ErrWatcherFatal wraps an unrecoverable watcher error (spec.md section 7,
// WatcherFatal) — ENOSPC and equivalents. The caller should shut the
// watcher down; no partial state is left behind.
var ErrWatcherFatal = errors.New("localwatcher: fatal watcher error")

// FsWatcher abstracts filesystem event monitoring. Satisfied by
// *fsnotify.Watcher; tests inject a fake.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWrapper struct {
	w *fsnotify.Watcher
}

func (fw *fsnotifyWrapper) Add(name string) error         { return fw.w.Add(name) }
func (fw *fsnotifyWrapper) Remove(name string) error      { return fw.w.Remove(name) }
func (fw *fsnotifyWrapper) Close() error                  { return fw.w.Close() }
func (fw *fsnotifyWrapper) Events() <-chan fsnotify.Event { return fw.w.Events }
func (fw *fsnotifyWrapper) Errors() <-chan error          { return fw.w.Errors }

// Dispatcher is the Prep boundary the watcher emits semantic operations
// into. It is always invoked with side = local; Prep (internal/engine)
// normalizes the path and forwards to Merge (spec.md section 4.3/4.4).
type Dispatcher interface {
	AddFile(ctx context.Context, doc *metadata.Document) error
	UpdateFile(ctx context.Context, doc *metadata.Document) error
	PutFolder(ctx context.Context, doc *metadata.Document) error
	MoveFile(ctx context.Context, doc, was *metadata.Document) error
	MoveFolder(ctx context.Context, doc, was *metadata.Document) error
	DeleteFile(ctx context.Context, doc *metadata.Document) error
	DeleteFolder(ctx context.Context, doc *metadata.Document) error
}

// Options configures a Watcher.
type Options struct {
	SyncRoot        string
	IgnoredPatterns []string
}

// Watcher watches SyncRoot and drives Dispatcher with semantic operations.
type Watcher struct {
	syncRoot string
	ignore   *ignore.GitIgnore
	logger   *slog.Logger

	dispatcher Dispatcher
	checksums  *checksumqueue.Queue
	store      *metadata.Store

	watcherFactory func() (FsWatcher, error)
	now            func() time.Time
	afterFunc      func(d time.Duration, f func()) timerHandle

	safetyScanInterval time.Duration
	newTicker          func(d time.Duration) ticker

	mu          sync.Mutex
	scanning    bool
	scanPaths   map[string]bool // nil once the initial scan has been reconciled
	watchedDirs map[string]bool // relPath set, used to tell unlink apart from unlinkDir
	pending     map[string]*pendingRecord

	droppedEvents atomic.Int64 // operations whose dispatch failed; the safety scan recovers missed adds and deletes

	wg sync.WaitGroup
}

// ticker is the subset of *time.Ticker the safety-scan loop needs,
// abstracted so tests can inject a fake and fire scans deterministically.
type ticker interface {
	Stop()
	Chan() <-chan time.Time
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) Stop()                  { r.t.Stop() }
func (r realTicker) Chan() <-chan time.Time { return r.t.C }

// timerHandle is the subset of *time.Timer the watcher needs; abstracted so
// tests can inject a fake scheduler and fire timers deterministically.
type timerHandle interface {
	Stop() bool
}

// New constructs a Watcher. queue is the ChecksumQueue used for move
// detection; store is read via ByChecksum/Get/ByRecursivePath only — the
// watcher never writes to the MetadataStore directly (spec.md section 5,
// shared-resource policy).
func New(opts Options, dispatcher Dispatcher, queue *checksumqueue.Queue, store *metadata.Store, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	matcher := ignore.CompileIgnoreLines(opts.IgnoredPatterns...)

	w := &Watcher{
		syncRoot:           opts.SyncRoot,
		ignore:             matcher,
		logger:             logger,
		dispatcher:         dispatcher,
		checksums:          queue,
		store:              store,
		watchedDirs:        make(map[string]bool),
		pending:            make(map[string]*pendingRecord),
		now:                time.Now,
		safetyScanInterval: safetyScanInterval,
		watcherFactory: func() (FsWatcher, error) {
			fw, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err
			}
			return &fsnotifyWrapper{w: fw}, nil
		},
	}
	w.afterFunc = func(d time.Duration, f func()) timerHandle {
		w.wg.Add(1)
		return time.AfterFunc(d, func() {
			defer w.wg.Done()
			f()
		})
	}
	w.newTicker = func(d time.Duration) ticker {
		return realTicker{t: time.NewTicker(d)}
	}

	return w, nil
}

// DroppedEvents returns the number of semantic operations whose dispatch to
// Prep failed. These are not retried inline. The periodic safety scan
// re-emits a dropped add (path on disk, absent from the MetadataStore) or
// delete (path in the store, gone from disk) on its next pass; it does not
// detect a dropped content update or move (spec.md section 4.3, safety
// scan).
func (w *Watcher) DroppedEvents() int64 {
	return w.droppedEvents.Load()
}

// recordDropped counts a failed dispatch and logs it at Warn. Used in place
// of a bare log call at every dispatcher.* call site so DroppedEvents stays
// accurate.
func (w *Watcher) recordDropped(op, path string, err error) {
	w.droppedEvents.Add(1)
	w.logger.Warn("localwatcher: dispatch failed, dropping event (safety scan will catch up)",
		slog.String("op", op), slog.String("path", path), slog.String("error", err.Error()))
}

// Run performs the initial scan, reconciles it against the MetadataStore,
// then blocks dispatching filesystem events until ctx is canceled. It
// returns ErrWatcherFatal-wrapped on ENOSPC and equivalents.
func (w *Watcher) Run(ctx context.Context) error {
	fsWatcher, err := w.watcherFactory()
	if err != nil {
		return fmt.Errorf("localwatcher: creating watcher: %w", err)
	}
	defer fsWatcher.Close()

	w.mu.Lock()
	w.scanning = true
	w.scanPaths = make(map[string]bool)
	w.mu.Unlock()

	if err := w.initialScan(fsWatcher); err != nil {
		return fmt.Errorf("localwatcher: initial scan: %w", err)
	}

	if err := w.onReady(ctx); err != nil {
		return fmt.Errorf("localwatcher: reconciling initial scan: %w", err)
	}

	if w.safetyScanInterval > 0 {
		w.wg.Add(1)
		go w.safetyScanLoop(ctx, fsWatcher)
	}

	return w.eventLoop(ctx, fsWatcher)
}

// safetyScanLoop periodically re-walks syncRoot and reconciles it against
// the MetadataStore, recovering any add or delete whose fsnotify event was
// dropped (spec.md section 4.3, safety scan).
func (w *Watcher) safetyScanLoop(ctx context.Context, fsWatcher FsWatcher) {
	defer w.wg.Done()

	t := w.newTicker(w.safetyScanInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			if err := w.runSafetyScan(ctx, fsWatcher); err != nil {
				w.logger.Warn("localwatcher: safety scan failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stop finalizes every pending record, waiting up to shutdownGracePeriod for
// outstanding hash completions to settle (spec.md section 5, cancellation).
// No operation is dispatched once the grace period elapses.
func (w *Watcher) Stop(ctx context.Context) {
	grace, cancel := context.WithTimeout(ctx, shutdownGracePeriod)
	defer cancel()

	w.mu.Lock()
	records := make([]*pendingRecord, 0, len(w.pending))
	for _, rec := range w.pending {
		records = append(records, rec)
	}
	w.pending = make(map[string]*pendingRecord)
	w.mu.Unlock()

	for _, rec := range records {
		rec.stop()
		if rec.finalize != nil {
			w.wg.Add(1)
			go func(r *pendingRecord) {
				defer w.wg.Done()
				r.finalize(grace)
			}(rec)
		}
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-grace.Done():
		w.logger.Warn("localwatcher: shutdown grace period elapsed with work still outstanding")
	}
}

// initialScan walks syncRoot, records every non-ignored relative path in
// scanPaths, and adds an fsnotify watch on every directory.
func (w *Watcher) initialScan(fsWatcher FsWatcher) error {
	return filepath.WalkDir(w.syncRoot, func(fsPath string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.logger.Warn("localwatcher: walk error during initial scan",
				slog.String("path", fsPath), slog.String("error", walkErr.Error()))
			return nil
		}

		if fsPath == w.syncRoot {
			return nil
		}

		rel, err := filepath.Rel(w.syncRoot, fsPath)
		if err != nil {
			return fmt.Errorf("computing relative path for %s: %w", fsPath, err)
		}
		rel = filepath.ToSlash(rel)

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		isDir := d.IsDir()
		if w.isIgnored(rel, isDir) {
			if isDir {
				return filepath.SkipDir
			}
			return nil
		}

		w.mu.Lock()
		w.scanPaths[rel] = true
		if isDir {
			w.watchedDirs[rel] = true
		}
		w.mu.Unlock()

		if isDir {
			if err := fsWatcher.Add(fsPath); err != nil {
				w.logger.Warn("localwatcher: failed to add watch",
					slog.String("path", fsPath), slog.String("error", err.Error()))
			}
		}

		return nil
	})
}

// eventLoop dispatches fsnotify events until ctx is done or a fatal error
// is observed. Non-fatal watcher errors are backed off exponentially so a
// misbehaving watcher (e.g. a kernel inotify-instance limit being hit
// repeatedly) doesn't spin the loop; the backoff resets once an event is
// processed cleanly.
func (w *Watcher) eventLoop(ctx context.Context, fsWatcher FsWatcher) error {
	backoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsWatcher.Events():
			if !ok {
				return nil
			}
			backoff = watchErrInitBackoff
			w.handleEvent(ctx, fsWatcher, ev)

		case err, ok := <-fsWatcher.Errors():
			if !ok {
				return nil
			}
			if errors.Is(err, syscall.ENOSPC) {
				return fmt.Errorf("%w: %v", ErrWatcherFatal, err)
			}

			w.logger.Warn("localwatcher: watcher error, backing off",
				slog.String("error", err.Error()), slog.Duration("backoff", backoff))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}

			backoff *= watchErrBackoffMult
			if backoff > watchErrMaxBackoff {
				backoff = watchErrMaxBackoff
			}
		}
	}
}

// isIgnored reports whether rel should be excluded from sync.
func (w *Watcher) isIgnored(rel string, isDir bool) bool {
	if w.ignore == nil {
		return false
	}

	checkPath := rel
	if isDir {
		checkPath += "/"
	}

	return w.ignore.MatchesPath(checkPath)
}

// docIDFor derives the normalized identifier for a sync-root-relative path.
func docIDFor(rel string) docid.ID {
	return docid.New(rel)
}

// runSafetyScan re-walks syncRoot, adding watches on any directory fsnotify
// never saw, and reconciles the walk against the MetadataStore: a disk path
// with no store entry and no in-flight pending record is dispatched as a
// fresh add; a store entry with no matching disk path and no pending record
// is dispatched as a delete. This mirrors onReady's one-time reconciliation,
// run instead on a recurring timer to catch drift accumulated from dropped
// fsnotify events (spec.md section 4.3, safety scan).
func (w *Watcher) runSafetyScan(ctx context.Context, fsWatcher FsWatcher) error {
	observed := make(map[string]bool)

	walkErr := filepath.WalkDir(w.syncRoot, func(fsPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if fsPath == w.syncRoot {
			return nil
		}

		rel, relErr := filepath.Rel(w.syncRoot, fsPath)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		isDir := d.IsDir()
		if w.isIgnored(rel, isDir) {
			if isDir {
				return filepath.SkipDir
			}
			return nil
		}

		observed[rel] = true
		w.reconcileScannedPath(ctx, fsWatcher, fsPath, rel, isDir, d)

		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("walking %s: %w", w.syncRoot, walkErr)
	}

	return w.reconcileMissingPaths(ctx, observed)
}

// reconcileScannedPath brings one disk entry observed during a safety scan
// into sync: it adds a missing fsnotify watch on a directory and, when the
// path carries no store record and no pending deletion, dispatches the add
// fsnotify should have already produced.
func (w *Watcher) reconcileScannedPath(ctx context.Context, fsWatcher FsWatcher, fsPath, rel string, isDir bool, d fs.DirEntry) {
	w.mu.Lock()
	alreadyWatched := w.watchedDirs[rel]
	w.mu.Unlock()

	if isDir && !alreadyWatched {
		if err := fsWatcher.Add(fsPath); err != nil {
			w.logger.Warn("localwatcher: safety scan failed to add watch",
				slog.String("path", fsPath), slog.String("error", err.Error()))
		}
		w.mu.Lock()
		w.watchedDirs[rel] = true
		w.mu.Unlock()
	}

	w.mu.Lock()
	_, hasPending := w.pending[rel]
	w.mu.Unlock()
	if hasPending {
		return
	}

	_, getErr := w.store.Get(ctx, docIDFor(rel))
	if getErr == nil {
		return
	}
	if !isNotFound(getErr) {
		w.logger.Warn("localwatcher: safety scan lookup failed",
			slog.String("path", rel), slog.String("error", getErr.Error()))
		return
	}

	if isDir {
		w.onAddDir(ctx, rel)
		return
	}

	info, err := d.Info()
	if err != nil {
		return
	}
	w.onAddFile(ctx, rel, fsPath, info)
}

// reconcileMissingPaths dispatches a delete for every non-deleted store
// entry absent from observed and not already pending a delete of its own.
func (w *Watcher) reconcileMissingPaths(ctx context.Context, observed map[string]bool) error {
	all, err := w.store.ByRecursivePath(ctx, docIDFor(""))
	if err != nil {
		return fmt.Errorf("listing stored tree: %w", err)
	}

	for i := len(all) - 1; i >= 0; i-- {
		doc := all[i]
		if doc.Deleted || observed[doc.Path] {
			continue
		}

		w.mu.Lock()
		_, hasPending := w.pending[doc.Path]
		w.mu.Unlock()
		if hasPending {
			continue
		}

		var dispatchErr error
		if doc.Type == metadata.DocTypeFolder {
			dispatchErr = w.dispatcher.DeleteFolder(ctx, doc)
		} else {
			dispatchErr = w.dispatcher.DeleteFile(ctx, doc)
		}
		if dispatchErr != nil {
			w.recordDropped("safetyScanDelete", doc.Path, dispatchErr)
		}
	}

	return nil
}
