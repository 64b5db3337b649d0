// Package merge implements the Merge reconciler (spec.md section 4.4): the
// component that takes a semantic change operation from either side and
// reconciles it against the MetadataStore, enforcing the document model's
// invariants and emitting conflict renames instead of ever losing data.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/tonimelisma/cozy-sync/internal/docid"
	"github.com/tonimelisma/cozy-sync/internal/metadata"
)

// ErrCannotResolve is returned when an operation hits a file/folder type
// mismatch that has no rename-based resolution (updateFile against an
// existing folder). It is fatal for that single operation only — logged and
// skipped by the caller, never escalated to a process-level failure.
var ErrCannotResolve = errors.New("merge: cannot resolve file/folder type mismatch")

// maxConflictSuffix bounds the numeric collision-avoidance loop on conflict
// path generation, grounded in the teacher's generateConflictPath.
const maxConflictSuffix = 1000

// maxConflictStemRunes is the basename length (in runes) a conflict rename
// truncates to before appending the "-conflict-<timestamp>" suffix
// (spec.md section 4.4 / section 8 boundary behavior).
const maxConflictStemRunes = 180

// Merge reconciles semantic operations against a MetadataStore. All
// reconciliation is expected to run through a single serialized consumer
// (internal/engine) — Merge itself holds no lock, relying on the caller for
// the linearizability guarantee spec.md section 5 requires.
type Merge struct {
	store  *metadata.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Merge reconciler over store. now defaults to time.Now and
// is overridable for deterministic tests (conflict-suffix timestamps).
func New(store *metadata.Store, logger *slog.Logger, now func() time.Time) *Merge {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}

	return &Merge{store: store, logger: logger, now: now}
}

// markSide stamps doc.Sides[side] with one more than the highest short
// revision existing (if any) has observed on any side (spec.md section
// 4.4: "every operation begins by ... calling markSide").
func markSide(side metadata.Side, doc *metadata.Document, existing *metadata.Document) {
	base := 0
	if existing != nil {
		base = existing.MaxSideRev()
	}

	if doc.Sides == nil {
		doc.Sides = make(map[metadata.Side]int, 2)
	}

	doc.Sides[side] = base + 1
}

// sameBinary reports whether two file documents have identical content,
// per spec.md section 4.4's "sameBinary" predicate.
func sameBinary(a, b *metadata.Document) bool {
	return a.Checksum == b.Checksum && a.Size == b.Size
}

// carryForwardMetadata copies attributes from from into to wherever to
// leaves them unset, used by addFile/updateFile when content is unchanged
// but one side is missing descriptive metadata the other already observed.
func carryForwardMetadata(to, from *metadata.Document) {
	if to.Mime == "" {
		to.Mime = from.Mime
	}
	if to.Class == "" {
		to.Class = from.Class
	}
	if to.CreationDate == 0 {
		to.CreationDate = from.CreationDate
	}
	if len(to.Tags) == 0 {
		to.Tags = append([]string(nil), from.Tags...)
	}
	if to.Remote.IsZero() {
		to.Remote = from.Remote
	}
}

// ensureAncestors walks the dirname(id) chain, synthesizing missing folder
// documents so that a child may legally be written even if its parent's
// creation event has not yet arrived (spec.md section 4.4, "Parent
// existence").
func (m *Merge) ensureAncestors(ctx context.Context, id docid.ID, nowNano int64) error {
	parent, ok := id.Parent()
	if !ok || parent.IsZero() {
		return nil
	}

	existing, err := m.store.Get(ctx, parent)
	if err == nil {
		if existing.Type != metadata.DocTypeFolder {
			return fmt.Errorf("merge: ensureAncestors %s: %w", parent, ErrCannotResolve)
		}
		return nil
	}
	if !errors.Is(err, metadata.ErrNotFound) {
		return fmt.Errorf("merge: ensureAncestors %s: %w", parent, err)
	}

	if err := m.ensureAncestors(ctx, parent, nowNano); err != nil {
		return err
	}

	folder := &metadata.Document{
		ID:               parent,
		Path:             parent.String(),
		Type:             metadata.DocTypeFolder,
		CreationDate:     nowNano,
		LastModification: nowNano,
	}
	markSide(metadata.SideLocal, folder, nil)
	markSide(metadata.SideRemote, folder, nil)

	if _, err := m.store.Put(ctx, folder); err != nil && !errors.Is(err, metadata.ErrConflict) {
		return fmt.Errorf("merge: synthesizing ancestor %s: %w", parent, err)
	}

	m.logger.Debug("synthesized missing ancestor folder", slog.String("id", parent.String()))

	return nil
}

// conflictRename computes a conflict destination for a document that would
// otherwise collide with existing content at the same id (spec.md section
// 4.4, "Conflict resolution"): the basename (truncated to 180 runes) gets a
// "-conflict-<ISO8601 timestamp, filesystem-safe>" suffix before the
// extension, with numeric collision-avoidance grounded in the teacher's
// generateConflictPath/conflictStemExt.
func (m *Merge) conflictRename(ctx context.Context, original docid.ID, originalPath string) (docid.ID, string, error) {
	dir, base := path.Split(originalPath)
	stem, ext := conflictStemExt(base)
	stem = truncateRunes(stem, maxConflictStemRunes)

	ts := m.now().UTC().Format("20060102T150405Z")

	candidatePath := dir + stem + "-conflict-" + ts + ext
	candidateID := docid.New(candidatePath)

	if _, err := m.store.Get(ctx, candidateID); errors.Is(err, metadata.ErrNotFound) {
		return candidateID, candidatePath, nil
	} else if err != nil {
		return docid.ID{}, "", fmt.Errorf("merge: conflictRename %s: %w", original, err)
	}

	for i := 1; i <= maxConflictSuffix; i++ {
		candidatePath = dir + stem + "-conflict-" + ts + "-" + strconv.Itoa(i) + ext
		candidateID = docid.New(candidatePath)

		if _, err := m.store.Get(ctx, candidateID); errors.Is(err, metadata.ErrNotFound) {
			return candidateID, candidatePath, nil
		} else if err != nil {
			return docid.ID{}, "", fmt.Errorf("merge: conflictRename %s: %w", original, err)
		}
	}

	// Exhausted the suffix space: fall back to the base candidate, matching
	// the teacher's best-effort fallback rather than failing the operation.
	fallbackPath := dir + stem + "-conflict-" + ts + ext
	return docid.New(fallbackPath), fallbackPath, nil
}

// conflictStemExt splits base into a (stem, ext) pair, treating dotfiles
// whose only dot is the leading one (".bashrc") as having no extension so
// the conflict suffix is appended to the full name rather than split
// across the leading dot.
func conflictStemExt(base string) (stem, ext string) {
	if strings.HasPrefix(base, ".") && strings.Count(base, ".") == 1 {
		return base, ""
	}

	ext = path.Ext(base)
	stem = strings.TrimSuffix(base, ext)

	return stem, ext
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}

	return string(r[:limit])
}
