// Package docid derives the normalized document identifier from a
// human-facing relative path. The identifier is the primary key of the
// metadata journal (data-model.md section 3): it must be a pure function
// of path, stable across the two platform quirks that matter for a
// bidirectional sync engine — HFS+/APFS Unicode normalization and
// Windows case-insensitive, case-preserving semantics.
package docid

import (
	"path"
	"runtime"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ID is a normalized document identifier: NFC-normalized and, on
// case-insensitive platforms, lowercased. The zero value represents the
// root document (no path).
type ID struct {
	value string
}

// New derives the ID for a relative path. The path must use "/" separators
// (callers normalize platform separators via ToSlash before calling New).
func New(relPath string) ID {
	return ID{value: normalize(relPath)}
}

// String returns the normalized identifier.
func (id ID) String() string {
	return id.value
}

// IsZero reports whether id is the root identifier.
func (id ID) IsZero() bool {
	return id.value == ""
}

// IsRoot is an alias for IsZero, read more naturally at call sites that talk
// about the sync root rather than a generic zero value.
func (id ID) IsRoot() bool {
	return id.IsZero()
}

// Equal reports whether two IDs are identical.
func (id ID) Equal(other ID) bool {
	return id.value == other.value
}

// HasPrefix reports whether id is prefix or a descendant of prefix, i.e.
// id's path begins with prefix's path followed by a "/" (or is prefix
// itself). Used by the MetadataStore's recursive-prefix index.
func (id ID) HasPrefix(prefix ID) bool {
	if prefix.IsZero() {
		return true
	}

	if id.value == prefix.value {
		return true
	}

	return strings.HasPrefix(id.value, prefix.value+"/")
}

// Parent returns the ID of the containing folder, and true, or the zero ID
// and false if id is already the root.
func (id ID) Parent() (ID, bool) {
	if id.IsZero() {
		return ID{}, false
	}

	dir := path.Dir(id.value)
	if dir == "." {
		return ID{}, true
	}

	return ID{value: dir}, true
}

// WithPrefixReplaced replaces oldPrefix with newPrefix at the start of id's
// path, used when rewriting descendant IDs during a recursive folder move
// (Merge.moveFolderRecursively, spec section 4.4). It does not check that
// id carries oldPrefix: if it does not, the whole of id is placed under
// newPrefix.
func (id ID) WithPrefixReplaced(oldPrefix, newPrefix ID) ID {
	if id.value == oldPrefix.value {
		return newPrefix
	}

	suffix := strings.TrimPrefix(id.value, oldPrefix.value+"/")

	if newPrefix.IsZero() {
		return ID{value: suffix}
	}

	return ID{value: newPrefix.value + "/" + suffix}
}

// caseFoldingPlatform reports whether the identifier should be lowercased
// to emulate the host filesystem's case-insensitive, case-preserving
// matching (Windows, and APFS in its default configuration). Linux's ext4
// and APFS-case-sensitive are case-sensitive and skip this step.
//
// The core only ever runs against one real filesystem (the local sync
// root), so runtime.GOOS is the right signal — there is no per-volume case
// sensitivity probe in scope here (that lives in the out-of-scope on-disk
// I/O primitives, spec.md section 1).
func caseFoldingPlatform() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}

// normalize applies NFC Unicode normalization to every path segment (HFS+/
// APFS store filenames in NFD; comparing raw bytes across a rename would
// otherwise treat "café" and "café" — composed vs. decomposed — as distinct
// documents) and, on case-folding platforms, lowercases the result.
func normalize(relPath string) string {
	cleaned := strings.Trim(path.Clean("/"+relPath), "/")
	if cleaned == "." {
		return ""
	}

	nfc := norm.NFC.String(cleaned)

	if caseFoldingPlatform() {
		return strings.ToLower(nfc)
	}

	return nfc
}
