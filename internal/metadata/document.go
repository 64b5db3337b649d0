// Package metadata implements the MetadataStore (data-model.md / spec.md
// section 4.1): the persistent journal of Document metadata that mediates
// between the local filesystem and the remote document store. It is the
// single source of truth Merge reconciles against.
package metadata

import (
	"errors"

	"github.com/tonimelisma/cozy-sync/internal/docid"
)

// Side identifies which half of the sync relationship observed a document
// version: the local filesystem, or the remote document store.
type Side string

// The two sides a Document's short-revision counters are tracked for.
const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// DocType tags a Document as a file or a folder (data-model.md section 3,
// "open-set polymorphism -> tagged variant", spec.md section 9).
type DocType string

// The two document types. There is no third kind in this core — symlinks
// and other non-regular entries are skipped by the LocalWatcher before any
// document is built (spec.md section 6, filesystem watcher primitive
// configuration).
const (
	DocTypeFile   DocType = "file"
	DocTypeFolder DocType = "folder"
)

// RemoteRef is the opaque descriptor of a document's remote twin: the
// identifier and revision assigned by the remote document store. The core
// never interprets these values — they are round-tripped for the
// out-of-scope remote HTTP client to consume.
type RemoteRef struct {
	ID  string
	Rev string
}

// IsZero reports whether the document has never been observed remotely.
func (r RemoteRef) IsZero() bool {
	return r.ID == "" && r.Rev == ""
}

// Document is the unit of metadata persisted by the MetadataStore
// (data-model.md section 3).
type Document struct {
	ID   docid.ID
	Path string
	Type DocType
	Rev  string // opaque revision token, assigned by the store on each write

	Checksum string // base64 MD5, files only
	Size     int64
	Executable bool
	Mime     string
	Class    string

	CreationDate     int64 // Unix nanoseconds
	LastModification int64 // Unix nanoseconds

	Tags []string

	// Sides maps each side to a small monotonic "short revision" counter.
	// Presence of a key means that side has observed this version; the side
	// whose counter equals max(Sides) is "up to date" (GLOSSARY).
	Sides map[Side]int

	Remote RemoteRef

	Deleted bool        // tombstone marker
	MoveTo  docid.ID    // set on a tombstone that is one half of a move
	HasMove bool        // true when MoveTo is meaningful (docid zero value is a valid id)
	Trashed bool        // logically trashed, not yet purged

	Errors int // transient retry counter
}

// Clone returns a deep-enough copy of doc safe to mutate independently —
// the Sides map and Tags slice are copied, everything else is a value.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}

	c := *d

	c.Sides = make(map[Side]int, len(d.Sides))
	for k, v := range d.Sides {
		c.Sides[k] = v
	}

	c.Tags = append([]string(nil), d.Tags...)

	return &c
}

// MaxSideRev returns the highest short-revision counter across all sides
// that have observed this document, or 0 if Sides is empty.
func (d *Document) MaxSideRev() int {
	max := 0

	for _, v := range d.Sides {
		if v > max {
			max = v
		}
	}

	return max
}

// UpToDateOn reports whether side has observed the latest version of d
// (GLOSSARY: "up-to-date on side S").
func (d *Document) UpToDateOn(side Side) bool {
	return d.Sides[side] == d.MaxSideRev()
}

// ErrNotFound is returned by Get/lookup operations when no document exists
// at the given id. It is not an error to callers (spec.md section 7) —
// Merge treats it as "document absent".
var ErrNotFound = errors.New("metadata: document not found")

// ErrConflict is returned by Put/BulkPut when the supplied document's Rev
// does not match the current stored revision (data-model.md section 4.1).
// Merge resolves structural collisions by conflict rename before writing,
// but a write that still hits a stale Rev returns this error, wrapped, to
// Merge's caller.
var ErrConflict = errors.New("metadata: revision conflict")
