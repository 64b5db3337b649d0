package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/cozy-sync/internal/docid"
)

// Store is the sole-writer SQLite-backed MetadataStore (spec.md section
// 4.1). It owns a single *sql.DB capped to one open connection — exactly
// the teacher's BaselineManager pattern — so every write is serialized by
// the database/sql pool itself, with no additional locking required.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the SQLite database at dbPath, applies pending
// migrations, and returns a ready-to-use Store. WAL mode plus
// SetMaxOpenConns(1) mirrors the teacher's crash-safe single-writer setup.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("metadata: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("metadata store opened", slog.String("db_path", dbPath))

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the document stored at id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id docid.ID) (*Document, error) {
	row := s.db.QueryRowContext(ctx, sqlSelectByID, id.String())

	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: get %s: %w", id, err)
	}

	return doc, nil
}

// Put validates doc.Rev against the current stored revision (empty Rev
// means "must not already exist"), assigns a fresh revision token, persists
// the document and a per-side revision snapshot, and returns the updated
// copy. Returns ErrConflict if doc.Rev does not match the current value.
func (s *Store) Put(ctx context.Context, doc *Document) (*Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("metadata: put %s: begin tx: %w", doc.ID, err)
	}
	defer tx.Rollback()

	updated, err := putTx(ctx, tx, doc)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("metadata: put %s: commit: %w", doc.ID, err)
	}

	return updated, nil
}

// BulkPut validates and persists every document in docs within a single
// transaction: either all writes succeed, or none do. Required for
// recursive folder move/delete atomicity (spec.md section 4.4, "atomic
// bulk writes").
func (s *Store) BulkPut(ctx context.Context, docs []*Document) ([]*Document, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("metadata: bulk put: begin tx: %w", err)
	}
	defer tx.Rollback()

	updated := make([]*Document, 0, len(docs))

	for _, doc := range docs {
		u, err := putTx(ctx, tx, doc)
		if err != nil {
			return nil, err
		}

		updated = append(updated, u)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("metadata: bulk put: commit: %w", err)
	}

	s.logger.Debug("bulk put committed", slog.Int("count", len(docs)))

	return updated, nil
}

// putTx performs the conflict check, rev assignment, upsert and revision
// snapshot for a single document inside an already-open transaction.
func putTx(ctx context.Context, tx *sql.Tx, doc *Document) (*Document, error) {
	var currentRev sql.NullString

	err := tx.QueryRowContext(ctx, `SELECT rev FROM documents WHERE id = ?`, doc.ID.String()).Scan(&currentRev)
	switch {
	case err == sql.ErrNoRows:
		if doc.Rev != "" {
			return nil, fmt.Errorf("metadata: put %s: %w", doc.ID, ErrConflict)
		}
	case err != nil:
		return nil, fmt.Errorf("metadata: put %s: checking current revision: %w", doc.ID, err)
	default:
		if !currentRev.Valid || currentRev.String != doc.Rev {
			return nil, fmt.Errorf("metadata: put %s: %w", doc.ID, ErrConflict)
		}
	}

	updated := doc.Clone()
	updated.Rev = uuid.New().String()

	if err := upsertDocument(ctx, tx, updated); err != nil {
		return nil, fmt.Errorf("metadata: put %s: %w", doc.ID, err)
	}

	if err := insertRevisionSnapshots(ctx, tx, updated); err != nil {
		return nil, fmt.Errorf("metadata: put %s: %w", doc.ID, err)
	}

	return updated, nil
}

const sqlUpsertDocument = `
INSERT INTO documents (
	id, path, doc_type, rev, checksum, size, executable, mime, class,
	creation_date, last_modification, tags, side_local, side_remote,
	remote_id, remote_rev, deleted, move_to, has_move, trashed, errors
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	path = excluded.path, doc_type = excluded.doc_type, rev = excluded.rev,
	checksum = excluded.checksum, size = excluded.size,
	executable = excluded.executable, mime = excluded.mime,
	class = excluded.class, creation_date = excluded.creation_date,
	last_modification = excluded.last_modification, tags = excluded.tags,
	side_local = excluded.side_local, side_remote = excluded.side_remote,
	remote_id = excluded.remote_id, remote_rev = excluded.remote_rev,
	deleted = excluded.deleted, move_to = excluded.move_to,
	has_move = excluded.has_move, trashed = excluded.trashed,
	errors = excluded.errors`

func upsertDocument(ctx context.Context, tx *sql.Tx, doc *Document) error {
	tagsJSON, err := json.Marshal(doc.Tags)
	if err != nil {
		return fmt.Errorf("marshaling tags: %w", err)
	}

	var sideLocal, sideRemote sql.NullInt64
	if v, ok := doc.Sides[SideLocal]; ok {
		sideLocal = sql.NullInt64{Int64: int64(v), Valid: true}
	}
	if v, ok := doc.Sides[SideRemote]; ok {
		sideRemote = sql.NullInt64{Int64: int64(v), Valid: true}
	}

	var moveTo sql.NullString
	if doc.HasMove {
		moveTo = sql.NullString{String: doc.MoveTo.String(), Valid: true}
	}

	_, err = tx.ExecContext(ctx, sqlUpsertDocument,
		doc.ID.String(), doc.Path, string(doc.Type), doc.Rev, doc.Checksum,
		doc.Size, boolToInt(doc.Executable), doc.Mime, doc.Class,
		doc.CreationDate, doc.LastModification, string(tagsJSON),
		sideLocal, sideRemote, doc.Remote.ID, doc.Remote.Rev,
		boolToInt(doc.Deleted), moveTo, boolToInt(doc.HasMove),
		boolToInt(doc.Trashed), doc.Errors,
	)
	if err != nil {
		return fmt.Errorf("upserting document: %w", err)
	}

	return nil
}

const sqlUpsertRevision = `
INSERT INTO document_revisions (id, side, short_rev, rev, snapshot, written_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id, side, short_rev) DO UPDATE SET
	rev = excluded.rev, snapshot = excluded.snapshot, written_at = excluded.written_at`

// insertRevisionSnapshots records, for every side present on doc, a
// snapshot keyed by that side's short revision — the index previousRev
// queries against.
func insertRevisionSnapshots(ctx context.Context, tx *sql.Tx, doc *Document) error {
	snapshot, err := json.Marshal(documentRow(doc))
	if err != nil {
		return fmt.Errorf("marshaling revision snapshot: %w", err)
	}

	for side, shortRev := range doc.Sides {
		_, err := tx.ExecContext(ctx, sqlUpsertRevision,
			doc.ID.String(), string(side), shortRev, doc.Rev, string(snapshot), doc.LastModification,
		)
		if err != nil {
			return fmt.Errorf("recording revision snapshot: %w", err)
		}
	}

	return nil
}

const sqlSelectByID = `
SELECT id, path, doc_type, rev, checksum, size, executable, mime, class,
	creation_date, last_modification, tags, side_local, side_remote,
	remote_id, remote_rev, deleted, move_to, has_move, trashed, errors
FROM documents WHERE id = ?`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc        Document
		idStr      string
		docType    string
		tagsJSON   string
		sideLocal  sql.NullInt64
		sideRemote sql.NullInt64
		moveTo     sql.NullString
		executable int
		deleted    int
		hasMove    int
		trashed    int
	)

	err := row.Scan(
		&idStr, &doc.Path, &docType, &doc.Rev, &doc.Checksum, &doc.Size,
		&executable, &doc.Mime, &doc.Class, &doc.CreationDate,
		&doc.LastModification, &tagsJSON, &sideLocal, &sideRemote,
		&doc.Remote.ID, &doc.Remote.Rev, &deleted, &moveTo, &hasMove,
		&trashed, &doc.Errors,
	)
	if err != nil {
		return nil, err
	}

	doc.ID = docid.New(idStr)
	doc.Type = DocType(docType)
	doc.Executable = executable != 0
	doc.Deleted = deleted != 0
	doc.HasMove = hasMove != 0
	doc.Trashed = trashed != 0

	if err := json.Unmarshal([]byte(tagsJSON), &doc.Tags); err != nil {
		return nil, fmt.Errorf("unmarshaling tags: %w", err)
	}

	doc.Sides = make(map[Side]int, 2)
	if sideLocal.Valid {
		doc.Sides[SideLocal] = int(sideLocal.Int64)
	}
	if sideRemote.Valid {
		doc.Sides[SideRemote] = int(sideRemote.Int64)
	}

	if moveTo.Valid {
		doc.MoveTo = docid.New(moveTo.String)
	}

	return &doc, nil
}

// ByRecursivePath returns every descendant of prefix — every document whose
// id begins with prefix + "/" — ordered ascending by id (spec.md section
// 4.1, "byRecursivePath"). prefix itself is not included: callers that also
// need the prefix document fetch it separately via Get. The zero-value
// (root) prefix matches the entire tree, since the root has no document of
// its own to exclude.
func (s *Store) ByRecursivePath(ctx context.Context, prefix docid.ID) ([]*Document, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if prefix.IsZero() {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, path, doc_type, rev, checksum, size, executable, mime, class,
				creation_date, last_modification, tags, side_local, side_remote,
				remote_id, remote_rev, deleted, move_to, has_move, trashed, errors
			FROM documents ORDER BY id ASC`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, path, doc_type, rev, checksum, size, executable, mime, class,
				creation_date, last_modification, tags, side_local, side_remote,
				remote_id, remote_rev, deleted, move_to, has_move, trashed, errors
			FROM documents WHERE substr(id, 1, length(?)) = ? ORDER BY id ASC`,
			prefix.String()+"/", prefix.String()+"/")
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: byRecursivePath %s: %w", prefix, err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("metadata: byRecursivePath %s: scanning row: %w", prefix, err)
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metadata: byRecursivePath %s: %w", prefix, err)
	}

	return docs, nil
}

// ByChecksum returns every document (including tombstones) carrying the
// given checksum. The index deliberately is not filtered to live documents
// — spec.md section 9 requires the index to tolerate stale entries; callers
// performing move inference cross-reference the result against their own
// pending-deletion bookkeeping.
func (s *Store) ByChecksum(ctx context.Context, checksum string) ([]*Document, error) {
	if checksum == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, doc_type, rev, checksum, size, executable, mime, class,
			creation_date, last_modification, tags, side_local, side_remote,
			remote_id, remote_rev, deleted, move_to, has_move, trashed, errors
		FROM documents WHERE checksum = ? ORDER BY id ASC`, checksum)
	if err != nil {
		return nil, fmt.Errorf("metadata: byChecksum %s: %w", checksum, err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("metadata: byChecksum %s: scanning row: %w", checksum, err)
		}
		docs = append(docs, doc)
	}

	return docs, rows.Err()
}

// PreviousRev returns the document snapshot recorded for id the last time
// side's short-revision counter equalled shortRev (spec.md section 4.4,
// resolveInitialAdd). Returns ErrNotFound if no such snapshot exists.
func (s *Store) PreviousRev(ctx context.Context, id docid.ID, side Side, shortRev int) (*Document, error) {
	var snapshot string

	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot FROM document_revisions
		WHERE id = ? AND side = ? AND short_rev = ?`,
		id.String(), string(side), shortRev,
	).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: previousRev %s@%s/%d: %w", id, side, shortRev, err)
	}

	var row documentSnapshot
	if err := json.Unmarshal([]byte(snapshot), &row); err != nil {
		return nil, fmt.Errorf("metadata: previousRev %s@%s/%d: unmarshaling snapshot: %w", id, side, shortRev, err)
	}

	return row.toDocument(), nil
}

// Stats summarizes the journal's contents for diagnostic reporting
// (SPEC_FULL.md section 4, "tombstone retention / collapse sweep" —
// cozy-sync status surfaces these counts without performing any collapse).
type Stats struct {
	LiveFiles      int
	LiveFolders    int
	Tombstones     int // deleted=true, both sides have observed the deletion
	PendingDeletes int // deleted=true, only one side has observed it yet
	Trashed        int
	ErrorDocuments int
	LiveBytes      int64 // sum of Size across live (non-deleted) files
}

// Stats walks the full journal and aggregates counts. It is a maintenance/
// reporting operation, not part of the reconciliation hot path, so a full
// table scan is acceptable here the way it would not be in Get/Put.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	docs, err := s.ByRecursivePath(ctx, docid.ID{})
	if err != nil {
		return Stats{}, fmt.Errorf("metadata: stats: %w", err)
	}

	var stats Stats

	for _, doc := range docs {
		switch {
		case doc.Deleted && len(doc.Sides) >= 2 &&
			doc.UpToDateOn(SideLocal) && doc.UpToDateOn(SideRemote):
			stats.Tombstones++
		case doc.Deleted:
			stats.PendingDeletes++
		case doc.Type == DocTypeFolder:
			stats.LiveFolders++
		default:
			stats.LiveFiles++
			stats.LiveBytes += doc.Size
		}

		if doc.Trashed {
			stats.Trashed++
		}

		if doc.Errors > 0 {
			stats.ErrorDocuments++
		}
	}

	return stats, nil
}

// documentSnapshot is the JSON shape persisted in document_revisions.
// Kept distinct from Document so the stored format does not silently drift
// if Document grows fields that should not be part of the historical
// snapshot (e.g. purely transient ones).
type documentSnapshot struct {
	ID               string         `json:"id"`
	Path             string         `json:"path"`
	Type             string         `json:"type"`
	Rev              string         `json:"rev"`
	Checksum         string         `json:"checksum"`
	Size             int64          `json:"size"`
	Executable       bool           `json:"executable"`
	Mime             string         `json:"mime"`
	Class            string         `json:"class"`
	CreationDate     int64          `json:"creationDate"`
	LastModification int64          `json:"lastModification"`
	Tags             []string       `json:"tags"`
	Sides            map[Side]int   `json:"sides"`
	RemoteID         string         `json:"remoteId"`
	RemoteRev        string         `json:"remoteRev"`
	Deleted          bool           `json:"deleted"`
	MoveTo           string         `json:"moveTo,omitempty"`
	HasMove          bool           `json:"hasMove"`
	Trashed          bool           `json:"trashed"`
	Errors           int            `json:"errors"`
}

func documentRow(doc *Document) documentSnapshot {
	var moveTo string
	if doc.HasMove {
		moveTo = doc.MoveTo.String()
	}

	return documentSnapshot{
		ID:               doc.ID.String(),
		Path:             doc.Path,
		Type:             string(doc.Type),
		Rev:              doc.Rev,
		Checksum:         doc.Checksum,
		Size:             doc.Size,
		Executable:       doc.Executable,
		Mime:             doc.Mime,
		Class:            doc.Class,
		CreationDate:     doc.CreationDate,
		LastModification: doc.LastModification,
		Tags:             doc.Tags,
		Sides:            doc.Sides,
		RemoteID:         doc.Remote.ID,
		RemoteRev:        doc.Remote.Rev,
		Deleted:          doc.Deleted,
		MoveTo:           moveTo,
		HasMove:          doc.HasMove,
		Trashed:          doc.Trashed,
		Errors:           doc.Errors,
	}
}

func (s documentSnapshot) toDocument() *Document {
	doc := &Document{
		ID:               docid.New(s.ID),
		Path:             s.Path,
		Type:             DocType(s.Type),
		Rev:              s.Rev,
		Checksum:         s.Checksum,
		Size:             s.Size,
		Executable:       s.Executable,
		Mime:             s.Mime,
		Class:            s.Class,
		CreationDate:     s.CreationDate,
		LastModification: s.LastModification,
		Tags:             append([]string(nil), s.Tags...),
		Sides:            make(map[Side]int, len(s.Sides)),
		Remote:           RemoteRef{ID: s.RemoteID, Rev: s.RemoteRev},
		Deleted:          s.Deleted,
		HasMove:          s.HasMove,
		Trashed:          s.Trashed,
		Errors:           s.Errors,
	}

	for k, v := range s.Sides {
		doc.Sides[k] = v
	}

	if s.HasMove {
		doc.MoveTo = docid.New(s.MoveTo)
	}

	return doc
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
