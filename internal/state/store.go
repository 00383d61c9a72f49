// Package state persists per-document ingestion bookkeeping in a
// single SQLite file. It is the source of truth for change detection:
// a document counts as ingested only once its record lands here, and
// the orchestrator writes records strictly after Qdrant acknowledges
// the corresponding points.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO

	"github.com/fyrsmithlabs/qloader/internal/errkind"
)

// schemaVersion is the newest schema this build understands. Opening a
// store written by a future version refuses to run rather than guess.
const schemaVersion = 1

// listPageSize bounds each List query; iteration is keyset-paginated
// on document_id.
const listPageSize = 500

// Key identifies one document's record.
type Key struct {
	ProjectID  string
	SourceType string
	SourceName string
	DocumentID string
}

// Record is the persisted per-document state.
type Record struct {
	Key
	ContentHash    string
	VersionSignal  string
	URL            string
	Title          string
	ParentID       string
	IsDeleted      bool
	LastIngestedAt time.Time
}

// SourceCounters is the per-source slice of a run's counters.
type SourceCounters struct {
	Seen      int    `json:"seen"`
	New       int    `json:"new"`
	Updated   int    `json:"updated"`
	Unchanged int    `json:"unchanged"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// RunCounters aggregates one ingestion invocation.
type RunCounters struct {
	Seen           int                       `json:"seen"`
	New            int                       `json:"new"`
	Updated        int                       `json:"updated"`
	Unchanged      int                       `json:"unchanged"`
	Failed         int                       `json:"failed"`
	ChunksWritten  int                       `json:"chunks_written"`
	EmbeddingsMade int                       `json:"embeddings_made"`
	Sources        map[string]SourceCounters `json:"sources,omitempty"`
}

// Run is a persisted IngestionRun row.
type Run struct {
	ID         int64     `json:"id"`
	ProjectID  string    `json:"project_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	RunCounters
}

// Store is the single-writer SQLite state store.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// Open opens or creates the store at path. A missing parent directory
// is a Config error: ingestion must fail fast before any work starts.
// Pass ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errkind.New(errkind.Config, "state: database path is empty")
	}

	dsn := path
	if path != ":memory:" {
		dir := filepath.Dir(path)
		info, err := os.Stat(dir)
		if err != nil {
			return nil, errkind.New(errkind.Config, "state: parent directory %s: %v", dir, err)
		}
		if !info.IsDir() {
			return nil, errkind.New(errkind.Config, "state: %s is not a directory", dir)
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errkind.New(errkind.Config, "state: open %s: %v", path, err)
	}

	// Single writer; SQLite serializes anyway and one connection
	// avoids lock contention entirely.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// modernc.org/sqlite ignores some DSN knobs; set pragmas explicitly.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errkind.New(errkind.Config, "state: %s: %v", path, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS documents (
		project_id       TEXT NOT NULL,
		source_type      TEXT NOT NULL,
		source_name      TEXT NOT NULL,
		document_id      TEXT NOT NULL,
		content_hash     TEXT NOT NULL,
		version_signal   TEXT NOT NULL DEFAULT '',
		url              TEXT NOT NULL DEFAULT '',
		title            TEXT NOT NULL DEFAULT '',
		parent_id        TEXT NOT NULL DEFAULT '',
		is_deleted       INTEGER NOT NULL DEFAULT 0,
		last_ingested_at TEXT NOT NULL,
		PRIMARY KEY (project_id, source_type, source_name, document_id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_scope
		ON documents (project_id, source_type, source_name);

	CREATE TABLE IF NOT EXISTS ingestion_runs (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id          TEXT NOT NULL,
		started_at          TEXT NOT NULL,
		finished_at         TEXT,
		documents_seen      INTEGER NOT NULL DEFAULT 0,
		documents_new       INTEGER NOT NULL DEFAULT 0,
		documents_updated   INTEGER NOT NULL DEFAULT 0,
		documents_unchanged INTEGER NOT NULL DEFAULT 0,
		documents_failed    INTEGER NOT NULL DEFAULT 0,
		chunks_written      INTEGER NOT NULL DEFAULT 0,
		embeddings_made     INTEGER NOT NULL DEFAULT 0,
		sources_json        TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_runs_project
		ON ingestion_runs (project_id, id);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return errkind.New(errkind.State, "state: init schema: %v", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		return errkind.New(errkind.State, "state: read schema version: %v", err)
	}
	if version > schemaVersion {
		return errkind.New(errkind.State,
			"state: %s uses schema version %d, this build supports up to %d; upgrade qloader",
			s.path, version, schemaVersion)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) guard() error {
	if s.closed {
		return errkind.New(errkind.State, "state: store is closed")
	}
	return nil
}

const upsertSQL = `
INSERT INTO documents (
	project_id, source_type, source_name, document_id,
	content_hash, version_signal, url, title, parent_id, is_deleted, last_ingested_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (project_id, source_type, source_name, document_id) DO UPDATE SET
	content_hash = excluded.content_hash,
	version_signal = excluded.version_signal,
	url = excluded.url,
	title = excluded.title,
	parent_id = excluded.parent_id,
	is_deleted = excluded.is_deleted,
	last_ingested_at = excluded.last_ingested_at`

// Upsert creates or overwrites one record atomically.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, upsertSQL,
		rec.ProjectID, rec.SourceType, rec.SourceName, rec.DocumentID,
		rec.ContentHash, rec.VersionSignal, rec.URL, rec.Title, rec.ParentID,
		boolToInt(rec.IsDeleted), formatTime(rec.LastIngestedAt))
	if err != nil {
		return errkind.New(errkind.State, "state: upsert %s: %v", rec.DocumentID, err)
	}
	return nil
}

// UpsertBatch writes several records in one transaction. Used when a
// whole embed batch is acknowledged at once.
func (s *Store) UpsertBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.New(errkind.State, "state: begin batch: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return errkind.New(errkind.State, "state: prepare batch: %v", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx,
			rec.ProjectID, rec.SourceType, rec.SourceName, rec.DocumentID,
			rec.ContentHash, rec.VersionSignal, rec.URL, rec.Title, rec.ParentID,
			boolToInt(rec.IsDeleted), formatTime(rec.LastIngestedAt)); err != nil {
			return errkind.New(errkind.State, "state: upsert %s: %v", rec.DocumentID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errkind.New(errkind.State, "state: commit batch: %v", err)
	}
	return nil
}

// Get returns the record for key, reporting whether it exists.
func (s *Store) Get(ctx context.Context, key Key) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return Record{}, false, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT content_hash, version_signal, url, title, parent_id, is_deleted, last_ingested_at
		FROM documents
		WHERE project_id = ? AND source_type = ? AND source_name = ? AND document_id = ?`,
		key.ProjectID, key.SourceType, key.SourceName, key.DocumentID)

	rec := Record{Key: key}
	var deleted int
	var ingestedAt string
	err := row.Scan(&rec.ContentHash, &rec.VersionSignal, &rec.URL, &rec.Title,
		&rec.ParentID, &deleted, &ingestedAt)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, errkind.New(errkind.State, "state: get %s: %v", key.DocumentID, err)
	}
	rec.IsDeleted = deleted != 0
	rec.LastIngestedAt = parseTime(ingestedAt)
	return rec, true, nil
}

// List streams every record in scope to fn in (source_type,
// source_name, document_id) order. sourceType and sourceName narrow
// the scope when non-empty. Iteration stops on the first error from fn.
func (s *Store) List(ctx context.Context, projectID, sourceType, sourceName string, fn func(Record) error) error {
	var after *Key
	for {
		recs, err := s.listPage(ctx, projectID, sourceType, sourceName, after)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		for _, rec := range recs {
			if err := fn(rec); err != nil {
				return err
			}
		}
		last := recs[len(recs)-1].Key
		after = &last
		if len(recs) < listPageSize {
			return nil
		}
	}
}

func (s *Store) listPage(ctx context.Context, projectID, sourceType, sourceName string, after *Key) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	query := `
		SELECT source_type, source_name, document_id,
		       content_hash, version_signal, url, title, parent_id, is_deleted, last_ingested_at
		FROM documents
		WHERE project_id = ?`
	args := []any{projectID}
	if sourceType != "" {
		query += " AND source_type = ?"
		args = append(args, sourceType)
	}
	if sourceName != "" {
		query += " AND source_name = ?"
		args = append(args, sourceName)
	}
	if after != nil {
		query += " AND (source_type, source_name, document_id) > (?, ?, ?)"
		args = append(args, after.SourceType, after.SourceName, after.DocumentID)
	}
	query += " ORDER BY source_type, source_name, document_id LIMIT ?"
	args = append(args, listPageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.New(errkind.State, "state: list: %v", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{Key: Key{ProjectID: projectID}}
		var deleted int
		var ingestedAt string
		if err := rows.Scan(&rec.SourceType, &rec.SourceName, &rec.DocumentID,
			&rec.ContentHash, &rec.VersionSignal, &rec.URL, &rec.Title,
			&rec.ParentID, &deleted, &ingestedAt); err != nil {
			return nil, errkind.New(errkind.State, "state: scan: %v", err)
		}
		rec.IsDeleted = deleted != 0
		rec.LastIngestedAt = parseTime(ingestedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.New(errkind.State, "state: list: %v", err)
	}
	return out, nil
}

// Touch refreshes last_ingested_at for an unchanged document.
func (s *Store) Touch(ctx context.Context, key Key, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET last_ingested_at = ?
		WHERE project_id = ? AND source_type = ? AND source_name = ? AND document_id = ?`,
		formatTime(at), key.ProjectID, key.SourceType, key.SourceName, key.DocumentID)
	if err != nil {
		return errkind.New(errkind.State, "state: touch %s: %v", key.DocumentID, err)
	}
	return nil
}

// Tombstone marks a record deleted and refreshes last_ingested_at.
// The record survives so later runs still know the document existed.
func (s *Store) Tombstone(ctx context.Context, key Key, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET is_deleted = 1, last_ingested_at = ?
		WHERE project_id = ? AND source_type = ? AND source_name = ? AND document_id = ?`,
		formatTime(at), key.ProjectID, key.SourceType, key.SourceName, key.DocumentID)
	if err != nil {
		return errkind.New(errkind.State, "state: tombstone %s: %v", key.DocumentID, err)
	}
	return nil
}

// PurgeProject removes every record and run for a project. The only
// operation that deletes rows.
func (s *Store) PurgeProject(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.New(errkind.State, "state: begin purge: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE project_id = ?", projectID); err != nil {
		return errkind.New(errkind.State, "state: purge documents: %v", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM ingestion_runs WHERE project_id = ?", projectID); err != nil {
		return errkind.New(errkind.State, "state: purge runs: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return errkind.New(errkind.State, "state: commit purge: %v", err)
	}
	return nil
}

// BeginRun appends an open IngestionRun row and returns its id.
func (s *Store) BeginRun(ctx context.Context, projectID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO ingestion_runs (project_id, started_at) VALUES (?, ?)",
		projectID, formatTime(at))
	if err != nil {
		return 0, errkind.New(errkind.State, "state: begin run: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errkind.New(errkind.State, "state: begin run id: %v", err)
	}
	return id, nil
}

// FinishRun closes a run with its final counters.
func (s *Store) FinishRun(ctx context.Context, runID int64, counters RunCounters, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	sources, err := json.Marshal(counters.Sources)
	if err != nil {
		return errkind.New(errkind.State, "state: marshal source counters: %v", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE ingestion_runs SET
			finished_at = ?,
			documents_seen = ?, documents_new = ?, documents_updated = ?,
			documents_unchanged = ?, documents_failed = ?,
			chunks_written = ?, embeddings_made = ?, sources_json = ?
		WHERE id = ?`,
		formatTime(at),
		counters.Seen, counters.New, counters.Updated,
		counters.Unchanged, counters.Failed,
		counters.ChunksWritten, counters.EmbeddingsMade, string(sources),
		runID)
	if err != nil {
		return errkind.New(errkind.State, "state: finish run %d: %v", runID, err)
	}
	return nil
}

// LastRuns returns up to n most recent runs for a project, newest
// first. Empty projectID returns runs across all projects.
func (s *Store) LastRuns(ctx context.Context, projectID string, n int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	if n < 1 {
		n = 1
	}

	query := `
		SELECT id, project_id, started_at, finished_at,
		       documents_seen, documents_new, documents_updated,
		       documents_unchanged, documents_failed,
		       chunks_written, embeddings_made, sources_json
		FROM ingestion_runs`
	args := []any{}
	if projectID != "" {
		query += " WHERE project_id = ?"
		args = append(args, projectID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, n)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.New(errkind.State, "state: last runs: %v", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		var started string
		var finished sql.NullString
		var sources string
		if err := rows.Scan(&run.ID, &run.ProjectID, &started, &finished,
			&run.Seen, &run.New, &run.Updated, &run.Unchanged, &run.Failed,
			&run.ChunksWritten, &run.EmbeddingsMade, &sources); err != nil {
			return nil, errkind.New(errkind.State, "state: scan run: %v", err)
		}
		run.StartedAt = parseTime(started)
		if finished.Valid {
			run.FinishedAt = parseTime(finished.String)
		}
		if sources != "" && sources != "{}" {
			if err := json.Unmarshal([]byte(sources), &run.Sources); err != nil {
				return nil, errkind.New(errkind.State, "state: decode source counters: %v", err)
			}
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.New(errkind.State, "state: last runs: %v", err)
	}
	return out, nil
}

// CountDocuments returns (live, deleted) record counts for a project.
func (s *Store) CountDocuments(ctx context.Context, projectID string) (live, deleted int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return 0, 0, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN is_deleted = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_deleted = 1 THEN 1 ELSE 0 END), 0)
		FROM documents WHERE project_id = ?`, projectID)
	if err := row.Scan(&live, &deleted); err != nil {
		return 0, 0, errkind.New(errkind.State, "state: count documents: %v", err)
	}
	return live, deleted, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
