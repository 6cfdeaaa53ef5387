package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"memvault/internal/errors"
	"memvault/internal/record"
)

// SQLiteBackend is the embedded driver: one database file per project
// plus a separate global file, WAL journaling, pure Go (no CGO).
type SQLiteBackend struct {
	db *sql.DB

	mu     sync.RWMutex
	closed bool
}

var _ Backend = (*SQLiteBackend)(nil)

// SQLiteOptions tune the embedded engine.
type SQLiteOptions struct {
	// WALMode enables write-ahead logging. Defaults to on.
	WALMode bool
	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout time.Duration
}

// DefaultSQLiteOptions returns the standard pragma set.
func DefaultSQLiteOptions() SQLiteOptions {
	return SQLiteOptions{WALMode: true, BusyTimeout: 5 * time.Second}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_path TEXT NOT NULL,
	chunk_index INTEGER NOT NULL DEFAULT 0,
	content TEXT NOT NULL,
	start_line INTEGER NOT NULL DEFAULT 0,
	end_line INTEGER NOT NULL DEFAULT 0,
	embedding BLOB,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(file_path, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_documents_path ON documents(file_path);

CREATE TABLE IF NOT EXISTS file_hashes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_path TEXT NOT NULL UNIQUE,
	hash TEXT NOT NULL,
	indexed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS memories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content TEXT NOT NULL,
	tags TEXT,
	source TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT 'observation',
	quality_score REAL NOT NULL DEFAULT 0,
	quality_factors TEXT,
	embedding BLOB,
	access_count INTEGER NOT NULL DEFAULT 0,
	last_accessed INTEGER,
	valid_from INTEGER,
	valid_until INTEGER,
	created_at INTEGER NOT NULL,
	invalidated_by INTEGER,
	project_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project_id);
CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);

CREATE TABLE IF NOT EXISTS memory_links (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id INTEGER NOT NULL,
	target_id INTEGER NOT NULL,
	relation TEXT NOT NULL,
	weight REAL NOT NULL DEFAULT 1.0,
	valid_from INTEGER,
	valid_until INTEGER,
	llm_enriched INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	UNIQUE(source_id, target_id, relation)
);
CREATE INDEX IF NOT EXISTS idx_links_source ON memory_links(source_id);
CREATE INDEX IF NOT EXISTS idx_links_target ON memory_links(target_id);

CREATE TABLE IF NOT EXISTS memory_centrality (
	memory_id INTEGER PRIMARY KEY,
	degree INTEGER NOT NULL DEFAULT 0,
	normalized_degree REAL NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS token_frequencies (
	token TEXT NOT NULL,
	project_id TEXT NOT NULL DEFAULT '',
	frequency INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (token, project_id)
);

CREATE TABLE IF NOT EXISTS token_stats (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	operation TEXT NOT NULL,
	raw_bytes INTEGER NOT NULL DEFAULT 0,
	saved_bytes INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS web_searches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	query TEXT NOT NULL,
	results TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS skills (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	usage_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS learning_deltas (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	memories_added INTEGER NOT NULL DEFAULT 0,
	types_added TEXT,
	avg_quality REAL NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
`

// NewSQLite opens (creating if needed) the database at path and applies
// the schema. Use ":memory:" for tests.
func NewSQLite(ctx context.Context, path string, opts SQLiteOptions) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Config("open sqlite database", err)
	}
	// modernc's driver serializes writes per connection; a single
	// connection avoids SQLITE_BUSY between our own statements.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	if opts.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, errors.Config("apply sqlite pragma", err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Config("apply sqlite schema", err)
	}

	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.Internal("sqlite backend is closed", nil)
	}
	return nil
}

// Ping verifies the connection.
func (s *SQLiteBackend) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close closes the database. Safe to call twice.
func (s *SQLiteBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Timestamps store as unix seconds, giving the 1s round-trip resolution.

func unix(t time.Time) int64 { return t.UTC().Unix() }

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return unix(*t)
}

func fromUnix(v int64) time.Time { return time.Unix(v, 0).UTC() }

func fromUnixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}

func nullStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}

// --- documents ---

func (s *SQLiteBackend) InsertDocument(ctx context.Context, d *record.Document) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (file_path, chunk_index, content, start_line, end_line, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path, chunk_index) DO UPDATE SET
			content = excluded.content,
			start_line = excluded.start_line,
			end_line = excluded.end_line,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`,
		d.FilePath, d.ChunkIndex, d.Content, d.StartLine, d.EndLine,
		EncodeEmbedding(d.Embedding), unix(d.CreatedAt), unix(d.UpdatedAt))
	if err != nil {
		return 0, wrapSQLiteErr("insert document", err)
	}

	// LastInsertId is unreliable on the upsert path; resolve by key.
	var id int64
	row := s.db.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE file_path = ? AND chunk_index = ?`,
		d.FilePath, d.ChunkIndex)
	if err := row.Scan(&id); err != nil {
		return 0, wrapSQLiteErr("resolve document id", err)
	}
	d.ID = id
	return id, nil
}

func (s *SQLiteBackend) InsertDocumentsBatch(ctx context.Context, docs []*record.Document) ([]int64, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return []int64{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapSQLiteErr("begin batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (file_path, chunk_index, content, start_line, end_line, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path, chunk_index) DO UPDATE SET
			content = excluded.content,
			start_line = excluded.start_line,
			end_line = excluded.end_line,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`)
	if err != nil {
		return nil, wrapSQLiteErr("prepare batch insert", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now()
	ids := make([]int64, len(docs))
	for i, d := range docs {
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		d.UpdatedAt = now
		if _, err := stmt.ExecContext(ctx,
			d.FilePath, d.ChunkIndex, d.Content, d.StartLine, d.EndLine,
			EncodeEmbedding(d.Embedding), unix(d.CreatedAt), unix(d.UpdatedAt)); err != nil {
			return nil, wrapSQLiteErr("batch insert document", err)
		}
		var id int64
		row := tx.QueryRowContext(ctx,
			`SELECT id FROM documents WHERE file_path = ? AND chunk_index = ?`,
			d.FilePath, d.ChunkIndex)
		if err := row.Scan(&id); err != nil {
			return nil, wrapSQLiteErr("resolve batch document id", err)
		}
		d.ID = id
		ids[i] = id
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapSQLiteErr("commit batch", err)
	}
	return ids, nil
}

const documentColumns = `id, file_path, chunk_index, content, start_line, end_line, embedding, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (*record.Document, error) {
	var d record.Document
	var embedding []byte
	var created, updated int64
	err := row.Scan(&d.ID, &d.FilePath, &d.ChunkIndex, &d.Content,
		&d.StartLine, &d.EndLine, &embedding, &created, &updated)
	if err != nil {
		return nil, err
	}
	d.Embedding = DecodeEmbedding(embedding)
	d.CreatedAt = fromUnix(created)
	d.UpdatedAt = fromUnix(updated)
	return &d, nil
}

func (s *SQLiteBackend) GetDocument(ctx context.Context, id int64) (*record.Document, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapSQLiteErr("get document", err)
	}
	return d, nil
}

func (s *SQLiteBackend) GetDocumentsByPath(ctx context.Context, path string) ([]*record.Document, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE file_path = ? ORDER BY chunk_index`, path)
	if err != nil {
		return nil, wrapSQLiteErr("documents by path", err)
	}
	defer func() { _ = rows.Close() }()
	return collectDocuments(rows)
}

func (s *SQLiteBackend) ListDocuments(ctx context.Context) ([]*record.Document, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents ORDER BY id`)
	if err != nil {
		return nil, wrapSQLiteErr("list documents", err)
	}
	defer func() { _ = rows.Close() }()
	return collectDocuments(rows)
}

func collectDocuments(rows *sql.Rows) ([]*record.Document, error) {
	docs := []*record.Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, wrapSQLiteErr("scan document", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *SQLiteBackend) DeleteDocumentsByPath(ctx context.Context, path string) ([]int64, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapSQLiteErr("begin delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM documents WHERE file_path = ?`, path)
	if err != nil {
		return nil, wrapSQLiteErr("collect document ids", err)
	}
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, wrapSQLiteErr("scan document id", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapSQLiteErr("iterate document ids", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE file_path = ?`, path); err != nil {
		return nil, wrapSQLiteErr("delete documents", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapSQLiteErr("commit delete", err)
	}
	return ids, nil
}

func (s *SQLiteBackend) SearchDocumentsByEmbedding(ctx context.Context, embedding []float32, k int) ([]ScoredDocument, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, wrapSQLiteErr("scan embeddings", err)
	}
	defer func() { _ = rows.Close() }()

	scored := []ScoredDocument{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, wrapSQLiteErr("scan document", err)
		}
		scored = append(scored, ScoredDocument{Document: d, Score: Cosine(embedding, d.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQLiteErr("iterate documents", err)
	}
	return topKByScore(scored,
		func(x ScoredDocument) float64 { return x.Score },
		func(x ScoredDocument) int64 { return x.Document.ID }, k), nil
}

// --- file hashes ---

func (s *SQLiteBackend) UpsertFileHash(ctx context.Context, h *record.FileHash) error {
	if err := s.guard(); err != nil {
		return err
	}
	if h.IndexedAt.IsZero() {
		h.IndexedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_hashes (file_path, hash, indexed_at) VALUES (?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET hash = excluded.hash, indexed_at = excluded.indexed_at`,
		h.FilePath, h.Hash, unix(h.IndexedAt))
	return wrapSQLiteErr("upsert file hash", err)
}

func (s *SQLiteBackend) ListFileHashes(ctx context.Context) ([]*record.FileHash, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, file_path, hash, indexed_at FROM file_hashes ORDER BY file_path`)
	if err != nil {
		return nil, wrapSQLiteErr("list file hashes", err)
	}
	defer func() { _ = rows.Close() }()

	hashes := []*record.FileHash{}
	for rows.Next() {
		var h record.FileHash
		var indexed int64
		if err := rows.Scan(&h.ID, &h.FilePath, &h.Hash, &indexed); err != nil {
			return nil, wrapSQLiteErr("scan file hash", err)
		}
		h.IndexedAt = fromUnix(indexed)
		hashes = append(hashes, &h)
	}
	return hashes, rows.Err()
}

func (s *SQLiteBackend) DeleteFileHash(ctx context.Context, path string) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM file_hashes WHERE file_path = ?`, path)
	return wrapSQLiteErr("delete file hash", err)
}

// --- memories ---

const memoryColumns = `id, content, tags, source, type, quality_score, quality_factors,
	embedding, access_count, last_accessed, valid_from, valid_until, created_at,
	invalidated_by, project_id`

func scanMemory(row interface{ Scan(...any) error }) (*record.Memory, error) {
	var m record.Memory
	var tags, factors, embedding []byte
	var lastAccessed, validFrom, validUntil, invalidatedBy sql.NullInt64
	var projectID sql.NullString
	var created int64
	var memType string

	err := row.Scan(&m.ID, &m.Content, &tags, &m.Source, &memType,
		&m.QualityScore, &factors, &embedding, &m.AccessCount,
		&lastAccessed, &validFrom, &validUntil, &created, &invalidatedBy, &projectID)
	if err != nil {
		return nil, err
	}

	m.Type = record.MemoryType(memType)
	m.Tags = unmarshalTags(tags)
	m.QualityFactors = unmarshalFactors(factors)
	m.Embedding = DecodeEmbedding(embedding)
	m.LastAccessed = fromUnixPtr(lastAccessed)
	m.ValidFrom = fromUnixPtr(validFrom)
	m.ValidUntil = fromUnixPtr(validUntil)
	m.CreatedAt = fromUnix(created)
	if invalidatedBy.Valid {
		v := invalidatedBy.Int64
		m.InvalidatedBy = &v
	}
	if projectID.Valid {
		p := projectID.String
		m.ProjectID = &p
	}
	return &m, nil
}

func (s *SQLiteBackend) InsertMemory(ctx context.Context, m *record.Memory) (int64, error) {
	ids, err := s.InsertMemoriesBatch(ctx, []*record.Memory{m})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (s *SQLiteBackend) InsertMemoriesBatch(ctx context.Context, memories []*record.Memory) ([]int64, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if len(memories) == 0 {
		return []int64{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapSQLiteErr("begin memory batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids, err := insertMemoriesTx(ctx, tx, memories)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapSQLiteErr("commit memory batch", err)
	}
	return ids, nil
}

func insertMemoriesTx(ctx context.Context, tx *sql.Tx, memories []*record.Memory) ([]int64, error) {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO memories (content, tags, source, type, quality_score, quality_factors,
			embedding, access_count, last_accessed, valid_from, valid_until, created_at,
			invalidated_by, project_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, wrapSQLiteErr("prepare memory insert", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now()
	ids := make([]int64, len(memories))
	for i, m := range memories {
		if m.Type == "" {
			m.Type = record.TypeObservation
		}
		if !record.ValidMemoryType(m.Type) {
			return nil, errors.Validationf("unknown memory type %q", m.Type)
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		res, err := stmt.ExecContext(ctx,
			m.Content, marshalJSON(m.Tags), m.Source, string(m.Type),
			m.QualityScore, marshalJSON(m.QualityFactors), EncodeEmbedding(m.Embedding),
			m.AccessCount, unixPtr(m.LastAccessed), unixPtr(m.ValidFrom), unixPtr(m.ValidUntil),
			unix(m.CreatedAt), nullInt(m.InvalidatedBy), nullStr(m.ProjectID))
		if err != nil {
			return nil, wrapSQLiteErr("insert memory", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, wrapSQLiteErr("memory insert id", err)
		}
		m.ID = id
		ids[i] = id
	}
	return ids, nil
}

func (s *SQLiteBackend) GetMemory(ctx context.Context, id int64) (*record.Memory, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapSQLiteErr("get memory", err)
	}
	return m, nil
}

func (s *SQLiteBackend) GetMemoriesBatch(ctx context.Context, ids []int64) ([]*record.Memory, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*record.Memory{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, wrapSQLiteErr("batch get memories", err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[int64]*record.Memory, len(ids))
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, wrapSQLiteErr("scan memory", err)
		}
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQLiteErr("iterate memories", err)
	}

	// Input order, missing rows skipped.
	out := make([]*record.Memory, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// memoryFilterSQL renders a MemoryFilter into WHERE clauses.
func memoryFilterSQL(f MemoryFilter) (string, []any) {
	clauses := []string{}
	args := []any{}

	if f.AllProjects {
		clauses = append(clauses, "1 = 1")
	} else if f.ProjectID == nil {
		clauses = append(clauses, "project_id IS NULL")
	} else {
		clauses = append(clauses, "LOWER(project_id) = LOWER(?)")
		args = append(args, *f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(f.Type))
	}
	if !f.IncludeInvalidated {
		clauses = append(clauses, "invalidated_by IS NULL")
	}
	if f.EffectiveAt != nil {
		at := unix(*f.EffectiveAt)
		clauses = append(clauses, "(valid_from IS NULL OR valid_from <= ?)")
		args = append(args, at)
		clauses = append(clauses, "(valid_until IS NULL OR valid_until > ?)")
		args = append(args, at)
	}
	return strings.Join(clauses, " AND "), args
}

func (s *SQLiteBackend) ListMemories(ctx context.Context, f MemoryFilter) ([]*record.Memory, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	where, args := memoryFilterSQL(f)
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE ` + where + ` ORDER BY id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapSQLiteErr("list memories", err)
	}
	defer func() { _ = rows.Close() }()

	memories := []*record.Memory{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, wrapSQLiteErr("scan memory", err)
		}
		// Tag filtering happens on the decoded row; tags live in a JSON
		// column.
		if f.Tag != "" && !m.HasTag(f.Tag) {
			continue
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// DeleteMemory hard-deletes a memory with its links and centrality row.
func (s *SQLiteBackend) DeleteMemory(ctx context.Context, id int64) error {
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQLiteErr("begin memory delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_links WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
		return wrapSQLiteErr("delete memory links", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_centrality WHERE memory_id = ?`, id); err != nil {
		return wrapSQLiteErr("delete memory centrality", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return wrapSQLiteErr("delete memory", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Validationf("memory %d not found", id)
	}
	return wrapSQLiteErr("commit memory delete", tx.Commit())
}

func (s *SQLiteBackend) SetMemoryInvalidated(ctx context.Context, id int64, invalidatedBy *int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET invalidated_by = ? WHERE id = ?`, nullInt(invalidatedBy), id)
	if err != nil {
		return wrapSQLiteErr("set invalidated", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Validationf("memory %d not found", id)
	}
	return nil
}

func (s *SQLiteBackend) SetMemoryValidity(ctx context.Context, id int64, validFrom, validUntil *time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET valid_from = ?, valid_until = ? WHERE id = ?`,
		unixPtr(validFrom), unixPtr(validUntil), id)
	if err != nil {
		return wrapSQLiteErr("set validity", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Validationf("memory %d not found", id)
	}
	return nil
}

func (s *SQLiteBackend) TouchMemoryAccess(ctx context.Context, ids []int64, at time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{unix(at)}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET access_count = access_count + 1, last_accessed = ?
		 WHERE id IN (`+placeholders+`)`, args...)
	return wrapSQLiteErr("touch access", err)
}

func (s *SQLiteBackend) UpdateMemoryQuality(ctx context.Context, id int64, score float64, factors map[string]float64) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET quality_score = ?, quality_factors = ? WHERE id = ?`,
		score, marshalJSON(factors), id)
	if err != nil {
		return wrapSQLiteErr("update quality", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Validationf("memory %d not found", id)
	}
	return nil
}

func (s *SQLiteBackend) SearchMemoriesByEmbedding(ctx context.Context, embedding []float32, k int, f MemoryFilter) ([]ScoredMemory, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	where, args := memoryFilterSQL(f)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE `+where+` AND embedding IS NOT NULL`, args...)
	if err != nil {
		return nil, wrapSQLiteErr("scan memory embeddings", err)
	}
	defer func() { _ = rows.Close() }()

	scored := []ScoredMemory{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, wrapSQLiteErr("scan memory", err)
		}
		if f.Tag != "" && !m.HasTag(f.Tag) {
			continue
		}
		scored = append(scored, ScoredMemory{Memory: m, Score: Cosine(embedding, m.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQLiteErr("iterate memories", err)
	}
	return topKByScore(scored,
		func(x ScoredMemory) float64 { return x.Score },
		func(x ScoredMemory) int64 { return x.Memory.ID }, k), nil
}

// --- memory links ---

const linkColumns = `id, source_id, target_id, relation, weight, valid_from, valid_until, llm_enriched, created_at`

func scanLink(row interface{ Scan(...any) error }) (*record.MemoryLink, error) {
	var l record.MemoryLink
	var validFrom, validUntil sql.NullInt64
	var created int64
	var relation string
	err := row.Scan(&l.ID, &l.SourceID, &l.TargetID, &relation, &l.Weight,
		&validFrom, &validUntil, &l.LLMEnriched, &created)
	if err != nil {
		return nil, err
	}
	l.Relation = record.LinkRelation(relation)
	l.ValidFrom = fromUnixPtr(validFrom)
	l.ValidUntil = fromUnixPtr(validUntil)
	l.CreatedAt = fromUnix(created)
	return &l, nil
}

func (s *SQLiteBackend) UpsertLink(ctx context.Context, l *record.MemoryLink) (int64, bool, error) {
	if err := s.guard(); err != nil {
		return 0, false, err
	}
	if !record.ValidRelation(l.Relation) {
		return 0, false, errors.Validationf("unknown link relation %q", l.Relation)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}

	var existing int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM memory_links WHERE source_id = ? AND target_id = ? AND relation = ?`,
		l.SourceID, l.TargetID, string(l.Relation)).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO memory_links (source_id, target_id, relation, weight, valid_from, valid_until, llm_enriched, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			l.SourceID, l.TargetID, string(l.Relation), l.Weight,
			unixPtr(l.ValidFrom), unixPtr(l.ValidUntil), l.LLMEnriched, unix(l.CreatedAt))
		if err != nil {
			return 0, false, wrapSQLiteErr("insert link", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, false, wrapSQLiteErr("link insert id", err)
		}
		l.ID = id
		return id, true, nil
	case err != nil:
		return 0, false, wrapSQLiteErr("lookup link", err)
	default:
		_, err := s.db.ExecContext(ctx, `
			UPDATE memory_links SET weight = ?, valid_from = ?, valid_until = ?, llm_enriched = llm_enriched OR ?
			WHERE id = ?`,
			l.Weight, unixPtr(l.ValidFrom), unixPtr(l.ValidUntil), l.LLMEnriched, existing)
		if err != nil {
			return 0, false, wrapSQLiteErr("update link", err)
		}
		l.ID = existing
		return existing, false, nil
	}
}

func (s *SQLiteBackend) ListLinks(ctx context.Context) ([]*record.MemoryLink, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM memory_links ORDER BY id`)
	if err != nil {
		return nil, wrapSQLiteErr("list links", err)
	}
	defer func() { _ = rows.Close() }()
	return collectLinks(rows)
}

func (s *SQLiteBackend) LinksForMemory(ctx context.Context, memoryID int64) ([]*record.MemoryLink, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM memory_links WHERE source_id = ? OR target_id = ? ORDER BY id`,
		memoryID, memoryID)
	if err != nil {
		return nil, wrapSQLiteErr("links for memory", err)
	}
	defer func() { _ = rows.Close() }()
	return collectLinks(rows)
}

func collectLinks(rows *sql.Rows) ([]*record.MemoryLink, error) {
	links := []*record.MemoryLink{}
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, wrapSQLiteErr("scan link", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func (s *SQLiteBackend) InvalidateLink(ctx context.Context, id int64, at time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_links SET valid_until = ? WHERE id = ?`, unix(at), id)
	if err != nil {
		return wrapSQLiteErr("invalidate link", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Validationf("link %d not found", id)
	}
	return nil
}

// --- centrality ---

func (s *SQLiteBackend) UpsertCentrality(ctx context.Context, centralityRows []*record.Centrality) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(centralityRows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQLiteErr("begin centrality", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO memory_centrality (memory_id, degree, normalized_degree, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET
			degree = excluded.degree,
			normalized_degree = excluded.normalized_degree,
			updated_at = excluded.updated_at`)
	if err != nil {
		return wrapSQLiteErr("prepare centrality", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, c := range centralityRows {
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, c.MemoryID, c.Degree, c.NormalizedDegree, unix(c.UpdatedAt)); err != nil {
			return wrapSQLiteErr("upsert centrality", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapSQLiteErr("commit centrality", err)
	}
	return nil
}

func (s *SQLiteBackend) GetCentrality(ctx context.Context, memoryID int64) (*record.Centrality, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var c record.Centrality
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT memory_id, degree, normalized_degree, updated_at FROM memory_centrality WHERE memory_id = ?`,
		memoryID).Scan(&c.MemoryID, &c.Degree, &c.NormalizedDegree, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapSQLiteErr("get centrality", err)
	}
	c.UpdatedAt = fromUnix(updated)
	return &c, nil
}

func (s *SQLiteBackend) ListCentrality(ctx context.Context) ([]*record.Centrality, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id, degree, normalized_degree, updated_at FROM memory_centrality ORDER BY memory_id`)
	if err != nil {
		return nil, wrapSQLiteErr("list centrality", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*record.Centrality{}
	for rows.Next() {
		var c record.Centrality
		var updated int64
		if err := rows.Scan(&c.MemoryID, &c.Degree, &c.NormalizedDegree, &updated); err != nil {
			return nil, wrapSQLiteErr("scan centrality", err)
		}
		c.UpdatedAt = fromUnix(updated)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// --- token statistics ---

func (s *SQLiteBackend) UpsertTokenFrequencies(ctx context.Context, freqRows []*record.TokenFrequency) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(freqRows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQLiteErr("begin token frequencies", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO token_frequencies (token, project_id, frequency) VALUES (?, ?, ?)
		ON CONFLICT(token, project_id) DO UPDATE SET frequency = excluded.frequency`)
	if err != nil {
		return wrapSQLiteErr("prepare token frequencies", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range freqRows {
		project := ""
		if r.ProjectID != nil {
			project = *r.ProjectID
		}
		if _, err := stmt.ExecContext(ctx, r.Token, project, r.Frequency); err != nil {
			return wrapSQLiteErr("upsert token frequency", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapSQLiteErr("commit token frequencies", err)
	}
	return nil
}

func (s *SQLiteBackend) ListTokenFrequencies(ctx context.Context) ([]*record.TokenFrequency, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, project_id, frequency FROM token_frequencies ORDER BY token`)
	if err != nil {
		return nil, wrapSQLiteErr("list token frequencies", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*record.TokenFrequency{}
	for rows.Next() {
		var r record.TokenFrequency
		var project string
		if err := rows.Scan(&r.Token, &project, &r.Frequency); err != nil {
			return nil, wrapSQLiteErr("scan token frequency", err)
		}
		if project != "" {
			r.ProjectID = &project
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLiteBackend) InsertTokenStat(ctx context.Context, stat *record.TokenStat) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	if stat.CreatedAt.IsZero() {
		stat.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO token_stats (operation, raw_bytes, saved_bytes, created_at) VALUES (?, ?, ?, ?)`,
		stat.Operation, stat.RawBytes, stat.SavedBytes, unix(stat.CreatedAt))
	if err != nil {
		return 0, wrapSQLiteErr("insert token stat", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapSQLiteErr("token stat id", err)
	}
	stat.ID = id
	return id, nil
}

func (s *SQLiteBackend) ListTokenStats(ctx context.Context, limit int) ([]*record.TokenStat, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `SELECT id, operation, raw_bytes, saved_bytes, created_at FROM token_stats ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapSQLiteErr("list token stats", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*record.TokenStat{}
	for rows.Next() {
		var stat record.TokenStat
		var created int64
		if err := rows.Scan(&stat.ID, &stat.Operation, &stat.RawBytes, &stat.SavedBytes, &created); err != nil {
			return nil, wrapSQLiteErr("scan token stat", err)
		}
		stat.CreatedAt = fromUnix(created)
		out = append(out, &stat)
	}
	return out, rows.Err()
}

// --- web searches ---

func (s *SQLiteBackend) InsertWebSearch(ctx context.Context, e *record.WebSearchEntry) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO web_searches (query, results, created_at) VALUES (?, ?, ?)`,
		e.Query, e.Results, unix(e.CreatedAt))
	if err != nil {
		return 0, wrapSQLiteErr("insert web search", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapSQLiteErr("web search id", err)
	}
	e.ID = id
	return id, nil
}

func (s *SQLiteBackend) ListWebSearches(ctx context.Context, limit int) ([]*record.WebSearchEntry, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `SELECT id, query, results, created_at FROM web_searches ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapSQLiteErr("list web searches", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*record.WebSearchEntry{}
	for rows.Next() {
		var e record.WebSearchEntry
		var created int64
		if err := rows.Scan(&e.ID, &e.Query, &e.Results, &created); err != nil {
			return nil, wrapSQLiteErr("scan web search", err)
		}
		e.CreatedAt = fromUnix(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- skills ---

func (s *SQLiteBackend) UpsertSkill(ctx context.Context, sk *record.Skill) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	now := time.Now()
	if sk.CreatedAt.IsZero() {
		sk.CreatedAt = now
	}
	sk.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skills (name, description, body, usage_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			body = excluded.body,
			updated_at = excluded.updated_at`,
		sk.Name, sk.Description, sk.Body, sk.UsageCount, unix(sk.CreatedAt), unix(sk.UpdatedAt))
	if err != nil {
		return 0, wrapSQLiteErr("upsert skill", err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM skills WHERE name = ?`, sk.Name).Scan(&id); err != nil {
		return 0, wrapSQLiteErr("resolve skill id", err)
	}
	sk.ID = id
	return id, nil
}

func (s *SQLiteBackend) GetSkillByName(ctx context.Context, name string) (*record.Skill, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var sk record.Skill
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, body, usage_count, created_at, updated_at FROM skills WHERE name = ?`,
		name).Scan(&sk.ID, &sk.Name, &sk.Description, &sk.Body, &sk.UsageCount, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapSQLiteErr("get skill", err)
	}
	sk.CreatedAt = fromUnix(created)
	sk.UpdatedAt = fromUnix(updated)
	return &sk, nil
}

func (s *SQLiteBackend) ListSkills(ctx context.Context) ([]*record.Skill, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, body, usage_count, created_at, updated_at FROM skills ORDER BY name`)
	if err != nil {
		return nil, wrapSQLiteErr("list skills", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*record.Skill{}
	for rows.Next() {
		var sk record.Skill
		var created, updated int64
		if err := rows.Scan(&sk.ID, &sk.Name, &sk.Description, &sk.Body, &sk.UsageCount, &created, &updated); err != nil {
			return nil, wrapSQLiteErr("scan skill", err)
		}
		sk.CreatedAt = fromUnix(created)
		sk.UpdatedAt = fromUnix(updated)
		out = append(out, &sk)
	}
	return out, rows.Err()
}

// --- learning deltas ---

func (s *SQLiteBackend) InsertLearningDelta(ctx context.Context, d *record.LearningDelta) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO learning_deltas (memories_added, types_added, avg_quality, source, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		d.MemoriesAdded, marshalJSON(d.TypesAdded), d.AvgQuality, d.Source, unix(d.CreatedAt))
	if err != nil {
		return 0, wrapSQLiteErr("insert learning delta", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapSQLiteErr("learning delta id", err)
	}
	d.ID = id
	return id, nil
}

func (s *SQLiteBackend) ListLearningDeltas(ctx context.Context, limit int) ([]*record.LearningDelta, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `SELECT id, memories_added, types_added, avg_quality, source, created_at FROM learning_deltas ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapSQLiteErr("list learning deltas", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*record.LearningDelta{}
	for rows.Next() {
		var d record.LearningDelta
		var types []byte
		var created int64
		if err := rows.Scan(&d.ID, &d.MemoriesAdded, &types, &d.AvgQuality, &d.Source, &created); err != nil {
			return nil, wrapSQLiteErr("scan learning delta", err)
		}
		d.TypesAdded = unmarshalCounts(types)
		d.CreatedAt = fromUnix(created)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// --- restore ---

func (s *SQLiteBackend) RestoreSnapshot(ctx context.Context, snap *Snapshot, destructive bool) (*IDMap, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapSQLiteErr("begin restore", err)
	}
	defer func() { _ = tx.Rollback() }()

	if destructive {
		for _, table := range []string{
			"documents", "file_hashes", "memories", "memory_links",
			"memory_centrality", "token_frequencies", "token_stats",
		} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return nil, wrapSQLiteErr("wipe "+table, err)
			}
		}
	}

	idMap := &IDMap{
		Documents: make(map[int64]int64, len(snap.Documents)),
		Memories:  make(map[int64]int64, len(snap.Memories)),
	}

	for _, d := range snap.Documents {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO documents (file_path, chunk_index, content, start_line, end_line, embedding, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.FilePath, d.ChunkIndex, d.Content, d.StartLine, d.EndLine,
			EncodeEmbedding(d.Embedding), unix(d.CreatedAt), unix(d.UpdatedAt))
		if err != nil {
			return nil, wrapSQLiteErr("restore document", err)
		}
		newID, err := res.LastInsertId()
		if err != nil {
			return nil, wrapSQLiteErr("restore document id", err)
		}
		idMap.Documents[d.ID] = newID
	}

	for _, h := range snap.FileHashes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO file_hashes (file_path, hash, indexed_at) VALUES (?, ?, ?)
			ON CONFLICT(file_path) DO UPDATE SET hash = excluded.hash, indexed_at = excluded.indexed_at`,
			h.FilePath, h.Hash, unix(h.IndexedAt)); err != nil {
			return nil, wrapSQLiteErr("restore file hash", err)
		}
	}

	// Memories first without invalidated_by so forward references resolve
	// once the full id map exists.
	for _, m := range snap.Memories {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO memories (content, tags, source, type, quality_score, quality_factors,
				embedding, access_count, last_accessed, valid_from, valid_until, created_at,
				invalidated_by, project_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
			m.Content, marshalJSON(m.Tags), m.Source, string(m.Type),
			m.QualityScore, marshalJSON(m.QualityFactors), EncodeEmbedding(m.Embedding),
			m.AccessCount, unixPtr(m.LastAccessed), unixPtr(m.ValidFrom), unixPtr(m.ValidUntil),
			unix(m.CreatedAt), nullStr(m.ProjectID))
		if err != nil {
			return nil, wrapSQLiteErr("restore memory", err)
		}
		newID, err := res.LastInsertId()
		if err != nil {
			return nil, wrapSQLiteErr("restore memory id", err)
		}
		idMap.Memories[m.ID] = newID
	}

	for _, m := range snap.Memories {
		if m.InvalidatedBy == nil {
			continue
		}
		newBy, ok := idMap.Memories[*m.InvalidatedBy]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE memories SET invalidated_by = ? WHERE id = ?`,
			newBy, idMap.Memories[m.ID]); err != nil {
			return nil, wrapSQLiteErr("restore invalidation", err)
		}
	}

	for _, l := range snap.MemoryLinks {
		src, okSrc := idMap.Memories[l.SourceID]
		dst, okDst := idMap.Memories[l.TargetID]
		if !okSrc || !okDst {
			// Links to rows outside the snapshot cannot be remapped.
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_links (source_id, target_id, relation, weight, valid_from, valid_until, llm_enriched, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source_id, target_id, relation) DO UPDATE SET weight = excluded.weight`,
			src, dst, string(l.Relation), l.Weight,
			unixPtr(l.ValidFrom), unixPtr(l.ValidUntil), l.LLMEnriched, unix(l.CreatedAt)); err != nil {
			return nil, wrapSQLiteErr("restore link", err)
		}
	}

	for _, c := range snap.Centrality {
		newID, ok := idMap.Memories[c.MemoryID]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_centrality (memory_id, degree, normalized_degree, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(memory_id) DO UPDATE SET
				degree = excluded.degree,
				normalized_degree = excluded.normalized_degree,
				updated_at = excluded.updated_at`,
			newID, c.Degree, c.NormalizedDegree, unix(c.UpdatedAt)); err != nil {
			return nil, wrapSQLiteErr("restore centrality", err)
		}
	}

	for _, r := range snap.TokenFrequencies {
		project := ""
		if r.ProjectID != nil {
			project = *r.ProjectID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO token_frequencies (token, project_id, frequency) VALUES (?, ?, ?)
			ON CONFLICT(token, project_id) DO UPDATE SET frequency = excluded.frequency`,
			r.Token, project, r.Frequency); err != nil {
			return nil, wrapSQLiteErr("restore token frequency", err)
		}
	}

	for _, stat := range snap.TokenStats {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO token_stats (operation, raw_bytes, saved_bytes, created_at) VALUES (?, ?, ?, ?)`,
			stat.Operation, stat.RawBytes, stat.SavedBytes, unix(stat.CreatedAt)); err != nil {
			return nil, wrapSQLiteErr("restore token stat", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapSQLiteErr("commit restore", err)
	}
	return idMap, nil
}

// wrapSQLiteErr classifies driver failures: locked/busy databases are
// transient, missing tables are unsupported (schema drift triggers the
// dispatcher's fallback), the rest internal.
func wrapSQLiteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY"):
		return errors.Transient(op, err)
	case strings.Contains(msg, "no such table"):
		return errors.Unsupported(op + ": " + msg)
	default:
		return errors.Wrap(errors.KindInternal, op, err)
	}
}
