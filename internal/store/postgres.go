package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"memvault/internal/errors"
	"memvault/internal/record"
)

// PostgresBackend is the networked driver. Embeddings live in a real[]
// column; timestamps use the same unix-second convention as the embedded
// driver so exports transfer losslessly between backends.
type PostgresBackend struct {
	pool *pgxpool.Pool

	mu     sync.RWMutex
	closed bool
}

var _ Backend = (*PostgresBackend)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id BIGSERIAL PRIMARY KEY,
	file_path TEXT NOT NULL,
	chunk_index INTEGER NOT NULL DEFAULT 0,
	content TEXT NOT NULL,
	start_line INTEGER NOT NULL DEFAULT 0,
	end_line INTEGER NOT NULL DEFAULT 0,
	embedding REAL[],
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	UNIQUE(file_path, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_documents_path ON documents(file_path);

CREATE TABLE IF NOT EXISTS file_hashes (
	id BIGSERIAL PRIMARY KEY,
	file_path TEXT NOT NULL UNIQUE,
	hash TEXT NOT NULL,
	indexed_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS memories (
	id BIGSERIAL PRIMARY KEY,
	content TEXT NOT NULL,
	tags TEXT,
	source TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT 'observation',
	quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	quality_factors TEXT,
	embedding REAL[],
	access_count INTEGER NOT NULL DEFAULT 0,
	last_accessed BIGINT,
	valid_from BIGINT,
	valid_until BIGINT,
	created_at BIGINT NOT NULL,
	invalidated_by BIGINT,
	project_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(LOWER(project_id));
CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);

CREATE TABLE IF NOT EXISTS memory_links (
	id BIGSERIAL PRIMARY KEY,
	source_id BIGINT NOT NULL,
	target_id BIGINT NOT NULL,
	relation TEXT NOT NULL,
	weight DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	valid_from BIGINT,
	valid_until BIGINT,
	llm_enriched BOOLEAN NOT NULL DEFAULT FALSE,
	created_at BIGINT NOT NULL,
	UNIQUE(source_id, target_id, relation)
);
CREATE INDEX IF NOT EXISTS idx_links_source ON memory_links(source_id);
CREATE INDEX IF NOT EXISTS idx_links_target ON memory_links(target_id);

CREATE TABLE IF NOT EXISTS memory_centrality (
	memory_id BIGINT PRIMARY KEY,
	degree INTEGER NOT NULL DEFAULT 0,
	normalized_degree DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS token_frequencies (
	token TEXT NOT NULL,
	project_id TEXT NOT NULL DEFAULT '',
	frequency INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (token, project_id)
);

CREATE TABLE IF NOT EXISTS token_stats (
	id BIGSERIAL PRIMARY KEY,
	operation TEXT NOT NULL,
	raw_bytes BIGINT NOT NULL DEFAULT 0,
	saved_bytes BIGINT NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS web_searches (
	id BIGSERIAL PRIMARY KEY,
	query TEXT NOT NULL,
	results TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS skills (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	usage_count INTEGER NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS learning_deltas (
	id BIGSERIAL PRIMARY KEY,
	memories_added INTEGER NOT NULL DEFAULT 0,
	types_added TEXT,
	avg_quality DOUBLE PRECISION NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL
);
`

// NewPostgres connects a pool and applies the schema.
func NewPostgres(ctx context.Context, connString string, poolSize int) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Config("parse postgres connection string", err)
	}
	if poolSize > 0 {
		cfg.MaxConns = int32(poolSize)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Config("connect postgres", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errors.Config("apply postgres schema", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) guard() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.Internal("postgres backend is closed", nil)
	}
	return nil
}

// Ping verifies the pool.
func (p *PostgresBackend) Ping(ctx context.Context) error {
	if err := p.guard(); err != nil {
		return err
	}
	return p.pool.Ping(ctx)
}

// Close drains the pool. Safe to call twice.
func (p *PostgresBackend) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.pool.Close()
	return nil
}

func unixNull(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := fromUnix(*v)
	return &t
}

// --- documents ---

const pgDocumentInsert = `
	INSERT INTO documents (file_path, chunk_index, content, start_line, end_line, embedding, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (file_path, chunk_index) DO UPDATE SET
		content = EXCLUDED.content,
		start_line = EXCLUDED.start_line,
		end_line = EXCLUDED.end_line,
		embedding = EXCLUDED.embedding,
		updated_at = EXCLUDED.updated_at
	RETURNING id`

func (p *PostgresBackend) InsertDocument(ctx context.Context, d *record.Document) (int64, error) {
	if err := p.guard(); err != nil {
		return 0, err
	}
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	var id int64
	err := p.pool.QueryRow(ctx, pgDocumentInsert,
		d.FilePath, d.ChunkIndex, d.Content, d.StartLine, d.EndLine,
		pgVector(d.Embedding), unix(d.CreatedAt), unix(d.UpdatedAt)).Scan(&id)
	if err != nil {
		return 0, wrapPostgresErr("insert document", err)
	}
	d.ID = id
	return id, nil
}

func (p *PostgresBackend) InsertDocumentsBatch(ctx context.Context, docs []*record.Document) ([]int64, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return []int64{}, nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, wrapPostgresErr("begin batch", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now()
	ids := make([]int64, len(docs))
	for i, d := range docs {
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		d.UpdatedAt = now
		var id int64
		err := tx.QueryRow(ctx, pgDocumentInsert,
			d.FilePath, d.ChunkIndex, d.Content, d.StartLine, d.EndLine,
			pgVector(d.Embedding), unix(d.CreatedAt), unix(d.UpdatedAt)).Scan(&id)
		if err != nil {
			return nil, wrapPostgresErr("batch insert document", err)
		}
		d.ID = id
		ids[i] = id
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrapPostgresErr("commit batch", err)
	}
	return ids, nil
}

const pgDocumentColumns = `id, file_path, chunk_index, content, start_line, end_line, embedding, created_at, updated_at`

func scanPgDocument(row pgx.Row) (*record.Document, error) {
	var d record.Document
	var embedding []float32
	var created, updated int64
	err := row.Scan(&d.ID, &d.FilePath, &d.ChunkIndex, &d.Content,
		&d.StartLine, &d.EndLine, &embedding, &created, &updated)
	if err != nil {
		return nil, err
	}
	d.Embedding = embedding
	d.CreatedAt = fromUnix(created)
	d.UpdatedAt = fromUnix(updated)
	return &d, nil
}

func (p *PostgresBackend) GetDocument(ctx context.Context, id int64) (*record.Document, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	d, err := scanPgDocument(p.pool.QueryRow(ctx,
		`SELECT `+pgDocumentColumns+` FROM documents WHERE id = $1`, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapPostgresErr("get document", err)
	}
	return d, nil
}

func (p *PostgresBackend) GetDocumentsByPath(ctx context.Context, path string) ([]*record.Document, error) {
	return p.queryDocuments(ctx,
		`SELECT `+pgDocumentColumns+` FROM documents WHERE file_path = $1 ORDER BY chunk_index`, path)
}

func (p *PostgresBackend) ListDocuments(ctx context.Context) ([]*record.Document, error) {
	return p.queryDocuments(ctx,
		`SELECT `+pgDocumentColumns+` FROM documents ORDER BY id`)
}

func (p *PostgresBackend) queryDocuments(ctx context.Context, query string, args ...any) ([]*record.Document, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapPostgresErr("query documents", err)
	}
	defer rows.Close()

	docs := []*record.Document{}
	for rows.Next() {
		d, err := scanPgDocument(rows)
		if err != nil {
			return nil, wrapPostgresErr("scan document", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (p *PostgresBackend) DeleteDocumentsByPath(ctx context.Context, path string) ([]int64, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx,
		`DELETE FROM documents WHERE file_path = $1 RETURNING id`, path)
	if err != nil {
		return nil, wrapPostgresErr("delete documents", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapPostgresErr("scan deleted id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresBackend) SearchDocumentsByEmbedding(ctx context.Context, embedding []float32, k int) ([]ScoredDocument, error) {
	docs, err := p.queryDocuments(ctx,
		`SELECT `+pgDocumentColumns+` FROM documents WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	scored := make([]ScoredDocument, 0, len(docs))
	for _, d := range docs {
		scored = append(scored, ScoredDocument{Document: d, Score: Cosine(embedding, d.Embedding)})
	}
	return topKByScore(scored,
		func(x ScoredDocument) float64 { return x.Score },
		func(x ScoredDocument) int64 { return x.Document.ID }, k), nil
}

// --- file hashes ---

func (p *PostgresBackend) UpsertFileHash(ctx context.Context, h *record.FileHash) error {
	if err := p.guard(); err != nil {
		return err
	}
	if h.IndexedAt.IsZero() {
		h.IndexedAt = time.Now()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO file_hashes (file_path, hash, indexed_at) VALUES ($1, $2, $3)
		ON CONFLICT (file_path) DO UPDATE SET hash = EXCLUDED.hash, indexed_at = EXCLUDED.indexed_at`,
		h.FilePath, h.Hash, unix(h.IndexedAt))
	return wrapPostgresErr("upsert file hash", err)
}

func (p *PostgresBackend) ListFileHashes(ctx context.Context) ([]*record.FileHash, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, file_path, hash, indexed_at FROM file_hashes ORDER BY file_path`)
	if err != nil {
		return nil, wrapPostgresErr("list file hashes", err)
	}
	defer rows.Close()

	hashes := []*record.FileHash{}
	for rows.Next() {
		var h record.FileHash
		var indexed int64
		if err := rows.Scan(&h.ID, &h.FilePath, &h.Hash, &indexed); err != nil {
			return nil, wrapPostgresErr("scan file hash", err)
		}
		h.IndexedAt = fromUnix(indexed)
		hashes = append(hashes, &h)
	}
	return hashes, rows.Err()
}

func (p *PostgresBackend) DeleteFileHash(ctx context.Context, path string) error {
	if err := p.guard(); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `DELETE FROM file_hashes WHERE file_path = $1`, path)
	return wrapPostgresErr("delete file hash", err)
}

// --- memories ---

const pgMemoryColumns = `id, content, tags, source, type, quality_score, quality_factors,
	embedding, access_count, last_accessed, valid_from, valid_until, created_at,
	invalidated_by, project_id`

func scanPgMemory(row pgx.Row) (*record.Memory, error) {
	var m record.Memory
	var tags, factors *string
	var embedding []float32
	var lastAccessed, validFrom, validUntil, invalidatedBy *int64
	var projectID *string
	var created int64
	var memType string

	err := row.Scan(&m.ID, &m.Content, &tags, &m.Source, &memType,
		&m.QualityScore, &factors, &embedding, &m.AccessCount,
		&lastAccessed, &validFrom, &validUntil, &created, &invalidatedBy, &projectID)
	if err != nil {
		return nil, err
	}

	m.Type = record.MemoryType(memType)
	if tags != nil {
		m.Tags = unmarshalTags([]byte(*tags))
	}
	if factors != nil {
		m.QualityFactors = unmarshalFactors([]byte(*factors))
	}
	m.Embedding = embedding
	m.LastAccessed = unixNull(lastAccessed)
	m.ValidFrom = unixNull(validFrom)
	m.ValidUntil = unixNull(validUntil)
	m.CreatedAt = fromUnix(created)
	m.InvalidatedBy = invalidatedBy
	m.ProjectID = projectID
	return &m, nil
}

// pgVector keeps NULL semantics: empty vectors store as NULL, matching
// the embedded driver.
func pgVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return v
}

func jsonText(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}

func (p *PostgresBackend) InsertMemory(ctx context.Context, m *record.Memory) (int64, error) {
	ids, err := p.InsertMemoriesBatch(ctx, []*record.Memory{m})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (p *PostgresBackend) InsertMemoriesBatch(ctx context.Context, memories []*record.Memory) ([]int64, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	if len(memories) == 0 {
		return []int64{}, nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, wrapPostgresErr("begin memory batch", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

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
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO memories (content, tags, source, type, quality_score, quality_factors,
				embedding, access_count, last_accessed, valid_from, valid_until, created_at,
				invalidated_by, project_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			RETURNING id`,
			m.Content, jsonText(marshalJSON(m.Tags)), m.Source, string(m.Type),
			m.QualityScore, jsonText(marshalJSON(m.QualityFactors)), pgVector(m.Embedding),
			m.AccessCount, unixPtr(m.LastAccessed), unixPtr(m.ValidFrom), unixPtr(m.ValidUntil),
			unix(m.CreatedAt), m.InvalidatedBy, m.ProjectID).Scan(&id)
		if err != nil {
			return nil, wrapPostgresErr("insert memory", err)
		}
		m.ID = id
		ids[i] = id
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrapPostgresErr("commit memory batch", err)
	}
	return ids, nil
}

func (p *PostgresBackend) GetMemory(ctx context.Context, id int64) (*record.Memory, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	m, err := scanPgMemory(p.pool.QueryRow(ctx,
		`SELECT `+pgMemoryColumns+` FROM memories WHERE id = $1`, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapPostgresErr("get memory", err)
	}
	return m, nil
}

func (p *PostgresBackend) GetMemoriesBatch(ctx context.Context, ids []int64) ([]*record.Memory, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*record.Memory{}, nil
	}

	rows, err := p.pool.Query(ctx,
		`SELECT `+pgMemoryColumns+` FROM memories WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, wrapPostgresErr("batch get memories", err)
	}
	defer rows.Close()

	byID := make(map[int64]*record.Memory, len(ids))
	for rows.Next() {
		m, err := scanPgMemory(rows)
		if err != nil {
			return nil, wrapPostgresErr("scan memory", err)
		}
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPostgresErr("iterate memories", err)
	}

	out := make([]*record.Memory, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func pgMemoryFilterSQL(f MemoryFilter, startArg int) (string, []any) {
	clauses := []string{}
	args := []any{}
	n := startArg

	if f.AllProjects {
		clauses = append(clauses, "TRUE")
	} else if f.ProjectID == nil {
		clauses = append(clauses, "project_id IS NULL")
	} else {
		clauses = append(clauses, fmt.Sprintf("LOWER(project_id) = LOWER($%d)", n))
		args = append(args, *f.ProjectID)
		n++
	}
	if f.Type != "" {
		clauses = append(clauses, fmt.Sprintf("type = $%d", n))
		args = append(args, string(f.Type))
		n++
	}
	if !f.IncludeInvalidated {
		clauses = append(clauses, "invalidated_by IS NULL")
	}
	if f.EffectiveAt != nil {
		at := unix(*f.EffectiveAt)
		clauses = append(clauses, fmt.Sprintf("(valid_from IS NULL OR valid_from <= $%d)", n))
		args = append(args, at)
		n++
		clauses = append(clauses, fmt.Sprintf("(valid_until IS NULL OR valid_until > $%d)", n))
		args = append(args, at)
	}
	return strings.Join(clauses, " AND "), args
}

func (p *PostgresBackend) ListMemories(ctx context.Context, f MemoryFilter) ([]*record.Memory, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}

	where, args := pgMemoryFilterSQL(f, 1)
	query := `SELECT ` + pgMemoryColumns + ` FROM memories WHERE ` + where + ` ORDER BY id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapPostgresErr("list memories", err)
	}
	defer rows.Close()

	memories := []*record.Memory{}
	for rows.Next() {
		m, err := scanPgMemory(rows)
		if err != nil {
			return nil, wrapPostgresErr("scan memory", err)
		}
		if f.Tag != "" && !m.HasTag(f.Tag) {
			continue
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// DeleteMemory hard-deletes a memory with its links and centrality row.
func (p *PostgresBackend) DeleteMemory(ctx context.Context, id int64) error {
	if err := p.guard(); err != nil {
		return err
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return wrapPostgresErr("begin memory delete", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM memory_links WHERE source_id = $1 OR target_id = $1`, id); err != nil {
		return wrapPostgresErr("delete memory links", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM memory_centrality WHERE memory_id = $1`, id); err != nil {
		return wrapPostgresErr("delete memory centrality", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return wrapPostgresErr("delete memory", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Validationf("memory %d not found", id)
	}
	return wrapPostgresErr("commit memory delete", tx.Commit(ctx))
}

func (p *PostgresBackend) SetMemoryInvalidated(ctx context.Context, id int64, invalidatedBy *int64) error {
	if err := p.guard(); err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE memories SET invalidated_by = $1 WHERE id = $2`, invalidatedBy, id)
	if err != nil {
		return wrapPostgresErr("set invalidated", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Validationf("memory %d not found", id)
	}
	return nil
}

func (p *PostgresBackend) SetMemoryValidity(ctx context.Context, id int64, validFrom, validUntil *time.Time) error {
	if err := p.guard(); err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE memories SET valid_from = $1, valid_until = $2 WHERE id = $3`,
		unixPtr(validFrom), unixPtr(validUntil), id)
	if err != nil {
		return wrapPostgresErr("set validity", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Validationf("memory %d not found", id)
	}
	return nil
}

func (p *PostgresBackend) TouchMemoryAccess(ctx context.Context, ids []int64, at time.Time) error {
	if err := p.guard(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx,
		`UPDATE memories SET access_count = access_count + 1, last_accessed = $1 WHERE id = ANY($2)`,
		unix(at), ids)
	return wrapPostgresErr("touch access", err)
}

func (p *PostgresBackend) UpdateMemoryQuality(ctx context.Context, id int64, score float64, factors map[string]float64) error {
	if err := p.guard(); err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE memories SET quality_score = $1, quality_factors = $2 WHERE id = $3`,
		score, jsonText(marshalJSON(factors)), id)
	if err != nil {
		return wrapPostgresErr("update quality", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Validationf("memory %d not found", id)
	}
	return nil
}

func (p *PostgresBackend) SearchMemoriesByEmbedding(ctx context.Context, embedding []float32, k int, f MemoryFilter) ([]ScoredMemory, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}

	where, args := pgMemoryFilterSQL(f, 1)
	rows, err := p.pool.Query(ctx,
		`SELECT `+pgMemoryColumns+` FROM memories WHERE `+where+` AND embedding IS NOT NULL`, args...)
	if err != nil {
		return nil, wrapPostgresErr("scan memory embeddings", err)
	}
	defer rows.Close()

	scored := []ScoredMemory{}
	for rows.Next() {
		m, err := scanPgMemory(rows)
		if err != nil {
			return nil, wrapPostgresErr("scan memory", err)
		}
		if f.Tag != "" && !m.HasTag(f.Tag) {
			continue
		}
		scored = append(scored, ScoredMemory{Memory: m, Score: Cosine(embedding, m.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPostgresErr("iterate memories", err)
	}
	return topKByScore(scored,
		func(x ScoredMemory) float64 { return x.Score },
		func(x ScoredMemory) int64 { return x.Memory.ID }, k), nil
}

// --- memory links ---

const pgLinkColumns = `id, source_id, target_id, relation, weight, valid_from, valid_until, llm_enriched, created_at`

func scanPgLink(row pgx.Row) (*record.MemoryLink, error) {
	var l record.MemoryLink
	var validFrom, validUntil *int64
	var created int64
	var relation string
	err := row.Scan(&l.ID, &l.SourceID, &l.TargetID, &relation, &l.Weight,
		&validFrom, &validUntil, &l.LLMEnriched, &created)
	if err != nil {
		return nil, err
	}
	l.Relation = record.LinkRelation(relation)
	l.ValidFrom = unixNull(validFrom)
	l.ValidUntil = unixNull(validUntil)
	l.CreatedAt = fromUnix(created)
	return &l, nil
}

func (p *PostgresBackend) UpsertLink(ctx context.Context, l *record.MemoryLink) (int64, bool, error) {
	if err := p.guard(); err != nil {
		return 0, false, err
	}
	if !record.ValidRelation(l.Relation) {
		return 0, false, errors.Validationf("unknown link relation %q", l.Relation)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}

	var id int64
	var inserted bool
	err := p.pool.QueryRow(ctx, `
		INSERT INTO memory_links (source_id, target_id, relation, weight, valid_from, valid_until, llm_enriched, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_id, target_id, relation) DO UPDATE SET
			weight = EXCLUDED.weight,
			valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until,
			llm_enriched = memory_links.llm_enriched OR EXCLUDED.llm_enriched
		RETURNING id, (xmax = 0)`,
		l.SourceID, l.TargetID, string(l.Relation), l.Weight,
		unixPtr(l.ValidFrom), unixPtr(l.ValidUntil), l.LLMEnriched, unix(l.CreatedAt)).Scan(&id, &inserted)
	if err != nil {
		return 0, false, wrapPostgresErr("upsert link", err)
	}
	l.ID = id
	return id, inserted, nil
}

func (p *PostgresBackend) ListLinks(ctx context.Context) ([]*record.MemoryLink, error) {
	return p.queryLinks(ctx, `SELECT `+pgLinkColumns+` FROM memory_links ORDER BY id`)
}

func (p *PostgresBackend) LinksForMemory(ctx context.Context, memoryID int64) ([]*record.MemoryLink, error) {
	return p.queryLinks(ctx,
		`SELECT `+pgLinkColumns+` FROM memory_links WHERE source_id = $1 OR target_id = $1 ORDER BY id`,
		memoryID)
}

func (p *PostgresBackend) queryLinks(ctx context.Context, query string, args ...any) ([]*record.MemoryLink, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapPostgresErr("query links", err)
	}
	defer rows.Close()

	links := []*record.MemoryLink{}
	for rows.Next() {
		l, err := scanPgLink(rows)
		if err != nil {
			return nil, wrapPostgresErr("scan link", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func (p *PostgresBackend) InvalidateLink(ctx context.Context, id int64, at time.Time) error {
	if err := p.guard(); err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE memory_links SET valid_until = $1 WHERE id = $2`, unix(at), id)
	if err != nil {
		return wrapPostgresErr("invalidate link", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Validationf("link %d not found", id)
	}
	return nil
}

// --- centrality ---

func (p *PostgresBackend) UpsertCentrality(ctx context.Context, rows []*record.Centrality) error {
	if err := p.guard(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return wrapPostgresErr("begin centrality", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, c := range rows {
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = time.Now()
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO memory_centrality (memory_id, degree, normalized_degree, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (memory_id) DO UPDATE SET
				degree = EXCLUDED.degree,
				normalized_degree = EXCLUDED.normalized_degree,
				updated_at = EXCLUDED.updated_at`,
			c.MemoryID, c.Degree, c.NormalizedDegree, unix(c.UpdatedAt)); err != nil {
			return wrapPostgresErr("upsert centrality", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapPostgresErr("commit centrality", err)
	}
	return nil
}

func (p *PostgresBackend) GetCentrality(ctx context.Context, memoryID int64) (*record.Centrality, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	var c record.Centrality
	var updated int64
	err := p.pool.QueryRow(ctx,
		`SELECT memory_id, degree, normalized_degree, updated_at FROM memory_centrality WHERE memory_id = $1`,
		memoryID).Scan(&c.MemoryID, &c.Degree, &c.NormalizedDegree, &updated)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapPostgresErr("get centrality", err)
	}
	c.UpdatedAt = fromUnix(updated)
	return &c, nil
}

func (p *PostgresBackend) ListCentrality(ctx context.Context) ([]*record.Centrality, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx,
		`SELECT memory_id, degree, normalized_degree, updated_at FROM memory_centrality ORDER BY memory_id`)
	if err != nil {
		return nil, wrapPostgresErr("list centrality", err)
	}
	defer rows.Close()

	out := []*record.Centrality{}
	for rows.Next() {
		var c record.Centrality
		var updated int64
		if err := rows.Scan(&c.MemoryID, &c.Degree, &c.NormalizedDegree, &updated); err != nil {
			return nil, wrapPostgresErr("scan centrality", err)
		}
		c.UpdatedAt = fromUnix(updated)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// --- token statistics ---

func (p *PostgresBackend) UpsertTokenFrequencies(ctx context.Context, freqRows []*record.TokenFrequency) error {
	if err := p.guard(); err != nil {
		return err
	}
	if len(freqRows) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return wrapPostgresErr("begin token frequencies", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, r := range freqRows {
		project := ""
		if r.ProjectID != nil {
			project = *r.ProjectID
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO token_frequencies (token, project_id, frequency) VALUES ($1, $2, $3)
			ON CONFLICT (token, project_id) DO UPDATE SET frequency = EXCLUDED.frequency`,
			r.Token, project, r.Frequency); err != nil {
			return wrapPostgresErr("upsert token frequency", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapPostgresErr("commit token frequencies", err)
	}
	return nil
}

func (p *PostgresBackend) ListTokenFrequencies(ctx context.Context) ([]*record.TokenFrequency, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx,
		`SELECT token, project_id, frequency FROM token_frequencies ORDER BY token`)
	if err != nil {
		return nil, wrapPostgresErr("list token frequencies", err)
	}
	defer rows.Close()

	out := []*record.TokenFrequency{}
	for rows.Next() {
		var r record.TokenFrequency
		var project string
		if err := rows.Scan(&r.Token, &project, &r.Frequency); err != nil {
			return nil, wrapPostgresErr("scan token frequency", err)
		}
		if project != "" {
			r.ProjectID = &project
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) InsertTokenStat(ctx context.Context, stat *record.TokenStat) (int64, error) {
	if err := p.guard(); err != nil {
		return 0, err
	}
	if stat.CreatedAt.IsZero() {
		stat.CreatedAt = time.Now()
	}
	var id int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO token_stats (operation, raw_bytes, saved_bytes, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		stat.Operation, stat.RawBytes, stat.SavedBytes, unix(stat.CreatedAt)).Scan(&id)
	if err != nil {
		return 0, wrapPostgresErr("insert token stat", err)
	}
	stat.ID = id
	return id, nil
}

func (p *PostgresBackend) ListTokenStats(ctx context.Context, limit int) ([]*record.TokenStat, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	query := `SELECT id, operation, raw_bytes, saved_bytes, created_at FROM token_stats ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, wrapPostgresErr("list token stats", err)
	}
	defer rows.Close()

	out := []*record.TokenStat{}
	for rows.Next() {
		var stat record.TokenStat
		var created int64
		if err := rows.Scan(&stat.ID, &stat.Operation, &stat.RawBytes, &stat.SavedBytes, &created); err != nil {
			return nil, wrapPostgresErr("scan token stat", err)
		}
		stat.CreatedAt = fromUnix(created)
		out = append(out, &stat)
	}
	return out, rows.Err()
}

// --- web searches ---

func (p *PostgresBackend) InsertWebSearch(ctx context.Context, e *record.WebSearchEntry) (int64, error) {
	if err := p.guard(); err != nil {
		return 0, err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	var id int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO web_searches (query, results, created_at) VALUES ($1, $2, $3) RETURNING id`,
		e.Query, e.Results, unix(e.CreatedAt)).Scan(&id)
	if err != nil {
		return 0, wrapPostgresErr("insert web search", err)
	}
	e.ID = id
	return id, nil
}

func (p *PostgresBackend) ListWebSearches(ctx context.Context, limit int) ([]*record.WebSearchEntry, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	query := `SELECT id, query, results, created_at FROM web_searches ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, wrapPostgresErr("list web searches", err)
	}
	defer rows.Close()

	out := []*record.WebSearchEntry{}
	for rows.Next() {
		var e record.WebSearchEntry
		var created int64
		if err := rows.Scan(&e.ID, &e.Query, &e.Results, &created); err != nil {
			return nil, wrapPostgresErr("scan web search", err)
		}
		e.CreatedAt = fromUnix(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- skills ---

func (p *PostgresBackend) UpsertSkill(ctx context.Context, sk *record.Skill) (int64, error) {
	if err := p.guard(); err != nil {
		return 0, err
	}
	now := time.Now()
	if sk.CreatedAt.IsZero() {
		sk.CreatedAt = now
	}
	sk.UpdatedAt = now

	var id int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO skills (name, description, body, usage_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			body = EXCLUDED.body,
			updated_at = EXCLUDED.updated_at
		RETURNING id`,
		sk.Name, sk.Description, sk.Body, sk.UsageCount, unix(sk.CreatedAt), unix(sk.UpdatedAt)).Scan(&id)
	if err != nil {
		return 0, wrapPostgresErr("upsert skill", err)
	}
	sk.ID = id
	return id, nil
}

func (p *PostgresBackend) GetSkillByName(ctx context.Context, name string) (*record.Skill, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	var sk record.Skill
	var created, updated int64
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, description, body, usage_count, created_at, updated_at FROM skills WHERE name = $1`,
		name).Scan(&sk.ID, &sk.Name, &sk.Description, &sk.Body, &sk.UsageCount, &created, &updated)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapPostgresErr("get skill", err)
	}
	sk.CreatedAt = fromUnix(created)
	sk.UpdatedAt = fromUnix(updated)
	return &sk, nil
}

func (p *PostgresBackend) ListSkills(ctx context.Context) ([]*record.Skill, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, description, body, usage_count, created_at, updated_at FROM skills ORDER BY name`)
	if err != nil {
		return nil, wrapPostgresErr("list skills", err)
	}
	defer rows.Close()

	out := []*record.Skill{}
	for rows.Next() {
		var sk record.Skill
		var created, updated int64
		if err := rows.Scan(&sk.ID, &sk.Name, &sk.Description, &sk.Body, &sk.UsageCount, &created, &updated); err != nil {
			return nil, wrapPostgresErr("scan skill", err)
		}
		sk.CreatedAt = fromUnix(created)
		sk.UpdatedAt = fromUnix(updated)
		out = append(out, &sk)
	}
	return out, rows.Err()
}

// --- learning deltas ---

func (p *PostgresBackend) InsertLearningDelta(ctx context.Context, d *record.LearningDelta) (int64, error) {
	if err := p.guard(); err != nil {
		return 0, err
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	var id int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO learning_deltas (memories_added, types_added, avg_quality, source, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		d.MemoriesAdded, jsonText(marshalJSON(d.TypesAdded)), d.AvgQuality, d.Source, unix(d.CreatedAt)).Scan(&id)
	if err != nil {
		return 0, wrapPostgresErr("insert learning delta", err)
	}
	d.ID = id
	return id, nil
}

func (p *PostgresBackend) ListLearningDeltas(ctx context.Context, limit int) ([]*record.LearningDelta, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	query := `SELECT id, memories_added, types_added, avg_quality, source, created_at FROM learning_deltas ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, wrapPostgresErr("list learning deltas", err)
	}
	defer rows.Close()

	out := []*record.LearningDelta{}
	for rows.Next() {
		var d record.LearningDelta
		var types *string
		var created int64
		if err := rows.Scan(&d.ID, &d.MemoriesAdded, &types, &d.AvgQuality, &d.Source, &created); err != nil {
			return nil, wrapPostgresErr("scan learning delta", err)
		}
		if types != nil {
			d.TypesAdded = unmarshalCounts([]byte(*types))
		}
		d.CreatedAt = fromUnix(created)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// --- restore ---

func (p *PostgresBackend) RestoreSnapshot(ctx context.Context, snap *Snapshot, destructive bool) (*IDMap, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, wrapPostgresErr("begin restore", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if destructive {
		for _, table := range []string{
			"documents", "file_hashes", "memories", "memory_links",
			"memory_centrality", "token_frequencies", "token_stats",
		} {
			if _, err := tx.Exec(ctx, `DELETE FROM `+table); err != nil {
				return nil, wrapPostgresErr("wipe "+table, err)
			}
		}
	}

	idMap := &IDMap{
		Documents: make(map[int64]int64, len(snap.Documents)),
		Memories:  make(map[int64]int64, len(snap.Memories)),
	}

	for _, d := range snap.Documents {
		var newID int64
		err := tx.QueryRow(ctx, `
			INSERT INTO documents (file_path, chunk_index, content, start_line, end_line, embedding, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			d.FilePath, d.ChunkIndex, d.Content, d.StartLine, d.EndLine,
			pgVector(d.Embedding), unix(d.CreatedAt), unix(d.UpdatedAt)).Scan(&newID)
		if err != nil {
			return nil, wrapPostgresErr("restore document", err)
		}
		idMap.Documents[d.ID] = newID
	}

	for _, h := range snap.FileHashes {
		if _, err := tx.Exec(ctx, `
			INSERT INTO file_hashes (file_path, hash, indexed_at) VALUES ($1, $2, $3)
			ON CONFLICT (file_path) DO UPDATE SET hash = EXCLUDED.hash, indexed_at = EXCLUDED.indexed_at`,
			h.FilePath, h.Hash, unix(h.IndexedAt)); err != nil {
			return nil, wrapPostgresErr("restore file hash", err)
		}
	}

	for _, m := range snap.Memories {
		var newID int64
		err := tx.QueryRow(ctx, `
			INSERT INTO memories (content, tags, source, type, quality_score, quality_factors,
				embedding, access_count, last_accessed, valid_from, valid_until, created_at,
				invalidated_by, project_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULL, $13)
			RETURNING id`,
			m.Content, jsonText(marshalJSON(m.Tags)), m.Source, string(m.Type),
			m.QualityScore, jsonText(marshalJSON(m.QualityFactors)), pgVector(m.Embedding),
			m.AccessCount, unixPtr(m.LastAccessed), unixPtr(m.ValidFrom), unixPtr(m.ValidUntil),
			unix(m.CreatedAt), m.ProjectID).Scan(&newID)
		if err != nil {
			return nil, wrapPostgresErr("restore memory", err)
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
		if _, err := tx.Exec(ctx,
			`UPDATE memories SET invalidated_by = $1 WHERE id = $2`,
			newBy, idMap.Memories[m.ID]); err != nil {
			return nil, wrapPostgresErr("restore invalidation", err)
		}
	}

	for _, l := range snap.MemoryLinks {
		src, okSrc := idMap.Memories[l.SourceID]
		dst, okDst := idMap.Memories[l.TargetID]
		if !okSrc || !okDst {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO memory_links (source_id, target_id, relation, weight, valid_from, valid_until, llm_enriched, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (source_id, target_id, relation) DO UPDATE SET weight = EXCLUDED.weight`,
			src, dst, string(l.Relation), l.Weight,
			unixPtr(l.ValidFrom), unixPtr(l.ValidUntil), l.LLMEnriched, unix(l.CreatedAt)); err != nil {
			return nil, wrapPostgresErr("restore link", err)
		}
	}

	for _, c := range snap.Centrality {
		newID, ok := idMap.Memories[c.MemoryID]
		if !ok {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO memory_centrality (memory_id, degree, normalized_degree, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (memory_id) DO UPDATE SET
				degree = EXCLUDED.degree,
				normalized_degree = EXCLUDED.normalized_degree,
				updated_at = EXCLUDED.updated_at`,
			newID, c.Degree, c.NormalizedDegree, unix(c.UpdatedAt)); err != nil {
			return nil, wrapPostgresErr("restore centrality", err)
		}
	}

	for _, r := range snap.TokenFrequencies {
		project := ""
		if r.ProjectID != nil {
			project = *r.ProjectID
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO token_frequencies (token, project_id, frequency) VALUES ($1, $2, $3)
			ON CONFLICT (token, project_id) DO UPDATE SET frequency = EXCLUDED.frequency`,
			r.Token, project, r.Frequency); err != nil {
			return nil, wrapPostgresErr("restore token frequency", err)
		}
	}

	for _, stat := range snap.TokenStats {
		if _, err := tx.Exec(ctx,
			`INSERT INTO token_stats (operation, raw_bytes, saved_bytes, created_at) VALUES ($1, $2, $3, $4)`,
			stat.Operation, stat.RawBytes, stat.SavedBytes, unix(stat.CreatedAt)); err != nil {
			return nil, wrapPostgresErr("restore token stat", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapPostgresErr("commit restore", err)
	}
	return idMap, nil
}

// wrapPostgresErr classifies driver failures: connection-class errors are
// transient, missing relations unsupported, the rest internal.
func wrapPostgresErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42P01": // undefined_table
			return errors.Unsupported(op + ": " + pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "08"): // connection exceptions
			return errors.Transient(op, err)
		case pgErr.Code == "57P01" || pgErr.Code == "57P02" || pgErr.Code == "57P03":
			return errors.Transient(op, err)
		}
	}
	if pgconn.SafeToRetry(err) {
		return errors.Transient(op, err)
	}
	return errors.Wrap(errors.KindInternal, op, err)
}
