package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
)

const defaultLookupLimit = 50

// CorpusRepository stores documents, chunks and supersession links. It is
// also the structured retrieval path.
type CorpusRepository struct {
	db *sql.DB
}

func NewCorpusRepository(db *sql.DB) *CorpusRepository {
	return &CorpusRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *CorpusRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *CorpusRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101801)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	source_url TEXT NOT NULL DEFAULT '',
	organization TEXT NOT NULL,
	document_type TEXT NOT NULL DEFAULT '',
	effective_date DATE NOT NULL,
	last_updated TIMESTAMPTZ,
	published_date TIMESTAMPTZ,
	topics JSONB NOT NULL DEFAULT '[]'::jsonb,
	policy_level TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	is_superseded BOOLEAN NOT NULL DEFAULT FALSE,
	superseded_by TEXT REFERENCES documents(id),
	superseded_at TIMESTAMPTZ,
	extensions JSONB NOT NULL DEFAULT '{}'::jsonb,
	CHECK (superseded_by IS NULL OR superseded_by <> id)
);

CREATE INDEX IF NOT EXISTS idx_documents_organization ON documents(organization);
CREATE INDEX IF NOT EXISTS idx_documents_effective_date ON documents(effective_date DESC);
CREATE INDEX IF NOT EXISTS idx_documents_extensions ON documents USING GIN (extensions jsonb_path_ops);

CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	kind TEXT NOT NULL CHECK (kind IN ('parent', 'child')),
	parent_id TEXT REFERENCES chunks(id),
	heading TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	ordinal INT NOT NULL DEFAULT 0,
	embedding_ref TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON chunks(document_id);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *CorpusRepository) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, source_url, organization, document_type, effective_date, last_updated, published_date,
	topics, policy_level, content_hash, is_superseded, superseded_by, superseded_at, extensions
FROM documents
WHERE id = $1
`, id)

	var (
		doc                      domain.Document
		lastUpdated, published   sql.NullTime
		supersededBy             sql.NullString
		supersededAt             sql.NullTime
		topicsRaw, extensionsRaw []byte
		policyLevel              string
	)
	err := row.Scan(
		&doc.ID, &doc.SourceURL, &doc.Organization, &doc.DocumentType, &doc.EffectiveDate, &lastUpdated, &published,
		&topicsRaw, &policyLevel, &doc.ContentHash, &doc.IsSuperseded, &supersededBy, &supersededAt, &extensionsRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}

	doc.PolicyLevel = domain.PolicyLevel(policyLevel)
	doc.LastUpdated = lastUpdated.Time
	doc.PublishedDate = published.Time
	if supersededBy.Valid {
		doc.SupersededBy = &supersededBy.String
	}
	if supersededAt.Valid {
		doc.SupersededAt = &supersededAt.Time
	}
	if err := unmarshalJSONB(topicsRaw, &doc.Topics); err != nil {
		return nil, fmt.Errorf("unmarshal topics: %w", err)
	}
	if err := unmarshalJSONB(extensionsRaw, &doc.Extensions); err != nil {
		return nil, fmt.Errorf("unmarshal extensions: %w", err)
	}
	return &doc, nil
}

func (r *CorpusRepository) GetContentHash(ctx context.Context, id string) (string, bool, error) {
	var hash string
	err := r.db.QueryRowContext(ctx, `SELECT content_hash FROM documents WHERE id = $1`, id).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get content hash: %w", err)
	}
	return hash, true, nil
}

// SaveDocument upserts the document and replaces its chunks in one
// transaction. Supersession fields of an existing row are left untouched.
func (r *CorpusRepository) SaveDocument(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) error {
	topicsJSON, err := json.Marshal(nonNilStrings(doc.Topics))
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}
	extensions := doc.Extensions
	if extensions == nil {
		extensions = map[string]string{}
	}
	extensionsJSON, err := json.Marshal(extensions)
	if err != nil {
		return fmt.Errorf("marshal extensions: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO documents (
	id, source_url, organization, document_type, effective_date, last_updated, published_date,
	topics, policy_level, content_hash, extensions
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
	source_url = EXCLUDED.source_url,
	organization = EXCLUDED.organization,
	document_type = EXCLUDED.document_type,
	effective_date = EXCLUDED.effective_date,
	last_updated = EXCLUDED.last_updated,
	published_date = EXCLUDED.published_date,
	topics = EXCLUDED.topics,
	policy_level = EXCLUDED.policy_level,
	content_hash = EXCLUDED.content_hash,
	extensions = EXCLUDED.extensions
`,
		doc.ID, doc.SourceURL, doc.Organization, doc.DocumentType, doc.EffectiveDate,
		nullTime(doc.LastUpdated), nullTime(doc.PublishedDate),
		topicsJSON, string(doc.PolicyLevel), doc.ContentHash, extensionsJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	// Children reference parents, so they go first on delete and last on insert.
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1 AND kind = 'child'`, doc.ID); err != nil {
		return fmt.Errorf("delete child chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, doc.ID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	for _, kind := range []domain.ChunkKind{domain.ChunkParent, domain.ChunkChild} {
		for _, c := range chunks {
			if c.Kind != kind {
				continue
			}
			_, err := tx.ExecContext(ctx, `
INSERT INTO chunks (id, document_id, kind, parent_id, heading, body, ordinal, embedding_ref)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, c.ID, doc.ID, string(c.Kind), nullString(c.ParentID), c.Heading, c.Body, c.Ordinal, c.EmbeddingRef)
			if err != nil {
				return fmt.Errorf("insert chunk %s: %w", c.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save tx: %w", err)
	}
	return nil
}

// LookupStructured matches identifiers against document ids, extension
// values and chunk text, and the entity name against chunk headings.
func (r *CorpusRepository) LookupStructured(ctx context.Context, q domain.StructuredQuery) ([]domain.Candidate, error) {
	identifiers := nonEmpty(q.Identifiers)
	entity := strings.TrimSpace(q.EntityName)
	if len(identifiers) == 0 && entity == "" {
		return []domain.Candidate{}, nil
	}

	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	var match []string
	if len(identifiers) > 0 {
		ids := arg(identifiers)
		patterns := make([]string, 0, len(identifiers))
		for _, id := range identifiers {
			patterns = append(patterns, "%"+escapeLike(id)+"%")
		}
		match = append(match,
			"d.id = ANY("+ids+")",
			"EXISTS (SELECT 1 FROM jsonb_each_text(d.extensions) e WHERE e.value = ANY("+ids+"))",
			"c.body ILIKE ANY("+arg(patterns)+")",
		)
	}
	if entity != "" {
		match = append(match, "c.heading ILIKE "+arg("%"+escapeLike(entity)+"%"))
	}

	query := `
SELECT c.id, c.document_id, c.kind, c.heading, c.body, c.ordinal,
	d.organization, d.document_type, d.topics, d.effective_date, d.is_superseded,
	COALESCE(d.superseded_by, ''), d.extensions
FROM chunks c
JOIN documents d ON d.id = c.document_id
WHERE (` + strings.Join(match, "\n\tOR ") + `)
`
	if orgs := lowerAll(nonEmpty(q.Organizations)); len(orgs) > 0 {
		query += "AND d.organization = ANY(" + arg(orgs) + ")\n"
	}
	if types := nonEmpty(q.DocumentTypes); len(types) > 0 {
		query += "AND lower(d.document_type) = ANY(" + arg(lowerAll(types)) + ")\n"
	}
	if q.EffectiveAfter != nil {
		query += "AND d.effective_date >= " + arg(*q.EffectiveAfter) + "\n"
	}
	if q.EffectiveBefore != nil {
		query += "AND d.effective_date <= " + arg(*q.EffectiveBefore) + "\n"
	}
	if !q.IncludeSuperseded {
		query += "AND NOT d.is_superseded\n"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLookupLimit
	}
	query += "ORDER BY d.effective_date DESC, c.document_id, c.ordinal\nLIMIT " + arg(limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("structured lookup: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Candidate, 0)
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate structured lookup: %w", err)
	}
	return out, nil
}

func (r *CorpusRepository) MarkSuperseded(ctx context.Context, oldID, newID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE documents
SET is_superseded = TRUE, superseded_by = $2, superseded_at = $3
WHERE id = $1
`, oldID, newID, at)
	if err != nil {
		return fmt.Errorf("mark superseded: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark superseded rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrDocumentNotFound, "mark superseded", fmt.Errorf("id=%s", oldID))
	}
	return nil
}

func scanCandidate(rows *sql.Rows) (domain.Candidate, error) {
	var (
		c                        domain.Candidate
		kind                     string
		topicsRaw, extensionsRaw []byte
	)
	err := rows.Scan(
		&c.ChunkID, &c.DocumentID, &kind, &c.Heading, &c.Text, &c.Ordinal,
		&c.Organization, &c.DocumentType, &topicsRaw, &c.EffectiveDate, &c.IsSuperseded,
		&c.SupersededBy, &extensionsRaw,
	)
	if err != nil {
		return domain.Candidate{}, fmt.Errorf("scan candidate: %w", err)
	}
	c.ChunkKind = domain.ChunkKind(kind)
	if err := unmarshalJSONB(topicsRaw, &c.Topics); err != nil {
		return domain.Candidate{}, fmt.Errorf("unmarshal topics: %w", err)
	}
	var extensions map[string]string
	if err := unmarshalJSONB(extensionsRaw, &extensions); err != nil {
		return domain.Candidate{}, fmt.Errorf("unmarshal extensions: %w", err)
	}

	view := domain.FieldView{
		"organization":   c.Organization,
		"document_type":  c.DocumentType,
		"effective_date": c.EffectiveDate.Format(time.DateOnly),
		"is_superseded":  strconv.FormatBool(c.IsSuperseded),
	}
	for k, v := range extensions {
		view[k] = v
	}
	c.StructuredView = view
	return c, nil
}

func unmarshalJSONB(raw []byte, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
