package postgres

import (
	"context"
	"database/sql/driver"
	"reflect"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
)

// arrayConverter lets text[] arguments through to the mock driver.
type arrayConverter struct{}

func (arrayConverter) ConvertValue(v any) (driver.Value, error) {
	if s, ok := v.([]string); ok {
		return s, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

type stringsArg []string

func (a stringsArg) Match(v driver.Value) bool {
	got, ok := v.([]string)
	return ok && reflect.DeepEqual([]string(a), got)
}

func newCorpusRepoWithMock(t *testing.T) (*CorpusRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(arrayConverter{}))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return NewCorpusRepository(db), mock, func() { _ = db.Close() }
}

var candidateColumns = []string{
	"id", "document_id", "kind", "heading", "body", "ordinal",
	"organization", "document_type", "topics", "effective_date", "is_superseded",
	"superseded_by", "extensions",
}

func TestLookupStructuredMatchesIdentifiersAndEntity(t *testing.T) {
	repo, mock, cleanup := newCorpusRepoWithMock(t)
	defer cleanup()

	effective := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(candidateColumns).
		AddRow("c1", "doc-1", "child", "Adalimumab", "DIN 02242903 is a Limited Use benefit.", 2,
			"odb", "formulary", []byte(`["biologics"]`), effective, false, "", []byte(`{"din":"02242903","covered":"true"}`))

	mock.ExpectQuery(`FROM chunks c\s+JOIN documents d(.|\n)*AND d.organization = ANY(.|\n)*AND NOT d.is_superseded`).
		WithArgs(stringsArg{"02242903"}, stringsArg{"%02242903%"}, "%Adalimumab%", stringsArg{"odb"}, 50).
		WillReturnRows(rows)

	got, err := repo.LookupStructured(context.Background(), domain.StructuredQuery{
		Identifiers:   []string{"02242903", " "},
		EntityName:    "Adalimumab",
		Organizations: []string{"ODB"},
	})
	if err != nil {
		t.Fatalf("LookupStructured() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	c := got[0]
	if c.ChunkID != "c1" || c.ChunkKind != domain.ChunkChild || c.Ordinal != 2 || len(c.Topics) != 1 {
		t.Fatalf("unexpected candidate %+v", c)
	}
	view := c.StructuredView
	if view["covered"] != "true" || view["din"] != "02242903" || view["effective_date"] != "2024-04-01" || view["is_superseded"] != "false" {
		t.Fatalf("unexpected structured view %v", view)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLookupStructuredAppliesDateWindowAndSupersededFlag(t *testing.T) {
	repo, mock, cleanup := newCorpusRepoWithMock(t)
	defer cleanup()

	after := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`d.effective_date >= \$2`).
		WithArgs("%warfarin%", after, 5).
		WillReturnRows(sqlmock.NewRows(candidateColumns))

	got, err := repo.LookupStructured(context.Background(), domain.StructuredQuery{
		EntityName:        "warfarin",
		EffectiveAfter:    &after,
		IncludeSuperseded: true,
		Limit:             5,
	})
	if err != nil {
		t.Fatalf("LookupStructured() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil result, got %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLookupStructuredWithoutPredicatesSkipsQuery(t *testing.T) {
	repo, mock, cleanup := newCorpusRepoWithMock(t)
	defer cleanup()

	got, err := repo.LookupStructured(context.Background(), domain.StructuredQuery{Organizations: []string{"odb"}})
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty result, got %v, %v", got, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	repo, mock, cleanup := newCorpusRepoWithMock(t)
	defer cleanup()

	mock.ExpectQuery("FROM documents").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetDocument(context.Background(), "missing")
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetDocumentScansSupersession(t *testing.T) {
	repo, mock, cleanup := newCorpusRepoWithMock(t)
	defer cleanup()

	effective := time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)
	at := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "source_url", "organization", "document_type", "effective_date", "last_updated", "published_date",
		"topics", "policy_level", "content_hash", "is_superseded", "superseded_by", "superseded_at", "extensions",
	}).AddRow("doc-a", "https://example.org/a", "cpso", "policy", effective, nil, nil,
		[]byte(`["opioids"]`), "mandatory", "h1", true, "doc-b", at, []byte(`{}`))

	mock.ExpectQuery("FROM documents").WithArgs("doc-a").WillReturnRows(rows)

	doc, err := repo.GetDocument(context.Background(), "doc-a")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if !doc.IsSuperseded || doc.SupersededBy == nil || *doc.SupersededBy != "doc-b" {
		t.Fatalf("unexpected supersession %+v", doc)
	}
	if doc.SupersededAt == nil || !doc.SupersededAt.Equal(at) || !doc.LastUpdated.IsZero() {
		t.Fatalf("unexpected timestamps %+v", doc)
	}
	if doc.PolicyLevel != domain.PolicyMandatory || len(doc.Topics) != 1 {
		t.Fatalf("unexpected metadata %+v", doc)
	}
}

func TestGetContentHashMissingDocument(t *testing.T) {
	repo, mock, cleanup := newCorpusRepoWithMock(t)
	defer cleanup()

	mock.ExpectQuery("SELECT content_hash FROM documents").
		WithArgs("doc-x").
		WillReturnRows(sqlmock.NewRows([]string{"content_hash"}))

	hash, found, err := repo.GetContentHash(context.Background(), "doc-x")
	if err != nil || found || hash != "" {
		t.Fatalf("expected missing hash, got %q %v %v", hash, found, err)
	}
}

func TestSaveDocumentWritesParentsBeforeChildren(t *testing.T) {
	repo, mock, cleanup := newCorpusRepoWithMock(t)
	defer cleanup()

	parent := "p1"
	doc := &domain.Document{
		ID:            "doc-1",
		Organization:  "odb",
		EffectiveDate: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		ContentHash:   "h2",
	}
	chunks := []domain.Chunk{
		{ID: "c1", DocumentID: "doc-1", Kind: domain.ChunkChild, ParentID: &parent, Body: "child body", Ordinal: 1},
		{ID: "p1", DocumentID: "doc-1", Kind: domain.ChunkParent, Heading: "Section", Body: "parent body"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO documents").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM chunks WHERE document_id = \\$1 AND kind = 'child'").
		WithArgs("doc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM chunks").WithArgs("doc-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO chunks").
		WithArgs("p1", "doc-1", "parent", nil, "Section", "parent body", 0, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO chunks").
		WithArgs("c1", "doc-1", "child", "p1", "", "child body", 1, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.SaveDocument(context.Background(), doc, chunks); err != nil {
		t.Fatalf("SaveDocument() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkSupersededReturnsNotFoundWhenNoRows(t *testing.T) {
	repo, mock, cleanup := newCorpusRepoWithMock(t)
	defer cleanup()

	mock.ExpectExec("UPDATE documents").
		WithArgs("missing", "doc-b", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkSuperseded(context.Background(), "missing", "doc-b", time.Now())
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
