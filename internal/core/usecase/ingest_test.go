package usecase

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
)

func ingestPayload(id, hash string) domain.IngestPayload {
	return domain.IngestPayload{
		Document: domain.Document{
			ID:            id,
			Organization:  " CPSO ",
			DocumentType:  "policy",
			EffectiveDate: date("2024-03-01"),
			ContentHash:   hash,
		},
		Chunks: []domain.Chunk{
			{ID: id + "-p1", DocumentID: id, Kind: domain.ChunkParent, Heading: "Prescribing", Body: "Parent section."},
			{ID: id + "-c1", DocumentID: id, Kind: domain.ChunkChild, ParentID: strPtr(id + "-p1"), Body: "Physicians must document."},
			{ID: id + "-c2", DocumentID: id, Kind: domain.ChunkChild, ParentID: strPtr(id + "-p1"), Body: "Physicians should review."},
		},
	}
}

func TestIngestStoresAndIndexesChildren(t *testing.T) {
	store := newCorpusStoreFake()
	index := &indexFake{}
	events := &eventsFake{}
	uc := NewIngestUseCase(store, &embedderFake{}, index, NewSupersessionTracker(store, 0, nil), events, nil)

	stored, err := uc.Ingest(context.Background(), ingestPayload("doc-1", "h1"))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if !stored {
		t.Fatalf("expected document to be stored")
	}
	if !slices.Equal(store.saved, []string{"doc-1"}) {
		t.Fatalf("unexpected saved documents %v", store.saved)
	}
	if !slices.Equal(index.indexed, []string{"doc-1-c1", "doc-1-c2"}) {
		t.Fatalf("only child chunks should be indexed, got %v", index.indexed)
	}
	if !slices.Equal(events.orgs, []string{"cpso"}) {
		t.Fatalf("expected corpus update for cpso, got %v", events.orgs)
	}
}

func TestIngestSkipsUnchangedContent(t *testing.T) {
	store := newCorpusStoreFake()
	embedder := &embedderFake{}
	uc := NewIngestUseCase(store, embedder, &indexFake{}, nil, nil, nil)

	if _, err := uc.Ingest(context.Background(), ingestPayload("doc-1", "h1")); err != nil {
		t.Fatalf("first Ingest() error = %v", err)
	}
	stored, err := uc.Ingest(context.Background(), ingestPayload("doc-1", "h1"))
	if err != nil {
		t.Fatalf("second Ingest() error = %v", err)
	}
	if stored || len(store.saved) != 1 || embedder.batches != 1 {
		t.Fatalf("unchanged hash must be a no-op: stored=%v saved=%v batches=%d", stored, store.saved, embedder.batches)
	}

	stored, err = uc.Ingest(context.Background(), ingestPayload("doc-1", "h2"))
	if err != nil || !stored {
		t.Fatalf("changed hash must be re-ingested: stored=%v err=%v", stored, err)
	}
}

func TestIngestAppliesSupersession(t *testing.T) {
	store := newCorpusStoreFake(supersededDoc("doc-old", "", date("2020-01-01")))
	uc := NewIngestUseCase(store, &embedderFake{}, &indexFake{}, NewSupersessionTracker(store, 0, nil), nil, nil)

	payload := ingestPayload("doc-new", "h1")
	payload.Supersedes = "doc-old"
	if _, err := uc.Ingest(context.Background(), payload); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(store.marked) != 1 || store.marked[0] != [2]string{"doc-old", "doc-new"} {
		t.Fatalf("expected supersession link, got %v", store.marked)
	}
}

func TestIngestDerivesIDFromSourceURL(t *testing.T) {
	store := newCorpusStoreFake()
	uc := NewIngestUseCase(store, &embedderFake{}, &indexFake{}, nil, nil, nil)

	payload := ingestPayload("", "h1")
	payload.Document.SourceURL = "https://www.cpso.on.ca/policies/prescribing-drugs"
	if _, err := uc.Ingest(context.Background(), payload); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	want := domain.DocumentIDFromURL(payload.Document.SourceURL)
	if !slices.Equal(store.saved, []string{want}) {
		t.Fatalf("expected id %s, got %v", want, store.saved)
	}
}

func TestIngestRejectsInvalidPayloads(t *testing.T) {
	uc := NewIngestUseCase(newCorpusStoreFake(), &embedderFake{}, &indexFake{}, nil, nil, nil)

	orphan := ingestPayload("doc-1", "h1")
	orphan.Chunks[1].ParentID = strPtr("missing")
	if _, err := uc.Ingest(context.Background(), orphan); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("orphan child: expected ErrInvalidInput, got %v", err)
	}

	noOrg := ingestPayload("doc-1", "h1")
	noOrg.Document.Organization = "  "
	if _, err := uc.Ingest(context.Background(), noOrg); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("missing organization: expected ErrInvalidInput, got %v", err)
	}
}

func TestIngestFailures(t *testing.T) {
	mismatch := NewIngestUseCase(newCorpusStoreFake(), &embedderFake{short: true}, &indexFake{}, nil, nil, nil)
	if _, err := mismatch.Ingest(context.Background(), ingestPayload("doc-1", "h1")); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("vector mismatch: expected ErrInvalidInput, got %v", err)
	}

	store := newCorpusStoreFake()
	indexErr := errors.New("qdrant down")
	failing := NewIngestUseCase(store, &embedderFake{}, &indexFake{indexErr: indexErr}, nil, nil, nil)
	if _, err := failing.Ingest(context.Background(), ingestPayload("doc-1", "h1")); !errors.Is(err, indexErr) {
		t.Fatalf("expected index error, got %v", err)
	}

	events := &eventsFake{err: errors.New("nats down")}
	published := NewIngestUseCase(newCorpusStoreFake(), &embedderFake{}, &indexFake{}, nil, events, nil)
	if stored, err := published.Ingest(context.Background(), ingestPayload("doc-1", "h1")); err != nil || !stored {
		t.Fatalf("publish failure must not fail ingestion: stored=%v err=%v", stored, err)
	}
}

type chunkerFake struct{}

func (chunkerFake) Chunk(documentID string, sections []domain.Section) []domain.Chunk {
	var out []domain.Chunk
	for i, s := range sections {
		parentID := documentID + "-s" + string(rune('a'+i))
		out = append(out,
			domain.Chunk{ID: parentID, DocumentID: documentID, Kind: domain.ChunkParent, Heading: s.Heading, Body: s.Text},
			domain.Chunk{ID: parentID + "-c", DocumentID: documentID, Kind: domain.ChunkChild, ParentID: strPtr(parentID), Body: s.Text},
		)
	}
	return out
}

func TestIngestChunksSections(t *testing.T) {
	store := newCorpusStoreFake()
	index := &indexFake{}
	uc := NewIngestUseCase(store, &embedderFake{}, index, nil, nil, nil).WithChunker(chunkerFake{})

	payload := ingestPayload("doc-1", "h1")
	payload.Chunks = nil
	payload.Sections = []domain.Section{{Heading: "Coverage", Text: "Covered for limited use."}}

	if _, err := uc.Ingest(context.Background(), payload); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if !slices.Equal(index.indexed, []string{"doc-1-sa-c"}) {
		t.Fatalf("expected chunked child to be indexed, got %v", index.indexed)
	}
}

func TestIngestSectionsWithoutChunker(t *testing.T) {
	uc := NewIngestUseCase(newCorpusStoreFake(), &embedderFake{}, &indexFake{}, nil, nil, nil)

	payload := ingestPayload("doc-1", "h1")
	payload.Chunks = nil
	payload.Sections = []domain.Section{{Heading: "Coverage", Text: "Covered."}}

	_, err := uc.Ingest(context.Background(), payload)
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestReingestDropsStaleChunks(t *testing.T) {
	store := newCorpusStoreFake()
	index := &indexFake{}
	uc := NewIngestUseCase(store, &embedderFake{}, index, nil, nil, nil)

	if _, err := uc.Ingest(context.Background(), ingestPayload("doc-1", "h1")); err != nil {
		t.Fatalf("first Ingest() error = %v", err)
	}
	if len(index.deleted) != 0 {
		t.Fatalf("a new document has nothing to delete, got %v", index.deleted)
	}

	shorter := ingestPayload("doc-1", "h2")
	shorter.Chunks = shorter.Chunks[:2]
	if _, err := uc.Ingest(context.Background(), shorter); err != nil {
		t.Fatalf("second Ingest() error = %v", err)
	}
	if !slices.Equal(index.deleted, []string{"doc-1"}) {
		t.Fatalf("expected old points to be deleted, got %v", index.deleted)
	}
	if got := index.pointIDs(); !slices.Equal(got, []string{"doc-1-c1"}) {
		t.Fatalf("stale chunk survived re-ingest: %v", got)
	}
}

func TestReingestKeepsSupersessionInIndex(t *testing.T) {
	store := newCorpusStoreFake()
	index := &indexFake{}
	tracker := NewSupersessionTracker(store, 0, nil).WithIndex(index)
	uc := NewIngestUseCase(store, &embedderFake{}, index, tracker, nil, nil)

	if _, err := uc.Ingest(context.Background(), ingestPayload("doc-old", "h1")); err != nil {
		t.Fatalf("Ingest(old) error = %v", err)
	}
	successor := ingestPayload("doc-new", "h1")
	successor.Document.EffectiveDate = date("2025-01-01")
	successor.Supersedes = "doc-old"
	if _, err := uc.Ingest(context.Background(), successor); err != nil {
		t.Fatalf("Ingest(new) error = %v", err)
	}

	// The crawler fetches the old page again after an edit.
	if _, err := uc.Ingest(context.Background(), ingestPayload("doc-old", "h2")); err != nil {
		t.Fatalf("re-Ingest(old) error = %v", err)
	}

	hits, err := index.Search(context.Background(), domain.SimilarityQuery{Organizations: []string{"cpso"}})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	for _, h := range hits {
		if h.DocumentID == "doc-old" && (!h.IsSuperseded || h.SupersededBy != "doc-new") {
			t.Fatalf("re-indexed chunk %s lost its supersession: %+v", h.ChunkID, h)
		}
	}
	doc, _ := store.GetDocument(context.Background(), "doc-old")
	if !doc.IsSuperseded {
		t.Fatalf("stored document lost its supersession")
	}
}
