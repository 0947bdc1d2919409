package usecase

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
)

type corpusStoreFake struct {
	mu         sync.Mutex
	docs       map[string]*domain.Document
	hashes     map[string]string
	structured []domain.Candidate
	lookupErr  error
	lookupWait time.Duration
	lookups    int
	lastLookup domain.StructuredQuery
	saved      []string
	saveErr    error
	marked     [][2]string
}

func newCorpusStoreFake(docs ...*domain.Document) *corpusStoreFake {
	f := &corpusStoreFake{docs: map[string]*domain.Document{}, hashes: map[string]string{}}
	for _, d := range docs {
		f.docs[d.ID] = d
	}
	return f
}

func (f *corpusStoreFake) GetDocument(_ context.Context, id string) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id %s", id))
	}
	copyDoc := *doc
	return &copyDoc, nil
}

func (f *corpusStoreFake) GetContentHash(_ context.Context, id string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash, ok := f.hashes[id]
	return hash, ok, nil
}

func (f *corpusStoreFake) SaveDocument(_ context.Context, doc *domain.Document, _ []domain.Chunk) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	copyDoc := *doc
	f.docs[doc.ID] = &copyDoc
	f.hashes[doc.ID] = doc.ContentHash
	f.saved = append(f.saved, doc.ID)
	return nil
}

func (f *corpusStoreFake) LookupStructured(ctx context.Context, query domain.StructuredQuery) ([]domain.Candidate, error) {
	f.mu.Lock()
	f.lookups++
	f.lastLookup = query
	wait, err := f.lookupWait, f.lookupErr
	out := append([]domain.Candidate(nil), f.structured...)
	f.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *corpusStoreFake) MarkSuperseded(_ context.Context, oldID, newID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[oldID]
	if !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "mark superseded", fmt.Errorf("id %s", oldID))
	}
	successor := newID
	doc.IsSuperseded = true
	doc.SupersededBy = &successor
	doc.SupersededAt = &at
	f.marked = append(f.marked, [2]string{oldID, newID})
	return nil
}

func (f *corpusStoreFake) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

type embedderFake struct {
	mu      sync.Mutex
	err     error
	queries []string
	batches int
	short   bool
}

func (f *embedderFake) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	if f.err != nil {
		return nil, f.err
	}
	n := len(texts)
	if f.short {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (f *embedderFake) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, text)
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

// indexFake keeps a metadata snapshot per chunk, taken at index time, the way
// the vector store copies document fields into point payloads.
type indexFake struct {
	mu         sync.Mutex
	hits       []domain.Candidate
	points     map[string]domain.Candidate
	err        error
	wait       time.Duration
	searches   int
	lastLimit  int
	lastOrgs   []string
	indexed    []string
	indexErr   error
	deleted    []string
	markErr    error
	supersedes [][2]string
}

func (f *indexFake) IndexChunks(_ context.Context, doc *domain.Document, chunks []domain.Chunk, _ [][]float32) error {
	if f.indexErr != nil {
		return f.indexErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.points == nil {
		f.points = map[string]domain.Candidate{}
	}
	for _, c := range chunks {
		f.indexed = append(f.indexed, c.ID)
		f.points[c.ID] = snapshotCandidate(doc, c)
	}
	return nil
}

func snapshotCandidate(doc *domain.Document, chunk domain.Chunk) domain.Candidate {
	c := domain.Candidate{
		ChunkID:       chunk.ID,
		DocumentID:    doc.ID,
		Heading:       chunk.Heading,
		Text:          chunk.Body,
		ChunkKind:     chunk.Kind,
		Ordinal:       chunk.Ordinal,
		Organization:  strings.ToLower(doc.Organization),
		DocumentType:  doc.DocumentType,
		Topics:        doc.Topics,
		EffectiveDate: doc.EffectiveDate,
		IsSuperseded:  doc.IsSuperseded,
		Similarity:    0.8,
	}
	if doc.SupersededBy != nil {
		c.SupersededBy = *doc.SupersededBy
	}
	c.SimilarityView = similarityView(c)
	return c
}

func similarityView(c domain.Candidate) domain.FieldView {
	return domain.FieldView{
		"organization":   c.Organization,
		"document_type":  c.DocumentType,
		"effective_date": c.EffectiveDate.Format(time.DateOnly),
		"is_superseded":  strconv.FormatBool(c.IsSuperseded),
	}
}

func (f *indexFake) DeleteDocument(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, documentID)
	for id, c := range f.points {
		if c.DocumentID == documentID {
			delete(f.points, id)
		}
	}
	return nil
}

func (f *indexFake) MarkSuperseded(_ context.Context, documentID, successorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.supersedes = append(f.supersedes, [2]string{documentID, successorID})
	for id, c := range f.points {
		if c.DocumentID == documentID {
			c.IsSuperseded = true
			c.SupersededBy = successorID
			c.SimilarityView = similarityView(c)
			f.points[id] = c
		}
	}
	return nil
}

// Search returns the canned hits when set, otherwise the stored points of
// the requested organizations in chunk id order.
func (f *indexFake) Search(ctx context.Context, query domain.SimilarityQuery) ([]domain.Candidate, error) {
	f.mu.Lock()
	f.searches++
	f.lastLimit = query.Limit
	f.lastOrgs = query.Organizations
	wait, err := f.wait, f.err
	out := append([]domain.Candidate(nil), f.hits...)
	if f.hits == nil {
		for _, c := range f.points {
			if len(query.Organizations) == 0 || slices.Contains(query.Organizations, c.Organization) {
				out = append(out, c)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	}
	f.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *indexFake) pointIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.points))
	for id := range f.points {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *indexFake) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searches
}

type judgeFake struct {
	mu     sync.Mutex
	scores map[string]float64
	errs   map[string]error
	wait   time.Duration
	calls  int
}

func (f *judgeFake) JudgeRelevance(ctx context.Context, _ string, passage string) (float64, error) {
	f.mu.Lock()
	f.calls++
	wait := f.wait
	err, failed := f.errs[passage]
	score := f.scores[passage]
	f.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if failed {
		return 0, err
	}
	return score, nil
}

func (f *judgeFake) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type cacheFake struct {
	mu      sync.Mutex
	entries map[string][]byte
	orgs    map[string][]string
}

func newCacheFake() *cacheFake {
	return &cacheFake{entries: map[string][]byte{}, orgs: map[string][]string{}}
}

func (f *cacheFake) Get(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[key]
	return v, ok
}

func (f *cacheFake) Put(key string, value []byte, organizations []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = value
	f.orgs[key] = organizations
}

func (f *cacheFake) InvalidateOrganization(string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.entries)
	f.entries = map[string][]byte{}
	return n
}

func (f *cacheFake) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type eventsFake struct {
	mu   sync.Mutex
	orgs []string
	err  error
}

func (f *eventsFake) PublishCorpusUpdated(_ context.Context, org string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orgs = append(f.orgs, org)
	return f.err
}

func date(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func strPtr(s string) *string { return &s }
