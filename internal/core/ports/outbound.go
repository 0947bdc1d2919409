package ports

import (
	"context"
	"time"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
)

// CorpusStore persists documents, chunks and the supersession graph.
type CorpusStore interface {
	GetDocument(ctx context.Context, id string) (*domain.Document, error)
	GetContentHash(ctx context.Context, id string) (string, bool, error)
	SaveDocument(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) error
	LookupStructured(ctx context.Context, query domain.StructuredQuery) ([]domain.Candidate, error)
	MarkSuperseded(ctx context.Context, oldID, newID string, at time.Time) error
}

// Embedder builds vectors for chunks and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Chunker splits document sections into parent and child chunks.
type Chunker interface {
	Chunk(documentID string, sections []domain.Section) []domain.Chunk
}

// EmbeddingIndex stores chunk vectors partitioned by organization. Each point
// carries a copy of its document's metadata, so documents changed after
// indexing must be updated here too.
type EmbeddingIndex interface {
	IndexChunks(ctx context.Context, doc *domain.Document, chunks []domain.Chunk, vectors [][]float32) error
	DeleteDocument(ctx context.Context, documentID string) error
	MarkSuperseded(ctx context.Context, documentID, successorID string) error
	Search(ctx context.Context, query domain.SimilarityQuery) ([]domain.Candidate, error)
}

// RelevanceJudge scores a passage against a query on a 0-10 scale.
type RelevanceJudge interface {
	JudgeRelevance(ctx context.Context, query, passage string) (float64, error)
}

// QueryCache maps a normalized query key to a serialized response.
type QueryCache interface {
	Get(key string) ([]byte, bool)
	Put(key string, value []byte, organizations []string)
	InvalidateOrganization(organization string) int
}

// CorpusEvents publishes corpus changes so that caches can be refreshed.
type CorpusEvents interface {
	PublishCorpusUpdated(ctx context.Context, organization string) error
}

// RetrievalObserver receives per-query measurements.
type RetrievalObserver interface {
	ObserveQuery(route domain.Route, status string, confidence float64, duration time.Duration)
	ObserveCache(hit bool)
	ObservePathFailure(path string, err error)
	ObserveJudge(status string)
}
