package ports

import (
	"context"
	"time"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
)

// GuidanceSearcher is the inbound contract shared by all query-facing tools.
type GuidanceSearcher interface {
	Search(ctx context.Context, req domain.QueryRequest) (*domain.QueryResponse, error)
}

// SupersessionService resolves and records document supersession.
type SupersessionService interface {
	ResolveCurrent(ctx context.Context, documentID string) (string, error)
	Chain(ctx context.Context, documentID string) ([]string, error)
	MarkSuperseded(ctx context.Context, oldID, newID string, at time.Time) error
}

// DocumentReader is the inbound read model for document metadata.
type DocumentReader interface {
	GetDocument(ctx context.Context, id string) (*domain.Document, error)
}

// CorpusIngestor accepts documents produced by the external crawler.
type CorpusIngestor interface {
	Ingest(ctx context.Context, payload domain.IngestPayload) (bool, error)
}

// CacheInvalidator drops cached results after corpus updates.
type CacheInvalidator interface {
	InvalidateOrganization(organization string) int
}
