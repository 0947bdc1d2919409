package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
	"github.com/kirillkom/guidance-retrieval/internal/core/ports"
)

// IngestUseCase stores crawler output. Re-ingesting a document whose content
// hash is unchanged is a no-op.
type IngestUseCase struct {
	store    ports.CorpusStore
	embedder ports.Embedder
	index    ports.EmbeddingIndex
	tracker  ports.SupersessionService
	events   ports.CorpusEvents
	chunker  ports.Chunker
	logger   *slog.Logger
}

func NewIngestUseCase(
	store ports.CorpusStore,
	embedder ports.Embedder,
	index ports.EmbeddingIndex,
	tracker ports.SupersessionService,
	events ports.CorpusEvents,
	logger *slog.Logger,
) *IngestUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestUseCase{
		store:    store,
		embedder: embedder,
		index:    index,
		tracker:  tracker,
		events:   events,
		logger:   logger,
	}
}

// WithChunker enables payloads that carry sections instead of chunks.
func (uc *IngestUseCase) WithChunker(chunker ports.Chunker) *IngestUseCase {
	uc.chunker = chunker
	return uc
}

// Ingest returns false when the document was already stored with the same
// content hash.
func (uc *IngestUseCase) Ingest(ctx context.Context, payload domain.IngestPayload) (bool, error) {
	doc := payload.Document
	if doc.ID == "" && doc.SourceURL != "" {
		doc.ID = domain.DocumentIDFromURL(doc.SourceURL)
		for i := range payload.Chunks {
			if payload.Chunks[i].DocumentID == "" {
				payload.Chunks[i].DocumentID = doc.ID
			}
		}
	}
	if len(payload.Chunks) == 0 && len(payload.Sections) > 0 {
		if uc.chunker == nil {
			return false, domain.WrapError(domain.ErrInvalidInput, "ingest", errors.New("sections require a chunker"))
		}
		payload.Chunks = uc.chunker.Chunk(doc.ID, payload.Sections)
	}
	doc.Organization = strings.ToLower(strings.TrimSpace(doc.Organization))
	if err := doc.Validate(); err != nil {
		return false, err
	}
	if err := domain.ValidateChunks(doc.ID, payload.Chunks); err != nil {
		return false, err
	}

	storedHash, found, err := uc.store.GetContentHash(ctx, doc.ID)
	if err != nil {
		return false, fmt.Errorf("load content hash: %w", err)
	}
	if found && storedHash == doc.ContentHash {
		uc.logger.Debug("ingest_unchanged", "document_id", doc.ID)
		return false, nil
	}

	children := childChunks(payload.Chunks)
	vectors, err := uc.embed(ctx, children)
	if err != nil {
		return false, err
	}

	// A changed document replaces its points wholesale. The stored version
	// keeps its supersession link, and the new points must carry it too.
	if found {
		if err := uc.carrySupersession(ctx, &doc); err != nil {
			return false, err
		}
		if err := uc.index.DeleteDocument(ctx, doc.ID); err != nil {
			return false, fmt.Errorf("delete stale chunks: %w", err)
		}
	}

	// Vectors go first: the stored content hash marks the document as done,
	// so a failed index write is retried on the next delivery.
	if len(children) > 0 {
		if err := uc.index.IndexChunks(ctx, &doc, children, vectors); err != nil {
			return false, fmt.Errorf("index chunks: %w", err)
		}
	}
	if err := uc.store.SaveDocument(ctx, &doc, payload.Chunks); err != nil {
		return false, fmt.Errorf("save document: %w", err)
	}

	if supersedes := strings.TrimSpace(payload.Supersedes); supersedes != "" && uc.tracker != nil {
		if err := uc.tracker.MarkSuperseded(ctx, supersedes, doc.ID, doc.EffectiveDate); err != nil {
			return false, fmt.Errorf("apply supersession: %w", err)
		}
	}

	if uc.events != nil {
		if err := uc.events.PublishCorpusUpdated(ctx, doc.Organization); err != nil {
			uc.logger.Warn("publish_corpus_updated_failed", "organization", doc.Organization, "error", err)
		}
	}

	uc.logger.Info("document_ingested",
		"document_id", doc.ID,
		"organization", doc.Organization,
		"chunks", len(payload.Chunks),
		"indexed", len(children),
	)
	return true, nil
}

func (uc *IngestUseCase) carrySupersession(ctx context.Context, doc *domain.Document) error {
	stored, err := uc.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("load stored document: %w", err)
	}
	if stored.IsSuperseded {
		doc.IsSuperseded = true
		doc.SupersededBy = stored.SupersededBy
		doc.SupersededAt = stored.SupersededAt
	}
	return nil
}

func (uc *IngestUseCase) embed(ctx context.Context, chunks []domain.Chunk) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	texts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		texts = append(texts, strings.TrimSpace(c.Heading+"\n"+c.Body))
	}
	vectors, err := uc.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, domain.WrapError(
			domain.ErrInvalidInput,
			"embed chunks",
			fmt.Errorf("vectors/chunks mismatch: %d/%d", len(vectors), len(chunks)),
		)
	}
	return vectors, nil
}

// childChunks are the precise-matching spans that go into the vector index.
func childChunks(chunks []domain.Chunk) []domain.Chunk {
	out := make([]domain.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Kind == domain.ChunkChild {
			out = append(out, c)
		}
	}
	return out
}
