package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
	"github.com/kirillkom/guidance-retrieval/internal/core/ports"
)

type RetrieverConfig struct {
	OversampleFactor  int
	StructuredTimeout time.Duration
	SimilarityTimeout time.Duration
}

func (c RetrieverConfig) normalize() RetrieverConfig {
	if c.OversampleFactor <= 0 {
		c.OversampleFactor = 5
	}
	if c.StructuredTimeout <= 0 {
		c.StructuredTimeout = 500 * time.Millisecond
	}
	if c.SimilarityTimeout <= 0 {
		c.SimilarityTimeout = time.Second
	}
	return c
}

// DualPathRetriever runs the structured lookup and the similarity search and
// merges their candidates. A failing path only degrades the outcome.
type DualPathRetriever struct {
	store      ports.CorpusStore
	embedder   ports.Embedder
	index      ports.EmbeddingIndex
	classifier *QueryClassifier
	cfg        RetrieverConfig
	logger     *slog.Logger
}

func NewDualPathRetriever(
	store ports.CorpusStore,
	embedder ports.Embedder,
	index ports.EmbeddingIndex,
	classifier *QueryClassifier,
	cfg RetrieverConfig,
	logger *slog.Logger,
) *DualPathRetriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &DualPathRetriever{
		store:      store,
		embedder:   embedder,
		index:      index,
		classifier: classifier,
		cfg:        cfg.normalize(),
		logger:     logger,
	}
}

type pathResult struct {
	candidates []domain.Candidate
	err        error
}

func (r *DualPathRetriever) Retrieve(ctx context.Context, route domain.Route, req domain.QueryRequest) (domain.RetrievalOutcome, error) {
	var structured, similarity *pathResult

	switch route {
	case domain.RouteStructuredOnly:
		structured = r.runPath(ctx, domain.PathStructured, r.cfg.StructuredTimeout, func(pathCtx context.Context) ([]domain.Candidate, error) {
			return r.structuredLookup(pathCtx, req)
		})
	case domain.RouteSimilarityOnly:
		similarity = r.runPath(ctx, domain.PathSimilarity, r.cfg.SimilarityTimeout, func(pathCtx context.Context) ([]domain.Candidate, error) {
			return r.similaritySearch(pathCtx, req)
		})
	case domain.RouteHybrid:
		// Path errors are collected per path, never short-circuited.
		var wg sync.WaitGroup
		wg.Go(func() {
			structured = r.runPath(ctx, domain.PathStructured, r.cfg.StructuredTimeout, func(pathCtx context.Context) ([]domain.Candidate, error) {
				return r.structuredLookup(pathCtx, req)
			})
		})
		wg.Go(func() {
			similarity = r.runPath(ctx, domain.PathSimilarity, r.cfg.SimilarityTimeout, func(pathCtx context.Context) ([]domain.Candidate, error) {
				return r.similaritySearch(pathCtx, req)
			})
		})
		wg.Wait()
	default:
		return domain.RetrievalOutcome{}, domain.WrapError(domain.ErrInvalidInput, "retrieve", fmt.Errorf("unknown route %q", route))
	}

	outcome := domain.RetrievalOutcome{Route: route}
	planned, failed := 0, 0
	for _, p := range []struct {
		name   string
		result *pathResult
	}{{domain.PathStructured, structured}, {domain.PathSimilarity, similarity}} {
		if p.result == nil {
			continue
		}
		planned++
		if p.result.err != nil {
			failed++
			outcome.Failures = append(outcome.Failures, domain.PathFailure{Path: p.name, Err: p.result.err})
			r.logger.Warn("retrieval_path_failed", "path", p.name, "route", string(route), "error", p.result.err)
			continue
		}
		if len(p.result.candidates) > 0 {
			outcome.Provenance = append(outcome.Provenance, p.name)
		}
	}
	if failed == planned {
		errs := make([]error, 0, len(outcome.Failures))
		for _, f := range outcome.Failures {
			errs = append(errs, fmt.Errorf("%s: %w", f.Path, f.Err))
		}
		return outcome, domain.WrapError(domain.ErrTemporary, "retrieve",
			fmt.Errorf("%w: %w", domain.ErrBothPathsFailed, errors.Join(errs...)))
	}

	outcome.Candidates = mergeCandidates(resultCandidates(structured), resultCandidates(similarity))
	return outcome, nil
}

func (r *DualPathRetriever) runPath(
	ctx context.Context,
	path string,
	timeout time.Duration,
	fn func(context.Context) ([]domain.Candidate, error),
) *pathResult {
	pathCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	candidates, err := fn(pathCtx)
	if err != nil {
		if errors.Is(pathCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			err = domain.WrapError(domain.ErrPathTimeout, path, err)
		}
		return &pathResult{err: err}
	}
	for i := range candidates {
		candidates[i].AddPath(path)
	}
	return &pathResult{candidates: candidates}
}

func (r *DualPathRetriever) structuredLookup(ctx context.Context, req domain.QueryRequest) ([]domain.Candidate, error) {
	identifiers := r.classifier.ExtractIdentifiers(req.Query)
	for _, id := range req.Hints.DocumentIDs {
		if id = strings.TrimSpace(id); id != "" {
			identifiers = append(identifiers, id)
		}
	}
	candidates, err := r.store.LookupStructured(ctx, domain.StructuredQuery{
		Identifiers:       identifiers,
		EntityName:        strings.TrimSpace(req.Hints.EntityName),
		Organizations:     req.OrganizationFilter,
		DocumentTypes:     req.DocumentTypeFilter,
		EffectiveAfter:    req.EffectiveAfter,
		EffectiveBefore:   req.EffectiveBefore,
		IncludeSuperseded: req.IncludeSuperseded,
		Limit:             req.ResultCount,
	})
	if err != nil {
		return nil, fmt.Errorf("structured lookup: %w", err)
	}
	return candidates, nil
}

func (r *DualPathRetriever) similaritySearch(ctx context.Context, req domain.QueryRequest) ([]domain.Candidate, error) {
	text := strings.TrimSpace(strings.Join([]string{req.Query, req.Hints.EntityName}, " "))
	vector, err := r.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	candidates, err := r.index.Search(ctx, domain.SimilarityQuery{
		Vector:        vector,
		Organizations: req.OrganizationFilter,
		Limit:         req.ResultCount * r.cfg.OversampleFactor,
	})
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	return candidates, nil
}

func resultCandidates(r *pathResult) []domain.Candidate {
	if r == nil || r.err != nil {
		return nil
	}
	return r.candidates
}

// mergeCandidates deduplicates by chunk id. Structured metadata wins for the
// merged record; both field views are kept for conflict detection.
func mergeCandidates(structured, similarity []domain.Candidate) []domain.Candidate {
	out := make([]domain.Candidate, 0, len(structured)+len(similarity))
	index := make(map[string]int, len(structured)+len(similarity))

	for _, c := range structured {
		if i, ok := index[c.ChunkID]; ok {
			out[i] = preferRicherCandidate(out[i], c)
			continue
		}
		index[c.ChunkID] = len(out)
		out = append(out, c)
	}
	for _, c := range similarity {
		i, ok := index[c.ChunkID]
		if !ok {
			index[c.ChunkID] = len(out)
			out = append(out, c)
			continue
		}
		merged := preferRicherCandidate(out[i], c)
		merged.AddPath(domain.PathSimilarity)
		if c.Similarity > merged.Similarity {
			merged.Similarity = c.Similarity
		}
		if merged.SimilarityView == nil {
			merged.SimilarityView = c.SimilarityView
		}
		out[i] = merged
	}
	return out
}

func preferRicherCandidate(current, candidate domain.Candidate) domain.Candidate {
	if current.Text == "" && candidate.Text != "" {
		current.Text = candidate.Text
	}
	if current.Heading == "" && candidate.Heading != "" {
		current.Heading = candidate.Heading
	}
	if current.DocumentID == "" && candidate.DocumentID != "" {
		current.DocumentID = candidate.DocumentID
	}
	if current.Organization == "" && candidate.Organization != "" {
		current.Organization = candidate.Organization
	}
	if current.DocumentType == "" && candidate.DocumentType != "" {
		current.DocumentType = candidate.DocumentType
	}
	if current.EffectiveDate.IsZero() && !candidate.EffectiveDate.IsZero() {
		current.EffectiveDate = candidate.EffectiveDate
	}
	if current.ChunkKind == "" && candidate.ChunkKind != "" {
		current.ChunkKind = candidate.ChunkKind
	}
	if len(current.Topics) == 0 && len(candidate.Topics) > 0 {
		current.Topics = candidate.Topics
	}
	return current
}
