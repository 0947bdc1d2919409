package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
	"github.com/kirillkom/guidance-retrieval/internal/core/ports"
)

type QueryConfig struct {
	DefaultResultCount int
	MaxResultCount     int
	Timeout            time.Duration
}

func (c QueryConfig) normalize() QueryConfig {
	if c.DefaultResultCount <= 0 {
		c.DefaultResultCount = 5
	}
	if c.MaxResultCount <= 0 {
		c.MaxResultCount = 50
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	return c
}

// QueryUseCase runs a request through classification, the cache, both
// retrieval paths, reranking, filtering and scoring.
type QueryUseCase struct {
	classifier *QueryClassifier
	retriever  *DualPathRetriever
	reranker   *Reranker
	tracker    ports.SupersessionService
	cache      ports.QueryCache
	observer   ports.RetrievalObserver
	inflight   singleflight.Group
	cfg        QueryConfig
	logger     *slog.Logger
}

func NewQueryUseCase(
	classifier *QueryClassifier,
	retriever *DualPathRetriever,
	reranker *Reranker,
	tracker ports.SupersessionService,
	cache ports.QueryCache,
	observer ports.RetrievalObserver,
	cfg QueryConfig,
	logger *slog.Logger,
) *QueryUseCase {
	if observer == nil {
		observer = noopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryUseCase{
		classifier: classifier,
		retriever:  retriever,
		reranker:   reranker,
		tracker:    tracker,
		cache:      cache,
		observer:   observer,
		cfg:        cfg.normalize(),
		logger:     logger,
	}
}

func (uc *QueryUseCase) Search(ctx context.Context, req domain.QueryRequest) (*domain.QueryResponse, error) {
	start := time.Now()

	req, err := uc.validate(req)
	if err != nil {
		uc.observer.ObserveQuery("", "invalid", 0, time.Since(start))
		return nil, err
	}

	route := uc.classifier.Classify(req.Query, req.ToolContext, req.Hints)
	key := CacheKey(req, route, uc.classifier.ExtractIdentifiers(req.Query))
	if uc.cache != nil {
		if raw, ok := uc.cache.Get(key); ok {
			resp, err := decodeResponse(raw)
			if err == nil {
				uc.observer.ObserveCache(true)
				uc.observer.ObserveQuery(route, "cached", resp.Confidence, time.Since(start))
				return resp, nil
			}
			uc.logger.Warn("query_cache_decode_failed", "error", err)
		}
		uc.observer.ObserveCache(false)
	}

	// Identical requests that miss the cache together share one retrieval.
	// The shared run is bounded by the query timeout, not by whichever
	// caller started it.
	shared := context.WithoutCancel(ctx)
	ch := uc.inflight.DoChan(key, func() (any, error) {
		return uc.execute(shared, route, key, req, start)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return decodeResponse(res.Val.([]byte))
	case <-ctx.Done():
		return nil, domain.WrapError(domain.ErrTemporary, "search", ctx.Err())
	}
}

// execute runs retrieval through scoring and returns the encoded response.
func (uc *QueryUseCase) execute(ctx context.Context, route domain.Route, key string, req domain.QueryRequest, start time.Time) ([]byte, error) {
	timeout := uc.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, err := uc.retriever.Retrieve(queryCtx, route, req)
	for _, f := range outcome.Failures {
		uc.observer.ObservePathFailure(f.Path, f.Err)
	}
	if err != nil {
		uc.observer.ObserveQuery(route, "failed", 0, time.Since(start))
		return nil, err
	}

	ranked := uc.reranker.Rerank(queryCtx, req.Query, outcome.Candidates)
	degraded := outcome.Degraded() || errors.Is(queryCtx.Err(), context.DeadlineExceeded)

	filtered := FilterCandidates(ranked, FilterFromRequest(req))
	filtered = WeightSuperseded(filtered)
	if len(filtered) > req.ResultCount {
		filtered = filtered[:req.ResultCount]
	}

	warnings := pathWarnings(outcome.Failures)
	current, resolveWarnings := uc.resolveCurrent(queryCtx, filtered)
	warnings = append(warnings, resolveWarnings...)
	if degraded && len(outcome.Failures) == 0 {
		warnings = append(warnings, "query timeout elapsed, partial results returned")
	}

	conflicts := DetectConflicts(filtered)
	provenance := resultProvenance(filtered, outcome.Provenance)
	resp := domain.QueryResponse{
		Route:      route,
		Provenance: provenance,
		Confidence: ScoreConfidence(provenance, filtered, len(conflicts), degraded),
		Results:    toResults(filtered, current),
		Conflicts:  conflicts,
		Degraded:   degraded,
		Warnings:   warnings,
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode query response: %w", err)
	}
	if uc.cache != nil && !degraded {
		uc.cache.Put(key, raw, normalizedSet(req.OrganizationFilter, true))
	}

	status := "ok"
	if degraded {
		status = "degraded"
	}
	uc.observer.ObserveQuery(route, status, resp.Confidence, time.Since(start))
	uc.logger.Debug("guidance_query",
		"route", string(route),
		"candidates", len(outcome.Candidates),
		"results", len(resp.Results),
		"conflicts", len(conflicts),
		"confidence", resp.Confidence,
		"degraded", degraded,
	)
	return raw, nil
}

func (uc *QueryUseCase) validate(req domain.QueryRequest) (domain.QueryRequest, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" && len(req.Hints.DocumentIDs) == 0 && strings.TrimSpace(req.Hints.EntityName) == "" {
		return req, domain.WrapError(domain.ErrInvalidInput, "validate query", errors.New("query is required"))
	}

	invalid := func(format string, args ...any) error {
		return domain.WrapError(domain.ErrInvalidFilterCombination, "validate query", fmt.Errorf(format, args...))
	}
	switch {
	case req.ResultCount < 0:
		return req, invalid("result_count must not be negative, got %d", req.ResultCount)
	case req.ResultCount == 0:
		req.ResultCount = uc.cfg.DefaultResultCount
	case req.ResultCount > uc.cfg.MaxResultCount:
		return req, invalid("result_count %d exceeds maximum %d", req.ResultCount, uc.cfg.MaxResultCount)
	}
	if req.Timeout < 0 {
		return req, invalid("timeout must not be negative")
	}
	if req.EffectiveAfter != nil && req.EffectiveBefore != nil && req.EffectiveAfter.After(*req.EffectiveBefore) {
		return req, invalid("effective_after %s is after effective_before %s",
			req.EffectiveAfter.Format(time.DateOnly), req.EffectiveBefore.Format(time.DateOnly))
	}
	for name, values := range map[string][]string{
		"organization_filter":  req.OrganizationFilter,
		"document_type_filter": req.DocumentTypeFilter,
		"topic_filter":         req.TopicFilter,
	} {
		if slices.ContainsFunc(values, func(v string) bool { return strings.TrimSpace(v) == "" }) {
			return req, invalid("%s contains an empty value", name)
		}
	}
	return req, nil
}

// resolveCurrent finds the authoritative successor of every superseded
// result. Resolution failures are reported as warnings.
func (uc *QueryUseCase) resolveCurrent(ctx context.Context, candidates []domain.Candidate) (map[string]string, []string) {
	current := make(map[string]string)
	var warnings []string
	if uc.tracker == nil {
		return current, warnings
	}
	for _, c := range candidates {
		if !c.IsSuperseded {
			continue
		}
		if _, done := current[c.DocumentID]; done {
			continue
		}
		id, err := uc.tracker.ResolveCurrent(ctx, c.DocumentID)
		if err != nil {
			current[c.DocumentID] = ""
			uc.logger.Warn("resolve_current_failed", "document_id", c.DocumentID, "error", err)
			warnings = append(warnings, fmt.Sprintf("document %s: %v", c.DocumentID, err))
			continue
		}
		current[c.DocumentID] = id
	}
	return current, warnings
}

func pathWarnings(failures []domain.PathFailure) []string {
	out := make([]string, 0, len(failures))
	for _, f := range failures {
		out = append(out, fmt.Sprintf("%s path unavailable: %v", f.Path, f.Err))
	}
	return out
}

func resultProvenance(candidates []domain.Candidate, fallback []string) []string {
	if len(candidates) == 0 {
		out := append([]string{}, fallback...)
		slices.Sort(out)
		return out
	}
	out := make([]string, 0, 2)
	for _, c := range candidates {
		for _, p := range c.Paths {
			if !slices.Contains(out, p) {
				out = append(out, p)
			}
		}
	}
	slices.Sort(out)
	return out
}

func toResults(candidates []domain.Candidate, current map[string]string) []domain.Result {
	out := make([]domain.Result, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, domain.Result{
			ChunkID:           c.ChunkID,
			DocumentID:        c.DocumentID,
			Heading:           c.Heading,
			Text:              c.Text,
			RelevanceScore:    c.RelevanceScore,
			SourceOrg:         c.Organization,
			DocumentType:      c.DocumentType,
			EffectiveDate:     c.EffectiveDate,
			IsSuperseded:      c.IsSuperseded,
			CurrentDocumentID: current[c.DocumentID],
			Provenance:        c.Paths,
		})
	}
	return out
}

func decodeResponse(raw []byte) (*domain.QueryResponse, error) {
	var resp domain.QueryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	return &resp, nil
}

type noopObserver struct{}

func (noopObserver) ObserveQuery(domain.Route, string, float64, time.Duration) {}
func (noopObserver) ObserveCache(bool)                                       {}
func (noopObserver) ObservePathFailure(string, error)                        {}
func (noopObserver) ObserveJudge(string)                                     {}
