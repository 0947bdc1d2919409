package usecase

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
	"github.com/kirillkom/guidance-retrieval/internal/core/ports"
)

const (
	MaxRelevanceScore = 10.0
	// structuredRawScore stands in for a similarity value on candidates that
	// only the exact-predicate path returned.
	structuredRawScore = 1.0
)

type RerankerConfig struct {
	Concurrency int
	// SkipThreshold is the raw similarity at or above which a candidate is
	// kept without asking the judge. Zero disables skipping.
	SkipThreshold float64
}

// Reranker annotates candidates with a 0-10 relevance score and reorders
// them. It never drops a candidate.
type Reranker struct {
	judge    ports.RelevanceJudge
	pool     *ants.Pool
	cfg      RerankerConfig
	observer ports.RetrievalObserver
	logger   *slog.Logger
}

func NewReranker(judge ports.RelevanceJudge, cfg RerankerConfig, observer ports.RetrievalObserver, logger *slog.Logger) (*Reranker, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = noopObserver{}
	}
	pool, err := ants.NewPool(cfg.Concurrency)
	if err != nil {
		return nil, err
	}
	return &Reranker{
		judge:    judge,
		pool:     pool,
		cfg:      cfg,
		observer: observer,
		logger:   logger,
	}, nil
}

// Release stops the judging pool. The reranker must not be used afterwards.
func (r *Reranker) Release() {
	if r.pool != nil {
		r.pool.Release()
	}
}

func (r *Reranker) Rerank(ctx context.Context, query string, candidates []domain.Candidate) []domain.Candidate {
	if len(candidates) == 0 {
		return candidates
	}
	out := make([]domain.Candidate, len(candidates))
	copy(out, candidates)

	var wg sync.WaitGroup
	for i := range out {
		if r.shouldSkip(out[i]) {
			out[i].RelevanceScore = rawScore(out[i]) * MaxRelevanceScore
			r.observer.ObserveJudge("skipped")
			continue
		}
		if r.judge == nil {
			out[i].RelevanceScore = rawScore(out[i]) * MaxRelevanceScore
			continue
		}

		c := &out[i]
		wg.Add(1)
		task := func() {
			defer wg.Done()
			r.score(ctx, query, c)
		}
		if err := r.pool.Submit(task); err != nil {
			r.logger.Warn("rerank_submit_failed", "chunk_id", c.ChunkID, "error", err)
			task()
		}
	}
	wg.Wait()

	SortByRelevance(out)
	return out
}

func (r *Reranker) score(ctx context.Context, query string, c *domain.Candidate) {
	score, err := r.judge.JudgeRelevance(ctx, query, c.Text)
	if err != nil {
		c.RelevanceScore = rawScore(*c) * MaxRelevanceScore
		r.observer.ObserveJudge("fallback")
		r.logger.Warn("rerank_judge_failed", "chunk_id", c.ChunkID, "error", err)
		return
	}
	c.RelevanceScore = clampScore(score)
	c.Judged = true
	r.observer.ObserveJudge("judged")
}

func (r *Reranker) shouldSkip(c domain.Candidate) bool {
	return r.cfg.SkipThreshold > 0 &&
		c.HasPath(domain.PathSimilarity) &&
		c.Similarity >= r.cfg.SkipThreshold
}

func rawScore(c domain.Candidate) float64 {
	if c.HasPath(domain.PathSimilarity) {
		return c.Similarity
	}
	return structuredRawScore
}

func clampScore(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > MaxRelevanceScore:
		return MaxRelevanceScore
	default:
		return score
	}
}

// SortByRelevance orders by score, then structured provenance, then newer
// effective date, then parent chunks before children.
func SortByRelevance(candidates []domain.Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.RelevanceScore != b.RelevanceScore {
			return a.RelevanceScore > b.RelevanceScore
		}
		aSQL, bSQL := a.HasPath(domain.PathStructured), b.HasPath(domain.PathStructured)
		if aSQL != bSQL {
			return aSQL
		}
		if !a.EffectiveDate.Equal(b.EffectiveDate) {
			return a.EffectiveDate.After(b.EffectiveDate)
		}
		aParent, bParent := a.ChunkKind == domain.ChunkParent, b.ChunkKind == domain.ChunkParent
		if aParent != bParent {
			return aParent
		}
		return a.ChunkID < b.ChunkID
	})
}
