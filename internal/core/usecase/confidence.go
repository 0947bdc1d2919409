package usecase

import (
	"math"
	"sort"
	"strings"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
)

const (
	confidenceStructuredBase = 0.9
	confidenceSimilarityBase = 0.6
	corroborationStep        = 0.03
	corroborationCap         = 0.15
	conflictPenalty          = 0.1
	degradedCeiling          = 0.75

	// SupersededWeight scales the relevance of superseded results the caller
	// asked to keep.
	SupersededWeight = 0.3
)

// DetectConflicts lists every field on which the structured and similarity
// paths disagree for the same chunk. Values are reported, never resolved.
func DetectConflicts(candidates []domain.Candidate) []domain.Conflict {
	conflicts := make([]domain.Conflict, 0)
	for _, c := range candidates {
		if c.StructuredView == nil || c.SimilarityView == nil {
			continue
		}
		fields := make([]string, 0, len(c.StructuredView))
		for field := range c.StructuredView {
			if _, ok := c.SimilarityView[field]; ok {
				fields = append(fields, field)
			}
		}
		sort.Strings(fields)

		for _, field := range fields {
			sv := strings.TrimSpace(c.StructuredView[field])
			vv := strings.TrimSpace(c.SimilarityView[field])
			if strings.EqualFold(sv, vv) {
				continue
			}
			conflicts = append(conflicts, domain.Conflict{
				ChunkID:         c.ChunkID,
				DocumentID:      c.DocumentID,
				Field:           field,
				StructuredValue: sv,
				SimilarityValue: vv,
			})
		}
	}
	return conflicts
}

// ScoreConfidence summarizes a result set. Corroborating passages are the
// distinct documents beyond the first one.
func ScoreConfidence(provenance []string, results []domain.Candidate, conflicts int, degraded bool) float64 {
	if len(results) == 0 {
		return 0
	}
	var score float64
	switch {
	case containsPath(provenance, domain.PathStructured):
		score = confidenceStructuredBase
	case containsPath(provenance, domain.PathSimilarity):
		score = confidenceSimilarityBase
	default:
		return 0
	}

	docs := make(map[string]struct{}, len(results))
	for _, r := range results {
		docs[r.DocumentID] = struct{}{}
	}
	if extra := len(docs) - 1; extra > 0 {
		score += math.Min(float64(extra)*corroborationStep, corroborationCap)
	}
	if conflicts > 0 {
		score -= conflictPenalty
	}
	score = math.Max(0, math.Min(1, score))
	if degraded {
		score = math.Min(score, degradedCeiling)
	}
	return math.Round(score*1e4) / 1e4
}

// WeightSuperseded lowers the relevance of superseded candidates and
// re-sorts the list by the adjusted score.
func WeightSuperseded(candidates []domain.Candidate) []domain.Candidate {
	changed := false
	for i := range candidates {
		if candidates[i].IsSuperseded {
			candidates[i].RelevanceScore *= SupersededWeight
			changed = true
		}
	}
	if changed {
		SortByRelevance(candidates)
	}
	return candidates
}

func containsPath(paths []string, path string) bool {
	for _, p := range paths {
		if p == path {
			return true
		}
	}
	return false
}
