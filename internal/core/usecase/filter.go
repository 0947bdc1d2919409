package usecase

import (
	"strings"
	"time"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
)

// MetadataFilter holds caller constraints applied after reranking.
type MetadataFilter struct {
	Organizations     []string
	DocumentTypes     []string
	Topics            []string
	IncludeSuperseded bool
	EffectiveAfter    *time.Time
	EffectiveBefore   *time.Time
}

func FilterFromRequest(req domain.QueryRequest) MetadataFilter {
	return MetadataFilter{
		Organizations:     req.OrganizationFilter,
		DocumentTypes:     req.DocumentTypeFilter,
		Topics:            req.TopicFilter,
		IncludeSuperseded: req.IncludeSuperseded,
		EffectiveAfter:    req.EffectiveAfter,
		EffectiveBefore:   req.EffectiveBefore,
	}
}

// FilterCandidates keeps the candidates that pass every constraint, in their
// original order.
func FilterCandidates(candidates []domain.Candidate, f MetadataFilter) []domain.Candidate {
	out := make([]domain.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if f.Allows(c) {
			out = append(out, c)
		}
	}
	return out
}

func (f MetadataFilter) Allows(c domain.Candidate) bool {
	if len(f.Organizations) > 0 && !containsFold(f.Organizations, c.Organization) {
		return false
	}
	if len(f.DocumentTypes) > 0 && !containsFold(f.DocumentTypes, c.DocumentType) {
		return false
	}
	if len(f.Topics) > 0 && !anyMatchFold(f.Topics, c.Topics) {
		return false
	}
	if !f.IncludeSuperseded && c.IsSuperseded {
		return false
	}
	if f.EffectiveAfter != nil && c.EffectiveDate.Before(*f.EffectiveAfter) {
		return false
	}
	if f.EffectiveBefore != nil && c.EffectiveDate.After(*f.EffectiveBefore) {
		return false
	}
	return true
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), target) {
			return true
		}
	}
	return false
}

func anyMatchFold(wanted, have []string) bool {
	for _, h := range have {
		if containsFold(wanted, h) {
			return true
		}
	}
	return false
}
