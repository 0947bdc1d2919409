package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
)

type cacheKeyInput struct {
	Query             string   `json:"q"`
	Route             string   `json:"route"`
	Identifiers       []string `json:"idents,omitempty"`
	ToolContext       string   `json:"tool,omitempty"`
	EntityName        string   `json:"entity,omitempty"`
	DocumentIDs       []string `json:"ids,omitempty"`
	Organizations     []string `json:"orgs,omitempty"`
	DocumentTypes     []string `json:"types,omitempty"`
	Topics            []string `json:"topics,omitempty"`
	IncludeSuperseded bool     `json:"superseded"`
	EffectiveAfter    string   `json:"after,omitempty"`
	EffectiveBefore   string   `json:"before,omitempty"`
	ResultCount       int      `json:"k"`
}

// NormalizeQuery lowercases and collapses whitespace.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// CacheKey hashes the normalized query, the route it was classified to, the
// identifiers found in it, the active filters and the result count. Filter
// order does not change the key. Identifiers keep their case because
// classification is case-sensitive: "A001" is a fee code, "a001" is not.
func CacheKey(req domain.QueryRequest, route domain.Route, identifiers []string) string {
	in := cacheKeyInput{
		Query:             NormalizeQuery(req.Query),
		Route:             string(route),
		Identifiers:       normalizedSet(identifiers, false),
		ToolContext:       strings.TrimSpace(req.ToolContext),
		EntityName:        NormalizeQuery(req.Hints.EntityName),
		DocumentIDs:       normalizedSet(req.Hints.DocumentIDs, false),
		Organizations:     normalizedSet(req.OrganizationFilter, true),
		DocumentTypes:     normalizedSet(req.DocumentTypeFilter, true),
		Topics:            normalizedSet(req.TopicFilter, true),
		IncludeSuperseded: req.IncludeSuperseded,
		ResultCount:       req.ResultCount,
	}
	if req.EffectiveAfter != nil {
		in.EffectiveAfter = req.EffectiveAfter.UTC().Format(time.RFC3339)
	}
	if req.EffectiveBefore != nil {
		in.EffectiveBefore = req.EffectiveBefore.UTC().Format(time.RFC3339)
	}

	raw, _ := json.Marshal(in)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func normalizedSet(values []string, lower bool) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if lower {
			v = strings.ToLower(v)
		}
		out = append(out, v)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
