package usecase

import (
	"slices"
	"testing"
	"time"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
)

func TestClassifyRoutes(t *testing.T) {
	classifier := NewQueryClassifier(DefaultClassifierRules())

	cases := []struct {
		name  string
		query string
		hints domain.QueryHints
		want  domain.Route
	}{
		{name: "bare din", query: "DIN 02242903", want: domain.RouteStructuredOnly},
		{name: "fee code with label", query: "fee code A123", want: domain.RouteStructuredOnly},
		{name: "free text", query: "What is the first-line treatment for hypertension in adults?", want: domain.RouteSimilarityOnly},
		{name: "coverage question", query: "Is adalimumab covered by ODB?", want: domain.RouteHybrid},
		{name: "identifier with text", query: "coverage criteria for DIN 02242903", want: domain.RouteHybrid},
		{name: "lookup then status", query: "find the drug and then check its coverage", want: domain.RouteHybrid},
		{name: "document id hint only", hints: domain.QueryHints{DocumentIDs: []string{"doc-1"}}, want: domain.RouteStructuredOnly},
		{name: "document id hint with text", query: "dosing limits", hints: domain.QueryHints{DocumentIDs: []string{"doc-1"}}, want: domain.RouteHybrid},
		{name: "entity hint", query: "renal dosing", hints: domain.QueryHints{EntityName: "metformin"}, want: domain.RouteHybrid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifier.Classify(tc.query, "", tc.hints)
			if got != tc.want {
				t.Fatalf("Classify(%q) = %s, want %s", tc.query, got, tc.want)
			}
		})
	}
}

func TestClassifyToolRouteOverride(t *testing.T) {
	rules := DefaultClassifierRules()
	rules.ToolRoutes = map[string]domain.Route{
		"drug_lookup": domain.RouteStructuredOnly,
		"broken":      domain.Route("NOPE"),
	}
	classifier := NewQueryClassifier(rules)

	if got := classifier.Classify("metformin renal dosing", "drug_lookup", domain.QueryHints{}); got != domain.RouteStructuredOnly {
		t.Fatalf("expected tool override, got %s", got)
	}
	if got := classifier.Classify("metformin renal dosing", "broken", domain.QueryHints{}); got != domain.RouteSimilarityOnly {
		t.Fatalf("invalid tool route must be ignored, got %s", got)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	classifier := NewQueryClassifier(DefaultClassifierRules())
	query := "Is DIN 02242903 covered for rheumatoid arthritis?"
	first := classifier.Classify(query, "", domain.QueryHints{})
	for i := 0; i < 50; i++ {
		if got := classifier.Classify(query, "", domain.QueryHints{}); got != first {
			t.Fatalf("run %d: got %s, first %s", i, got, first)
		}
	}
}

func TestExtractIdentifiers(t *testing.T) {
	classifier := NewQueryClassifier(DefaultClassifierRules())
	got := classifier.ExtractIdentifiers("A123 and A123, J45.909 (DIN 02242903).")
	want := []string{"A123", "J45.909", "02242903"}
	if !slices.Equal(got, want) {
		t.Fatalf("ExtractIdentifiers() = %v, want %v", got, want)
	}
}

func TestCacheKeyNormalization(t *testing.T) {
	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	base := domain.QueryRequest{
		Query:              "Is adalimumab covered?",
		OrganizationFilter: []string{"ODB", "cpso"},
		TopicFilter:        []string{"biologics"},
		EffectiveAfter:     &after,
		ResultCount:        5,
	}
	key := func(req domain.QueryRequest) string {
		return CacheKey(req, domain.RouteHybrid, nil)
	}
	same := base
	same.Query = "  is   ADALIMUMAB covered? "
	same.OrganizationFilter = []string{"cpso", "odb", "ODB"}

	if key(base) != key(same) {
		t.Fatalf("expected equal keys for normalized variants")
	}

	moreResults := base
	moreResults.ResultCount = 10
	if key(base) == key(moreResults) {
		t.Fatalf("result count must change the key")
	}

	withSuperseded := base
	withSuperseded.IncludeSuperseded = true
	if key(base) == key(withSuperseded) {
		t.Fatalf("include_superseded must change the key")
	}

	otherTool := base
	otherTool.ToolContext = "drug_lookup"
	if key(base) == key(otherTool) {
		t.Fatalf("tool context must change the key")
	}

	if key(base) == CacheKey(base, domain.RouteSimilarityOnly, nil) {
		t.Fatalf("route must change the key")
	}
}

func TestCacheKeySeparatesIdentifierCase(t *testing.T) {
	classifier := NewQueryClassifier(DefaultClassifierRules())
	key := func(query string) (string, domain.Route) {
		req := domain.QueryRequest{Query: query, ResultCount: 5}
		route := classifier.Classify(query, "", domain.QueryHints{})
		return CacheKey(req, route, classifier.ExtractIdentifiers(query)), route
	}

	upper, upperRoute := key("A001")
	lower, lowerRoute := key("a001")
	if upperRoute != domain.RouteStructuredOnly || lowerRoute != domain.RouteSimilarityOnly {
		t.Fatalf("unexpected routes %s / %s", upperRoute, lowerRoute)
	}
	if upper == lower {
		t.Fatalf("a fee code and free text must not share a cache entry")
	}
}

func TestClassifyReplaceRules(t *testing.T) {
	classifier := NewQueryClassifier(DefaultClassifierRules())
	if got := classifier.Classify("anything", "formulary_lookup", domain.QueryHints{}); got != domain.RouteSimilarityOnly {
		t.Fatalf("expected similarity route before replace, got %s", got)
	}

	rules := DefaultClassifierRules()
	rules.ToolRoutes = map[string]domain.Route{"formulary_lookup": domain.RouteStructuredOnly}
	classifier.Replace(rules)

	if got := classifier.Classify("anything", "formulary_lookup", domain.QueryHints{}); got != domain.RouteStructuredOnly {
		t.Fatalf("expected pinned route after replace, got %s", got)
	}
	if got := classifier.ExtractIdentifiers("DIN 02242903"); !slices.Equal(got, []string{"02242903"}) {
		t.Fatalf("identifiers must survive replace, got %v", got)
	}
}
