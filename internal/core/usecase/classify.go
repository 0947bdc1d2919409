package usecase

import (
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
)

type IdentifierPattern struct {
	Name   string
	Regexp *regexp.Regexp
}

// ClassifierRules drive routing. Identifier patterns must match a whole
// token; label tokens ("din", "code") name an identifier without being free
// text themselves.
type ClassifierRules struct {
	Identifiers  []IdentifierPattern
	Labels       map[string]struct{}
	EntityLookup []*regexp.Regexp
	ToolRoutes   map[string]domain.Route
}

func DefaultClassifierRules() ClassifierRules {
	return ClassifierRules{
		Identifiers: []IdentifierPattern{
			{Name: "document_id", Regexp: regexp.MustCompile(`^[0-9a-f]{64}$`)},
			{Name: "din", Regexp: regexp.MustCompile(`^\d{8}$`)},
			{Name: "fee_code", Regexp: regexp.MustCompile(`^[A-Z]\d{3}[A-Z]?$`)},
			{Name: "icd10", Regexp: regexp.MustCompile(`^[A-TV-Z]\d{2}(\.\d{1,4})?$`)},
			{Name: "policy_ref", Regexp: regexp.MustCompile(`^[A-Z]{2,8}-\d{2,6}(-\d{1,4})?$`)},
		},
		Labels: toSet([]string{"din", "code", "id", "icd", "icd-10", "fee", "policy", "document", "doc", "#"}),
		EntityLookup: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(find|look\s*up|locate)\b.+\b(then|and)\b.+\b(coverage|record|status|listing|benefit)\b`),
			regexp.MustCompile(`(?i)\bis\b.+\b(covered|listed|funded|benefit)\b`),
		},
		ToolRoutes: map[string]domain.Route{},
	}
}

// QueryClassifier is a pure function of its input and current rules;
// identical input always produces the same route so cache keys stay stable.
// Rules may be swapped at runtime, callers purge cached responses when they do.
type QueryClassifier struct {
	current atomic.Pointer[ClassifierRules]
}

func NewQueryClassifier(rules ClassifierRules) *QueryClassifier {
	c := &QueryClassifier{}
	c.Replace(rules)
	return c
}

// Replace installs a new rule set for subsequent classifications.
func (c *QueryClassifier) Replace(rules ClassifierRules) {
	if len(rules.Identifiers) == 0 {
		rules.Identifiers = DefaultClassifierRules().Identifiers
	}
	if rules.Labels == nil {
		rules.Labels = map[string]struct{}{}
	}
	if rules.ToolRoutes == nil {
		rules.ToolRoutes = map[string]domain.Route{}
	}
	c.current.Store(&rules)
}

func (c *QueryClassifier) Classify(query, toolContext string, hints domain.QueryHints) domain.Route {
	rules := c.current.Load()
	if route, ok := rules.ToolRoutes[strings.TrimSpace(toolContext)]; ok && route.Valid() {
		return route
	}

	identifiers, freeText := rules.splitTokens(query)
	switch {
	case strings.TrimSpace(hints.EntityName) != "":
		return domain.RouteHybrid
	case len(identifiers) > 0 && freeText == 0:
		return domain.RouteStructuredOnly
	case len(identifiers) == 0 && freeText == 0 && len(hints.DocumentIDs) > 0:
		return domain.RouteStructuredOnly
	case len(identifiers) > 0 || len(hints.DocumentIDs) > 0:
		return domain.RouteHybrid
	}

	for _, re := range rules.EntityLookup {
		if re.MatchString(query) {
			return domain.RouteHybrid
		}
	}
	return domain.RouteSimilarityOnly
}

// ExtractIdentifiers returns identifier tokens in first-seen order.
func (c *QueryClassifier) ExtractIdentifiers(query string) []string {
	identifiers, _ := c.current.Load().splitTokens(query)
	return identifiers
}

func (r *ClassifierRules) splitTokens(query string) ([]string, int) {
	var identifiers []string
	seen := make(map[string]struct{})
	freeText := 0

	for _, raw := range strings.Fields(query) {
		token := cleanToken(raw)
		if token == "" {
			continue
		}
		if r.isIdentifier(token) {
			if _, dup := seen[token]; !dup {
				seen[token] = struct{}{}
				identifiers = append(identifiers, token)
			}
			continue
		}
		if _, label := r.Labels[strings.ToLower(token)]; label {
			continue
		}
		freeText++
	}
	return identifiers, freeText
}

func (r *ClassifierRules) isIdentifier(token string) bool {
	for _, p := range r.Identifiers {
		if p.Regexp != nil && p.Regexp.MatchString(token) {
			return true
		}
	}
	return false
}

const tokenPunctuation = ",;:!?()[]{}\"'`"

func cleanToken(raw string) string {
	token := strings.TrimLeft(raw, tokenPunctuation)
	return strings.TrimRight(token, tokenPunctuation+".")
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
