package patterns

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
	"github.com/kirillkom/guidance-retrieval/internal/core/usecase"
)

const sampleFile = `
identifiers:
  - name: ohip_schedule
    pattern: 'OHIP-[A-Z]\d{3}'
labels: [schedule, Ohip]
entity_lookup:
  - '(?i)\bwho\s+covers\b'
tool_routes:
  formulary_lookup: structured_only
`

func TestParseMergesOverDefaults(t *testing.T) {
	rules, err := Parse([]byte(sampleFile))
	require.NoError(t, err)

	defaults := usecase.DefaultClassifierRules()
	assert.Len(t, rules.Identifiers, len(defaults.Identifiers)+1)
	assert.Contains(t, rules.Labels, "din")
	assert.Contains(t, rules.Labels, "ohip")
	assert.Equal(t, domain.RouteStructuredOnly, rules.ToolRoutes["formulary_lookup"])

	classifier := usecase.NewQueryClassifier(rules)
	assert.Equal(t, domain.RouteStructuredOnly, classifier.Classify("schedule OHIP-A123", "", domain.QueryHints{}))
	assert.Equal(t, domain.RouteHybrid, classifier.Classify("who covers insulin pumps", "", domain.QueryHints{}))
	assert.Equal(t, domain.RouteStructuredOnly, classifier.Classify("anything at all", "formulary_lookup", domain.QueryHints{}))
}

func TestIdentifierPatternsMatchWholeToken(t *testing.T) {
	rules, err := Parse([]byte("replace_defaults: true\nidentifiers:\n  - pattern: '^X\\d+'\n"))
	require.NoError(t, err)
	require.Len(t, rules.Identifiers, 1)

	re := rules.Identifiers[0].Regexp
	assert.Equal(t, "pattern_1", rules.Identifiers[0].Name)
	assert.True(t, re.MatchString("X12"))
	assert.False(t, re.MatchString("X12a"))
	assert.False(t, re.MatchString("aX12"))
	assert.Empty(t, rules.Labels)
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"unknown route":   "tool_routes:\n  x: SOMETIMES\n",
		"bad regexp":      "identifiers:\n  - name: broken\n    pattern: '(['\n",
		"empty pattern":   "identifiers:\n  - name: blank\n    pattern: ''\n",
		"bad entity expr": "entity_lookup: ['(']\n",
		"unknown field":   "identifers: []\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleFile), 0o600))

	rules, err := Load(path)
	require.NoError(t, err)
	assert.Contains(t, rules.ToolRoutes, "formulary_lookup")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadWithoutPathUsesDefaults(t *testing.T) {
	rules, err := Load("")
	require.NoError(t, err)
	assert.Len(t, rules.Identifiers, len(usecase.DefaultClassifierRules().Identifiers))
}
