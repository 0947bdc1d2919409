package patterns

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
	"github.com/kirillkom/guidance-retrieval/internal/core/usecase"
)

// File is the on-disk shape of a classifier pattern file.
type File struct {
	// ReplaceDefaults drops the built-in identifier patterns and labels.
	ReplaceDefaults bool                `yaml:"replace_defaults"`
	Identifiers     []IdentifierPattern `yaml:"identifiers"`
	Labels          []string            `yaml:"labels"`
	EntityLookup    []string            `yaml:"entity_lookup"`
	ToolRoutes      map[string]string   `yaml:"tool_routes"`
}

type IdentifierPattern struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// Load returns the built-in rules when path is empty.
func Load(path string) (usecase.ClassifierRules, error) {
	if strings.TrimSpace(path) == "" {
		return usecase.DefaultClassifierRules(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return usecase.ClassifierRules{}, fmt.Errorf("read classifier patterns: %w", err)
	}
	rules, err := Parse(raw)
	if err != nil {
		return usecase.ClassifierRules{}, fmt.Errorf("classifier patterns %s: %w", path, err)
	}
	return rules, nil
}

func Parse(raw []byte) (usecase.ClassifierRules, error) {
	var file File
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return usecase.ClassifierRules{}, fmt.Errorf("decode yaml: %w", err)
	}
	return file.Rules()
}

// Rules merges the file over the built-in defaults.
func (f File) Rules() (usecase.ClassifierRules, error) {
	rules := usecase.DefaultClassifierRules()
	if f.ReplaceDefaults {
		rules.Identifiers = nil
		rules.Labels = map[string]struct{}{}
	}

	for i, p := range f.Identifiers {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			name = fmt.Sprintf("pattern_%d", i+1)
		}
		re, err := compileAnchored(p.Pattern)
		if err != nil {
			return usecase.ClassifierRules{}, fmt.Errorf("identifier %s: %w", name, err)
		}
		rules.Identifiers = append(rules.Identifiers, usecase.IdentifierPattern{Name: name, Regexp: re})
	}
	for _, label := range f.Labels {
		if label = strings.ToLower(strings.TrimSpace(label)); label != "" {
			rules.Labels[label] = struct{}{}
		}
	}
	for _, expr := range f.EntityLookup {
		re, err := regexp.Compile(expr)
		if err != nil {
			return usecase.ClassifierRules{}, fmt.Errorf("entity lookup %q: %w", expr, err)
		}
		rules.EntityLookup = append(rules.EntityLookup, re)
	}
	for tool, value := range f.ToolRoutes {
		route := domain.Route(strings.ToUpper(strings.TrimSpace(value)))
		if !route.Valid() {
			return usecase.ClassifierRules{}, fmt.Errorf("tool %s: unknown route %q", tool, value)
		}
		rules.ToolRoutes[strings.TrimSpace(tool)] = route
	}
	return rules, nil
}

// compileAnchored forces whole-token matching.
func compileAnchored(pattern string) (*regexp.Regexp, error) {
	pattern = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(pattern), "^"), "$")
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	return regexp.Compile("^(?:" + pattern + ")$")
}
