package domain

import (
	"slices"
	"time"
)

// Route is the retrieval plan chosen by the query classifier.
type Route string

const (
	RouteStructuredOnly Route = "STRUCTURED_ONLY"
	RouteSimilarityOnly Route = "SIMILARITY_ONLY"
	RouteHybrid         Route = "HYBRID"
)

func (r Route) Valid() bool {
	switch r {
	case RouteStructuredOnly, RouteSimilarityOnly, RouteHybrid:
		return true
	default:
		return false
	}
}

// Provenance tags of the two retrieval paths.
const (
	PathStructured = "sql"
	PathSimilarity = "vector"
)

// QueryHints carry structured context supplied by the calling tool.
type QueryHints struct {
	DocumentIDs []string `json:"document_ids,omitempty"`
	EntityName  string   `json:"entity_name,omitempty"`
}

type QueryRequest struct {
	Query              string        `json:"query"`
	ToolContext        string        `json:"tool_context,omitempty"`
	Hints              QueryHints    `json:"hints,omitempty"`
	OrganizationFilter []string      `json:"organization_filter,omitempty"`
	DocumentTypeFilter []string      `json:"document_type_filter,omitempty"`
	TopicFilter        []string      `json:"topic_filter,omitempty"`
	IncludeSuperseded  bool          `json:"include_superseded"`
	EffectiveAfter     *time.Time    `json:"effective_after,omitempty"`
	EffectiveBefore    *time.Time    `json:"effective_before,omitempty"`
	ResultCount        int           `json:"result_count"`
	Timeout            time.Duration `json:"-"`
}

// StructuredQuery is the predicate set sent to the document store.
type StructuredQuery struct {
	Identifiers       []string
	EntityName        string
	Organizations     []string
	DocumentTypes     []string
	EffectiveAfter    *time.Time
	EffectiveBefore   *time.Time
	IncludeSuperseded bool
	Limit             int
}

// SimilarityQuery is sent to the embedding index.
type SimilarityQuery struct {
	Vector        []float32
	Organizations []string
	Limit         int
}

// FieldView is the metadata one retrieval path reported for a chunk, keyed
// by field name. The two paths may disagree.
type FieldView map[string]string

// Candidate is a chunk on its way through reranking and filtering.
type Candidate struct {
	ChunkID       string
	DocumentID    string
	Heading       string
	Text          string
	ChunkKind     ChunkKind
	Ordinal       int
	Organization  string
	DocumentType  string
	Topics        []string
	EffectiveDate time.Time
	IsSuperseded  bool
	SupersededBy  string

	Paths          []string
	Similarity     float64
	RelevanceScore float64
	Judged         bool

	StructuredView FieldView
	SimilarityView FieldView
}

func (c Candidate) HasPath(path string) bool {
	return slices.Contains(c.Paths, path)
}

// AddPath records provenance, keeping the tag list sorted and unique.
func (c *Candidate) AddPath(path string) {
	if c.HasPath(path) {
		return
	}
	c.Paths = append(c.Paths, path)
	slices.Sort(c.Paths)
}

type Conflict struct {
	ChunkID         string `json:"chunk_id"`
	DocumentID      string `json:"document_id"`
	Field           string `json:"field"`
	StructuredValue string `json:"value_from_structured_path"`
	SimilarityValue string `json:"value_from_similarity_path"`
}

type Result struct {
	ChunkID           string    `json:"chunk_id"`
	DocumentID        string    `json:"document_id"`
	Heading           string    `json:"heading,omitempty"`
	Text              string    `json:"text"`
	RelevanceScore    float64   `json:"relevance_score"`
	SourceOrg         string    `json:"source_org"`
	DocumentType      string    `json:"document_type,omitempty"`
	EffectiveDate     time.Time `json:"effective_date"`
	IsSuperseded      bool      `json:"is_superseded"`
	CurrentDocumentID string    `json:"current_document_id,omitempty"`
	Provenance        []string  `json:"provenance"`
}

type QueryResponse struct {
	Route      Route      `json:"route"`
	Provenance []string   `json:"provenance"`
	Confidence float64    `json:"confidence"`
	Results    []Result   `json:"results"`
	Conflicts  []Conflict `json:"conflicts"`
	Degraded   bool       `json:"degraded,omitempty"`
	Warnings   []string   `json:"warnings,omitempty"`
}

// PathFailure records why one retrieval path contributed nothing.
type PathFailure struct {
	Path string
	Err  error
}

// RetrievalOutcome is the deduplicated candidate set from the retriever.
type RetrievalOutcome struct {
	Route      Route
	Candidates []Candidate
	Provenance []string
	Failures   []PathFailure
}

// Degraded reports whether a planned path failed to contribute.
func (o RetrievalOutcome) Degraded() bool {
	return len(o.Failures) > 0
}
