package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PolicyLevel string

const (
	PolicyMandatory PolicyLevel = "mandatory"
	PolicyAdvisory  PolicyLevel = "advisory"
)

type ChunkKind string

const (
	ChunkParent ChunkKind = "parent"
	ChunkChild  ChunkKind = "child"
)

// Document is a single regulatory or clinical source. Documents are never
// deleted; only the supersession fields change after ingestion.
type Document struct {
	ID            string            `json:"id"`
	SourceURL     string            `json:"source_url"`
	Organization  string            `json:"organization"`
	DocumentType  string            `json:"document_type"`
	EffectiveDate time.Time         `json:"effective_date"`
	LastUpdated   time.Time         `json:"last_updated"`
	PublishedDate time.Time         `json:"published_date"`
	Topics        []string          `json:"topics"`
	PolicyLevel   PolicyLevel       `json:"policy_level,omitempty"`
	ContentHash   string            `json:"content_hash"`
	IsSuperseded  bool              `json:"is_superseded"`
	SupersededBy  *string           `json:"superseded_by,omitempty"`
	SupersededAt  *time.Time        `json:"superseded_at,omitempty"`
	Extensions    map[string]string `json:"extensions,omitempty"`
}

// Chunk is an immutable span of a document. Child chunks always point at a
// parent chunk of the same document; parent chunks never have a parent.
type Chunk struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	Kind         ChunkKind `json:"kind"`
	ParentID     *string   `json:"parent_id,omitempty"`
	Heading      string    `json:"heading"`
	Body         string    `json:"body"`
	Ordinal      int       `json:"ordinal"`
	EmbeddingRef string    `json:"embedding_ref,omitempty"`
}

// DocumentIDFromURL derives the stable document id from its canonical source
// location.
func DocumentIDFromURL(sourceURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(sourceURL)))
	return hex.EncodeToString(sum[:])
}

func (d *Document) Validate() error {
	if d == nil {
		return WrapError(ErrInvalidInput, "validate document", errors.New("document is nil"))
	}
	if strings.TrimSpace(d.ID) == "" {
		return WrapError(ErrInvalidInput, "validate document", errors.New("id is required"))
	}
	if strings.TrimSpace(d.Organization) == "" {
		return WrapError(ErrInvalidInput, "validate document", fmt.Errorf("document %s: organization is required", d.ID))
	}
	if d.EffectiveDate.IsZero() {
		return WrapError(ErrInvalidInput, "validate document", fmt.Errorf("document %s: effective date is required", d.ID))
	}
	switch d.PolicyLevel {
	case "", PolicyMandatory, PolicyAdvisory:
	default:
		return WrapError(ErrInvalidInput, "validate document", fmt.Errorf("document %s: unknown policy level %q", d.ID, d.PolicyLevel))
	}
	if d.SupersededBy != nil && *d.SupersededBy == d.ID {
		return WrapError(ErrInvalidInput, "validate document", fmt.Errorf("document %s supersedes itself", d.ID))
	}
	if d.IsSuperseded && d.SupersededBy == nil {
		return WrapError(ErrInvalidInput, "validate document", fmt.Errorf("document %s: superseded without successor", d.ID))
	}
	return nil
}

// ValidateChunks checks a batch of chunks written for one document.
func ValidateChunks(documentID string, chunks []Chunk) error {
	parents := make(map[string]struct{}, len(chunks))
	seen := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		if c.ID == "" {
			return WrapError(ErrInvalidInput, "validate chunks", errors.New("chunk id is required"))
		}
		if _, dup := seen[c.ID]; dup {
			return WrapError(ErrInvalidInput, "validate chunks", fmt.Errorf("duplicate chunk id %s", c.ID))
		}
		seen[c.ID] = struct{}{}
		if c.DocumentID != documentID {
			return WrapError(ErrInvalidInput, "validate chunks", fmt.Errorf("chunk %s belongs to %s, not %s", c.ID, c.DocumentID, documentID))
		}
		if strings.TrimSpace(c.Body) == "" {
			return WrapError(ErrInvalidInput, "validate chunks", fmt.Errorf("chunk %s has empty body", c.ID))
		}
		if c.Kind == ChunkParent {
			parents[c.ID] = struct{}{}
		}
	}

	for _, c := range chunks {
		switch c.Kind {
		case ChunkParent:
			if c.ParentID != nil {
				return WrapError(ErrInvalidInput, "validate chunks", fmt.Errorf("parent chunk %s has a parent", c.ID))
			}
		case ChunkChild:
			if c.ParentID == nil {
				return WrapError(ErrInvalidInput, "validate chunks", fmt.Errorf("child chunk %s has no parent", c.ID))
			}
			if _, ok := parents[*c.ParentID]; !ok {
				return WrapError(ErrInvalidInput, "validate chunks", fmt.Errorf("child chunk %s references unknown parent %s", c.ID, *c.ParentID))
			}
		default:
			return WrapError(ErrInvalidInput, "validate chunks", fmt.Errorf("chunk %s has unknown kind %q", c.ID, c.Kind))
		}
	}
	return nil
}

// Section is an unchunked heading and text block of a source document.
type Section struct {
	Heading string `json:"heading"`
	Text    string `json:"text"`
}

// IngestPayload is what the crawler hands over for one source document.
// Crawlers send either ready-made Chunks or Sections to be chunked here.
// Supersedes optionally names the document this one replaces.
type IngestPayload struct {
	Document   Document  `json:"document"`
	Chunks     []Chunk   `json:"chunks"`
	Sections   []Section `json:"sections,omitempty"`
	Supersedes string    `json:"supersedes,omitempty"`
}
