package chunking

import (
	"fmt"
	"strings"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
)

// Sizes are counted in whitespace-separated words, a close enough proxy for
// model tokens on English guidance text.
const (
	DefaultParentSize   = 2500
	DefaultChildSize    = 500
	DefaultChildOverlap = 100
)

// Splitter cuts text into windows of Size words, each sharing Overlap words
// with the previous one.
type Splitter struct {
	Size    int
	Overlap int
}

func NewSplitter(size, overlap int) *Splitter {
	if size <= 0 {
		size = DefaultChildSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 4
	}
	return &Splitter{
		Size:    size,
		Overlap: overlap,
	}
}

func (s *Splitter) Split(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	step := s.Size - s.Overlap
	if step <= 0 {
		step = s.Size
	}

	out := make([]string, 0, len(words)/step+1)
	for start := 0; start < len(words); start += step {
		end := min(start+s.Size, len(words))
		out = append(out, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return out
}

// Hierarchical turns sections into parent chunks for context and overlapping
// child chunks for matching. Chunk ids are derived from the document id and
// position, so re-chunking the same text yields the same ids.
type Hierarchical struct {
	parents  *Splitter
	children *Splitter
}

func NewHierarchical(parentSize, childSize, childOverlap int) *Hierarchical {
	if parentSize <= 0 {
		parentSize = DefaultParentSize
	}
	if childSize <= 0 {
		childSize = DefaultChildSize
	}
	if childSize > parentSize {
		childSize = parentSize
	}
	return &Hierarchical{
		parents:  NewSplitter(parentSize, 0),
		children: NewSplitter(childSize, childOverlap),
	}
}

func (h *Hierarchical) Chunk(documentID string, sections []domain.Section) []domain.Chunk {
	var out []domain.Chunk
	ordinal := 0
	parentN := 0
	for _, section := range sections {
		heading := strings.TrimSpace(section.Heading)
		for _, parentText := range h.parents.Split(section.Text) {
			parentN++
			parentID := fmt.Sprintf("%s:p%d", documentID, parentN)
			out = append(out, domain.Chunk{
				ID:         parentID,
				DocumentID: documentID,
				Kind:       domain.ChunkParent,
				Heading:    heading,
				Body:       parentText,
				Ordinal:    ordinal,
			})
			ordinal++

			for childN, childText := range h.children.Split(parentText) {
				ref := parentID
				out = append(out, domain.Chunk{
					ID:         fmt.Sprintf("%s:c%d", parentID, childN+1),
					DocumentID: documentID,
					Kind:       domain.ChunkChild,
					ParentID:   &ref,
					Heading:    heading,
					Body:       childText,
					Ordinal:    ordinal,
				})
				ordinal++
			}
		}
	}
	return out
}
