package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
	"github.com/kirillkom/guidance-retrieval/internal/core/ports"
)

const DefaultSupersessionDepth = 10

// SupersessionTracker follows and records superseded-by links.
type SupersessionTracker struct {
	store    ports.CorpusStore
	index    ports.EmbeddingIndex
	events   ports.CorpusEvents
	maxDepth int
	logger   *slog.Logger
}

func NewSupersessionTracker(store ports.CorpusStore, maxDepth int, logger *slog.Logger) *SupersessionTracker {
	if maxDepth <= 0 {
		maxDepth = DefaultSupersessionDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SupersessionTracker{store: store, maxDepth: maxDepth, logger: logger}
}

// WithIndex keeps the supersession fields of indexed chunks in step with
// the store.
func (t *SupersessionTracker) WithIndex(index ports.EmbeddingIndex) *SupersessionTracker {
	t.index = index
	return t
}

// WithEvents announces supersession as a corpus update of the replaced
// document's organization.
func (t *SupersessionTracker) WithEvents(events ports.CorpusEvents) *SupersessionTracker {
	t.events = events
	return t
}

// ResolveCurrent returns the id of the document at the end of the chain.
func (t *SupersessionTracker) ResolveCurrent(ctx context.Context, documentID string) (string, error) {
	chain, err := t.Chain(ctx, documentID)
	if err != nil {
		return "", err
	}
	return chain[len(chain)-1], nil
}

// Chain returns the ids from documentID to the current document, inclusive.
func (t *SupersessionTracker) Chain(ctx context.Context, documentID string) ([]string, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "resolve current", errors.New("document id is required"))
	}

	chain := []string{documentID}
	visited := map[string]struct{}{documentID: {}}
	current := documentID

	for depth := 0; ; depth++ {
		doc, err := t.store.GetDocument(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("resolve current %s: %w", documentID, err)
		}
		if doc.SupersededBy == nil || *doc.SupersededBy == "" {
			return chain, nil
		}
		if depth+1 > t.maxDepth {
			t.logger.Error("supersession_depth_exceeded", "document_id", documentID, "max_depth", t.maxDepth)
			return nil, domain.WrapError(domain.ErrSupersessionCycle, "resolve current",
				fmt.Errorf("chain from %s exceeds depth %d", documentID, t.maxDepth))
		}

		next := *doc.SupersededBy
		if _, seen := visited[next]; seen {
			t.logger.Error("supersession_cycle", "document_id", documentID, "repeated", next)
			return nil, domain.WrapError(domain.ErrSupersessionCycle, "resolve current",
				fmt.Errorf("%s -> %s", strings.Join(chain, " -> "), next))
		}
		visited[next] = struct{}{}
		chain = append(chain, next)
		current = next
	}
}

// MarkSuperseded records that newID replaces oldID.
func (t *SupersessionTracker) MarkSuperseded(ctx context.Context, oldID, newID string, at time.Time) error {
	oldID, newID = strings.TrimSpace(oldID), strings.TrimSpace(newID)
	if oldID == "" || newID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "mark superseded", errors.New("both document ids are required"))
	}
	if oldID == newID {
		return domain.WrapError(domain.ErrInvalidInput, "mark superseded", fmt.Errorf("document %s cannot supersede itself", oldID))
	}

	oldDoc, err := t.store.GetDocument(ctx, oldID)
	if err != nil {
		return fmt.Errorf("mark superseded: load %s: %w", oldID, err)
	}
	newDoc, err := t.store.GetDocument(ctx, newID)
	if err != nil {
		return fmt.Errorf("mark superseded: load %s: %w", newID, err)
	}

	// Re-marking the same edge is allowed so that a retry after a failed
	// index update can finish the job.
	if oldDoc.SupersededBy != nil && *oldDoc.SupersededBy != "" {
		if *oldDoc.SupersededBy != newID {
			return domain.WrapError(domain.ErrInvalidInput, "mark superseded",
				fmt.Errorf("document %s is already superseded by %s", oldID, *oldDoc.SupersededBy))
		}
		return t.propagate(ctx, oldDoc, newID)
	}
	if newDoc.EffectiveDate.Before(oldDoc.EffectiveDate) {
		return domain.WrapError(domain.ErrInvalidInput, "mark superseded",
			fmt.Errorf("successor %s is effective %s, before %s (%s)",
				newID, newDoc.EffectiveDate.Format(time.DateOnly), oldID, oldDoc.EffectiveDate.Format(time.DateOnly)))
	}

	successors, err := t.Chain(ctx, newID)
	if err != nil {
		return fmt.Errorf("mark superseded: %w", err)
	}
	for _, id := range successors {
		if id == oldID {
			return domain.WrapError(domain.ErrSupersessionCycle, "mark superseded",
				fmt.Errorf("%s already leads back to %s", newID, oldID))
		}
	}

	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := t.store.MarkSuperseded(ctx, oldID, newID, at); err != nil {
		return fmt.Errorf("mark superseded: %w", err)
	}
	t.logger.Info("document_superseded", "old_id", oldID, "new_id", newID, "at", at)
	return t.propagate(ctx, oldDoc, newID)
}

// propagate copies a recorded edge into the index and announces it. An index
// failure is returned so the caller retries; a lost event only delays cache
// refresh until the TTL.
func (t *SupersessionTracker) propagate(ctx context.Context, oldDoc *domain.Document, newID string) error {
	if t.index != nil {
		if err := t.index.MarkSuperseded(ctx, oldDoc.ID, newID); err != nil {
			return fmt.Errorf("mark superseded: update index: %w", err)
		}
	}
	if t.events != nil {
		organization := strings.ToLower(strings.TrimSpace(oldDoc.Organization))
		if err := t.events.PublishCorpusUpdated(ctx, organization); err != nil {
			t.logger.Warn("publish_corpus_updated_failed", "organization", organization, "error", err)
		}
	}
	return nil
}
