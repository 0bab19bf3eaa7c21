// Package knowledge implements the Knowledge Base: an append-only
// store of facts, decisions, patterns, and warnings surfaced to agents
// before each run and contributed by agents and the system as they
// work.
package knowledge

import (
	"context"
	"log/slog"
	"sort"
	"time"

	cerrors "github.com/arcflow-run/conductor/internal/errors"
	"github.com/arcflow-run/conductor/internal/eventbus"
	"github.com/arcflow-run/conductor/internal/store"
	"github.com/arcflow-run/conductor/internal/task"
	"github.com/google/uuid"
)

// DuplicateThreshold is the cosine-similarity score above which a new
// item is treated as a duplicate of an existing one and folded into it
// via an occurrence bump instead of a new row.
const DuplicateThreshold = 0.92

// ContradictionThreshold is the similarity score above which two
// decisions are considered to be about the same topic; below
// DuplicateThreshold but above this, a new decision that disagrees
// with a live one is escalated rather than silently superseding it.
const ContradictionThreshold = 0.6

// Base is the Knowledge Base: a store-backed item log fronted by a
// similarity Index for duplicate detection and an event bus for
// decision-contradiction escalation.
type Base struct {
	store *store.Store
	index Index
	bus   *eventbus.Bus
}

// New builds a Knowledge Base over st, indexed by idx (use
// NewInProcessIndex for the default, dependency-free behavior, or
// NewChromemIndex for persistence), publishing escalations through bus.
func New(st *store.Store, idx Index, bus *eventbus.Bus) *Base {
	return &Base{store: st, index: idx, bus: bus}
}

// Write appends a new knowledge item. If an existing live item is a
// near-duplicate by content similarity, its occurrence counter and
// confidence are bumped instead of inserting a new row. If item is a
// decision that contradicts a live decision on the same topic, Write
// escalates via decision_needed and returns without inserting —
// callers must not silently override a standing decision.
func (b *Base) Write(ctx context.Context, item store.KnowledgeItem) (string, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	vector := b.index.Embed(item.Content)

	dup, err := b.findDuplicate(ctx, vector)
	if err != nil {
		return "", err
	}
	if dup != "" {
		if err := b.store.BumpKnowledgeOccurrence(ctx, dup, 0.05); err != nil {
			return "", err
		}
		return dup, nil
	}

	if item.Kind == store.KnowledgeDecision {
		conflict, err := b.findContradictingDecision(ctx, item, vector)
		if err != nil {
			return "", err
		}
		if conflict != "" {
			if _, err := b.bus.Publish(ctx, item.SourceTaskID, eventbus.TypeDecisionNeeded, map[string]any{
				"reason":         "new decision contradicts a live decision",
				"new_content":    item.Content,
				"conflicting_id": conflict,
			}, 5, ""); err != nil {
				slog.Warn("failed to publish decision_needed for knowledge contradiction", "error", err)
			}
			return "", cerrors.New(cerrors.KindAmbiguity, "decision contradicts a live decision").
				WithEvidence(conflict).
				WithSuggestedAction("resolve via decision_needed before writing this decision")
		}
	}

	if err := b.store.SaveKnowledgeItem(ctx, item); err != nil {
		return "", err
	}
	if err := b.index.Upsert(ctx, item.ID, vector); err != nil {
		slog.Warn("failed to index new knowledge item", "id", item.ID, "error", err)
	}

	if _, err := b.bus.Publish(ctx, item.SourceTaskID, eventbus.TypeKnowledgeAdded,
		map[string]any{"id": item.ID, "kind": item.Kind}, 1, ""); err != nil {
		slog.Warn("failed to publish knowledge_added", "id", item.ID, "error", err)
	}

	return item.ID, nil
}

func (b *Base) findDuplicate(ctx context.Context, vector []float32) (string, error) {
	hits, err := b.index.Search(ctx, vector, 1)
	if err != nil {
		return "", cerrors.Wrap(cerrors.KindTransient, "similarity search failed", err)
	}
	if len(hits) == 0 || hits[0].Score < DuplicateThreshold {
		return "", nil
	}
	return hits[0].ID, nil
}

func (b *Base) findContradictingDecision(ctx context.Context, item store.KnowledgeItem, vector []float32) (string, error) {
	hits, err := b.index.Search(ctx, vector, 5)
	if err != nil {
		return "", cerrors.Wrap(cerrors.KindTransient, "similarity search failed", err)
	}

	active, err := b.store.ListActiveKnowledge(ctx)
	if err != nil {
		return "", err
	}
	byID := make(map[string]store.KnowledgeItem, len(active))
	for _, k := range active {
		byID[k.ID] = k
	}

	for _, hit := range hits {
		if hit.Score < ContradictionThreshold || hit.Score >= DuplicateThreshold {
			continue
		}
		existing, ok := byID[hit.ID]
		if !ok || existing.Kind != store.KnowledgeDecision {
			continue
		}
		if existing.Content != item.Content {
			return existing.ID, nil
		}
	}
	return "", nil
}

// Supersede marks oldID superseded by a newly written item, removing
// oldID from the similarity index so it no longer participates in
// duplicate or contradiction checks.
func (b *Base) Supersede(ctx context.Context, oldID, newID string) error {
	if err := b.store.SupersedeKnowledgeItem(ctx, oldID, newID); err != nil {
		return err
	}
	if err := b.index.Delete(ctx, oldID); err != nil {
		slog.Warn("failed to remove superseded item from index", "id", oldID, "error", err)
	}
	if _, err := b.bus.Publish(ctx, "", eventbus.TypeKnowledgeSuperseded,
		map[string]any{"old_id": oldID, "new_id": newID}, 1, ""); err != nil {
		slog.Warn("failed to publish knowledge_superseded", "error", err)
	}
	return nil
}

// rankedItem pairs an item with its computed relevance score.
type rankedItem struct {
	item  store.KnowledgeItem
	score float64
}

// ContextForTask returns a bounded, relevance-ranked set of live
// knowledge items for tk: ranked by overlap of affected_areas with the
// task's affected_files, boosted by confidence. Superseded items never
// appear (ListActiveKnowledge already excludes them).
func (b *Base) ContextForTask(ctx context.Context, tk *task.Task, limit int) ([]store.KnowledgeItem, error) {
	active, err := b.store.ListActiveKnowledge(ctx)
	if err != nil {
		return nil, err
	}

	targetFiles := make(map[string]bool, len(tk.AffectedFiles))
	for _, f := range tk.AffectedFiles {
		targetFiles[f] = true
	}

	ranked := make([]rankedItem, 0, len(active))
	for _, item := range active {
		overlap := 0
		for _, area := range item.AffectedAreas {
			if targetFiles[area] {
				overlap++
			}
		}
		score := float64(overlap) + item.Confidence
		if overlap == 0 && len(targetFiles) > 0 {
			// Items with no declared overlap still rank, but strictly below
			// any item that actually touches the task's files.
			score = item.Confidence / 10
		}
		ranked = append(ranked, rankedItem{item: item, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if limit <= 0 || limit > len(ranked) {
		limit = len(ranked)
	}
	out := make([]store.KnowledgeItem, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, ranked[i].item)
	}
	return out, nil
}
