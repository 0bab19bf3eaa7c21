package store

import (
	"context"
	"time"

	cerrors "github.com/arcflow-run/conductor/internal/errors"
)

// KnowledgeKind is the closed enumeration of knowledge-item categories.
type KnowledgeKind string

const (
	KnowledgeFact     KnowledgeKind = "fact"
	KnowledgeDecision KnowledgeKind = "decision"
	KnowledgePattern  KnowledgeKind = "pattern"
	KnowledgeWarning  KnowledgeKind = "warning"
)

// KnowledgeItem is one entry in the Knowledge Base.
type KnowledgeItem struct {
	ID            string
	Kind          KnowledgeKind
	Content       string
	Confidence    float64
	Evidence      string
	AffectedAreas []string
	SourceTaskID  string
	SupersededBy  string
	Occurrences   int
	CreatedAt     time.Time
}

// SaveKnowledgeItem inserts a new knowledge item (items are append-only;
// supersession is expressed via SupersedeKnowledgeItem, never an update
// to Content).
func (s *Store) SaveKnowledgeItem(ctx context.Context, k KnowledgeItem) error {
	areas, err := marshalJSON(k.AffectedAreas)
	if err != nil {
		return err
	}
	if k.Occurrences == 0 {
		k.Occurrences = 1
	}
	_, err = s.db.ExecContext(ctx, s.q(`
INSERT INTO knowledge_items (id, kind, content, confidence, evidence, affected_areas, source_task_id, superseded_by, occurrences, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`), k.ID, k.Kind, k.Content, k.Confidence, k.Evidence, areas, k.SourceTaskID, k.SupersededBy, k.Occurrences, k.CreatedAt)
	if err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "save knowledge item failed", err)
	}
	return nil
}

// BumpKnowledgeOccurrence increments an existing item's occurrence
// counter and nudges its confidence upward (capped at 1.0), called when
// a new item is detected as a near-duplicate of a live one instead of
// inserting a separate row.
func (s *Store) BumpKnowledgeOccurrence(ctx context.Context, id string, confidenceDelta float64) error {
	_, err := s.db.ExecContext(ctx, s.q(`
UPDATE knowledge_items SET occurrences = occurrences + 1,
    confidence = MIN(1.0, confidence + ?)
WHERE id = ?
`), confidenceDelta, id)
	if err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "bump knowledge occurrence failed", err)
	}
	return nil
}

// SupersedeKnowledgeItem marks oldID superseded by newID, as required
// when a new item contradicts or refines a prior one.
func (s *Store) SupersedeKnowledgeItem(ctx context.Context, oldID, newID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE knowledge_items SET superseded_by = ? WHERE id = ?`), newID, oldID)
	if err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "supersede knowledge item failed", err)
	}
	return nil
}

// ListActiveKnowledge returns every non-superseded item, the candidate
// pool for the Knowledge Base's relevance-ranked query.
func (s *Store) ListActiveKnowledge(ctx context.Context) ([]KnowledgeItem, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, kind, content, confidence, evidence, affected_areas, source_task_id, superseded_by, occurrences, created_at
FROM knowledge_items WHERE superseded_by = '' OR superseded_by IS NULL
`)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "list active knowledge failed", err)
	}
	defer rows.Close()

	var out []KnowledgeItem
	for rows.Next() {
		var k KnowledgeItem
		var areas string
		if err := rows.Scan(&k.ID, &k.Kind, &k.Content, &k.Confidence, &k.Evidence, &areas,
			&k.SourceTaskID, &k.SupersededBy, &k.Occurrences, &k.CreatedAt); err != nil {
			return nil, cerrors.Wrap(cerrors.KindTransient, "scan knowledge item failed", err)
		}
		if err := unmarshalJSON(areas, &k.AffectedAreas); err != nil {
			return nil, cerrors.Wrap(cerrors.KindIntegrity, "decode affected_areas failed", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
