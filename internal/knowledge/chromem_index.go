package knowledge

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemIndex is an Index backed by chromem-go's embedded vector
// store, offering optional on-disk persistence for knowledge bases
// expected to survive process restarts. Vectors are supplied
// pre-computed by bagOfWordsEmbed; chromem's own embeddingFunc is
// never invoked, matching the identity-embedding pattern used when the
// embedding step happens outside the vector store.
type ChromemIndex struct {
	mu         sync.RWMutex
	collection *chromem.Collection
}

// NewChromemIndex opens (or creates) a collection named "knowledge" in
// an in-memory chromem DB, or a persistent one rooted at persistPath
// when non-empty.
func NewChromemIndex(persistPath string) (*ChromemIndex, error) {
	var db *chromem.DB
	var err error
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(persistPath, false)
		if err != nil {
			return nil, fmt.Errorf("open persistent chromem db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("chromem embedding function invoked but vectors are supplied pre-computed")
	}

	col, err := db.GetOrCreateCollection("knowledge", nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("get or create knowledge collection: %w", err)
	}

	return &ChromemIndex{collection: col}, nil
}

func (c *ChromemIndex) Embed(content string) []float32 {
	return bagOfWordsEmbed(content)
}

func (c *ChromemIndex) Upsert(ctx context.Context, id string, vector []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc := chromem.Document{ID: id, Embedding: vector}
	if err := c.collection.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("upsert knowledge vector: %w", err)
	}
	return nil
}

func (c *ChromemIndex) Search(ctx context.Context, vector []float32, topK int) ([]SearchResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if topK <= 0 || topK > c.collection.Count() {
		topK = c.collection.Count()
	}
	if topK == 0 {
		return nil, nil
	}

	results, err := c.collection.QueryEmbedding(ctx, vector, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query knowledge vectors: %w", err)
	}

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, SearchResult{ID: r.ID, Score: float64(r.Similarity)})
	}
	return out, nil
}

func (c *ChromemIndex) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collection.Delete(ctx, nil, nil, id)
}

var _ Index = (*ChromemIndex)(nil)
