package knowledge

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
)

// SearchResult is one hit from an Index.Search call.
type SearchResult struct {
	ID    string
	Score float64
}

// Index is the similarity-search boundary the Knowledge Base uses for
// duplicate detection and relevance ranking. It is satisfied by the
// default in-process cosine index and, optionally, a chromem-go-backed
// one for larger knowledge bases that want persistence.
type Index interface {
	Embed(content string) []float32
	Upsert(ctx context.Context, id string, vector []float32) error
	Search(ctx context.Context, vector []float32, topK int) ([]SearchResult, error)
	Delete(ctx context.Context, id string) error
}

// bagOfWordsEmbed turns content into a crude, dependency-free bag-of-words
// vector over a fixed hashed dimensionality. This is not a semantic
// embedding — it is a similarity proxy good enough for duplicate
// detection and relevance ranking over short knowledge-item content
// without requiring a round trip to an external embedding model.
const embeddingDims = 256

func bagOfWordsEmbed(content string) []float32 {
	vec := make([]float32, embeddingDims)
	for _, word := range strings.Fields(strings.ToLower(content)) {
		vec[hashWord(word)%embeddingDims]++
	}
	normalize(vec)
	return vec
}

func hashWord(w string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(w); i++ {
		h ^= uint32(w[i])
		h *= 16777619
	}
	return h
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := math.Sqrt(sumSq)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}

func cosineSimilarity(a, b []float32) float64 {
	var dot float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// inProcessIndex is the default Index: an in-memory map scanned
// linearly on search. Sufficient for a single coordination instance's
// knowledge base, which spec.md scopes as bounded and per-project
// rather than a large shared corpus.
type inProcessIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

// NewInProcessIndex returns the default similarity index.
func NewInProcessIndex() Index {
	return &inProcessIndex{vectors: make(map[string][]float32)}
}

func (idx *inProcessIndex) Embed(content string) []float32 {
	return bagOfWordsEmbed(content)
}

func (idx *inProcessIndex) Upsert(_ context.Context, id string, vector []float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.vectors[id] = vector
	return nil
}

func (idx *inProcessIndex) Search(_ context.Context, vector []float32, topK int) ([]SearchResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	results := make([]SearchResult, 0, len(idx.vectors))
	for id, v := range idx.vectors {
		results = append(results, SearchResult{ID: id, Score: cosineSimilarity(vector, v)})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (idx *inProcessIndex) Delete(_ context.Context, id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.vectors, id)
	return nil
}
