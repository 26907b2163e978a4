package inject

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bastion-sec/bastion/internal/rules"
	chromem "github.com/philippgille/chromem-go"
)

// Embedder turns text into a vector. Implementations are typically remote
// embedding services; the matcher degrades to nothing when they fail.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SemanticMatch is the best exemplar hit above the threshold.
type SemanticMatch struct {
	Exemplar   string
	Subtype    string
	Similarity float64
}

// SemanticMatcher compares input text against canonical attack exemplars in
// an in-memory vector collection.
type SemanticMatcher struct {
	collection *chromem.Collection
	threshold  float64

	mu    sync.RWMutex
	ready bool
}

// NewSemanticMatcher builds the matcher; LoadExemplars must succeed before
// Match returns hits.
func NewSemanticMatcher(embedder Embedder, threshold float64) (*SemanticMatcher, error) {
	if embedder == nil {
		return nil, fmt.Errorf("inject: embedder is nil")
	}

	db := chromem.NewDB()
	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	collection, err := db.CreateCollection("attack_exemplars", nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("inject: create collection: %w", err)
	}

	return &SemanticMatcher{
		collection: collection,
		threshold:  threshold,
	}, nil
}

// LoadExemplars embeds the rule set's exemplars into the collection. Calling
// this requires the embedding backend to be up; a failed load leaves the
// matcher not-ready and Match returns nothing.
func (m *SemanticMatcher) LoadExemplars(ctx context.Context, exemplars []rules.Exemplar) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := make([]chromem.Document, len(exemplars))
	for i, ex := range exemplars {
		docs[i] = chromem.Document{
			ID:      fmt.Sprintf("exemplar_%d", i),
			Content: ex.Text,
			Metadata: map[string]string{
				"subtype": ex.Subtype,
			},
		}
	}

	if err := m.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("inject: add exemplars: %w", err)
	}

	m.ready = true
	return nil
}

// Ready reports whether exemplars are loaded.
func (m *SemanticMatcher) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// Match returns the best exemplar above the threshold, or nil.
func (m *SemanticMatcher) Match(ctx context.Context, text string) (*SemanticMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.ready {
		return nil, nil
	}

	n := 3
	if count := m.collection.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	results, err := m.collection.Query(ctx, strings.ToLower(text), n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("inject: exemplar query: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	best := results[0]
	sim := float64(best.Similarity)
	if sim < m.threshold {
		return nil, nil
	}

	return &SemanticMatch{
		Exemplar:   best.Content,
		Subtype:    best.Metadata["subtype"],
		Similarity: sim,
	}, nil
}
