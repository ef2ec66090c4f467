package index

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/metrics"
	"github.com/cuemby/collective/pkg/types"
)

// Metadata is the filterable context stored beside each vector.
type Metadata struct {
	Category  types.Category
	Scope     types.Scope
	MachineID string
	Tags      []string
	CreatedAt time.Time
}

// Filter narrows a search before top-k selection. Zero fields match
// everything.
type Filter struct {
	Category  types.Category
	Scope     types.Scope
	MachineID string
	TagsAny   []string
	TagsAll   []string
	AgeWithin time.Duration
}

func (f Filter) matches(meta Metadata, now time.Time) bool {
	if f.Category != "" && meta.Category != f.Category {
		return false
	}
	if f.Scope != "" && meta.Scope != f.Scope {
		return false
	}
	if f.MachineID != "" && meta.MachineID != f.MachineID {
		return false
	}
	if f.AgeWithin > 0 && now.Sub(meta.CreatedAt) > f.AgeWithin {
		return false
	}
	if len(f.TagsAny) > 0 && !anyTag(meta.Tags, f.TagsAny) {
		return false
	}
	for _, want := range f.TagsAll {
		if !anyTag(meta.Tags, []string{want}) {
			return false
		}
	}
	return true
}

func anyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// Match is one search hit, score descending across a result set.
type Match struct {
	Ref   string
	Score float64
}

// VectorStore holds vectors with metadata and answers filtered top-k
// queries. Implementations are externally synchronized by the Index.
type VectorStore interface {
	Upsert(ref string, vector []float32, meta Metadata)
	Remove(ref string)
	Search(query []float32, filter Filter, k int) []Match
	Len() int
}

type entry struct {
	vector []float32
	meta   Metadata
}

// MemoryVectorStore is the in-process store: a map plus brute-force
// cosine scan. Fine for the fleet sizes this serves; the interface is
// the seam for an external store.
type MemoryVectorStore struct {
	entries map[string]entry
}

// NewMemoryVectorStore creates an empty in-process store.
func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{entries: make(map[string]entry)}
}

// Upsert stores or replaces the vector for ref.
func (s *MemoryVectorStore) Upsert(ref string, vector []float32, meta Metadata) {
	s.entries[ref] = entry{vector: vector, meta: meta}
}

// Remove drops ref; an unknown ref is a no-op.
func (s *MemoryVectorStore) Remove(ref string) {
	delete(s.entries, ref)
}

// Search scans every entry passing the filter and keeps the k best.
func (s *MemoryVectorStore) Search(query []float32, filter Filter, k int) []Match {
	now := time.Now()
	matches := make([]Match, 0, k)
	for ref, e := range s.entries {
		if !filter.matches(e.meta, now) {
			continue
		}
		matches = append(matches, Match{Ref: ref, Score: CosineSimilarity(query, e.vector)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Ref < matches[j].Ref
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// Len returns the number of stored vectors.
func (s *MemoryVectorStore) Len() int {
	return len(s.entries)
}

// Index pairs an embedder with a vector store behind one mutex, so the
// store needs no locking of its own.
type Index struct {
	mu       sync.RWMutex
	embedder Embedder
	store    VectorStore
}

// New wires an embedder to a vector store.
func New(embedder Embedder, store VectorStore) *Index {
	return &Index{embedder: embedder, store: store}
}

// Embedder exposes the configured embedder.
func (i *Index) Embedder() Embedder {
	return i.embedder
}

// Embed produces the vector for text.
func (i *Index) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := i.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != i.embedder.Dimensions() {
		return nil, fault.Internalf(nil, "embedder %s returned %d dims", i.embedder.Name(), len(vec))
	}
	return vec, nil
}

// Upsert stores the vector for ref. Idempotent.
func (i *Index) Upsert(ref string, vector []float32, meta Metadata) {
	i.mu.Lock()
	i.store.Upsert(ref, vector, meta)
	i.mu.Unlock()
}

// Remove drops ref. Unknown refs are a no-op, so removal after purge
// or repeated soft deletes is safe.
func (i *Index) Remove(ref string) {
	i.mu.Lock()
	i.store.Remove(ref)
	i.mu.Unlock()
}

// Search returns the top-k matches for the query vector, filter
// applied before selection.
func (i *Index) Search(ctx context.Context, query []float32, filter Filter, k int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.Unavailable, err, "search cancelled")
	}
	timer := metrics.NewTimer()
	i.mu.RLock()
	matches := i.store.Search(query, filter, k)
	i.mu.RUnlock()
	timer.ObserveDuration(metrics.SearchDuration)
	return matches, nil
}

// SearchText embeds the query text and searches.
func (i *Index) SearchText(ctx context.Context, text string, filter Filter, k int) ([]Match, error) {
	vec, err := i.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return i.Search(ctx, vec, filter, k)
}

// Len returns the number of indexed vectors.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.store.Len()
}
