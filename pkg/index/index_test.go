package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/collective/pkg/types"
)

func newTestIndex() *Index {
	return New(NewHashEmbedder(128), NewMemoryVectorStore())
}

func TestHashEmbedderIsDeterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "elasticsearch heap size")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "elasticsearch heap size")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestSimilarTextScoresHigherThanUnrelated(t *testing.T) {
	e := NewHashEmbedder(256)
	ctx := context.Background()

	query, _ := e.Embed(ctx, "elasticsearch memory")
	incident, _ := e.Embed(ctx, "Fixed Elasticsearch OOM by raising heap to 16GB elasticsearch memory limit")
	unrelated, _ := e.Embed(ctx, "rotated postgres TLS certificates on db-3")

	simIncident := CosineSimilarity(query, incident)
	simUnrelated := CosineSimilarity(query, unrelated)
	assert.Greater(t, simIncident, simUnrelated)
}

func TestSearchRespectsFilters(t *testing.T) {
	idx := newTestIndex()
	ctx := context.Background()

	upsertText := func(ref, text string, meta Metadata) {
		vec, err := idx.Embed(ctx, text)
		require.NoError(t, err)
		idx.Upsert(ref, vec, meta)
	}

	upsertText("a", "disk full on node 1", Metadata{
		Category: types.CategoryIncidents, Scope: types.ScopeCollective,
		Tags: []string{"disk"}, CreatedAt: time.Now(),
	})
	upsertText("b", "disk full on node 2", Metadata{
		Category: types.CategoryRunbooks, Scope: types.ScopeCollective,
		Tags: []string{"disk", "runbook"}, CreatedAt: time.Now(),
	})
	upsertText("c", "disk almost full last year", Metadata{
		Category: types.CategoryIncidents, Scope: types.ScopeCollective,
		Tags: []string{"disk"}, CreatedAt: time.Now().Add(-400 * 24 * time.Hour),
	})

	query, err := idx.Embed(ctx, "disk full")
	require.NoError(t, err)

	got, err := idx.Search(ctx, query, Filter{Category: types.CategoryIncidents}, 10)
	require.NoError(t, err)
	refs := matchRefs(got)
	assert.ElementsMatch(t, []string{"a", "c"}, refs)

	got, err = idx.Search(ctx, query, Filter{TagsAll: []string{"disk", "runbook"}}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, matchRefs(got))

	got, err = idx.Search(ctx, query, Filter{AgeWithin: 30 * 24 * time.Hour}, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, matchRefs(got))
}

func TestSearchOrdersByScoreAndHonorsK(t *testing.T) {
	idx := newTestIndex()
	ctx := context.Background()

	texts := map[string]string{
		"exact":   "elasticsearch out of memory",
		"close":   "elasticsearch memory pressure alerts firing",
		"distant": "renewed the wildcard certificate",
	}
	for ref, text := range texts {
		vec, err := idx.Embed(ctx, text)
		require.NoError(t, err)
		idx.Upsert(ref, vec, Metadata{Category: types.CategoryIncidents, CreatedAt: time.Now()})
	}

	got, err := idx.SearchText(ctx, "elasticsearch out of memory", Filter{}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "exact", got[0].Ref)
	assert.GreaterOrEqual(t, got[0].Score, got[1].Score)
}

func TestRemoveIsIdempotent(t *testing.T) {
	idx := newTestIndex()
	ctx := context.Background()

	vec, err := idx.Embed(ctx, "something")
	require.NoError(t, err)
	idx.Upsert("x", vec, Metadata{CreatedAt: time.Now()})
	require.Equal(t, 1, idx.Len())

	idx.Remove("x")
	idx.Remove("x")
	idx.Remove("never-existed")
	assert.Equal(t, 0, idx.Len())
}

func matchRefs(matches []Match) []string {
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Ref)
	}
	return out
}
