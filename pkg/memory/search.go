package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/collective/pkg/index"
	"github.com/cuemby/collective/pkg/types"
)

// SearchRequest is a semantic query against the local store.
type SearchRequest struct {
	Query         string
	Filter        index.Filter
	Limit         int
	MinConfidence float64
	// ContextTags feed the context_relevance confidence factor.
	ContextTags []string
}

// SearchResult pairs a memory with its similarity score and its
// confidence computed at read time.
type SearchResult struct {
	Memory     *types.Memory    `json:"memory"`
	Score      float64          `json:"score"`
	Confidence types.Confidence `json:"confidence"`
}

// Search embeds the query, asks the index for candidates (filter
// applied before top-k), then post-filters on confidence. The result
// may hold fewer than limit entries.
func (s *Store) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	// Over-fetch so the confidence post-filter can still fill limit.
	k := limit*3 + 8
	matches, err := s.idx.SearchText(ctx, req.Query, req.Filter, k)
	if err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, limit)
	for _, match := range matches {
		s.mu.RLock()
		m, ok := s.memories[match.Ref]
		s.mu.RUnlock()
		if !ok || m.State != types.MemoryStateActive {
			continue
		}
		mc := m.Clone()
		conf := s.ConfidenceFor(ctx, mc, req.ContextTags)
		if conf.Score < req.MinConfidence {
			continue
		}
		out = append(out, SearchResult{Memory: mc, Score: match.Score, Confidence: conf})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// ConfidenceFor computes (or retrieves the cached) confidence for m.
// Context-dependent queries bypass the cache; writes invalidate it by
// construction since the key carries the version.
func (s *Store) ConfidenceFor(ctx context.Context, m *types.Memory, contextTags []string) types.Confidence {
	cacheable := len(contextTags) == 0
	key := confidenceKey(m.ID, m.Version)
	if cacheable {
		if data, ok, err := s.ttl.Get(ctx, key); err == nil && ok {
			var conf types.Confidence
			if json.Unmarshal(data, &conf) == nil {
				return conf
			}
		}
	}

	conf := s.calc.Compute(m, ConfidenceContext{
		QueryTags:   types.NormalizeTags(contextTags),
		Duplicates:  s.duplicatesOf(ctx, m),
		SourceTrust: s.sourceTrust,
	}, time.Now())

	if cacheable {
		if data, err := json.Marshal(conf); err == nil {
			_ = s.ttl.Set(ctx, key, data, s.opts.CacheTTL)
		}
	}
	return conf
}

// duplicatesOf finds active near-duplicates of m through the index.
func (s *Store) duplicatesOf(ctx context.Context, m *types.Memory) []*types.Memory {
	matches, err := s.idx.SearchText(ctx, m.Content, index.Filter{}, 8)
	if err != nil {
		return nil
	}
	out := make([]*types.Memory, 0, len(matches))
	for _, match := range matches {
		if match.Ref == m.ID || match.Score < duplicateThreshold {
			continue
		}
		s.mu.RLock()
		d, ok := s.memories[match.Ref]
		s.mu.RUnlock()
		if ok && d.State == types.MemoryStateActive {
			out = append(out, d.Clone())
		}
	}
	return out
}
