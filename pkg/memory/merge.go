package memory

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/index"
	"github.com/cuemby/collective/pkg/types"
)

// MergeRecord is the extensions payload a merged memory carries,
// referencing both originals.
type MergeRecord struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary"`
	Policy    string `json:"policy"`
}

// DuplicateCluster is one group of near-duplicate memory ids.
type DuplicateCluster struct {
	IDs []string `json:"ids"`
}

// FindDuplicates clusters active memories whose pairwise similarity
// reaches threshold. Each cluster has at least two members.
func (s *Store) FindDuplicates(ctx context.Context, threshold float64) ([]DuplicateCluster, error) {
	if threshold <= 0 || threshold > 1 {
		return nil, fault.Validationf("threshold must be in (0, 1], got %f", threshold)
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.memories))
	contents := make(map[string]string, len(s.memories))
	for id, m := range s.memories {
		if m.State == types.MemoryStateActive {
			ids = append(ids, id)
			contents[id] = m.Content
		}
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	// Union-find over pairs the index says are close enough.
	parent := make(map[string]string, len(ids))
	var find func(string) string
	find = func(x string) string {
		if parent[x] == x {
			return x
		}
		parent[x] = find(parent[x])
		return parent[x]
	}
	for _, id := range ids {
		parent[id] = id
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for _, id := range ids {
		matches, err := s.idx.SearchText(ctx, contents[id], index.Filter{}, 8)
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			if match.Ref == id || match.Score < threshold {
				continue
			}
			if _, known := parent[match.Ref]; known {
				union(id, match.Ref)
			}
		}
	}

	groups := make(map[string][]string)
	for _, id := range ids {
		root := find(id)
		groups[root] = append(groups[root], id)
	}
	out := make([]DuplicateCluster, 0)
	for _, members := range groups {
		if len(members) > 1 {
			sort.Strings(members)
			out = append(out, DuplicateCluster{IDs: members})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IDs[0] < out[j].IDs[0] })
	return out, nil
}

// Merge combines two duplicates into a fresh memory and soft-deletes
// the originals. keepPolicy picks the surviving content: newest takes
// the higher version, longest the longer text, manual the primary.
func (s *Store) Merge(ctx context.Context, primaryID, secondaryID string, policy types.KeepPolicy) (*types.Memory, error) {
	if primaryID == secondaryID {
		return nil, fault.Validationf("cannot merge a memory with itself")
	}
	switch policy {
	case types.KeepNewest, types.KeepLongest, types.KeepManual:
	default:
		return nil, fault.Validationf("invalid keep policy %q", policy)
	}

	primary, err := s.Get(ctx, primaryID, false)
	if err != nil {
		return nil, err
	}
	secondary, err := s.Get(ctx, secondaryID, false)
	if err != nil {
		return nil, err
	}

	content := primary.Content
	switch policy {
	case types.KeepNewest:
		if primary.Version.Less(secondary.Version) {
			content = secondary.Content
		}
	case types.KeepLongest:
		if len(secondary.Content) > len(primary.Content) {
			content = secondary.Content
		}
	}

	record, err := json.Marshal(MergeRecord{
		Primary:   primaryID,
		Secondary: secondaryID,
		Policy:    string(policy),
	})
	if err != nil {
		return nil, fault.Internalf(err, "marshal merge record")
	}

	importance := primary.Importance
	if secondary.Importance == types.ImportanceHigh {
		importance = types.ImportanceHigh
	}

	merged, err := s.Store(ctx, StoreRequest{
		Content:    content,
		Category:   primary.Category,
		Tags:       append(append([]string(nil), primary.Tags...), secondary.Tags...),
		Scope:      primary.Scope,
		Importance: importance,
		AgentID:    primary.Origin.AgentID,
		ContextID:  primary.ContextID,
		Extensions: map[string]json.RawMessage{mergeRecordExtension: record},
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.SoftDelete(ctx, primaryID, "merged into "+merged.ID, "merge"); err != nil {
		return nil, err
	}
	if _, err := s.SoftDelete(ctx, secondaryID, "merged into "+merged.ID, "merge"); err != nil {
		return nil, err
	}
	return merged, nil
}
