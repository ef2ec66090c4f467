package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/collective/pkg/cache"
	"github.com/cuemby/collective/pkg/clock"
	"github.com/cuemby/collective/pkg/config"
	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/index"
	"github.com/cuemby/collective/pkg/log"
	"github.com/cuemby/collective/pkg/metrics"
	"github.com/cuemby/collective/pkg/storage"
	"github.com/cuemby/collective/pkg/types"
)

// duplicateThreshold is the cosine similarity past which two memories
// count as duplicates for confidence and merge purposes.
const duplicateThreshold = 0.92

// mergeRecordExtension is the extensions key a merged memory carries,
// referencing both originals.
const mergeRecordExtension = "merge_record"

// Options carries the store knobs taken from configuration.
type Options struct {
	Retention         time.Duration
	CacheTTL          time.Duration
	EmbedMachineLocal bool
	RingCapacity      int
	Confidence        config.ConfidenceConfig
}

// Store is the Memory Store (M): authoritative local persistence with
// a single serialized writer. Reads return deep copies.
type Store struct {
	opts Options
	clk  *clock.Clock
	disk *storage.Store
	idx  *index.Index
	ttl  cache.Cache
	ring *Ring
	calc *ConfidenceCalculator
	lg   zerolog.Logger

	// writeMu serializes write operations end to end, including
	// embedding, so emitted changes leave the ring in version order.
	writeMu sync.Mutex
	// mu guards the maps; held only for map access, never across I/O.
	mu         sync.RWMutex
	memories   map[string]*types.Memory
	tombstones map[string]*types.Tombstone

	// sourceTrust resolves origin-agent trust for confidence; nil uses
	// the configured default.
	sourceTrust func(agentID string) float64
}

// Open replays the persistence layout into memory, folds every seen
// version into the clock, and rebuilds the semantic index.
func Open(opts Options, clk *clock.Clock, disk *storage.Store, idx *index.Index, ttl cache.Cache) (*Store, error) {
	s := &Store{
		opts:       opts,
		clk:        clk,
		disk:       disk,
		idx:        idx,
		ttl:        ttl,
		ring:       NewRing(opts.RingCapacity),
		calc:       NewConfidenceCalculator(opts.Confidence),
		lg:         log.WithComponent("memory"),
		memories:   make(map[string]*types.Memory),
		tombstones: make(map[string]*types.Tombstone),
	}

	err := disk.ReplayMemories(func(m *types.Memory) error {
		clk.Observe(m.Version)
		prev, ok := s.memories[m.ID]
		if !ok || prev.Version.Less(m.Version) {
			s.memories[m.ID] = m
		}
		return nil
	})
	if err != nil {
		return nil, fault.Unavailablef(err, "replay memories log")
	}
	err = disk.ReplayTombstones(func(t *types.Tombstone) error {
		clk.Observe(t.Version)
		prev, ok := s.tombstones[t.ID]
		if !ok || prev.Version.Less(t.Version) {
			s.tombstones[t.ID] = t
		}
		return nil
	})
	if err != nil {
		return nil, fault.Unavailablef(err, "replay tombstones log")
	}
	// Purge is terminal: a tombstone supersedes any replayed record.
	for id := range s.tombstones {
		delete(s.memories, id)
	}

	// Vectors are not persisted; re-embed active memories on boot.
	ctx := context.Background()
	for _, m := range s.memories {
		if m.State != types.MemoryStateActive || !s.shouldEmbed(m) {
			continue
		}
		if err := s.reindex(ctx, m); err != nil {
			s.lg.Warn().Err(err).Str("id", m.ID).Msg("reindex on boot failed")
		}
	}

	s.lg.Info().
		Int("memories", len(s.memories)).
		Int("tombstones", len(s.tombstones)).
		Msg("store opened")
	return s, nil
}

// Ring exposes the change ring for the sync engine to drain.
func (s *Store) Ring() *Ring {
	return s.ring
}

// SetSourceTrust installs the agent-trust resolver used by confidence.
func (s *Store) SetSourceTrust(fn func(agentID string) float64) {
	s.sourceTrust = fn
}

func (s *Store) shouldEmbed(m *types.Memory) bool {
	return m.Scope == types.ScopeCollective || s.opts.EmbedMachineLocal
}

func (s *Store) reindex(ctx context.Context, m *types.Memory) error {
	vec, err := s.idx.Embed(ctx, m.Content)
	if err != nil {
		return err
	}
	s.idx.Upsert(m.ID, vec, index.Metadata{
		Category:  m.Category,
		Scope:     m.Scope,
		MachineID: m.Origin.MachineID,
		Tags:      m.Tags,
		CreatedAt: m.Origin.CreatedAtWall,
	})
	return nil
}

// emit pushes a change into the ring. Machine-local memories never
// reach the ring; the sync engine additionally asserts at the wire.
func (s *Store) emit(kind types.ChangeKind, m *types.Memory, t *types.Tombstone) {
	if m != nil && m.Scope == types.ScopeMachineLocal {
		return
	}
	c := types.Change{Kind: kind}
	if m != nil {
		c.Memory = m.Clone()
	}
	c.Tombstone = t
	s.ring.Push(c)
	metrics.ChangeRingFill.Set(s.ring.FillPct())
}

func (s *Store) invalidateConfidence(ctx context.Context, id string, v types.Version) {
	_ = s.ttl.Delete(ctx, confidenceKey(id, v))
}

func confidenceKey(id string, v types.Version) string {
	return "confidence:" + id + "@" + v.String()
}

// StoreRequest is the input to Store.
type StoreRequest struct {
	Content    string
	Category   types.Category
	Tags       []string
	Scope      types.Scope
	Importance types.Importance
	AgentID    string
	ContextID  string
	Extensions map[string]json.RawMessage
}

// Store creates a memory, indexes it, persists it, and emits a create
// change.
func (s *Store) Store(ctx context.Context, req StoreRequest) (*types.Memory, error) {
	if req.Content == "" {
		return nil, fault.Validationf("content must not be empty")
	}
	if !types.ValidCategory(req.Category) {
		return nil, fault.Validationf("invalid category %q", req.Category)
	}
	scope := req.Scope
	if scope == "" {
		scope = types.ScopeCollective
	}
	if scope != types.ScopeCollective && scope != types.ScopeMachineLocal {
		return nil, fault.Policyf("scope %q is not allowed", req.Scope)
	}
	importance := req.Importance
	if importance == "" {
		importance = types.ImportanceNormal
	}
	if importance != types.ImportanceNormal && importance != types.ImportanceHigh {
		return nil, fault.Validationf("invalid importance %q", req.Importance)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	m := &types.Memory{
		ID:         s.clk.NewMemoryID(),
		Content:    req.Content,
		Category:   req.Category,
		Tags:       types.NormalizeTags(req.Tags),
		Scope:      scope,
		Importance: importance,
		Origin: types.Origin{
			MachineID:     s.clk.MachineID(),
			AgentID:       req.AgentID,
			CreatedAtWall: now,
		},
		Version:    s.clk.Next(),
		State:      types.MemoryStateActive,
		UpdatedAt:  now,
		ContextID:  req.ContextID,
		Extensions: req.Extensions,
	}

	if s.shouldEmbed(m) {
		if err := s.reindex(ctx, m); err != nil {
			metrics.MemoryOpsTotal.WithLabelValues("store", "error").Inc()
			return nil, err
		}
		m.VectorRef = m.ID
	}

	if err := s.disk.AppendMemory(m); err != nil {
		s.idx.Remove(m.ID)
		metrics.MemoryOpsTotal.WithLabelValues("store", "error").Inc()
		return nil, fault.Unavailablef(err, "persist memory")
	}

	s.mu.Lock()
	s.memories[m.ID] = m
	s.mu.Unlock()

	s.emit(types.ChangeCreate, m, nil)
	metrics.MemoryOpsTotal.WithLabelValues("store", "ok").Inc()
	return m.Clone(), nil
}

// Patch is the set of fields Update may change. Nil fields are left
// alone. ExpectedVersion, when set, turns the update into a
// compare-and-swap.
type Patch struct {
	Content         *string
	Tags            []string
	Importance      *types.Importance
	ExpectedVersion *types.Version
}

// Update merges the patch, bumps the version, re-embeds on content
// change, and emits an update change.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (*types.Memory, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	cur, ok := s.memories[id]
	s.mu.RUnlock()
	if !ok {
		if _, purged := s.getTombstone(id); purged {
			return nil, fault.Conflictf("memory %s is purged", id)
		}
		return nil, fault.NotFoundf("memory %s not found", id)
	}
	if cur.State == types.MemoryStateSoftDeleted {
		return nil, fault.Conflictf("memory %s is deleted", id)
	}
	if patch.ExpectedVersion != nil && !cur.Version.Equal(*patch.ExpectedVersion) {
		return nil, fault.Conflictf("version conflict on %s: have %s, expected %s",
			id, cur.Version, *patch.ExpectedVersion)
	}

	next := cur.Clone()
	contentChanged := false
	if patch.Content != nil && *patch.Content != next.Content {
		if *patch.Content == "" {
			return nil, fault.Validationf("content must not be empty")
		}
		next.Content = *patch.Content
		contentChanged = true
	}
	if patch.Tags != nil {
		next.Tags = types.NormalizeTags(patch.Tags)
	}
	if patch.Importance != nil {
		if *patch.Importance != types.ImportanceNormal && *patch.Importance != types.ImportanceHigh {
			return nil, fault.Validationf("invalid importance %q", *patch.Importance)
		}
		next.Importance = *patch.Importance
	}
	next.Version = s.clk.Next()
	next.UpdatedAt = time.Now().UTC()

	if (contentChanged || patch.Tags != nil) && s.shouldEmbed(next) {
		if err := s.reindex(ctx, next); err != nil {
			metrics.MemoryOpsTotal.WithLabelValues("update", "error").Inc()
			return nil, err
		}
		next.VectorRef = next.ID
	}

	if err := s.disk.AppendMemory(next); err != nil {
		metrics.MemoryOpsTotal.WithLabelValues("update", "error").Inc()
		return nil, fault.Unavailablef(err, "persist memory")
	}

	s.mu.Lock()
	s.memories[id] = next
	s.mu.Unlock()

	s.invalidateConfidence(ctx, id, cur.Version)
	s.emit(types.ChangeUpdate, next, nil)
	metrics.MemoryOpsTotal.WithLabelValues("update", "ok").Inc()
	return next.Clone(), nil
}

// SoftDelete marks the memory deleted, removes its vector, and emits a
// delete change. The vector ref is retained for recovery.
func (s *Store) SoftDelete(ctx context.Context, id, reason, actor string) (*types.Memory, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	cur, ok := s.memories[id]
	s.mu.RUnlock()
	if !ok {
		if _, purged := s.getTombstone(id); purged {
			return nil, fault.Conflictf("memory %s is purged", id)
		}
		return nil, fault.NotFoundf("memory %s not found", id)
	}
	if cur.State == types.MemoryStateSoftDeleted {
		return nil, fault.Conflictf("memory %s is already deleted", id)
	}

	now := time.Now().UTC()
	next := cur.Clone()
	next.State = types.MemoryStateSoftDeleted
	next.DeletedAt = &now
	next.DeleteReason = reason
	next.DeletedBy = actor
	next.Version = s.clk.Next()
	next.UpdatedAt = now

	if err := s.disk.AppendMemory(next); err != nil {
		metrics.MemoryOpsTotal.WithLabelValues("delete", "error").Inc()
		return nil, fault.Unavailablef(err, "persist memory")
	}

	s.mu.Lock()
	s.memories[id] = next
	s.mu.Unlock()

	s.idx.Remove(id)
	s.invalidateConfidence(ctx, id, cur.Version)
	s.emit(types.ChangeDelete, next, nil)
	metrics.MemoryOpsTotal.WithLabelValues("delete", "ok").Inc()
	return next.Clone(), nil
}

// Recover lifts a soft-deleted memory back to active while the
// retention window holds, bumping the version and re-adding the
// vector.
func (s *Store) Recover(ctx context.Context, id string) (*types.Memory, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	cur, ok := s.memories[id]
	s.mu.RUnlock()
	if !ok {
		if _, purged := s.getTombstone(id); purged {
			return nil, fault.Conflictf("memory %s is purged and cannot be recovered", id)
		}
		return nil, fault.NotFoundf("memory %s not found", id)
	}
	if cur.State != types.MemoryStateSoftDeleted {
		return nil, fault.Conflictf("memory %s is not deleted", id)
	}
	if cur.DeletedAt != nil && time.Since(*cur.DeletedAt) > s.opts.Retention {
		return nil, fault.Conflictf("memory %s is past the retention window", id)
	}

	next := cur.Clone()
	next.State = types.MemoryStateActive
	next.DeletedAt = nil
	next.DeleteReason = ""
	next.DeletedBy = ""
	next.Version = s.clk.Next()
	next.UpdatedAt = time.Now().UTC()

	if s.shouldEmbed(next) {
		if err := s.reindex(ctx, next); err != nil {
			metrics.MemoryOpsTotal.WithLabelValues("recover", "error").Inc()
			return nil, err
		}
		next.VectorRef = next.ID
	}

	if err := s.disk.AppendMemory(next); err != nil {
		metrics.MemoryOpsTotal.WithLabelValues("recover", "error").Inc()
		return nil, fault.Unavailablef(err, "persist memory")
	}

	s.mu.Lock()
	s.memories[id] = next
	s.mu.Unlock()

	s.invalidateConfidence(ctx, id, cur.Version)
	s.emit(types.ChangeRecover, next, nil)
	metrics.MemoryOpsTotal.WithLabelValues("recover", "ok").Inc()
	return next.Clone(), nil
}

// Purge replaces a soft-deleted memory with a tombstone once its
// retention window has expired. Final.
func (s *Store) Purge(ctx context.Context, id string) (*types.Tombstone, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	cur, ok := s.memories[id]
	s.mu.RUnlock()
	if !ok {
		if t, purged := s.getTombstone(id); purged {
			return t, nil
		}
		return nil, fault.NotFoundf("memory %s not found", id)
	}
	if cur.State != types.MemoryStateSoftDeleted {
		return nil, fault.Conflictf("memory %s must be soft-deleted before purge", id)
	}
	if cur.DeletedAt == nil || time.Since(*cur.DeletedAt) < s.opts.Retention {
		return nil, fault.Policyf("memory %s is inside the retention window", id)
	}

	t := &types.Tombstone{
		ID:        id,
		Version:   s.clk.Next(),
		DeletedAt: *cur.DeletedAt,
	}
	if err := s.disk.AppendTombstone(t); err != nil {
		metrics.MemoryOpsTotal.WithLabelValues("purge", "error").Inc()
		return nil, fault.Unavailablef(err, "persist tombstone")
	}

	s.mu.Lock()
	delete(s.memories, id)
	s.tombstones[id] = t
	s.mu.Unlock()

	s.idx.Remove(id)
	s.invalidateConfidence(ctx, id, cur.Version)
	if cur.Scope == types.ScopeCollective {
		s.ring.Push(types.Change{Kind: types.ChangePurge, Tombstone: t})
		metrics.ChangeRingFill.Set(s.ring.FillPct())
	}
	metrics.MemoryOpsTotal.WithLabelValues("purge", "ok").Inc()
	return t, nil
}

// Get returns a deep copy of the memory. Soft-deleted memories are
// hidden unless includeDeleted is set.
func (s *Store) Get(_ context.Context, id string, includeDeleted bool) (*types.Memory, error) {
	s.mu.RLock()
	m, ok := s.memories[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fault.NotFoundf("memory %s not found", id)
	}
	if m.State == types.MemoryStateSoftDeleted && !includeDeleted {
		return nil, fault.NotFoundf("memory %s not found", id)
	}
	return m.Clone(), nil
}

func (s *Store) getTombstone(id string) (*types.Tombstone, bool) {
	s.mu.RLock()
	t, ok := s.tombstones[id]
	s.mu.RUnlock()
	return t, ok
}

// ListRecent returns active memories newest-first, optionally filtered
// by category and a lower time bound.
func (s *Store) ListRecent(_ context.Context, category types.Category, since time.Time, limit int) ([]*types.Memory, error) {
	if category != "" && !types.ValidCategory(category) {
		return nil, fault.Validationf("invalid category %q", category)
	}
	s.mu.RLock()
	out := make([]*types.Memory, 0, 32)
	for _, m := range s.memories {
		if m.State != types.MemoryStateActive {
			continue
		}
		if category != "" && m.Category != category {
			continue
		}
		if !since.IsZero() && m.Origin.CreatedAtWall.Before(since) {
			continue
		}
		out = append(out, m.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Origin.CreatedAtWall.After(out[j].Origin.CreatedAtWall)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkVerified records that byAgent vouched for the memory. Only a
// distinct agent counts; the origin cannot verify itself.
func (s *Store) MarkVerified(ctx context.Context, id, byAgent string) (*types.Memory, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	cur, ok := s.memories[id]
	s.mu.RUnlock()
	if !ok || cur.State != types.MemoryStateActive {
		return nil, fault.NotFoundf("memory %s not found", id)
	}
	if byAgent == "" || byAgent == cur.Origin.AgentID {
		return nil, fault.Validationf("verification requires a distinct agent")
	}

	next := cur.Clone()
	next.VerifiedBy = byAgent
	next.Version = s.clk.Next()
	next.UpdatedAt = time.Now().UTC()

	if err := s.disk.AppendMemory(next); err != nil {
		return nil, fault.Unavailablef(err, "persist memory")
	}
	s.mu.Lock()
	s.memories[id] = next
	s.mu.Unlock()

	s.invalidateConfidence(ctx, id, cur.Version)
	s.emit(types.ChangeUpdate, next, nil)
	return next.Clone(), nil
}

// RecordOutcome feeds the success-rate confidence factor after a
// memory has been applied in practice.
func (s *Store) RecordOutcome(ctx context.Context, id string, success bool) (*types.Memory, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	cur, ok := s.memories[id]
	s.mu.RUnlock()
	if !ok || cur.State != types.MemoryStateActive {
		return nil, fault.NotFoundf("memory %s not found", id)
	}

	var o Outcomes
	if raw, ok := cur.Extensions[outcomesExtension]; ok {
		_ = json.Unmarshal(raw, &o)
	}
	if success {
		o.Successes++
	} else {
		o.Failures++
	}
	raw, err := json.Marshal(o)
	if err != nil {
		return nil, fault.Internalf(err, "marshal outcomes")
	}

	next := cur.Clone()
	if next.Extensions == nil {
		next.Extensions = make(map[string]json.RawMessage, 1)
	}
	next.Extensions[outcomesExtension] = raw
	next.Version = s.clk.Next()
	next.UpdatedAt = time.Now().UTC()

	if err := s.disk.AppendMemory(next); err != nil {
		return nil, fault.Unavailablef(err, "persist memory")
	}
	s.mu.Lock()
	s.memories[id] = next
	s.mu.Unlock()

	s.invalidateConfidence(ctx, id, cur.Version)
	s.emit(types.ChangeUpdate, next, nil)
	return next.Clone(), nil
}

// Counts returns memory totals by state (tombstones count as purged).
func (s *Store) Counts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]int{
		string(types.MemoryStateActive):      0,
		string(types.MemoryStateSoftDeleted): 0,
		string(types.MemoryStatePurged):      len(s.tombstones),
	}
	for _, m := range s.memories {
		out[string(m.State)]++
	}
	return out
}

// IndexEntries returns the number of vectors in the semantic index.
func (s *Store) IndexEntries() int {
	return s.idx.Len()
}

// ActiveCount returns the number of active memories.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.memories {
		if m.State == types.MemoryStateActive {
			n++
		}
	}
	return n
}

// Checkpoints returns the highest version counter applied per origin
// machine, over replicable memories and tombstones.
func (s *Store) Checkpoints() map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]uint64)
	for _, m := range s.memories {
		if m.Scope != types.ScopeCollective {
			continue
		}
		if m.Version.Counter > out[m.Version.MachineID] {
			out[m.Version.MachineID] = m.Version.Counter
		}
	}
	for _, t := range s.tombstones {
		if t.Version.Counter > out[t.Version.MachineID] {
			out[t.Version.MachineID] = t.Version.Counter
		}
	}
	return out
}

// RecentIDsHash hashes the ids and versions of the n most recent
// replicable records, catching divergence equal checkpoints can hide.
func (s *Store) RecentIDsHash(n int) string {
	type rec struct {
		id string
		v  types.Version
	}
	s.mu.RLock()
	recs := make([]rec, 0, len(s.memories)+len(s.tombstones))
	for _, m := range s.memories {
		if m.Scope == types.ScopeCollective {
			recs = append(recs, rec{m.ID, m.Version})
		}
	}
	for _, t := range s.tombstones {
		recs = append(recs, rec{t.ID, t.Version})
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool {
		return recs[j].v.Less(recs[i].v)
	})
	if n > 0 && len(recs) > n {
		recs = recs[:n]
	}
	h := sha256.New()
	for _, r := range recs {
		h.Write([]byte(r.id))
		h.Write([]byte(r.v.String()))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ChangesInRanges rebuilds the changes a peer is missing from current
// state. Machine-local memories are never included.
func (s *Store) ChangesInRanges(ranges []types.VersionRange, full bool) []types.Change {
	inRange := func(v types.Version) bool {
		if full {
			return true
		}
		for _, r := range ranges {
			if v.MachineID != r.Origin {
				continue
			}
			if v.Counter > r.FromCounter && (r.ToCounter == 0 || v.Counter <= r.ToCounter) {
				return true
			}
		}
		return false
	}

	s.mu.RLock()
	out := make([]types.Change, 0, 32)
	for _, m := range s.memories {
		if m.Scope != types.ScopeCollective || !inRange(m.Version) {
			continue
		}
		kind := types.ChangeUpdate
		if m.State == types.MemoryStateSoftDeleted {
			kind = types.ChangeDelete
		}
		out = append(out, types.Change{Kind: kind, Memory: m.Clone()})
	}
	for _, t := range s.tombstones {
		if !inRange(t.Version) {
			continue
		}
		ts := *t
		out = append(out, types.Change{Kind: types.ChangePurge, Tombstone: &ts})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ChangeVersion().Less(out[j].ChangeVersion())
	})
	return out
}

// Compact rewrites the logs, dropping purged records whose tombstones
// are older than the retention window.
func (s *Store) Compact(_ context.Context) (storage.CompactStats, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	memories := make([]*types.Memory, 0, len(s.memories))
	for _, m := range s.memories {
		memories = append(memories, m.Clone())
	}
	horizon := time.Now().Add(-s.opts.Retention)
	tombstones := make([]*types.Tombstone, 0, len(s.tombstones))
	expired := make([]string, 0)
	for id, t := range s.tombstones {
		if t.DeletedAt.After(horizon) {
			ts := *t
			tombstones = append(tombstones, &ts)
		} else {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	stats, err := s.disk.Compact(memories, tombstones)
	if err != nil {
		return storage.CompactStats{}, fault.Unavailablef(err, "compact logs")
	}

	s.mu.Lock()
	for _, id := range expired {
		delete(s.tombstones, id)
	}
	s.mu.Unlock()

	s.lg.Info().
		Int("memories", stats.Memories).
		Int("tombstones", stats.Tombstones).
		Int64("bytes", stats.BytesAfter).
		Msg("compaction complete")
	return stats, nil
}
