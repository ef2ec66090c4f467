package memory

import (
	"context"
	"time"

	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/metrics"
	"github.com/cuemby/collective/pkg/types"
)

// Apply ingests a replicated change. Idempotent on (id, version): an
// incoming version at or below the local one is discarded, anything
// newer wins with the loser's content preserved in shadow_history.
func (s *Store) Apply(ctx context.Context, change types.Change) error {
	id := change.ID()
	if id == "" {
		return fault.Validationf("change carries no memory id")
	}
	incomingV := change.ChangeVersion()
	if incomingV.IsZero() {
		return fault.Validationf("change %s carries no version", id)
	}
	if change.Memory != nil && change.Memory.Scope == types.ScopeMachineLocal {
		return fault.Policyf("machine-local memory %s arrived over the wire", id)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.clk.Observe(incomingV)

	// Purge is terminal everywhere; an existing tombstone absorbs
	// everything for the id.
	if t, purged := s.getTombstone(id); purged {
		if change.Kind == types.ChangePurge && t.Version.Less(incomingV) {
			return s.applyTombstone(change.Tombstone)
		}
		metrics.ApplyTotal.WithLabelValues("stale").Inc()
		return nil
	}

	if change.Kind == types.ChangePurge {
		return s.applyTombstone(change.Tombstone)
	}

	incoming := change.Memory
	if incoming == nil {
		return fault.Validationf("change %s carries no payload", id)
	}

	s.mu.RLock()
	local, exists := s.memories[id]
	s.mu.RUnlock()

	if !exists {
		return s.installRemote(ctx, incoming.Clone(), nil)
	}

	switch local.Version.Compare(incomingV) {
	case 0:
		// Redelivery of the same write. Differing content at an equal
		// (counter, machine_id) pair would mean the identity space is
		// corrupted; surface it rather than pick a side.
		if local.Content != incoming.Content {
			err := fault.Internalf(nil,
				"version %s of %s seen with two different contents", incomingV, id)
			s.lg.Error().
				Str("id", id).
				Str("version", incomingV.String()).
				Str("correlation_id", err.CorrelationID).
				Msg("conflicting contents at identical version")
			return err
		}
		metrics.ApplyTotal.WithLabelValues("stale").Inc()
		return nil
	case 1:
		// Local wins; keep the incoming text so nothing is lost.
		if incoming.Content != local.Content {
			return s.shadowInto(local, incoming)
		}
		metrics.ApplyTotal.WithLabelValues("stale").Inc()
		return nil
	default:
		return s.installRemote(ctx, incoming.Clone(), local)
	}
}

// installRemote makes the incoming memory the local truth, folding the
// displaced local content into shadow_history.
func (s *Store) installRemote(ctx context.Context, incoming, displaced *types.Memory) error {
	if displaced != nil && displaced.Content != incoming.Content {
		incoming.ShadowHistory = append(incoming.ShadowHistory, types.ShadowEntry{
			Content:    displaced.Content,
			Version:    displaced.Version,
			RecordedAt: time.Now().UTC(),
		})
		// Carry forward shadows the displaced copy had already collected.
		incoming.ShadowHistory = append(incoming.ShadowHistory, displaced.ShadowHistory...)
		metrics.ApplyTotal.WithLabelValues("shadowed").Inc()
	} else {
		metrics.ApplyTotal.WithLabelValues("applied").Inc()
	}

	if err := s.disk.AppendMemory(incoming); err != nil {
		return fault.Unavailablef(err, "persist replicated memory")
	}

	s.mu.Lock()
	s.memories[incoming.ID] = incoming
	s.mu.Unlock()

	if incoming.State == types.MemoryStateActive && s.shouldEmbed(incoming) {
		if err := s.reindex(ctx, incoming); err != nil {
			s.lg.Warn().Err(err).Str("id", incoming.ID).Msg("reindex of replicated memory failed")
		}
	} else {
		s.idx.Remove(incoming.ID)
	}
	if displaced != nil {
		s.invalidateConfidence(ctx, incoming.ID, displaced.Version)
	}
	return nil
}

// shadowInto records the losing write's content on the winning local
// copy without changing the local version.
func (s *Store) shadowInto(local, loser *types.Memory) error {
	next := local.Clone()
	for _, sh := range next.ShadowHistory {
		if sh.Version.Equal(loser.Version) {
			metrics.ApplyTotal.WithLabelValues("stale").Inc()
			return nil
		}
	}
	next.ShadowHistory = append(next.ShadowHistory, types.ShadowEntry{
		Content:    loser.Content,
		Version:    loser.Version,
		RecordedAt: time.Now().UTC(),
	})

	if err := s.disk.AppendMemory(next); err != nil {
		return fault.Unavailablef(err, "persist shadow history")
	}
	s.mu.Lock()
	s.memories[next.ID] = next
	s.mu.Unlock()
	metrics.ApplyTotal.WithLabelValues("shadowed").Inc()
	return nil
}

func (s *Store) applyTombstone(t *types.Tombstone) error {
	if t == nil {
		return fault.Validationf("purge change carries no tombstone")
	}
	ts := *t
	if err := s.disk.AppendTombstone(&ts); err != nil {
		return fault.Unavailablef(err, "persist replicated tombstone")
	}
	s.mu.Lock()
	delete(s.memories, ts.ID)
	s.tombstones[ts.ID] = &ts
	s.mu.Unlock()
	s.idx.Remove(ts.ID)
	metrics.ApplyTotal.WithLabelValues("applied").Inc()
	return nil
}
