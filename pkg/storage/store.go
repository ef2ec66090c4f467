package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/collective/pkg/types"
)

// Store owns the durable state of one machine: the append-only
// memories and tombstones logs plus the bbolt index. The memory store
// serializes all writes, so Store needs no locking beyond what each
// log carries.
type Store struct {
	dir        string
	memories   *RecordLog
	tombstones *RecordLog
	index      *BoltIndex
}

// Open opens the persistence layout inside dataDir, creating files on
// first boot and truncating torn log tails.
func Open(dataDir string) (*Store, error) {
	memories, err := OpenRecordLog(filepath.Join(dataDir, "memories.log"))
	if err != nil {
		return nil, err
	}
	tombstones, err := OpenRecordLog(filepath.Join(dataDir, "tombstones.log"))
	if err != nil {
		memories.Close()
		return nil, err
	}
	index, err := NewBoltIndex(dataDir)
	if err != nil {
		memories.Close()
		tombstones.Close()
		return nil, err
	}
	return &Store{
		dir:        dataDir,
		memories:   memories,
		tombstones: tombstones,
		index:      index,
	}, nil
}

// Index exposes the bbolt-backed secondary state.
func (s *Store) Index() *BoltIndex {
	return s.index
}

// AppendMemory durably writes the full record and updates the version
// index. The log keeps every version; compaction drops superseded ones.
func (s *Store) AppendMemory(m *types.Memory) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal memory %s: %w", m.ID, err)
	}
	if err := s.memories.Append(data); err != nil {
		return err
	}
	return s.index.PutVersion(m.ID, VersionEntry{Version: m.Version, State: m.State})
}

// AppendTombstone durably writes the purge residue and flips the index
// entry to purged.
func (s *Store) AppendTombstone(t *types.Tombstone) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal tombstone %s: %w", t.ID, err)
	}
	if err := s.tombstones.Append(data); err != nil {
		return err
	}
	return s.index.PutVersion(t.ID, VersionEntry{Version: t.Version, State: types.MemoryStatePurged})
}

// ReplayMemories streams every memory record in append order. Later
// records for the same id supersede earlier ones.
func (s *Store) ReplayMemories(fn func(*types.Memory) error) error {
	return s.memories.Replay(func(payload []byte) error {
		var m types.Memory
		if err := json.Unmarshal(payload, &m); err != nil {
			return fmt.Errorf("decode memory record: %w", err)
		}
		return fn(&m)
	})
}

// ReplayTombstones streams every tombstone in append order.
func (s *Store) ReplayTombstones(fn func(*types.Tombstone) error) error {
	return s.tombstones.Replay(func(payload []byte) error {
		var t types.Tombstone
		if err := json.Unmarshal(payload, &t); err != nil {
			return fmt.Errorf("decode tombstone record: %w", err)
		}
		return fn(&t)
	})
}

// CompactStats reports what a compaction pass kept.
type CompactStats struct {
	Memories   int
	Tombstones int
	BytesAfter int64
}

// Compact rewrites both logs to exactly the given current records and
// rebuilds the version index to match. The caller passes its
// authoritative in-memory state: live memories (any state except
// purged) and the tombstones still inside the GC horizon.
func (s *Store) Compact(memories []*types.Memory, tombstones []*types.Tombstone) (CompactStats, error) {
	memPayloads := make([][]byte, 0, len(memories))
	entries := make(map[string]VersionEntry, len(memories)+len(tombstones))

	for _, m := range memories {
		data, err := json.Marshal(m)
		if err != nil {
			return CompactStats{}, fmt.Errorf("marshal memory %s: %w", m.ID, err)
		}
		memPayloads = append(memPayloads, data)
		entries[m.ID] = VersionEntry{Version: m.Version, State: m.State}
	}

	tombPayloads := make([][]byte, 0, len(tombstones))
	for _, t := range tombstones {
		data, err := json.Marshal(t)
		if err != nil {
			return CompactStats{}, fmt.Errorf("marshal tombstone %s: %w", t.ID, err)
		}
		tombPayloads = append(tombPayloads, data)
		entries[t.ID] = VersionEntry{Version: t.Version, State: types.MemoryStatePurged}
	}

	if err := s.memories.Rewrite(memPayloads); err != nil {
		return CompactStats{}, err
	}
	if err := s.tombstones.Rewrite(tombPayloads); err != nil {
		return CompactStats{}, err
	}
	if err := s.index.ReplaceVersions(entries); err != nil {
		return CompactStats{}, err
	}

	return CompactStats{
		Memories:   len(memories),
		Tombstones: len(tombstones),
		BytesAfter: s.memories.Size() + s.tombstones.Size(),
	}, nil
}

// Close releases the logs and the index.
func (s *Store) Close() error {
	errMem := s.memories.Close()
	errTomb := s.tombstones.Close()
	errIdx := s.index.Close()
	if errMem != nil {
		return errMem
	}
	if errTomb != nil {
		return errTomb
	}
	return errIdx
}
