package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/collective/pkg/types"
)

var (
	// Bucket names
	bucketVersions   = []byte("version_index")
	bucketPeerSeqs   = []byte("peer_seqs")
	bucketAgents     = []byte("agents")
	bucketTasks      = []byte("tasks")
	bucketQuarantine = []byte("quarantine")
	bucketMeta       = []byte("meta")
)

// VersionEntry is the version_index value for one memory id.
type VersionEntry struct {
	Version types.Version     `json:"version"`
	State   types.MemoryState `json:"state"`
}

// PeerSeqs tracks the outbox sequence state for one peer: the highest
// seq handed out and the highest seq the peer has acked.
type PeerSeqs struct {
	Sent  uint64 `json:"sent"`
	Acked uint64 `json:"acked"`
}

// BoltIndex holds the secondary index and the small durable sets that
// are not part of the record logs: peer sequence state, agents, tasks,
// quarantined changes, and metadata.
type BoltIndex struct {
	db *bolt.DB
}

// NewBoltIndex creates a new BoltDB-backed index
func NewBoltIndex(dataDir string) (*BoltIndex, error) {
	dbPath := filepath.Join(dataDir, "collective.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketVersions,
			bucketPeerSeqs,
			bucketAgents,
			bucketTasks,
			bucketQuarantine,
			bucketMeta,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltIndex{db: db}, nil
}

// Close closes the database
func (s *BoltIndex) Close() error {
	return s.db.Close()
}

// Version index operations

func (s *BoltIndex) PutVersion(id string, entry VersionEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVersions)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func (s *BoltIndex) GetVersion(id string) (VersionEntry, bool, error) {
	var entry VersionEntry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVersions)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	return entry, found, err
}

func (s *BoltIndex) ForEachVersion(fn func(id string, entry VersionEntry) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVersions)
		return b.ForEach(func(k, v []byte) error {
			var entry VersionEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			return fn(string(k), entry)
		})
	})
}

// ReplaceVersions rebuilds the whole version index in one transaction,
// used after log compaction.
func (s *BoltIndex) ReplaceVersions(entries map[string]VersionEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketVersions); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketVersions)
		if err != nil {
			return err
		}
		for id, entry := range entries {
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Peer sequence operations

func (s *BoltIndex) PutPeerSeqs(peer string, seqs PeerSeqs) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeerSeqs)
		data, err := json.Marshal(seqs)
		if err != nil {
			return err
		}
		return b.Put([]byte(peer), data)
	})
}

func (s *BoltIndex) GetPeerSeqs(peer string) (PeerSeqs, error) {
	var seqs PeerSeqs
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeerSeqs)
		data := b.Get([]byte(peer))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &seqs)
	})
	return seqs, err
}

// Agent operations

func (s *BoltIndex) SaveAgent(agent *types.Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		data, err := json.Marshal(agent)
		if err != nil {
			return err
		}
		return b.Put([]byte(agent.ID), data)
	})
}

func (s *BoltIndex) ListAgents() ([]*types.Agent, error) {
	var agents []*types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		return b.ForEach(func(k, v []byte) error {
			var agent types.Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return err
			}
			agents = append(agents, &agent)
			return nil
		})
	})
	return agents, err
}

func (s *BoltIndex) DeleteAgent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		return b.Delete([]byte(id))
	})
}

// Task operations

func (s *BoltIndex) SaveTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.ID), data)
	})
}

func (s *BoltIndex) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task not found: %s", id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltIndex) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

// Quarantine operations

func (s *BoltIndex) PutQuarantined(q *types.QuarantinedChange) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuarantine)
		data, err := json.Marshal(q)
		if err != nil {
			return err
		}
		return b.Put([]byte(q.Key), data)
	})
}

func (s *BoltIndex) ListQuarantined() ([]*types.QuarantinedChange, error) {
	var out []*types.QuarantinedChange
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuarantine)
		return b.ForEach(func(k, v []byte) error {
			var q types.QuarantinedChange
			if err := json.Unmarshal(v, &q); err != nil {
				return err
			}
			out = append(out, &q)
			return nil
		})
	})
	return out, err
}

func (s *BoltIndex) DeleteQuarantined(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuarantine)
		return b.Delete([]byte(key))
	})
}

// Meta operations

func (s *BoltIndex) PutMeta(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		return b.Put([]byte(key), value)
	})
}

func (s *BoltIndex) GetMeta(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		data := b.Get([]byte(key))
		if data != nil {
			out = append([]byte(nil), data...)
		}
		return nil
	})
	return out, err
}
