package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Version is the logical timestamp attached to every memory write. The
// pair orders totally: counter first, machine id as tie-break.
type Version struct {
	Counter   uint64 `json:"counter"`
	MachineID string `json:"machine_id"`
}

// Compare returns -1, 0, or 1 ordering v against other.
func (v Version) Compare(other Version) int {
	if v.Counter != other.Counter {
		if v.Counter < other.Counter {
			return -1
		}
		return 1
	}
	return strings.Compare(v.MachineID, other.MachineID)
}

// Less reports whether v orders strictly before other.
func (v Version) Less(other Version) bool {
	return v.Compare(other) < 0
}

// Equal reports whether both pairs match exactly.
func (v Version) Equal(other Version) bool {
	return v.Counter == other.Counter && v.MachineID == other.MachineID
}

// IsZero reports an unset version.
func (v Version) IsZero() bool {
	return v.Counter == 0 && v.MachineID == ""
}

func (v Version) String() string {
	return fmt.Sprintf("(%d,%s)", v.Counter, v.MachineID)
}

// Origin records where and when a memory was first written.
type Origin struct {
	MachineID     string    `json:"machine_id"`
	AgentID       string    `json:"agent_id"`
	CreatedAtWall time.Time `json:"created_at_wall"`
}

// Category classifies a memory. The set is closed; anything else is a
// validation error.
type Category string

const (
	CategoryGlobal         Category = "global"
	CategoryProject        Category = "project"
	CategoryConversation   Category = "conversation"
	CategoryAgent          Category = "agent"
	CategoryInfrastructure Category = "infrastructure"
	CategoryIncidents      Category = "incidents"
	CategoryDeployments    Category = "deployments"
	CategoryMonitoring     Category = "monitoring"
	CategoryRunbooks       Category = "runbooks"
	CategorySecurity       Category = "security"
)

// Categories lists the closed category set in declaration order.
func Categories() []Category {
	return []Category{
		CategoryGlobal, CategoryProject, CategoryConversation,
		CategoryAgent, CategoryInfrastructure, CategoryIncidents,
		CategoryDeployments, CategoryMonitoring, CategoryRunbooks,
		CategorySecurity,
	}
}

// ValidCategory reports whether c is in the closed set.
func ValidCategory(c Category) bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// Scope controls replication.
type Scope string

const (
	// ScopeCollective memories replicate to every peer.
	ScopeCollective Scope = "collective"
	// ScopeMachineLocal memories never leave the machine.
	ScopeMachineLocal Scope = "machine-local"
)

// Importance marks memories that outrank others of equal relevance.
type Importance string

const (
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
)

// MemoryState is the lifecycle state. Transitions are monotone
// (active -> soft_deleted -> purged) except recovery, which lifts
// soft_deleted back to active with a version bump.
type MemoryState string

const (
	MemoryStateActive      MemoryState = "active"
	MemoryStateSoftDeleted MemoryState = "soft_deleted"
	MemoryStatePurged      MemoryState = "purged"
)

// ConfidenceLevel buckets a composite score.
type ConfidenceLevel string

const (
	ConfidenceVeryHigh ConfidenceLevel = "very_high"
	ConfidenceHigh     ConfidenceLevel = "high"
	ConfidenceMedium   ConfidenceLevel = "medium"
	ConfidenceLow      ConfidenceLevel = "low"
	ConfidenceVeryLow  ConfidenceLevel = "very_low"
)

// LevelForScore maps a score in [0,1] onto its bucket.
func LevelForScore(score float64) ConfidenceLevel {
	switch {
	case score >= 0.85:
		return ConfidenceVeryHigh
	case score >= 0.70:
		return ConfidenceHigh
	case score >= 0.55:
		return ConfidenceMedium
	case score >= 0.40:
		return ConfidenceLow
	default:
		return ConfidenceVeryLow
	}
}

// Confidence is the computed composite score attached to a memory on
// read. Factors carries the per-factor breakdown.
type Confidence struct {
	Score      float64            `json:"score"`
	Level      ConfidenceLevel    `json:"level"`
	Factors    map[string]float64 `json:"factors,omitempty"`
	ComputedAt time.Time          `json:"computed_at"`
}

// ShadowEntry preserves the content of a write that lost a version
// conflict, so no text is lost to last-writer-wins.
type ShadowEntry struct {
	Content    string    `json:"content"`
	Version    Version   `json:"version"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Memory is the unit of stored knowledge.
type Memory struct {
	ID         string     `json:"id"` // {machine_id}:{ulid}, immutable
	Content    string     `json:"content"`
	Category   Category   `json:"category"`
	Tags       []string   `json:"tags,omitempty"`
	Scope      Scope      `json:"scope"`
	Importance Importance `json:"importance"`
	Origin     Origin     `json:"origin"`
	Version    Version    `json:"version"`
	VectorRef  string     `json:"vector_ref,omitempty"`
	ContextID  string     `json:"context_id,omitempty"`

	State        MemoryState `json:"state"`
	DeletedAt    *time.Time  `json:"deleted_at,omitempty"`
	DeleteReason string      `json:"delete_reason,omitempty"`
	DeletedBy    string      `json:"deleted_by,omitempty"`

	UpdatedAt     time.Time     `json:"updated_at"`
	VerifiedBy    string        `json:"verified_by,omitempty"`
	ShadowHistory []ShadowEntry `json:"shadow_history,omitempty"`

	// Extensions carries unrecognized metadata verbatim. It is stored
	// and replicated but never indexed.
	Extensions map[string]json.RawMessage `json:"extensions,omitempty"`
}

// Clone returns a deep copy safe to hand out as a snapshot.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	out := *m
	if m.Tags != nil {
		out.Tags = append([]string(nil), m.Tags...)
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		out.DeletedAt = &t
	}
	if m.ShadowHistory != nil {
		out.ShadowHistory = append([]ShadowEntry(nil), m.ShadowHistory...)
	}
	if m.Extensions != nil {
		out.Extensions = make(map[string]json.RawMessage, len(m.Extensions))
		for k, v := range m.Extensions {
			out.Extensions[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &out
}

// Active reports whether the memory is live.
func (m *Memory) Active() bool {
	return m.State == MemoryStateActive
}

// NormalizeTags lowercases, trims, deduplicates, and sorts a tag set.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// Tombstone is the persistent residue of a purged memory.
type Tombstone struct {
	ID        string    `json:"id"`
	Version   Version   `json:"version"`
	DeletedAt time.Time `json:"deleted_at"`
}

// ChangeKind labels a change record.
type ChangeKind string

const (
	ChangeCreate  ChangeKind = "create"
	ChangeUpdate  ChangeKind = "update"
	ChangeDelete  ChangeKind = "delete"
	ChangeRecover ChangeKind = "recover"
	ChangePurge   ChangeKind = "purge"
)

// Change is a create/update/delete/recover/purge record flowing through
// the sync engine. Purge carries a tombstone instead of the memory.
type Change struct {
	Kind      ChangeKind `json:"kind"`
	Memory    *Memory    `json:"memory,omitempty"`
	Tombstone *Tombstone `json:"tombstone,omitempty"`
}

// ID returns the memory id the change concerns.
func (c Change) ID() string {
	if c.Memory != nil {
		return c.Memory.ID
	}
	if c.Tombstone != nil {
		return c.Tombstone.ID
	}
	return ""
}

// ChangeVersion returns the version the change carries.
func (c Change) ChangeVersion() Version {
	if c.Memory != nil {
		return c.Memory.Version
	}
	if c.Tombstone != nil {
		return c.Tombstone.Version
	}
	return Version{}
}

// Origin returns the machine id of the version that produced the change.
func (c Change) Origin() string {
	return c.ChangeVersion().MachineID
}

// MessageKind labels a sync envelope.
type MessageKind string

const (
	MessageChange    MessageKind = "change"
	MessageDigest    MessageKind = "digest"
	MessageRequest   MessageKind = "request"
	MessageHeartbeat MessageKind = "heartbeat"
	MessageBroadcast MessageKind = "broadcast"
	MessageTask      MessageKind = "task"
)

// BroadcastTo addresses an envelope to every reachable peer.
const BroadcastTo = "*"

// SyncMessage is the only envelope that crosses the machine boundary.
// Unknown payload fields are ignored on receipt.
type SyncMessage struct {
	From    string          `json:"from"`
	To      string          `json:"to"` // machine id or BroadcastTo
	Kind    MessageKind     `json:"kind"`
	Seq     uint64          `json:"seq"` // monotonic per (from, to)
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Digest summarizes a machine's memory state for divergence detection.
type Digest struct {
	// Checkpoints maps origin machine id to the highest version counter
	// applied from that origin.
	Checkpoints map[string]uint64 `json:"checkpoints"`
	// RecentIDsHash is a hash over the most recent memory and tombstone
	// ids, catching divergence that checkpoints alone miss.
	RecentIDsHash string `json:"recent_ids_hash"`
	// FullWalk asks the receiver to answer with its complete state
	// summary (set while the sender needs a full resync).
	FullWalk bool `json:"full_walk,omitempty"`
}

// VersionRange names a gap of changes from one origin.
type VersionRange struct {
	Origin      string `json:"origin"`
	FromCounter uint64 `json:"from_counter"` // exclusive
	ToCounter   uint64 `json:"to_counter"`   // inclusive; 0 means open-ended
}

// FetchRequest asks a peer to stream the changes the sender is missing.
type FetchRequest struct {
	Ranges []VersionRange `json:"ranges"`
	Full   bool           `json:"full,omitempty"`
}

// Heartbeat is the liveness payload exchanged between peers.
type Heartbeat struct {
	MachineID string          `json:"machine_id"`
	NowWall   time.Time       `json:"now_wall"`
	LoadHint  float64         `json:"load_hint"`
	Agents    []AgentSnapshot `json:"agents,omitempty"`
}

// Peer is a known remote machine.
type Peer struct {
	MachineID string    `json:"machine_id"`
	Endpoint  string    `json:"endpoint"`
	LastSeen  time.Time `json:"last_seen"`
	Reachable bool      `json:"reachable"`
}

// AgentStatus is the registry view of an agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// Agent is a registered worker, owned by the machine it registered on.
type Agent struct {
	ID           string      `json:"id"`
	MachineID    string      `json:"machine_id"`
	Role         string      `json:"role"`
	Capabilities []string    `json:"capabilities"`
	Status       AgentStatus `json:"status"`
	ActiveTasks  int         `json:"active_tasks"`
	RegisteredAt time.Time   `json:"registered_at"`
	LastSeen     time.Time   `json:"last_seen"`
}

// HasCapabilities reports whether the agent covers every required tag.
func (a *Agent) HasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range a.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CapabilityOverlap counts how many required capabilities the agent has.
func (a *Agent) CapabilityOverlap(required []string) int {
	n := 0
	for _, want := range required {
		for _, have := range a.Capabilities {
			if have == want {
				n++
				break
			}
		}
	}
	return n
}

// AgentSnapshot is the compact roster entry gossiped on heartbeats.
type AgentSnapshot struct {
	ID           string      `json:"id"`
	MachineID    string      `json:"machine_id"`
	Role         string      `json:"role"`
	Capabilities []string    `json:"capabilities"`
	Status       AgentStatus `json:"status"`
	ActiveTasks  int         `json:"active_tasks"`
	LastSeen     time.Time   `json:"last_seen"`
}

// TaskPriority orders competing delegations.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// TaskState is the delegation lifecycle.
type TaskState string

const (
	TaskStatePending    TaskState = "pending"
	TaskStateAssigned   TaskState = "assigned"
	TaskStateInProgress TaskState = "in_progress"
	TaskStateDone       TaskState = "done"
	TaskStateFailed     TaskState = "failed"
	TaskStateExpired    TaskState = "expired"
	TaskStateCancelled  TaskState = "cancelled"
)

// Terminal reports whether no further transitions are legal.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateDone, TaskStateFailed, TaskStateExpired, TaskStateCancelled:
		return true
	}
	return false
}

// Task is a directed request for work with an explicit ack handshake.
type Task struct {
	ID                   string       `json:"id"`
	Description          string       `json:"description"`
	RequiredCapabilities []string     `json:"required_capabilities"`
	Priority             TaskPriority `json:"priority"`
	State                TaskState    `json:"state"`
	AssigneeAgentID      string       `json:"assignee_agent_id,omitempty"`
	AssigneeMachineID    string       `json:"assignee_machine_id,omitempty"`
	RequesterAgentID     string       `json:"requester_agent_id,omitempty"`
	RequesterMachineID   string       `json:"requester_machine_id,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
	Deadline             *time.Time   `json:"deadline,omitempty"`
}

// TaskAck is the explicit acceptance of a delegated task.
type TaskAck struct {
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	MachineID string    `json:"machine_id"`
	AckedAt   time.Time `json:"acked_at"`
}

// TaskCancel asks the assignee to stop at its next checkpoint. Advisory
// when the assignee is unreachable.
type TaskCancel struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// TaskEventKind labels task traffic on the bus.
type TaskEventKind string

const (
	TaskEventDelegate TaskEventKind = "delegate"
	TaskEventAck      TaskEventKind = "ack"
	TaskEventUpdate   TaskEventKind = "update"
	TaskEventCancel   TaskEventKind = "cancel"
)

// TaskEvent is the task payload carried in sync envelopes.
type TaskEvent struct {
	Kind   TaskEventKind `json:"kind"`
	Task   *Task         `json:"task,omitempty"`
	Ack    *TaskAck      `json:"ack,omitempty"`
	Cancel *TaskCancel   `json:"cancel,omitempty"`
}

// Severity grades a broadcast.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Broadcast is a fleet-wide ephemeral notice. Consumers deduplicate on
// ID; partitions may deliver it more than once.
type Broadcast struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Origin    Origin    `json:"origin"`
	CreatedAt time.Time `json:"created_at"`
}

// QuarantinedChange is a replicated change that failed application too
// many times and was parked for operator review. Local memory state is
// unaffected by quarantine.
type QuarantinedChange struct {
	Key           string    `json:"key"` // {id}@{version}
	Peer          string    `json:"peer"`
	Change        Change    `json:"change"`
	Failures      int       `json:"failures"`
	LastError     string    `json:"last_error"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
}

// KeepPolicy selects the surviving content on merge.
type KeepPolicy string

const (
	KeepNewest  KeepPolicy = "newest"
	KeepLongest KeepPolicy = "longest"
	KeepManual  KeepPolicy = "manual"
)

// StatusSnapshot is the health endpoint body.
type StatusSnapshot struct {
	MachineID        string           `json:"machine_id"`
	PeerCount        int              `json:"peer_count"`
	UnreachablePeers []string         `json:"unreachable_peers"`
	MemoryCount      int              `json:"memory_count"`
	RingFillPct      float64          `json:"ring_fill_pct"`
	LastDigestAt     time.Time        `json:"last_digest_at"`
	LagPerPeer       map[string]int64 `json:"lag_per_peer"`
	NeedsFullResync  bool             `json:"needs_full_resync,omitempty"`
}
