package rpc

import (
	"encoding/json"
	"time"

	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/types"
)

// Operation names. Agent-facing ops mutate or read this machine;
// sync.* ops are peer-facing and carry only SyncMessage payloads.
const (
	OpMemoryStore   = "memory.store"
	OpMemorySearch  = "memory.search"
	OpMemoryGet     = "memory.get"
	OpMemoryUpdate  = "memory.update"
	OpMemoryDelete  = "memory.delete"
	OpMemoryRecover = "memory.recover"
	OpMemoryList    = "memory.list"
	OpMemoryVerify  = "memory.verify"
	OpMemoryOutcome = "memory.outcome"

	OpAgentRegister   = "agent.register"
	OpAgentDeregister = "agent.deregister"
	OpAgentHeartbeat  = "agent.heartbeat"
	OpAgentRoster     = "agent.roster"

	OpTaskDelegate = "task.delegate"
	OpTaskAck      = "task.ack"
	OpTaskComplete = "task.complete"
	OpTaskCancel   = "task.cancel"
	OpTaskGet      = "task.get"

	OpBusBroadcast = "bus.broadcast"
	OpBusDiscover  = "bus.discover"
	OpBusWatch     = "bus.watch"

	OpStatus      = "status"
	OpSyncTrigger = "sync.trigger"

	OpSyncStream = "sync.stream"
	OpSyncDigest = "sync.digest"
	OpSyncFetch  = "sync.fetch"

	OpAdminQuarantineList  = "admin.quarantine.list"
	OpAdminQuarantineRetry = "admin.quarantine.retry"
	OpAdminCompact         = "admin.compact"
)

// Request is one line from client to server.
type Request struct {
	Op        string          `json:"op"`
	Args      json.RawMessage `json:"args,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Actor     string          `json:"actor,omitempty"`
}

// Response is one line from server to client. Data is op-specific.
type Response struct {
	OK        bool            `json:"ok"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *fault.Error    `json:"error,omitempty"`
}

// StoreArgs backs memory.store.
type StoreArgs struct {
	Content    string                     `json:"content"`
	Category   types.Category             `json:"category"`
	Tags       []string                   `json:"tags,omitempty"`
	Scope      types.Scope                `json:"scope,omitempty"`
	Importance types.Importance           `json:"importance,omitempty"`
	AgentID    string                     `json:"agent_id,omitempty"`
	ContextID  string                     `json:"context_id,omitempty"`
	Extensions map[string]json.RawMessage `json:"extensions,omitempty"`
}

// SearchArgs backs memory.search.
type SearchArgs struct {
	Query         string         `json:"query"`
	Category      types.Category `json:"category,omitempty"`
	Scope         types.Scope    `json:"scope,omitempty"`
	TagsAny       []string       `json:"tags_any,omitempty"`
	TagsAll       []string       `json:"tags_all,omitempty"`
	MachineID     string         `json:"machine_id,omitempty"`
	AgeWithin     time.Duration  `json:"age_within,omitempty"`
	Limit         int            `json:"limit,omitempty"`
	MinConfidence float64        `json:"min_confidence,omitempty"`
	ContextTags   []string       `json:"context_tags,omitempty"`
}

// GetArgs backs memory.get.
type GetArgs struct {
	ID             string `json:"id"`
	IncludeDeleted bool   `json:"include_deleted,omitempty"`
}

// UpdateArgs backs memory.update. Nil fields are untouched.
type UpdateArgs struct {
	ID              string            `json:"id"`
	Content         *string           `json:"content,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	Importance      *types.Importance `json:"importance,omitempty"`
	ExpectedVersion *types.Version    `json:"expected_version,omitempty"`
}

// DeleteArgs backs memory.delete. Hard purges after the retention
// window instead of soft-deleting.
type DeleteArgs struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
	Hard   bool   `json:"hard,omitempty"`
}

// IDArgs backs ops addressed by a single id.
type IDArgs struct {
	ID string `json:"id"`
}

// ListArgs backs memory.list.
type ListArgs struct {
	Category types.Category `json:"category,omitempty"`
	Since    time.Time      `json:"since,omitempty"`
	Limit    int            `json:"limit,omitempty"`
}

// VerifyArgs backs memory.verify.
type VerifyArgs struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
}

// OutcomeArgs backs memory.outcome.
type OutcomeArgs struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

// RegisterArgs backs agent.register.
type RegisterArgs struct {
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// AgentIDArgs backs agent.deregister.
type AgentIDArgs struct {
	AgentID string `json:"agent_id"`
}

// HeartbeatArgs backs agent.heartbeat.
type HeartbeatArgs struct {
	AgentID string            `json:"agent_id"`
	Status  types.AgentStatus `json:"status"`
}

// RosterArgs backs agent.roster.
type RosterArgs struct {
	Role       string            `json:"role,omitempty"`
	Capability string            `json:"capability,omitempty"`
	Status     types.AgentStatus `json:"status,omitempty"`
	MachineID  string            `json:"machine_id,omitempty"`
}

// DelegateArgs backs task.delegate.
type DelegateArgs struct {
	Description      string             `json:"description"`
	Required         []string           `json:"required,omitempty"`
	Priority         types.TaskPriority `json:"priority,omitempty"`
	RequesterAgentID string             `json:"requester_agent_id,omitempty"`
	Affinity         string             `json:"affinity,omitempty"`
	Deadline         *time.Time         `json:"deadline,omitempty"`
}

// CompleteArgs backs task.complete.
type CompleteArgs struct {
	TaskID  string `json:"task_id"`
	Success bool   `json:"success"`
	AgentID string `json:"agent_id,omitempty"`
}

// CancelArgs backs task.cancel.
type CancelArgs struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// BroadcastArgs backs bus.broadcast.
type BroadcastArgs struct {
	Message  string         `json:"message"`
	Severity types.Severity `json:"severity,omitempty"`
	Category types.Category `json:"category,omitempty"`
	AgentID  string         `json:"agent_id,omitempty"`
}

// DiscoverArgs backs bus.discover.
type DiscoverArgs struct {
	Message  string         `json:"message"`
	Category types.Category `json:"category,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	AgentID  string         `json:"agent_id,omitempty"`
}

// TriggerArgs backs sync.trigger.
type TriggerArgs struct {
	Clean bool `json:"clean,omitempty"`
}

// KeyArgs backs admin.quarantine.retry.
type KeyArgs struct {
	Key string `json:"key"`
}

func okResponse(requestID string, data any) *Response {
	resp := &Response{OK: true, RequestID: requestID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return failResponse(requestID, fault.Internalf(err, "encode response"))
		}
		resp.Data = raw
	}
	return resp
}

func failResponse(requestID string, err error) *Response {
	return &Response{OK: false, RequestID: requestID, Error: fault.From(err)}
}
