package rpc

import (
	"context"
	"encoding/json"

	"github.com/cuemby/collective/pkg/agent"
	"github.com/cuemby/collective/pkg/bus"
	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/index"
	"github.com/cuemby/collective/pkg/memory"
	"github.com/cuemby/collective/pkg/types"
)

func decode[T any](req *Request) (*T, *Response) {
	var args T
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, failResponse(req.RequestID, fault.Validationf("malformed args for %s: %v", req.Op, err))
		}
	}
	return &args, nil
}

func (s *Server) handleMemoryStore(ctx context.Context, req *Request) *Response {
	args, fail := decode[StoreArgs](req)
	if fail != nil {
		return fail
	}
	agentID := args.AgentID
	if agentID == "" {
		agentID = req.Actor
	}
	m, err := s.deps.Store.Store(ctx, memory.StoreRequest{
		Content:    args.Content,
		Category:   args.Category,
		Tags:       args.Tags,
		Scope:      args.Scope,
		Importance: args.Importance,
		AgentID:    agentID,
		ContextID:  args.ContextID,
		Extensions: args.Extensions,
	})
	if err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, m)
}

func (s *Server) handleMemorySearch(ctx context.Context, req *Request) *Response {
	args, fail := decode[SearchArgs](req)
	if fail != nil {
		return fail
	}
	results, err := s.deps.Store.Search(ctx, memory.SearchRequest{
		Query: args.Query,
		Filter: index.Filter{
			Category:  args.Category,
			Scope:     args.Scope,
			MachineID: args.MachineID,
			TagsAny:   args.TagsAny,
			TagsAll:   args.TagsAll,
			AgeWithin: args.AgeWithin,
		},
		Limit:         args.Limit,
		MinConfidence: args.MinConfidence,
		ContextTags:   args.ContextTags,
	})
	if err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, results)
}

func (s *Server) handleMemoryGet(ctx context.Context, req *Request) *Response {
	args, fail := decode[GetArgs](req)
	if fail != nil {
		return fail
	}
	m, err := s.deps.Store.Get(ctx, args.ID, args.IncludeDeleted)
	if err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, m)
}

func (s *Server) handleMemoryUpdate(ctx context.Context, req *Request) *Response {
	args, fail := decode[UpdateArgs](req)
	if fail != nil {
		return fail
	}
	m, err := s.deps.Store.Update(ctx, args.ID, memory.Patch{
		Content:         args.Content,
		Tags:            args.Tags,
		Importance:      args.Importance,
		ExpectedVersion: args.ExpectedVersion,
	})
	if err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, m)
}

func (s *Server) handleMemoryDelete(ctx context.Context, req *Request) *Response {
	args, fail := decode[DeleteArgs](req)
	if fail != nil {
		return fail
	}
	if args.Hard {
		t, err := s.deps.Store.Purge(ctx, args.ID)
		if err != nil {
			return failResponse(req.RequestID, err)
		}
		return okResponse(req.RequestID, t)
	}
	m, err := s.deps.Store.SoftDelete(ctx, args.ID, args.Reason, req.Actor)
	if err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, m)
}

func (s *Server) handleMemoryRecover(ctx context.Context, req *Request) *Response {
	args, fail := decode[IDArgs](req)
	if fail != nil {
		return fail
	}
	m, err := s.deps.Store.Recover(ctx, args.ID)
	if err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, m)
}

func (s *Server) handleMemoryList(ctx context.Context, req *Request) *Response {
	args, fail := decode[ListArgs](req)
	if fail != nil {
		return fail
	}
	memories, err := s.deps.Store.ListRecent(ctx, args.Category, args.Since, args.Limit)
	if err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, memories)
}

func (s *Server) handleMemoryVerify(ctx context.Context, req *Request) *Response {
	args, fail := decode[VerifyArgs](req)
	if fail != nil {
		return fail
	}
	agentID := args.AgentID
	if agentID == "" {
		agentID = req.Actor
	}
	m, err := s.deps.Store.MarkVerified(ctx, args.ID, agentID)
	if err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, m)
}

func (s *Server) handleMemoryOutcome(ctx context.Context, req *Request) *Response {
	args, fail := decode[OutcomeArgs](req)
	if fail != nil {
		return fail
	}
	m, err := s.deps.Store.RecordOutcome(ctx, args.ID, args.Success)
	if err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, m)
}

func (s *Server) handleAgentRegister(ctx context.Context, req *Request) *Response {
	args, fail := decode[RegisterArgs](req)
	if fail != nil {
		return fail
	}
	a, err := s.deps.Agents.Register(ctx, args.Role, args.Capabilities)
	if err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, a)
}

func (s *Server) handleAgentDeregister(ctx context.Context, req *Request) *Response {
	args, fail := decode[AgentIDArgs](req)
	if fail != nil {
		return fail
	}
	if err := s.deps.Agents.Deregister(ctx, args.AgentID); err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, nil)
}

func (s *Server) handleAgentHeartbeat(ctx context.Context, req *Request) *Response {
	args, fail := decode[HeartbeatArgs](req)
	if fail != nil {
		return fail
	}
	if err := s.deps.Agents.Heartbeat(ctx, args.AgentID, args.Status); err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, nil)
}

func (s *Server) handleAgentRoster(_ context.Context, req *Request) *Response {
	args, fail := decode[RosterArgs](req)
	if fail != nil {
		return fail
	}
	roster := s.deps.Agents.Roster(agent.RosterFilter{
		Role:       args.Role,
		Capability: args.Capability,
		Status:     args.Status,
		MachineID:  args.MachineID,
	})
	return okResponse(req.RequestID, roster)
}

func (s *Server) handleTaskDelegate(ctx context.Context, req *Request) *Response {
	args, fail := decode[DelegateArgs](req)
	if fail != nil {
		return fail
	}
	requester := args.RequesterAgentID
	if requester == "" {
		requester = req.Actor
	}
	t, err := s.deps.Bus.Delegate(ctx, bus.DelegateRequest{
		Description:      args.Description,
		Required:         args.Required,
		Priority:         args.Priority,
		RequesterAgentID: requester,
		Affinity:         args.Affinity,
		Deadline:         args.Deadline,
	})
	if err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, t)
}

func (s *Server) handleTaskAck(ctx context.Context, req *Request) *Response {
	args, fail := decode[types.TaskAck](req)
	if fail != nil {
		return fail
	}
	if args.MachineID == "" {
		args.MachineID = s.deps.MachineID
	}
	if err := s.deps.Bus.Ack(ctx, *args); err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, nil)
}

func (s *Server) handleTaskComplete(ctx context.Context, req *Request) *Response {
	args, fail := decode[CompleteArgs](req)
	if fail != nil {
		return fail
	}
	agentID := args.AgentID
	if agentID == "" {
		agentID = req.Actor
	}
	t, err := s.deps.Bus.Complete(ctx, args.TaskID, args.Success, agentID)
	if err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, t)
}

func (s *Server) handleTaskCancel(ctx context.Context, req *Request) *Response {
	args, fail := decode[CancelArgs](req)
	if fail != nil {
		return fail
	}
	t, err := s.deps.Bus.Cancel(ctx, args.TaskID, args.Reason)
	if err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, t)
}

func (s *Server) handleTaskGet(_ context.Context, req *Request) *Response {
	args, fail := decode[IDArgs](req)
	if fail != nil {
		return fail
	}
	t, err := s.deps.Bus.Task(args.ID)
	if err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, t)
}

func (s *Server) handleBusBroadcast(ctx context.Context, req *Request) *Response {
	args, fail := decode[BroadcastArgs](req)
	if fail != nil {
		return fail
	}
	agentID := args.AgentID
	if agentID == "" {
		agentID = req.Actor
	}
	b, err := s.deps.Bus.Publish(ctx, args.Message, args.Severity, args.Category, agentID)
	if err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, b)
}

func (s *Server) handleBusDiscover(ctx context.Context, req *Request) *Response {
	args, fail := decode[DiscoverArgs](req)
	if fail != nil {
		return fail
	}
	agentID := args.AgentID
	if agentID == "" {
		agentID = req.Actor
	}
	b, m, err := s.deps.Bus.Discover(ctx, args.Message, args.Category, args.Tags, agentID)
	if err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, map[string]any{"broadcast": b, "memory": m})
}

func (s *Server) handleStatus(_ context.Context, req *Request) *Response {
	return okResponse(req.RequestID, s.deps.Status())
}

func (s *Server) handleSyncTrigger(ctx context.Context, req *Request) *Response {
	args, fail := decode[TriggerArgs](req)
	if fail != nil {
		return fail
	}
	s.deps.Engine.TriggerSync(ctx, args.Clean)
	return okResponse(req.RequestID, s.deps.Engine.Status())
}

func (s *Server) handleQuarantineList(_ context.Context, req *Request) *Response {
	list, err := s.deps.Engine.Quarantined()
	if err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, list)
}

func (s *Server) handleQuarantineRetry(ctx context.Context, req *Request) *Response {
	args, fail := decode[KeyArgs](req)
	if fail != nil {
		return fail
	}
	if err := s.deps.Engine.RetryQuarantined(ctx, args.Key); err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, nil)
}

func (s *Server) handleCompact(ctx context.Context, req *Request) *Response {
	stats, err := s.deps.Store.Compact(ctx)
	if err != nil {
		return failResponse(req.RequestID, err)
	}
	return okResponse(req.RequestID, stats)
}
