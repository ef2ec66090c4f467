package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/memory"
	"github.com/cuemby/collective/pkg/types"
)

// DelegateRequest is the input to Delegate.
type DelegateRequest struct {
	Description      string
	Required         []string
	Priority         types.TaskPriority
	RequesterAgentID string
	Affinity         string
	Deadline         *time.Time
}

// Delegate routes a task to a capable agent and awaits the explicit
// ack. On ack timeout the delegation is resent once and then downgraded
// to best-effort: the task stays assigned and the ack may still arrive.
func (b *Bus) Delegate(ctx context.Context, req DelegateRequest) (*types.Task, error) {
	if req.Description == "" {
		return nil, fault.Validationf("task description must not be empty")
	}
	priority := req.Priority
	if priority == "" {
		priority = types.PriorityMedium
	}
	switch priority {
	case types.PriorityLow, types.PriorityMedium, types.PriorityHigh, types.PriorityCritical:
	default:
		return nil, fault.Validationf("invalid priority %q", req.Priority)
	}

	assignee, err := b.agents.Route(req.Required, req.Affinity)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &types.Task{
		ID:                   uuid.NewString(),
		Description:          req.Description,
		RequiredCapabilities: types.NormalizeTags(req.Required),
		Priority:             priority,
		State:                types.TaskStateAssigned,
		AssigneeAgentID:      assignee.ID,
		AssigneeMachineID:    assignee.MachineID,
		RequesterAgentID:     req.RequesterAgentID,
		RequesterMachineID:   b.machineID,
		CreatedAt:            now,
		UpdatedAt:            now,
		Deadline:             req.Deadline,
	}
	if err := b.saveTask(ctx, t, "assigned to "+assignee.ID); err != nil {
		return nil, err
	}

	ackCh := b.registerAckWait(t.ID)
	defer b.dropAckWait(t.ID)

	ev := types.TaskEvent{Kind: types.TaskEventDelegate, Task: t}
	bo := backoff.NewExponentialBackOff()
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return t, fault.Transportf(ctx.Err(), "delegation interrupted")
			}
		}
		if err := b.deliverTaskEvent(ctx, assignee.MachineID, ev); err != nil {
			b.lg.Warn().Err(err).Str("task", t.ID).Int("attempt", attempt+1).Msg("task delivery failed")
			continue
		}
		select {
		case ack := <-ackCh:
			b.lg.Info().Str("task", t.ID).Str("agent", ack.AgentID).Msg("task acked")
			return b.getTask(t.ID)
		case <-time.After(b.cfg.TaskAckWait.Std()):
			b.lg.Warn().Str("task", t.ID).Int("attempt", attempt+1).Msg("ack timeout")
		case <-ctx.Done():
			return t, fault.Transportf(ctx.Err(), "delegation interrupted")
		}
	}

	// Best effort from here: the assignment stands and a late ack is
	// still honored.
	b.lg.Warn().Str("task", t.ID).Str("agent", assignee.ID).Msg("no ack received, downgrading to best-effort")
	return b.getTask(t.ID)
}

// deliverTaskEvent hands a task event to a local subscriber or forwards
// it to the assignee's machine.
func (b *Bus) deliverTaskEvent(ctx context.Context, machineID string, ev types.TaskEvent) error {
	if machineID == b.machineID {
		b.broker.Publish(Event{Kind: EventTask, Task: &ev})
		return nil
	}
	return b.sender.SendTask(ctx, machineID, ev)
}

// Ack accepts a task on behalf of its assignee.
func (b *Bus) Ack(ctx context.Context, ack types.TaskAck) error {
	t, err := b.getTask(ack.TaskID)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return fault.Conflictf("task %s is already %s", t.ID, t.State)
	}
	if expired, err := b.expireIfPastDeadline(ctx, t); expired {
		return err
	}
	if ack.AckedAt.IsZero() {
		ack.AckedAt = time.Now().UTC()
	}

	t.State = types.TaskStateInProgress
	if t.AssigneeAgentID == "" {
		t.AssigneeAgentID = ack.AgentID
		t.AssigneeMachineID = ack.MachineID
	}
	t.UpdatedAt = time.Now().UTC()
	if err := b.saveTask(ctx, t, "acked by "+ack.AgentID); err != nil {
		return err
	}
	if b.agents.Local(ack.AgentID) {
		b.agents.AdjustTasks(ack.AgentID, 1)
	}
	b.notifyAck(ack)

	// The requester may be on another machine; relay the ack there.
	if t.RequesterMachineID != "" && t.RequesterMachineID != b.machineID {
		if err := b.sender.SendTask(ctx, t.RequesterMachineID, types.TaskEvent{Kind: types.TaskEventAck, Ack: &ack}); err != nil {
			b.lg.Warn().Err(err).Str("task", t.ID).Msg("relaying ack to requester failed")
		}
	}
	return nil
}

// Complete finishes a task as done or failed.
func (b *Bus) Complete(ctx context.Context, taskID string, success bool, agentID string) (*types.Task, error) {
	t, err := b.getTask(taskID)
	if err != nil {
		return nil, err
	}
	if t.State.Terminal() {
		return nil, fault.Conflictf("task %s is already %s", t.ID, t.State)
	}

	t.State = types.TaskStateDone
	if !success {
		t.State = types.TaskStateFailed
	}
	t.UpdatedAt = time.Now().UTC()
	if err := b.saveTask(ctx, t, "completed by "+agentID); err != nil {
		return nil, err
	}
	if b.agents.Local(t.AssigneeAgentID) {
		b.agents.AdjustTasks(t.AssigneeAgentID, -1)
	}
	b.broker.Publish(Event{Kind: EventTask, Task: &types.TaskEvent{Kind: types.TaskEventUpdate, Task: t}})

	if t.RequesterMachineID != "" && t.RequesterMachineID != b.machineID {
		if err := b.sender.SendTask(ctx, t.RequesterMachineID, types.TaskEvent{Kind: types.TaskEventUpdate, Task: t}); err != nil {
			b.lg.Warn().Err(err).Str("task", t.ID).Msg("relaying completion to requester failed")
		}
	}
	return t, nil
}

// Cancel asks the assignee to stop at its next checkpoint. Advisory:
// cancellation of an unreachable assignee is recorded locally and
// delivered when the peer returns.
func (b *Bus) Cancel(ctx context.Context, taskID, reason string) (*types.Task, error) {
	t, err := b.getTask(taskID)
	if err != nil {
		return nil, err
	}
	if t.State.Terminal() {
		return nil, fault.Conflictf("task %s is already %s", t.ID, t.State)
	}

	t.State = types.TaskStateCancelled
	t.UpdatedAt = time.Now().UTC()
	if err := b.saveTask(ctx, t, "cancelled: "+reason); err != nil {
		return nil, err
	}
	if b.agents.Local(t.AssigneeAgentID) {
		b.agents.AdjustTasks(t.AssigneeAgentID, -1)
	}

	cancel := types.TaskEvent{Kind: types.TaskEventCancel, Cancel: &types.TaskCancel{TaskID: t.ID, Reason: reason}}
	if err := b.deliverTaskEvent(ctx, t.AssigneeMachineID, cancel); err != nil {
		b.lg.Warn().Err(err).Str("task", t.ID).Msg("cancel delivery failed, assignee will learn on reconnect")
	}
	return t, nil
}

// HandleTask ingests a task event from a peer machine.
func (b *Bus) HandleTask(ctx context.Context, from string, ev types.TaskEvent) {
	switch ev.Kind {
	case types.TaskEventDelegate:
		if ev.Task == nil {
			return
		}
		if err := b.bolt.SaveTask(ev.Task); err != nil {
			b.lg.Warn().Err(err).Str("task", ev.Task.ID).Msg("persisting delegated task failed")
		}
		b.lg.Debug().Str("task", ev.Task.ID).Str("from", from).Msg("task delegated to this machine")
		b.broker.Publish(Event{Kind: EventTask, Task: &ev})

	case types.TaskEventAck:
		if ev.Ack == nil {
			return
		}
		if t, err := b.getTask(ev.Ack.TaskID); err == nil && !t.State.Terminal() {
			t.State = types.TaskStateInProgress
			t.UpdatedAt = time.Now().UTC()
			if err := b.bolt.SaveTask(t); err != nil {
				b.lg.Warn().Err(err).Str("task", t.ID).Msg("persisting acked task failed")
			}
		}
		b.notifyAck(*ev.Ack)
		b.broker.Publish(Event{Kind: EventTask, Task: &ev})

	case types.TaskEventUpdate:
		if ev.Task == nil {
			return
		}
		if err := b.bolt.SaveTask(ev.Task); err != nil {
			b.lg.Warn().Err(err).Str("task", ev.Task.ID).Msg("persisting task update failed")
		}
		b.broker.Publish(Event{Kind: EventTask, Task: &ev})

	case types.TaskEventCancel:
		if ev.Cancel == nil {
			return
		}
		if t, err := b.getTask(ev.Cancel.TaskID); err == nil && !t.State.Terminal() {
			t.State = types.TaskStateCancelled
			t.UpdatedAt = time.Now().UTC()
			if err := b.bolt.SaveTask(t); err != nil {
				b.lg.Warn().Err(err).Str("task", t.ID).Msg("persisting cancelled task failed")
			}
			if b.agents.Local(t.AssigneeAgentID) {
				b.agents.AdjustTasks(t.AssigneeAgentID, -1)
			}
		}
		b.broker.Publish(Event{Kind: EventTask, Task: &ev})
	}
}

// Task returns the locally known task state.
func (b *Bus) Task(taskID string) (*types.Task, error) {
	return b.getTask(taskID)
}

func (b *Bus) getTask(taskID string) (*types.Task, error) {
	t, err := b.bolt.GetTask(taskID)
	if err != nil {
		return nil, fault.NotFoundf("task %s not found", taskID)
	}
	return t, nil
}

func (b *Bus) expireIfPastDeadline(ctx context.Context, t *types.Task) (bool, error) {
	if t.Deadline == nil || time.Now().Before(*t.Deadline) {
		return false, nil
	}
	t.State = types.TaskStateExpired
	t.UpdatedAt = time.Now().UTC()
	if err := b.saveTask(ctx, t, "deadline passed"); err != nil {
		return true, err
	}
	return true, fault.Conflictf("task %s expired at %s", t.ID, t.Deadline.Format(time.RFC3339))
}

// saveTask persists the task and records the transition as a memory so
// task history is searchable and survives restarts on every machine.
func (b *Bus) saveTask(ctx context.Context, t *types.Task, note string) error {
	if err := b.bolt.SaveTask(t); err != nil {
		return fault.Unavailablef(err, "persist task %s", t.ID)
	}
	_, err := b.store.Store(ctx, memory.StoreRequest{
		Content:  fmt.Sprintf("task %s %s (%s): %s", t.ID, t.State, note, t.Description),
		Category: types.CategoryGlobal,
		Tags:     []string{"task", string(t.State)},
		Scope:    types.ScopeCollective,
		AgentID:  t.RequesterAgentID,
	})
	if err != nil {
		b.lg.Warn().Err(err).Str("task", t.ID).Msg("recording task transition failed")
	}
	return nil
}

func (b *Bus) registerAckWait(taskID string) chan types.TaskAck {
	ch := make(chan types.TaskAck, 1)
	b.mu.Lock()
	b.ackWait[taskID] = ch
	b.mu.Unlock()
	return ch
}

func (b *Bus) dropAckWait(taskID string) {
	b.mu.Lock()
	delete(b.ackWait, taskID)
	b.mu.Unlock()
}

func (b *Bus) notifyAck(ack types.TaskAck) {
	b.mu.Lock()
	ch, ok := b.ackWait[ack.TaskID]
	b.mu.Unlock()
	if ok {
		select {
		case ch <- ack:
		default:
		}
	}
}
