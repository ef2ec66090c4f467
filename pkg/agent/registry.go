package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/collective/pkg/config"
	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/log"
	"github.com/cuemby/collective/pkg/metrics"
	"github.com/cuemby/collective/pkg/storage"
	"github.com/cuemby/collective/pkg/types"
)

// Registry owns the agents registered on this machine and a merged view
// of peer rosters. Local agents are the only ones it mutates; remote
// snapshots are replaced wholesale on each peer heartbeat.
type Registry struct {
	cfg       config.AgentConfig
	machineID string
	bolt      *storage.BoltIndex
	lg        zerolog.Logger

	// onEvict is raised after an agent is removed for lease expiry, so
	// the coordination layer can announce it fleet-wide.
	onEvict func(a types.Agent)

	mu     sync.Mutex
	local  map[string]*types.Agent
	remote map[string]map[string]types.AgentSnapshot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads persisted registrations so leases survive a restart.
func New(cfg config.AgentConfig, machineID string, bolt *storage.BoltIndex) (*Registry, error) {
	r := &Registry{
		cfg:       cfg,
		machineID: machineID,
		bolt:      bolt,
		lg:        log.WithComponent("agent"),
		local:     make(map[string]*types.Agent),
		remote:    make(map[string]map[string]types.AgentSnapshot),
	}
	agents, err := bolt.ListAgents()
	if err != nil {
		return nil, fault.Unavailablef(err, "load persisted agents")
	}
	for _, a := range agents {
		r.local[a.ID] = a
	}
	if len(agents) > 0 {
		r.lg.Info().Int("agents", len(agents)).Msg("restored agent registrations")
	}
	r.updateGauges()
	return r, nil
}

// SetOnEvict installs the eviction callback. Must be called before Start.
func (r *Registry) SetOnEvict(fn func(a types.Agent)) {
	r.onEvict = fn
}

// Start launches the lease expiry sweep.
func (r *Registry) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.runSweep()
}

// Stop halts the sweep loop.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Register leases a new agent registration.
func (r *Registry) Register(_ context.Context, role string, capabilities []string) (*types.Agent, error) {
	if role == "" {
		return nil, fault.Validationf("agent role must not be empty")
	}
	now := time.Now().UTC()
	a := &types.Agent{
		ID:           uuid.NewString(),
		MachineID:    r.machineID,
		Role:         role,
		Capabilities: types.NormalizeTags(capabilities),
		Status:       types.AgentIdle,
		RegisteredAt: now,
		LastSeen:     now,
	}
	if err := r.bolt.SaveAgent(a); err != nil {
		return nil, fault.Unavailablef(err, "persist agent registration")
	}

	r.mu.Lock()
	r.local[a.ID] = a
	r.mu.Unlock()
	r.updateGauges()

	r.lg.Info().Str("agent", a.ID).Str("role", role).Strs("capabilities", a.Capabilities).Msg("agent registered")
	out := *a
	return &out, nil
}

// Heartbeat renews an agent's lease and updates its status.
func (r *Registry) Heartbeat(_ context.Context, agentID string, status types.AgentStatus) error {
	if status != types.AgentIdle && status != types.AgentBusy {
		return fault.Validationf("heartbeat status must be idle or busy, got %q", status)
	}

	r.mu.Lock()
	a, ok := r.local[agentID]
	if !ok {
		r.mu.Unlock()
		return fault.NotFoundf("agent %s is not registered here", agentID)
	}
	a.Status = status
	a.LastSeen = time.Now().UTC()
	snapshot := *a
	r.mu.Unlock()

	if err := r.bolt.SaveAgent(&snapshot); err != nil {
		return fault.Unavailablef(err, "persist agent lease")
	}
	r.updateGauges()
	return nil
}

// Deregister removes an agent immediately.
func (r *Registry) Deregister(_ context.Context, agentID string) error {
	r.mu.Lock()
	_, ok := r.local[agentID]
	delete(r.local, agentID)
	r.mu.Unlock()
	if !ok {
		return fault.NotFoundf("agent %s is not registered here", agentID)
	}
	if err := r.bolt.DeleteAgent(agentID); err != nil {
		return fault.Unavailablef(err, "remove agent registration")
	}
	r.updateGauges()
	r.lg.Info().Str("agent", agentID).Msg("agent deregistered")
	return nil
}

// AdjustTasks moves an agent's active task count when work is assigned
// or finished. Busy/idle follows the count.
func (r *Registry) AdjustTasks(agentID string, delta int) {
	r.mu.Lock()
	a, ok := r.local[agentID]
	if ok {
		a.ActiveTasks += delta
		if a.ActiveTasks < 0 {
			a.ActiveTasks = 0
		}
		if a.Status != types.AgentOffline {
			if a.ActiveTasks > 0 {
				a.Status = types.AgentBusy
			} else {
				a.Status = types.AgentIdle
			}
		}
	}
	r.mu.Unlock()
	r.updateGauges()
}

func (r *Registry) runSweep() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.LeaseDuration.Std() / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.ctx.Done():
			return
		}
	}
}

// sweep marks agents past their lease offline and evicts agents silent
// for two full leases.
func (r *Registry) sweep(now time.Time) {
	lease := r.cfg.LeaseDuration.Std()
	var evicted []types.Agent

	r.mu.Lock()
	for id, a := range r.local {
		silent := now.Sub(a.LastSeen)
		switch {
		case silent > 2*lease:
			evicted = append(evicted, *a)
			delete(r.local, id)
		case silent > lease:
			a.Status = types.AgentOffline
		}
	}
	r.mu.Unlock()

	for _, a := range evicted {
		if err := r.bolt.DeleteAgent(a.ID); err != nil {
			r.lg.Warn().Err(err).Str("agent", a.ID).Msg("removing evicted agent failed")
		}
		r.lg.Warn().Str("agent", a.ID).Str("role", a.Role).Msg("agent evicted after lease expiry")
		if r.onEvict != nil {
			r.onEvict(a)
		}
	}
	r.updateGauges()
}

// MergeSnapshots replaces the roster gossiped by one peer machine.
func (r *Registry) MergeSnapshots(from string, snaps []types.AgentSnapshot) {
	if from == "" || from == r.machineID {
		return
	}
	byID := make(map[string]types.AgentSnapshot, len(snaps))
	for _, s := range snaps {
		byID[s.ID] = s
	}
	r.mu.Lock()
	r.remote[from] = byID
	r.mu.Unlock()
}

// Snapshots returns the local roster in the compact form gossiped on
// heartbeats.
func (r *Registry) Snapshots() []types.AgentSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.AgentSnapshot, 0, len(r.local))
	for _, a := range r.local {
		out = append(out, snapshotOf(a))
	}
	return out
}

func snapshotOf(a *types.Agent) types.AgentSnapshot {
	return types.AgentSnapshot{
		ID:           a.ID,
		MachineID:    a.MachineID,
		Role:         a.Role,
		Capabilities: append([]string(nil), a.Capabilities...),
		Status:       a.Status,
		ActiveTasks:  a.ActiveTasks,
		LastSeen:     a.LastSeen,
	}
}

// RosterFilter narrows a roster listing. Zero values match everything.
type RosterFilter struct {
	Role       string
	Capability string
	Status     types.AgentStatus
	MachineID  string
}

func (f RosterFilter) matches(s types.AgentSnapshot) bool {
	if f.Role != "" && s.Role != f.Role {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.MachineID != "" && s.MachineID != f.MachineID {
		return false
	}
	if f.Capability != "" {
		found := false
		for _, c := range s.Capabilities {
			if c == f.Capability {
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

// Roster merges local agents with every peer roster.
func (r *Registry) Roster(filter RosterFilter) []types.AgentSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.AgentSnapshot, 0, len(r.local))
	for _, a := range r.local {
		if s := snapshotOf(a); filter.matches(s) {
			out = append(out, s)
		}
	}
	for _, machine := range r.remote {
		for _, s := range machine {
			if filter.matches(s) {
				out = append(out, s)
			}
		}
	}
	return out
}

// StatusCounts returns local agent counts keyed by status.
func (r *Registry) StatusCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int{
		string(types.AgentIdle):    0,
		string(types.AgentBusy):    0,
		string(types.AgentOffline): 0,
	}
	for _, a := range r.local {
		out[string(a.Status)]++
	}
	return out
}

// RoleOf returns the role of a locally registered agent.
func (r *Registry) RoleOf(agentID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.local[agentID]
	if !ok {
		return "", false
	}
	return a.Role, true
}

// LoadHint is the fraction of local agents currently busy, attached to
// outbound heartbeats for remote routing decisions.
func (r *Registry) LoadHint() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.local) == 0 {
		return 0
	}
	busy := 0
	for _, a := range r.local {
		if a.Status == types.AgentBusy {
			busy++
		}
	}
	return float64(busy) / float64(len(r.local))
}

// Local reports whether the agent is registered on this machine.
func (r *Registry) Local(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.local[agentID]
	return ok
}

func (r *Registry) updateGauges() {
	r.mu.Lock()
	counts := map[types.AgentStatus]int{
		types.AgentIdle: 0, types.AgentBusy: 0, types.AgentOffline: 0,
	}
	for _, a := range r.local {
		counts[a.Status]++
	}
	r.mu.Unlock()
	for status, n := range counts {
		metrics.AgentsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}
