package agent

import (
	"sort"

	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/metrics"
	"github.com/cuemby/collective/pkg/types"
)

// Route picks the agent for a set of required capabilities. Preference
// order:
//
//  1. a local agent holding every required capability,
//  2. an idle agent anywhere with the highest capability overlap,
//  3. the least-loaded busy agent holding every required capability,
//  4. nothing capable: fault.NotFound.
//
// affinity, when set, breaks ties in favor of agents on that machine.
// Offline agents never route.
func (r *Registry) Route(required []string, affinity string) (*types.AgentSnapshot, error) {
	required = types.NormalizeTags(required)
	candidates := r.Roster(RosterFilter{})

	live := candidates[:0]
	for _, s := range candidates {
		if s.Status != types.AgentOffline {
			live = append(live, s)
		}
	}
	sortStable(live, affinity)

	if pick := firstMatch(live, func(s types.AgentSnapshot) bool {
		return s.MachineID == r.machineID && hasAll(s, required)
	}); pick != nil {
		metrics.TasksRoutedTotal.WithLabelValues("local").Inc()
		return pick, nil
	}

	if pick := bestOverlap(live, required); pick != nil {
		r.countRouted(pick)
		return pick, nil
	}

	if pick := leastLoadedCapable(live, required); pick != nil {
		r.countRouted(pick)
		return pick, nil
	}

	metrics.TasksRoutedTotal.WithLabelValues("none").Inc()
	return nil, fault.NotFoundf("no capable agent for %v", required)
}

func (r *Registry) countRouted(s *types.AgentSnapshot) {
	if s.MachineID == r.machineID {
		metrics.TasksRoutedTotal.WithLabelValues("local").Inc()
	} else {
		metrics.TasksRoutedTotal.WithLabelValues("remote").Inc()
	}
}

// sortStable gives routing a deterministic candidate order: affinity
// machine first, then fewest active tasks, then id.
func sortStable(agents []types.AgentSnapshot, affinity string) {
	sort.SliceStable(agents, func(i, j int) bool {
		if affinity != "" && (agents[i].MachineID == affinity) != (agents[j].MachineID == affinity) {
			return agents[i].MachineID == affinity
		}
		if agents[i].ActiveTasks != agents[j].ActiveTasks {
			return agents[i].ActiveTasks < agents[j].ActiveTasks
		}
		return agents[i].ID < agents[j].ID
	})
}

func firstMatch(agents []types.AgentSnapshot, match func(types.AgentSnapshot) bool) *types.AgentSnapshot {
	for i := range agents {
		if match(agents[i]) {
			s := agents[i]
			return &s
		}
	}
	return nil
}

func hasAll(s types.AgentSnapshot, required []string) bool {
	a := types.Agent{Capabilities: s.Capabilities}
	return a.HasCapabilities(required)
}

// bestOverlap picks the idle agent covering the most required
// capabilities; an idle agent covering none does not qualify.
func bestOverlap(agents []types.AgentSnapshot, required []string) *types.AgentSnapshot {
	var pick *types.AgentSnapshot
	best := 0
	for i := range agents {
		if agents[i].Status != types.AgentIdle {
			continue
		}
		a := types.Agent{Capabilities: agents[i].Capabilities}
		overlap := a.CapabilityOverlap(required)
		if overlap > best {
			s := agents[i]
			pick = &s
			best = overlap
		}
	}
	return pick
}

func leastLoadedCapable(agents []types.AgentSnapshot, required []string) *types.AgentSnapshot {
	var pick *types.AgentSnapshot
	for i := range agents {
		if agents[i].Status != types.AgentBusy || !hasAll(agents[i], required) {
			continue
		}
		if pick == nil || agents[i].ActiveTasks < pick.ActiveTasks {
			s := agents[i]
			pick = &s
		}
	}
	return pick
}
