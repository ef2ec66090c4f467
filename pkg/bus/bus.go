package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/collective/pkg/agent"
	"github.com/cuemby/collective/pkg/config"
	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/log"
	"github.com/cuemby/collective/pkg/memory"
	"github.com/cuemby/collective/pkg/metrics"
	"github.com/cuemby/collective/pkg/storage"
	"github.com/cuemby/collective/pkg/types"
)

// seenCapacity bounds the dedupe window for broadcast ids.
const seenCapacity = 4096

// Sender carries bus traffic to peers. The sync engine implements it.
type Sender interface {
	SendBroadcast(ctx context.Context, b types.Broadcast) error
	SendTask(ctx context.Context, machineID string, ev types.TaskEvent) error
}

// Bus coordinates broadcasts, task delegation, and discovery notices.
type Bus struct {
	cfg       config.AgentConfig
	machineID string
	agents    *agent.Registry
	store     *memory.Store
	bolt      *storage.BoltIndex
	sender    Sender
	broker    *Broker
	seen      *seenIDs
	lg        zerolog.Logger

	mu      sync.Mutex
	ackWait map[string]chan types.TaskAck
}

// New assembles the bus.
func New(cfg config.AgentConfig, machineID string, agents *agent.Registry, store *memory.Store, bolt *storage.BoltIndex, sender Sender) *Bus {
	return &Bus{
		cfg:       cfg,
		machineID: machineID,
		agents:    agents,
		store:     store,
		bolt:      bolt,
		sender:    sender,
		broker:    NewBroker(),
		seen:      newSeenIDs(seenCapacity),
		lg:        log.WithComponent("bus"),
		ackWait:   make(map[string]chan types.TaskAck),
	}
}

// Subscribe attaches a local consumer to the bus.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	return b.broker.Subscribe()
}

// Close drops local subscribers.
func (b *Bus) Close() {
	b.broker.Close()
}

// Publish originates a broadcast: local delivery first, then fan-out to
// every reachable peer.
func (b *Bus) Publish(ctx context.Context, message string, severity types.Severity, category types.Category, agentID string) (*types.Broadcast, error) {
	if message == "" {
		return nil, fault.Validationf("broadcast message must not be empty")
	}
	if severity == "" {
		severity = types.SeverityInfo
	}
	if severity != types.SeverityInfo && severity != types.SeverityWarning && severity != types.SeverityCritical {
		return nil, fault.Validationf("invalid severity %q", severity)
	}
	if category == "" {
		category = types.CategoryGlobal
	}
	if !types.ValidCategory(category) {
		return nil, fault.Validationf("invalid category %q", category)
	}

	bc := types.Broadcast{
		ID:       uuid.NewString(),
		Category: category,
		Severity: severity,
		Message:  message,
		Origin: types.Origin{
			MachineID:     b.machineID,
			AgentID:       agentID,
			CreatedAtWall: time.Now().UTC(),
		},
		CreatedAt: time.Now().UTC(),
	}

	b.seen.Remember(bc.ID)
	b.broker.Publish(Event{Kind: EventBroadcast, Broadcast: &bc})
	metrics.BroadcastsTotal.WithLabelValues("published").Inc()

	if err := b.sender.SendBroadcast(ctx, bc); err != nil {
		b.lg.Warn().Err(err).Str("broadcast", bc.ID).Msg("peer fan-out incomplete")
	}
	return &bc, nil
}

// HandleBroadcast ingests a broadcast from a peer. Duplicates are
// dropped; partitions may deliver the same id more than once.
func (b *Bus) HandleBroadcast(_ context.Context, from string, bc types.Broadcast) {
	if b.seen.Remember(bc.ID) {
		metrics.BroadcastsTotal.WithLabelValues("duplicate").Inc()
		return
	}
	b.broker.Publish(Event{Kind: EventBroadcast, Broadcast: &bc})
	metrics.BroadcastsTotal.WithLabelValues("delivered").Inc()
	b.lg.Debug().Str("broadcast", bc.ID).Str("from", from).Str("severity", string(bc.Severity)).Msg("broadcast delivered")
}

// Discover publishes an insight: delivered as a broadcast and stored as
// a searchable memory.
func (b *Bus) Discover(ctx context.Context, message string, category types.Category, tags []string, agentID string) (*types.Broadcast, *types.Memory, error) {
	bc, err := b.Publish(ctx, message, types.SeverityInfo, category, agentID)
	if err != nil {
		return nil, nil, err
	}
	m, err := b.store.Store(ctx, memory.StoreRequest{
		Content:  message,
		Category: category,
		Tags:     append([]string{"discovery"}, tags...),
		Scope:    types.ScopeCollective,
		AgentID:  agentID,
	})
	if err != nil {
		return bc, nil, err
	}
	return bc, m, nil
}

// AnnounceEviction broadcasts that an agent lost its lease.
func (b *Bus) AnnounceEviction(a types.Agent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := b.Publish(ctx, "agent "+a.ID+" ("+a.Role+") evicted after lease expiry",
		types.SeverityWarning, types.CategoryAgent, a.ID)
	if err != nil {
		b.lg.Warn().Err(err).Str("agent", a.ID).Msg("eviction broadcast failed")
	}
}
