// Package machine assembles one collective machine: storage, the
// memory store, the agent registry, the coordination bus, the sync
// engine, and the RPC and health listeners, wired in dependency order.
package machine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/collective/pkg/agent"
	"github.com/cuemby/collective/pkg/bus"
	"github.com/cuemby/collective/pkg/cache"
	"github.com/cuemby/collective/pkg/client"
	"github.com/cuemby/collective/pkg/clock"
	"github.com/cuemby/collective/pkg/config"
	"github.com/cuemby/collective/pkg/health"
	"github.com/cuemby/collective/pkg/index"
	"github.com/cuemby/collective/pkg/log"
	"github.com/cuemby/collective/pkg/memory"
	"github.com/cuemby/collective/pkg/metrics"
	"github.com/cuemby/collective/pkg/registry"
	"github.com/cuemby/collective/pkg/rpc"
	"github.com/cuemby/collective/pkg/storage"
	collsync "github.com/cuemby/collective/pkg/sync"
	"github.com/cuemby/collective/pkg/types"
)

// Machine owns every subsystem of one node. New builds, Start runs,
// Shutdown unwinds in reverse order.
type Machine struct {
	cfg       *config.Config
	machineID string

	disk   *storage.Store
	bolt   *storage.BoltIndex
	ttl    cache.Cache
	store  *memory.Store
	agents *agent.Registry
	bus    *bus.Bus
	disc   registry.Discovery
	engine *collsync.Engine
	rpcSrv    *rpc.Server
	hlth      *health.Server
	collector *metrics.Collector
	lg        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a machine from configuration. Nothing runs until Start.
func New(cfg *config.Config) (*Machine, error) {
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

	machineID, err := clock.LoadOrCreateMachineID(cfg.MachineID, cfg.DataDir)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:       cfg,
		machineID: machineID,
		lg:        log.WithComponent("machine"),
	}

	m.disk, err = storage.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	m.bolt, err = storage.NewBoltIndex(cfg.DataDir)
	if err != nil {
		m.closePartial()
		return nil, err
	}

	if cfg.Cache.RedisURL != "" {
		m.ttl, err = cache.NewRedisCache(cfg.Cache.RedisURL)
		if err != nil {
			m.closePartial()
			return nil, err
		}
	} else {
		m.ttl = cache.NewMemoryCache()
	}

	var embedder index.Embedder
	if cfg.Index.OllamaEndpoint != "" {
		embedder = index.NewOllamaEmbedder(cfg.Index.OllamaEndpoint, cfg.Index.Model, cfg.Index.Dimensions)
	} else {
		embedder = index.NewHashEmbedder(cfg.Index.Dimensions)
	}

	m.store, err = memory.Open(memory.Options{
		Retention:         cfg.Memory.Retention.Std(),
		CacheTTL:          cfg.Cache.TTL.Std(),
		EmbedMachineLocal: cfg.Index.EmbedMachineLocal,
		RingCapacity:      cfg.Sync.RingCapacity,
		Confidence:        cfg.Confidence,
	}, clock.New(machineID), m.disk, index.New(embedder, index.NewMemoryVectorStore()), m.ttl)
	if err != nil {
		m.closePartial()
		return nil, err
	}

	m.agents, err = agent.New(cfg.Agents, machineID, m.bolt)
	if err != nil {
		m.closePartial()
		return nil, err
	}
	m.store.SetSourceTrust(func(agentID string) float64 {
		if role, ok := m.agents.RoleOf(agentID); ok {
			if trust, ok := cfg.Confidence.SourceTrust[role]; ok {
				return trust
			}
		}
		return cfg.Confidence.DefaultSourceTrust
	})

	if len(cfg.Registry.EtcdEndpoints) > 0 {
		m.disc, err = registry.NewEtcd(cfg.Registry.EtcdEndpoints, cfg.Registry.Namespace, cfg.Registry.LeaseTTL.Std())
		if err != nil {
			m.closePartial()
			return nil, err
		}
	} else {
		m.disc = registry.NewStatic(machineID, cfg.Peers)
	}

	// The bus sends through the engine and the engine delivers into the
	// bus; the handler closures resolve m.bus at call time.
	m.engine = collsync.New(cfg.Sync, machineID, m.store, m.bolt, m.disc, client.NewPeerTransport(), collsync.Handlers{
		OnBroadcast: func(ctx context.Context, from string, b types.Broadcast) {
			m.bus.HandleBroadcast(ctx, from, b)
		},
		OnTask: func(ctx context.Context, from string, ev types.TaskEvent) {
			m.bus.HandleTask(ctx, from, ev)
		},
		OnAgents:       m.agents.MergeSnapshots,
		AgentSnapshots: m.agents.Snapshots,
		LoadHint:       m.agents.LoadHint,
	})
	m.bus = bus.New(cfg.Agents, machineID, m.agents, m.store, m.bolt, m.engine)
	m.agents.SetOnEvict(m.bus.AnnounceEviction)

	m.rpcSrv = rpc.NewServer(cfg.RPCAddr, rpc.Deps{
		MachineID: machineID,
		Store:     m.store,
		Agents:    m.agents,
		Bus:       m.bus,
		Engine:    m.engine,
		Status:    m.Status,
	})
	m.hlth = health.New(cfg.HealthAddr, m.Status)
	m.collector = metrics.NewCollector(m)
	return m, nil
}

// MachineID returns this machine's stable identifier.
func (m *Machine) MachineID() string { return m.machineID }

// RPCAddr returns the bound RPC listener address once started.
func (m *Machine) RPCAddr() string { return m.rpcSrv.Addr() }

// HealthAddr returns the bound health listener address once started.
func (m *Machine) HealthAddr() string { return m.hlth.Addr() }

// Start brings the machine up: leases and sweeps first, then sync,
// then the listeners, so no request arrives before its subsystem runs.
func (m *Machine) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.agents.Start(m.ctx)
	if err := m.engine.Start(m.ctx); err != nil {
		return err
	}
	if err := m.disc.Announce(m.ctx, registry.Entry{MachineID: m.machineID, Endpoint: m.cfg.RPCAddr}); err != nil {
		m.lg.Warn().Err(err).Msg("announcing to the registry failed, peers must be configured statically")
	}
	if err := m.rpcSrv.Start(m.ctx); err != nil {
		return err
	}
	if err := m.hlth.Start(); err != nil {
		return err
	}
	m.collector.Start()
	if interval := m.cfg.Memory.CompactionInterval.Std(); interval > 0 {
		m.wg.Add(1)
		go m.runCompaction(interval)
	}

	m.lg.Info().
		Str("machine_id", m.machineID).
		Str("rpc", m.rpcSrv.Addr()).
		Str("health", m.hlth.Addr()).
		Msg("machine started")
	return nil
}

// Shutdown unwinds in reverse start order: stop accepting work, drain
// the wire, then close storage.
func (m *Machine) Shutdown(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	if m.collector != nil {
		m.collector.Stop()
	}
	m.wg.Wait()

	if m.rpcSrv != nil {
		m.rpcSrv.Stop()
	}
	if m.hlth != nil {
		if err := m.hlth.Stop(ctx); err != nil {
			m.lg.Warn().Err(err).Msg("stopping health server")
		}
	}
	if m.engine != nil {
		m.engine.Stop()
	}
	if m.bus != nil {
		m.bus.Close()
	}
	if m.agents != nil {
		m.agents.Stop()
	}
	if m.disc != nil {
		if err := m.disc.Close(); err != nil {
			m.lg.Warn().Err(err).Msg("closing discovery")
		}
	}
	m.closePartial()
	m.lg.Info().Msg("machine stopped")
}

// closePartial closes whatever storage handles exist, for both the
// shutdown path and constructor failures.
func (m *Machine) closePartial() {
	if m.ttl != nil {
		if err := m.ttl.Close(); err != nil {
			m.lg.Warn().Err(err).Msg("closing cache")
		}
	}
	if m.bolt != nil {
		if err := m.bolt.Close(); err != nil {
			m.lg.Warn().Err(err).Msg("closing bolt index")
		}
	}
	if m.disk != nil {
		if err := m.disk.Close(); err != nil {
			m.lg.Warn().Err(err).Msg("closing record logs")
		}
	}
}

// Status merges the sync engine's view with store counts.
func (m *Machine) Status() types.StatusSnapshot {
	snap := m.engine.Status()
	snap.MemoryCount = m.store.ActiveCount()
	return snap
}

// Stats feeds the metrics collector's gauges.
func (m *Machine) Stats() metrics.Stats {
	snap := m.engine.Status()
	return metrics.Stats{
		MemoriesByState:  m.store.Counts(),
		AgentsByStatus:   m.agents.StatusCounts(),
		PeerLag:          snap.LagPerPeer,
		UnreachablePeers: len(snap.UnreachablePeers),
		RingFillPct:      snap.RingFillPct,
		IndexEntries:     m.store.IndexEntries(),
	}
}

func (m *Machine) runCompaction(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats, err := m.store.Compact(m.ctx)
			if err != nil {
				m.lg.Warn().Err(err).Msg("compaction failed")
				continue
			}
			m.lg.Info().
				Int("memories", stats.Memories).
				Int("tombstones", stats.Tombstones).
				Msg("compaction complete")
		case <-m.ctx.Done():
			return
		}
	}
}
