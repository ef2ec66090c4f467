package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/collective/pkg/config"
	"github.com/cuemby/collective/pkg/log"
	"github.com/cuemby/collective/pkg/memory"
	"github.com/cuemby/collective/pkg/metrics"
	"github.com/cuemby/collective/pkg/registry"
	"github.com/cuemby/collective/pkg/storage"
	"github.com/cuemby/collective/pkg/types"
)

// Handlers are the callbacks the engine raises for non-memory traffic.
// Nil handlers drop the payload. Keeping these as callbacks avoids a
// dependency cycle with the coordination layer.
type Handlers struct {
	// OnBroadcast delivers an inbound fleet broadcast.
	OnBroadcast func(ctx context.Context, from string, b types.Broadcast)
	// OnTask delivers an inbound task event.
	OnTask func(ctx context.Context, from string, ev types.TaskEvent)
	// OnAgents merges peer agent snapshots gossiped on heartbeats.
	OnAgents func(from string, agents []types.AgentSnapshot)
	// AgentSnapshots supplies the local roster attached to outbound
	// heartbeats.
	AgentSnapshots func() []types.AgentSnapshot
	// LoadHint supplies the load figure attached to heartbeats.
	LoadHint func() float64
}

// Engine is the sync engine: one per machine. It owns the peer set and
// every goroutine that touches the wire.
type Engine struct {
	cfg       config.SyncConfig
	machineID string
	store     *memory.Store
	bolt      *storage.BoltIndex
	disc      registry.Discovery
	tr        Transport
	h         Handlers
	lg        zerolog.Logger

	mu           stdsync.Mutex
	peers        map[string]*peerState
	lastDigestAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// New assembles an engine. Start must be called before it does anything.
func New(cfg config.SyncConfig, machineID string, store *memory.Store, bolt *storage.BoltIndex, disc registry.Discovery, tr Transport, h Handlers) *Engine {
	return &Engine{
		cfg:       cfg,
		machineID: machineID,
		store:     store,
		bolt:      bolt,
		disc:      disc,
		tr:        tr,
		h:         h,
		lg:        log.WithComponent("sync"),
		peers:     make(map[string]*peerState),
	}
}

// Start launches the drain, digest, and heartbeat loops.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	if err := e.refreshPeers(e.ctx); err != nil {
		e.lg.Warn().Err(err).Msg("initial peer discovery failed, continuing with known peers")
	}

	e.wg.Add(3)
	go e.runDrain()
	go e.runDigestLoop()
	go e.runHeartbeatLoop()
	e.lg.Info().Int("peers", len(e.peers)).Msg("sync engine started")
	return nil
}

// Stop shuts every loop down and waits for them.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if err := e.tr.Close(); err != nil {
		e.lg.Warn().Err(err).Msg("closing transport")
	}
}

func (e *Engine) refreshPeers(ctx context.Context) error {
	entries, err := e.disc.Peers(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.MachineID == e.machineID {
			continue
		}
		e.addPeer(entry.MachineID, entry.Endpoint)
	}
	return nil
}

// runDrain pops the change ring and fans each change out to every peer
// outbox. The ring is the only producer ordering guarantee; fan-out
// preserves it per peer.
func (e *Engine) runDrain() {
	defer e.wg.Done()
	ring := e.store.Ring()
	for {
		c, err := ring.Pop(e.ctx)
		if err != nil {
			return
		}
		metrics.ChangeRingFill.Set(ring.FillPct())
		if err := assertReplicable(c); err != nil {
			e.lg.Error().Err(err).Str("id", c.ID()).Msg("non-replicable change reached the ring")
			continue
		}
		e.mu.Lock()
		peers := make([]*peerState, 0, len(e.peers))
		for _, p := range e.peers {
			peers = append(peers, p)
		}
		e.mu.Unlock()
		for _, p := range peers {
			e.enqueue(p, c)
		}
	}
}

func (e *Engine) runDigestLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.DigestInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.runDigestRound(e.ctx)
		case <-e.ctx.Done():
			return
		}
	}
}

// runDigestRound exchanges digests with every peer and fetches whatever
// this machine is missing. While the needs-full-resync flag is up every
// exchange asks for a full walk; a round that finds nothing missing
// from any peer clears the flag.
func (e *Engine) runDigestRound(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.DigestRoundDuration.Observe(time.Since(start).Seconds())
	}()

	if err := e.refreshPeers(ctx); err != nil {
		e.lg.Warn().Err(err).Msg("peer discovery failed")
	}

	fullWalk := e.store.Ring().Overflowed()
	local := types.Digest{
		Checkpoints:   e.store.Checkpoints(),
		RecentIDsHash: e.store.RecentIDsHash(e.cfg.RecentIDsWindow),
		FullWalk:      fullWalk,
	}
	payload, err := json.Marshal(local)
	if err != nil {
		e.lg.Error().Err(err).Msg("encoding digest failed")
		return
	}

	e.mu.Lock()
	peers := make([]*peerState, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, p)
	}
	e.mu.Unlock()

	clean := len(peers) > 0
	for _, p := range peers {
		missing, err := e.digestPeer(ctx, p, payload, local, fullWalk)
		if err != nil {
			e.lg.Debug().Err(err).Str("peer", p.machineID).Msg("digest exchange failed")
			clean = false
			continue
		}
		if missing {
			clean = false
		}
	}

	e.mu.Lock()
	e.lastDigestAt = time.Now()
	e.mu.Unlock()

	if fullWalk && clean {
		e.store.Ring().ClearOverflow()
		e.lg.Info().Msg("full resync complete, overflow flag cleared")
	}
	e.sweepLiveness()
}

// digestPeer runs one exchange and applies whatever the peer has that
// we do not. Returns whether anything was missing.
func (e *Engine) digestPeer(ctx context.Context, p *peerState, payload []byte, local types.Digest, fullWalk bool) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.PeerTimeout.Std())
	remote, err := e.tr.Digest(callCtx, p.endpoint, types.SyncMessage{
		From:    e.machineID,
		To:      p.machineID,
		Kind:    types.MessageDigest,
		Payload: payload,
	})
	cancel()
	if err != nil {
		return false, err
	}
	metrics.SyncSentTotal.WithLabelValues(string(types.MessageDigest)).Inc()
	e.markSeen(p.machineID)

	req := missingRanges(local, remote)
	if fullWalk {
		req = types.FetchRequest{Full: true}
	}
	if len(req.Ranges) == 0 && !req.Full {
		return false, nil
	}

	changes, err := e.fetchPeer(ctx, p, req)
	if err != nil {
		return true, err
	}
	applied := 0
	for _, c := range changes {
		if err := e.applyInbound(ctx, p.machineID, c); err == nil {
			applied++
		}
	}
	if applied > 0 {
		e.lg.Info().Str("peer", p.machineID).Int("applied", applied).Msg("digest repair applied changes")
	}
	// A full walk that returned only already-known changes still counts
	// as clean; anything newly applied means another round is needed.
	return applied > 0 || len(req.Ranges) > 0, nil
}

func (e *Engine) fetchPeer(ctx context.Context, p *peerState, req types.FetchRequest) ([]types.Change, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.PeerTimeout.Std())
	defer cancel()
	changes, err := e.tr.Fetch(callCtx, p.endpoint, types.SyncMessage{
		From:    e.machineID,
		To:      p.machineID,
		Kind:    types.MessageRequest,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	metrics.SyncSentTotal.WithLabelValues(string(types.MessageRequest)).Inc()
	e.markSeen(p.machineID)
	return changes, nil
}

// missingRanges names the per-origin gaps between what the remote has
// and what we have. An equal-checkpoint hash mismatch falls back to a
// full fetch.
func missingRanges(local, remote types.Digest) types.FetchRequest {
	var req types.FetchRequest
	for origin, theirs := range remote.Checkpoints {
		ours := local.Checkpoints[origin]
		if theirs > ours {
			req.Ranges = append(req.Ranges, types.VersionRange{
				Origin:      origin,
				FromCounter: ours,
				ToCounter:   theirs,
			})
		}
	}
	if len(req.Ranges) == 0 && remote.RecentIDsHash != local.RecentIDsHash {
		req.Full = true
	}
	return req
}

func (e *Engine) runHeartbeatLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.HeartbeatInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sendHeartbeats()
			e.sweepLiveness()
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) sendHeartbeats() {
	hb := types.Heartbeat{
		MachineID: e.machineID,
		NowWall:   time.Now().UTC(),
	}
	if e.h.LoadHint != nil {
		hb.LoadHint = e.h.LoadHint()
	}
	if e.h.AgentSnapshots != nil {
		hb.Agents = e.h.AgentSnapshots()
	}
	payload, err := json.Marshal(hb)
	if err != nil {
		e.lg.Error().Err(err).Msg("encoding heartbeat failed")
		return
	}

	e.mu.Lock()
	peers := make([]*peerState, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, p)
	}
	e.mu.Unlock()

	for _, p := range peers {
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.PeerTimeout.Std())
		err := e.tr.Push(ctx, p.endpoint, types.SyncMessage{
			From:    e.machineID,
			To:      p.machineID,
			Kind:    types.MessageHeartbeat,
			Payload: payload,
		})
		cancel()
		if err != nil {
			e.lg.Debug().Err(err).Str("peer", p.machineID).Msg("heartbeat failed")
			continue
		}
		metrics.SyncSentTotal.WithLabelValues(string(types.MessageHeartbeat)).Inc()
		e.markSeen(p.machineID)
	}
}

// SendBroadcast fans a broadcast out to every peer, best effort. A peer
// that misses it may still receive it relayed or duplicated; consumers
// deduplicate on the broadcast id.
func (e *Engine) SendBroadcast(ctx context.Context, b types.Broadcast) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	e.mu.Lock()
	peers := make([]*peerState, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, p)
	}
	e.mu.Unlock()

	for _, p := range peers {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.PeerTimeout.Std())
		err := e.tr.Push(callCtx, p.endpoint, types.SyncMessage{
			From:    e.machineID,
			To:      types.BroadcastTo,
			Kind:    types.MessageBroadcast,
			Payload: payload,
		})
		cancel()
		if err != nil {
			e.lg.Warn().Err(err).Str("peer", p.machineID).Str("broadcast", b.ID).Msg("broadcast delivery failed")
			continue
		}
		metrics.SyncSentTotal.WithLabelValues(string(types.MessageBroadcast)).Inc()
		e.markSeen(p.machineID)
	}
	return nil
}

// SendTask delivers a task event to one machine. Errors are returned to
// the caller, which owns retry and reassignment policy.
func (e *Engine) SendTask(ctx context.Context, machineID string, ev types.TaskEvent) error {
	e.mu.Lock()
	p, ok := e.peers[machineID]
	e.mu.Unlock()
	if !ok {
		return errUnknownPeer(machineID)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.PeerTimeout.Std())
	defer cancel()
	if err := e.tr.Push(callCtx, p.endpoint, types.SyncMessage{
		From:    e.machineID,
		To:      machineID,
		Kind:    types.MessageTask,
		Payload: payload,
	}); err != nil {
		return err
	}
	metrics.SyncSentTotal.WithLabelValues(string(types.MessageTask)).Inc()
	e.markSeen(machineID)
	return nil
}

// TriggerSync runs an immediate digest round. With clean set the
// needs-full-resync flag is cleared first.
func (e *Engine) TriggerSync(ctx context.Context, clean bool) {
	if clean {
		e.store.Ring().ClearOverflow()
	}
	e.runDigestRound(ctx)
}

// NeedsFullResync reports whether the change ring overflowed since the
// last clean digest round.
func (e *Engine) NeedsFullResync() bool {
	return e.store.Ring().Overflowed()
}

// Status contributes the sync half of the machine status snapshot.
func (e *Engine) Status() types.StatusSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := types.StatusSnapshot{
		MachineID:       e.machineID,
		PeerCount:       len(e.peers),
		LastDigestAt:    e.lastDigestAt,
		LagPerPeer:      make(map[string]int64, len(e.peers)),
		NeedsFullResync: e.store.Ring().Overflowed(),
		RingFillPct:     e.store.Ring().FillPct(),
	}
	for id, p := range e.peers {
		snap.LagPerPeer[id] = int64(p.seqs.Sent-p.seqs.Acked) + int64(len(p.outbox))
		if !p.reachable {
			snap.UnreachablePeers = append(snap.UnreachablePeers, id)
		}
	}
	return snap
}
