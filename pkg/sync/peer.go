package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/collective/pkg/metrics"
	"github.com/cuemby/collective/pkg/storage"
	"github.com/cuemby/collective/pkg/types"
)

// peerState is the engine's view of one remote machine: its liveness,
// the durable outbox sequence numbers, and the buffered change queue
// drained by a single sender goroutine.
type peerState struct {
	machineID string
	endpoint  string

	outbox chan types.Change
	seqs   storage.PeerSeqs

	lastSeen  time.Time
	reachable bool
}

func (e *Engine) addPeer(machineID, endpoint string) *peerState {
	e.mu.Lock()
	if p, ok := e.peers[machineID]; ok {
		p.endpoint = endpoint
		e.mu.Unlock()
		return p
	}
	seqs, err := e.bolt.GetPeerSeqs(machineID)
	if err != nil {
		e.lg.Warn().Err(err).Str("peer", machineID).Msg("loading peer seqs failed, starting fresh")
	}
	p := &peerState{
		machineID: machineID,
		endpoint:  endpoint,
		outbox:    make(chan types.Change, e.cfg.RingCapacity),
		seqs:      seqs,
		lastSeen:  time.Now(),
		reachable: true,
	}
	e.peers[machineID] = p
	e.mu.Unlock()

	e.lg.Info().Str("peer", machineID).Str("endpoint", endpoint).Msg("peer added")
	e.wg.Add(1)
	go e.runSender(p)
	return p
}

// enqueue hands a change to the peer's outbox. A full outbox drops the
// oldest queued change; the digest exchange repairs the gap.
func (e *Engine) enqueue(p *peerState, c types.Change) {
	for {
		select {
		case p.outbox <- c:
			e.updateLag(p)
			return
		default:
		}
		select {
		case <-p.outbox:
			e.lg.Warn().Str("peer", p.machineID).Msg("peer outbox full, dropping oldest change")
		default:
		}
	}
}

// runSender drains one peer's outbox in order. Each change gets the
// next persisted sequence number; transport failures retry with capped
// exponential backoff until delivery or shutdown. Delivery order per
// peer follows enqueue order, which follows version order per origin.
func (e *Engine) runSender(p *peerState) {
	defer e.wg.Done()
	for {
		var c types.Change
		select {
		case c = <-p.outbox:
		case <-e.ctx.Done():
			return
		}

		if err := assertReplicable(c); err != nil {
			e.lg.Error().Err(err).Str("peer", p.machineID).Msg("dropping non-replicable change at wire boundary")
			continue
		}

		e.mu.Lock()
		p.seqs.Sent++
		seq := p.seqs.Sent
		seqs := p.seqs
		e.mu.Unlock()
		if err := e.bolt.PutPeerSeqs(p.machineID, seqs); err != nil {
			e.lg.Warn().Err(err).Str("peer", p.machineID).Msg("persisting peer seq failed")
		}

		payload, err := json.Marshal(c)
		if err != nil {
			e.lg.Error().Err(err).Str("id", c.ID()).Msg("encoding change failed")
			continue
		}
		msg := types.SyncMessage{
			From:    e.machineID,
			To:      p.machineID,
			Kind:    types.MessageChange,
			Seq:     seq,
			Payload: payload,
		}

		e.pushUntilDelivered(p, msg)
		e.updateLag(p)
	}
}

// pushUntilDelivered retries one envelope with capped backoff until the
// peer acks it or the engine shuts down.
func (e *Engine) pushUntilDelivered(p *peerState, msg types.SyncMessage) {
	bo := e.newBackoff()
	for {
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.PeerTimeout.Std())
		err := e.tr.Push(ctx, p.endpoint, msg)
		cancel()
		if err == nil {
			metrics.SyncSentTotal.WithLabelValues(string(msg.Kind)).Inc()
			e.mu.Lock()
			if msg.Seq > p.seqs.Acked {
				p.seqs.Acked = msg.Seq
			}
			seqs := p.seqs
			p.lastSeen = time.Now()
			p.reachable = true
			e.mu.Unlock()
			if err := e.bolt.PutPeerSeqs(p.machineID, seqs); err != nil {
				e.lg.Warn().Err(err).Str("peer", p.machineID).Msg("persisting peer ack failed")
			}
			return
		}

		e.lg.Debug().Err(err).Str("peer", p.machineID).Uint64("seq", msg.Seq).Msg("push failed, backing off")
		select {
		case <-time.After(bo.NextBackOff()):
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BackoffBase.Std()
	bo.MaxInterval = e.cfg.BackoffCap.Std()
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (e *Engine) updateLag(p *peerState) {
	e.mu.Lock()
	lag := int64(p.seqs.Sent-p.seqs.Acked) + int64(len(p.outbox))
	e.mu.Unlock()
	metrics.PeerLag.WithLabelValues(p.machineID).Set(float64(lag))
}

// markSeen records inbound or outbound contact with a peer.
func (e *Engine) markSeen(machineID string) {
	e.mu.Lock()
	if p, ok := e.peers[machineID]; ok {
		p.lastSeen = time.Now()
		p.reachable = true
	}
	e.mu.Unlock()
}

// sweepLiveness marks peers silent past the cutoff unreachable. Peers
// are never removed; an unreachable peer keeps its outbox and resumes
// where it left off.
func (e *Engine) sweepLiveness() {
	cutoff := 3 * e.cfg.DigestInterval.Std()
	now := time.Now()
	unreachable := 0

	e.mu.Lock()
	for _, p := range e.peers {
		if now.Sub(p.lastSeen) > cutoff {
			if p.reachable {
				e.lg.Warn().Str("peer", p.machineID).Time("last_seen", p.lastSeen).Msg("peer unreachable")
			}
			p.reachable = false
		}
		if !p.reachable {
			unreachable++
		}
	}
	e.mu.Unlock()
	metrics.PeersUnreachable.Set(float64(unreachable))
}

// Peers returns a snapshot of the known peer set.
func (e *Engine) Peers() []types.Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Peer, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, types.Peer{
			MachineID: p.machineID,
			Endpoint:  p.endpoint,
			LastSeen:  p.lastSeen,
			Reachable: p.reachable,
		})
	}
	return out
}
