package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/metrics"
	"github.com/cuemby/collective/pkg/types"
)

func errUnknownPeer(machineID string) error {
	return fault.NotFoundf("peer %s is not known", machineID)
}

// HandleEnvelope dispatches one inbound envelope. The returned value is
// the reply payload for digest and request kinds and nil otherwise.
func (e *Engine) HandleEnvelope(ctx context.Context, msg types.SyncMessage) (any, error) {
	metrics.SyncReceivedTotal.WithLabelValues(string(msg.Kind)).Inc()
	e.markSeen(msg.From)

	switch msg.Kind {
	case types.MessageChange:
		var c types.Change
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			return nil, fault.Validationf("malformed change payload: %v", err)
		}
		return nil, e.applyInbound(ctx, msg.From, c)

	case types.MessageDigest:
		var remote types.Digest
		if err := json.Unmarshal(msg.Payload, &remote); err != nil {
			return nil, fault.Validationf("malformed digest payload: %v", err)
		}
		return e.answerDigest(remote), nil

	case types.MessageRequest:
		var req types.FetchRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, fault.Validationf("malformed fetch payload: %v", err)
		}
		return e.store.ChangesInRanges(req.Ranges, req.Full), nil

	case types.MessageHeartbeat:
		var hb types.Heartbeat
		if err := json.Unmarshal(msg.Payload, &hb); err != nil {
			return nil, fault.Validationf("malformed heartbeat payload: %v", err)
		}
		if e.h.OnAgents != nil && len(hb.Agents) > 0 {
			e.h.OnAgents(hb.MachineID, hb.Agents)
		}
		return nil, nil

	case types.MessageBroadcast:
		var b types.Broadcast
		if err := json.Unmarshal(msg.Payload, &b); err != nil {
			return nil, fault.Validationf("malformed broadcast payload: %v", err)
		}
		if e.h.OnBroadcast != nil {
			e.h.OnBroadcast(ctx, msg.From, b)
		}
		return nil, nil

	case types.MessageTask:
		var ev types.TaskEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return nil, fault.Validationf("malformed task payload: %v", err)
		}
		if e.h.OnTask != nil {
			e.h.OnTask(ctx, msg.From, ev)
		}
		return nil, nil
	}
	return nil, fault.Validationf("unknown message kind %q", msg.Kind)
}

// answerDigest replies with our own summary. A sender mid full resync
// gets a full walk back regardless of checkpoints.
func (e *Engine) answerDigest(remote types.Digest) types.Digest {
	return types.Digest{
		Checkpoints:   e.store.Checkpoints(),
		RecentIDsHash: e.store.RecentIDsHash(e.cfg.RecentIDsWindow),
	}
}

// applyInbound applies one replicated change. The first attempt is
// synchronous; a retryable failure moves to a background retrier so a
// poisoned change cannot stall the peer stream. Quarantine never
// touches local memory state.
func (e *Engine) applyInbound(ctx context.Context, from string, c types.Change) error {
	err := e.store.Apply(ctx, c)
	if err == nil {
		return nil
	}
	if !fault.Retryable(err) {
		e.quarantine(from, c, 1, err)
		return err
	}

	e.wg.Add(1)
	go e.retryApply(from, c, err)
	return err
}

// retryApply keeps re-applying a failed change with exponential backoff
// until it lands or the failure budget is spent.
func (e *Engine) retryApply(from string, c types.Change, firstErr error) {
	defer e.wg.Done()
	bo := e.newBackoff()
	failures := 1
	lastErr := firstErr

	for failures < e.cfg.QuarantineThreshold {
		select {
		case <-time.After(bo.NextBackOff()):
		case <-e.ctx.Done():
			return
		}
		err := e.store.Apply(e.ctx, c)
		if err == nil {
			e.lg.Info().Str("id", c.ID()).Int("attempts", failures+1).Msg("change applied after retry")
			return
		}
		lastErr = err
		failures++
		if !fault.Retryable(err) {
			break
		}
	}
	e.quarantine(from, c, failures, lastErr)
}

// quarantine parks a change for operator review and raises the alert.
func (e *Engine) quarantine(from string, c types.Change, failures int, lastErr error) {
	now := time.Now().UTC()
	q := &types.QuarantinedChange{
		Key:           quarantineKey(c),
		Peer:          from,
		Change:        c,
		Failures:      failures,
		LastError:     lastErr.Error(),
		FirstFailedAt: now,
		LastFailedAt:  now,
	}
	if err := e.bolt.PutQuarantined(q); err != nil {
		e.lg.Error().Err(err).Str("key", q.Key).Msg("persisting quarantined change failed")
	}
	metrics.QuarantinedTotal.Inc()

	ev := e.lg.Error().
		Str("key", q.Key).
		Str("peer", from).
		Int("failures", failures).
		Str("error", lastErr.Error())
	if fe := fault.From(lastErr); fe.CorrelationID != "" {
		ev = ev.Str("correlation_id", fe.CorrelationID)
	}
	ev.Msg("change quarantined after repeated application failures")
}

func quarantineKey(c types.Change) string {
	return fmt.Sprintf("%s@%s", c.ID(), c.ChangeVersion())
}

// Quarantined lists changes parked for operator review.
func (e *Engine) Quarantined() ([]*types.QuarantinedChange, error) {
	return e.bolt.ListQuarantined()
}

// RetryQuarantined re-applies one quarantined change by key and removes
// it on success.
func (e *Engine) RetryQuarantined(ctx context.Context, key string) error {
	list, err := e.bolt.ListQuarantined()
	if err != nil {
		return fault.Unavailablef(err, "list quarantined changes")
	}
	for _, q := range list {
		if q.Key != key {
			continue
		}
		if err := e.store.Apply(ctx, q.Change); err != nil {
			return err
		}
		if err := e.bolt.DeleteQuarantined(key); err != nil {
			return fault.Unavailablef(err, "remove quarantined change %s", key)
		}
		e.lg.Info().Str("key", key).Msg("quarantined change applied")
		return nil
	}
	return fault.NotFoundf("quarantined change %s not found", key)
}
