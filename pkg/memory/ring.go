package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/collective/pkg/metrics"
	"github.com/cuemby/collective/pkg/types"
)

// pushBlockLimit bounds how long a writer waits for the consumer when
// the ring is nearly full before proceeding anyway.
const pushBlockLimit = 100 * time.Millisecond

// fillBlockThreshold is the fill fraction past which writers start
// waiting for the consumer.
const fillBlockThreshold = 0.9

// Ring is the bounded MPSC buffer between the memory store (many
// writers) and the sync engine (one consumer). When the ring passes 90%
// fill, writers block briefly to let the consumer catch up; an actual
// overflow drops the oldest change and raises the overflow flag, which
// the sync engine answers with a full resync.
type Ring struct {
	mu         sync.Mutex
	buf        []types.Change
	capacity   int
	overflowed bool

	notEmpty chan struct{}
	drained  chan struct{}
}

// NewRing creates a ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
		drained:  make(chan struct{}, 1),
	}
}

// Push enqueues a change. Never fails: past capacity the oldest change
// is dropped and the overflow flag set.
func (r *Ring) Push(c types.Change) {
	r.mu.Lock()
	if float64(len(r.buf)) >= fillBlockThreshold*float64(r.capacity) {
		// Nearly full: give the consumer a short window to drain.
		r.mu.Unlock()
		select {
		case <-r.drained:
		case <-time.After(pushBlockLimit):
		}
		r.mu.Lock()
	}

	if len(r.buf) >= r.capacity {
		r.buf = r.buf[1:]
		r.overflowed = true
		metrics.ChangeRingOverflows.Inc()
	}
	r.buf = append(r.buf, c)
	r.mu.Unlock()

	select {
	case r.notEmpty <- struct{}{}:
	default:
	}
}

// Pop blocks until a change is available or the context ends.
func (r *Ring) Pop(ctx context.Context) (types.Change, error) {
	for {
		r.mu.Lock()
		if len(r.buf) > 0 {
			c := r.buf[0]
			r.buf = r.buf[1:]
			r.mu.Unlock()
			select {
			case r.drained <- struct{}{}:
			default:
			}
			return c, nil
		}
		r.mu.Unlock()

		select {
		case <-r.notEmpty:
		case <-ctx.Done():
			return types.Change{}, ctx.Err()
		}
	}
}

// FillPct returns the current fill percentage in [0, 100].
func (r *Ring) FillPct() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return 100 * float64(len(r.buf)) / float64(r.capacity)
}

// Len returns the number of queued changes.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Overflowed reports whether the ring dropped a change since the last
// ClearOverflow.
func (r *Ring) Overflowed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overflowed
}

// ClearOverflow resets the flag after the sync engine completes a
// clean full resync.
func (r *Ring) ClearOverflow() {
	r.mu.Lock()
	r.overflowed = false
	r.mu.Unlock()
}
