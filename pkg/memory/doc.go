// Package memory is the authoritative local store of memories and
// tombstones. It owns the lifecycle invariants (monotone state
// transitions, strictly increasing versions, retention before purge),
// emits change events into a bounded ring for the sync engine, applies
// replicated changes idempotently with last-writer-wins conflict
// resolution, and computes composite confidence scores on read.
//
// All writes are serialized behind a single mutex; reads hand out deep
// copies so callers never observe a memory mid-update.
package memory
