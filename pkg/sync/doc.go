// Package sync replicates collective-scoped changes between machines.
// The engine drains the store's change ring into per-peer outboxes,
// exchanges digests to detect divergence, fetches the changes a peer is
// missing, and gossips liveness heartbeats. Failed applications are
// retried with backoff and quarantined after repeated failures so one
// poisoned change cannot stall a peer stream.
package sync
