// Package client speaks the machine's newline-delimited JSON protocol:
// typed calls for agents and tooling, an event stream for bus.watch,
// and the peer transport the sync engine replicates over.
package client
