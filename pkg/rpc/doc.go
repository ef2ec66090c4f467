// Package rpc is the machine's wire surface: newline-delimited JSON
// requests over TCP, one response line per request. Two ops upgrade the
// connection: bus.watch turns it into an event stream, sync.stream
// turns it into a peer replication stream.
package rpc
