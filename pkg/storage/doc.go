/*
Package storage is the persistence layout of one machine.

Two complementary stores share the data directory:

	memories.log, tombstones.log   CRC-framed append-only record logs.
	                               The memory store replays them at
	                               boot and rewrites them on compaction.
	index.db                       bbolt. Small mutable state: per-peer
	                               outbox sequences, agent and task
	                               records, quarantined changes, meta.

The record logs are the durability story for memory content: append
on every write, fsync before acknowledging, torn tails detected by
checksum and truncated on replay. bbolt holds everything that is
updated in place and read by key.

Neither store interprets versions or resolves conflicts; that is the
memory store's job. This package only guarantees that what was
acknowledged is what comes back.
*/
package storage
