// Package bus is the coordination layer: fleet broadcasts with
// consumer-side dedupe, task delegation with an explicit ack handshake,
// and discovery notices that are both broadcast and stored as memories.
// Delivery is at-least-once; consumers deduplicate on id.
package bus
