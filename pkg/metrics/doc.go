/*
Package metrics defines the Prometheus series the collective exposes.

All collectors are registered with the default registry at package
init and served by Handler, mounted on the health listener at
/metrics. Series cover the memory store (operation counts, active
memories, ring fill), replication (sent/received envelopes, per-peer
lag, digest round duration, quarantine count), coordination (routed
tasks, broadcasts, registered agents), and the RPC surface (request
counts and latency per op).

Naming follows the usual conventions: a collective_ prefix, _total
suffix on counters, base units in seconds.
*/
package metrics
