/*
Package types defines the core data structures of the collective.

Everything that crosses a package or machine boundary lives here: the
memory record and its lifecycle states, the Lamport version pair and
the changes it orders, the sync envelopes and digests exchanged
between machines, agent registrations and their gossiped snapshots,
tasks and the ack handshake, broadcasts, and the quarantine record.

Types carry no behavior beyond comparison, cloning, and validation
helpers; the subsystems that operate on them live in their own
packages so importing the model never drags in storage or networking.

String-typed enums with const blocks are used throughout so values
are self-describing in logs and on the wire.
*/
package types
