// Package agent tracks the workers registered on this machine and the
// rosters gossiped by peers, and routes work to the best capable agent.
// Local registrations are leased; an agent that stops heartbeating goes
// offline and is eventually evicted.
package agent
