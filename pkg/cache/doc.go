// Package cache provides the opaque TTL cache used for derived values
// that are cheap to recompute, such as confidence scores. Two backends
// exist: an in-process map with a janitor goroutine, and redis for
// deployments that already run one. Both are best-effort; a cache miss
// or backend failure is never an error for the caller's operation.
package cache
