// Package registry answers "which machines are in the fleet". The
// static backend reads the configured peer list; the etcd backend
// self-registers under a leased key and discovers peers by prefix, so
// machines can join without editing every config file.
package registry
