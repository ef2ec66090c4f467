package registry

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/log"
)

// EtcdDiscovery registers the machine under a leased key in a shared
// etcd cluster and lists peers by prefix. The lease is renewed every
// TTL/3; a machine that dies stops renewing and drops out of the peer
// set when the lease expires.
type EtcdDiscovery struct {
	client    *clientv3.Client
	namespace string
	ttl       time.Duration
	self      string

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEtcd connects to the etcd endpoints and verifies connectivity.
func NewEtcd(endpoints []string, namespace string, ttl time.Duration) (*EtcdDiscovery, error) {
	if len(endpoints) == 0 {
		return nil, fault.Validationf("etcd endpoints cannot be empty")
	}
	if namespace == "" {
		namespace = "/collective/machines"
	}
	if ttl < 3*time.Second {
		ttl = 30 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fault.Unavailablef(err, "connect to etcd")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.Get(ctx, namespace, clientv3.WithCountOnly()); err != nil && err != context.DeadlineExceeded {
		client.Close()
		return nil, fault.Unavailablef(err, "etcd health check")
	}

	return &EtcdDiscovery{client: client, namespace: namespace, ttl: ttl}, nil
}

// Announce grants a lease, writes the machine entry under it, and
// starts a keepalive loop renewing at TTL/3.
func (d *EtcdDiscovery) Announce(ctx context.Context, self Entry) error {
	data, err := json.Marshal(self)
	if err != nil {
		return fault.Internalf(err, "marshal registry entry")
	}

	lease, err := d.client.Grant(ctx, int64(d.ttl.Seconds()))
	if err != nil {
		return fault.Unavailablef(err, "grant etcd lease")
	}
	key := path.Join(d.namespace, self.MachineID)
	if _, err := d.client.Put(ctx, key, string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fault.Unavailablef(err, "register machine in etcd")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	keepCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.self = self.MachineID

	d.wg.Add(1)
	go d.keepAlive(keepCtx, lease.ID, key)
	return nil
}

func (d *EtcdDiscovery) keepAlive(ctx context.Context, leaseID clientv3.LeaseID, key string) {
	defer d.wg.Done()
	lg := log.WithComponent("registry")
	ticker := time.NewTicker(d.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_, err := d.client.KeepAliveOnce(renewCtx, leaseID)
			cancel()
			if err != nil {
				lg.Warn().Err(err).Str("key", key).Msg("etcd lease renewal failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Peers lists every registered machine except self.
func (d *EtcdDiscovery) Peers(ctx context.Context) ([]Entry, error) {
	resp, err := d.client.Get(ctx, d.namespace+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fault.Unavailablef(err, "list machines from etcd")
	}

	d.mu.Lock()
	self := d.self
	d.mu.Unlock()

	out := make([]Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var e Entry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			lg := log.WithComponent("registry")
			lg.Warn().
				Str("key", string(kv.Key)).
				Msg("skipping malformed registry entry")
			continue
		}
		if e.MachineID == self {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Close stops the keepalive loop and releases the etcd connection.
func (d *EtcdDiscovery) Close() error {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.mu.Unlock()
	d.wg.Wait()
	return d.client.Close()
}
