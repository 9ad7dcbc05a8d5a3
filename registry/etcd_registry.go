package registry

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// KeyPrefix roots every entry. Keys look like /frame-rpc/{service}/{addr}
// with a JSON Endpoint as the value.
const KeyPrefix = "/frame-rpc/"

// EtcdRegistry stores endpoints in etcd under TTL leases, so a peer that
// dies without deregistering disappears once its lease expires.
type EtcdRegistry struct {
	client *clientv3.Client // shared across goroutines
}

func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "registry: connect etcd")
	}
	return &EtcdRegistry{client: c}, nil
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}

func serviceKey(service string) string {
	return KeyPrefix + service + "/"
}

func endpointKey(service, addr string) string {
	return serviceKey(service) + addr
}

// Register puts ep under a lease of ttl seconds and keeps the lease alive
// until ctx ends.
//
// The lease id stays local so one EtcdRegistry can register many endpoints.
func (r *EtcdRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "registry: grant lease")
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	if _, err := r.client.Put(ctx, endpointKey(service, ep.Addr), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "registry: put %s", ep.Addr)
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return errors.Wrap(err, "registry: keep alive")
	}
	// drain, or etcd logs a full-channel warning on every renewal
	go func() {
		for range ch {
		}
	}()
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, service, addr string) error {
	if _, err := r.client.Delete(ctx, endpointKey(service, addr)); err != nil {
		return errors.Wrapf(err, "registry: delete %s", addr)
	}
	return nil
}

// Watch re-reads the whole list on every event under the service prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, serviceKey(service), clientv3.WithPrefix()) {
			eps, err := r.Discover(ctx, service)
			if err != nil {
				continue
			}
			select {
			case ch <- eps:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, serviceKey(service), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "registry: discover %s", service)
	}

	eps := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if ep, ok := decodeEndpoint(string(kv.Key), kv.Value); ok {
			eps = append(eps, ep)
		}
	}
	return eps, nil
}

// decodeEndpoint skips malformed values. An entry without an addr takes it
// from the key.
func decodeEndpoint(key string, value []byte) (Endpoint, bool) {
	var ep Endpoint
	if err := json.Unmarshal(value, &ep); err != nil {
		return Endpoint{}, false
	}
	if ep.Addr == "" {
		i := strings.LastIndexByte(key, '/')
		if i < 0 || i == len(key)-1 {
			return Endpoint{}, false
		}
		ep.Addr = key[i+1:]
	}
	return ep, true
}
