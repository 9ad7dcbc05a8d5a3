// Package registry tells a client where a named peer listens.
package registry

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var ErrNoEndpoints = errors.New("registry: no endpoints")

// Endpoint is one listening peer.
type Endpoint struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // for weighted balancing; <= 0 counts as 1
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, service string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, service, addr string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	// Watch emits the full endpoint list on every change until ctx ends.
	Watch(ctx context.Context, service string) <-chan []Endpoint
}

// StaticRegistry keeps endpoints in memory. The client uses it when no etcd
// is configured, with the configured host:port as the only endpoint.
type StaticRegistry struct {
	mu       sync.Mutex
	services map[string][]Endpoint
	watchers map[string][]chan []Endpoint
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		services: make(map[string][]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
}

// Register adds or replaces ep. The TTL is ignored.
func (r *StaticRegistry) Register(_ context.Context, service string, ep Endpoint, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	eps := r.services[service]
	for i := range eps {
		if eps[i].Addr == ep.Addr {
			eps[i] = ep
			r.notify(service)
			return nil
		}
	}
	r.services[service] = append(eps, ep)
	r.notify(service)
	return nil
}

func (r *StaticRegistry) Deregister(_ context.Context, service, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	eps := r.services[service]
	for i := range eps {
		if eps[i].Addr == addr {
			r.services[service] = append(eps[:i:i], eps[i+1:]...)
			r.notify(service)
			return nil
		}
	}
	return nil
}

func (r *StaticRegistry) Discover(_ context.Context, service string) ([]Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(service), nil
}

func (r *StaticRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	r.mu.Lock()
	ch <- r.snapshot(service)
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[service]
		for i := range ws {
			if ws[i] == ch {
				r.watchers[service] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *StaticRegistry) snapshot(service string) []Endpoint {
	return append([]Endpoint(nil), r.services[service]...)
}

// notify replaces any unread update so slow watchers only see the latest list.
// Caller holds r.mu.
func (r *StaticRegistry) notify(service string) {
	for _, ch := range r.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- r.snapshot(service)
	}
}
