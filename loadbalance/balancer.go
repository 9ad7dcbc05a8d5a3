// Package loadbalance chooses which endpoint a new connection dials.
//
// Strategies:
//   - RoundRobin:      peers of equal capacity
//   - WeightedRandom:  peers of different capacity
//   - ConsistentHash:  the same key keeps landing on the same peer
package loadbalance

import (
	"github.com/pkg/errors"

	"frame-rpc/registry"
)

var ErrNoEndpoints = registry.ErrNoEndpoints

// Balancer is consulted once per dial and must be goroutine-safe.
type Balancer interface {
	Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error)
	Name() string
}

// New returns the strategy by its config name. key is only used by
// consistent-hash.
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round-robin":
		return &RoundRobinBalancer{}, nil
	case "weighted-random":
		return &WeightedRandomBalancer{}, nil
	case "consistent-hash":
		if key == "" {
			return nil, errors.New("loadbalance: consistent-hash needs a key")
		}
		return NewConsistentHashBalancer(key), nil
	}
	return nil, errors.Errorf("loadbalance: unknown strategy %q", name)
}
