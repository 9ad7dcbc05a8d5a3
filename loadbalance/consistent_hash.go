package loadbalance

import (
	"hash/crc32"
	"sort"
	"strconv"

	"frame-rpc/registry"
)

const virtualNodes = 100

// ConsistentHashBalancer maps a fixed key onto a hash ring of the current
// endpoints. Each endpoint owns virtualNodes points on the ring so that a
// handful of peers still spread evenly. Adding or removing one peer only
// moves the keys that hashed next to it.
type ConsistentHashBalancer struct {
	key string
}

func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{key: key}
}

type ring struct {
	hashes []uint32
	owners map[uint32]int
}

func buildRing(endpoints []registry.Endpoint) ring {
	r := ring{
		hashes: make([]uint32, 0, len(endpoints)*virtualNodes),
		owners: make(map[uint32]int, len(endpoints)*virtualNodes),
	}
	for i, ep := range endpoints {
		for v := 0; v < virtualNodes; v++ {
			h := crc32.ChecksumIEEE([]byte(ep.Addr + "#" + strconv.Itoa(v)))
			if _, taken := r.owners[h]; taken {
				continue
			}
			r.hashes = append(r.hashes, h)
			r.owners[h] = i
		}
	}
	sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })
	return r
}

// lookup returns the owner of the first point clockwise from key.
func (r ring) lookup(key string) int {
	h := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= h })
	if idx == len(r.hashes) {
		idx = 0
	}
	return r.owners[r.hashes[idx]]
}

// Pick rebuilds the ring each time; it runs once per dial.
func (b *ConsistentHashBalancer) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	return &endpoints[buildRing(endpoints).lookup(b.key)], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
