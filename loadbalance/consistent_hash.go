package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"svckit/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes),
// providing cache affinity for stateful services or local caches.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 instances might cluster together on the ring,
// causing uneven load distribution.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
//
// The ring is rebuilt whenever PickKey sees a different instance set.
type ConsistentHashBalancer struct {
	replicas int // Virtual nodes per real instance

	mu        sync.RWMutex
	signature string
	ring      []uint32                             // Sorted hash values on the ring
	nodes     map[uint32]*registry.ServiceInstance // Hash value → instance mapping
}

var _ KeyBalancer = (*ConsistentHashBalancer)(nil)

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.ServiceInstance),
	}
}

func signature(instances []*registry.ServiceInstance) string {
	var sb strings.Builder
	for _, instance := range instances {
		sb.WriteString(instance.InstanceID)
		sb.WriteByte('@')
		sb.WriteString(instance.Address)
		sb.WriteByte(';')
	}
	return sb.String()
}

// build places every instance onto a fresh ring with N virtual nodes each.
// Virtual nodes are hashed from "{instanceID}#{i}" so a moved address keeps
// its keys.
func (b *ConsistentHashBalancer) build(instances []*registry.ServiceInstance, sig string) {
	ring := make([]uint32, 0, len(instances)*b.replicas)
	nodes := make(map[uint32]*registry.ServiceInstance, len(instances)*b.replicas)
	for _, instance := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.InstanceID, i)))
			if _, taken := nodes[hash]; taken {
				continue
			}
			ring = append(ring, hash)
			nodes[hash] = instance
		}
	}
	// Keep the ring sorted for binary search in PickKey()
	sort.Slice(ring, func(i, j int) bool { return ring[i] < ring[j] })
	b.ring, b.nodes, b.signature = ring, nodes, sig
}

// PickKey finds the instance responsible for the given key.
// It hashes the key, then binary-searches for the first node >= hash on the ring.
// If the hash is larger than all nodes, it wraps around to the first node (ring property).
func (b *ConsistentHashBalancer) PickKey(instances []*registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	sig := signature(instances)

	b.mu.RLock()
	fresh := b.signature == sig
	b.mu.RUnlock()
	if !fresh {
		b.mu.Lock()
		if b.signature != sig {
			b.build(instances, sig)
		}
		b.mu.Unlock()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	hash := crc32.ChecksumIEEE([]byte(key))

	// Binary search: find first node with hash >= key's hash
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})

	// Wrap around: if key's hash > all nodes, go to the first node
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
