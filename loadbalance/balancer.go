// Package loadbalance picks one instance out of a discovery view.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances, weight read from the "weight" metadata key
//   - ConsistentHash:  Stateful services requiring cache affinity
package loadbalance

import (
	"strconv"

	"svckit/registry"
	"svckit/status"
)

// WeightKey is the metadata key holding an instance's relative weight.
const WeightKey = "weight"

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = status.New(status.Unavailable, "no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each call to select a target instance.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Called on every call, must be goroutine-safe.
	Pick(instances []*registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// KeyBalancer routes by a request key instead of spreading load.
type KeyBalancer interface {
	PickKey(instances []*registry.ServiceInstance, key string) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer registered under name: "round_robin" or
// "weighted_random". Consistent hashing is key based, see ConsistentHashBalancer.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	default:
		return nil, status.Newf(status.InvalidArgument, "unknown balancer %q", name)
	}
}

// Weight reads the instance weight, defaulting to 1 when the key is missing
// or not a positive integer.
func Weight(instance *registry.ServiceInstance) int {
	w, err := strconv.Atoi(instance.Metadata[WeightKey])
	if err != nil || w <= 0 {
		return 1
	}
	return w
}
