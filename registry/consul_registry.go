package registry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"

	"svckit/log"
	"svckit/status"
)

// minCriticalReap is the smallest DeregisterCriticalServiceAfter Consul honours.
const minCriticalReap = time.Minute

// ConsulBackend registers instances with the local Consul agent.
//
// Consul has no leases. Each instance gets a TTL health check instead and
// renewing the lease is a "pass" pushed to that check. A check that is not
// pushed in time turns critical, which drops the instance from passing-only
// listings, and the agent reaps the registration afterwards.
type ConsulBackend struct {
	client   *api.Client
	timeout  time.Duration
	waitTime time.Duration
	logger   log.Logger
}

var _ Backend = (*ConsulBackend)(nil)

// ConsulConfig is the connection setup of a ConsulBackend.
type ConsulConfig struct {
	Address        string
	Token          string
	Datacenter     string
	RequestTimeout time.Duration
	// WaitTime bounds one blocking query of Watch.
	WaitTime time.Duration
	Logger   log.Logger
}

// NewConsulBackend builds a client and checks the agent answers.
func NewConsulBackend(ctx context.Context, cfg ConsulConfig) (*ConsulBackend, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Discard
	}

	consulConfig := api.DefaultConfig()
	if cfg.Address != "" {
		consulConfig.Address = cfg.Address
	}
	consulConfig.Token = cfg.Token
	consulConfig.Datacenter = cfg.Datacenter

	client, err := api.NewClient(consulConfig)
	if err != nil {
		return nil, status.Wrap(status.InvalidArgument, err, "create consul client")
	}

	b := &ConsulBackend{
		client:   client,
		timeout:  cfg.RequestTimeout,
		waitTime: cfg.WaitTime,
		logger:   cfg.Logger,
	}

	probeCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	if _, err := client.Status().LeaderWithQueryOptions(b.query(probeCtx)); err != nil {
		return nil, unavailable(err, "reach consul %s", consulConfig.Address)
	}
	return b, nil
}

func (c *ConsulBackend) Name() string { return "consul" }

func (c *ConsulBackend) query(ctx context.Context) *api.QueryOptions {
	return (&api.QueryOptions{}).WithContext(ctx)
}

func checkID(instance *ServiceInstance) string {
	return "service:" + instance.InstanceID + ":ttl"
}

func isNotFound(err error, marker string) bool {
	var se api.StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return true
	}
	return err != nil && strings.Contains(err.Error(), marker)
}

// Register adds the service with a TTL check and passes the check once so
// the instance is visible right away.
func (c *ConsulBackend) Register(ctx context.Context, instance *ServiceInstance, ttl time.Duration) (*Lease, error) {
	if err := instance.validate(); err != nil {
		return nil, err
	}
	if ttl < time.Second {
		return nil, status.Newf(status.InvalidArgument, "consul ttl must be at least 1s, got %s", ttl)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stored := instance.Clone()
	stored.LeaseID = checkID(stored)

	host, port := splitAddress(stored.Address)
	reap := 3 * ttl
	if reap < minCriticalReap {
		reap = minCriticalReap
	}
	registration := &api.AgentServiceRegistration{
		ID:      stored.InstanceID,
		Name:    stored.ServiceName,
		Address: host,
		Port:    port,
		Meta:    maps.Clone(stored.Metadata),
		Check: &api.AgentServiceCheck{
			CheckID:                        stored.LeaseID,
			Name:                           stored.ServiceName + " lease",
			TTL:                            ttl.String(),
			DeregisterCriticalServiceAfter: reap.String(),
		},
	}
	opts := api.ServiceRegisterOpts{ReplaceExistingChecks: true}.WithContext(ctx)
	if err := c.client.Agent().ServiceRegisterOpts(registration, opts); err != nil {
		return nil, unavailable(err, "register %s/%s", stored.ServiceName, stored.InstanceID)
	}

	lease := &Lease{ID: stored.LeaseID, TTL: ttl, Instance: stored.Clone()}
	if err := c.pass(ctx, lease); err != nil {
		return nil, err
	}
	return lease, nil
}

func (c *ConsulBackend) pass(ctx context.Context, lease *Lease) error {
	err := c.client.Agent().UpdateTTLOpts(lease.ID, "renewed", api.HealthPassing, c.query(ctx))
	if err != nil {
		if isNotFound(err, "Unknown check") {
			return fmt.Errorf("consul check %s: %w", lease.ID, ErrLeaseExpired)
		}
		return unavailable(err, "pass consul check %s", lease.ID)
	}
	lease.LastRenewedAt = time.Now()
	return nil
}

// Renew pushes a passing status to the instance's TTL check.
func (c *ConsulBackend) Renew(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return status.New(status.InvalidArgument, "nil lease")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.pass(ctx, lease)
}

// Deregister removes the service and its check from the agent.
func (c *ConsulBackend) Deregister(ctx context.Context, instance *ServiceInstance) error {
	if err := instance.validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.client.Agent().ServiceDeregisterOpts(instance.InstanceID, c.query(ctx))
	if err != nil && !isNotFound(err, "Unknown service") {
		return unavailable(err, "deregister %s/%s", instance.ServiceName, instance.InstanceID)
	}
	return nil
}

// List returns the instances whose checks are passing.
func (c *ConsulBackend) List(ctx context.Context, service string) ([]*ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	instances, _, err := c.health(ctx, service, 0)
	return instances, err
}

func (c *ConsulBackend) health(ctx context.Context, service string, index uint64) ([]*ServiceInstance, uint64, error) {
	q := c.query(ctx)
	if index > 0 {
		q.WaitIndex = index
		q.WaitTime = c.waitTime
	}
	entries, meta, err := c.client.Health().Service(service, "", true, q)
	if err != nil {
		return nil, 0, unavailable(err, "list %s", service)
	}
	instances := make([]*ServiceInstance, 0, len(entries))
	for _, entry := range entries {
		if entry == nil || entry.Service == nil {
			continue
		}
		instances = append(instances, fromEntry(entry))
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].InstanceID < instances[j].InstanceID })
	return instances, meta.LastIndex, nil
}

func fromEntry(entry *api.ServiceEntry) *ServiceInstance {
	address := entry.Service.Address
	if address == "" && entry.Node != nil {
		address = entry.Node.Address
	}
	if entry.Service.Port > 0 {
		address = net.JoinHostPort(address, strconv.Itoa(entry.Service.Port))
	}
	instance := &ServiceInstance{
		ServiceName: entry.Service.Service,
		InstanceID:  entry.Service.ID,
		Address:     address,
		Metadata:    maps.Clone(entry.Service.Meta),
	}
	instance.LeaseID = checkID(instance)
	return instance
}

func splitAddress(address string) (string, int) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return address, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return address, 0
	}
	return host, port
}

// Watch runs blocking queries on the health endpoint and diffs consecutive
// results into events. The first query happens before Watch returns and only
// sets the baseline.
func (c *ConsulBackend) Watch(ctx context.Context, service string) (<-chan ChangeEvent, error) {
	baseCtx, cancel := context.WithTimeout(ctx, c.timeout)
	current, index, err := c.health(baseCtx, service, 0)
	cancel()
	if err != nil {
		return nil, err
	}

	out := make(chan ChangeEvent, watchBuffer)
	go func() {
		defer close(out)
		known := indexByID(current)
		for {
			next, nextIndex, err := c.health(ctx, service, index)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warnf("consul watch %s ended: %v", service, err)
				}
				return
			}
			// the index can go backwards after a leader change; start over
			if nextIndex < index {
				nextIndex = 0
			}
			index = nextIndex

			latest := indexByID(next)
			for _, ev := range diff(known, latest) {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			known = latest
		}
	}()
	return out, nil
}

func indexByID(instances []*ServiceInstance) map[string]*ServiceInstance {
	m := make(map[string]*ServiceInstance, len(instances))
	for _, instance := range instances {
		m[instance.InstanceID] = instance
	}
	return m
}

// diff returns the events that turn before into after, removals first.
func diff(before, after map[string]*ServiceInstance) []ChangeEvent {
	var events []ChangeEvent
	for id, instance := range before {
		if _, ok := after[id]; !ok {
			events = append(events, ChangeEvent{Type: Removed, Instance: instance})
		}
	}
	for id, instance := range after {
		if old, ok := before[id]; !ok || !old.Equal(instance) {
			events = append(events, ChangeEvent{Type: Added, Instance: instance})
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Type != events[j].Type {
			return events[i].Type == Removed
		}
		return events[i].Instance.InstanceID < events[j].Instance.InstanceID
	})
	return events
}

// Close is a no-op; the Consul client holds no persistent connection.
func (c *ConsulBackend) Close() error {
	return nil
}
