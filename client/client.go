// Package client resolves a dependency service to a concrete instance.
//
// Handlers that need to reach another service ask the Client for an instance
// instead of holding addresses: the Client reads the live discovery view and
// lets a balancer choose. It does not speak any wire protocol; the caller
// performs the call against the picked instance.
package client

import (
	"context"
	"slices"

	"svckit/discovery"
	"svckit/loadbalance"
	"svckit/log"
	"svckit/registry"
	"svckit/status"
)

type Client struct {
	discovery *discovery.Discovery
	balancer  loadbalance.Balancer
	ring      *loadbalance.ConsistentHashBalancer
	attempts  int
	logger    log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBalancer replaces the default round robin balancer.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) { c.balancer = b }
}

// WithAttempts bounds how many distinct instances Call tries.
func WithAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func NewClient(d *discovery.Discovery, opts ...Option) *Client {
	c := &Client{
		discovery: d,
		balancer:  &loadbalance.RoundRobinBalancer{},
		ring:      loadbalance.NewConsistentHashBalancer(),
		attempts:  3,
		logger:    log.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) view(ctx context.Context, service string) (*discovery.View, error) {
	s, err := c.discovery.Watch(ctx, service)
	if err != nil {
		return nil, err
	}
	v := s.Snapshot()
	if v.Len() == 0 {
		return nil, status.Newf(status.Unavailable, "no instances of %s", service)
	}
	return v, nil
}

// Pick returns an instance of service chosen by the balancer.
func (c *Client) Pick(ctx context.Context, service string) (*registry.ServiceInstance, error) {
	v, err := c.view(ctx, service)
	if err != nil {
		return nil, err
	}
	return c.balancer.Pick(v.Instances)
}

// PickKey returns the instance owning key on the consistent hash ring.
func (c *Client) PickKey(ctx context.Context, service, key string) (*registry.ServiceInstance, error) {
	v, err := c.view(ctx, service)
	if err != nil {
		return nil, err
	}
	return c.ring.PickKey(v.Instances, key)
}

// Call picks an instance and runs fn against it. When fn fails with
// Unavailable, another instance is tried, up to the configured attempts.
// Any other outcome is returned as is.
func (c *Client) Call(ctx context.Context, service string, fn func(context.Context, *registry.ServiceInstance) error) error {
	v, err := c.view(ctx, service)
	if err != nil {
		return err
	}

	candidates := slices.Clone(v.Instances)
	var last error
	for attempt := 0; attempt < c.attempts && len(candidates) > 0; attempt++ {
		if err := status.FromContext(ctx); err != nil {
			return err
		}
		instance, err := c.balancer.Pick(candidates)
		if err != nil {
			return err
		}
		last = fn(ctx, instance)
		if !status.Is(last, status.Unavailable) {
			return last
		}
		c.logger.Warnf("%s instance %s unavailable: %v", service, instance.InstanceID, last)
		candidates = slices.DeleteFunc(candidates, func(i *registry.ServiceInstance) bool {
			return i.InstanceID == instance.InstanceID
		})
	}
	return status.Wrapf(status.Unavailable, last, "%s: every attempted instance failed", service)
}
