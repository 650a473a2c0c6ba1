// Package registry owns the registration side of service discovery.
//
// A Backend is a coordination store (etcd, Consul, or the in-process memory
// store) that holds one record per live service instance. Every record is
// bound to a Lease; a lease that is not renewed within its TTL is reclaimed by
// the backend and the record disappears with it, so a crashed process never
// leaves a "ghost" instance behind.
//
// A Registrar drives the lease lifecycle for one locally hosted instance:
//
//	Unregistered → Registering → Active ⇄ Renewing → Deregistering → Unregistered
//	                                       Renewing → Lost
package registry

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"svckit/status"
)

var (
	// ErrLeaseExpired is returned by Renew when the backend no longer knows the lease.
	ErrLeaseExpired = status.New(status.FailedPrecondition, "lease expired")
	// ErrClosed is returned by a backend after Close.
	ErrClosed = status.New(status.Unavailable, "backend closed")
)

// ServiceInstance is one registered copy of a service.
type ServiceInstance struct {
	ServiceName string            `json:"service_name"`
	InstanceID  string            `json:"instance_id"`
	Address     string            `json:"address,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	// LeaseID is the backend handle of the lease the record is bound to.
	LeaseID string `json:"lease_id,omitempty"`
}

// Clone returns a deep copy.
func (s *ServiceInstance) Clone() *ServiceInstance {
	if s == nil {
		return nil
	}
	c := *s
	c.Metadata = maps.Clone(s.Metadata)
	return &c
}

// Equal reports whether two instances carry the same record.
func (s *ServiceInstance) Equal(o *ServiceInstance) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.ServiceName == o.ServiceName &&
		s.InstanceID == o.InstanceID &&
		s.Address == o.Address &&
		s.LeaseID == o.LeaseID &&
		maps.Equal(s.Metadata, o.Metadata)
}

func (s *ServiceInstance) validate() error {
	switch {
	case s == nil:
		return status.New(status.InvalidArgument, "nil service instance")
	case strings.TrimSpace(s.ServiceName) == "":
		return status.New(status.InvalidArgument, "service name is required")
	case strings.TrimSpace(s.InstanceID) == "":
		return status.New(status.InvalidArgument, "instance id is required")
	case strings.Contains(s.ServiceName, "/") || strings.Contains(s.InstanceID, "/"):
		return status.Newf(status.InvalidArgument, "%s/%s: names must not contain '/'", s.ServiceName, s.InstanceID)
	}
	return nil
}

// Lease is a time-bounded claim on an instance slot.
type Lease struct {
	ID            string
	TTL           time.Duration
	LastRenewedAt time.Time
	// Instance is the record the lease keeps alive.
	Instance *ServiceInstance
}

// EventType tells whether an instance appeared or went away.
type EventType uint8

const (
	Added EventType = iota + 1
	Removed
)

func (t EventType) String() string {
	switch t {
	case Added:
		return "Added"
	case Removed:
		return "Removed"
	default:
		return "Unknown"
	}
}

// ChangeEvent is one entry of a watch stream. Added also covers updates of an
// existing instance. Removed events always carry ServiceName and InstanceID;
// other fields are filled when the backend still knows them.
type ChangeEvent struct {
	Type     EventType
	Instance *ServiceInstance
}

// Backend is the uniform contract over a coordination store.
//
// Implementations do no caching: every call goes to the store. Failures are
// returned as *status.Error values (Unavailable for network trouble).
type Backend interface {
	// Name identifies the backend kind, e.g. "etcd".
	Name() string
	// Register writes the instance bound to a fresh lease of the given TTL.
	Register(ctx context.Context, instance *ServiceInstance, ttl time.Duration) (*Lease, error)
	// Renew extends the lease. It fails with ErrLeaseExpired when the store
	// has already reclaimed it, or with an Unavailable error.
	Renew(ctx context.Context, lease *Lease) error
	// Deregister removes the instance. Removing an absent instance succeeds.
	Deregister(ctx context.Context, instance *ServiceInstance) error
	// List returns the live instances of a service.
	List(ctx context.Context, service string) ([]*ServiceInstance, error)
	// Watch streams changes for a service from now on. The channel is closed
	// when ctx ends or the stream is lost; call Watch again to restart it.
	Watch(ctx context.Context, service string) (<-chan ChangeEvent, error)
	// Close releases the store connection.
	Close() error
}

// unavailable wraps a store error unless it already carries a kind.
func unavailable(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var se *status.Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.Wrapf(status.KindOf(err), err, format, args...)
	}
	return status.Wrapf(status.Unavailable, err, format, args...)
}
