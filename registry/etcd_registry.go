package registry

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"svckit/codec"
	"svckit/log"
	"svckit/status"
)

// EtcdBackend stores instances in etcd.
//
//	Key:   {prefix}/{ServiceName}/{InstanceID}
//	Value: JSON-encoded ServiceInstance
//
// Each record is attached to its own lease, so a process that stops renewing
// loses only its own entry.
type EtcdBackend struct {
	client  *clientv3.Client
	prefix  string
	timeout time.Duration
	codec   codec.Codec
	logger  log.Logger
}

var _ Backend = (*EtcdBackend)(nil)

// EtcdConfig is the connection setup of an EtcdBackend.
type EtcdConfig struct {
	Endpoints      []string
	Prefix         string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	Username       string
	Password       string
	Logger         log.Logger
}

// NewEtcdBackend connects to the cluster and checks the first endpoint answers.
func NewEtcdBackend(ctx context.Context, cfg EtcdConfig) (*EtcdBackend, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, status.New(status.InvalidArgument, "etcd endpoints are required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/services"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Discard
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Context:     ctx,
	})
	if err != nil {
		return nil, unavailable(err, "connect etcd")
	}

	probeCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if _, err := client.Status(probeCtx, cfg.Endpoints[0]); err != nil {
		if cerr := client.Close(); cerr != nil {
			cfg.Logger.Warnf("close etcd client: %v", cerr)
		}
		return nil, unavailable(err, "reach etcd %s", cfg.Endpoints[0])
	}

	return newEtcdBackend(client, cfg), nil
}

// NewEtcdBackendFromClient wraps an existing client. Close closes it.
func NewEtcdBackendFromClient(client *clientv3.Client, cfg EtcdConfig) *EtcdBackend {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/services"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Discard
	}
	return newEtcdBackend(client, cfg)
}

func newEtcdBackend(client *clientv3.Client, cfg EtcdConfig) *EtcdBackend {
	return &EtcdBackend{
		client:  client,
		prefix:  "/" + strings.Trim(cfg.Prefix, "/"),
		timeout: cfg.RequestTimeout,
		codec:   codec.Default,
		logger:  cfg.Logger,
	}
}

func (r *EtcdBackend) Name() string { return "etcd" }

func (r *EtcdBackend) servicePrefix(service string) string {
	return path.Join(r.prefix, service) + "/"
}

func (r *EtcdBackend) key(instance *ServiceInstance) string {
	return r.servicePrefix(instance.ServiceName) + instance.InstanceID
}

func (r *EtcdBackend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func formatLeaseID(id clientv3.LeaseID) string {
	return strconv.FormatInt(int64(id), 16)
}

func parseLeaseID(s string) (clientv3.LeaseID, error) {
	id, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return 0, status.Wrapf(status.InvalidArgument, err, "malformed etcd lease id %q", s)
	}
	return clientv3.LeaseID(id), nil
}

// Register grants a lease and puts the record under it.
//
// The lease TTL is rounded up to whole seconds, the granularity of etcd leases.
func (r *EtcdBackend) Register(ctx context.Context, instance *ServiceInstance, ttl time.Duration) (*Lease, error) {
	if err := instance.validate(); err != nil {
		return nil, err
	}
	seconds := int64((ttl + time.Second - 1) / time.Second)
	if seconds <= 0 {
		return nil, status.Newf(status.InvalidArgument, "ttl must be positive, got %s", ttl)
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	grant, err := r.client.Grant(ctx, seconds)
	if err != nil {
		return nil, unavailable(err, "grant etcd lease")
	}

	stored := instance.Clone()
	stored.LeaseID = formatLeaseID(grant.ID)
	val, err := r.codec.Encode(stored)
	if err != nil {
		return nil, status.Wrap(status.Internal, err, "encode instance")
	}

	if _, err = r.client.Put(ctx, r.key(stored), string(val), clientv3.WithLease(grant.ID)); err != nil {
		// the lease would expire on its own; revoke it to free the slot early
		if _, rerr := r.client.Revoke(ctx, grant.ID); rerr != nil {
			r.logger.Debugf("revoke orphan lease %s: %v", stored.LeaseID, rerr)
		}
		return nil, unavailable(err, "put %s", r.key(stored))
	}

	return &Lease{
		ID:            stored.LeaseID,
		TTL:           time.Duration(grant.TTL) * time.Second,
		LastRenewedAt: time.Now(),
		Instance:      stored.Clone(),
	}, nil
}

// Renew sends a single keep-alive for the lease.
func (r *EtcdBackend) Renew(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return status.New(status.InvalidArgument, "nil lease")
	}
	id, err := parseLeaseID(lease.ID)
	if err != nil {
		return err
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	resp, err := r.client.KeepAliveOnce(ctx, id)
	if err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return fmt.Errorf("etcd lease %s: %w", lease.ID, ErrLeaseExpired)
		}
		return unavailable(err, "keep alive etcd lease %s", lease.ID)
	}
	if resp.TTL <= 0 {
		return fmt.Errorf("etcd lease %s: %w", lease.ID, ErrLeaseExpired)
	}
	lease.LastRenewedAt = time.Now()
	return nil
}

// Deregister deletes the record and revokes its lease. A missing key or
// lease counts as success.
func (r *EtcdBackend) Deregister(ctx context.Context, instance *ServiceInstance) error {
	if err := instance.validate(); err != nil {
		return err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	key := r.key(instance)
	resp, err := r.client.Delete(ctx, key, clientv3.WithPrevKV())
	if err != nil {
		return unavailable(err, "delete %s", key)
	}

	leaseID := instance.LeaseID
	if leaseID == "" && len(resp.PrevKvs) > 0 && resp.PrevKvs[0].Lease != 0 {
		leaseID = formatLeaseID(clientv3.LeaseID(resp.PrevKvs[0].Lease))
	}
	if leaseID == "" {
		return nil
	}
	id, err := parseLeaseID(leaseID)
	if err != nil {
		return err
	}
	if _, err := r.client.Revoke(ctx, id); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
		// the record is gone already, the lease will expire naturally
		r.logger.Warnf("revoke etcd lease %s: %v", leaseID, err)
	}
	return nil
}

// List reads every record under the service prefix.
func (r *EtcdBackend) List(ctx context.Context, service string) ([]*ServiceInstance, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	resp, err := r.client.Get(ctx, r.servicePrefix(service), clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, unavailable(err, "list %s", service)
	}
	instances := make([]*ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		instance, err := r.decode(kv.Value)
		if err != nil {
			r.logger.Warnf("skip malformed record %s: %v", kv.Key, err)
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (r *EtcdBackend) decode(value []byte) (*ServiceInstance, error) {
	instance := new(ServiceInstance)
	if err := r.codec.Decode(value, instance); err != nil {
		return nil, err
	}
	return instance, nil
}

// Watch streams prefix events starting right after the current revision.
// PUT becomes Added, DELETE (including lease expiry) becomes Removed.
func (r *EtcdBackend) Watch(ctx context.Context, service string) (<-chan ChangeEvent, error) {
	prefix := r.servicePrefix(service)

	probeCtx, cancel := r.withTimeout(ctx)
	head, err := r.client.Get(probeCtx, prefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
	cancel()
	if err != nil {
		return nil, unavailable(err, "watch %s", service)
	}

	watchCtx, stop := context.WithCancel(clientv3.WithRequireLeader(ctx))
	wch := r.client.Watch(watchCtx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithPrevKV(),
		clientv3.WithRev(head.Header.Revision+1),
	)

	out := make(chan ChangeEvent, watchBuffer)
	go func() {
		defer close(out)
		defer stop()
		for resp := range wch {
			if err := resp.Err(); err != nil {
				r.logger.Warnf("etcd watch %s ended: %v", service, err)
				return
			}
			for _, ev := range resp.Events {
				change, ok := r.toChange(service, prefix, ev)
				if !ok {
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *EtcdBackend) toChange(service, prefix string, ev *clientv3.Event) (ChangeEvent, bool) {
	switch ev.Type {
	case clientv3.EventTypePut:
		instance, err := r.decode(ev.Kv.Value)
		if err != nil {
			r.logger.Warnf("skip malformed record %s: %v", ev.Kv.Key, err)
			return ChangeEvent{}, false
		}
		return ChangeEvent{Type: Added, Instance: instance}, true
	case clientv3.EventTypeDelete:
		instance := &ServiceInstance{
			ServiceName: service,
			InstanceID:  strings.TrimPrefix(string(ev.Kv.Key), prefix),
		}
		if ev.PrevKv != nil {
			if prev, err := r.decode(ev.PrevKv.Value); err == nil {
				instance = prev
			}
		}
		return ChangeEvent{Type: Removed, Instance: instance}, true
	}
	return ChangeEvent{}, false
}

// Close closes the etcd client.
func (r *EtcdBackend) Close() error {
	if err := r.client.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close etcd client: %w", err)
	}
	return nil
}
