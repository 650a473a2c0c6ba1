package registry

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"svckit/log"
	"svckit/status"
)

const watchBuffer = 64

// MemoryBackend keeps records in process. Leases are expired by a sweeper
// goroutine, watchers are fed from the same lock that mutates the records.
//
// It also carries fault switches so lease loss, partitions and dropped
// watch streams can be reproduced without a real cluster.
type MemoryBackend struct {
	mu sync.Mutex

	// service -> instance id -> record
	services map[string]map[string]*memRecord
	// lease id -> record
	leases   map[string]*memRecord
	watchers map[string]map[*memWatch]struct{}
	nextID   uint64

	unavailable   bool
	blockWatches  bool
	renewErr      error
	sweepInterval time.Duration
	logger        log.Logger

	closed   bool
	stopCh   chan struct{}
	sweeperW sync.WaitGroup
}

type memRecord struct {
	instance *ServiceInstance
	ttl      time.Duration
	expires  time.Time
}

type memWatch struct {
	ch   chan ChangeEvent
	stop func() bool
}

var _ Backend = (*MemoryBackend)(nil)

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithSweepInterval sets how often expired leases are reclaimed.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *MemoryBackend) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger log.Logger) MemoryOption {
	return func(m *MemoryBackend) { m.logger = logger }
}

// NewMemoryBackend creates the store and starts its sweeper.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		services:      make(map[string]map[string]*memRecord),
		leases:        make(map[string]*memRecord),
		watchers:      make(map[string]map[*memWatch]struct{}),
		sweepInterval: 100 * time.Millisecond,
		logger:        log.Discard,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sweeperW.Add(1)
	go m.sweep()
	return m
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) checkLocked() error {
	if m.closed {
		return ErrClosed
	}
	if m.unavailable {
		return status.New(status.Unavailable, "memory backend unavailable")
	}
	return nil
}

func (m *MemoryBackend) Register(ctx context.Context, instance *ServiceInstance, ttl time.Duration) (*Lease, error) {
	if err := instance.validate(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, status.Newf(status.InvalidArgument, "ttl must be positive, got %s", ttl)
	}
	if err := status.FromContext(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return nil, err
	}

	service := m.services[instance.ServiceName]
	if service == nil {
		service = make(map[string]*memRecord)
		m.services[instance.ServiceName] = service
	}
	// a re-registration replaces the previous lease
	if old, ok := service[instance.InstanceID]; ok {
		delete(m.leases, old.instance.LeaseID)
	}

	m.nextID++
	now := time.Now()
	stored := instance.Clone()
	stored.LeaseID = "mem-" + strconv.FormatUint(m.nextID, 10)
	rec := &memRecord{instance: stored, ttl: ttl, expires: now.Add(ttl)}
	service[stored.InstanceID] = rec
	m.leases[stored.LeaseID] = rec
	m.notifyLocked(ChangeEvent{Type: Added, Instance: stored.Clone()})

	return &Lease{ID: stored.LeaseID, TTL: ttl, LastRenewedAt: now, Instance: stored.Clone()}, nil
}

func (m *MemoryBackend) Renew(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return status.New(status.InvalidArgument, "nil lease")
	}
	if err := status.FromContext(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return err
	}
	if m.renewErr != nil {
		return m.renewErr
	}
	rec, ok := m.leases[lease.ID]
	if !ok {
		return ErrLeaseExpired
	}
	now := time.Now()
	rec.expires = now.Add(rec.ttl)
	lease.LastRenewedAt = now
	return nil
}

func (m *MemoryBackend) Deregister(ctx context.Context, instance *ServiceInstance) error {
	if err := instance.validate(); err != nil {
		return err
	}
	if err := status.FromContext(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return err
	}
	m.removeLocked(instance.ServiceName, instance.InstanceID)
	return nil
}

func (m *MemoryBackend) removeLocked(service, id string) {
	records := m.services[service]
	rec, ok := records[id]
	if !ok {
		return
	}
	delete(records, id)
	if len(records) == 0 {
		delete(m.services, service)
	}
	delete(m.leases, rec.instance.LeaseID)
	m.notifyLocked(ChangeEvent{Type: Removed, Instance: rec.instance.Clone()})
}

func (m *MemoryBackend) List(ctx context.Context, service string) ([]*ServiceInstance, error) {
	if err := status.FromContext(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return nil, err
	}
	out := make([]*ServiceInstance, 0, len(m.services[service]))
	for _, rec := range m.services[service] {
		out = append(out, rec.instance.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

func (m *MemoryBackend) Watch(ctx context.Context, service string) (<-chan ChangeEvent, error) {
	if err := status.FromContext(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(); err != nil {
		return nil, err
	}
	if m.blockWatches {
		return nil, status.New(status.Unavailable, "memory backend refuses watches")
	}

	w := &memWatch{ch: make(chan ChangeEvent, watchBuffer)}
	if m.watchers[service] == nil {
		m.watchers[service] = make(map[*memWatch]struct{})
	}
	m.watchers[service][w] = struct{}{}
	w.stop = context.AfterFunc(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.dropLocked(service, w)
	})
	return w.ch, nil
}

// notifyLocked fans an event out. A watcher that cannot keep up is
// disconnected; the consumer is expected to relist on reconnect.
func (m *MemoryBackend) notifyLocked(ev ChangeEvent) {
	for w := range m.watchers[ev.Instance.ServiceName] {
		select {
		case w.ch <- ChangeEvent{Type: ev.Type, Instance: ev.Instance.Clone()}:
		default:
			m.logger.Warnf("memory backend: watcher of %s overflowed, disconnecting", ev.Instance.ServiceName)
			m.dropLocked(ev.Instance.ServiceName, w)
		}
	}
}

func (m *MemoryBackend) dropLocked(service string, w *memWatch) {
	set := m.watchers[service]
	if _, ok := set[w]; !ok {
		return
	}
	delete(set, w)
	if len(set) == 0 {
		delete(m.watchers, service)
	}
	if w.stop != nil {
		w.stop()
	}
	close(w.ch)
}

func (m *MemoryBackend) dropAllLocked() {
	for service, set := range m.watchers {
		for w := range set {
			m.dropLocked(service, w)
		}
	}
}

func (m *MemoryBackend) sweep() {
	defer m.sweeperW.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.expire(now)
		}
	}
}

func (m *MemoryBackend) expire(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for service, records := range m.services {
		for id, rec := range records {
			if now.After(rec.expires) {
				m.logger.Infof("memory backend: lease %s of %s/%s expired", rec.instance.LeaseID, service, id)
				m.removeLocked(service, id)
			}
		}
	}
}

// SetUnavailable makes every call fail with Unavailable and cuts open
// watch streams. Leases keep expiring while the store is unreachable.
func (m *MemoryBackend) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = down
	if down {
		m.dropAllLocked()
	}
}

// SetRenewError makes Renew fail with err while leaving every other call
// working, as seen by a single partitioned registrant. Pass nil to heal.
func (m *MemoryBackend) SetRenewError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renewErr = err
}

// DropWatches closes every open watch stream.
func (m *MemoryBackend) DropWatches() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropAllLocked()
}

// BlockWatches makes new Watch calls fail with Unavailable while blocked.
func (m *MemoryBackend) BlockWatches(blocked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockWatches = blocked
}

// Close stops the sweeper and closes every watch stream.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.dropAllLocked()
	m.mu.Unlock()

	close(m.stopCh)
	m.sweeperW.Wait()
	return nil
}
