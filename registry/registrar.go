package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/oklog/ulid/v2"
	"go.uber.org/atomic"

	"svckit/config"
	"svckit/log"
	"svckit/metrics"
	"svckit/status"
)

// State is the lifecycle position of a Registrar.
type State int32

const (
	Unregistered State = iota
	Registering
	Active
	Renewing
	Deregistering
	Lost
)

var stateNames = [...]string{"Unregistered", "Registering", "Active", "Renewing", "Deregistering", "Lost"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// registrationRound bounds one retrier run while registering; rounds repeat
// until the registrar is stopped.
const registrationRound = 8

// Registrar keeps one locally hosted instance registered.
//
// Exactly one goroutine, started by Start, owns the lease. Callers observe it
// through State, Lease and Lost, and end it with Stop.
type Registrar struct {
	backend  Backend
	instance *ServiceInstance
	cfg      config.Registration
	logger   log.Logger
	metrics  *metrics.Collector

	state *atomic.Int32
	lease *atomic.Pointer[Lease]
	lost  chan error

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// RegistrarOption configures a Registrar.
type RegistrarOption func(*Registrar)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) RegistrarOption {
	return func(r *Registrar) { r.logger = logger }
}

// WithMetrics records lifecycle metrics on c.
func WithMetrics(c *metrics.Collector) RegistrarOption {
	return func(r *Registrar) { r.metrics = c }
}

// NewRegistrar prepares the registration of instance. An empty InstanceID is
// replaced by a fresh ULID.
func NewRegistrar(backend Backend, instance ServiceInstance, cfg config.Registration, opts ...RegistrarOption) (*Registrar, error) {
	if backend == nil {
		return nil, status.New(status.InvalidArgument, "backend is required")
	}
	if instance.InstanceID == "" {
		instance.InstanceID = ulid.Make().String()
	}
	if err := instance.validate(); err != nil {
		return nil, err
	}
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, status.Wrap(status.InvalidArgument, err, "registration config")
	}

	r := &Registrar{
		backend:  backend,
		instance: instance.Clone(),
		cfg:      cfg,
		logger:   log.Discard,
		state:    atomic.NewInt32(int32(Unregistered)),
		lease:    atomic.NewPointer[Lease](nil),
		lost:     make(chan error, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("service", instance.ServiceName, "instance", instance.InstanceID)
	return r, nil
}

// State returns the current lifecycle state.
func (r *Registrar) State() State {
	return State(r.state.Load())
}

// Instance returns the registered record, with its LeaseID once Active.
func (r *Registrar) Instance() *ServiceInstance {
	if lease := r.lease.Load(); lease != nil {
		return lease.Instance.Clone()
	}
	return r.instance.Clone()
}

// Lease returns a copy of the current lease, nil before the first grant.
func (r *Registrar) Lease() *Lease {
	lease := r.lease.Load()
	if lease == nil {
		return nil
	}
	c := *lease
	c.Instance = lease.Instance.Clone()
	return &c
}

// Lost delivers the fault that made the registration give up. It fires at
// most once; the owner decides whether to register again with a new Registrar.
func (r *Registrar) Lost() <-chan error {
	return r.lost
}

// Done is closed when the lifecycle goroutine has exited.
func (r *Registrar) Done() <-chan struct{} {
	return r.done
}

// Start launches the lifecycle goroutine. Only Stop ends it; cancelling ctx
// does not.
func (r *Registrar) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return status.New(status.FailedPrecondition, "registrar already started")
	}
	select {
	case <-r.stopCh:
		return status.New(status.FailedPrecondition, "registrar stopped")
	default:
	}

	base := context.WithoutCancel(ctx)
	loopCtx, cancel := context.WithCancel(base)
	r.started = true
	r.cancel = cancel
	go r.run(base, loopCtx)
	return nil
}

// Stop signals the lifecycle goroutine to deregister and exit, then waits
// for it until ctx ends. Deregistration failures are logged, never returned.
func (r *Registrar) Stop(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.cancel != nil {
			r.cancel()
		}
	})
	r.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warnf("stop: gave up waiting for deregistration: %v", ctx.Err())
	}
	return nil
}

func (r *Registrar) setState(s State) {
	if State(r.state.Swap(int32(s))) != s {
		r.metrics.Transition(r.instance.ServiceName, s.String())
		r.logger.Debugf("state -> %s", s)
	}
}

func (r *Registrar) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

func (r *Registrar) run(base, ctx context.Context) {
	defer close(r.done)
	defer r.cancel()

	lease := r.register(ctx)
	if lease == nil {
		r.deregister(base, r.instance)
		return
	}

	interval := time.Duration(float64(lease.TTL) * r.cfg.HeartbeatFraction)
	if interval <= 0 {
		interval = r.cfg.HeartbeatInterval()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-r.stopCh:
			r.deregister(base, lease.Instance)
			return
		case <-ticker.C:
		}

		r.setState(Renewing)
		err := r.renew(ctx, lease, interval)
		if r.stopped() {
			r.deregister(base, lease.Instance)
			return
		}
		r.metrics.Renewal(r.instance.ServiceName, err)
		if err == nil {
			failures = 0
			r.publish(lease)
			r.setState(Active)
			continue
		}

		failures++
		if errors.Is(err, ErrLeaseExpired) {
			r.lose(status.Wrap(status.FailedPrecondition, err, "lease reclaimed by backend"))
			return
		}
		r.logger.Warnf("renewal %d/%d failed: %v", failures, r.cfg.MaxRenewalFailures, err)
		if failures >= r.cfg.MaxRenewalFailures {
			r.lose(status.Wrapf(status.KindOf(err), err, "%d consecutive renewals failed", failures))
			return
		}
	}
}

// register retries until a lease is granted or the registrar is stopped.
func (r *Registrar) register(ctx context.Context) *Lease {
	r.setState(Registering)
	initial := r.cfg.RetryInitial.ToDuration()
	maxDelay := r.cfg.RetryMax.ToDuration()
	ttl := r.cfg.TTL.ToDuration()

	for round := 1; ; round++ {
		var lease *Lease
		retrier := retry.NewRetrier(registrationRound, initial, maxDelay)
		err := retrier.RunContext(ctx, func(ctx context.Context) error {
			granted, err := r.backend.Register(ctx, r.instance, ttl)
			r.metrics.Registration(r.instance.ServiceName, err)
			if err != nil {
				return err
			}
			lease = granted
			return nil
		})
		if lease != nil {
			r.publish(lease)
			r.setState(Active)
			r.logger.Infof("registered with %s lease %s (ttl %s)", r.backend.Name(), lease.ID, lease.TTL)
			return lease
		}
		if r.stopped() || ctx.Err() != nil {
			return nil
		}
		r.logger.Warnf("registration round %d failed, retrying: %v", round, err)
	}
}

// renew runs one heartbeat with bounded retries. The backoff is kept well
// below the heartbeat interval so a tick never overlaps the next one.
func (r *Registrar) renew(ctx context.Context, lease *Lease, interval time.Duration) error {
	initial := r.cfg.RetryInitial.ToDuration()
	maxDelay := interval / 3
	if limit := r.cfg.RetryMax.ToDuration(); maxDelay > limit {
		maxDelay = limit
	}
	if maxDelay < initial {
		maxDelay = initial
	}

	var last error
	retrier := retry.NewRetrier(r.cfg.RenewAttempts, initial, maxDelay)
	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		last = r.backend.Renew(ctx, lease)
		if errors.Is(last, ErrLeaseExpired) {
			return retry.Stop(last)
		}
		return last
	})
	if last != nil {
		return last
	}
	return err
}

func (r *Registrar) publish(lease *Lease) {
	c := *lease
	c.Instance = lease.Instance.Clone()
	r.lease.Store(&c)
}

func (r *Registrar) lose(err error) {
	r.setState(Lost)
	r.metrics.LeaseLost(r.instance.ServiceName)
	r.logger.Errorf("registration lost: %v", err)
	select {
	case r.lost <- err:
	default:
	}
}

// deregister is best effort; the lease reclaims the slot if it fails.
func (r *Registrar) deregister(base context.Context, instance *ServiceInstance) {
	r.setState(Deregistering)
	ctx, cancel := context.WithTimeout(base, r.cfg.DeregisterTimeout.ToDuration())
	defer cancel()
	if err := r.backend.Deregister(ctx, instance); err != nil {
		r.logger.Warnf("deregister failed, lease expiry will reclaim it: %v", err)
	} else {
		r.logger.Infof("deregistered from %s", r.backend.Name())
	}
	r.setState(Unregistered)
}
