// Package discovery keeps live views of remote services.
//
// Every watched service gets one background loop that owns its View. The loop
// streams backend events while it can; when the stream drops it polls full
// listings until the stream comes back, and every time a stream is attached
// the listing is diffed against the view so a removal that happened during
// the gap is never lost. Readers only ever see complete views published by an
// atomic swap.
package discovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"svckit/config"
	"svckit/log"
	"svckit/metrics"
	"svckit/registry"
	"svckit/status"
)

// Reconciliation triggers, as reported to metrics.
const (
	triggerAttach    = "attach"
	triggerReconnect = "reconnect"
	triggerPoll      = "poll"
	triggerResync    = "resync"
)

// Discovery watches services on one backend.
type Discovery struct {
	backend registry.Backend
	cfg     config.Discovery
	logger  log.Logger
	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	group  singleflight.Group

	mu       sync.Mutex
	services map[string]*Service
	closed   bool
}

// Option configures a Discovery.
type Option func(*Discovery)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(d *Discovery) { d.logger = logger }
}

// WithMetrics records view and reconciliation metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Discovery) { d.metrics = c }
}

// New creates a Discovery over backend. Nothing is watched until Watch.
func New(backend registry.Backend, cfg config.Discovery, opts ...Option) *Discovery {
	cfg.Sanitize()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Discovery{
		backend:  backend,
		cfg:      cfg,
		logger:   log.Discard,
		ctx:      ctx,
		cancel:   cancel,
		services: make(map[string]*Service),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Service is the handle on one watched service.
type Service struct {
	name    string
	current *atomic.Pointer[View]
	closed  chan struct{}
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Snapshot returns the current view.
func (s *Service) Snapshot() *View {
	return s.current.Load()
}

// Next blocks until a view newer than version is published and returns it.
func (s *Service) Next(ctx context.Context, version uint64) (*View, error) {
	for {
		v := s.current.Load()
		if v.Version > version {
			return v, nil
		}
		select {
		case <-v.Changed():
		case <-s.closed:
			return nil, status.Newf(status.Unavailable, "discovery of %s closed", s.name)
		case <-ctx.Done():
			return nil, status.FromContext(ctx)
		}
	}
}

func (s *Service) publish(v *View) {
	old := s.current.Swap(v)
	close(old.changed)
}

// Watch returns the handle on service, starting its loop on first use. The
// first call lists the service to build view version 1 and fails if that
// listing fails. Concurrent first calls share one listing, which runs under
// the Discovery's own context so a cancelled caller never fails the others.
func (d *Discovery) Watch(ctx context.Context, service string) (*Service, error) {
	if service == "" {
		return nil, status.New(status.InvalidArgument, "service name is required")
	}
	if s, err := d.lookup(service); s != nil || err != nil {
		return s, err
	}

	ch := d.group.DoChan(service, func() (any, error) {
		return d.start(service)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Service), nil
	case <-ctx.Done():
		return nil, status.FromContext(ctx)
	}
}

func (d *Discovery) start(service string) (*Service, error) {
	if s, err := d.lookup(service); s != nil || err != nil {
		return s, err
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.ListTimeout.ToDuration())
	defer cancel()
	listed, err := d.backend.List(ctx, service)
	if err != nil {
		return nil, err
	}
	view := NewView(service, listed, 1)
	s := &Service{name: service, current: atomic.NewPointer(view), closed: make(chan struct{})}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, status.New(status.Unavailable, "discovery closed")
	}
	d.services[service] = s
	d.wg.Add(1)
	go d.loop(s)
	d.metrics.View(service, view.Version, view.Len())
	d.logger.Infof("watching %s: %d instances", service, view.Len())
	return s, nil
}

func (d *Discovery) lookup(service string) (*Service, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, status.New(status.Unavailable, "discovery closed")
	}
	return d.services[service], nil
}

// Snapshot returns the current view of an already watched service.
func (d *Discovery) Snapshot(service string) (*View, bool) {
	d.mu.Lock()
	s, ok := d.services[service]
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	return s.Snapshot(), true
}

// Close stops every loop and waits for them to exit.
func (d *Discovery) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	services := d.services
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	for _, s := range services {
		close(s.closed)
	}
	return nil
}

func (d *Discovery) loop(s *Service) {
	defer d.wg.Done()
	logger := d.logger.With("service", s.name)
	trigger := triggerAttach

	for d.ctx.Err() == nil {
		streamCtx, cancel := context.WithCancel(d.ctx)
		events, err := d.backend.Watch(streamCtx, s.name)
		if err != nil {
			cancel()
			logger.Debugf("watch unavailable, polling: %v", err)
			d.reconcile(s, triggerPoll, logger)
			if !d.sleep(d.cfg.PollInterval.ToDuration()) {
				return
			}
			trigger = triggerReconnect
			continue
		}

		d.reconcile(s, trigger, logger)
		attached := time.Now()
		open := d.stream(s, events, logger)
		cancel()
		if !open {
			return
		}

		d.metrics.Disconnect(s.name)
		logger.Warnf("watch stream lost after %s", time.Since(attached).Round(time.Millisecond))
		trigger = triggerReconnect
		// a stream that keeps dropping right away is treated as unavailable
		if time.Since(attached) < d.cfg.PollInterval.ToDuration() {
			d.reconcile(s, triggerPoll, logger)
			if !d.sleep(d.cfg.PollInterval.ToDuration()) {
				return
			}
		}
	}
}

// stream applies events until the stream closes (true) or discovery is
// closed (false).
func (d *Discovery) stream(s *Service, events <-chan registry.ChangeEvent, logger log.Logger) bool {
	var resync <-chan time.Time
	if interval := d.cfg.ResyncInterval.ToDuration(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		resync = ticker.C
	}
	for {
		select {
		case <-d.ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return d.ctx.Err() == nil
			}
			d.apply(s, ev)
		case <-resync:
			d.reconcile(s, triggerResync, logger)
		}
	}
}

func (d *Discovery) apply(s *Service, ev registry.ChangeEvent) {
	current := s.Snapshot()
	next := current.Apply(ev)
	if next == current {
		return
	}
	s.publish(next)
	d.metrics.View(s.name, next.Version, next.Len())
}

func (d *Discovery) reconcile(s *Service, trigger string, logger log.Logger) {
	listed, err := d.backend.List(d.ctx, s.name)
	if err != nil {
		if d.ctx.Err() == nil {
			logger.Warnf("%s listing failed, keeping version %d: %v", trigger, s.Snapshot().Version, err)
		}
		return
	}
	d.metrics.Reconciliation(s.name, trigger)
	events := Reconcile(s.Snapshot(), listed)
	for _, ev := range events {
		d.apply(s, ev)
	}
	if len(events) > 0 {
		logger.Infof("%s reconciled %d change(s), now version %d", trigger, len(events), s.Snapshot().Version)
	}
}

func (d *Discovery) sleep(interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-d.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
