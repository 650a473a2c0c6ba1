// Package server is the composition root of a service.
//
// A Server owns the request path and the registrations of the service:
//
//	Handle → middleware pipeline → resolver.Dispatcher → handler
//	Serve  → one registry.Registrar per advertised instance
//
// Shutdown deregisters every instance first so that discovery stops routing
// to this process, then refuses new requests and waits for in-flight ones.
package server

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"svckit/config"
	"svckit/log"
	"svckit/message"
	"svckit/metrics"
	"svckit/middleware"
	"svckit/registry"
	"svckit/resolver"
	"svckit/status"
)

// Reply is what crosses the service boundary for one request.
type Reply struct {
	Code     int // HTTP-equivalent status code
	Kind     status.Kind
	Message  string
	Payload  []byte
	Metadata map[string]string
}

// OK reports whether the request succeeded.
func (r Reply) OK() bool { return r.Code == 200 }

// Fault reports a registration that was lost for good.
type Fault struct {
	ServiceName string
	InstanceID  string
	Err         error
}

// Server routes requests and keeps the service registered.
type Server struct {
	dispatcher   *resolver.Dispatcher
	units        []middleware.Unit
	handler      middleware.HandlerFunc
	backend      registry.Backend
	ownsBackend  bool
	advertised   []registry.ServiceInstance
	registration config.Registration
	drainTimeout time.Duration
	logger       log.Logger
	metrics      *metrics.Collector

	registrars []*registry.Registrar
	faults     chan Fault
	started    atomic.Bool
	ready      chan struct{}
	quit       chan struct{}
	served     chan struct{}
	stopOnce   sync.Once

	mu       sync.RWMutex // guards closing against inflight.Add, and registrars
	closing  bool
	inflight sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithBackend sets the registry backend instances are advertised on.
func WithBackend(b registry.Backend) Option {
	return func(s *Server) { s.backend = b }
}

// Advertise registers instance while the server is serving. It can be given
// more than once, e.g. for a REST and a gRPC service key.
func Advertise(instance registry.ServiceInstance) Option {
	return func(s *Server) { s.advertised = append(s.advertised, instance) }
}

// WithRegistration sets the lease settings of every advertised instance.
func WithRegistration(cfg config.Registration) Option {
	return func(s *Server) { s.registration = cfg }
}

// WithDrainTimeout bounds the drain that runs when the Serve context ends.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Server) { s.drainTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics records registration metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// NewServer creates a server with an empty routing table and no middleware.
func NewServer(opts ...Option) *Server {
	s := &Server{
		dispatcher:   resolver.NewDispatcher(),
		drainTimeout: 10 * time.Second,
		logger:       log.Discard,
		ready:        make(chan struct{}),
		quit:         make(chan struct{}),
		served:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registration.Sanitize()
	s.faults = make(chan Fault, len(s.advertised))
	return s
}

// Open builds a server from cfg: it opens the configured backend, which the
// server then owns, and builds the configured middleware order from the
// default catalog. A nil cfg means config.Default.
func Open(ctx context.Context, cfg *config.Config, deps middleware.Dependencies, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, status.Wrap(status.InvalidArgument, err, "log level")
	}
	if deps.Logger == nil {
		deps.Logger = log.New(level)
	}
	if deps.Metrics == nil {
		for _, name := range cfg.Middleware.Order {
			if name == middleware.NameMetrics {
				return nil, status.New(status.InvalidArgument, "metrics middleware needs a collector")
			}
		}
	}
	pipeline, err := middleware.Build(cfg.Middleware, middleware.DefaultCatalog(deps))
	if err != nil {
		return nil, err
	}
	backend, err := registry.Open(ctx, cfg.Backend, deps.Logger)
	if err != nil {
		return nil, err
	}

	base := []Option{
		WithBackend(backend),
		WithRegistration(cfg.Registration),
		WithLogger(deps.Logger),
		WithMetrics(deps.Metrics),
	}
	s := NewServer(append(base, opts...)...)
	s.ownsBackend = true
	s.Use(pipeline.Units()...)
	return s, nil
}

// Use appends units to the pipeline. Units run in the order they were added.
// It has no effect once Serve has been called.
func (s *Server) Use(units ...middleware.Unit) {
	if s.started.Load() {
		s.logger.Warnf("Use after Serve ignored")
		return
	}
	s.units = append(s.units, units...)
}

// RegisterCommand routes commands of typeKey to h.
func (s *Server) RegisterCommand(typeKey string, h resolver.Handler) error {
	return s.dispatcher.RegisterCommandHandler(typeKey, h)
}

// RegisterQuery routes queries of typeKey to h.
func (s *Server) RegisterQuery(typeKey string, h resolver.Handler) error {
	return s.dispatcher.RegisterQueryHandler(typeKey, h)
}

// Ready is closed once Serve has built the request chain and started a
// registrar for every advertised instance. Registration itself completes in
// the background.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Faults reports registrations that were lost. The channel is closed when
// Serve returns.
func (s *Server) Faults() <-chan Fault { return s.faults }

// Serve builds the request chain, starts a registrar per advertised instance
// and blocks until Shutdown is called or ctx ends. When ctx ends first, Serve
// shuts the server down itself, draining for at most the drain timeout.
func (s *Server) Serve(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return status.New(status.FailedPrecondition, "server already serving")
	}
	defer close(s.served)
	defer close(s.faults)

	s.mu.RLock()
	closing := s.closing
	s.mu.RUnlock()
	if closing {
		return status.New(status.Unavailable, "server is shut down")
	}
	if len(s.advertised) > 0 && s.backend == nil {
		return status.New(status.FailedPrecondition, "advertised instances need a backend")
	}

	// The chain is built once, not per request.
	handler := middleware.New(s.units...).Then(s.dispatcher.Dispatch)

	for _, instance := range s.advertised {
		r, err := registry.NewRegistrar(s.backend, instance, s.registration,
			registry.WithLogger(s.logger), registry.WithMetrics(s.metrics))
		if err == nil {
			err = r.Start(ctx)
		}
		if err != nil {
			s.stopRegistrars(context.WithoutCancel(ctx))
			return err
		}
		s.mu.Lock()
		s.registrars = append(s.registrars, r)
		closing = s.closing
		s.mu.Unlock()
		if closing {
			s.stopRegistrars(context.WithoutCancel(ctx))
			return status.New(status.Unavailable, "server shut down while starting")
		}
	}
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
	close(s.ready)
	s.logger.Infof("serving %d command and %d query types",
		len(s.dispatcher.TypeKeys(message.Command)), len(s.dispatcher.TypeKeys(message.Query)))

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range s.registrarList() {
		g.Go(func() error {
			s.relay(gctx, r)
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-s.quit:
		case <-gctx.Done():
		}
		return nil
	})
	err := g.Wait()

	select {
	case <-s.quit:
		return err
	default:
	}
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.drainTimeout)
	defer cancel()
	return multierr.Append(err, s.Shutdown(drainCtx))
}

// relay forwards a lost registration to Faults.
func (s *Server) relay(ctx context.Context, r *registry.Registrar) {
	var err error
	select {
	case err = <-r.Lost():
	case <-r.Done():
		select {
		case err = <-r.Lost():
		default:
			return
		}
	case <-s.quit:
		return
	case <-ctx.Done():
		return
	}

	instance := r.Instance()
	s.logger.Errorf("registration of %s/%s lost: %v", instance.ServiceName, instance.InstanceID, err)
	select {
	case s.faults <- Fault{ServiceName: instance.ServiceName, InstanceID: instance.InstanceID, Err: err}:
	case <-s.quit:
	case <-ctx.Done():
	}
}

// Handle runs req through the pipeline and the dispatcher. Every failure is
// turned into a Reply carrying its status code and message; causes stay
// inside the process.
func (s *Server) Handle(ctx context.Context, req *message.Request) Reply {
	s.mu.RLock()
	if s.closing || s.handler == nil {
		s.mu.RUnlock()
		return errorReply(status.New(status.Unavailable, "server is not serving"))
	}
	s.inflight.Add(1)
	s.mu.RUnlock()
	defer s.inflight.Done()

	resp, err := s.handler(ctx, req)
	if err != nil {
		return errorReply(err)
	}
	if resp == nil {
		resp = &message.Response{}
	}
	return Reply{Code: 200, Payload: resp.Payload, Metadata: resp.Metadata}
}

func errorReply(err error) Reply {
	se := status.Convert(err)
	return Reply{Code: se.HTTPStatus(), Kind: se.Kind, Message: se.Message}
}

// States returns the registration state per advertised instance id. It is
// meaningful once Ready is closed.
func (s *Server) States() map[string]registry.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	states := make(map[string]registry.State, len(s.registrars))
	for _, r := range s.registrars {
		states[r.Instance().InstanceID] = r.State()
	}
	return states
}

// Shutdown stops the server:
//  1. deregister every advertised instance, so clients stop routing here
//  2. refuse new requests with Unavailable
//  3. wait for in-flight requests until ctx ends
//
// Calling it again only waits for the drain.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs error
	s.stopOnce.Do(func() {
		if s.started.Load() {
			// registrars are only complete once Serve is ready or gone
			select {
			case <-s.ready:
			case <-s.served:
			case <-ctx.Done():
			}
			s.stopRegistrars(ctx)
		}

		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		close(s.quit)

		if s.ownsBackend {
			errs = multierr.Append(errs, s.backend.Close())
		}
	})

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Infof("shutdown complete")
		return errs
	case <-ctx.Done():
		return multierr.Append(errs, status.Wrap(status.DeadlineExceeded, ctx.Err(), "timeout waiting for ongoing requests to finish"))
	}
}

func (s *Server) registrarList() []*registry.Registrar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.registrars)
}

// stopRegistrars deregisters all instances concurrently.
func (s *Server) stopRegistrars(ctx context.Context) {
	var g errgroup.Group
	for _, r := range s.registrarList() {
		g.Go(func() error { return r.Stop(ctx) })
	}
	_ = g.Wait()
}
