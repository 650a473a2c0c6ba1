package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"svckit/codec"
	"svckit/config"
	"svckit/log"
	"svckit/message"
	"svckit/middleware"
	"svckit/registry"
	"svckit/resolver"
	"svckit/status"
)

type Args struct {
	A, B int
}

type Sum struct {
	Result int
}

func fastRegistration() config.Registration {
	return config.Registration{
		TTL:                config.Duration(time.Second),
		HeartbeatFraction:  0.3,
		MaxRenewalFailures: 2,
		RenewAttempts:      1,
		RetryInitial:       config.Duration(5 * time.Millisecond),
		RetryMax:           config.Duration(20 * time.Millisecond),
		DeregisterTimeout:  config.Duration(200 * time.Millisecond),
	}
}

func instance(id string) registry.ServiceInstance {
	return registry.ServiceInstance{
		ServiceName: resolver.ServiceKey("arith", resolver.GRPC),
		InstanceID:  id,
		Address:     "127.0.0.1:8888",
	}
}

func listed(t *testing.T, b registry.Backend) int {
	t.Helper()
	list, err := b.List(context.Background(), resolver.ServiceKey("arith", resolver.GRPC))
	require.NoError(t, err)
	return len(list)
}

func newArith(t *testing.T, b registry.Backend, opts ...Option) *Server {
	t.Helper()
	base := []Option{
		WithBackend(b),
		Advertise(instance("arith-1")),
		WithRegistration(fastRegistration()),
		WithLogger(log.Discard),
	}
	svr := NewServer(append(base, opts...)...)
	require.NoError(t, svr.RegisterQuery("arith.add", resolver.Query(func(_ context.Context, args Args) (Sum, error) {
		return Sum{Result: args.A + args.B}, nil
	})))
	require.NoError(t, svr.RegisterCommand("arith.reset", resolver.Command(func(context.Context, Args) error {
		return errors.New("pq: relation \"totals\" does not exist")
	})))
	return svr
}

func serve(t *testing.T, svr *Server, ctx context.Context) <-chan error {
	t.Helper()
	served := make(chan error, 1)
	go func() { served <- svr.Serve(ctx) }()
	select {
	case <-svr.Ready():
	case err := <-served:
		t.Fatalf("serve returned early: %v", err)
	case <-time.After(time.Second):
		t.Fatal("server not ready")
	}
	return served
}

func TestServer(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := registry.NewMemoryBackend()
	defer b.Close()

	svr := newArith(t, b)
	svr.Use(middleware.Recover(log.Discard), middleware.RequestID())

	reply := svr.Handle(context.Background(), message.NewQuery("arith.add", []byte(`{"A":1,"B":2}`)))
	assert.Equal(t, 503, reply.Code)

	served := serve(t, svr, context.Background())
	require.Eventually(t, func() bool { return listed(t, b) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return svr.States()["arith-1"] == registry.Active }, time.Second, 5*time.Millisecond)

	payload, err := codec.Default.Encode(Args{1, 2})
	require.NoError(t, err)
	reply = svr.Handle(context.Background(), message.NewQuery("arith.add", payload))
	require.True(t, reply.OK(), reply.Message)
	var result Sum
	require.NoError(t, codec.Default.Decode(reply.Payload, &result))
	assert.Equal(t, 3, result.Result)
	assert.NotEmpty(t, reply.Metadata[middleware.RequestIDKey])

	reply = svr.Handle(context.Background(), message.NewQuery("arith.mul", payload))
	assert.Equal(t, 404, reply.Code)
	assert.Equal(t, status.NotFound, reply.Kind)

	// the cause stays inside the process
	reply = svr.Handle(context.Background(), message.NewCommand("arith.reset", nil))
	assert.Equal(t, 500, reply.Code)
	assert.NotContains(t, reply.Message, "totals")

	assert.True(t, status.Is(svr.Serve(context.Background()), status.FailedPrecondition))

	require.NoError(t, svr.Shutdown(context.Background()))
	require.NoError(t, <-served)
	assert.Equal(t, 0, listed(t, b))

	reply = svr.Handle(context.Background(), message.NewQuery("arith.add", payload))
	assert.Equal(t, 503, reply.Code)
	assert.Equal(t, status.Unavailable, reply.Kind)
}

func TestShutdownDeregistersBeforeDraining(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := registry.NewMemoryBackend()
	defer b.Close()

	svr := newArith(t, b)
	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, svr.RegisterQuery("arith.slow", func(context.Context, *message.Request) (*message.Response, error) {
		close(entered)
		<-release
		return &message.Response{Payload: []byte("done")}, nil
	}))
	served := serve(t, svr, context.Background())
	require.Eventually(t, func() bool { return listed(t, b) == 1 }, time.Second, 5*time.Millisecond)

	inflight := make(chan Reply, 1)
	go func() { inflight <- svr.Handle(context.Background(), message.NewQuery("arith.slow", nil)) }()
	<-entered

	shutdown := make(chan error, 1)
	go func() { shutdown <- svr.Shutdown(context.Background()) }()

	// deregistered while the request is still running
	require.Eventually(t, func() bool { return listed(t, b) == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return svr.Handle(context.Background(), message.NewQuery("arith.add", nil)).Code == 503
	}, time.Second, 5*time.Millisecond)
	select {
	case <-shutdown:
		t.Fatal("shutdown returned before the in-flight request finished")
	default:
	}

	close(release)
	assert.Equal(t, "done", string((<-inflight).Payload))
	require.NoError(t, <-shutdown)
	require.NoError(t, <-served)
}

func TestShutdownTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	svr := NewServer()
	release := make(chan struct{})
	entered := make(chan struct{})
	require.NoError(t, svr.RegisterCommand("jobs.run", func(context.Context, *message.Request) (*message.Response, error) {
		close(entered)
		<-release
		return nil, nil
	}))
	served := serve(t, svr, context.Background())

	done := make(chan Reply, 1)
	go func() { done <- svr.Handle(context.Background(), message.NewCommand("jobs.run", nil)) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := svr.Shutdown(ctx)
	assert.True(t, status.Is(err, status.DeadlineExceeded))

	close(release)
	assert.True(t, (<-done).OK())
	require.NoError(t, <-served)
}

func TestFaults(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := registry.NewMemoryBackend()
	defer b.Close()

	svr := newArith(t, b)
	served := serve(t, svr, context.Background())
	require.Eventually(t, func() bool { return svr.States()["arith-1"] == registry.Active }, time.Second, 5*time.Millisecond)

	b.SetRenewError(status.New(status.Unavailable, "partitioned"))
	select {
	case f := <-svr.Faults():
		assert.Equal(t, "arith-1", f.InstanceID)
		assert.True(t, status.Is(f.Err, status.Unavailable))
	case <-time.After(3 * time.Second):
		t.Fatal("lost registration not reported")
	}
	assert.Equal(t, registry.Lost, svr.States()["arith-1"])

	// losing the registration does not stop the request path
	reply := svr.Handle(context.Background(), message.NewQuery("arith.add", []byte(`{"A":2,"B":2}`)))
	assert.True(t, reply.OK())

	require.NoError(t, svr.Shutdown(context.Background()))
	require.NoError(t, <-served)
	_, open := <-svr.Faults()
	assert.False(t, open)
}

func TestServeStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := registry.NewMemoryBackend()
	defer b.Close()

	svr := newArith(t, b, WithDrainTimeout(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	served := serve(t, svr, ctx)
	require.Eventually(t, func() bool { return listed(t, b) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
	assert.Equal(t, 0, listed(t, b))
	assert.Equal(t, 503, svr.Handle(context.Background(), message.NewQuery("arith.add", nil)).Code)
}

func TestServeWithoutBackend(t *testing.T) {
	svr := NewServer(Advertise(instance("arith-1")))
	assert.True(t, status.Is(svr.Serve(context.Background()), status.FailedPrecondition))
}

func TestOpen(t *testing.T) {
	defer goleak.VerifyNone(t)
	cfg := config.Default()
	cfg.Middleware.Order = []string{middleware.NameRecover, middleware.NameRequestID, middleware.NameLogging, middleware.NameTimeout}

	svr, err := Open(context.Background(), cfg, middleware.Dependencies{Logger: log.Discard},
		Advertise(instance("arith-1")), WithRegistration(fastRegistration()))
	require.NoError(t, err)
	require.NoError(t, svr.RegisterQuery("arith.add", resolver.Query(func(_ context.Context, args Args) (Sum, error) {
		return Sum{Result: args.A + args.B}, nil
	})))

	served := serve(t, svr, context.Background())
	reply := svr.Handle(context.Background(), message.NewQuery("arith.add", []byte(`{"A":20,"B":22}`)))
	require.True(t, reply.OK(), reply.Message)
	assert.JSONEq(t, `{"Result":42}`, string(reply.Payload))

	require.NoError(t, svr.Shutdown(context.Background()))
	require.NoError(t, <-served)

	cfg.Middleware.Order = []string{"jwt"}
	_, err = Open(context.Background(), cfg, middleware.Dependencies{Logger: log.Discard})
	assert.True(t, status.Is(err, status.InvalidArgument))
}

func TestOpenDefaults(t *testing.T) {
	defer goleak.VerifyNone(t)
	svr, err := Open(context.Background(), nil, middleware.Dependencies{Logger: log.Discard})
	require.NoError(t, err)
	served := serve(t, svr, context.Background())
	reply := svr.Handle(context.Background(), message.NewQuery("arith.add", nil))
	assert.Equal(t, status.NotFound.HTTPStatus(), reply.Code)
	require.NoError(t, svr.Shutdown(context.Background()))
	require.NoError(t, <-served)
}
