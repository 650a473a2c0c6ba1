package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"svckit/config"
	"svckit/status"
)

func fastRegistration(ttl time.Duration) config.Registration {
	return config.Registration{
		TTL:                config.Duration(ttl),
		HeartbeatFraction:  0.3,
		MaxRenewalFailures: 4,
		RenewAttempts:      1,
		RetryInitial:       config.Duration(5 * time.Millisecond),
		RetryMax:           config.Duration(20 * time.Millisecond),
		DeregisterTimeout:  config.Duration(200 * time.Millisecond),
	}
}

func TestRegistrarRegistersAndDeregisters(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	m := NewMemoryBackend(WithSweepInterval(10 * time.Millisecond))
	defer m.Close()

	r, err := NewRegistrar(m, ServiceInstance{ServiceName: "orders", Address: "10.0.0.1:80"}, fastRegistration(time.Second))
	require.NoError(t, err)
	assert.Equal(t, Unregistered, r.State())
	assert.NotEmpty(t, r.Instance().InstanceID)

	require.NoError(t, r.Start(ctx))
	require.Eventually(t, func() bool { return r.State() == Active }, time.Second, 5*time.Millisecond)

	list, err := m.List(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, r.Instance().InstanceID, list[0].InstanceID)
	assert.Equal(t, r.Lease().ID, list[0].LeaseID)

	// survives several TTLs through heartbeats alone
	time.Sleep(1500 * time.Millisecond)
	list, err = m.List(ctx, "orders")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, r.Stop(ctx))
	assert.Equal(t, Unregistered, r.State())
	list, err = m.List(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, list)

	assert.Error(t, r.Start(ctx))
}

func TestRegistrarRetriesRegistration(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	m := NewMemoryBackend()
	defer m.Close()
	m.SetUnavailable(true)

	r, err := NewRegistrar(m, ServiceInstance{ServiceName: "orders", InstanceID: "a"}, fastRegistration(time.Second))
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, Registering, r.State())

	m.SetUnavailable(false)
	require.Eventually(t, func() bool { return r.State() == Active }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Stop(ctx))
}

func TestRegistrarStopWhileRegistering(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := NewMemoryBackend()
	defer m.Close()
	m.SetUnavailable(true)

	r, err := NewRegistrar(m, ServiceInstance{ServiceName: "orders", InstanceID: "a"}, fastRegistration(time.Second))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
	<-r.Done()
	assert.Equal(t, Unregistered, r.State())
}

// Lease of 1s renewed every 300ms; renewals fail on every tick from then on.
// The registrar reports Lost after four failed ticks and the backend reclaims
// the record once the TTL runs out.
func TestRegistrarLosesLeaseAfterConsecutiveFailures(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	m := NewMemoryBackend(WithSweepInterval(10 * time.Millisecond))
	defer m.Close()

	r, err := NewRegistrar(m, ServiceInstance{ServiceName: "orders", InstanceID: "a"}, fastRegistration(time.Second))
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		states []State
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		last := State(-1)
		for {
			s := r.State()
			if s != last {
				mu.Lock()
				states = append(states, s)
				mu.Unlock()
				last = s
			}
			if s == Lost {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	require.NoError(t, r.Start(ctx))
	require.Eventually(t, func() bool { return r.State() == Active }, time.Second, time.Millisecond)

	m.SetRenewError(status.New(status.Unavailable, "partitioned"))
	failedAt := time.Now()

	select {
	case err := <-r.Lost():
		assert.True(t, status.Is(err, status.Unavailable))
		elapsed := time.Since(failedAt)
		assert.GreaterOrEqual(t, elapsed, 800*time.Millisecond)
		assert.Less(t, elapsed, 2*time.Second)
	case <-time.After(3 * time.Second):
		t.Fatal("lease loss not reported")
	}
	<-done
	<-r.Done()
	assert.Equal(t, Lost, r.State())

	mu.Lock()
	assert.Contains(t, states, Active)
	assert.Contains(t, states, Renewing)
	assert.Equal(t, Lost, states[len(states)-1])
	mu.Unlock()

	require.Eventually(t, func() bool {
		list, err := m.List(ctx, "orders")
		return err == nil && len(list) == 0
	}, time.Second, 10*time.Millisecond)

	// already exited; Stop returns at once
	require.NoError(t, r.Stop(ctx))
	assert.Equal(t, Lost, r.State())
}

func TestRegistrarLostOnExpiredLease(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	m := NewMemoryBackend()
	defer m.Close()

	r, err := NewRegistrar(m, ServiceInstance{ServiceName: "orders", InstanceID: "a"}, fastRegistration(time.Second))
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx))
	require.Eventually(t, func() bool { return r.State() == Active }, time.Second, time.Millisecond)

	// the record vanishes behind the registrar's back
	require.NoError(t, m.Deregister(ctx, r.Instance()))

	select {
	case err := <-r.Lost():
		assert.ErrorIs(t, err, ErrLeaseExpired)
	case <-time.After(2 * time.Second):
		t.Fatal("lease loss not reported")
	}
	<-r.Done()
}

func TestRegistrarDeregisterFailureIsNotFatal(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	m := NewMemoryBackend()
	defer m.Close()

	r, err := NewRegistrar(m, ServiceInstance{ServiceName: "orders", InstanceID: "a"}, fastRegistration(time.Second))
	require.NoError(t, err)
	require.NoError(t, r.Start(ctx))
	require.Eventually(t, func() bool { return r.State() == Active }, time.Second, time.Millisecond)

	m.SetUnavailable(true)
	assert.NoError(t, r.Stop(ctx))
	assert.Equal(t, Unregistered, r.State())
}

func TestNewRegistrarValidation(t *testing.T) {
	m := NewMemoryBackend()
	defer m.Close()

	_, err := NewRegistrar(nil, ServiceInstance{ServiceName: "orders"}, config.Registration{})
	assert.True(t, status.Is(err, status.InvalidArgument))

	_, err = NewRegistrar(m, ServiceInstance{}, config.Registration{})
	assert.True(t, status.Is(err, status.InvalidArgument))

	_, err = NewRegistrar(m, ServiceInstance{ServiceName: "orders"}, config.Registration{HeartbeatFraction: 2})
	assert.True(t, status.Is(err, status.InvalidArgument))
}
