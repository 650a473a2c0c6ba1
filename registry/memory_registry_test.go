package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"svckit/status"
)

func newInstance(id string) *ServiceInstance {
	return &ServiceInstance{
		ServiceName: "orders",
		InstanceID:  id,
		Address:     "10.0.0.1:8080",
		Metadata:    map[string]string{"weight": "1"},
	}
}

func recv(t *testing.T, ch <-chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "watch closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return ChangeEvent{}
	}
}

func TestMemoryBackendLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	m := NewMemoryBackend(WithSweepInterval(10 * time.Millisecond))
	defer m.Close()

	events, err := m.Watch(ctx, "orders")
	require.NoError(t, err)

	lease, err := m.Register(ctx, newInstance("a"), time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, lease.ID)
	assert.Equal(t, lease.ID, lease.Instance.LeaseID)

	ev := recv(t, events)
	assert.Equal(t, Added, ev.Type)
	assert.Equal(t, "a", ev.Instance.InstanceID)

	list, err := m.List(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "10.0.0.1:8080", list[0].Address)

	require.NoError(t, m.Renew(ctx, lease))

	require.NoError(t, m.Deregister(ctx, lease.Instance))
	ev = recv(t, events)
	assert.Equal(t, Removed, ev.Type)

	// deregistering again is a no-op
	require.NoError(t, m.Deregister(ctx, lease.Instance))
	list, err = m.List(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, list)

	assert.ErrorIs(t, m.Renew(ctx, lease), ErrLeaseExpired)
}

func TestMemoryBackendLeaseExpiry(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	m := NewMemoryBackend(WithSweepInterval(10 * time.Millisecond))
	defer m.Close()

	events, err := m.Watch(ctx, "orders")
	require.NoError(t, err)

	lease, err := m.Register(ctx, newInstance("a"), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, Added, recv(t, events).Type)

	ev := recv(t, events)
	assert.Equal(t, Removed, ev.Type)
	assert.Equal(t, lease.ID, ev.Instance.LeaseID)
	assert.ErrorIs(t, m.Renew(ctx, lease), ErrLeaseExpired)
}

func TestMemoryBackendFaults(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	m := NewMemoryBackend()
	defer m.Close()

	lease, err := m.Register(ctx, newInstance("a"), time.Minute)
	require.NoError(t, err)

	events, err := m.Watch(ctx, "orders")
	require.NoError(t, err)
	m.DropWatches()
	_, open := <-events
	assert.False(t, open)

	m.BlockWatches(true)
	_, err = m.Watch(ctx, "orders")
	assert.True(t, status.Is(err, status.Unavailable))
	m.BlockWatches(false)

	m.SetRenewError(status.New(status.Unavailable, "partitioned"))
	assert.True(t, status.Is(m.Renew(ctx, lease), status.Unavailable))
	_, err = m.List(ctx, "orders")
	assert.NoError(t, err)
	m.SetRenewError(nil)

	m.SetUnavailable(true)
	_, err = m.List(ctx, "orders")
	assert.True(t, status.Is(err, status.Unavailable))
	m.SetUnavailable(false)
	assert.NoError(t, m.Renew(ctx, lease))
}

func TestMemoryBackendWatchEndsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := NewMemoryBackend()
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	events, err := m.Watch(ctx, "orders")
	require.NoError(t, err)
	cancel()

	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("watch not closed after cancel")
	}
}

func TestMemoryBackendRejectsBadInput(t *testing.T) {
	m := NewMemoryBackend()
	defer m.Close()
	ctx := context.Background()

	_, err := m.Register(ctx, &ServiceInstance{ServiceName: "orders"}, time.Second)
	assert.True(t, status.Is(err, status.InvalidArgument))
	_, err = m.Register(ctx, newInstance("a"), 0)
	assert.True(t, status.Is(err, status.InvalidArgument))

	require.NoError(t, m.Close())
	_, err = m.List(ctx, "orders")
	assert.True(t, errors.Is(err, ErrClosed))
}
