package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	r := NewRegistry(Config{}, nil)
	r.timeNow = clock.Now
	return r, clock
}

func TestDefaults(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	assert.Equal(t, DefaultConfig(), r.Config())

	r = NewRegistry(Config{HeartbeatInterval: 2 * time.Second}, nil)
	assert.Equal(t, 6*time.Second, r.Config().Timeout)
}

func TestRegisterAndHeartbeat(t *testing.T) {
	r, clock := newTestRegistry()

	d := r.Register(Device{ID: "d1", SessionID: "s1", UserID: "u1"})
	assert.Equal(t, StatusConnected, d.Status)
	assert.Equal(t, uint64(1), d.Epoch)

	clock.Advance(10 * time.Second)
	require.NoError(t, r.Heartbeat("d1"))
	got, _ := r.Get("d1")
	assert.Equal(t, clock.Now(), got.LastHeartbeatAt)

	assert.ErrorIs(t, r.Heartbeat("nope"), ErrDeviceNotFound)

	_, changed := r.MarkDisconnected("d1", 1)
	require.True(t, changed)
	assert.ErrorIs(t, r.Heartbeat("d1"), ErrDeviceDisconnected)

	again := r.Register(Device{ID: "d1", SessionID: "s1", UserID: "u1"})
	assert.Equal(t, uint64(2), again.Epoch)
}

func TestMarkDisconnectedOncePerEpoch(t *testing.T) {
	r, _ := newTestRegistry()
	d := r.Register(Device{ID: "d1", SessionID: "s1"})

	_, first := r.MarkDisconnected("d1", d.Epoch)
	_, second := r.MarkDisconnected("d1", d.Epoch)
	assert.True(t, first)
	assert.False(t, second)

	// A stale release must not touch a newer registration
	fresh := r.Register(Device{ID: "d1", SessionID: "s1"})
	_, stale := r.MarkDisconnected("d1", d.Epoch)
	assert.False(t, stale)
	got, _ := r.Get("d1")
	assert.Equal(t, StatusConnected, got.Status)
	assert.Equal(t, fresh.Epoch, got.Epoch)
}

func TestClaimThenActivate(t *testing.T) {
	r, clock := newTestRegistry()

	d, prev := r.Claim(Device{ID: "d1", SessionID: "s1"})
	assert.Empty(t, prev.ID)
	assert.Equal(t, StatusConnecting, d.Status)
	assert.False(t, d.Online())
	assert.ErrorIs(t, r.Heartbeat("d1"), ErrDeviceDisconnected)

	clock.Advance(time.Hour)
	assert.Empty(t, r.Sweep(clock.Now()), "connecting devices are not swept")

	active, ok := r.Activate("d1", d.Epoch)
	require.True(t, ok)
	assert.Equal(t, StatusConnected, active.Status)
	_, again := r.Activate("d1", d.Epoch)
	assert.False(t, again)

	moved, prev := r.Claim(Device{ID: "d1", SessionID: "s2"})
	assert.Equal(t, "s1", prev.SessionID)
	assert.Equal(t, d.Epoch, prev.Epoch)
	_, changed := r.MarkDisconnected("d1", moved.Epoch)
	assert.True(t, changed, "a connection that never bound can still be abandoned")
	_, stale := r.Activate("d1", moved.Epoch)
	assert.False(t, stale)
}

func TestSweepExpiresOnlyStaleDevicesOnce(t *testing.T) {
	r, clock := newTestRegistry()
	r.Register(Device{ID: "quiet", SessionID: "s1"})
	r.Register(Device{ID: "chatty", SessionID: "s1"})

	for i := 0; i < 4; i++ {
		clock.Advance(15 * time.Second)
		require.NoError(t, r.Heartbeat("chatty"))
	}

	expired := r.Sweep(clock.Now())
	require.Len(t, expired, 1)
	assert.Equal(t, "quiet", expired[0].ID)
	assert.Equal(t, StatusDisconnected, expired[0].Status)

	assert.Empty(t, r.Sweep(clock.Now()), "already expired devices are not reported again")
}

func TestSweepAtTimeoutBoundary(t *testing.T) {
	r, clock := newTestRegistry()
	r.Register(Device{ID: "d1", SessionID: "s1"})

	clock.Advance(DefaultTimeout)
	assert.Empty(t, r.Sweep(clock.Now()), "exactly at the timeout is still alive")

	clock.Advance(time.Millisecond)
	assert.Len(t, r.Sweep(clock.Now()), 1)
}

func TestControl(t *testing.T) {
	r, _ := newTestRegistry()
	r.Register(Device{ID: "d1", SessionID: "s1"})

	require.NoError(t, r.SetControlled("d1", "teacher-device"))
	got, _ := r.Get("d1")
	assert.Equal(t, StatusControlled, got.Status)
	assert.Equal(t, "teacher-device", got.ControlledBy)
	assert.True(t, got.Online())

	require.NoError(t, r.ReleaseControl("d1"))
	got, _ = r.Get("d1")
	assert.Equal(t, StatusConnected, got.Status)
	assert.Empty(t, got.ControlledBy)

	assert.ErrorIs(t, r.SetControlled("ghost", "x"), ErrDeviceNotFound)
}

func TestListAndForget(t *testing.T) {
	r, clock := newTestRegistry()
	r.Register(Device{ID: "a", SessionID: "s1"})
	clock.Advance(time.Second)
	r.Register(Device{ID: "b", SessionID: "s1"})
	r.Register(Device{ID: "c", SessionID: "s2"})

	list := r.ListBySession("s1")
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	assert.Equal(t, 2, r.Forget("s1"))
	assert.Empty(t, r.ListBySession("s1"))
	assert.Len(t, r.ListBySession("s2"), 1)
}

func TestRunInvokesExpiry(t *testing.T) {
	r := NewRegistry(Config{HeartbeatInterval: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond}, nil)

	expired := make(chan Device, 4)
	r.OnExpire(func(d Device) { expired <- d })
	r.Register(Device{ID: "d1", SessionID: "s1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	select {
	case d := <-expired:
		assert.Equal(t, "d1", d.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("device was never expired")
	}

	select {
	case d := <-expired:
		t.Fatalf("device %s expired twice", d.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCheckNotifiesOncePerEpoch(t *testing.T) {
	r, clock := newTestRegistry()
	var got []string
	r.OnExpire(func(d Device) { got = append(got, d.ID) })

	r.Register(Device{ID: "d1", SessionID: "s1"})
	clock.Advance(r.Config().Timeout + time.Second)

	assert.Len(t, r.Check(clock.Now()), 1)
	assert.Nil(t, r.Check(clock.Now()))
	assert.Equal(t, []string{"d1"}, got)

	// a new registration starts a new episode
	r.Register(Device{ID: "d1", SessionID: "s1"})
	clock.Advance(r.Config().Timeout + time.Second)
	r.Check(clock.Now())
	assert.Equal(t, []string{"d1", "d1"}, got)
}
