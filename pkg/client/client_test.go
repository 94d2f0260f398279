package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/liveclass/pkg/device"
	"github.com/tomaslejdung/liveclass/pkg/protocol"
	"github.com/tomaslejdung/liveclass/pkg/session"
	"github.com/tomaslejdung/liveclass/pkg/signal"
)

type testHub struct {
	srv      *httptest.Server
	sessions *session.Registry
	devices  *device.Registry
}

func startHub(t *testing.T) *testHub {
	t.Helper()
	sessions := session.NewRegistry()
	devices := device.NewRegistry(device.Config{HeartbeatInterval: 50 * time.Millisecond}, nil)
	hub := signal.NewServer(signal.Options{Sessions: sessions, Devices: devices})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWebSocket)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	_, err := sessions.Create(session.LiveSession{ID: "class-1", TeacherID: "teacher", Settings: session.DefaultSettings()})
	require.NoError(t, err)
	return &testHub{srv: srv, sessions: sessions, devices: devices}
}

func testConfig(url string) Config {
	return Config{
		URL:            url,
		SessionID:      "class-1",
		UserID:         "alice",
		DeviceID:       "device-a",
		TenantID:       "school-1",
		DeviceInfo:     protocol.DeviceInfo{Type: "desktop", Platform: "linux"},
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
	}
}

func run(t *testing.T, c *Client) (<-chan error, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	go func() {
		for range c.Events() {
		}
	}()
	return done, cancel
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestReconnectsAfterDrop(t *testing.T) {
	h := startHub(t)
	c := New(testConfig(h.srv.URL))
	done, _ := run(t, c)

	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)

	// heartbeats keep the device alive
	before, _ := h.devices.Get("device-a")
	require.Eventually(t, func() bool {
		d, _ := h.devices.Get("device-a")
		return d.LastHeartbeatAt.After(before.LastHeartbeatAt)
	}, 2*time.Second, 10*time.Millisecond)

	// the hub drops the device; the client registers again
	h.devices.Check(time.Now().Add(time.Hour))
	require.Eventually(t, func() bool {
		d, _ := h.devices.Get("device-a")
		return d.Epoch == 2 && d.Online()
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, c.Err(), errDisconnected)

	c.Leave()
	require.NoError(t, wait(t, done))
	assert.Equal(t, StateClosed, c.State())

	require.Eventually(t, func() bool {
		d, _ := h.devices.Get("device-a")
		return !d.Online()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopsWhenSessionEnds(t *testing.T) {
	h := startHub(t)
	c := New(testConfig(h.srv.URL))
	done, _ := run(t, c)

	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	_, err := h.sessions.Transition("class-1", session.EventEnd)
	require.NoError(t, err)

	require.NoError(t, wait(t, done))
	assert.Equal(t, StateClosed, c.State())
}

func TestPermanentRejection(t *testing.T) {
	h := startHub(t)
	cfg := testConfig(h.srv.URL)
	cfg.SessionID = "no-such-class"
	c := New(cfg)
	done, _ := run(t, c)

	err := wait(t, done)
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, protocol.CodeNotFound, rejected.Code)
	assert.Equal(t, StateFailed, c.State())
}

func TestGivesUpAfterMaxReconnects(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := testConfig(url)
	cfg.MaxReconnects = 3
	c := New(cfg)
	done, _ := run(t, c)

	err := wait(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up after 3")
	assert.Equal(t, StateFailed, c.State())
}

func TestCancelStopsBackoff(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := testConfig(url)
	cfg.InitialBackoff = time.Hour
	c := New(cfg)
	done, cancel := run(t, c)

	require.Eventually(t, func() bool { return c.State() == StateBackoff }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, wait(t, done), context.Canceled)
	assert.Equal(t, StateClosed, c.State())
}

func TestWebSocketURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8080":     "ws://localhost:8080/ws",
		"https://class.example.com": "wss://class.example.com/ws",
		"class.example.com/":        "wss://class.example.com/ws",
		"ws://10.0.0.2:9000/hub":    "ws://10.0.0.2:9000/hub",
	}
	for in, want := range tests {
		assert.Equal(t, want, WebSocketURL(in), in)
	}
}
