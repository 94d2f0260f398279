package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 45*time.Second, cfg.Heartbeat.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.Sweep)
	assert.Equal(t, 256, cfg.Hub.SendBuffer)
	assert.Equal(t, 10*time.Second, cfg.Hub.RegisterTimeout)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Len(t, cfg.ICEServers(), 3)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
heartbeat:
  interval: 5s
  timeout: 20s
store:
  driver: postgres
  dsn: host=db user=liveclass
webrtc:
  stun_urls: ["stun:stun.example.org:3478"]
  turn_url: turn:turn.example.org:3478
  turn_username: class
  turn_credential: secret
log:
  level: debug
  format: json
`), 0o644))

	t.Setenv("LIVECLASS_HEARTBEAT_TIMEOUT", "30s")
	t.Setenv("LIVECLASS_HUB_SEND_BUFFER", "64")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Timeout, "environment wins over the file")
	assert.Equal(t, 64, cfg.Hub.SendBuffer)
	assert.Equal(t, "postgres", cfg.Store.Driver)

	ice := cfg.ICEServers()
	require.Len(t, ice, 2)
	assert.Equal(t, []string{"turn:turn.example.org:3478"}, ice[1].URLs)
	assert.Equal(t, webrtc.ICECredentialTypePassword, ice[1].CredentialType)
	assert.Equal(t, "DEBUG", cfg.LogLevel().String())
}

func TestLoadRejectsInvalid(t *testing.T) {
	chdir(t, t.TempDir())

	t.Setenv("LIVECLASS_HEARTBEAT_TIMEOUT", "10s")
	_, err := Load("")
	assert.ErrorContains(t, err, "heartbeat.timeout")

	t.Setenv("LIVECLASS_HEARTBEAT_TIMEOUT", "45s")
	t.Setenv("LIVECLASS_STORE_DRIVER", "mongo")
	_, err = Load("")
	assert.ErrorContains(t, err, "store.driver")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit config file must exist")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("LIVECLASS_SERVER_ADDR=:7070\n"), 0o644))
	t.Setenv("LIVECLASS_SERVER_ADDR", "")
	os.Unsetenv("LIVECLASS_SERVER_ADDR")

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "absent.env")))
	chdir(t, dir)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
}

func TestConsoleSettingsRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	loaded, err := LoadConsole()
	require.NoError(t, err)
	assert.NotEmpty(t, loaded.DeviceID)

	loaded.UserID = "teacher"
	require.NoError(t, SaveConsole(loaded))

	again, err := LoadConsole()
	require.NoError(t, err)
	assert.Equal(t, loaded, again)
}

// chdir changes the working directory for the duration of the test
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
