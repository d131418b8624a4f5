package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, TransportChannel, cfg.Realtime.Transport)
	assert.Equal(t, DriverWebSocket, cfg.Realtime.Channel.Driver)
	assert.Equal(t, "app_global", cfg.Realtime.Channel.Name)
	assert.Equal(t, time.Second, cfg.Realtime.Retry.InitialDelay)
	assert.Equal(t, 5, cfg.Realtime.Retry.MaxRetries)
	assert.Equal(t, time.Duration(0), cfg.Realtime.Retry.MaxDelay)
	assert.Equal(t, 3*time.Second, cfg.Realtime.Retry.Interval)
	assert.Equal(t, ":8080", cfg.Relay.Addr)
	assert.Equal(t, 100, cfg.Feed.Size)
}

func TestLoad_Environment(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("REALTIME_TRANSPORT", "stream")
	t.Setenv("REALTIME_STREAM_URL", "https://api.example.com/events")
	t.Setenv("REALTIME_STREAM_TOKEN", "secret")
	t.Setenv("REALTIME_RETRY_INTERVAL", "5s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, TransportStream, cfg.Realtime.Transport)
	assert.Equal(t, "https://api.example.com/events", cfg.Realtime.Stream.URL)
	assert.Equal(t, "secret", cfg.Realtime.Stream.Token)
	assert.Equal(t, 5*time.Second, cfg.Realtime.Retry.Interval)
	assert.NoError(t, cfg.Realtime.Validate())
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("REALTIME_CHANNEL_NAME=global_updates\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("REALTIME_CHANNEL_NAME") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "global_updates", cfg.Realtime.Channel.Name)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "custom.yaml")
	content := []byte(`
realtime:
  transport: channel
  channel:
    driver: redis
    url: localhost:6379
relay:
  addr: ":9090"
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverRedis, cfg.Realtime.Channel.Driver)
	assert.Equal(t, "localhost:6379", cfg.Realtime.Channel.URL)
	assert.Equal(t, ":9090", cfg.Relay.Addr)
	assert.Equal(t, path, cfg.ConfigFile)
	assert.NoError(t, cfg.Realtime.Validate())
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestRealtime_Validate(t *testing.T) {
	valid := Retry{InitialDelay: time.Second, MaxRetries: 5, Interval: 3 * time.Second}

	tests := []struct {
		name        string
		cfg         Realtime
		wantMissing bool
		wantInvalid bool
	}{
		{
			name: "websocket channel",
			cfg: Realtime{Transport: TransportChannel, Retry: valid,
				Channel: Channel{Driver: DriverWebSocket, URL: "wss://rt.example.com", Key: "k", Name: "app_global"}},
		},
		{
			name: "websocket channel without key",
			cfg: Realtime{Transport: TransportChannel, Retry: valid,
				Channel: Channel{Driver: DriverWebSocket, URL: "wss://rt.example.com", Name: "app_global"}},
			wantMissing: true,
		},
		{
			name: "redis channel without url",
			cfg: Realtime{Transport: TransportChannel, Retry: valid,
				Channel: Channel{Driver: DriverRedis, Name: "app_global"}},
			wantMissing: true,
		},
		{
			name:        "stream without token",
			cfg:         Realtime{Transport: TransportStream, Retry: valid, Stream: Stream{URL: "https://x"}},
			wantMissing: true,
		},
		{
			name:        "unknown transport",
			cfg:         Realtime{Transport: "carrier-pigeon"},
			wantInvalid: true,
		},
		{
			name: "unknown driver",
			cfg: Realtime{Transport: TransportChannel, Retry: valid,
				Channel: Channel{Driver: "nats", URL: "x", Name: "app_global"}},
			wantInvalid: true,
		},
		{
			name: "zero retry budget",
			cfg: Realtime{Transport: TransportChannel, Retry: Retry{InitialDelay: time.Second, Interval: 3 * time.Second},
				Channel: Channel{Driver: DriverRedis, URL: "x", Name: "app_global"}},
			wantInvalid: true,
		},
		{
			name: "zero initial delay",
			cfg: Realtime{Transport: TransportChannel, Retry: Retry{},
				Channel: Channel{Driver: DriverRedis, URL: "x", Name: "app_global"}},
			wantInvalid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			switch {
			case tt.wantMissing:
				assert.True(t, errors.Is(err, ErrMissing), "expected ErrMissing, got %v", err)
			case tt.wantInvalid:
				var cfgErr *ConfigError
				assert.True(t, errors.As(err, &cfgErr), "expected *ConfigError, got %v", err)
			default:
				assert.NoError(t, err)
			}
		})
	}
}
