// Package config loads the realtime client configuration from .env files,
// environment variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Transport variants.
const (
	TransportChannel = "channel"
	TransportStream  = "stream"
)

// Managed channel drivers.
const (
	DriverWebSocket = "websocket"
	DriverRedis     = "redis"
)

// ErrMissing indicates that the realtime feature is not configured. The
// hub treats it as "disabled", never as a failure.
var ErrMissing = errors.New("realtime configuration missing")

// Config holds the application configuration.
type Config struct {
	Realtime Realtime
	Relay    Relay
	Feed     Feed
	Log      Log

	// ConfigFile is the config file that was read, if any.
	ConfigFile string
}

// Realtime configures the push subscription.
type Realtime struct {
	Transport string
	Channel   Channel
	Stream    Stream
	Retry     Retry
}

// Channel configures the managed channel variant.
type Channel struct {
	Driver           string
	URL              string
	Key              string
	Name             string
	SubscribeTimeout time.Duration
}

// Stream configures the event stream variant.
type Stream struct {
	URL   string
	Token string
}

// Retry configures reconnect scheduling. InitialDelay, MaxRetries and
// MaxDelay apply to the managed channel; Interval to the event stream.
type Retry struct {
	InitialDelay time.Duration
	MaxRetries   int
	MaxDelay     time.Duration
	Interval     time.Duration
}

// Relay configures the local WebSocket relay.
type Relay struct {
	Addr      string
	JWTSecret string
	DevTokens bool
}

// Feed configures the Redis-backed recent-event feed.
type Feed struct {
	RedisAddr string
	Size      int
}

// Log configures logging.
type Log struct {
	Level  string
	Format string
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Key     string
	Value   string
	Message string
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s=%q: %s", e.Key, e.Value, e.Message)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("realtime.transport", TransportChannel)
	v.SetDefault("realtime.channel.driver", DriverWebSocket)
	v.SetDefault("realtime.channel.url", "")
	v.SetDefault("realtime.channel.key", "")
	v.SetDefault("realtime.channel.name", "app_global")
	v.SetDefault("realtime.channel.subscribe_timeout", 10*time.Second)
	v.SetDefault("realtime.stream.url", "")
	v.SetDefault("realtime.stream.token", "")
	v.SetDefault("realtime.retry.initial_delay", time.Second)
	v.SetDefault("realtime.retry.max_retries", 5)
	v.SetDefault("realtime.retry.max_delay", time.Duration(0))
	v.SetDefault("realtime.retry.interval", 3*time.Second)
	v.SetDefault("relay.addr", ":8080")
	v.SetDefault("relay.jwt_secret", "")
	v.SetDefault("relay.dev_tokens", false)
	v.SetDefault("feed.redis_addr", "")
	v.SetDefault("feed.size", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
}

// Load loads configuration in order of precedence:
// 1. Environment variables (realtime.stream.url -> REALTIME_STREAM_URL)
// 2. .env files
// 3. Config file (path, or taskhub-realtime.yaml in the working directory)
// 4. Defaults
func Load(path string) (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("taskhub-realtime")
		v.SetConfigType("yaml")
		// Read config file (ignore error if not found)
		_ = v.ReadInConfig()
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Realtime: Realtime{
			Transport: strings.ToLower(v.GetString("realtime.transport")),
			Channel: Channel{
				Driver:           strings.ToLower(v.GetString("realtime.channel.driver")),
				URL:              v.GetString("realtime.channel.url"),
				Key:              v.GetString("realtime.channel.key"),
				Name:             v.GetString("realtime.channel.name"),
				SubscribeTimeout: v.GetDuration("realtime.channel.subscribe_timeout"),
			},
			Stream: Stream{
				URL:   v.GetString("realtime.stream.url"),
				Token: v.GetString("realtime.stream.token"),
			},
			Retry: Retry{
				InitialDelay: v.GetDuration("realtime.retry.initial_delay"),
				MaxRetries:   v.GetInt("realtime.retry.max_retries"),
				MaxDelay:     v.GetDuration("realtime.retry.max_delay"),
				Interval:     v.GetDuration("realtime.retry.interval"),
			},
		},
		Relay: Relay{
			Addr:      v.GetString("relay.addr"),
			JWTSecret: v.GetString("relay.jwt_secret"),
			DevTokens: v.GetBool("relay.dev_tokens"),
		},
		Feed: Feed{
			RedisAddr: v.GetString("feed.redis_addr"),
			Size:      v.GetInt("feed.size"),
		},
		Log: Log{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		ConfigFile: v.ConfigFileUsed(),
	}
}

// loadEnvFiles loads environment variables from .env files.
func loadEnvFiles() {
	// .env.local overrides .env
	for _, envFile := range []string{".env.local", ".env"} {
		_ = godotenv.Load(envFile)
	}
}

// Validate checks the realtime settings. It returns an error wrapping
// ErrMissing when required connection settings are absent, and a
// *ConfigError for values that are present but invalid.
func (r Realtime) Validate() error {
	switch r.Transport {
	case TransportChannel:
		switch r.Channel.Driver {
		case DriverWebSocket:
			if r.Channel.URL == "" || r.Channel.Key == "" {
				return fmt.Errorf("%w: realtime.channel.url and realtime.channel.key are required", ErrMissing)
			}
		case DriverRedis:
			if r.Channel.URL == "" {
				return fmt.Errorf("%w: realtime.channel.url is required", ErrMissing)
			}
		default:
			return &ConfigError{Key: "realtime.channel.driver", Value: r.Channel.Driver, Message: "must be websocket or redis"}
		}
		if r.Channel.Name == "" {
			return &ConfigError{Key: "realtime.channel.name", Value: r.Channel.Name, Message: "must not be empty"}
		}
		if r.Retry.InitialDelay <= 0 {
			return &ConfigError{Key: "realtime.retry.initial_delay", Value: r.Retry.InitialDelay.String(), Message: "must be positive"}
		}
		if r.Retry.MaxRetries < 1 {
			return &ConfigError{Key: "realtime.retry.max_retries", Value: fmt.Sprint(r.Retry.MaxRetries), Message: "must be at least 1"}
		}
	case TransportStream:
		if r.Stream.URL == "" || r.Stream.Token == "" {
			return fmt.Errorf("%w: realtime.stream.url and realtime.stream.token are required", ErrMissing)
		}
		if r.Retry.Interval <= 0 {
			return &ConfigError{Key: "realtime.retry.interval", Value: r.Retry.Interval.String(), Message: "must be positive"}
		}
	default:
		return &ConfigError{Key: "realtime.transport", Value: r.Transport, Message: "must be channel or stream"}
	}
	return nil
}
