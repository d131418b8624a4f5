package transport

import (
	"github.com/rs/zerolog"

	"github.com/wailbentafat/taskhub-realtime/config"
)

// FromConfig builds the transport selected by cfg. It returns the error of
// cfg.Validate unchanged, so callers can detect config.ErrMissing.
func FromConfig(cfg config.Realtime, logger *zerolog.Logger) (Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Transport == config.TransportStream {
		return NewEventStream(cfg.Stream.URL, cfg.Stream.Token, nil, logger), nil
	}

	if cfg.Channel.Driver == config.DriverRedis {
		return NewRedisChannel(cfg.Channel.URL, cfg.Channel.Name, cfg.Channel.SubscribeTimeout, logger), nil
	}
	return NewPhoenixChannel(cfg.Channel.URL, cfg.Channel.Key, cfg.Channel.Name, cfg.Channel.SubscribeTimeout, logger), nil
}
