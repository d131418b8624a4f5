package logging

import (
	"context"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// redisLogger carries go-redis internal messages, such as dropped pubsub
// connections, into zerolog.
type redisLogger struct {
	logger *zerolog.Logger
}

func (l redisLogger) Printf(_ context.Context, format string, v ...interface{}) {
	l.logger.Warn().Msgf(strings.TrimSuffix(format, "\n"), v...)
}

// RouteRedis makes go-redis log through logger instead of its own stdlib
// logger. It replaces process-wide state and is called once at startup.
func RouteRedis(logger *zerolog.Logger) {
	redis.SetLogger(redisLogger{logger: Component(logger, "redis")})
}
