// Package store keeps a short Redis-backed history of realtime events so
// clients that cannot hold a socket open can poll for what they missed.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/wailbentafat/taskhub-realtime/event"
)

const (
	recentEventsKey = "realtime:recent"
	eventCountsKey  = "realtime:counts"

	// DefaultSize is the number of events kept when none is configured.
	DefaultSize = 100

	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 2 * time.Second
	maxRetries     = 3
)

// record is the stored form of an event.
type record event.Event

// MarshalBinary implements encoding.BinaryMarshaler interface
func (r record) MarshalBinary() ([]byte, error) {
	return json.Marshal(event.Event(r))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler interface
func (r *record) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, (*event.Event)(r))
}

// Feed is a capped list of the most recent events, newest first, plus a
// per-type counter.
type Feed struct {
	rdb    *redis.Client
	size   int64
	logger *zerolog.Logger
}

// NewFeed connects to the Redis server at addr.
func NewFeed(addr string, size int, logger *zerolog.Logger) (*Feed, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewFeedWithClient(rdb, size, logger), nil
}

// NewFeedWithClient wraps an existing client.
func NewFeedWithClient(rdb *redis.Client, size int, logger *zerolog.Logger) *Feed {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Feed{rdb: rdb, size: int64(size), logger: logger}
}

// Append stores ev, trims the list to the configured size and bumps the
// counter for its type. Transient failures are retried.
func (f *Feed) Append(ctx context.Context, ev event.Event) error {
	operation := func() error {
		pipe := f.rdb.TxPipeline()
		pipe.LPush(ctx, recentEventsKey, record(ev))
		pipe.LTrim(ctx, recentEventsKey, 0, f.size-1)
		pipe.HIncrBy(ctx, eventCountsKey, string(ev.Type), 1)
		_, err := pipe.Exec(ctx)
		return err
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(initialBackoff),
				backoff.WithMaxInterval(maxBackoff),
			),
			maxRetries,
		),
		ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		f.logger.Warn().Err(err).Str("type", string(ev.Type)).Dur("next", d).Msg("Retrying feed append")
	})
}

// Recent returns up to limit events, newest first. A non-positive or
// oversized limit returns the whole feed.
func (f *Feed) Recent(ctx context.Context, limit int) ([]event.Event, error) {
	stop := f.size - 1
	if limit > 0 && int64(limit) < f.size {
		stop = int64(limit) - 1
	}

	raw, err := f.rdb.LRange(ctx, recentEventsKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read recent events: %w", err)
	}

	events := make([]event.Event, 0, len(raw))
	for _, item := range raw {
		var r record
		if err := r.UnmarshalBinary([]byte(item)); err != nil {
			f.logger.Warn().Err(err).Msg("Skipping unreadable feed entry")
			continue
		}
		events = append(events, event.Event(r))
	}
	return events, nil
}

// Counts returns how many events of each type have been recorded.
func (f *Feed) Counts(ctx context.Context) (map[event.Type]int64, error) {
	raw, err := f.rdb.HGetAll(ctx, eventCountsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read event counts: %w", err)
	}

	counts := make(map[event.Type]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		counts[event.Type(k)] = n
	}
	return counts, nil
}

// Close closes the Redis client.
func (f *Feed) Close() error {
	return f.rdb.Close()
}
