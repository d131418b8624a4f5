package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/wailbentafat/taskhub-realtime/event"
)

const (
	defaultQueueSize = 256
	appendTimeout    = 5 * time.Second
)

// Sink persists events.
type Sink interface {
	Append(ctx context.Context, ev event.Event) error
}

// Recorder moves events from hub dispatch into a Sink without blocking
// dispatch. When the queue is full the event is dropped and counted.
type Recorder struct {
	sink    Sink
	queue   chan event.Event
	dropped atomic.Int64
	logger  *zerolog.Logger
}

// NewRecorder creates a Recorder with a queue of queueSize events.
func NewRecorder(sink Sink, queueSize int, logger *zerolog.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Recorder{
		sink:   sink,
		queue:  make(chan event.Event, queueSize),
		logger: logger,
	}
}

// Listen is the hub listener. It only enqueues.
func (r *Recorder) Listen(ev event.Event) {
	select {
	case r.queue <- ev:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn().Str("type", string(ev.Type)).Int64("dropped", n).Msg("Feed queue full, dropping event")
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Run writes queued events to the sink until ctx is cancelled. Events
// still queued at that point are flushed before returning.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case ev := <-r.queue:
			r.write(ctx, ev)
		case <-ctx.Done():
			r.flush()
			return
		}
	}
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	for {
		select {
		case ev := <-r.queue:
			r.write(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, ev event.Event) {
	ctx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()

	if err := r.sink.Append(ctx, ev); err != nil {
		r.logger.Error().Err(err).Str("type", string(ev.Type)).Msg("Failed to record event")
		return
	}
	r.logger.Debug().Str("type", string(ev.Type)).Msg("Event recorded")
}
