package forward

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"cdr.dev/slog/v3"
)

// Sink delivers one message downstream. retryable reports whether a failed
// delivery may succeed later; a non-retryable failure is dead-lettered.
type Sink interface {
	Deliver(ctx context.Context, msg Message) (retryable bool, err error)
}

// DeadLetterSink stores input that could not be delivered.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, msg Message) (retryable bool, err error)

func (f SinkFunc) Deliver(ctx context.Context, msg Message) (bool, error) {
	return f(ctx, msg)
}

// LogSink writes messages and dead letters to the log. It never fails.
type LogSink struct {
	Log slog.Logger
}

func (s LogSink) Deliver(ctx context.Context, msg Message) (bool, error) {
	s.Log.Info(ctx, "message",
		slog.F("msg_id", msg.ID),
		slog.F("kind", msg.Kind),
		slog.F("mmsi", msg.MMSI()),
		slog.F("priority", msg.Priority),
	)
	return false, nil
}

func (s LogSink) DeadLetter(ctx context.Context, dl DeadLetter) error {
	s.Log.Warn(ctx, "dead letter",
		slog.F("id", dl.ID),
		slog.F("reason", dl.Reason),
		slog.F("error", dl.Error),
		slog.F("payload", string(dl.Payload)),
	)
	return nil
}

// Fanout delivers every message to all of its sinks concurrently. The
// delivery fails if any sink fails, and is retryable if any failing sink
// says so. A retried message is delivered to every sink again; receivers
// deduplicate on msg_id.
type Fanout []Sink

func (f Fanout) Deliver(ctx context.Context, msg Message) (bool, error) {
	if len(f) == 1 {
		return f[0].Deliver(ctx, msg)
	}

	var (
		eg        errgroup.Group
		mu        sync.Mutex
		merr      error
		retryable bool
	)
	for _, sink := range f {
		eg.Go(func() error {
			r, err := sink.Deliver(ctx, msg)
			if err != nil {
				mu.Lock()
				merr = multierror.Append(merr, err)
				retryable = retryable || r
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	return retryable, merr
}

// DeadLetterFanout stores every dead letter in all of its sinks. A failing
// sink does not stop the others.
type DeadLetterFanout []DeadLetterSink

func (f DeadLetterFanout) DeadLetter(ctx context.Context, dl DeadLetter) error {
	var (
		eg   errgroup.Group
		mu   sync.Mutex
		merr error
	)
	for _, sink := range f {
		eg.Go(func() error {
			if err := sink.DeadLetter(ctx, dl); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	return merr
}
