package pubsub

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
)

// LatencyMeasurer publishes a probe on a private channel and times its
// round trip. The relay status endpoint reports it as a health signal for
// the pubsub sink.
type LatencyMeasurer struct {
	channel string
	logger  slog.Logger
}

func NewLatencyMeasurer(logger slog.Logger) *LatencyMeasurer {
	return &LatencyMeasurer{
		channel: "aisrelay_latency_" + uuid.NewString(),
		logger:  logger,
	}
}

// Measure returns the publish and receive latencies in seconds.
func (lm *LatencyMeasurer) Measure(ctx context.Context, p Pubsub) (send, recv float64, err error) {
	var (
		msg   = []byte(uuid.NewString())
		start = time.Now()
		res   = make(chan float64, 1)
	)
	cancel, err := p.Subscribe(lm.channel, func(ctx context.Context, in []byte) {
		if !bytes.Equal(in, msg) {
			lm.logger.Warn(ctx, "unexpected latency probe message", slog.F("in", string(in)))
			return
		}
		select {
		case res <- time.Since(start).Seconds():
		default:
		}
	})
	if err != nil {
		return -1, -1, xerrors.Errorf("subscribe: %w", err)
	}
	defer cancel()

	start = time.Now()
	if err := p.Publish(lm.channel, msg); err != nil {
		return -1, -1, xerrors.Errorf("publish: %w", err)
	}
	send = time.Since(start).Seconds()

	select {
	case <-ctx.Done():
		return send, -1, ctx.Err()
	case recv = <-res:
		return send, recv, nil
	}
}
