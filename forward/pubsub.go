package forward

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/coder/aisrelay/pubsub"
)

// Default pubsub channels.
const (
	DefaultMessageChannel    = "ais_messages"
	DefaultDeadLetterChannel = "ais_dead_letters"
)

// PubsubSink publishes messages and dead letters on a Pubsub. Over a
// Postgres pubsub this delivers with pg_notify. Publish errors are
// retryable; messages that do not fit a notification are not.
type PubsubSink struct {
	ps                pubsub.Pubsub
	encoding          Encoding
	channel           string
	deadLetterChannel string
	maxSize           int
}

type PubsubOptions struct {
	Pubsub            pubsub.Pubsub
	Encoding          Encoding
	Channel           string
	DeadLetterChannel string
	// MaxMessageSize rejects larger payloads as permanent failures. Zero
	// means no limit.
	MaxMessageSize int
}

func NewPubsubSink(opts PubsubOptions) *PubsubSink {
	if opts.Encoding == nil {
		opts.Encoding = JSON
	}
	if opts.Channel == "" {
		opts.Channel = DefaultMessageChannel
	}
	if opts.DeadLetterChannel == "" {
		opts.DeadLetterChannel = DefaultDeadLetterChannel
	}
	return &PubsubSink{
		ps:                opts.Pubsub,
		encoding:          opts.Encoding,
		channel:           opts.Channel,
		deadLetterChannel: opts.DeadLetterChannel,
		maxSize:           opts.MaxMessageSize,
	}
}

func (s *PubsubSink) Deliver(_ context.Context, msg Message) (bool, error) {
	m, err := s.encoding.Marshal(msg)
	if err != nil {
		return false, xerrors.Errorf("marshal message: %w", err)
	}
	if s.maxSize > 0 && len(m) > s.maxSize {
		return false, xerrors.Errorf("message of %d bytes exceeds the %d byte limit", len(m), s.maxSize)
	}
	if err := s.ps.Publish(s.channel, m); err != nil {
		return true, xerrors.Errorf("publish message: %w", err)
	}
	return false, nil
}

func (s *PubsubSink) DeadLetter(_ context.Context, dl DeadLetter) error {
	m, err := s.encoding.Marshal(dl)
	if err != nil {
		return xerrors.Errorf("marshal dead letter: %w", err)
	}
	if s.maxSize > 0 && len(m) > s.maxSize {
		return xerrors.Errorf("dead letter of %d bytes exceeds the %d byte limit", len(m), s.maxSize)
	}
	if err := s.ps.Publish(s.deadLetterChannel, m); err != nil {
		return xerrors.Errorf("publish dead letter: %w", err)
	}
	return nil
}
