// Package pubsub is a small publish/subscribe abstraction with an in-memory
// implementation and one backed by Postgres LISTEN/NOTIFY. The relay
// publishes outgoing messages on it and listens on it for vessel registry
// events.
package pubsub

import (
	"context"

	"golang.org/x/xerrors"
)

// Listener represents a pubsub handler.
type Listener func(ctx context.Context, message []byte)

// ListenerWithErr represents a pubsub handler that can also receive error
// indications, such as dropped messages after a reconnect.
type ListenerWithErr func(ctx context.Context, message []byte, err error)

// ErrDroppedMessages is sent to ListenerWithErr if messages may have been
// lost, for example while the connection to the database was down.
var ErrDroppedMessages = xerrors.New("dropped messages")

var errClosed = xerrors.New("pubsub closed")

// Pubsub is a generic interface for broadcasting and receiving messages.
type Pubsub interface {
	Subscribe(event string, listener Listener) (cancel func(), err error)
	SubscribeWithErr(event string, listener ListenerWithErr) (cancel func(), err error)
	Publish(event string, message []byte) error
	Close() error
}
