// Package broker carries published messages between server nodes so that a
// client connected to one node receives broadcasts published on another.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// Broker fans messages out to every subscriber of a topic, on any node.
// Delivery is at-most-once and ordered per topic.
type Broker interface {
	// Publish appends data to topic and returns the generated event id.
	Publish(ctx context.Context, topic string, data []byte) (eventID string, err error)

	// Subscribe calls handler for every message published to topic after the
	// subscription starts. It blocks until ctx is done, the handler returns
	// an error, or the broker is closed.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error

	// Close releases resources and unblocks subscribers.
	Close() error
}

// MessageHandler processes one envelope. Returning an error ends the
// subscription with that error.
type MessageHandler func(ctx context.Context, env Envelope) error

// Envelope wraps a published payload with its event id.
type Envelope struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}
