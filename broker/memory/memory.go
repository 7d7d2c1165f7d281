// Package memory provides an in-process implementation of broker.Broker
// using Go channels. It suits single-node deployments and tests.
package memory

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/bayeux-server-go/broker"
)

const subscriberBuffer = 256

// Broker implements broker.Broker in memory. Slow subscribers whose buffer
// is full miss messages rather than blocking publishers.
type Broker struct {
	mu           sync.RWMutex
	topics       map[string]map[*subscription]struct{}
	eventCounter atomic.Int64
	closed       chan struct{}
	closeOnce    sync.Once
}

type subscription struct {
	ch chan broker.Envelope
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		topics: make(map[string]map[*subscription]struct{}),
		closed: make(chan struct{}),
	}
}

func (b *Broker) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if b.isClosed() {
		return "", broker.ErrClosed
	}
	env := broker.Envelope{
		ID:   strconv.FormatInt(b.eventCounter.Add(1), 10),
		Data: append([]byte(nil), data...),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- env:
		default:
		}
	}
	return env.ID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, topic string, handler broker.MessageHandler) error {
	if b.isClosed() {
		return broker.ErrClosed
	}
	sub := &subscription{ch: make(chan broker.Envelope, subscriberBuffer)}

	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.topics[topic], sub)
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closed:
			return broker.ErrClosed
		case env := <-sub.ch:
			if err := handler(ctx, env); err != nil {
				return err
			}
		}
	}
}

// Close implements broker.Broker.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

var _ broker.Broker = (*Broker)(nil)
