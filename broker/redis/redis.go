// Package redis implements broker.Broker on Redis Streams so that several
// server nodes can share published messages.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/bayeux-server-go/broker"
)

const (
	defaultKeyPrefix  = "bayeux:broker:"
	defaultMaxLen     = 10000
	defaultBlock      = time.Second
	defaultRetryLimit = time.Minute
)

// Broker is a Redis Streams implementation of broker.Broker.
type Broker struct {
	client     redis.UniversalClient
	keyPrefix  string
	maxLen     int64
	block      time.Duration
	retryLimit time.Duration
	log        *slog.Logger
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a client for Addr is created.
	Client redis.UniversalClient
	// Addr is used when Client is nil. Defaults to localhost:6379.
	Addr string
	// KeyPrefix is prepended to every stream key. Defaults to "bayeux:broker:".
	KeyPrefix string
	// MaxLen caps each stream. Defaults to 10000 entries.
	MaxLen int64
	// Block bounds each blocking read so cancellation is observed promptly.
	Block time.Duration
	// RetryLimit bounds how long a subscriber retries a failing read before
	// giving up. Defaults to one minute.
	RetryLimit time.Duration
	Logger     *slog.Logger
}

// New creates a Redis-backed broker.
func New(cfg Config) *Broker {
	client := cfg.Client
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	b := &Broker{
		client:     client,
		keyPrefix:  cfg.KeyPrefix,
		maxLen:     cfg.MaxLen,
		block:      cfg.Block,
		retryLimit: cfg.RetryLimit,
		log:        cfg.Logger,
	}
	if b.keyPrefix == "" {
		b.keyPrefix = defaultKeyPrefix
	}
	if b.maxLen <= 0 {
		b.maxLen = defaultMaxLen
	}
	if b.block <= 0 {
		b.block = defaultBlock
	}
	if b.retryLimit <= 0 {
		b.retryLimit = defaultRetryLimit
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	return b
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	if err := b.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

// Publish adds data to the topic's stream.
func (b *Broker) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	streamKey := b.streamKey(topic)
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: b.maxLen,
		Values: map[string]any{"data": data},
	}).Result()
	if err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return "", broker.ErrClosed
		}
		return "", fmt.Errorf("publish to stream %s: %w", streamKey, err)
	}
	return id, nil
}

// Subscribe reads the topic's stream from the current tail onward. Read
// failures are retried with exponential backoff up to the retry limit.
func (b *Broker) Subscribe(ctx context.Context, topic string, handler broker.MessageHandler) error {
	streamKey := b.streamKey(topic)

	startID, err := b.tail(ctx, streamKey)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := backoff.Retry(ctx, func() ([]redis.XStream, error) {
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{streamKey, startID},
				Count:   100,
				Block:   b.block,
			}).Result()
			switch {
			case err == nil:
				return res, nil
			case errors.Is(err, redis.Nil):
				return nil, nil
			case errors.Is(err, redis.ErrClosed):
				return nil, backoff.Permanent(broker.ErrClosed)
			case ctx.Err() != nil:
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxElapsedTime(b.retryLimit),
			backoff.WithNotify(func(err error, d time.Duration) {
				b.log.WarnContext(ctx, "broker.redis.read.retry", slog.String("stream", streamKey), slog.String("err", err.Error()), slog.Duration("dur", d))
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, broker.ErrClosed) {
				return err
			}
			return fmt.Errorf("read from stream %s: %w", streamKey, err)
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				startID = message.ID
				data, ok := message.Values["data"].(string)
				if !ok {
					continue
				}
				if err := handler(ctx, broker.Envelope{ID: message.ID, Data: []byte(data)}); err != nil {
					return err
				}
			}
		}
	}
}

// tail returns the id of the newest entry, or "0-0" for a missing stream.
func (b *Broker) tail(ctx context.Context, streamKey string) (string, error) {
	last, err := b.client.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if errors.Is(err, redis.ErrClosed) {
			return "", broker.ErrClosed
		}
		return "", fmt.Errorf("read tail of stream %s: %w", streamKey, err)
	}
	if len(last) == 0 {
		return "0-0", nil
	}
	return last[0].ID, nil
}

func (b *Broker) streamKey(topic string) string {
	return b.keyPrefix + "stream:" + topic
}

var _ broker.Broker = (*Broker)(nil)
