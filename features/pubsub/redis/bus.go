// Package redis provides a pubsub.Bus over Redis pub/sub. Channels are not
// durable: Redis delivers only to clients subscribed at publish time, which
// is exactly the contract the job service compensates for with its result
// cache.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/kubegram/kubegram/runtime/pubsub"
)

type (
	// Options configures the Redis bus.
	Options struct {
		// Client is the Redis client to use. Required. The bus does not own
		// the client; callers close it.
		Client *redis.Client
	}

	// Bus implements pubsub.Bus on Redis pub/sub.
	Bus struct {
		rdb *redis.Client

		mu     sync.Mutex
		subs   map[*subscription]struct{}
		closed bool
	}

	subscription struct {
		bus  *Bus
		ps   *redis.PubSub
		ch   chan pubsub.Message
		once sync.Once
	}
)

// New constructs a Redis-backed bus from the provided options.
func New(opts Options) (*Bus, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Bus{rdb: opts.Client, subs: make(map[*subscription]struct{})}, nil
}

// Publish sends payload on channel. Delivery reaches only currently
// subscribed clients.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe opens a channel subscription. The subscription is confirmed by
// the server before Subscribe returns, so a publish that happens after
// Subscribe is always observed.
func (b *Bus) Subscribe(ctx context.Context, channel string) (pubsub.Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channel)
	return b.confirm(ctx, ps)
}

// PSubscribe opens a pattern subscription with Redis glob semantics.
func (b *Bus) PSubscribe(ctx context.Context, pattern string) (pubsub.Subscription, error) {
	ps := b.rdb.PSubscribe(ctx, pattern)
	return b.confirm(ctx, ps)
}

// SubscriberCount reports the server-side subscriber count for a channel.
func (b *Bus) SubscriberCount(ctx context.Context, channel string) (int64, error) {
	counts, err := b.rdb.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return 0, fmt.Errorf("redis pubsub numsub: %w", err)
	}
	return counts[channel], nil
}

// ActiveChannels lists server-side channels with at least one subscriber.
func (b *Bus) ActiveChannels(ctx context.Context) ([]string, error) {
	channels, err := b.rdb.PubSubChannels(ctx, "*").Result()
	if err != nil {
		return nil, fmt.Errorf("redis pubsub channels: %w", err)
	}
	return channels, nil
}

// Close releases every open subscription. The Redis client itself is owned by
// the caller.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	open := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		open = append(open, sub)
	}
	b.subs = map[*subscription]struct{}{}
	b.mu.Unlock()

	var firstErr error
	for _, sub := range open {
		if err := sub.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// confirm waits for the server to acknowledge the subscription, registers it,
// and starts the pump goroutine.
func (b *Bus) confirm(ctx context.Context, ps *redis.PubSub) (*subscription, error) {
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	sub := &subscription{bus: b, ps: ps, ch: make(chan pubsub.Message, 64)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return nil, pubsub.ErrBusClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump()
	return sub, nil
}

func (s *subscription) Messages() <-chan pubsub.Message { return s.ch }

// Close deregisters the subscription and releases the Redis subscription.
func (s *subscription) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.close()
}

func (s *subscription) close() error {
	var err error
	s.once.Do(func() {
		// Closing the PubSub ends the pump's receive loop, which closes ch.
		err = s.ps.Close()
	})
	return err
}

// pump forwards Redis messages to the delivery channel until the
// subscription closes.
func (s *subscription) pump() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		s.ch <- pubsub.Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}
