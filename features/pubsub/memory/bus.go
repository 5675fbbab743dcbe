// Package memory provides an in-process pubsub.Bus. Used in tests and
// single-process deployments; semantics match the Redis bus: no persistence,
// per-channel publish order, pattern subscriptions with glob matching.
package memory

import (
	"context"
	"path"
	"sync"

	"github.com/kubegram/kubegram/runtime/pubsub"
)

const defaultBuffer = 64

type (
	// Bus is an in-process pubsub.Bus. Construct with New.
	Bus struct {
		mu       sync.RWMutex
		channels map[string]*channelState
		patterns []*subscription
		closed   bool
	}

	channelState struct {
		// publish serializes fan-out so every subscriber observes the same
		// per-channel order.
		publish sync.Mutex
		subs    []*subscription
	}

	subscription struct {
		bus     *Bus
		channel string // channel name or glob pattern
		pattern bool
		ch      chan pubsub.Message
		done    chan struct{}
		once    sync.Once

		// sendMu fences in-flight sends so release can close ch safely.
		sendMu sync.Mutex
		ended  bool
	}
)

// New constructs an empty in-process bus.
func New() *Bus {
	return &Bus{channels: make(map[string]*channelState)}
}

// Publish delivers payload to all current subscribers of channel and to all
// pattern subscribers whose pattern matches. Publishing with no subscribers
// is a no-op.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return pubsub.ErrBusClosed
	}
	state := b.channels[channel]
	var targets []*subscription
	if state != nil {
		targets = append(targets, state.subs...)
	}
	for _, sub := range b.patterns {
		if ok, _ := path.Match(sub.channel, channel); ok {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}
	msg := pubsub.Message{Channel: channel, Payload: payload}
	if state != nil {
		state.publish.Lock()
		defer state.publish.Unlock()
	}
	for _, sub := range targets {
		sub.send(msg)
	}
	return nil
}

// Subscribe opens a subscription on one channel.
func (b *Bus) Subscribe(_ context.Context, channel string) (pubsub.Subscription, error) {
	return b.add(channel, false)
}

// PSubscribe opens a glob-pattern subscription.
func (b *Bus) PSubscribe(_ context.Context, pattern string) (pubsub.Subscription, error) {
	return b.add(pattern, true)
}

// SubscriberCount reports the number of direct subscribers on a channel.
func (b *Bus) SubscriberCount(_ context.Context, channel string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	state := b.channels[channel]
	if state == nil {
		return 0, nil
	}
	return int64(len(state.subs)), nil
}

// ActiveChannels lists channels with at least one direct subscriber.
func (b *Bus) ActiveChannels(context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	channels := make([]string, 0, len(b.channels))
	for name, state := range b.channels {
		if len(state.subs) > 0 {
			channels = append(channels, name)
		}
	}
	return channels, nil
}

// Close releases every subscription. Further operations return ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for _, state := range b.channels {
		all = append(all, state.subs...)
	}
	all = append(all, b.patterns...)
	b.channels = map[string]*channelState{}
	b.patterns = nil
	b.mu.Unlock()

	for _, sub := range all {
		sub.release()
	}
	return nil
}

func (b *Bus) add(channel string, pattern bool) (*subscription, error) {
	sub := &subscription{
		bus:     b,
		channel: channel,
		pattern: pattern,
		ch:      make(chan pubsub.Message, defaultBuffer),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, pubsub.ErrBusClosed
	}
	if pattern {
		b.patterns = append(b.patterns, sub)
		return sub, nil
	}
	state := b.channels[channel]
	if state == nil {
		state = &channelState{}
		b.channels[channel] = state
	}
	state.subs = append(state.subs, sub)
	return sub, nil
}

func (s *subscription) Messages() <-chan pubsub.Message { return s.ch }

// Close removes the listener from the bus before returning, then releases the
// delivery channel.
func (s *subscription) Close() error {
	s.bus.remove(s)
	s.release()
	return nil
}

func (s *subscription) send(msg pubsub.Message) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.ended {
		return
	}
	select {
	case s.ch <- msg:
	case <-s.done:
	}
}

func (s *subscription) release() {
	s.once.Do(func() {
		// Closing done first unblocks any sender stuck on a full channel so
		// the sendMu acquisition below cannot deadlock.
		close(s.done)
		s.sendMu.Lock()
		s.ended = true
		s.sendMu.Unlock()
		close(s.ch)
	})
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.pattern {
		for i, s := range b.patterns {
			if s == sub {
				b.patterns = append(b.patterns[:i], b.patterns[i+1:]...)
				break
			}
		}
		return
	}
	state := b.channels[sub.channel]
	if state == nil {
		return
	}
	for i, s := range state.subs {
		if s == sub {
			state.subs = append(state.subs[:i], state.subs[i+1:]...)
			break
		}
	}
	if len(state.subs) == 0 {
		delete(b.channels, sub.channel)
	}
}
