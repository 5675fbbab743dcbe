// Package pubsub defines the event bus contract used for workflow lifecycle
// events and job result delivery. The bus is byte-level and non-durable: a
// subscriber that connects after a publish does not see the message. Topic
// adds JSON encoding and an optional type guard on top of any Bus.
package pubsub

import (
	"context"
	"errors"
)

// ErrBusClosed is returned by operations on a bus that has been closed.
var ErrBusClosed = errors.New("pubsub: bus closed")

type (
	// Bus is the transport-level publish/subscribe contract. Delivery order is
	// per-channel publish order for every subscriber that was subscribed at
	// the time of publish. Implementations are safe for concurrent use.
	Bus interface {
		// Publish hands the payload to the transport. Publishing to a channel
		// with no subscribers is not an error.
		Publish(ctx context.Context, channel string, payload []byte) error

		// Subscribe opens a subscription on one channel. The subscription is
		// active before Subscribe returns.
		Subscribe(ctx context.Context, channel string) (Subscription, error)

		// PSubscribe opens a pattern subscription ("codegen:jobs:*" style
		// glob patterns).
		PSubscribe(ctx context.Context, pattern string) (Subscription, error)

		// SubscriberCount reports the number of subscribers on a channel.
		SubscriberCount(ctx context.Context, channel string) (int64, error)

		// ActiveChannels lists channels with at least one subscriber.
		ActiveChannels(ctx context.Context) ([]string, error)

		// Close releases all subscriptions and the underlying transport.
		Close() error
	}

	// Subscription is a live channel or pattern subscription. Messages is
	// closed once the subscription ends; Close releases the underlying
	// transport subscription and unblocks any pending receive.
	Subscription interface {
		Messages() <-chan Message
		Close() error
	}

	// Message is one delivered payload. Channel is the concrete channel the
	// message arrived on (relevant for pattern subscriptions).
	Message struct {
		Channel string
		Payload []byte
	}
)
