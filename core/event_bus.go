package core

import "context"

// Delivery wraps an event handed to a consumer group subscriber. The
// consumer must call exactly one of Ack or Nack. Unacknowledged events are
// redelivered; events nacked beyond the bus redelivery ceiling move to the
// topic's dead-letter topic for manual inspection.
type Delivery struct {
	Event Event
	// Attempt is the 1-based delivery attempt within the consumer group.
	Attempt int

	ack  func()
	nack func()
}

// NewDelivery binds an event to its ack/nack callbacks. Intended for use by
// EventBus implementations.
func NewDelivery(ev Event, attempt int, ack, nack func()) Delivery {
	return Delivery{Event: ev, Attempt: attempt, ack: ack, nack: nack}
}

// Ack confirms successful processing; the event will not be redelivered to
// this consumer group.
func (d Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// Nack requests redelivery, or dead-lettering once the ceiling is reached.
func (d Delivery) Nack() {
	if d.nack != nil {
		d.nack()
	}
}

// EventBus is an ordered, at-least-once publish-subscribe channel with
// consumer groups.
//
// Delivery guarantees:
//   - Each consumer group receives every event published to the topic after
//     the group subscribed.
//   - Events sharing a Key are delivered in publish order within a group;
//     cross-key ordering is not guaranteed.
//   - Delivery is at-least-once; consumers must be idempotent on
//     (task id, attempt).
type EventBus interface {
	// Publish appends the event to the topic for all subscribed groups.
	Publish(ctx context.Context, topic string, ev Event) error

	// Subscribe joins a consumer group on the topic and returns its
	// delivery stream. The channel is closed when the context is cancelled
	// or the bus shuts down.
	Subscribe(ctx context.Context, topic, group string) (<-chan Delivery, error)

	// Close shuts the bus down, closing all subscriber channels.
	Close() error
}
