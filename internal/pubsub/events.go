// Package pubsub provides a generic in-process publish/subscribe broker.
//
// The broker fans events out to all subscribers; each subscriber filters
// by topic. Delivery is best-effort: a subscriber that falls behind loses
// events rather than blocking publishers.
package pubsub

import (
	"context"
	"time"
)

// Topic names a logical event channel, e.g. "events:task_update".
type Topic string

// Event represents a published event with a typed payload.
type Event[T any] struct {
	Topic     Topic
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(topic Topic, payload T)
}
