// Package streaming declares the pub/sub seam the control plane pushes
// notifications through. The interfaces are the contract; the one
// concrete sink in this module is the log-backed development fallback,
// and a deployment wires a real broker (Slack relay, email gateway,
// message queue) behind the same Publisher.
package streaming

import (
	"context"
	"time"
)

// Event is one published record: an opaque payload plus the routing
// metadata a subscriber filters on.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher is the outbound half: fire-and-forget publication of one
// payload onto a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
	Close() error
}

// Subscriber is the inbound half, implemented by real brokers only —
// nothing in this module consumes events back.
type Subscriber interface {
	Subscribe(topic string, handler func(event Event)) (Subscription, error)
}

// Subscription is a handle for tearing one subscription down.
type Subscription interface {
	Unsubscribe() error
}
