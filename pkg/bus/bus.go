// Package bus is the message-bus seam spec.md section 1 lists as an
// external collaborator (the message broker workflow and export events
// publish to/subscribe from). Its Publish/Subscribe split is grounded on
// perkeep/pkg/blobserver.Storage's registry-of-backends shape (one small
// interface, multiple swappable implementations); nats.go is the concrete
// production backend (named, not grounded in the example pack — no example
// repo carries a message-bus client, so it is picked as a real ecosystem
// library per the pack-enrichment rule rather than invented).
package bus

import "context"

// Handler processes one message's payload. Returning an error leaves the
// message redelivery behavior to the underlying Bus implementation.
type Handler func(ctx context.Context, payload []byte) error

// Bus publishes and subscribes to named topics.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers handler for topic and returns an Unsubscribe
	// func. Delivery is at-least-once; handlers must be idempotent.
	Subscribe(ctx context.Context, topic string, handler Handler) (Unsubscribe, error)
	Close() error
}

// Unsubscribe cancels a prior Subscribe call.
type Unsubscribe func() error
