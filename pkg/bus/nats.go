package bus

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NatsBus wraps a nats.go connection.
type NatsBus struct {
	conn *nats.Conn
}

// DialNats connects to a NATS server at url.
func DialNats(url string) (*NatsBus, error) {
	conn, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("bus: connecting to %s: %w", url, err)
	}
	return &NatsBus{conn: conn}, nil
}

func (b *NatsBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.conn.Publish(topic, payload); err != nil {
		return fmt.Errorf("bus: publishing to %s: %w", topic, err)
	}
	return nil
}

func (b *NatsBus) Subscribe(ctx context.Context, topic string, handler Handler) (Unsubscribe, error) {
	sub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		if err := handler(ctx, msg.Data); err != nil {
			return
		}
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribing to %s: %w", topic, err)
	}
	return func() error { return sub.Unsubscribe() }, nil
}

func (b *NatsBus) Close() error {
	b.conn.Close()
	return nil
}
