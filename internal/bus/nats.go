package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// subjectPrefix namespaces Kestrel subjects on a shared NATS deployment.
const subjectPrefix = "kestrel."

// NATSBus implements the event bus on NATS for multi-instance deployments.
type NATSBus struct {
	conn *nats.Conn
}

// NewNATSBus connects to NATS with reconnect handling.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	maxReconnects := cfg.NATSMaxReconnects
	if maxReconnects == 0 {
		maxReconnects = 10
	}
	reconnectWait := cfg.NATSReconnectWait
	if reconnectWait == 0 {
		reconnectWait = 5
	}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(time.Duration(reconnectWait)*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	slog.Info("NATS connected", "url", conn.ConnectedUrl())

	return &NATSBus{conn: conn}, nil
}

// Publish sends a message envelope to a NATS subject.
func (b *NATSBus) Publish(_ context.Context, topic string, payload []byte) error {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UnixNano(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return b.conn.Publish(subjectPrefix+topic, data)
}

// Subscribe registers a handler for a NATS subject.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	natsSub, err := b.conn.Subscribe(subjectPrefix+topic, func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Error("failed to unmarshal NATS message", "subject", m.Subject, "error", err)
			return
		}
		if err := handler(ctx, &msg); err != nil {
			slog.Error("handler error", "subject", m.Subject, "message_id", msg.ID, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	return &natsSubscription{topic: topic, sub: natsSub}, nil
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }
func (s *natsSubscription) Topic() string      { return s.topic }

// Ping checks the connection state.
func (b *NATSBus) Ping(_ context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	return nil
}

// Close closes the connection without draining pending messages.
func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}
