package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestChannelBusPublishSubscribe(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()

	ctx := context.Background()

	var mu sync.Mutex
	var received []*domain.Message

	sub, err := b.Subscribe(ctx, domain.TopicDecision, func(_ context.Context, msg *domain.Message) error {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, domain.TopicDecision, []byte(`{"decision":"ALLOW"}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("message not delivered within deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if string(received[0].Payload) != `{"decision":"ALLOW"}` {
		t.Errorf("unexpected payload: %s", received[0].Payload)
	}
	if received[0].Topic != domain.TopicDecision {
		t.Errorf("unexpected topic: %s", received[0].Topic)
	}
}

func TestChannelBusTopicIsolation(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()

	ctx := context.Background()
	got := make(chan struct{}, 1)

	_, err := b.Subscribe(ctx, "other.topic", func(_ context.Context, _ *domain.Message) error {
		got <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	b.Publish(ctx, domain.TopicDecision, []byte("x"))

	select {
	case <-got:
		t.Error("subscriber received a message from an unrelated topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelBusClosed(t *testing.T) {
	b := NewChannelBus(10)
	b.Close()

	if err := b.Publish(context.Background(), "t", nil); err == nil {
		t.Error("publish on a closed bus should fail")
	}
	if err := b.Ping(context.Background()); err == nil {
		t.Error("ping on a closed bus should fail")
	}
	if _, err := b.Subscribe(context.Background(), "t", nil); err == nil {
		t.Error("subscribe on a closed bus should fail")
	}
}

func TestBusFactory(t *testing.T) {
	b, err := New(domain.EventBusConfig{Type: "channel"})
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	b.Close()

	if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
		t.Error("expected error for unsupported bus type")
	}
}
