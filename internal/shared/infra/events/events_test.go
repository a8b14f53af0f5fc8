package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	sharedEvents "github.com/davicafu/auctionlab/internal/shared/domain/events"
)

func TestInMemoryEventBus_DeliversInOrder(t *testing.T) {
	bus := NewInMemoryEventBus()
	sub := bus.Subscribe(10)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, bus.Publish(context.Background(), sharedEvents.IntegrationEvent{AuctionID: "a1", Sequence: i}))
	}

	for i := int64(1); i <= 3; i++ {
		var evt sharedEvents.IntegrationEvent
		require.NoError(t, json.Unmarshal(<-sub, &evt))
		assert.Equal(t, i, evt.Sequence)
	}
}

func TestInMemoryEventBus_FullSubscriberIsAnError(t *testing.T) {
	bus := NewInMemoryEventBus()
	_ = bus.Subscribe(1)

	require.NoError(t, bus.Publish(context.Background(), sharedEvents.IntegrationEvent{}))
	assert.ErrorIs(t, bus.Publish(context.Background(), sharedEvents.IntegrationEvent{}), ErrSubscriberFull)
}

func TestMessageHeaders(t *testing.T) {
	evt := sharedEvents.IntegrationEvent{EventID: "e-1", EventType: "auction.created", AuctionID: "a-1"}

	headers := messageHeaders(evt)
	require.Len(t, headers, 2)
	assert.Equal(t, "event-type", headers[0].Key)
	assert.Equal(t, "auction.created", string(headers[0].Value))
	assert.Equal(t, "event-id", headers[1].Key)
	assert.Equal(t, "e-1", string(headers[1].Value))
}

func TestConsumerAdapter_CloseWaitsForLoop(t *testing.T) {
	reader := NewKafkaReader([]string{"127.0.0.1:1"}, "auction-bids", "auctionlab-test")
	consumer := NewConsumerAdapter(reader, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	consumer.Start(ctx)
	cancel()

	closed := make(chan error, 1)
	go func() { closed <- consumer.Close() }()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after the consumer loop stopped")
	}
}
