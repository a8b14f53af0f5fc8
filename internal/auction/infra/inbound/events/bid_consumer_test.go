package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	auctionDomain "github.com/davicafu/auctionlab/internal/auction/domain"
	sharedEvents "github.com/davicafu/auctionlab/internal/shared/domain/events"
)

type mockAuctionService struct {
	mock.Mock
}

func (m *mockAuctionService) RecordHighBid(ctx context.Context, msg auctionDomain.BidPlacedMessage) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mockAuctionService) FinishAuction(ctx context.Context, msg auctionDomain.AuctionFinishedMessage) error {
	return m.Called(ctx, msg).Error(0)
}

func inbound(t *testing.T, eventType string, data interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	payload, err := json.Marshal(sharedEvents.InboundEvent{EventID: uuid.NewString(), Type: eventType, Data: raw})
	require.NoError(t, err)
	return payload
}

func TestBidConsumer_BidPlaced(t *testing.T) {
	service := new(mockAuctionService)
	consumer := NewBidConsumer(service, zap.NewNop())

	msg := auctionDomain.BidPlacedMessage{AuctionID: uuid.New(), Bidder: "bob", Amount: 1500, BidStatus: "Accepted"}
	service.On("RecordHighBid", mock.Anything, msg).Return(nil).Once()

	err := consumer.HandleMessage(context.Background(), msg.AuctionID.String(), inbound(t, auctionDomain.BidPlaced, msg))

	assert.NoError(t, err)
	service.AssertExpectations(t)
}

func TestBidConsumer_AuctionFinished(t *testing.T) {
	service := new(mockAuctionService)
	consumer := NewBidConsumer(service, zap.NewNop())

	amount := 2500
	msg := auctionDomain.AuctionFinishedMessage{AuctionID: uuid.New(), ItemSold: true, Winner: "bob", Amount: &amount}
	service.On("FinishAuction", mock.Anything, mock.MatchedBy(func(got auctionDomain.AuctionFinishedMessage) bool {
		return got.AuctionID == msg.AuctionID && got.Winner == "bob" && got.Amount != nil && *got.Amount == 2500
	})).Return(nil).Once()

	err := consumer.HandleMessage(context.Background(), "", inbound(t, auctionDomain.BidAuctionFinished, msg))

	assert.NoError(t, err)
	service.AssertExpectations(t)
}

func TestBidConsumer_TransientErrorIsReturned(t *testing.T) {
	service := new(mockAuctionService)
	consumer := NewBidConsumer(service, zap.NewNop())

	msg := auctionDomain.BidPlacedMessage{AuctionID: uuid.New(), Amount: 10, BidStatus: "Accepted"}
	dbDown := errors.New("db down")
	service.On("RecordHighBid", mock.Anything, msg).Return(dbDown).Once()

	err := consumer.HandleMessage(context.Background(), "", inbound(t, auctionDomain.BidPlaced, msg))
	assert.ErrorIs(t, err, dbDown)
}

func TestBidConsumer_NotFoundAndGarbageAreDropped(t *testing.T) {
	service := new(mockAuctionService)
	consumer := NewBidConsumer(service, zap.NewNop())

	msg := auctionDomain.BidPlacedMessage{AuctionID: uuid.New(), Amount: 10, BidStatus: "Accepted"}
	service.On("RecordHighBid", mock.Anything, msg).Return(auctionDomain.ErrAuctionNotFound).Once()

	assert.NoError(t, consumer.HandleMessage(context.Background(), "", inbound(t, auctionDomain.BidPlaced, msg)))
	assert.NoError(t, consumer.HandleMessage(context.Background(), "", []byte("not json")))
	assert.NoError(t, consumer.HandleMessage(context.Background(), "", inbound(t, "bid.retracted", msg)))
	service.AssertNumberOfCalls(t, "RecordHighBid", 1)
}
