package domain

import (
	"reflect"

	sharedEvents "github.com/davicafu/auctionlab/internal/shared/domain/events"
)

// Las constantes de los tipos de evento se definen aquí, como valores string.
const (
	AuctionCreated  = "auction.created"
	AuctionUpdated  = "auction.updated"
	AuctionDeleted  = "auction.deleted"
	AuctionFinished = "auction.finished"
)

// Eventos entrantes publicados por el servicio de pujas.
const (
	BidPlaced           = "bid.placed"
	BidAuctionFinished  = "auction.finished"
	AuctionAggregate    = "auction"
	AuctionTopic        = "auctions"
	BiddingInboundTopic = "bids"
)

func NewEventRegistry() sharedEvents.Registry {
	return sharedEvents.Registry{
		AuctionCreated: {
			Type:  reflect.TypeOf(AuctionView{}),
			Topic: AuctionTopic,
		},
		AuctionUpdated: {
			Type:  reflect.TypeOf(AuctionView{}),
			Topic: AuctionTopic,
		},
		AuctionDeleted: {
			Type:  reflect.TypeOf(AuctionDeletedPayload{}),
			Topic: AuctionTopic,
		},
		AuctionFinished: {
			Type:  reflect.TypeOf(AuctionFinishedPayload{}),
			Topic: AuctionTopic,
		},
	}
}
