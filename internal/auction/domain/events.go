package domain

import (
	"github.com/google/uuid"

	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
)

// Estos son contratos de integración, NO entidades del dominio.

type AuctionDeletedPayload struct {
	ID uuid.UUID `json:"id"`
}

type AuctionFinishedPayload struct {
	AuctionID uuid.UUID `json:"auctionId"`
	ItemSold  bool      `json:"itemSold"`
	Winner    string    `json:"winner,omitempty"`
	Seller    string    `json:"seller"`
	Amount    *int      `json:"amount,omitempty"`
}

// BidPlacedMessage llega del servicio de pujas.
type BidPlacedMessage struct {
	AuctionID uuid.UUID `json:"auctionId"`
	Bidder    string    `json:"bidder"`
	Amount    int       `json:"amount"`
	BidStatus string    `json:"bidStatus"`
}

// Accepted indica si la puja cuenta como puja alta ("Accepted" o "AcceptedBelowReserve").
func (m BidPlacedMessage) Accepted() bool {
	return m.BidStatus == "Accepted" || m.BidStatus == "AcceptedBelowReserve"
}

// AuctionFinishedMessage llega del servicio de pujas cuando vence la subasta.
type AuctionFinishedMessage struct {
	AuctionID uuid.UUID `json:"auctionId"`
	ItemSold  bool      `json:"itemSold"`
	Winner    string    `json:"winner"`
	Amount    *int      `json:"amount"`
}

// ---------------- Builders de outbox ----------------

func NewCreatedEvent(a *Auction) (sharedDomain.OutboxEvent, error) {
	return sharedDomain.NewOutboxEvent(AuctionAggregate, a.ID.String(), a.Version, AuctionCreated, a.View())
}

func NewUpdatedEvent(a *Auction) (sharedDomain.OutboxEvent, error) {
	return sharedDomain.NewOutboxEvent(AuctionAggregate, a.ID.String(), a.Version, AuctionUpdated, a.View())
}

// NewDeletedEvent usa version = última versión + 1: el borrado también es una mutación.
func NewDeletedEvent(id uuid.UUID, lastVersion int64) (sharedDomain.OutboxEvent, error) {
	return sharedDomain.NewOutboxEvent(AuctionAggregate, id.String(), lastVersion+1, AuctionDeleted, AuctionDeletedPayload{ID: id})
}

func NewFinishedEvent(a *Auction) (sharedDomain.OutboxEvent, error) {
	return sharedDomain.NewOutboxEvent(AuctionAggregate, a.ID.String(), a.Version, AuctionFinished, AuctionFinishedPayload{
		AuctionID: a.ID,
		ItemSold:  a.Winner != "",
		Winner:    a.Winner,
		Seller:    a.Seller,
		Amount:    a.SoldAmount,
	})
}
