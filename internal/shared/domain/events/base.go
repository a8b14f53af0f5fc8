package events

import (
	"encoding/json"
	"time"

	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
)

// IntegrationEvent es el sobre que viaja por el bus. Los consumidores deben
// ser idempotentes usando EventID.
type IntegrationEvent struct {
	EventID    string          `json:"eventId"`
	EventType  string          `json:"eventType"`
	AuctionID  string          `json:"auctionId"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurredAt"`
	Sequence   int64           `json:"sequence"`
	Version    int64           `json:"version"`
}

// FromOutbox construye el sobre publicado a partir de una entrada del outbox.
func FromOutbox(evt sharedDomain.OutboxEvent) IntegrationEvent {
	return IntegrationEvent{
		EventID:    evt.ID.String(),
		EventType:  evt.EventType,
		AuctionID:  evt.AggregateID,
		Payload:    evt.Payload,
		OccurredAt: evt.CreatedAt,
		Sequence:   evt.Sequence,
		Version:    evt.AggregateVersion,
	}
}

func (e IntegrationEvent) PartitionKey() string { return e.AuctionID }

func (e IntegrationEvent) EventName() string { return e.EventType }

func (e IntegrationEvent) MessageID() string { return e.EventID }

// InboundEvent es el sobre de los mensajes que llegan de otros servicios
// (bidding). Data contiene el evento concreto.
type InboundEvent struct {
	EventID   string          `json:"eventId"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}
