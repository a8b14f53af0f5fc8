package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus es el estado de entrega de una entrada del outbox.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxDelivered OutboxStatus = "delivered"
	// OutboxFailed es terminal: se agotaron los reintentos y se alertó al operador.
	OutboxFailed OutboxStatus = "failed"
)

// ErrOutboxClaimLost indica que la entrada ya no pertenece al lote reclamado
// (lease expirado y reclamado por otra instancia, o ya finalizada).
var ErrOutboxClaimLost = errors.New("outbox claim lost")

// OutboxEvent representa un evento pendiente de publicar en el broker.
// Se escribe en la misma transacción que el cambio del agregado y nunca se
// modifica su contenido: solo cambia su estado de entrega.
type OutboxEvent struct {
	ID               uuid.UUID       `json:"id"` // también es el eventId publicado
	Sequence         int64           `json:"sequence"`
	AggregateType    string          `json:"aggregate_type"` // ej. "auction"
	AggregateID      string          `json:"aggregate_id"`
	AggregateVersion int64           `json:"aggregate_version"`
	EventType        string          `json:"event_type"` // ej. "auction.updated"
	Payload          json.RawMessage `json:"payload"`
	Status           OutboxStatus    `json:"status"`
	Attempts         int             `json:"attempts"`
	LastError        string          `json:"last_error,omitempty"`
	NextAttemptAt    time.Time       `json:"next_attempt_at"`
	ClaimToken       string          `json:"-"`
	ClaimedUntil     time.Time       `json:"-"`
	CreatedAt        time.Time       `json:"created_at"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
}

// NewOutboxEvent serializa el payload y construye una entrada pendiente.
// La secuencia la asigna el store al persistirla.
func NewOutboxEvent(aggregateType, aggregateID string, version int64, eventType string, payload interface{}) (OutboxEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	return OutboxEvent{
		ID:               uuid.New(),
		AggregateType:    aggregateType,
		AggregateID:      aggregateID,
		AggregateVersion: version,
		EventType:        eventType,
		Payload:          data,
		Status:           OutboxPending,
		NextAttemptAt:    now,
		CreatedAt:        now,
	}, nil
}

// PartitionKey mantiene el orden por agregado en transportes particionados.
func (e OutboxEvent) PartitionKey() string {
	return e.AggregateID
}

// OutboxRepository define el contrato que necesita el worker.
// Todas las transiciones están condicionadas al ClaimToken del lote reclamado
// y devuelven ErrOutboxClaimLost si la entrada ya no es nuestra.
type OutboxRepository interface {
	// ClaimPending reserva (lease) hasta limit entradas pendientes, de la más
	// antigua a la más nueva, listas para entrega. Es atómico entre instancias.
	ClaimPending(ctx context.Context, owner string, limit int, lease time.Duration) ([]OutboxEvent, error)

	// MarkDelivered marca la entrada como entregada.
	MarkDelivered(ctx context.Context, evt OutboxEvent) error

	// MarkRetry persiste Attempts, LastError y NextAttemptAt de evt y la deja pendiente.
	MarkRetry(ctx context.Context, evt OutboxEvent) error

	// MarkFailed persiste Attempts y LastError y la deja en estado terminal failed.
	MarkFailed(ctx context.Context, evt OutboxEvent) error

	// Release devuelve la entrada a pendiente sin consumir un intento.
	Release(ctx context.Context, evt OutboxEvent) error
}

// OutboxArchiveRepository lo usa el janitor para archivar y purgar entregados.
type OutboxArchiveRepository interface {
	FetchDelivered(ctx context.Context, before time.Time, limit int) ([]OutboxEvent, error)
	PurgeOutbox(ctx context.Context, ids []uuid.UUID) (int64, error)
}

// OutboxFilter selecciona entradas para inspección. Los campos vacíos no filtran.
type OutboxFilter struct {
	AggregateID string
	Status      OutboxStatus
	Limit       int
}

// OutboxQueryRepository permite a los operadores revisar el outbox (p. ej. las entradas failed).
type OutboxQueryRepository interface {
	ListOutbox(ctx context.Context, f OutboxFilter) ([]OutboxEvent, error)
}

// DeliveryStats resume las entregas de un tipo de evento en una ventana.
type DeliveryStats struct {
	EventType      string  `json:"eventType"`
	Delivered      uint64  `json:"delivered"`
	AvgLatencyMs   float64 `json:"avgLatencyMs"`
	RetriedPercent float64 `json:"retriedPercent"`
}

// DeliveryStatsReader agrega las entregas registradas entre start y end.
type DeliveryStatsReader interface {
	Stats(ctx context.Context, start, end time.Time) ([]DeliveryStats, error)
}
