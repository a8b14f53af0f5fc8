package bus

import "context"

// Keyer da la clave de partición/orden del mensaje (el ID de la subasta).
type Keyer interface {
	PartitionKey() string
}

// Named da el tipo del evento, usado como routing key o subject.
type Named interface {
	EventName() string
}

// Identified da el identificador único del mensaje para deduplicar.
type Identified interface {
	MessageID() string
}

// EventBus publica un evento. Un nil significa entrega confirmada por el transporte.
// La semántica de topic/nombre y formato del payload la deciden los adapters.
type EventBus interface {
	Publish(ctx context.Context, event interface{}) error
}
