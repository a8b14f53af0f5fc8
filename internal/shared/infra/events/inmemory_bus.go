package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	sharedBus "github.com/davicafu/auctionlab/internal/shared/infra/platform/bus"
)

// ErrSubscriberFull: un suscriptor tiene el buffer lleno. El worker lo trata
// como fallo transitorio y reintenta, de modo que no se pierden mensajes.
var ErrSubscriberFull = errors.New("in-memory subscriber buffer is full")

// InMemoryEventBus implementa un bus de eventos en proceso.
// Entrega en orden y de forma síncrona: Publish vuelve cuando todos los
// suscriptores tienen el mensaje en su canal.
type InMemoryEventBus struct {
	subscribers []chan []byte
	mu          sync.RWMutex
}

// NewInMemoryEventBus crea un bus sin suscriptores.
func NewInMemoryEventBus() *InMemoryEventBus {
	return &InMemoryEventBus{
		subscribers: make([]chan []byte, 0),
	}
}

// Publish envía un evento a todos los suscriptores de este bus.
func (b *InMemoryEventBus) Publish(ctx context.Context, event interface{}) error {
	payloadBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, subChan := range b.subscribers {
		select {
		case subChan <- payloadBytes:
		case <-ctx.Done():
			return ctx.Err()
		default:
			return ErrSubscriberFull
		}
	}
	return nil
}

// Subscribe suscribe un nuevo oyente a este bus.
func (b *InMemoryEventBus) Subscribe(bufferSize int) <-chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	subChan := make(chan []byte, bufferSize)
	b.subscribers = append(b.subscribers, subChan)
	return subChan
}

// Verifica en tiempo de compilación que cumple la interfaz
var _ sharedBus.EventBus = (*InMemoryEventBus)(nil)
