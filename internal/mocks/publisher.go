package mocks

import (
	"context"
	"errors"
	"sync"

	"github.com/stretchr/testify/mock"

	sharedEvents "github.com/davicafu/auctionlab/internal/shared/domain/events"
)

// MockPublisher simula un publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event interface{}) error {
	return m.Called(ctx, event).Error(0)
}

// ErrBrokerDown es el fallo que devuelve FlakyPublisher.
var ErrBrokerDown = errors.New("broker unavailable")

// FlakyPublisher falla las primeras FailFirst publicaciones y después
// registra, en orden, los sobres entregados.
type FlakyPublisher struct {
	mu        sync.Mutex
	FailFirst int
	calls     int
	Delivered []sharedEvents.IntegrationEvent
}

func (p *FlakyPublisher) Publish(ctx context.Context, event interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.calls <= p.FailFirst {
		return ErrBrokerDown
	}
	if evt, ok := event.(sharedEvents.IntegrationEvent); ok {
		p.Delivered = append(p.Delivered, evt)
	}
	return nil
}

func (p *FlakyPublisher) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
