package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
)

// MockOutboxRepository simula el repositorio del outbox que usa el worker.
type MockOutboxRepository struct {
	mock.Mock
}

func (m *MockOutboxRepository) ClaimPending(ctx context.Context, owner string, limit int, lease time.Duration) ([]sharedDomain.OutboxEvent, error) {
	args := m.Called(ctx, owner, limit, lease)
	events, _ := args.Get(0).([]sharedDomain.OutboxEvent)
	return events, args.Error(1)
}

func (m *MockOutboxRepository) MarkDelivered(ctx context.Context, evt sharedDomain.OutboxEvent) error {
	return m.Called(ctx, evt).Error(0)
}

func (m *MockOutboxRepository) MarkRetry(ctx context.Context, evt sharedDomain.OutboxEvent) error {
	return m.Called(ctx, evt).Error(0)
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, evt sharedDomain.OutboxEvent) error {
	return m.Called(ctx, evt).Error(0)
}

func (m *MockOutboxRepository) Release(ctx context.Context, evt sharedDomain.OutboxEvent) error {
	return m.Called(ctx, evt).Error(0)
}

// MockArchiveRepository simula la parte de archivado que usa el janitor.
type MockArchiveRepository struct {
	mock.Mock
}

func (m *MockArchiveRepository) FetchDelivered(ctx context.Context, before time.Time, limit int) ([]sharedDomain.OutboxEvent, error) {
	args := m.Called(ctx, before, limit)
	events, _ := args.Get(0).([]sharedDomain.OutboxEvent)
	return events, args.Error(1)
}

func (m *MockArchiveRepository) PurgeOutbox(ctx context.Context, ids []uuid.UUID) (int64, error) {
	args := m.Called(ctx, ids)
	return args.Get(0).(int64), args.Error(1)
}

// MockArchiver simula el destino del archivado (fichero, S3).
type MockArchiver struct {
	mock.Mock
}

func (m *MockArchiver) Archive(ctx context.Context, events []sharedDomain.OutboxEvent) error {
	return m.Called(ctx, events).Error(0)
}

// MockAlerter recibe los fallos permanentes.
type MockAlerter struct {
	mock.Mock
}

func (m *MockAlerter) OutboxFailed(ctx context.Context, evt sharedDomain.OutboxEvent, cause error) {
	m.Called(ctx, evt, cause)
}

// MockDeliveryLog simula el registro analítico de entregas.
type MockDeliveryLog struct {
	mock.Mock
}

func (m *MockDeliveryLog) RecordDelivered(ctx context.Context, events []sharedDomain.OutboxEvent) error {
	return m.Called(ctx, events).Error(0)
}
