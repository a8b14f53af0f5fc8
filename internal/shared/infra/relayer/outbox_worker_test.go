package relayer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	auctionDomain "github.com/davicafu/auctionlab/internal/auction/domain"
	"github.com/davicafu/auctionlab/internal/auction/infra/outbound/db/memory"
	"github.com/davicafu/auctionlab/internal/mocks"
	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
	sharedDomainEvents "github.com/davicafu/auctionlab/internal/shared/domain/events"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testConfig() Config {
	return Config{
		Owner:       "test",
		BatchSize:   10,
		Lease:       30 * time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
	}
}

func claimedEvent(aggregateID string, seq int64, eventType string) sharedDomain.OutboxEvent {
	payload, _ := json.Marshal(auctionDomain.AuctionView{ID: uuid.New(), Seller: "alice"})
	return sharedDomain.OutboxEvent{
		ID:               uuid.New(),
		Sequence:         seq,
		AggregateType:    auctionDomain.AuctionAggregate,
		AggregateID:      aggregateID,
		AggregateVersion: seq,
		EventType:        eventType,
		Payload:          payload,
		Status:           sharedDomain.OutboxPending,
		ClaimToken:       "test:token",
	}
}

func TestOutboxWorker_ProcessBatch_Success(t *testing.T) {
	// ARRANGE
	repo := new(mocks.MockOutboxRepository)
	publisher := new(mocks.MockPublisher)

	evt := claimedEvent("a-1", 1, auctionDomain.AuctionCreated)

	repo.On("ClaimPending", mock.Anything, "test", 10, 30*time.Second).Return([]sharedDomain.OutboxEvent{evt}, nil).Once()
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e sharedDomainEvents.IntegrationEvent) bool {
		return e.EventID == evt.ID.String() && e.AuctionID == "a-1" && e.EventType == auctionDomain.AuctionCreated
	})).Return(nil).Once()
	repo.On("MarkDelivered", mock.Anything, evt).Return(nil).Once()

	worker := NewOutboxWorker(repo, publisher, auctionDomain.NewEventRegistry(), testConfig(), zap.NewNop())

	// ACT
	worker.ProcessBatch(context.Background())

	// ASSERT
	repo.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestOutboxWorker_ProcessBatch_PublisherFailsSchedulesRetry(t *testing.T) {
	// ARRANGE
	repo := new(mocks.MockOutboxRepository)
	publisher := new(mocks.MockPublisher)
	clock := &testClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}

	evt := claimedEvent("a-1", 1, auctionDomain.AuctionUpdated)
	evt.Attempts = 1

	repo.On("ClaimPending", mock.Anything, "test", 10, 30*time.Second).Return([]sharedDomain.OutboxEvent{evt}, nil).Once()
	publisher.On("Publish", mock.Anything, mock.Anything).Return(errors.New("kafka is down")).Once()
	repo.On("MarkRetry", mock.Anything, mock.MatchedBy(func(e sharedDomain.OutboxEvent) bool {
		// Segundo intento fallido: espera base*2
		return e.ID == evt.ID && e.Attempts == 2 && e.LastError == "kafka is down" &&
			e.NextAttemptAt.Equal(clock.Now().Add(2*time.Second))
	})).Return(nil).Once()

	worker := NewOutboxWorker(repo, publisher, auctionDomain.NewEventRegistry(), testConfig(), zap.NewNop(), WithClock(clock.Now))

	// ACT
	worker.ProcessBatch(context.Background())

	// ASSERT
	repo.AssertExpectations(t)
	repo.AssertNotCalled(t, "MarkDelivered", mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything)
}

func TestOutboxWorker_ProcessBatch_ExhaustedAttemptsFailAndAlert(t *testing.T) {
	// ARRANGE
	repo := new(mocks.MockOutboxRepository)
	publisher := new(mocks.MockPublisher)
	alerter := new(mocks.MockAlerter)

	evt := claimedEvent("a-1", 1, auctionDomain.AuctionUpdated)
	evt.Attempts = 2 // el siguiente fallo es el tercero (MaxAttempts)
	cause := errors.New("broker rejected")

	repo.On("ClaimPending", mock.Anything, "test", 10, 30*time.Second).Return([]sharedDomain.OutboxEvent{evt}, nil).Once()
	publisher.On("Publish", mock.Anything, mock.Anything).Return(cause).Once()
	repo.On("MarkFailed", mock.Anything, mock.MatchedBy(func(e sharedDomain.OutboxEvent) bool {
		return e.ID == evt.ID && e.Attempts == 3
	})).Return(nil).Once()
	alerter.On("OutboxFailed", mock.Anything, mock.Anything, cause).Once()

	worker := NewOutboxWorker(repo, publisher, auctionDomain.NewEventRegistry(), testConfig(), zap.NewNop(), WithAlerter(alerter))

	// ACT
	worker.ProcessBatch(context.Background())

	// ASSERT
	repo.AssertExpectations(t)
	alerter.AssertExpectations(t)
	repo.AssertNotCalled(t, "MarkRetry", mock.Anything, mock.Anything)
}

func TestOutboxWorker_ProcessBatch_PoisonEventFailsWithoutPublishing(t *testing.T) {
	// ARRANGE
	repo := new(mocks.MockOutboxRepository)
	publisher := new(mocks.MockPublisher)
	alerter := new(mocks.MockAlerter)

	unknown := claimedEvent("a-1", 1, "auction.exploded")
	corrupt := claimedEvent("a-2", 2, auctionDomain.AuctionCreated)
	corrupt.Payload = json.RawMessage(`{"id": 42`)

	repo.On("ClaimPending", mock.Anything, "test", 10, 30*time.Second).
		Return([]sharedDomain.OutboxEvent{unknown, corrupt}, nil).Once()
	repo.On("MarkFailed", mock.Anything, mock.Anything).Return(nil).Twice()
	alerter.On("OutboxFailed", mock.Anything, mock.Anything, mock.Anything).Twice()

	worker := NewOutboxWorker(repo, publisher, auctionDomain.NewEventRegistry(), testConfig(), zap.NewNop(), WithAlerter(alerter))

	// ACT
	worker.ProcessBatch(context.Background())

	// ASSERT
	repo.AssertExpectations(t)
	alerter.AssertExpectations(t)
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestOutboxWorker_ProcessBatch_FailureHoldsBackSameAuction(t *testing.T) {
	// ARRANGE
	repo := new(mocks.MockOutboxRepository)
	publisher := new(mocks.MockPublisher)
	deliveryLog := new(mocks.MockDeliveryLog)

	first := claimedEvent("a-1", 1, auctionDomain.AuctionCreated)
	other := claimedEvent("a-2", 2, auctionDomain.AuctionCreated)
	second := claimedEvent("a-1", 3, auctionDomain.AuctionUpdated)

	repo.On("ClaimPending", mock.Anything, "test", 10, 30*time.Second).
		Return([]sharedDomain.OutboxEvent{first, other, second}, nil).Once()
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e sharedDomainEvents.IntegrationEvent) bool {
		return e.EventID == first.ID.String()
	})).Return(errors.New("timeout")).Once()
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e sharedDomainEvents.IntegrationEvent) bool {
		return e.EventID == other.ID.String()
	})).Return(nil).Once()
	repo.On("MarkRetry", mock.Anything, mock.Anything).Return(nil).Once()
	repo.On("MarkDelivered", mock.Anything, other).Return(nil).Once()
	repo.On("Release", mock.Anything, second).Return(nil).Once()
	deliveryLog.On("RecordDelivered", mock.Anything, []sharedDomain.OutboxEvent{other}).Return(nil).Once()

	worker := NewOutboxWorker(repo, publisher, auctionDomain.NewEventRegistry(), testConfig(), zap.NewNop(), WithDeliveryLog(deliveryLog))

	// ACT
	worker.ProcessBatch(context.Background())

	// ASSERT
	repo.AssertExpectations(t)
	publisher.AssertExpectations(t)
	deliveryLog.AssertExpectations(t)
	publisher.AssertNumberOfCalls(t, "Publish", 2)
}

func TestOutboxWorker_ProcessBatch_ClaimErrorDoesNothing(t *testing.T) {
	repo := new(mocks.MockOutboxRepository)
	publisher := new(mocks.MockPublisher)

	repo.On("ClaimPending", mock.Anything, "test", 10, 30*time.Second).Return(nil, errors.New("db down")).Once()

	worker := NewOutboxWorker(repo, publisher, auctionDomain.NewEventRegistry(), testConfig(), zap.NewNop())
	worker.ProcessBatch(context.Background())

	repo.AssertExpectations(t)
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

// Con el store en memoria y un broker que falla al principio, todo termina
// entregado, una sola vez y en orden de secuencia.
func TestOutboxWorker_EventuallyDeliversInOrder(t *testing.T) {
	// ARRANGE
	ctx := context.Background()
	clock := &testClock{t: time.Now().Add(time.Hour)}
	store := memory.New(memory.WithClock(clock.Now))
	publisher := &mocks.FlakyPublisher{FailFirst: 2}

	a := &auctionDomain.Auction{
		ID:           uuid.New(),
		Seller:       "alice",
		Item:         auctionDomain.Item{Make: "Ford", Model: "GT", Year: 2020, Color: "White", Mileage: 50},
		ReservePrice: 20000,
		AuctionStart: clock.Now(),
		AuctionEnd:   clock.Now().Add(24 * time.Hour),
		Status:       auctionDomain.StatusLive,
		Version:      1,
	}
	created, err := auctionDomain.NewCreatedEvent(a)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, a, created))

	a.Version = 2
	a.Item.Color = "Red"
	updated, err := auctionDomain.NewUpdatedEvent(a)
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, a, updated))

	cfg := testConfig()
	cfg.MaxAttempts = 5
	worker := NewOutboxWorker(store, publisher, auctionDomain.NewEventRegistry(), cfg, zap.NewNop(), WithClock(clock.Now))

	// ACT
	for i := 0; i < 6; i++ {
		worker.ProcessBatch(ctx)
		clock.Advance(5 * time.Second)
	}

	// ASSERT
	require.Len(t, publisher.Delivered, 2)
	assert.Equal(t, created.ID.String(), publisher.Delivered[0].EventID)
	assert.Equal(t, updated.ID.String(), publisher.Delivered[1].EventID)
	assert.Less(t, publisher.Delivered[0].Sequence, publisher.Delivered[1].Sequence)
	assert.Equal(t, int64(1), publisher.Delivered[0].Version)
	assert.Equal(t, int64(2), publisher.Delivered[1].Version)

	entries, err := store.ListOutbox(ctx, sharedDomain.OutboxFilter{AggregateID: a.ID.String()})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, sharedDomain.OutboxDelivered, e.Status)
	}
	assert.Equal(t, 2, entries[0].Attempts)
	assert.Equal(t, 0, entries[1].Attempts)
}

// Start no vuelve hasta que el lote en curso queda marcado, aunque ctx ya
// esté cancelado: main espera a Start antes de cerrar el store.
func TestOutboxWorker_StartFinishesInFlightBatchBeforeReturning(t *testing.T) {
	// ARRANGE
	repo := new(mocks.MockOutboxRepository)
	publisher := new(mocks.MockPublisher)
	evt := claimedEvent("a-1", 1, auctionDomain.AuctionCreated)

	entered := make(chan struct{})
	release := make(chan struct{})
	repo.On("ClaimPending", mock.Anything, "test", 10, 30*time.Second).Return([]sharedDomain.OutboxEvent{evt}, nil).Once()
	repo.On("ClaimPending", mock.Anything, "test", 10, 30*time.Second).Return([]sharedDomain.OutboxEvent{}, nil).Maybe()
	publisher.On("Publish", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return(nil).Once()
	repo.On("MarkDelivered", mock.Anything, evt).Return(nil).Once()

	cfg := testConfig()
	cfg.Interval = 5 * time.Millisecond
	worker := NewOutboxWorker(repo, publisher, auctionDomain.NewEventRegistry(), cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Start(ctx)
	}()

	// ACT
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("publish was never called")
	}
	cancel()

	// ASSERT
	select {
	case <-done:
		t.Fatal("Start returned with a batch still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
	repo.AssertCalled(t, "MarkDelivered", mock.Anything, evt)
	publisher.AssertExpectations(t)
}
