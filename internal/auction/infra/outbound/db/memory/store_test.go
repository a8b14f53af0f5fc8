package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auctionDomain "github.com/davicafu/auctionlab/internal/auction/domain"
	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
	sharedQuery "github.com/davicafu/auctionlab/internal/shared/infra/platform/query"
)

func newAuction(seller string, created time.Time) *auctionDomain.Auction {
	return &auctionDomain.Auction{
		ID:           uuid.New(),
		Seller:       seller,
		Item:         auctionDomain.Item{Make: "Audi", Model: "R8", Year: 2019, Color: "Black", Mileage: 10},
		ReservePrice: 500,
		AuctionStart: created,
		AuctionEnd:   created.Add(time.Hour),
		Status:       auctionDomain.StatusLive,
		Version:      1,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func TestStore_OutboxFailureLeavesNoAuction(t *testing.T) {
	s := New()
	ctx := context.Background()

	a := newAuction("alice", time.Now())
	evt, err := auctionDomain.NewCreatedEvent(a)
	require.NoError(t, err)

	s.FailNextOutboxAppend()
	assert.ErrorIs(t, s.Create(ctx, a, evt), ErrOutboxAppend)

	_, err = s.GetByID(ctx, a.ID)
	assert.ErrorIs(t, err, auctionDomain.ErrAuctionNotFound)
	events, err := s.ListOutbox(ctx, sharedDomain.OutboxFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)

	// Y a la inversa: un create rechazado no añade evento
	require.NoError(t, s.Create(ctx, a, evt))
	dup, err := auctionDomain.NewCreatedEvent(a)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Create(ctx, a, dup), auctionDomain.ErrAuctionAlreadyExists)
	events, err = s.ListOutbox(ctx, sharedDomain.OutboxFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestStore_StoredCopyIsIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()

	a := newAuction("alice", time.Now())
	evt, err := auctionDomain.NewCreatedEvent(a)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, a, evt))

	a.ReservePrice = 1
	got, err := s.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 500, got.ReservePrice)
}

func TestStore_ListByCriteria(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now().UTC()

	var ids []uuid.UUID
	for i, seller := range []string{"Bob", "bob", "carol"} {
		a := newAuction(seller, base.Add(time.Duration(i)*time.Second))
		evt, err := auctionDomain.NewCreatedEvent(a)
		require.NoError(t, err)
		require.NoError(t, s.Create(ctx, a, evt))
		ids = append(ids, a.ID)
	}

	list, err := s.ListByCriteria(ctx, nil, nil, sharedQuery.Sort{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids, []uuid.UUID{list[0].ID, list[1].ID, list[2].ID})

	list, err = s.ListByCriteria(ctx, auctionDomain.SellerCriteria{Seller: "BOB", Fold: true}, nil, sharedQuery.Sort{})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = s.ListByCriteria(ctx, auctionDomain.UpdatedAfterCriteria{After: base}, sharedQuery.OffsetPagination{Limit: 1}, sharedQuery.Sort{Field: "created_at", Desc: true})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ids[2], list[0].ID)

	list, err = s.ListByCriteria(ctx, auctionDomain.StatusCriteria{Status: auctionDomain.StatusEnded}, nil, sharedQuery.Sort{})
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestStore_ClaimSkipsAggregateBehindBackoff(t *testing.T) {
	now := time.Now().Add(time.Second)
	s := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	a := newAuction("alice", time.Now())
	created, err := auctionDomain.NewCreatedEvent(a)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, a, created))

	a.Version = 2
	updated, err := auctionDomain.NewUpdatedEvent(a)
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, a, updated))

	batch, err := s.ClaimPending(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, auctionDomain.AuctionCreated, batch[0].EventType)

	// La entrada anterior está reclamada: la siguiente no se entrega antes.
	next, err := s.ClaimPending(ctx, "w2", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, next)

	require.NoError(t, s.MarkDelivered(ctx, batch[0]))
	assert.ErrorIs(t, s.MarkDelivered(ctx, batch[0]), sharedDomain.ErrOutboxClaimLost)

	next, err = s.ClaimPending(ctx, "w2", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, auctionDomain.AuctionUpdated, next[0].EventType)
	assert.Greater(t, next[0].Sequence, batch[0].Sequence)
}
