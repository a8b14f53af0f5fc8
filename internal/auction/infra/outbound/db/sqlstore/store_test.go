package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	auctionDomain "github.com/davicafu/auctionlab/internal/auction/domain"
	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
	sharedQuery "github.com/davicafu/auctionlab/internal/shared/infra/platform/query"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func setupStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{t: time.Now().UTC().Add(time.Second)}
	s := New(db, DialectSQLite, WithClock(clock.Now))
	require.NoError(t, s.Migrate(context.Background()))
	return s, clock
}

func newAuction(seller string) *auctionDomain.Auction {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &auctionDomain.Auction{
		ID:     uuid.New(),
		Seller: seller,
		Item: auctionDomain.Item{
			Make: "Ford", Model: "GT", Year: 2020, Color: "White", Mileage: 50000,
		},
		ReservePrice: 1000,
		AuctionStart: now,
		AuctionEnd:   now.Add(7 * 24 * time.Hour),
		Status:       auctionDomain.StatusLive,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func createAuction(t *testing.T, s *Store, a *auctionDomain.Auction) sharedDomain.OutboxEvent {
	t.Helper()
	evt, err := auctionDomain.NewCreatedEvent(a)
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), a, evt))
	return evt
}

func outboxFor(t *testing.T, s *Store, id uuid.UUID) []sharedDomain.OutboxEvent {
	t.Helper()
	events, err := s.ListOutbox(context.Background(), sharedDomain.OutboxFilter{AggregateID: id.String()})
	require.NoError(t, err)
	return events
}

func TestSchema_CreatesIndexesPerDialect(t *testing.T) {
	for _, d := range []Dialect{DialectSQLite, DialectPostgres, DialectMySQL} {
		var indexes []string
		for _, stmt := range d.schema() {
			if strings.HasPrefix(stmt, "CREATE INDEX") {
				indexes = append(indexes, stmt)
			}
		}
		require.Len(t, indexes, 5, string(d))
		for _, stmt := range indexes {
			assert.Equal(t, d != DialectMySQL, strings.Contains(stmt, "IF NOT EXISTS"), stmt)
		}
	}
}

func TestIsDuplicateIndex(t *testing.T) {
	assert.True(t, isDuplicateIndex(fmt.Errorf("migrate: %w", &mysql.MySQLError{Number: 1061, Message: "Duplicate key name 'idx_outbox_claim'"})))
	assert.False(t, isDuplicateIndex(&mysql.MySQLError{Number: 1050, Message: "Table 'outbox' already exists"}))
	assert.False(t, isDuplicateIndex(sql.ErrNoRows))
}

func TestStore_MigrateIsIdempotent(t *testing.T) {
	s, _ := setupStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'index' AND name LIKE 'idx_%'`).Scan(&n))
	assert.Equal(t, 5, n)
	require.NoError(t, s.db.QueryRow(`SELECT count(*) FROM outbox_claim_lock`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestStore_CreateAndGet(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	bid := 300
	a := newAuction("alice")
	a.CurrentHighBid = &bid
	createAuction(t, s, a)

	got, err := s.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	events := outboxFor(t, s, a.ID)
	require.Len(t, events, 1)
	assert.Equal(t, auctionDomain.AuctionCreated, events[0].EventType)
	assert.Equal(t, sharedDomain.OutboxPending, events[0].Status)
	assert.Equal(t, int64(1), events[0].AggregateVersion)
	assert.Positive(t, events[0].Sequence)

	_, err = s.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, auctionDomain.ErrAuctionNotFound)
}

func TestStore_Create_IsAtomic(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	t.Run("id de subasta repetido no deja evento", func(t *testing.T) {
		a := newAuction("alice")
		createAuction(t, s, a)

		evt, err := auctionDomain.NewCreatedEvent(a)
		require.NoError(t, err)
		err = s.Create(ctx, a, evt)
		assert.ErrorIs(t, err, auctionDomain.ErrAuctionAlreadyExists)
		assert.Len(t, outboxFor(t, s, a.ID), 1)
	})

	t.Run("si falla el outbox no queda la subasta", func(t *testing.T) {
		first := newAuction("alice")
		firstEvt := createAuction(t, s, first)

		second := newAuction("bob")
		evt, err := auctionDomain.NewCreatedEvent(second)
		require.NoError(t, err)
		evt.ID = firstEvt.ID // fuerza la violación de unicidad en outbox

		err = s.Create(ctx, second, evt)
		require.Error(t, err)
		assert.NotErrorIs(t, err, auctionDomain.ErrAuctionAlreadyExists)

		_, err = s.GetByID(ctx, second.ID)
		assert.ErrorIs(t, err, auctionDomain.ErrAuctionNotFound)
	})
}

func TestStore_Update_CompareAndSwap(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	a := newAuction("alice")
	createAuction(t, s, a)

	a.ReservePrice = 1200
	a.Version = 2
	evt, err := auctionDomain.NewUpdatedEvent(a)
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, a, evt))

	got, err := s.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1200, got.ReservePrice)
	assert.Equal(t, int64(2), got.Version)

	// Versión obsoleta: conflicto y ningún evento nuevo
	stale := got.Clone()
	stale.ReservePrice = 1
	stale.Version = 2
	evt, err = auctionDomain.NewUpdatedEvent(stale)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Update(ctx, stale, evt), auctionDomain.ErrConcurrencyConflict)
	assert.Len(t, outboxFor(t, s, a.ID), 2)

	missing := newAuction("alice")
	missing.Version = 2
	evt, err = auctionDomain.NewUpdatedEvent(missing)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Update(ctx, missing, evt), auctionDomain.ErrAuctionNotFound)
}

func TestStore_DeleteByID(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	a := newAuction("alice")
	createAuction(t, s, a)

	evt, err := auctionDomain.NewDeletedEvent(a.ID, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, s.DeleteByID(ctx, a.ID, 7, evt), auctionDomain.ErrConcurrencyConflict)
	require.NoError(t, s.DeleteByID(ctx, a.ID, 1, evt))

	_, err = s.GetByID(ctx, a.ID)
	assert.ErrorIs(t, err, auctionDomain.ErrAuctionNotFound)

	events := outboxFor(t, s, a.ID)
	require.Len(t, events, 2)
	assert.Equal(t, auctionDomain.AuctionDeleted, events[1].EventType)

	evt, err = auctionDomain.NewDeletedEvent(a.ID, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, s.DeleteByID(ctx, a.ID, 1, evt), auctionDomain.ErrAuctionNotFound)
}

func TestStore_ListByCriteria(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	var created []*auctionDomain.Auction
	for i, seller := range []string{"alice", "Alice", "bob"} {
		a := newAuction(seller)
		a.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		a.UpdatedAt = a.CreatedAt
		createAuction(t, s, a)
		created = append(created, a)
	}

	t.Run("sin criterios devuelve todo por created_at", func(t *testing.T) {
		list, err := s.ListByCriteria(ctx, nil, nil, sharedQuery.Sort{})
		require.NoError(t, err)
		require.Len(t, list, 3)
		for i := range created {
			assert.Equal(t, created[i].ID, list[i].ID)
		}
	})

	t.Run("seller exacto o sin mayúsculas", func(t *testing.T) {
		list, err := s.ListByCriteria(ctx, auctionDomain.SellerCriteria{Seller: "alice"}, nil, sharedQuery.Sort{})
		require.NoError(t, err)
		assert.Len(t, list, 1)

		list, err = s.ListByCriteria(ctx, auctionDomain.SellerCriteria{Seller: "ALICE", Fold: true}, nil, sharedQuery.Sort{})
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("updatedAfter es estricto", func(t *testing.T) {
		crit := sharedDomain.And(auctionDomain.UpdatedAfterCriteria{After: created[1].UpdatedAt})
		list, err := s.ListByCriteria(ctx, crit, nil, sharedQuery.Sort{})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, created[2].ID, list[0].ID)
	})

	t.Run("sin coincidencias devuelve lista vacía", func(t *testing.T) {
		list, err := s.ListByCriteria(ctx, auctionDomain.SellerCriteria{Seller: "nobody"}, nil, sharedQuery.Sort{})
		require.NoError(t, err)
		assert.NotNil(t, list)
		assert.Empty(t, list)
	})

	t.Run("paginación y orden descendente", func(t *testing.T) {
		list, err := s.ListByCriteria(ctx, nil, sharedQuery.OffsetPagination{Limit: 1, Offset: 1}, sharedQuery.Sort{Field: "created_at", Desc: true})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, created[1].ID, list[0].ID)

		list, err = s.ListByCriteria(ctx, nil, sharedQuery.OffsetPagination{Offset: 2}, sharedQuery.Sort{})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, created[2].ID, list[0].ID)
	})
}

func TestStore_ClaimPending_OrderingAndBackoff(t *testing.T) {
	s, clock := setupStore(t)
	ctx := context.Background()

	a := newAuction("alice")
	createAuction(t, s, a)
	a.Version = 2
	upd, err := auctionDomain.NewUpdatedEvent(a)
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, a, upd))

	b := newAuction("bob")
	createAuction(t, s, b)

	batch, err := s.ClaimPending(ctx, "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Less(t, batch[0].Sequence, batch[1].Sequence)
	assert.Less(t, batch[1].Sequence, batch[2].Sequence)

	// Reclamadas: otra instancia no las ve
	other, err := s.ClaimPending(ctx, "w2", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, other)

	// El create de A entra en backoff; su update queda bloqueado detrás
	first := batch[0]
	first.Attempts = 1
	first.LastError = "broker down"
	first.NextAttemptAt = clock.Now().Add(30 * time.Second)
	require.NoError(t, s.MarkRetry(ctx, first))
	require.NoError(t, s.Release(ctx, batch[1]))
	require.NoError(t, s.Release(ctx, batch[2]))

	next, err := s.ClaimPending(ctx, "w2", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, b.ID.String(), next[0].AggregateID)
	require.NoError(t, s.MarkDelivered(ctx, next[0]))

	clock.Advance(time.Minute)
	next, err = s.ClaimPending(ctx, "w2", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, auctionDomain.AuctionCreated, next[0].EventType)
	assert.Equal(t, 1, next[0].Attempts)
	assert.Equal(t, "broker down", next[0].LastError)
	assert.Equal(t, auctionDomain.AuctionUpdated, next[1].EventType)
}

func TestStore_ClaimPending_ConcurrentClaimersKeepAuctionOrder(t *testing.T) {
	// Fichero con varias conexiones: los reclamos sí compiten entre sí.
	dsn := "file:" + filepath.Join(t.TempDir(), "claim.db") + "?_pragma=busy_timeout(10000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(4)
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{t: time.Now().UTC().Add(time.Second)}
	s := New(db, DialectSQLite, WithClock(clock.Now))
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	// Dos subastas con tres eventos cada una, intercalados
	auctions := []*auctionDomain.Auction{newAuction("alice"), newAuction("bob")}
	for _, a := range auctions {
		createAuction(t, s, a)
	}
	for v := int64(2); v <= 3; v++ {
		for _, a := range auctions {
			a.Version = v
			evt, err := auctionDomain.NewUpdatedEvent(a)
			require.NoError(t, err)
			require.NoError(t, s.Update(ctx, a, evt))
		}
	}

	const claimers = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []sharedDomain.OutboxEvent
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			batch, err := s.ClaimPending(ctx, fmt.Sprintf("w%d", i), 1, time.Minute)
			assert.NoError(t, err)
			mu.Lock()
			claimed = append(claimed, batch...)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	// Solo la cabeza de cada subasta puede estar reclamada a la vez
	require.Len(t, claimed, 2)
	byAuction := map[string]sharedDomain.OutboxEvent{}
	for _, evt := range claimed {
		_, dup := byAuction[evt.AggregateID]
		assert.False(t, dup, "two entries of auction %s leased at once", evt.AggregateID)
		byAuction[evt.AggregateID] = evt
	}
	for _, a := range auctions {
		evt, ok := byAuction[a.ID.String()]
		require.True(t, ok)
		assert.Equal(t, auctionDomain.AuctionCreated, evt.EventType)
		assert.Equal(t, int64(1), evt.AggregateVersion)
	}
}

func TestStore_LeaseExpiry(t *testing.T) {
	s, clock := setupStore(t)
	ctx := context.Background()

	createAuction(t, s, newAuction("alice"))

	stale, err := s.ClaimPending(ctx, "w1", 10, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	clock.Advance(11 * time.Second)
	fresh, err := s.ClaimPending(ctx, "w2", 10, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, fresh, 1)

	assert.ErrorIs(t, s.MarkDelivered(ctx, stale[0]), sharedDomain.ErrOutboxClaimLost)
	require.NoError(t, s.MarkDelivered(ctx, fresh[0]))

	delivered, err := s.ListOutbox(ctx, sharedDomain.OutboxFilter{Status: sharedDomain.OutboxDelivered})
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	assert.NotNil(t, delivered[0].DeliveredAt)
}

func TestStore_MarkFailedIsTerminal(t *testing.T) {
	s, clock := setupStore(t)
	ctx := context.Background()

	createAuction(t, s, newAuction("alice"))
	batch, err := s.ClaimPending(ctx, "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	batch[0].Attempts = 10
	batch[0].LastError = "gave up"
	require.NoError(t, s.MarkFailed(ctx, batch[0]))

	clock.Advance(time.Hour)
	again, err := s.ClaimPending(ctx, "w1", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	failed, err := s.ListOutbox(ctx, sharedDomain.OutboxFilter{Status: sharedDomain.OutboxFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 10, failed[0].Attempts)
}

func TestStore_FetchDeliveredAndPurge(t *testing.T) {
	s, clock := setupStore(t)
	ctx := context.Background()

	createAuction(t, s, newAuction("alice"))
	createAuction(t, s, newAuction("bob"))

	batch, err := s.ClaimPending(ctx, "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.NoError(t, s.MarkDelivered(ctx, batch[0]))
	require.NoError(t, s.Release(ctx, batch[1]))

	clock.Advance(time.Hour)
	old, err := s.FetchDelivered(ctx, clock.Now(), 100)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, batch[0].ID, old[0].ID)

	n, err := s.PurgeOutbox(ctx, []uuid.UUID{old[0].ID, batch[1].ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "solo se purgan entradas entregadas")

	remaining, err := s.ListOutbox(ctx, sharedDomain.OutboxFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, sharedDomain.OutboxPending, remaining[0].Status)
}
