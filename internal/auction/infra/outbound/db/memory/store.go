package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	auctionDomain "github.com/davicafu/auctionlab/internal/auction/domain"
	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
	sharedQuery "github.com/davicafu/auctionlab/internal/shared/infra/platform/query"
)

// ErrOutboxAppend es el fallo simulado del paso de añadir al outbox.
var ErrOutboxAppend = errors.New("simulated outbox append failure")

// Store guarda subastas y outbox en memoria bajo un único mutex, de modo que
// cada commit (subasta + evento) es atómico. Útil en desarrollo y en tests.
type Store struct {
	mu         sync.Mutex
	auctions   map[uuid.UUID]*auctionDomain.Auction
	outbox     []*sharedDomain.OutboxEvent
	seq        int64
	now        func() time.Time
	failAppend bool
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		auctions: make(map[uuid.UUID]*auctionDomain.Auction),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNextOutboxAppend hace fallar el siguiente commit en el paso del outbox.
func (s *Store) FailNextOutboxAppend() {
	s.mu.Lock()
	s.failAppend = true
	s.mu.Unlock()
}

// appendOutbox se llama con el lock tomado y antes de tocar las subastas.
func (s *Store) appendOutbox(evt sharedDomain.OutboxEvent) error {
	if s.failAppend {
		s.failAppend = false
		return ErrOutboxAppend
	}
	for _, e := range s.outbox {
		if e.ID == evt.ID {
			return fmt.Errorf("duplicate outbox event %s", evt.ID)
		}
	}
	s.seq++
	evt.Sequence = s.seq
	if evt.Status == "" {
		evt.Status = sharedDomain.OutboxPending
	}
	s.outbox = append(s.outbox, &evt)
	return nil
}

// ------------------ CRUD + Outbox ------------------

func (s *Store) Create(ctx context.Context, a *auctionDomain.Auction, evt sharedDomain.OutboxEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.auctions[a.ID]; ok {
		return auctionDomain.ErrAuctionAlreadyExists
	}
	if err := s.appendOutbox(evt); err != nil {
		return err
	}
	s.auctions[a.ID] = a.Clone()
	return nil
}

func (s *Store) Update(ctx context.Context, a *auctionDomain.Auction, evt sharedDomain.OutboxEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.auctions[a.ID]
	if !ok {
		return auctionDomain.ErrAuctionNotFound
	}
	if current.Version != a.Version-1 {
		return auctionDomain.ErrConcurrencyConflict
	}
	if err := s.appendOutbox(evt); err != nil {
		return err
	}
	s.auctions[a.ID] = a.Clone()
	return nil
}

func (s *Store) DeleteByID(ctx context.Context, id uuid.UUID, expectedVersion int64, evt sharedDomain.OutboxEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.auctions[id]
	if !ok {
		return auctionDomain.ErrAuctionNotFound
	}
	if current.Version != expectedVersion {
		return auctionDomain.ErrConcurrencyConflict
	}
	if err := s.appendOutbox(evt); err != nil {
		return err
	}
	delete(s.auctions, id)
	return nil
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*auctionDomain.Auction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[id]
	if !ok {
		return nil, auctionDomain.ErrAuctionNotFound
	}
	return a.Clone(), nil
}

// ------------------ Listado ------------------

func matches(a *auctionDomain.Auction, c sharedDomain.Criterion) (bool, error) {
	switch c.Field {
	case "seller":
		v, _ := c.Value.(string)
		if c.Op == sharedDomain.OpEqFold {
			return strings.EqualFold(a.Seller, v), nil
		}
		return a.Seller == v, nil
	case "status":
		v, _ := c.Value.(string)
		return string(a.Status) == v, nil
	case "updated_at", "created_at", "auction_end":
		v, ok := c.Value.(time.Time)
		if !ok {
			return false, fmt.Errorf("criterion %s expects a time value", c.Field)
		}
		return compareTime(timeField(a, c.Field), c.Op, v), nil
	default:
		return false, fmt.Errorf("unsupported filter field %q", c.Field)
	}
}

func timeField(a *auctionDomain.Auction, field string) time.Time {
	switch field {
	case "created_at":
		return a.CreatedAt
	case "auction_end":
		return a.AuctionEnd
	default:
		return a.UpdatedAt
	}
}

func compareTime(t time.Time, op sharedDomain.Operator, v time.Time) bool {
	switch op {
	case sharedDomain.OpGt:
		return t.After(v)
	case sharedDomain.OpGte:
		return !t.Before(v)
	case sharedDomain.OpLt:
		return t.Before(v)
	case sharedDomain.OpLte:
		return !t.After(v)
	default:
		return t.Equal(v)
	}
}

// less ordena por el campo pedido y desempata por ID para que el orden sea estable.
func less(a, b *auctionDomain.Auction, field string) bool {
	switch field {
	case "updated_at":
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
	case "auction_start":
		if !a.AuctionStart.Equal(b.AuctionStart) {
			return a.AuctionStart.Before(b.AuctionStart)
		}
	case "auction_end":
		if !a.AuctionEnd.Equal(b.AuctionEnd) {
			return a.AuctionEnd.Before(b.AuctionEnd)
		}
	case "reserve_price":
		if a.ReservePrice != b.ReservePrice {
			return a.ReservePrice < b.ReservePrice
		}
	case "make":
		if a.Item.Make != b.Item.Make {
			return a.Item.Make < b.Item.Make
		}
	default:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	return a.ID.String() < b.ID.String()
}

func (s *Store) ListByCriteria(ctx context.Context, criteria sharedDomain.Criteria, pagination sharedQuery.Pagination, sortBy sharedQuery.Sort) ([]*auctionDomain.Auction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conds := sharedDomain.Conditions(criteria)

	s.mu.Lock()
	out := make([]*auctionDomain.Auction, 0, len(s.auctions))
	for _, a := range s.auctions {
		keep := true
		for _, c := range conds {
			ok, err := matches(a, c)
			if err != nil {
				s.mu.Unlock()
				return nil, err
			}
			if !ok {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, a.Clone())
		}
	}
	s.mu.Unlock()

	sortBy = auctionDomain.NormalizeSort(sortBy)
	sort.SliceStable(out, func(i, j int) bool {
		if sortBy.Desc {
			return less(out[j], out[i], sortBy.Field)
		}
		return less(out[i], out[j], sortBy.Field)
	})

	if p, ok := pagination.(sharedQuery.OffsetPagination); ok {
		if p.Offset >= len(out) {
			return []*auctionDomain.Auction{}, nil
		}
		if p.Offset > 0 {
			out = out[p.Offset:]
		}
		if p.Limit > 0 && p.Limit < len(out) {
			out = out[:p.Limit]
		}
	}
	return out, nil
}

// ---------------- Patrón Outbox ----------------

func (s *Store) ClaimPending(ctx context.Context, owner string, limit int, lease time.Duration) ([]sharedDomain.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	token := owner + ":" + uuid.NewString()
	blocked := make(map[string]bool)

	var claimed []sharedDomain.OutboxEvent
	for _, e := range s.outbox { // s.outbox está en orden de secuencia
		if e.Status != sharedDomain.OutboxPending {
			continue
		}
		free := !e.NextAttemptAt.After(now) && e.ClaimedUntil.Before(now)
		if free && !blocked[e.AggregateID] && len(claimed) < limit {
			e.ClaimToken = token
			e.ClaimedUntil = now.Add(lease)
			claimed = append(claimed, *e)
			continue
		}
		if !free {
			// Las posteriores del mismo agregado esperan a esta.
			blocked[e.AggregateID] = true
		}
	}
	return claimed, nil
}

// find devuelve la entrada si sigue reclamada con el token de evt.
func (s *Store) find(evt sharedDomain.OutboxEvent) (*sharedDomain.OutboxEvent, error) {
	for _, e := range s.outbox {
		if e.ID == evt.ID {
			if evt.ClaimToken == "" || e.ClaimToken != evt.ClaimToken {
				break
			}
			return e, nil
		}
	}
	return nil, fmt.Errorf("outbox event %s: %w", evt.ID, sharedDomain.ErrOutboxClaimLost)
}

func (s *Store) update(ctx context.Context, evt sharedDomain.OutboxEvent, fn func(e *sharedDomain.OutboxEvent)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.find(evt)
	if err != nil {
		return err
	}
	fn(e)
	e.ClaimToken = ""
	e.ClaimedUntil = time.Time{}
	return nil
}

func (s *Store) MarkDelivered(ctx context.Context, evt sharedDomain.OutboxEvent) error {
	return s.update(ctx, evt, func(e *sharedDomain.OutboxEvent) {
		now := s.now().UTC().Truncate(time.Microsecond)
		e.Status = sharedDomain.OutboxDelivered
		e.DeliveredAt = &now
	})
}

func (s *Store) MarkRetry(ctx context.Context, evt sharedDomain.OutboxEvent) error {
	return s.update(ctx, evt, func(e *sharedDomain.OutboxEvent) {
		e.Attempts = evt.Attempts
		e.LastError = evt.LastError
		e.NextAttemptAt = evt.NextAttemptAt
	})
}

func (s *Store) MarkFailed(ctx context.Context, evt sharedDomain.OutboxEvent) error {
	return s.update(ctx, evt, func(e *sharedDomain.OutboxEvent) {
		e.Status = sharedDomain.OutboxFailed
		e.Attempts = evt.Attempts
		e.LastError = evt.LastError
	})
}

func (s *Store) Release(ctx context.Context, evt sharedDomain.OutboxEvent) error {
	return s.update(ctx, evt, func(*sharedDomain.OutboxEvent) {})
}

// ---------------- Archivado e inspección ----------------

func (s *Store) FetchDelivered(ctx context.Context, before time.Time, limit int) ([]sharedDomain.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []sharedDomain.OutboxEvent
	for _, e := range s.outbox {
		if len(out) >= limit {
			break
		}
		if e.Status == sharedDomain.OutboxDelivered && e.DeliveredAt != nil && e.DeliveredAt.Before(before) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *Store) PurgeOutbox(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	purge := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		purge[id] = true
	}

	var n int64
	kept := s.outbox[:0]
	for _, e := range s.outbox {
		if purge[e.ID] && e.Status == sharedDomain.OutboxDelivered {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.outbox = kept
	return n, nil
}

func (s *Store) ListOutbox(ctx context.Context, f sharedDomain.OutboxFilter) ([]sharedDomain.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]sharedDomain.OutboxEvent, 0)
	for _, e := range s.outbox {
		if f.AggregateID != "" && e.AggregateID != f.AggregateID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, *e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Verificación en tiempo de compilación.
var (
	_ auctionDomain.AuctionRepository      = (*Store)(nil)
	_ sharedDomain.OutboxRepository        = (*Store)(nil)
	_ sharedDomain.OutboxArchiveRepository = (*Store)(nil)
	_ sharedDomain.OutboxQueryRepository   = (*Store)(nil)
)
