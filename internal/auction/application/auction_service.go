package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	auctionDomain "github.com/davicafu/auctionlab/internal/auction/domain"
	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
	sharedCache "github.com/davicafu/auctionlab/internal/shared/infra/platform/cache"
	sharedQuery "github.com/davicafu/auctionlab/internal/shared/infra/platform/query"
	sharedUtils "github.com/davicafu/auctionlab/internal/shared/infra/utils"
)

// ErrIDCollision: el ID generado ya existía dos veces seguidas. Es un error interno.
var ErrIDCollision = errors.New("could not allocate a unique auction id")

// maxConflictRetries acota los reintentos de las mutaciones que llegan por
// eventos (pujas, cierre), que no tienen un cliente al que devolver el 409.
const maxConflictRetries = 3

// AuctionFilter son los filtros del listado. Los campos vacíos no filtran.
type AuctionFilter struct {
	Seller       string
	UpdatedAfter *time.Time
	Status       string
	Pagination   sharedQuery.OffsetPagination
	Sort         sharedQuery.Sort
}

// CreateAuctionInput es lo que el cliente aporta al crear una subasta.
type CreateAuctionInput struct {
	Seller       string
	Item         auctionDomain.Item
	ReservePrice int
	AuctionStart time.Time
	AuctionEnd   time.Time
}

// AuctionService define los casos de uso de Auction.
// Incorpora repositorio, caché, logger y tracer.
type AuctionService struct {
	repo         auctionDomain.AuctionRepository
	cache        sharedCache.Cache
	log          *zap.Logger
	tracer       trace.Tracer
	now          func() time.Time
	newID        func() uuid.UUID
	sellerFold   bool
	cacheTTL     int
	storeTimeout time.Duration
}

type Option func(*AuctionService)

func WithClock(now func() time.Time) Option {
	return func(s *AuctionService) { s.now = now }
}

func WithIDGenerator(gen func() uuid.UUID) Option {
	return func(s *AuctionService) { s.newID = gen }
}

// WithSellerFold hace que el filtro por vendedor ignore mayúsculas.
func WithSellerFold(fold bool) Option {
	return func(s *AuctionService) { s.sellerFold = fold }
}

func WithCacheTTL(secs int) Option {
	return func(s *AuctionService) { s.cacheTTL = secs }
}

func WithStoreTimeout(d time.Duration) Option {
	return func(s *AuctionService) { s.storeTimeout = d }
}

// NewAuctionService es el constructor. cache puede ser nil.
func NewAuctionService(repo auctionDomain.AuctionRepository, cache sharedCache.Cache, log *zap.Logger, opts ...Option) *AuctionService {
	s := &AuctionService{
		repo:         repo,
		cache:        cache,
		log:          log,
		tracer:       otel.Tracer("auctionlab/auction"),
		now:          time.Now,
		newID:        uuid.New,
		cacheTTL:     60,
		storeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ---------------- Helpers ----------------

func (s *AuctionService) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *AuctionService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// isTransient distingue los fallos de infraestructura de los resultados normales del store.
func isTransient(err error) bool {
	return !errors.Is(err, auctionDomain.ErrAuctionNotFound) &&
		!errors.Is(err, context.Canceled)
}

// load lee del store (nunca de la caché) reintentando los fallos transitorios.
func (s *AuctionService) load(ctx context.Context, id uuid.UUID) (*auctionDomain.Auction, error) {
	var a *auctionDomain.Auction
	err := sharedUtils.RetryIf(ctx, 3, 100*time.Millisecond, isTransient, func() error {
		storeCtx, cancel := s.storeCtx(ctx)
		defer cancel()

		var errRetry error
		a, errRetry = s.repo.GetByID(storeCtx, id)
		return errRetry
	})
	return a, err
}

// ---------------- Lecturas ----------------

// ListAuctions aplica los filtros sobre el store. Sin coincidencias devuelve una lista vacía.
func (s *AuctionService) ListAuctions(ctx context.Context, f AuctionFilter) (list []*auctionDomain.Auction, err error) {
	ctx, span := s.tracer.Start(ctx, "AuctionService.ListAuctions")
	defer func() { endSpan(span, err) }()

	var parts []sharedDomain.Criteria
	if f.Seller != "" {
		parts = append(parts, auctionDomain.SellerCriteria{Seller: f.Seller, Fold: s.sellerFold})
	}
	if f.UpdatedAfter != nil {
		parts = append(parts, auctionDomain.UpdatedAfterCriteria{After: *f.UpdatedAfter})
	}
	if f.Status != "" {
		status, ok := auctionDomain.ParseStatus(f.Status)
		if !ok {
			return nil, auctionDomain.NewValidationError("status", "must be one of: draft live ended cancelled")
		}
		parts = append(parts, auctionDomain.StatusCriteria{Status: status})
	}

	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	list, err = s.repo.ListByCriteria(storeCtx, sharedDomain.And(parts...), f.Pagination, auctionDomain.NormalizeSort(f.Sort))
	if err != nil {
		s.log.Error("Failed to list auctions", zap.Error(err))
		return nil, err
	}
	if list == nil {
		list = []*auctionDomain.Auction{}
	}
	span.SetAttributes(attribute.Int("auction.count", len(list)))
	return list, nil
}

// GetAuction obtiene una subasta usando el patrón cache-aside con reintentos.
func (s *AuctionService) GetAuction(ctx context.Context, id uuid.UUID) (a *auctionDomain.Auction, err error) {
	ctx, span := s.tracer.Start(ctx, "AuctionService.GetAuction", trace.WithAttributes(attribute.String("auction.id", id.String())))
	defer func() { endSpan(span, err) }()

	key := auctionDomain.AuctionCacheKeyByID(id)

	// 1. Intentar obtener de la caché
	if s.cache != nil {
		var cached auctionDomain.Auction
		if hit, _ := s.cache.Get(ctx, key, &cached); hit {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return &cached, nil
		}
	}

	// 2. Si es 'miss', ir al repositorio con reintentos
	a, err = s.load(ctx, id)
	if err != nil {
		if errors.Is(err, auctionDomain.ErrAuctionNotFound) {
			s.log.Debug("Auction not found", zap.String("auction_id", id.String()))
		} else {
			s.log.Error("Failed to fetch auction", zap.String("auction_id", id.String()), zap.Error(err))
		}
		return nil, err
	}

	// 3. Guardar en caché para la próxima vez
	sharedCache.SetQuietly(ctx, s.cache, key, a, a.Version, s.cacheTTL, s.log)
	return a, nil
}

// ---------------- Escrituras ----------------

// CreateAuction valida la entrada y confirma la subasta junto con su auction.created.
// Nace live si su inicio ya pasó y draft en otro caso.
func (s *AuctionService) CreateAuction(ctx context.Context, in CreateAuctionInput) (a *auctionDomain.Auction, err error) {
	ctx, span := s.tracer.Start(ctx, "AuctionService.CreateAuction")
	defer func() { endSpan(span, err) }()

	now := s.clock()
	a = &auctionDomain.Auction{
		ID:           s.newID(),
		Seller:       in.Seller,
		Item:         in.Item,
		ReservePrice: in.ReservePrice,
		AuctionStart: in.AuctionStart.UTC().Truncate(time.Microsecond),
		AuctionEnd:   in.AuctionEnd.UTC().Truncate(time.Microsecond),
		Status:       auctionDomain.StatusDraft,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if !a.AuctionStart.IsZero() && !a.AuctionStart.After(now) {
		a.Status = auctionDomain.StatusLive
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	// Un choque de ID solo se reintenta una vez, con un ID nuevo.
	for attempt := 0; ; attempt++ {
		err = s.commitCreate(ctx, a)
		if err == nil {
			break
		}
		if !errors.Is(err, auctionDomain.ErrAuctionAlreadyExists) {
			s.log.Error("Failed to create auction", zap.Error(err))
			return nil, err
		}
		if attempt > 0 {
			s.log.Error("Auction id collision persisted", zap.String("auction_id", a.ID.String()))
			return nil, fmt.Errorf("%w: %v", ErrIDCollision, err)
		}
		s.log.Warn("Auction id collision, regenerating", zap.String("auction_id", a.ID.String()))
		a.ID = s.newID()
	}

	span.SetAttributes(attribute.String("auction.id", a.ID.String()))
	s.log.Info("Auction created", zap.String("auction_id", a.ID.String()), zap.String("seller", a.Seller))

	sharedCache.SetQuietly(ctx, s.cache, auctionDomain.AuctionCacheKeyByID(a.ID), a, a.Version, s.cacheTTL, s.log)
	return a, nil
}

func (s *AuctionService) commitCreate(ctx context.Context, a *auctionDomain.Auction) error {
	evt, err := auctionDomain.NewCreatedEvent(a)
	if err != nil {
		return err
	}
	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.repo.Create(storeCtx, a, evt)
}

// UpdateAuction relee el estado actual del store, aplica el patch y confirma
// con compare-and-swap. Con expectedVersion, una versión distinta es un conflicto.
func (s *AuctionService) UpdateAuction(ctx context.Context, id uuid.UUID, patch auctionDomain.AuctionPatch, expectedVersion *int64) (a *auctionDomain.Auction, err error) {
	ctx, span := s.tracer.Start(ctx, "AuctionService.UpdateAuction", trace.WithAttributes(attribute.String("auction.id", id.String())))
	defer func() { endSpan(span, err) }()

	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion != nil && *expectedVersion != current.Version {
		return nil, auctionDomain.ErrConcurrencyConflict
	}

	next := current.Clone()
	if err := next.Apply(patch, s.clock()); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.Version = current.Version + 1

	if err := s.commitUpdate(ctx, next, auctionDomain.NewUpdatedEvent); err != nil {
		return nil, err
	}
	s.log.Info("Auction updated", zap.String("auction_id", id.String()), zap.Int64("version", next.Version))
	return next, nil
}

// commitUpdate confirma next con el evento que construye build e invalida la caché.
func (s *AuctionService) commitUpdate(ctx context.Context, next *auctionDomain.Auction, build func(*auctionDomain.Auction) (sharedDomain.OutboxEvent, error)) error {
	evt, err := build(next)
	if err != nil {
		return err
	}

	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	err = s.repo.Update(storeCtx, next, evt)

	// También tras un conflicto: la entrada en caché puede estar obsoleta.
	sharedCache.Invalidate(ctx, s.cache, auctionDomain.AuctionCacheKeyByID(next.ID), next.Version, s.cacheTTL, s.log)
	return err
}

// DeleteAuction borra la subasta y emite auction.deleted. Sin expectedVersion,
// un conflicto provoca una relectura antes de fallar.
func (s *AuctionService) DeleteAuction(ctx context.Context, id uuid.UUID, expectedVersion *int64) (err error) {
	ctx, span := s.tracer.Start(ctx, "AuctionService.DeleteAuction", trace.WithAttributes(attribute.String("auction.id", id.String())))
	defer func() { endSpan(span, err) }()

	for attempt := 0; ; attempt++ {
		current, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		version := current.Version
		if expectedVersion != nil && *expectedVersion != version {
			return auctionDomain.ErrConcurrencyConflict
		}

		evt, err := auctionDomain.NewDeletedEvent(id, version)
		if err != nil {
			return err
		}
		storeCtx, cancel := s.storeCtx(ctx)
		err = s.repo.DeleteByID(storeCtx, id, version, evt)
		cancel()

		sharedCache.Invalidate(ctx, s.cache, auctionDomain.AuctionCacheKeyByID(id), sharedCache.Tombstone, s.cacheTTL, s.log)

		if errors.Is(err, auctionDomain.ErrConcurrencyConflict) && expectedVersion == nil && attempt == 0 {
			continue
		}
		if err != nil {
			return err
		}
		s.log.Info("Auction deleted", zap.String("auction_id", id.String()))
		return nil
	}
}

// ---------------- Mutaciones por eventos entrantes ----------------

// mutate aplica change sobre el estado actual reintentando los conflictos.
// Si change devuelve false no hay nada que confirmar (evento repetido u obsoleto).
func (s *AuctionService) mutate(
	ctx context.Context,
	id uuid.UUID,
	change func(a *auctionDomain.Auction) bool,
	build func(*auctionDomain.Auction) (sharedDomain.OutboxEvent, error),
) (bool, error) {
	for attempt := 1; ; attempt++ {
		current, err := s.load(ctx, id)
		if err != nil {
			return false, err
		}
		next := current.Clone()
		if !change(next) {
			return false, nil
		}
		next.Version = current.Version + 1

		err = s.commitUpdate(ctx, next, build)
		if errors.Is(err, auctionDomain.ErrConcurrencyConflict) && attempt < maxConflictRetries {
			continue
		}
		return err == nil, err
	}
}

// RecordHighBid guarda una puja aceptada si supera a la actual y emite auction.updated.
// Las pujas rechazadas, menores o sobre subastas cerradas se ignoran.
func (s *AuctionService) RecordHighBid(ctx context.Context, msg auctionDomain.BidPlacedMessage) (err error) {
	ctx, span := s.tracer.Start(ctx, "AuctionService.RecordHighBid", trace.WithAttributes(
		attribute.String("auction.id", msg.AuctionID.String()),
		attribute.Int("bid.amount", msg.Amount),
	))
	defer func() { endSpan(span, err) }()

	if !msg.Accepted() {
		return nil
	}
	changed, err := s.mutate(ctx, msg.AuctionID, func(a *auctionDomain.Auction) bool {
		return a.RecordHighBid(msg.Amount, s.clock())
	}, auctionDomain.NewUpdatedEvent)
	if err != nil {
		return err
	}
	if changed {
		s.log.Info("High bid recorded", zap.String("auction_id", msg.AuctionID.String()), zap.Int("amount", msg.Amount))
	}
	return nil
}

// FinishAuction cierra la subasta (ended) con ganador e importe si se vendió y
// emite auction.finished. Repetir el mensaje no tiene efecto.
func (s *AuctionService) FinishAuction(ctx context.Context, msg auctionDomain.AuctionFinishedMessage) (err error) {
	ctx, span := s.tracer.Start(ctx, "AuctionService.FinishAuction", trace.WithAttributes(
		attribute.String("auction.id", msg.AuctionID.String()),
		attribute.Bool("auction.item_sold", msg.ItemSold),
	))
	defer func() { endSpan(span, err) }()

	changed, err := s.mutate(ctx, msg.AuctionID, func(a *auctionDomain.Auction) bool {
		return a.Finish(msg.ItemSold, msg.Winner, msg.Amount, s.clock())
	}, auctionDomain.NewFinishedEvent)
	if err != nil {
		return err
	}
	if changed {
		s.log.Info("Auction finished", zap.String("auction_id", msg.AuctionID.String()), zap.Bool("item_sold", msg.ItemSold))
	}
	return nil
}
