package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	auctionDomain "github.com/davicafu/auctionlab/internal/auction/domain"
	sharedEvents "github.com/davicafu/auctionlab/internal/shared/domain/events"
	"github.com/davicafu/auctionlab/internal/shared/infra/metrics"
	sharedUtils "github.com/davicafu/auctionlab/internal/shared/infra/utils"
)

// AuctionService es la interfaz que define los métodos que el consumidor necesita.
type AuctionService interface {
	RecordHighBid(ctx context.Context, msg auctionDomain.BidPlacedMessage) error
	FinishAuction(ctx context.Context, msg auctionDomain.AuctionFinishedMessage) error
}

// BidConsumer procesa los eventos del servicio de pujas (bid.placed, auction.finished).
// Ambos son idempotentes: una puja repetida o menor y un cierre repetido no cambian nada.
type BidConsumer struct {
	service AuctionService
	log     *zap.Logger
	timeout time.Duration
}

// NewBidConsumer es el constructor.
func NewBidConsumer(service AuctionService, logger *zap.Logger) *BidConsumer {
	return &BidConsumer{
		service: service,
		log:     logger,
		timeout: 5 * time.Second,
	}
}

// HandleMessage es el punto de entrada para un nuevo mensaje/evento. Devuelve
// error solo en fallos transitorios, que el adaptador reintenta.
func (c *BidConsumer) HandleMessage(ctx context.Context, key string, payload []byte) error {
	var base sharedEvents.InboundEvent
	if err := json.Unmarshal(payload, &base); err != nil {
		c.log.Warn("Failed to unmarshal inbound event", zap.String("key", key), zap.Error(err))
		metrics.InboundMessages.WithLabelValues("unknown", "malformed").Inc()
		return nil
	}

	var err error
	switch base.Type {
	case auctionDomain.BidPlaced:
		err = sharedUtils.UnmarshalAndHandle(c.log, base.Data, func(msg auctionDomain.BidPlacedMessage) error {
			return c.withTimeout(ctx, func(ctx context.Context) error {
				return c.service.RecordHighBid(ctx, msg)
			})
		})

	case auctionDomain.BidAuctionFinished:
		err = sharedUtils.UnmarshalAndHandle(c.log, base.Data, func(msg auctionDomain.AuctionFinishedMessage) error {
			return c.withTimeout(ctx, func(ctx context.Context) error {
				return c.service.FinishAuction(ctx, msg)
			})
		})

	default:
		c.log.Warn("Unknown inbound event type", zap.String("type", base.Type), zap.String("key", key))
		metrics.InboundMessages.WithLabelValues(base.Type, "ignored").Inc()
		return nil
	}

	switch {
	case err == nil:
		metrics.InboundMessages.WithLabelValues(base.Type, "ok").Inc()
		return nil
	case errors.Is(err, auctionDomain.ErrAuctionNotFound):
		// La subasta ya no existe (borrada): no hay nada que actualizar.
		c.log.Warn("Inbound event for unknown auction",
			zap.String("event_id", base.EventID),
			zap.String("type", base.Type),
			zap.String("key", key),
		)
		metrics.InboundMessages.WithLabelValues(base.Type, "not_found").Inc()
		return nil
	default:
		c.log.Warn("Failed to process inbound event",
			zap.String("event_id", base.EventID),
			zap.String("type", base.Type),
			zap.Error(err),
		)
		metrics.InboundMessages.WithLabelValues(base.Type, "error").Inc()
		return err
	}
}

// Helper para ejecutar la acción con contexto limitado.
func (c *BidConsumer) withTimeout(ctx context.Context, action func(ctx context.Context) error) error {
	ctxAction, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return action(ctxAction)
}
