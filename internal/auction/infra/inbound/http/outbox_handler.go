package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
	"github.com/davicafu/auctionlab/pkg/utils"
)

// OutboxHandler expone el outbox en solo lectura para los operadores
// (p. ej. revisar las entradas failed tras una alerta).
type OutboxHandler struct {
	repo  sharedDomain.OutboxQueryRepository
	stats sharedDomain.DeliveryStatsReader
	log   *zap.Logger
}

func NewOutboxHandler(repo sharedDomain.OutboxQueryRepository, log *zap.Logger) *OutboxHandler {
	return &OutboxHandler{repo: repo, log: log}
}

// WithStats habilita GET /outbox/stats sobre el log de entregas.
func (h *OutboxHandler) WithStats(stats sharedDomain.DeliveryStatsReader) *OutboxHandler {
	h.stats = stats
	return h
}

// ListOutbox endpoint GET /outbox?status=&auctionId=&limit=
func (h *OutboxHandler) ListOutbox(c *gin.Context) {
	f := sharedDomain.OutboxFilter{
		AggregateID: c.Query("auctionId"),
		Status:      sharedDomain.OutboxStatus(c.Query("status")),
	}
	switch f.Status {
	case "", sharedDomain.OutboxPending, sharedDomain.OutboxDelivered, sharedDomain.OutboxFailed:
	default:
		utils.SendBadRequest(c, "status must be one of: pending delivered failed")
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		utils.SendBadRequest(c, "limit must be a non-negative integer")
		return
	}
	f.Limit = limit

	entries, err := h.repo.ListOutbox(c.Request.Context(), f)
	if err != nil {
		h.log.Error("Failed to list outbox", zap.Error(err))
		utils.SendInternalServerError(c, "internal error")
		return
	}
	c.JSON(http.StatusOK, entries)
}

// DeliveryStats endpoint GET /outbox/stats?from=&to= (RFC3339, por defecto las últimas 24h)
func (h *OutboxHandler) DeliveryStats(c *gin.Context) {
	if h.stats == nil {
		utils.SendNotFound(c, "delivery log not configured")
		return
	}

	to := time.Now().UTC()
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			utils.SendBadRequest(c, "to must be an RFC3339 timestamp")
			return
		}
		to = t
	}
	from := to.Add(-24 * time.Hour)
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			utils.SendBadRequest(c, "from must be an RFC3339 timestamp")
			return
		}
		from = t
	}
	if from.After(to) {
		utils.SendBadRequest(c, "from must not be after to")
		return
	}

	stats, err := h.stats.Stats(c.Request.Context(), from, to)
	if err != nil {
		h.log.Error("Failed to read delivery stats", zap.Error(err))
		utils.SendInternalServerError(c, "internal error")
		return
	}
	c.JSON(http.StatusOK, stats)
}
