package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davicafu/auctionlab/internal/auction/application"
	auctionDomain "github.com/davicafu/auctionlab/internal/auction/domain"
	sharedQuery "github.com/davicafu/auctionlab/internal/shared/infra/platform/query"
	"github.com/davicafu/auctionlab/pkg/utils"
)

// UserHeader lo rellena el gateway con el usuario autenticado.
const UserHeader = "X-User"

// AuctionHandler encapsula los endpoints HTTP relacionados con Auction.
type AuctionHandler struct {
	service *application.AuctionService
	log     *zap.Logger
}

// NewAuctionHandler crea un nuevo AuctionHandler.
func NewAuctionHandler(service *application.AuctionService, log *zap.Logger) *AuctionHandler {
	return &AuctionHandler{service: service, log: log}
}

type createAuctionRequest struct {
	Make         string    `json:"make"`
	Model        string    `json:"model"`
	Year         int       `json:"year"`
	Color        string    `json:"color"`
	Mileage      int       `json:"mileage"`
	ImageURL     string    `json:"imageUrl"`
	ReservePrice *int      `json:"reservePrice"`
	AuctionStart time.Time `json:"auctionStart"`
	AuctionEnd   time.Time `json:"auctionEnd"`
}

// Usamos punteros para que los campos sean opcionales en el JSON
type updateAuctionRequest struct {
	Make         *string    `json:"make,omitempty"`
	Model        *string    `json:"model,omitempty"`
	Year         *int       `json:"year,omitempty"`
	Color        *string    `json:"color,omitempty"`
	Mileage      *int       `json:"mileage,omitempty"`
	ImageURL     *string    `json:"imageUrl,omitempty"`
	ReservePrice *int       `json:"reservePrice,omitempty"`
	AuctionStart *time.Time `json:"auctionStart,omitempty"`
	AuctionEnd   *time.Time `json:"auctionEnd,omitempty"`
	Status       *string    `json:"status,omitempty"`
	Version      *int64     `json:"version,omitempty"`
}

func (r updateAuctionRequest) toPatch() (auctionDomain.AuctionPatch, error) {
	patch := auctionDomain.AuctionPatch{
		Make:         r.Make,
		Model:        r.Model,
		Year:         r.Year,
		Color:        r.Color,
		Mileage:      r.Mileage,
		ImageURL:     r.ImageURL,
		ReservePrice: r.ReservePrice,
		AuctionStart: r.AuctionStart,
		AuctionEnd:   r.AuctionEnd,
	}
	if r.Status != nil {
		status, ok := auctionDomain.ParseStatus(*r.Status)
		if !ok {
			return patch, auctionDomain.NewValidationError("status", "must be one of: draft live ended cancelled")
		}
		patch.Status = &status
	}
	return patch, nil
}

// --- Helpers ---

func etag(version int64) string {
	return fmt.Sprintf("%q", strconv.FormatInt(version, 10))
}

// ifMatch lee la versión esperada de If-Match ("3", W/"3" o 3). nil si no viene.
func ifMatch(c *gin.Context) (*int64, error) {
	raw := strings.TrimSpace(c.GetHeader("If-Match"))
	if raw == "" {
		return nil, nil
	}
	raw = strings.Trim(strings.TrimPrefix(raw, "W/"), `"`)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, auctionDomain.NewValidationError("If-Match", "must be the auction version")
	}
	return &v, nil
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.SendBadRequest(c, "invalid auction id")
		return uuid.Nil, false
	}
	return id, true
}

// handleError traduce los errores del servicio a respuestas HTTP.
func (h *AuctionHandler) handleError(c *gin.Context, err error) {
	var verr *auctionDomain.ValidationError
	switch {
	case errors.As(err, &verr):
		utils.SendValidationError(c, auctionDomain.ErrInvalidAuction.Error(), verr.Fields)
	case errors.Is(err, auctionDomain.ErrAuctionNotFound):
		utils.SendNotFound(c, "auction not found")
	case errors.Is(err, auctionDomain.ErrConcurrencyConflict):
		utils.SendConflict(c, err.Error())
	default:
		h.log.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		utils.SendInternalServerError(c, "internal error")
	}
}

// --- Handlers CRUD ---

// CreateAuction endpoint POST /auctions
func (h *AuctionHandler) CreateAuction(c *gin.Context) {
	var req createAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}
	if req.ReservePrice == nil {
		h.handleError(c, auctionDomain.NewValidationError("reservePrice", "is required"))
		return
	}

	a, err := h.service.CreateAuction(c.Request.Context(), application.CreateAuctionInput{
		Seller: c.GetHeader(UserHeader),
		Item: auctionDomain.Item{
			Make:     req.Make,
			Model:    req.Model,
			Year:     req.Year,
			Color:    req.Color,
			Mileage:  req.Mileage,
			ImageURL: req.ImageURL,
		},
		ReservePrice: *req.ReservePrice,
		AuctionStart: req.AuctionStart,
		AuctionEnd:   req.AuctionEnd,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.Header("Location", "/auctions/"+a.ID.String())
	c.Header("ETag", etag(a.Version))
	c.JSON(http.StatusCreated, a.View())
}

// GetAuction endpoint GET /auctions/:id
func (h *AuctionHandler) GetAuction(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	a, err := h.service.GetAuction(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.Header("ETag", etag(a.Version))
	c.JSON(http.StatusOK, a.View())
}

// UpdateAuction endpoint PUT /auctions/:id. La versión esperada llega en
// If-Match o en el campo version; If-Match tiene prioridad.
func (h *AuctionHandler) UpdateAuction(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req updateAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}
	patch, err := req.toPatch()
	if err != nil {
		h.handleError(c, err)
		return
	}
	expected, err := ifMatch(c)
	if err != nil {
		h.handleError(c, err)
		return
	}
	if expected == nil {
		expected = req.Version
	}

	a, err := h.service.UpdateAuction(c.Request.Context(), id, patch, expected)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.Header("ETag", etag(a.Version))
	c.JSON(http.StatusOK, a.View())
}

// DeleteAuction endpoint DELETE /auctions/:id
func (h *AuctionHandler) DeleteAuction(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	expected, err := ifMatch(c)
	if err != nil {
		h.handleError(c, err)
		return
	}

	if err := h.service.DeleteAuction(c.Request.Context(), id, expected); err != nil {
		h.handleError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// ListAuctions endpoint GET /auctions con filtros, paginación y ordenamiento.
// Sin coincidencias responde 200 con [].
func (h *AuctionHandler) ListAuctions(c *gin.Context) {
	filter := application.AuctionFilter{
		Seller: c.Query("seller"),
		Status: c.Query("status"),
	}

	// --- Filtros desde query params ---
	if raw := c.Query("updatedAfter"); raw != "" {
		after, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			h.handleError(c, auctionDomain.NewValidationError("updatedAfter", "must be an RFC 3339 timestamp"))
			return
		}
		filter.UpdatedAfter = &after
	}

	// --- Sort ---
	if sortField := c.Query("sort_field"); sortField != "" {
		filter.Sort = sharedQuery.Sort{Field: sortField, Desc: c.Query("sort_desc") == "true"}
	}

	// --- Paginación (0 = sin límite) ---
	limit, errLimit := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, errOffset := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if errLimit != nil || errOffset != nil || limit < 0 || offset < 0 {
		h.handleError(c, auctionDomain.NewValidationError("limit", "limit and offset must be non-negative integers"))
		return
	}
	filter.Pagination = sharedQuery.OffsetPagination{Limit: limit, Offset: offset}

	// --- Llamada al servicio ---
	auctions, err := h.service.ListAuctions(c.Request.Context(), filter)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, auctionDomain.Views(auctions))
}
