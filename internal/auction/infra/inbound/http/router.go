package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davicafu/auctionlab/internal/shared/infra/metrics"
)

// RegisterAuctionRoutes registra las rutas HTTP para el dominio de subastas.
func RegisterAuctionRoutes(r *gin.Engine, handler *AuctionHandler) {
	// Agrupamos todas las rutas bajo el prefijo "/auctions"
	auctions := r.Group("/auctions")
	{
		auctions.POST("", handler.CreateAuction)       // Crear una nueva subasta
		auctions.GET("", handler.ListAuctions)         // Listar con filtros
		auctions.GET("/:id", handler.GetAuction)       // Obtener una subasta por su ID
		auctions.PUT("/:id", handler.UpdateAuction)    // Actualizar una subasta existente
		auctions.DELETE("/:id", handler.DeleteAuction) // Eliminar una subasta
	}
}

// NewRouter monta el engine con métricas, health y las rutas de negocio.
// outbox puede ser nil si el store no permite inspección.
func NewRouter(handler *AuctionHandler, outbox *OutboxHandler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), metrics.GinMiddleware())

	RegisterAuctionRoutes(router, handler)
	if outbox != nil {
		router.GET("/outbox", outbox.ListOutbox)
		router.GET("/outbox/stats", outbox.DeliveryStats)
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}
