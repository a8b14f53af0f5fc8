package domain

import (
	"context"
	"errors"
	"fmt"

	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
	sharedQuery "github.com/davicafu/auctionlab/internal/shared/infra/platform/query"
	"github.com/google/uuid"
)

// ---------- Errores de dominio ----------
var (
	ErrAuctionNotFound      = errors.New("auction not found")
	ErrAuctionAlreadyExists = errors.New("auction already exists")
	ErrInvalidAuction       = errors.New("invalid auction")
	// ErrConcurrencyConflict: la versión cambió desde que se leyó. Reintentable por el cliente.
	ErrConcurrencyConflict = errors.New("auction was modified concurrently")
)

// ---------- Interfaces (Ports) ----------

// AuctionRepository es el Auction Store: cada mutación se confirma junto con
// su entrada de outbox en una única transacción (todo o nada).
type AuctionRepository interface {
	// Debe devolver ErrAuctionAlreadyExists si el ID ya existe.
	Create(ctx context.Context, a *Auction, evt sharedDomain.OutboxEvent) error

	// Debe devolver ErrAuctionNotFound si no existe.
	GetByID(ctx context.Context, id uuid.UUID) (*Auction, error)

	// Update escribe a (con a.Version ya incrementada) solo si la versión
	// almacenada es a.Version-1. ErrAuctionNotFound o ErrConcurrencyConflict si no.
	Update(ctx context.Context, a *Auction, evt sharedDomain.OutboxEvent) error

	// DeleteByID borra solo si la versión almacenada es expectedVersion.
	DeleteByID(ctx context.Context, id uuid.UUID, expectedVersion int64, evt sharedDomain.OutboxEvent) error

	// ListByCriteria nunca devuelve error por no encontrar coincidencias.
	// Sin criterios devuelve todo ordenado por created_at ascendente.
	ListByCriteria(ctx context.Context, criteria sharedDomain.Criteria, pagination sharedQuery.Pagination, sort sharedQuery.Sort) ([]*Auction, error)
}

// ---------- Helpers comunes (cache keys, etc.) ----------

func AuctionCacheKeyByID(id uuid.UUID) string {
	return fmt.Sprintf("auction:id:%s", id.String())
}

// SortableFields son los campos por los que se permite ordenar desde fuera.
var SortableFields = map[string]bool{
	"created_at":    true,
	"updated_at":    true,
	"auction_end":   true,
	"auction_start": true,
	"reserve_price": true,
	"make":          true,
}

// NormalizeSort aplica el orden por defecto (created_at ASC) y descarta campos no permitidos.
func NormalizeSort(s sharedQuery.Sort) sharedQuery.Sort {
	if !SortableFields[s.Field] {
		return sharedQuery.Sort{Field: "created_at"}
	}
	return s
}
