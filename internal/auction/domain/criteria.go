package domain

import (
	"time"

	shared "github.com/davicafu/auctionlab/internal/shared/domain"
)

// --- Criterios específicos para el dominio Auction ---

// SellerCriteria filtra por vendedor. Con Fold la comparación ignora mayúsculas.
type SellerCriteria struct {
	Seller string
	Fold   bool
}

func (c SellerCriteria) ToConditions() []shared.Criterion {
	op := shared.OpEq
	if c.Fold {
		op = shared.OpEqFold
	}
	return []shared.Criterion{{Field: "seller", Op: op, Value: c.Seller}}
}

// -----------------------------------------------------------

// UpdatedAfterCriteria devuelve las subastas modificadas estrictamente después
// de After (sincronización incremental de consumidores como search).
type UpdatedAfterCriteria struct {
	After time.Time
}

func (c UpdatedAfterCriteria) ToConditions() []shared.Criterion {
	return []shared.Criterion{{Field: "updated_at", Op: shared.OpGt, Value: c.After.UTC()}}
}

// -----------------------------------------------------------

// StatusCriteria filtra por estado.
type StatusCriteria struct {
	Status AuctionStatus
}

func (c StatusCriteria) ToConditions() []shared.Criterion {
	return []shared.Criterion{{Field: "status", Op: shared.OpEq, Value: string(c.Status)}}
}
