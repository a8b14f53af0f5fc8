package domain

import (
	"time"

	"github.com/google/uuid"

	sharedBus "github.com/davicafu/auctionlab/internal/shared/infra/platform/bus"
)

type AuctionStatus string

const (
	StatusDraft     AuctionStatus = "draft"
	StatusLive      AuctionStatus = "live"
	StatusEnded     AuctionStatus = "ended"
	StatusCancelled AuctionStatus = "cancelled"
)

// transitions define la máquina de estados: draft → live → ended,
// cancelled alcanzable desde draft o live. ended y cancelled son terminales.
var transitions = map[AuctionStatus][]AuctionStatus{
	StatusDraft: {StatusLive, StatusCancelled},
	StatusLive:  {StatusEnded, StatusCancelled},
}

// ParseStatus valida un estado recibido desde fuera (query string, JSON).
func ParseStatus(s string) (AuctionStatus, bool) {
	switch st := AuctionStatus(s); st {
	case StatusDraft, StatusLive, StatusEnded, StatusCancelled:
		return st, true
	}
	return "", false
}

// IsTerminal indica si no hay transición posible desde s.
func (s AuctionStatus) IsTerminal() bool {
	return s == StatusEnded || s == StatusCancelled
}

// CanTransitionTo indica si el cambio s → next es válido. Quedarse igual siempre lo es.
func (s AuctionStatus) CanTransitionTo(next AuctionStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Item es el vehículo que se subasta.
type Item struct {
	Make     string `json:"make" validate:"required"`
	Model    string `json:"model" validate:"required"`
	Year     int    `json:"year" validate:"gt=0"`
	Color    string `json:"color" validate:"required"`
	Mileage  int    `json:"mileage" validate:"gte=0"`
	ImageURL string `json:"imageUrl" validate:"omitempty,url"`
}

// Auction es el agregado. Solo se muta a través de AuctionService.
type Auction struct {
	ID             uuid.UUID     `json:"id"`
	Seller         string        `json:"seller" validate:"required"`
	Winner         string        `json:"winner,omitempty"`
	Item           Item          `json:"item"`
	ReservePrice   int           `json:"reservePrice" validate:"gte=0"`
	CurrentHighBid *int          `json:"currentHighBid,omitempty" validate:"omitempty,gte=0"`
	SoldAmount     *int          `json:"soldAmount,omitempty"`
	AuctionStart   time.Time     `json:"auctionStart" validate:"required"`
	AuctionEnd     time.Time     `json:"auctionEnd" validate:"required,gtfield=AuctionStart"`
	Status         AuctionStatus `json:"status" validate:"oneof=draft live ended cancelled"`
	Version        int64         `json:"version"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

func (a *Auction) PartitionKey() string {
	return a.ID.String()
}

// Clone devuelve una copia profunda (los punteros no se comparten).
func (a *Auction) Clone() *Auction {
	c := *a
	if a.CurrentHighBid != nil {
		v := *a.CurrentHighBid
		c.CurrentHighBid = &v
	}
	if a.SoldAmount != nil {
		v := *a.SoldAmount
		c.SoldAmount = &v
	}
	return &c
}

// AuctionPatch es una actualización parcial; los campos nil no se tocan.
type AuctionPatch struct {
	Make         *string
	Model        *string
	Year         *int
	Color        *string
	Mileage      *int
	ImageURL     *string
	ReservePrice *int
	AuctionStart *time.Time
	AuctionEnd   *time.Time
	Status       *AuctionStatus
}

// --- Métodos de dominio ---

// Apply aplica el patch sobre la subasta. Una subasta terminal no admite
// cambios y las transiciones de estado se validan contra la máquina de estados.
func (a *Auction) Apply(p AuctionPatch, now time.Time) error {
	if a.Status.IsTerminal() {
		return NewValidationError("status", "auction is "+string(a.Status)+" and cannot be modified")
	}
	if p.Status != nil && !a.Status.CanTransitionTo(*p.Status) {
		return NewValidationError("status", "cannot transition from "+string(a.Status)+" to "+string(*p.Status))
	}

	if p.Make != nil {
		a.Item.Make = *p.Make
	}
	if p.Model != nil {
		a.Item.Model = *p.Model
	}
	if p.Year != nil {
		a.Item.Year = *p.Year
	}
	if p.Color != nil {
		a.Item.Color = *p.Color
	}
	if p.Mileage != nil {
		a.Item.Mileage = *p.Mileage
	}
	if p.ImageURL != nil {
		a.Item.ImageURL = *p.ImageURL
	}
	if p.ReservePrice != nil {
		a.ReservePrice = *p.ReservePrice
	}
	if p.AuctionStart != nil {
		a.AuctionStart = p.AuctionStart.UTC().Truncate(time.Microsecond)
	}
	if p.AuctionEnd != nil {
		a.AuctionEnd = p.AuctionEnd.UTC().Truncate(time.Microsecond)
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	a.touch(now)
	return nil
}

// RecordHighBid registra una puja aceptada. Devuelve false si no supera a la actual
// o si la subasta ya no está abierta (el mensaje se ignora).
func (a *Auction) RecordHighBid(amount int, now time.Time) bool {
	if a.Status.IsTerminal() {
		return false
	}
	if a.CurrentHighBid != nil && amount <= *a.CurrentHighBid {
		return false
	}
	a.CurrentHighBid = &amount
	a.touch(now)
	return true
}

// Finish cierra la subasta. Si se vendió, guarda ganador e importe.
// Devuelve false si ya estaba terminada (idempotente).
func (a *Auction) Finish(itemSold bool, winner string, amount *int, now time.Time) bool {
	if a.Status.IsTerminal() {
		return false
	}
	a.Status = StatusEnded
	if itemSold {
		a.Winner = winner
		if amount != nil {
			v := *amount
			a.SoldAmount = &v
		}
	}
	a.touch(now)
	return true
}

func (a *Auction) touch(now time.Time) {
	a.UpdatedAt = now.UTC().Truncate(time.Microsecond)
}

// Verificación estática para asegurar que Auction implementa la interfaz
var _ sharedBus.Keyer = (*Auction)(nil)
