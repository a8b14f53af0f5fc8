package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuctionView es la forma externa (plana) de una subasta, la que devuelve
// la API y la que viaja como snapshot en auction.created / auction.updated.
type AuctionView struct {
	ID             uuid.UUID     `json:"id"`
	ReservePrice   int           `json:"reservePrice"`
	Seller         string        `json:"seller"`
	Winner         string        `json:"winner,omitempty"`
	SoldAmount     *int          `json:"soldAmount,omitempty"`
	CurrentHighBid *int          `json:"currentHighBid,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	AuctionStart   time.Time     `json:"auctionStart"`
	AuctionEnd     time.Time     `json:"auctionEnd"`
	Status         AuctionStatus `json:"status"`
	Make           string        `json:"make"`
	Model          string        `json:"model"`
	Year           int           `json:"year"`
	Color          string        `json:"color"`
	Mileage        int           `json:"mileage"`
	ImageURL       string        `json:"imageUrl,omitempty"`
	Version        int64         `json:"version"`
}

func (a *Auction) View() AuctionView {
	c := a.Clone()
	return AuctionView{
		ID:             c.ID,
		ReservePrice:   c.ReservePrice,
		Seller:         c.Seller,
		Winner:         c.Winner,
		SoldAmount:     c.SoldAmount,
		CurrentHighBid: c.CurrentHighBid,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
		AuctionStart:   c.AuctionStart,
		AuctionEnd:     c.AuctionEnd,
		Status:         c.Status,
		Make:           c.Item.Make,
		Model:          c.Item.Model,
		Year:           c.Item.Year,
		Color:          c.Item.Color,
		Mileage:        c.Item.Mileage,
		ImageURL:       c.Item.ImageURL,
		Version:        c.Version,
	}
}

// Views mapea una lista; nunca devuelve nil para que el JSON sea [] y no null.
func Views(list []*Auction) []AuctionView {
	out := make([]AuctionView, 0, len(list))
	for _, a := range list {
		out = append(out, a.View())
	}
	return out
}
