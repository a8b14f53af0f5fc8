package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	auctionDomain "github.com/davicafu/auctionlab/internal/auction/domain"
	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
	sharedQuery "github.com/davicafu/auctionlab/internal/shared/infra/platform/query"
	sharedUtils "github.com/davicafu/auctionlab/internal/shared/infra/utils"
)

type auctionRow struct {
	ID             string        `db:"id"`
	Seller         string        `db:"seller"`
	Winner         string        `db:"winner"`
	Make           string        `db:"make"`
	Model          string        `db:"model"`
	Year           int           `db:"year"`
	Color          string        `db:"color"`
	Mileage        int           `db:"mileage"`
	ImageURL       string        `db:"image_url"`
	ReservePrice   int           `db:"reserve_price"`
	CurrentHighBid sql.NullInt64 `db:"current_high_bid"`
	SoldAmount     sql.NullInt64 `db:"sold_amount"`
	AuctionStart   int64         `db:"auction_start"`
	AuctionEnd     int64         `db:"auction_end"`
	Status         string        `db:"status"`
	Version        int64         `db:"version"`
	CreatedAt      int64         `db:"created_at"`
	UpdatedAt      int64         `db:"updated_at"`
}

const auctionColumns = `id, seller, winner, make, model, year, color, mileage, image_url,
	reserve_price, current_high_bid, sold_amount, auction_start, auction_end,
	status, version, created_at, updated_at`

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func toAuctionRow(a *auctionDomain.Auction) auctionRow {
	return auctionRow{
		ID:             a.ID.String(),
		Seller:         a.Seller,
		Winner:         a.Winner,
		Make:           a.Item.Make,
		Model:          a.Item.Model,
		Year:           a.Item.Year,
		Color:          a.Item.Color,
		Mileage:        a.Item.Mileage,
		ImageURL:       a.Item.ImageURL,
		ReservePrice:   a.ReservePrice,
		CurrentHighBid: nullInt(a.CurrentHighBid),
		SoldAmount:     nullInt(a.SoldAmount),
		AuctionStart:   toMicros(a.AuctionStart),
		AuctionEnd:     toMicros(a.AuctionEnd),
		Status:         string(a.Status),
		Version:        a.Version,
		CreatedAt:      toMicros(a.CreatedAt),
		UpdatedAt:      toMicros(a.UpdatedAt),
	}
}

func (r auctionRow) toDomain() (*auctionDomain.Auction, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID in DB: %w", err)
	}
	return &auctionDomain.Auction{
		ID:     id,
		Seller: r.Seller,
		Winner: r.Winner,
		Item: auctionDomain.Item{
			Make:     r.Make,
			Model:    r.Model,
			Year:     r.Year,
			Color:    r.Color,
			Mileage:  r.Mileage,
			ImageURL: r.ImageURL,
		},
		ReservePrice:   r.ReservePrice,
		CurrentHighBid: intPtr(r.CurrentHighBid),
		SoldAmount:     intPtr(r.SoldAmount),
		AuctionStart:   fromMicros(r.AuctionStart),
		AuctionEnd:     fromMicros(r.AuctionEnd),
		Status:         auctionDomain.AuctionStatus(r.Status),
		Version:        r.Version,
		CreatedAt:      fromMicros(r.CreatedAt),
		UpdatedAt:      fromMicros(r.UpdatedAt),
	}, nil
}

// ------------------ CRUD + Outbox ------------------

// Create inserta la subasta y su evento en una transacción
func (s *Store) Create(ctx context.Context, a *auctionDomain.Auction, evt sharedDomain.OutboxEvent) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx,
			`INSERT INTO auctions (`+auctionColumns+`) VALUES (
				:id, :seller, :winner, :make, :model, :year, :color, :mileage, :image_url,
				:reserve_price, :current_high_bid, :sold_amount, :auction_start, :auction_end,
				:status, :version, :created_at, :updated_at)`,
			toAuctionRow(a),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return auctionDomain.ErrAuctionAlreadyExists
			}
			return fmt.Errorf("db error: %w", err)
		}
		return insertOutboxTx(ctx, tx, evt)
	})
}

// Update aplica el compare-and-swap sobre version y añade el evento en la misma transacción
func (s *Store) Update(ctx context.Context, a *auctionDomain.Auction, evt sharedDomain.OutboxEvent) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		row := toAuctionRow(a)
		res, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE auctions SET winner=?, make=?, model=?, year=?, color=?, mileage=?, image_url=?,
				reserve_price=?, current_high_bid=?, sold_amount=?, auction_start=?, auction_end=?,
				status=?, version=?, updated_at=?
			 WHERE id=? AND version=?`),
			row.Winner, row.Make, row.Model, row.Year, row.Color, row.Mileage, row.ImageURL,
			row.ReservePrice, row.CurrentHighBid, row.SoldAmount, row.AuctionStart, row.AuctionEnd,
			row.Status, row.Version, row.UpdatedAt,
			row.ID, a.Version-1,
		)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if err := casOutcome(ctx, tx, res, row.ID); err != nil {
			return err
		}
		return insertOutboxTx(ctx, tx, evt)
	})
}

// DeleteByID borra la subasta si sigue en expectedVersion y añade el evento
func (s *Store) DeleteByID(ctx context.Context, id uuid.UUID, expectedVersion int64, evt sharedDomain.OutboxEvent) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM auctions WHERE id=? AND version=?`), id.String(), expectedVersion)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if err := casOutcome(ctx, tx, res, id.String()); err != nil {
			return err
		}
		return insertOutboxTx(ctx, tx, evt)
	})
}

// casOutcome distingue, cuando el CAS no afecta filas, entre subasta inexistente y versión obsoleta.
func casOutcome(ctx context.Context, tx *sqlx.Tx, res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get RowsAffected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var count int
	if err := tx.GetContext(ctx, &count, tx.Rebind(`SELECT COUNT(1) FROM auctions WHERE id=?`), id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if count == 0 {
		return auctionDomain.ErrAuctionNotFound
	}
	return auctionDomain.ErrConcurrencyConflict
}

// ------------------ Lectura ------------------

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*auctionDomain.Auction, error) {
	var row auctionRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+auctionColumns+` FROM auctions WHERE id=?`), id.String())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auctionDomain.ErrAuctionNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return row.toDomain()
}

// filterColumns son las columnas que los criterios pueden referenciar.
var filterColumns = map[string]bool{
	"seller":      true,
	"status":      true,
	"updated_at":  true,
	"created_at":  true,
	"auction_end": true,
}

// Traduce criterios neutrales a SQL con '?'; Rebind los adapta al driver.
func applyCriteria(criteria sharedDomain.Criteria) (string, []interface{}, error) {
	var clauses []string
	var args []interface{}
	for _, c := range sharedDomain.Conditions(criteria) {
		if !filterColumns[c.Field] {
			return "", nil, fmt.Errorf("unsupported filter field %q", c.Field)
		}
		value := c.Value
		if t, ok := value.(time.Time); ok {
			value = toMicros(t)
		}

		switch c.Op {
		case sharedDomain.OpEqFold:
			clauses = append(clauses, fmt.Sprintf("LOWER(%s) = LOWER(?)", c.Field))
		case sharedDomain.OpEq, sharedDomain.OpGt, sharedDomain.OpGte, sharedDomain.OpLt, sharedDomain.OpLte:
			clauses = append(clauses, fmt.Sprintf("%s %s ?", c.Field, c.Op))
		default:
			return "", nil, fmt.Errorf("unsupported operator %q", c.Op)
		}
		args = append(args, value)
	}
	return strings.Join(clauses, " AND "), args, nil
}

func (s *Store) ListByCriteria(ctx context.Context, criteria sharedDomain.Criteria, pagination sharedQuery.Pagination, sort sharedQuery.Sort) ([]*auctionDomain.Auction, error) {
	whereSQL, args, err := applyCriteria(criteria)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + auctionColumns + " FROM auctions"
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	sort = auctionDomain.NormalizeSort(sort)
	query += fmt.Sprintf(" ORDER BY %s %s, id ASC", sort.Field, sharedUtils.Ternary(sort.Desc, "DESC", "ASC"))

	// --- Paginación ---
	if p, ok := pagination.(sharedQuery.OffsetPagination); ok {
		switch {
		case p.Limit > 0:
			query += " LIMIT ? OFFSET ?"
			args = append(args, p.Limit, p.Offset)
		case p.Offset > 0:
			query += s.dialect.unboundedOffset()
			args = append(args, p.Offset)
		}
	}

	var rows []auctionRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	auctions := make([]*auctionDomain.Auction, 0, len(rows))
	for _, row := range rows {
		a, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		auctions = append(auctions, a)
	}
	return auctions, nil
}

// unboundedOffset aplica OFFSET sin límite, que cada motor escribe distinto.
func (d Dialect) unboundedOffset() string {
	switch d {
	case DialectPostgres:
		return " OFFSET ?"
	case DialectMySQL:
		return " LIMIT 18446744073709551615 OFFSET ?"
	default:
		return " LIMIT -1 OFFSET ?"
	}
}

// Verificación en tiempo de compilación.
var _ auctionDomain.AuctionRepository = (*Store)(nil)
