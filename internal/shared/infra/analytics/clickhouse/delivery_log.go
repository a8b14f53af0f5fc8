package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
)

// DeliveryLog guarda en ClickHouse una fila por evento entregado para
// analítica (latencia de entrega, reintentos por tipo de evento).
type DeliveryLog struct {
	db  *sql.DB
	now func() time.Time
}

// NewDeliveryLog es el constructor.
func NewDeliveryLog(addr string, dbName string) (*DeliveryLog, error) {
	conn := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: dbName,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("could not ping clickhouse: %w", err)
	}

	return newDeliveryLog(conn), nil
}

func newDeliveryLog(db *sql.DB) *DeliveryLog {
	return &DeliveryLog{db: db, now: time.Now}
}

// RecordDelivered inserta el lote entregado. ClickHouse funciona mejor con inserciones en lotes.
func (r *DeliveryLog) RecordDelivered(ctx context.Context, events []sharedDomain.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO outbox_deliveries (event_id, event_type, auction_id, sequence, version, attempts, created_at, delivered_at)")
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	deliveredAt := r.now().UTC()
	for _, evt := range events {
		if _, err := stmt.ExecContext(
			ctx,
			evt.ID,
			evt.EventType,
			evt.AggregateID,
			evt.Sequence,
			evt.AggregateVersion,
			uint32(evt.Attempts),
			evt.CreatedAt,
			deliveredAt,
		); err != nil {
			// Si un registro falla, hacemos rollback de todo el lote.
			tx.Rollback()
			return fmt.Errorf("failed to exec statement for event %s: %w", evt.ID, err)
		}
	}

	return tx.Commit()
}

// Stats agrega las entregas entre start y end por tipo de evento.
func (r *DeliveryLog) Stats(ctx context.Context, start, end time.Time) ([]sharedDomain.DeliveryStats, error) {
	query := `
		SELECT
			event_type,
			count() AS delivered,
			avg(dateDiff('millisecond', created_at, delivered_at)) AS avg_latency_ms,
			100 * countIf(attempts > 0) / count() AS retried_pct
		FROM outbox_deliveries
		WHERE delivered_at BETWEEN ? AND ?
		GROUP BY event_type
		ORDER BY event_type
	`
	rows, err := r.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := []sharedDomain.DeliveryStats{}
	for rows.Next() {
		var s sharedDomain.DeliveryStats
		if err := rows.Scan(&s.EventType, &s.Delivered, &s.AvgLatencyMs, &s.RetriedPercent); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// InitSchema crea la tabla en ClickHouse si no existe.
func (r *DeliveryLog) InitSchema(ctx context.Context) error {
	// Particionada por mes y ordenada por los campos de consulta habituales.
	query := `
		CREATE TABLE IF NOT EXISTS outbox_deliveries (
			event_id     UUID,
			event_type   LowCardinality(String),
			auction_id   String,
			sequence     Int64,
			version      Int64,
			attempts     UInt32,
			created_at   DateTime64(6),
			delivered_at DateTime64(6)
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(delivered_at)
		ORDER BY (event_type, delivered_at);
	`
	_, err := r.db.ExecContext(ctx, query)
	return err
}

func (r *DeliveryLog) Close() error {
	return r.db.Close()
}

var _ sharedDomain.DeliveryStatsReader = (*DeliveryLog)(nil)
