package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	sharedDomain "github.com/davicafu/auctionlab/internal/shared/domain"
)

type outboxRow struct {
	Seq              int64         `db:"seq"`
	ID               string        `db:"id"`
	AggregateType    string        `db:"aggregate_type"`
	AggregateID      string        `db:"aggregate_id"`
	AggregateVersion int64         `db:"aggregate_version"`
	EventType        string        `db:"event_type"`
	Payload          string        `db:"payload"`
	Status           string        `db:"status"`
	Attempts         int           `db:"attempts"`
	LastError        string        `db:"last_error"`
	NextAttemptAt    int64         `db:"next_attempt_at"`
	ClaimToken       string        `db:"claim_token"`
	ClaimedUntil     int64         `db:"claimed_until"`
	CreatedAt        int64         `db:"created_at"`
	DeliveredAt      sql.NullInt64 `db:"delivered_at"`
}

const outboxColumns = `seq, id, aggregate_type, aggregate_id, aggregate_version, event_type, payload,
	status, attempts, last_error, next_attempt_at, claim_token, claimed_until, created_at, delivered_at`

func (r outboxRow) toDomain() (sharedDomain.OutboxEvent, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return sharedDomain.OutboxEvent{}, fmt.Errorf("invalid UUID in outbox row: %w", err)
	}
	if !json.Valid([]byte(r.Payload)) {
		return sharedDomain.OutboxEvent{}, fmt.Errorf("invalid JSON payload in outbox row %s", id)
	}

	evt := sharedDomain.OutboxEvent{
		ID:               id,
		Sequence:         r.Seq,
		AggregateType:    r.AggregateType,
		AggregateID:      r.AggregateID,
		AggregateVersion: r.AggregateVersion,
		EventType:        r.EventType,
		Payload:          json.RawMessage(r.Payload),
		Status:           sharedDomain.OutboxStatus(r.Status),
		Attempts:         r.Attempts,
		LastError:        r.LastError,
		NextAttemptAt:    fromMicros(r.NextAttemptAt),
		ClaimToken:       r.ClaimToken,
		ClaimedUntil:     fromMicros(r.ClaimedUntil),
		CreatedAt:        fromMicros(r.CreatedAt),
	}
	if r.DeliveredAt.Valid {
		t := fromMicros(r.DeliveredAt.Int64)
		evt.DeliveredAt = &t
	}
	return evt, nil
}

func toOutboxEvents(rows []outboxRow) ([]sharedDomain.OutboxEvent, error) {
	events := make([]sharedDomain.OutboxEvent, 0, len(rows))
	for _, row := range rows {
		evt, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}

// ------------------ Helper DRY para insertar en outbox ------------------

func insertOutboxTx(ctx context.Context, tx *sqlx.Tx, evt sharedDomain.OutboxEvent) error {
	payload := evt.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	status := evt.Status
	if status == "" {
		status = sharedDomain.OutboxPending
	}

	_, err := tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO outbox (id, aggregate_type, aggregate_id, aggregate_version, event_type, payload,
			status, attempts, last_error, next_attempt_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		evt.ID.String(), evt.AggregateType, evt.AggregateID, evt.AggregateVersion, evt.EventType, string(payload),
		string(status), evt.Attempts, evt.LastError, toMicros(evt.NextAttemptAt), toMicros(evt.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// ---------------- Patrón Outbox: reclamo y transiciones ----------------

// ClaimPending reserva un lote dentro de una transacción. Primero bloquea la
// fila de outbox_claim_lock: otra instancia espera a que confirmemos y después
// ve nuestros leases. Luego selecciona candidatas, aplica el lease condicionado
// a que sigan libres y lee las filas que quedaron con nuestro token.
func (s *Store) ClaimPending(ctx context.Context, owner string, limit int, lease time.Duration) ([]sharedDomain.OutboxEvent, error) {
	now := s.now()
	nowMicros := toMicros(now)
	token := owner + ":" + uuid.NewString()

	var events []sharedDomain.OutboxEvent
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		// En SQLite el UPDATE además toma el lock de escritura desde el principio.
		if _, err := tx.ExecContext(ctx, `UPDATE outbox_claim_lock SET id = id WHERE id = 1`); err != nil {
			return fmt.Errorf("failed to lock outbox claim: %w", err)
		}

		// Una entrada no se reclama si su agregado tiene otra anterior pendiente
		// que está en backoff o reclamada por otra instancia: el orden por subasta manda.
		var ids []string
		err := tx.SelectContext(ctx, &ids, tx.Rebind(
			`SELECT o.id FROM outbox o
			 WHERE o.status = ? AND o.next_attempt_at <= ? AND o.claimed_until < ?
			   AND NOT EXISTS (
				 SELECT 1 FROM outbox p
				 WHERE p.aggregate_id = o.aggregate_id AND p.status = ? AND p.seq < o.seq
				   AND (p.next_attempt_at > ? OR p.claimed_until >= ?)
			   )
			 ORDER BY o.seq
			 LIMIT ?`+s.dialect.lockSuffix()),
			string(sharedDomain.OutboxPending), nowMicros, nowMicros,
			string(sharedDomain.OutboxPending), nowMicros, nowMicros,
			limit,
		)
		if err != nil {
			return fmt.Errorf("failed to select claimable outbox events: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		query, args, err := sqlx.In(
			`UPDATE outbox SET claim_token = ?, claimed_until = ?
			 WHERE id IN (?) AND status = ? AND claimed_until < ?`,
			token, toMicros(now.Add(lease)), ids, string(sharedDomain.OutboxPending), nowMicros,
		)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to lease outbox events: %w", err)
		}

		var rows []outboxRow
		if err := tx.SelectContext(ctx, &rows, tx.Rebind(
			`SELECT `+outboxColumns+` FROM outbox WHERE claim_token = ? ORDER BY seq`), token); err != nil {
			return fmt.Errorf("failed to read claimed outbox events: %w", err)
		}
		events, err = toOutboxEvents(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// transition aplica un cambio de estado condicionado al token del lote.
func (s *Store) transition(ctx context.Context, evt sharedDomain.OutboxEvent, set string, args ...interface{}) error {
	if evt.ClaimToken == "" {
		return fmt.Errorf("outbox event %s: %w", evt.ID, sharedDomain.ErrOutboxClaimLost)
	}
	args = append(args, evt.ID.String(), evt.ClaimToken)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE outbox SET `+set+`, claim_token = '', claimed_until = 0
		 WHERE id = ? AND claim_token = ?`), args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox event %s: %w", evt.ID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get RowsAffected for outbox event %s: %w", evt.ID, err)
	}
	if rows == 0 {
		return fmt.Errorf("outbox event %s: %w", evt.ID, sharedDomain.ErrOutboxClaimLost)
	}
	return nil
}

func (s *Store) MarkDelivered(ctx context.Context, evt sharedDomain.OutboxEvent) error {
	return s.transition(ctx, evt, "status = ?, delivered_at = ?",
		string(sharedDomain.OutboxDelivered), toMicros(s.now()))
}

func (s *Store) MarkRetry(ctx context.Context, evt sharedDomain.OutboxEvent) error {
	return s.transition(ctx, evt, "attempts = ?, last_error = ?, next_attempt_at = ?",
		evt.Attempts, evt.LastError, toMicros(evt.NextAttemptAt))
}

func (s *Store) MarkFailed(ctx context.Context, evt sharedDomain.OutboxEvent) error {
	return s.transition(ctx, evt, "status = ?, attempts = ?, last_error = ?",
		string(sharedDomain.OutboxFailed), evt.Attempts, evt.LastError)
}

func (s *Store) Release(ctx context.Context, evt sharedDomain.OutboxEvent) error {
	return s.transition(ctx, evt, "status = ?", string(sharedDomain.OutboxPending))
}

// ---------------- Archivado ----------------

func (s *Store) FetchDelivered(ctx context.Context, before time.Time, limit int) ([]sharedDomain.OutboxEvent, error) {
	var rows []outboxRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT `+outboxColumns+` FROM outbox
		 WHERE status = ? AND delivered_at < ?
		 ORDER BY seq LIMIT ?`),
		string(sharedDomain.OutboxDelivered), toMicros(before), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch delivered outbox events: %w", err)
	}
	return toOutboxEvents(rows)
}

func (s *Store) PurgeOutbox(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	strIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		strIDs = append(strIDs, id.String())
	}

	query, args, err := sqlx.In(`DELETE FROM outbox WHERE id IN (?) AND status = ?`, strIDs, string(sharedDomain.OutboxDelivered))
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox: %w", err)
	}
	return res.RowsAffected()
}

// ---------------- Inspección ----------------

func (s *Store) ListOutbox(ctx context.Context, f sharedDomain.OutboxFilter) ([]sharedDomain.OutboxEvent, error) {
	var clauses []string
	var args []interface{}
	if f.AggregateID != "" {
		clauses = append(clauses, "aggregate_id = ?")
		args = append(args, f.AggregateID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}

	query := "SELECT " + outboxColumns + " FROM outbox"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var rows []outboxRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	return toOutboxEvents(rows)
}

// Verificación en tiempo de compilación.
var (
	_ sharedDomain.OutboxRepository        = (*Store)(nil)
	_ sharedDomain.OutboxArchiveRepository = (*Store)(nil)
	_ sharedDomain.OutboxQueryRepository   = (*Store)(nil)
)
