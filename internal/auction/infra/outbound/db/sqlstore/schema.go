package sqlstore

import (
	"context"
	"fmt"
)

// ------------------ Inicialización de DB ------------------

const auctionsTable = `
CREATE TABLE IF NOT EXISTS auctions (
	id VARCHAR(36) PRIMARY KEY,
	seller VARCHAR(255) NOT NULL,
	winner VARCHAR(255) NOT NULL DEFAULT '',
	make VARCHAR(255) NOT NULL,
	model VARCHAR(255) NOT NULL,
	year INTEGER NOT NULL,
	color VARCHAR(255) NOT NULL,
	mileage INTEGER NOT NULL,
	image_url VARCHAR(2048) NOT NULL DEFAULT '',
	reserve_price BIGINT NOT NULL,
	current_high_bid BIGINT NULL,
	sold_amount BIGINT NULL,
	auction_start BIGINT NOT NULL,
	auction_end BIGINT NOT NULL,
	status VARCHAR(16) NOT NULL,
	version BIGINT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`

// outboxTable recibe la definición de la columna seq, que cambia por dialecto.
const outboxTable = `
CREATE TABLE IF NOT EXISTS outbox (
	%s,
	id VARCHAR(36) NOT NULL UNIQUE,
	aggregate_type VARCHAR(64) NOT NULL,
	aggregate_id VARCHAR(64) NOT NULL,
	aggregate_version BIGINT NOT NULL,
	event_type VARCHAR(64) NOT NULL,
	payload TEXT NOT NULL,
	status VARCHAR(16) NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL,
	next_attempt_at BIGINT NOT NULL,
	claim_token VARCHAR(128) NOT NULL DEFAULT '',
	claimed_until BIGINT NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	delivered_at BIGINT NULL
)`

// outboxClaimLockTable tiene una sola fila. ClaimPending la bloquea al empezar,
// así los reclamos de distintas instancias se serializan.
const outboxClaimLockTable = `
CREATE TABLE IF NOT EXISTS outbox_claim_lock (
	id INTEGER PRIMARY KEY
)`

func (d Dialect) seedClaimLock() string {
	switch d {
	case DialectPostgres:
		return `INSERT INTO outbox_claim_lock (id) VALUES (1) ON CONFLICT DO NOTHING`
	case DialectMySQL:
		return `INSERT IGNORE INTO outbox_claim_lock (id) VALUES (1)`
	default:
		return `INSERT OR IGNORE INTO outbox_claim_lock (id) VALUES (1)`
	}
}

func (d Dialect) seqColumn() string {
	switch d {
	case DialectPostgres:
		return "seq BIGSERIAL PRIMARY KEY"
	case DialectMySQL:
		return "seq BIGINT AUTO_INCREMENT PRIMARY KEY"
	default:
		return "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	}
}

func (d Dialect) schema() []string {
	stmts := []string{
		auctionsTable,
		fmt.Sprintf(outboxTable, d.seqColumn()),
		outboxClaimLockTable,
		d.seedClaimLock(),
	}

	indexes := []struct{ name, on string }{
		{"idx_auctions_seller", "auctions (seller)"},
		{"idx_auctions_updated_at", "auctions (updated_at)"},
		{"idx_outbox_pending", "outbox (status, next_attempt_at)"},
		{"idx_outbox_aggregate", "outbox (aggregate_id, seq)"},
		{"idx_outbox_claim", "outbox (claim_token)"},
	}
	for _, idx := range indexes {
		// MySQL no soporta CREATE INDEX IF NOT EXISTS: Migrate ignora el error 1061.
		if d == DialectMySQL {
			stmts = append(stmts, fmt.Sprintf(`CREATE INDEX %s ON %s`, idx.name, idx.on))
		} else {
			stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s`, idx.name, idx.on))
		}
	}
	return stmts
}

// Migrate crea las tablas auctions, outbox y outbox_claim_lock si no existen.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil && !isDuplicateIndex(err) {
			return fmt.Errorf("failed to migrate %s schema: %w", s.dialect, err)
		}
	}
	return nil
}
