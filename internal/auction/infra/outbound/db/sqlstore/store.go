package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"

	// _ "github.com/mattn/go-sqlite3" // better performance but requires gcc
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect identifica el motor SQL. Las consultas se escriben con '?' y sqlx
// las reescribe ($1, $2...) según el driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

func init() {
	// modernc registra el driver como "sqlite", que sqlx no conoce.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// DriverName devuelve el nombre del driver database/sql de cada dialecto.
func (d Dialect) DriverName() string {
	switch d {
	case DialectPostgres:
		return "pgx"
	case DialectMySQL:
		return "mysql"
	default:
		return "sqlite"
	}
}

// lockSuffix bloquea las filas candidatas al reclamar el outbox. SQLite
// serializa las escrituras, así que no lo necesita.
func (d Dialect) lockSuffix() string {
	if d == DialectSQLite {
		return ""
	}
	return " FOR UPDATE SKIP LOCKED"
}

// Store implementa AuctionRepository y los repositorios del outbox sobre una
// misma base de datos: la subasta y su evento se confirman en la misma transacción.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	now     func() time.Time
}

type Option func(*Store)

// WithClock sustituye el reloj (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{
		db:      sqlx.NewDb(db, dialect.DriverName()),
		dialect: dialect,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open abre la conexión y crea el esquema si no existe.
func Open(ctx context.Context, dialect Dialect, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", dialect, err)
	}

	s := New(db, dialect, opts...)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ------------------ Helpers ------------------

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	return nil
}

// Los instantes se guardan como microsegundos Unix (BIGINT) en todos los dialectos.
func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

// isUniqueViolation reconoce la violación de clave única de cada driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		// SQLITE_CONSTRAINT y sus códigos extendidos (PRIMARYKEY, UNIQUE)
		return liteErr.Code()&0xff == 19
	}
	return false
}

// isDuplicateIndex reconoce ER_DUP_KEYNAME de MySQL (el índice ya existe).
func isDuplicateIndex(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1061
}
