package store

import (
	"errors"
	"log/slog"
	"os"

	"github.com/lib/pq"

	"github.com/mirage-run/mirage/internal/config"
	"github.com/mirage-run/mirage/internal/merr"
)

// Postgres error codes this package dispatches on. See
// https://www.postgresql.org/docs/current/errcodes-appendix.html.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

var errDatabaseURLEmpty = errors.New("database URL cannot be empty")

// Store is the Postgres-backed repository for all mirage entities. Every
// method that mutates state runs inside a single statement or transaction
// and turns constraint violations into a *merr.Error of the matching kind
// instead of leaking a raw *pq.Error.
type Store struct {
	conn   *Connection
	logger *slog.Logger
}

// New wraps an already-open Connection in a Store.
func New(conn *Connection) *Store {
	return &Store{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	return s.conn.Close()
}

// classifyPQError maps a Postgres driver error to the merr taxonomy. Errors
// that are not pq constraint violations are wrapped as-is under fallback.
func classifyPQError(err error, fallback merr.Kind) error {
	var pqErr *pq.Error

	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pgUniqueViolation:
			return merr.Wrap(merr.Conflict, pqErr.Constraint, err)
		case pgForeignKeyViolation:
			return merr.Wrap(merr.NotFound, pqErr.Constraint, err)
		}
	}

	return merr.Wrap(fallback, "", err)
}
