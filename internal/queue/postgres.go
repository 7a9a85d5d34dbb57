package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresOption func(*PostgresStore)

type PostgresStore struct {
	sqlBackend
}

var _ Store = (*PostgresStore)(nil)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS messages (
  queue               TEXT NOT NULL,
  seq                 BIGINT NOT NULL,
  id                  TEXT NOT NULL,
  state               TEXT NOT NULL,
  version             BIGINT NOT NULL,
  body                BYTEA NOT NULL,
  properties_json     TEXT,
  content_type        TEXT,
  correlation_id      TEXT,
  subject             TEXT,
  reply_to            TEXT,
  reply_to_session_id TEXT,
  session_id          TEXT,
  enqueued_at         BIGINT NOT NULL,
  scheduled_at        BIGINT,
  delivery_count      INTEGER NOT NULL,
  lock_token          TEXT,
  lock_owner          TEXT,
  locked_until        BIGINT,
  release_to          TEXT,
  dl_reason           TEXT,
  dl_description      TEXT,
  tx_id               TEXT,
  PRIMARY KEY (queue, seq)
);
CREATE INDEX IF NOT EXISTS idx_messages_state
  ON messages(queue, state, seq);
CREATE INDEX IF NOT EXISTS idx_messages_session
  ON messages(queue, session_id, state, seq);
CREATE INDEX IF NOT EXISTS idx_messages_tx
  ON messages(tx_id);
CREATE INDEX IF NOT EXISTS idx_messages_locked_until
  ON messages(queue, state, locked_until);

CREATE TABLE IF NOT EXISTS queue_sequences (
  queue    TEXT PRIMARY KEY,
  last_seq BIGINT NOT NULL
);
`

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	db, err := OpenPostgres(dsn)
	if err != nil {
		return nil, err
	}

	s := &PostgresStore{}
	s.db = db
	s.nowFn = time.Now
	s.bind = BindDollar
	s.inTx = s.withTx
	s.mapInsert = mapPostgresInsertError
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.ExecContext(context.Background(), postgresSchemaV1); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: init schema: %w", err)
	}
	return s, nil
}

// OpenPostgres opens dsn through the pgx stdlib driver and pings it.
func OpenPostgres(dsn string) (*sql.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func mapPostgresInsertError(err error) error {
	if err == nil {
		return nil
	}
	if IsPostgresUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func IsPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
