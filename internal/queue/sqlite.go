package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"
)

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS messages (
  queue               TEXT NOT NULL,
  seq                 INTEGER NOT NULL,
  id                  TEXT NOT NULL,
  state               TEXT NOT NULL,
  version             INTEGER NOT NULL,
  body                BLOB NOT NULL,
  properties_json     TEXT,
  content_type        TEXT,
  correlation_id      TEXT,
  subject             TEXT,
  reply_to            TEXT,
  reply_to_session_id TEXT,
  session_id          TEXT,
  enqueued_at         INTEGER NOT NULL,
  scheduled_at        INTEGER,
  delivery_count      INTEGER NOT NULL,
  lock_token          TEXT,
  lock_owner          TEXT,
  locked_until        INTEGER,
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

CREATE TABLE IF NOT EXISTS queue_sequences (
  queue    TEXT PRIMARY KEY,
  last_seq INTEGER NOT NULL
);
`

const schemaV2 = `
CREATE INDEX IF NOT EXISTS idx_messages_tx
  ON messages(tx_id);
CREATE INDEX IF NOT EXISTS idx_messages_locked_until
  ON messages(queue, state, locked_until);
`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// SQLiteStore persists records in a single SQLite file. The connection pool
// is capped at one connection, so every statement is serialized.
type SQLiteStore struct {
	sqlBackend
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{}
	s.db = db
	s.nowFn = time.Now
	s.bind = bindQuestion
	s.inTx = s.withImmediateTx
	s.mapInsert = mapSQLiteInsertError
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens dbPath in WAL mode with full synchronous writes.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	return db, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	return s.withImmediateTx(ctx, func(q querier) error {
		if _, err := q.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
			return fmt.Errorf("sqlite: init migrations table: %w", err)
		}

		var current int
		err := q.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&current)
		hasVersion := true
		if errors.Is(err, sql.ErrNoRows) {
			hasVersion = false
			current = 0
		} else if err != nil {
			return fmt.Errorf("sqlite: read schema_version: %w", err)
		}
		if current > schemaVersion {
			return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, schemaVersion)
		}

		for v := current + 1; v <= schemaVersion; v++ {
			var stmt string
			switch v {
			case 1:
				stmt = schemaV1
			case 2:
				stmt = schemaV2
			default:
				return fmt.Errorf("sqlite: unknown migration %d", v)
			}
			if _, err := q.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("sqlite: migrate v%d: %w", v, err)
			}
		}

		if !hasVersion || current != schemaVersion {
			if _, err := q.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, schemaVersion); err != nil {
				return fmt.Errorf("sqlite: write schema_version: %w", err)
			}
		}
		return nil
	})
}

// withImmediateTx runs fn inside BEGIN IMMEDIATE so the write lock is taken
// up front instead of on the first write.
func (s *SQLiteStore) withImmediateTx(ctx context.Context, fn func(q querier) error) error {
	return WithImmediateTx(ctx, s.db, func(conn *sql.Conn) error { return fn(conn) })
}

// WithImmediateTx runs fn on a dedicated connection inside BEGIN IMMEDIATE and
// commits when fn returns nil.
func WithImmediateTx(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK;")
	}()

	if err := fn(conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func mapSQLiteInsertError(err error) error {
	if err == nil {
		return nil
	}
	if IsSQLiteConstraintError(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func IsSQLiteConstraintError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended sqlite result codes include base code in the lower 8 bits.
	const sqliteConstraintBase = 19
	return sqliteErr.Code()&0xff == sqliteConstraintBase
}
