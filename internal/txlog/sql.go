package txlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nuetzliches/peeklock/internal/queue"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const moveLogSchema = `
CREATE TABLE IF NOT EXISTS move_log (
  id                 TEXT PRIMARY KEY,
  source_queue       TEXT NOT NULL,
  source_dead_letter INTEGER NOT NULL,
  source_seq         BIGINT NOT NULL,
  source_message_id  TEXT NOT NULL,
  source_lock_token  TEXT NOT NULL,
  dest_queue         TEXT NOT NULL,
  dest_seq           BIGINT NOT NULL,
  body_hash          TEXT NOT NULL,
  phase              TEXT NOT NULL,
  created_at         BIGINT NOT NULL,
  updated_at         BIGINT NOT NULL
);
`

// SQLLog stores entries in the move_log table of a database owned by the
// caller, usually the one backing the queue store.
type SQLLog struct {
	db    *sql.DB
	bind  func(string) string
	nowFn func() time.Time
}

var _ Log = (*SQLLog)(nil)

func NewSQLLog(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLLog, error) {
	if db == nil {
		return nil, errors.New("txlog: nil db")
	}
	l := &SQLLog{db: db, nowFn: time.Now, bind: func(q string) string { return q }}
	switch dialect {
	case DialectSQLite:
	case DialectPostgres:
		l.bind = queue.BindDollar
	default:
		return nil, fmt.Errorf("txlog: unknown dialect %q", dialect)
	}
	if _, err := db.ExecContext(ctx, moveLogSchema); err != nil {
		return nil, fmt.Errorf("txlog: init schema: %w", err)
	}
	return l, nil
}

func (l *SQLLog) Begin(ctx context.Context, e Entry) error {
	now := l.nowFn().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.Phase == "" {
		e.Phase = PhasePrepared
	}
	deadLetter := 0
	if e.SourceDeadLetter {
		deadLetter = 1
	}
	_, err := l.db.ExecContext(ctx, l.bind(`
INSERT INTO move_log (
  id, source_queue, source_dead_letter, source_seq, source_message_id, source_lock_token,
  dest_queue, dest_seq, body_hash, phase, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`),
		e.ID,
		e.SourceQueue,
		deadLetter,
		e.SourceSeq,
		e.SourceMessageID,
		e.SourceLockToken,
		e.DestQueue,
		e.DestSeq,
		e.BodyHash,
		string(e.Phase),
		e.CreatedAt.UnixNano(),
		now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("txlog: begin %s: %w", e.ID, err)
	}
	return nil
}

func (l *SQLLog) Advance(ctx context.Context, id string, phase Phase, destSeq int64) error {
	res, err := l.db.ExecContext(ctx, l.bind(`
UPDATE move_log
SET phase = ?, dest_seq = CASE WHEN ? > 0 THEN ? ELSE dest_seq END, updated_at = ?
WHERE id = ?;
`), string(phase), destSeq, destSeq, l.nowFn().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("txlog: advance %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (l *SQLLog) Finish(ctx context.Context, id string) error {
	if _, err := l.db.ExecContext(ctx, l.bind(`DELETE FROM move_log WHERE id = ?;`), id); err != nil {
		return fmt.Errorf("txlog: finish %s: %w", id, err)
	}
	return nil
}

func (l *SQLLog) Pending(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT id, source_queue, source_dead_letter, source_seq, source_message_id, source_lock_token,
  dest_queue, dest_seq, body_hash, phase, created_at, updated_at
FROM move_log
ORDER BY created_at ASC, id ASC;
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                    Entry
			deadLetter           int
			phase                string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(
			&e.ID,
			&e.SourceQueue,
			&deadLetter,
			&e.SourceSeq,
			&e.SourceMessageID,
			&e.SourceLockToken,
			&e.DestQueue,
			&e.DestSeq,
			&e.BodyHash,
			&phase,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, err
		}
		e.SourceDeadLetter = deadLetter != 0
		e.Phase = Phase(phase)
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		e.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close is a no-op: the database belongs to the caller.
func (l *SQLLog) Close() error { return nil }
