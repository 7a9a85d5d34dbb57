package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// querier is satisfied by *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlBackend implements Store over database/sql. The SQLite and Postgres
// stores differ only in placeholder style, transaction start and error codes.
type sqlBackend struct {
	db *sql.DB

	mu    sync.Mutex
	nowFn func() time.Time

	bind      func(string) string
	inTx      func(ctx context.Context, fn func(q querier) error) error
	mapInsert func(error) error
}

const messageColumns = `queue, seq, id, state, version, body, properties_json,
  content_type, correlation_id, subject, reply_to, reply_to_session_id, session_id,
  enqueued_at, scheduled_at, delivery_count, lock_token, lock_owner, locked_until,
  release_to, dl_reason, dl_description, tx_id`

const insertMessageSQL = `
INSERT INTO messages (` + messageColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`

const swapMessageSQL = `
UPDATE messages
SET id = ?, state = ?, version = version + 1, body = ?, properties_json = ?,
  content_type = ?, correlation_id = ?, subject = ?, reply_to = ?, reply_to_session_id = ?,
  session_id = ?, enqueued_at = ?, scheduled_at = ?, delivery_count = ?, lock_token = ?,
  lock_owner = ?, locked_until = ?, release_to = ?, dl_reason = ?, dl_description = ?, tx_id = ?
WHERE queue = ? AND seq = ? AND state = ? AND version = ?;
`

func (b *sqlBackend) now() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nowFn().UTC()
}

func (b *sqlBackend) Append(ctx context.Context, queue string, msgs []Message) ([]Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	now := b.now()
	prepared := make([]Message, 0, len(msgs))
	for i := range msgs {
		m, err := prepareAppend(queue, msgs[i], now)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, m)
	}

	var out []Message
	err := b.inTx(ctx, func(q querier) error {
		out = make([]Message, 0, len(prepared))
		var last int64
		if err := q.QueryRowContext(ctx, b.bind(`
INSERT INTO queue_sequences (queue, last_seq) VALUES (?, ?)
ON CONFLICT (queue) DO UPDATE SET last_seq = queue_sequences.last_seq + excluded.last_seq
RETURNING last_seq;
`), queue, len(prepared)).Scan(&last); err != nil {
			return fmt.Errorf("allocate sequence numbers: %w", err)
		}
		first := last - int64(len(prepared)) + 1
		for i := range prepared {
			m := prepared[i]
			m.SequenceNumber = first + int64(i)
			args, err := insertArgs(m)
			if err != nil {
				return err
			}
			if _, err := q.ExecContext(ctx, b.bind(insertMessageSQL), args...); err != nil {
				return b.mapInsert(err)
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *sqlBackend) Get(ctx context.Context, queue string, seq int64) (Message, error) {
	row := b.db.QueryRowContext(ctx, b.bind(`
SELECT `+messageColumns+`
FROM messages
WHERE queue = ? AND seq = ?;
`), queue, seq)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}
	return m, nil
}

func (b *sqlBackend) Scan(ctx context.Context, queue string, f Filter) ([]Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE queue = ? AND seq > ?`
	args := []any{queue, f.AfterSeq}
	if len(f.States) > 0 {
		marks := make([]string, 0, len(f.States))
		for _, st := range f.States {
			marks = append(marks, "?")
			args = append(args, string(st))
		}
		query += " AND state IN (" + strings.Join(marks, ", ") + ")"
	}
	if f.SessionSet {
		if f.SessionID == "" {
			query += " AND session_id IS NULL"
		} else {
			query += " AND session_id = ?"
			args = append(args, f.SessionID)
		}
	}
	if !f.ScheduledBy.IsZero() {
		query += " AND scheduled_at IS NOT NULL AND scheduled_at <= ?"
		args = append(args, f.ScheduledBy.UnixNano())
	}
	if !f.LockExpiredBy.IsZero() {
		query += " AND locked_until IS NOT NULL AND locked_until <= ?"
		args = append(args, f.LockExpiredBy.UnixNano())
	}
	if f.TxID != "" {
		query += " AND tx_id = ?"
		args = append(args, f.TxID)
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := b.db.QueryContext(ctx, b.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *sqlBackend) Swap(ctx context.Context, old, next Message) (Message, error) {
	if !next.State.Valid() {
		return Message{}, ErrInvalidOperation
	}
	next = next.Clone()
	next.Queue = old.Queue
	next.SequenceNumber = old.SequenceNumber

	props, err := encodeProperties(next.Properties)
	if err != nil {
		return Message{}, err
	}
	body := next.Body
	if body == nil {
		body = []byte{}
	}
	res, err := b.db.ExecContext(ctx, b.bind(swapMessageSQL),
		next.ID,
		string(next.State),
		body,
		props,
		nullIfEmpty(next.ContentType),
		nullIfEmpty(next.CorrelationID),
		nullIfEmpty(next.Subject),
		nullIfEmpty(next.ReplyTo),
		nullIfEmpty(next.ReplyToSessionID),
		nullIfEmpty(next.SessionID),
		next.EnqueuedAt.UnixNano(),
		nullNanos(next.ScheduledAt),
		next.DeliveryCount,
		nullIfEmpty(next.LockToken),
		nullIfEmpty(next.LockOwner),
		nullNanos(next.LockedUntil),
		nullIfEmpty(string(next.ReleaseTo)),
		nullIfEmpty(next.DeadLetterReason),
		nullIfEmpty(next.DeadLetterDescription),
		nullIfEmpty(next.TxID),
		old.Queue,
		old.SequenceNumber,
		string(old.State),
		old.Version,
	)
	if err != nil {
		return Message{}, err
	}
	if err := b.casResult(ctx, res, old); err != nil {
		return Message{}, err
	}
	next.Version = old.Version + 1
	return next, nil
}

func (b *sqlBackend) Remove(ctx context.Context, old Message) error {
	res, err := b.db.ExecContext(ctx, b.bind(`
DELETE FROM messages
WHERE queue = ? AND seq = ? AND state = ? AND version = ?;
`), old.Queue, old.SequenceNumber, string(old.State), old.Version)
	if err != nil {
		return err
	}
	return b.casResult(ctx, res, old)
}

// casResult turns a zero-row CAS statement into ErrNotFound or ErrConflict.
func (b *sqlBackend) casResult(ctx context.Context, res sql.Result, old Message) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = b.db.QueryRowContext(ctx, b.bind(`
SELECT 1 FROM messages WHERE queue = ? AND seq = ?;
`), old.Queue, old.SequenceNumber).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

func (b *sqlBackend) Drop(ctx context.Context, queue string) error {
	_, err := b.db.ExecContext(ctx, b.bind(`DELETE FROM messages WHERE queue = ?;`), queue)
	return err
}

func (b *sqlBackend) Counts(ctx context.Context, queue string) (map[State]int, error) {
	rows, err := b.db.QueryContext(ctx, b.bind(`
SELECT state, COUNT(*)
FROM messages
WHERE queue = ?
GROUP BY state;
`), queue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[State]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[State(state)] = n
	}
	return out, rows.Err()
}

func (b *sqlBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func insertArgs(m Message) ([]any, error) {
	props, err := encodeProperties(m.Properties)
	if err != nil {
		return nil, err
	}
	return []any{
		m.Queue,
		m.SequenceNumber,
		m.ID,
		string(m.State),
		m.Version,
		m.Body,
		props,
		nullIfEmpty(m.ContentType),
		nullIfEmpty(m.CorrelationID),
		nullIfEmpty(m.Subject),
		nullIfEmpty(m.ReplyTo),
		nullIfEmpty(m.ReplyToSessionID),
		nullIfEmpty(m.SessionID),
		m.EnqueuedAt.UnixNano(),
		nullNanos(m.ScheduledAt),
		m.DeliveryCount,
		nullIfEmpty(m.LockToken),
		nullIfEmpty(m.LockOwner),
		nullNanos(m.LockedUntil),
		nullIfEmpty(string(m.ReleaseTo)),
		nullIfEmpty(m.DeadLetterReason),
		nullIfEmpty(m.DeadLetterDescription),
		nullIfEmpty(m.TxID),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m                                   Message
		state                               string
		props                               sql.NullString
		contentType, correlationID, subject sql.NullString
		replyTo, replyToSession, sessionID  sql.NullString
		enqueuedAt                          int64
		scheduledAt, lockedUntil            sql.NullInt64
		lockToken, lockOwner, releaseTo     sql.NullString
		deadReason, deadDescription, txID   sql.NullString
	)
	if err := row.Scan(
		&m.Queue,
		&m.SequenceNumber,
		&m.ID,
		&state,
		&m.Version,
		&m.Body,
		&props,
		&contentType,
		&correlationID,
		&subject,
		&replyTo,
		&replyToSession,
		&sessionID,
		&enqueuedAt,
		&scheduledAt,
		&m.DeliveryCount,
		&lockToken,
		&lockOwner,
		&lockedUntil,
		&releaseTo,
		&deadReason,
		&deadDescription,
		&txID,
	); err != nil {
		return Message{}, err
	}
	properties, err := decodeProperties(props.String)
	if err != nil {
		return Message{}, err
	}
	m.State = State(state)
	m.Properties = properties
	m.ContentType = contentType.String
	m.CorrelationID = correlationID.String
	m.Subject = subject.String
	m.ReplyTo = replyTo.String
	m.ReplyToSessionID = replyToSession.String
	m.SessionID = sessionID.String
	m.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
	m.ScheduledAt = fromNullNanos(scheduledAt)
	m.LockToken = lockToken.String
	m.LockOwner = lockOwner.String
	m.LockedUntil = fromNullNanos(lockedUntil)
	m.ReleaseTo = State(releaseTo.String)
	m.DeadLetterReason = deadReason.String
	m.DeadLetterDescription = deadDescription.String
	m.TxID = txID.String
	if m.Body == nil {
		m.Body = []byte{}
	}
	return m, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullNanos(v time.Time) any {
	if v.IsZero() {
		return nil
	}
	return v.UnixNano()
}

func fromNullNanos(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}

// DB exposes the handle so companion tables can share the database.
func (b *sqlBackend) DB() *sql.DB { return b.db }

func bindQuestion(q string) string { return q }

// BindDollar rewrites ? placeholders to the $n form Postgres expects.
func BindDollar(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] != '?' {
			b.WriteByte(q[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}
