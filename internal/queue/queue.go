package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type State string

const (
	StateScheduled    State = "scheduled"
	StateActive       State = "active"
	StateLocked       State = "locked"
	StateDeferred     State = "deferred"
	StateDeadLettered State = "deadlettered"
	// StateStaged marks a copy written by an unfinished transactional move.
	// Staged records are never delivered.
	StateStaged State = "staged"
)

func (s State) Valid() bool {
	switch s {
	case StateScheduled, StateActive, StateLocked, StateDeferred, StateDeadLettered, StateStaged:
		return true
	}
	return false
}

const (
	// DeadLetterSuffix addresses the dead-letter sub-queue of a queue.
	DeadLetterSuffix = "/$deadletterqueue"

	ReasonMaxDeliveryCountExceeded = "MaxDeliveryCountExceeded"

	DefaultMaxDeliveryCount = 10
	DefaultLockDuration     = 60 * time.Second
	DefaultMaxMessageSize   = 256 << 10
)

// Message is one stored record. Completed messages are removed, so every
// Message returned by a Store is in one of the State values above.
type Message struct {
	Queue          string
	SequenceNumber int64
	ID             string
	State          State
	Version        int64

	Body             []byte
	Properties       Properties
	ContentType      string
	CorrelationID    string
	Subject          string
	ReplyTo          string
	ReplyToSessionID string
	SessionID        string

	EnqueuedAt    time.Time
	ScheduledAt   time.Time
	DeliveryCount int

	LockToken   string
	LockOwner   string
	LockedUntil time.Time
	// ReleaseTo is the state a released lock returns the message to.
	ReleaseTo State

	DeadLetterReason      string
	DeadLetterDescription string

	TxID string
}

func (m Message) Clone() Message {
	out := m
	if m.Body != nil {
		out.Body = append([]byte(nil), m.Body...)
	}
	out.Properties = m.Properties.Clone()
	return out
}

// Size is the accounted message size: body, application properties and
// system string properties.
func (m Message) Size() int {
	n := len(m.Body) + m.Properties.size()
	n += len(m.ID) + len(m.ContentType) + len(m.CorrelationID) + len(m.Subject)
	n += len(m.ReplyTo) + len(m.ReplyToSessionID) + len(m.SessionID)
	return n
}

// LockRef returns the capability needed to settle a locked message.
func (m Message) LockRef() LockRef {
	return LockRef{
		Queue:          m.Queue,
		DeadLetter:     m.ReleaseTo == StateDeadLettered,
		SequenceNumber: m.SequenceNumber,
		Token:          m.LockToken,
		Owner:          m.LockOwner,
	}
}

// LockRef identifies one lock acquisition: the token changes with every
// acquisition, so a stale reference never matches a later lock.
type LockRef struct {
	Queue          string
	DeadLetter     bool
	SequenceNumber int64
	Token          string
	Owner          string
}

func (r LockRef) Entity() string {
	if r.DeadLetter {
		return DeadLetterPath(r.Queue)
	}
	return r.Queue
}

// Config is the read-only per-queue configuration.
type Config struct {
	Name             string
	MaxDeliveryCount int
	LockDuration     time.Duration
	ForwardTo        string
	AutoDeleteOnIdle time.Duration
	RequiresSession  bool
	MaxMessageSize   int
}

func (c Config) WithDefaults() Config {
	if c.MaxDeliveryCount <= 0 {
		c.MaxDeliveryCount = DefaultMaxDeliveryCount
	}
	if c.LockDuration <= 0 {
		c.LockDuration = DefaultLockDuration
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	return c
}

// Filter narrows Scan results. Zero fields do not filter.
type Filter struct {
	States []State
	// SessionID restricts to one session when SessionSet is true; an empty
	// SessionID with SessionSet selects messages without a session.
	SessionID  string
	SessionSet bool
	// ScheduledBy keeps messages with ScheduledAt <= ScheduledBy.
	ScheduledBy time.Time
	// LockExpiredBy keeps messages with LockedUntil <= LockExpiredBy.
	LockExpiredBy time.Time
	TxID          string
	AfterSeq      int64
	Limit         int
}

func (f Filter) match(m *Message) bool {
	if len(f.States) > 0 {
		ok := false
		for _, st := range f.States {
			if m.State == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.SessionSet && m.SessionID != f.SessionID {
		return false
	}
	if !f.ScheduledBy.IsZero() && (m.ScheduledAt.IsZero() || m.ScheduledAt.After(f.ScheduledBy)) {
		return false
	}
	if !f.LockExpiredBy.IsZero() && (m.LockedUntil.IsZero() || m.LockedUntil.After(f.LockExpiredBy)) {
		return false
	}
	if f.TxID != "" && m.TxID != f.TxID {
		return false
	}
	if m.SequenceNumber <= f.AfterSeq {
		return false
	}
	return true
}

// Store persists message records. Every mutation of an existing record is a
// compare-and-swap on (State, Version); a Store never applies a transition
// whose expectation no longer holds.
type Store interface {
	// Append assigns the next sequence numbers of queue to msgs in order and
	// stores them. Either every record is stored or none is.
	Append(ctx context.Context, queue string, msgs []Message) ([]Message, error)
	Get(ctx context.Context, queue string, seq int64) (Message, error)
	// Scan returns matching records in ascending sequence order.
	Scan(ctx context.Context, queue string, f Filter) ([]Message, error)
	// Swap replaces the record old refers to with next if the stored record
	// still has old.State and old.Version. It returns the stored record.
	Swap(ctx context.Context, old, next Message) (Message, error)
	// Remove deletes the record old refers to under the same expectation.
	Remove(ctx context.Context, old Message) error
	// Drop deletes every record of queue. Sequence counters survive.
	Drop(ctx context.Context, queue string) error
	Counts(ctx context.Context, queue string) (map[State]int, error)
	Close() error
}

// DeadLetterPath returns the entity path of the dead-letter sub-queue.
func DeadLetterPath(name string) string {
	return name + DeadLetterSuffix
}

// ParseEntity splits an entity path into the queue name and whether it
// addresses the dead-letter sub-queue.
func ParseEntity(path string) (string, bool) {
	path = strings.TrimSpace(path)
	if strings.HasSuffix(strings.ToLower(path), DeadLetterSuffix) {
		return path[:len(path)-len(DeadLetterSuffix)], true
	}
	return path, false
}

// PeekNext returns the lowest-sequence Active message of queue.
func PeekNext(ctx context.Context, s Store, queue string) (Message, bool, error) {
	return peekFirst(ctx, s, queue, Filter{States: []State{StateActive}, Limit: 1})
}

// PeekNextForSession returns the lowest-sequence Active message of one session.
func PeekNextForSession(ctx context.Context, s Store, queue, sessionID string) (Message, bool, error) {
	return peekFirst(ctx, s, queue, Filter{
		States:     []State{StateActive},
		SessionID:  sessionID,
		SessionSet: true,
		Limit:      1,
	})
}

func peekFirst(ctx context.Context, s Store, queue string, f Filter) (Message, bool, error) {
	items, err := s.Scan(ctx, queue, f)
	if err != nil {
		return Message{}, false, err
	}
	if len(items) == 0 {
		return Message{}, false, nil
	}
	return items[0], true, nil
}

// ValidateSize fails with ErrMessageTooLarge when m exceeds the queue limit.
func ValidateSize(cfg Config, m Message) error {
	limit := cfg.WithDefaults().MaxMessageSize
	if m.Size() > limit {
		return ErrMessageTooLarge
	}
	return nil
}

// ValidateContent fails with ErrInvalidOperation when m carries a property
// or system string property that a store cannot keep unchanged.
func ValidateContent(m Message) error {
	for _, f := range []struct{ name, v string }{
		{"message id", m.ID},
		{"content type", m.ContentType},
		{"correlation id", m.CorrelationID},
		{"subject", m.Subject},
		{"reply to", m.ReplyTo},
		{"reply to session id", m.ReplyToSessionID},
		{"session id", m.SessionID},
	} {
		if !storableString(f.v) {
			return fmt.Errorf("%w: %s is not storable text", ErrInvalidOperation, f.name)
		}
	}
	return m.Properties.Validate()
}

var (
	ErrNotFound               = errors.New("message not found")
	ErrConflict               = errors.New("message changed concurrently")
	ErrQueueNotFound          = errors.New("queue not found")
	ErrMessageTooLarge        = errors.New("message too large")
	ErrLockLost               = errors.New("message lock lost")
	ErrSessionLockLost        = errors.New("session lock lost")
	ErrSequenceNumberNotFound = errors.New("sequence number not found")
	ErrTransactionAborted     = errors.New("transaction aborted")
	ErrTimeout                = errors.New("operation timed out")
	ErrSessionRequired        = errors.New("session required")
	ErrInvalidOperation       = errors.New("invalid operation")
)

// Retryable reports whether the caller may retry the failed operation as is.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrLockLost),
		errors.Is(err, ErrSessionLockLost),
		errors.Is(err, ErrSequenceNumberNotFound),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrTransactionAborted),
		errors.Is(err, ErrConflict):
		return true
	}
	return false
}
