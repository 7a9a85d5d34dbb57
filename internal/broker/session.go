package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nuetzliches/peeklock/internal/queue"
)

type AcceptOptions struct {
	ConsumerID string
	// Wait is how long to block for the session lock. Zero fails at once
	// when the session is held.
	Wait time.Duration
}

type sessionKey struct {
	queue string
	id    string
}

type sessionLock struct {
	owner       string
	token       string
	lockedUntil time.Time
}

// sessionTable holds the exclusive session locks and the opaque session
// state, both in memory.
type sessionTable struct {
	mu     sync.Mutex
	locks  map[sessionKey]sessionLock
	states map[sessionKey][]byte
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		locks:  make(map[sessionKey]sessionLock),
		states: make(map[sessionKey][]byte),
	}
}

// tryLock grants the session to owner if it is free or its lock expired.
func (t *sessionTable) tryLock(key sessionKey, owner string, now time.Time, d time.Duration) (sessionLock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, held := t.locks[key]; held && now.Before(cur.lockedUntil) {
		return sessionLock{}, false
	}
	l := sessionLock{owner: owner, token: newLockToken(), lockedUntil: now.Add(d)}
	t.locks[key] = l
	return l, true
}

func (t *sessionTable) isHeld(key sessionKey, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, held := t.locks[key]
	return held && now.Before(cur.lockedUntil)
}

// renew extends the lock identified by token. It fails once the lock
// expired or passed to another holder.
func (t *sessionTable) renew(key sessionKey, token string, now time.Time, d time.Duration) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, held := t.locks[key]
	if !held || cur.token != token || !now.Before(cur.lockedUntil) {
		return time.Time{}, false
	}
	cur.lockedUntil = now.Add(d)
	t.locks[key] = cur
	return cur.lockedUntil, true
}

// heldWith reports whether the session is still locked by the acquisition
// that issued token.
func (t *sessionTable) heldWith(queueName, id, token string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, held := t.locks[sessionKey{queue: queueName, id: id}]
	return held && token != "" && cur.token == token && now.Before(cur.lockedUntil)
}

func (t *sessionTable) release(key sessionKey, token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, held := t.locks[key]
	if !held || cur.token != token {
		return false
	}
	delete(t.locks, key)
	return true
}

func (t *sessionTable) dropQueue(queueName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.locks {
		if key.queue == queueName {
			delete(t.locks, key)
		}
	}
	for key := range t.states {
		if key.queue == queueName {
			delete(t.states, key)
		}
	}
}

func sessionSignalKey(queueName string) string {
	return "\x00session\x00" + queueName
}

// AcceptSession takes the exclusive lock on one session of a session-enabled
// queue. It fails with ErrSessionLockLost when another live handle holds it
// and opts.Wait elapses.
func (b *Broker) AcceptSession(ctx context.Context, queueName, sessionID string, opts AcceptOptions) (_ *Session, err error) {
	ctx, span := b.startSpan(ctx, "accept_session", queueName)
	defer func() { endSpan(span, err) }()

	cfg, err := b.sessionQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, fmt.Errorf("accept session on %s: empty session id: %w", queueName, queue.ErrInvalidOperation)
	}
	key := sessionKey{queue: cfg.Name, id: sessionID}

	var s *Session
	err = b.poll(ctx, sessionSignalKey(cfg.Name), opts.Wait, func() (bool, error) {
		l, ok := b.sessions.tryLock(key, opts.ConsumerID, b.now(), cfg.LockDuration)
		if ok {
			s = &Session{b: b, cfg: cfg, key: key, token: l.token}
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s session %q", queue.ErrSessionLockLost, queueName, sessionID)
	}
	if ctx.Err() != nil {
		s.Close()
		return nil, ctx.Err()
	}
	b.metrics.incSessionAccepted(cfg.Name)
	return s, nil
}

// AcceptNextSession locks the session of the oldest active message whose
// session is free. It fails with ErrTimeout when none shows up within
// opts.Wait.
func (b *Broker) AcceptNextSession(ctx context.Context, queueName string, opts AcceptOptions) (_ *Session, err error) {
	ctx, span := b.startSpan(ctx, "accept_next_session", queueName)
	defer func() { endSpan(span, err) }()

	cfg, err := b.sessionQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}

	var s *Session
	err = b.poll(ctx, cfg.Name, opts.Wait, func() (bool, error) {
		if err := b.maintain(ctx, cfg); err != nil {
			return false, err
		}
		var after int64
		for {
			page, err := b.store.Scan(ctx, cfg.Name, queue.Filter{
				States:   []queue.State{queue.StateActive},
				AfterSeq: after,
				Limit:    MaxBatch,
			})
			if err != nil {
				return false, err
			}
			now := b.now()
			for _, m := range page {
				if m.SessionID == "" {
					continue
				}
				key := sessionKey{queue: cfg.Name, id: m.SessionID}
				if b.sessions.isHeld(key, now) {
					continue
				}
				if l, ok := b.sessions.tryLock(key, opts.ConsumerID, now, cfg.LockDuration); ok {
					s = &Session{b: b, cfg: cfg, key: key, token: l.token}
					return true, nil
				}
			}
			if len(page) < MaxBatch {
				return false, nil
			}
			after = page[len(page)-1].SequenceNumber
		}
	})
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("accept next session on %s: %w", queueName, queue.ErrTimeout)
	}
	if ctx.Err() != nil {
		s.Close()
		return nil, ctx.Err()
	}
	b.metrics.incSessionAccepted(cfg.Name)
	return s, nil
}

func (b *Broker) sessionQueue(ctx context.Context, queueName string) (queue.Config, error) {
	cfg, err := b.queueConfig(ctx, queueName)
	if err != nil {
		return queue.Config{}, err
	}
	if !cfg.RequiresSession {
		return queue.Config{}, fmt.Errorf("queue %s is not session-enabled: %w", queueName, queue.ErrInvalidOperation)
	}
	return cfg, nil
}

// Session is an exclusive handle on one session of a queue. Every call
// renews the session lock; once it lapses every call fails with
// ErrSessionLockLost.
type Session struct {
	b     *Broker
	cfg   queue.Config
	key   sessionKey
	// token is also the lock owner of every message received through the
	// handle.
	token string
}

func (s *Session) ID() string    { return s.key.id }
func (s *Session) Queue() string { return s.key.queue }

// touch renews the session lock for one session operation.
func (s *Session) touch(ctx context.Context) error {
	if _, err := s.b.queueConfig(ctx, s.key.queue); err != nil {
		if errors.Is(err, queue.ErrQueueNotFound) {
			return fmt.Errorf("%w: %v", queue.ErrSessionLockLost, err)
		}
		return err
	}
	if _, ok := s.b.sessions.renew(s.key, s.token, s.b.now(), s.cfg.LockDuration); !ok {
		return fmt.Errorf("%w: %s session %q", queue.ErrSessionLockLost, s.key.queue, s.key.id)
	}
	return nil
}

// RenewLock extends the session lock and returns the new expiry.
func (s *Session) RenewLock(ctx context.Context) (time.Time, error) {
	if _, err := s.b.queueConfig(ctx, s.key.queue); err != nil {
		return time.Time{}, err
	}
	until, ok := s.b.sessions.renew(s.key, s.token, s.b.now(), s.cfg.LockDuration)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s session %q", queue.ErrSessionLockLost, s.key.queue, s.key.id)
	}
	return until, nil
}

// Receive locks the next message of the session. It returns nil without
// error when none arrived within wait.
func (s *Session) Receive(ctx context.Context, wait time.Duration) (*queue.Message, error) {
	msgs, err := s.ReceiveBatch(ctx, 1, wait)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

func (s *Session) ReceiveBatch(ctx context.Context, max int, wait time.Duration) (_ []queue.Message, err error) {
	ctx, span := s.b.startSpan(ctx, "session_receive", s.key.queue)
	defer func() { endSpan(span, err) }()

	if err := s.touch(ctx); err != nil {
		return nil, err
	}
	out, err := s.b.acquire(ctx, acquireRequest{
		cfg:        s.cfg,
		consumerID: s.token,
		wait:       wait,
		max:        max,
		session:    true,
		sessionID:  s.key.id,
	})
	if err != nil {
		return nil, err
	}
	if len(out) > 0 && !s.b.sessions.heldWith(s.key.queue, s.key.id, s.token, s.b.now()) {
		s.b.releaseUncounted(context.WithoutCancel(ctx), out)
		return nil, fmt.Errorf("%w: %s session %q", queue.ErrSessionLockLost, s.key.queue, s.key.id)
	}
	return out, nil
}

func (s *Session) ReceiveDeferred(ctx context.Context, seqs ...int64) ([]queue.Message, error) {
	if err := s.touch(ctx); err != nil {
		return nil, err
	}
	return s.b.receiveDeferred(ctx, s.cfg, ReceiveOptions{ConsumerID: s.token}, true, s.key.id, seqs)
}

// Peek browses the session's messages without locking them.
func (s *Session) Peek(ctx context.Context, fromSeq int64, max int) ([]queue.Message, error) {
	if err := s.touch(ctx); err != nil {
		return nil, err
	}
	return s.b.peek(ctx, s.cfg, false, true, s.key.id, fromSeq, max)
}

func (s *Session) Complete(ctx context.Context, m queue.Message) error {
	if err := s.touch(ctx); err != nil {
		return err
	}
	return s.b.Complete(ctx, s.ref(m))
}

func (s *Session) Abandon(ctx context.Context, m queue.Message, props queue.Properties) error {
	if err := s.touch(ctx); err != nil {
		return err
	}
	return s.b.Abandon(ctx, s.ref(m), props)
}

func (s *Session) DeadLetter(ctx context.Context, m queue.Message, reason, description string) error {
	if err := s.touch(ctx); err != nil {
		return err
	}
	return s.b.DeadLetter(ctx, s.ref(m), reason, description)
}

func (s *Session) Defer(ctx context.Context, m queue.Message) error {
	if err := s.touch(ctx); err != nil {
		return err
	}
	return s.b.Defer(ctx, s.ref(m))
}

// RenewMessageLock extends the lock of one message received in the session.
func (s *Session) RenewMessageLock(ctx context.Context, m queue.Message) (time.Time, error) {
	if err := s.touch(ctx); err != nil {
		return time.Time{}, err
	}
	return s.b.RenewLock(ctx, s.ref(m))
}

func (s *Session) ref(m queue.Message) queue.LockRef {
	ref := m.LockRef()
	ref.Owner = s.token
	return ref
}

// GetState returns the opaque session state, nil when unset.
func (s *Session) GetState(ctx context.Context) ([]byte, error) {
	if err := s.touch(ctx); err != nil {
		return nil, err
	}
	t := s.b.sessions
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.states[s.key]
	if st == nil {
		return nil, nil
	}
	return append([]byte(nil), st...), nil
}

// SetState replaces the session state. A nil state clears it.
func (s *Session) SetState(ctx context.Context, state []byte) error {
	if err := s.touch(ctx); err != nil {
		return err
	}
	t := s.b.sessions
	t.mu.Lock()
	defer t.mu.Unlock()
	if state == nil {
		delete(t.states, s.key)
		return nil
	}
	t.states[s.key] = append([]byte(nil), state...)
	return nil
}

// Close releases the session lock. Messages it still holds stay locked until
// they expire; no later session handle can settle them.
func (s *Session) Close() {
	if s.b.sessions.release(s.key, s.token) {
		s.b.signal(sessionSignalKey(s.key.queue))
	}
}
