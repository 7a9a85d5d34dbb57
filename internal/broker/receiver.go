package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nuetzliches/peeklock/internal/queue"
)

type ReceiverOptions struct {
	ConsumerID   string
	LockDuration time.Duration
	// Prefetch is how many messages beyond the requested count are locked
	// ahead into the local buffer. Buffered messages count against their
	// lock duration.
	Prefetch int
}

var ErrReceiverClosed = errors.New("receiver closed")

// Receiver is a consumer bound to one entity, optionally prefetching.
type Receiver struct {
	b      *Broker
	entity string
	opts   ReceiverOptions

	// closing is cancelled by Close and aborts any long-poll in flight.
	closing context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	buf    []queue.Message
	closed bool
}

func (b *Broker) NewReceiver(entity string, opts ReceiverOptions) *Receiver {
	if opts.Prefetch < 0 {
		opts.Prefetch = 0
	}
	closing, cancel := context.WithCancel(context.Background())
	return &Receiver{b: b, entity: entity, opts: opts, closing: closing, cancel: cancel}
}

func (r *Receiver) Receive(ctx context.Context, wait time.Duration) (*queue.Message, error) {
	msgs, err := r.ReceiveBatch(ctx, 1, wait)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

// ReceiveBatch returns up to max locked messages, serving the prefetch
// buffer first. It only blocks when the buffer is empty. The wait does not
// hold the receiver lock, so Close interrupts it.
func (r *Receiver) ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error) {
	if max <= 0 {
		max = 1
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrReceiverClosed
	}
	r.dropExpiredLocked()
	if len(r.buf) < max {
		fetch := max - len(r.buf) + r.opts.Prefetch
		if len(r.buf) > 0 {
			wait = 0
		}
		r.mu.Unlock()
		got, err := r.fetch(ctx, fetch, wait)
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			r.b.releaseUncounted(context.WithoutCancel(ctx), got)
			return nil, ErrReceiverClosed
		}
		if err != nil && len(r.buf) == 0 && len(got) == 0 {
			r.mu.Unlock()
			return nil, err
		}
		r.buf = append(r.buf, got...)
	}
	defer r.mu.Unlock()

	n := max
	if n > len(r.buf) {
		n = len(r.buf)
	}
	out := append([]queue.Message(nil), r.buf[:n]...)
	r.buf = append(r.buf[:0], r.buf[n:]...)
	return out, nil
}

func (r *Receiver) fetch(ctx context.Context, n int, wait time.Duration) ([]queue.Message, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.closing, cancel)
	defer stop()
	return r.b.ReceiveBatch(ctx, r.entity, n, ReceiveOptions{
		ConsumerID:   r.opts.ConsumerID,
		LockDuration: r.opts.LockDuration,
		Wait:         wait,
	})
}

// Buffered reports how many prefetched messages wait locally.
func (r *Receiver) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropExpiredLocked()
	return len(r.buf)
}

// dropExpiredLocked forgets buffered messages whose lock ran out; the broker
// already treats them as released.
func (r *Receiver) dropExpiredLocked() {
	now := r.b.now()
	kept := r.buf[:0]
	for _, m := range r.buf {
		if now.Before(m.LockedUntil) {
			kept = append(kept, m)
		}
	}
	r.buf = kept
}

func (r *Receiver) Complete(ctx context.Context, m queue.Message) error {
	return r.b.Complete(ctx, m.LockRef())
}

func (r *Receiver) Abandon(ctx context.Context, m queue.Message, props queue.Properties) error {
	return r.b.Abandon(ctx, m.LockRef(), props)
}

func (r *Receiver) DeadLetter(ctx context.Context, m queue.Message, reason, description string) error {
	return r.b.DeadLetter(ctx, m.LockRef(), reason, description)
}

func (r *Receiver) Defer(ctx context.Context, m queue.Message) error {
	return r.b.Defer(ctx, m.LockRef())
}

func (r *Receiver) RenewLock(ctx context.Context, m queue.Message) (time.Time, error) {
	return r.b.RenewLock(ctx, m.LockRef())
}

// Close hands buffered messages back without counting a delivery.
func (r *Receiver) Close(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.cancel()
	r.dropExpiredLocked()
	r.b.releaseUncounted(context.WithoutCancel(ctx), r.buf)
	r.buf = nil
}
