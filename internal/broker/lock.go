package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nuetzliches/peeklock/internal/queue"
)

type ReceiveOptions struct {
	ConsumerID string
	// LockDuration overrides the queue lock duration for this acquisition.
	LockDuration time.Duration
	// Wait is how long to block for a message. Zero returns immediately.
	Wait time.Duration
}

type acquireRequest struct {
	cfg          queue.Config
	deadLetter   bool
	consumerID   string
	lockDuration time.Duration
	wait         time.Duration
	max          int
	session      bool
	sessionID    string
}

func (r acquireRequest) entity() string {
	if r.deadLetter {
		return queue.DeadLetterPath(r.cfg.Name)
	}
	return r.cfg.Name
}

// Receive locks the next message of entity. It returns nil without error
// when no message arrived within opts.Wait.
func (b *Broker) Receive(ctx context.Context, entity string, opts ReceiveOptions) (*queue.Message, error) {
	msgs, err := b.ReceiveBatch(ctx, entity, 1, opts)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

// ReceiveBatch locks up to max messages. It blocks until at least one
// message is available or opts.Wait elapses.
func (b *Broker) ReceiveBatch(ctx context.Context, entity string, max int, opts ReceiveOptions) (_ []queue.Message, err error) {
	ctx, span := b.startSpan(ctx, "receive", entity)
	defer func() { endSpan(span, err) }()

	name, deadLetter := queue.ParseEntity(entity)
	cfg, err := b.queueConfig(ctx, name)
	if err != nil {
		return nil, err
	}
	if cfg.RequiresSession && !deadLetter {
		return nil, fmt.Errorf("receive %s: %w", name, queue.ErrSessionRequired)
	}
	out, err := b.acquire(ctx, acquireRequest{
		cfg:          cfg,
		deadLetter:   deadLetter,
		consumerID:   opts.ConsumerID,
		lockDuration: opts.LockDuration,
		wait:         opts.Wait,
		max:          max,
	})
	span.SetAttributes(attribute.Int("peeklock.received", len(out)))
	return out, err
}

func (b *Broker) acquire(ctx context.Context, req acquireRequest) ([]queue.Message, error) {
	if req.max <= 0 {
		req.max = 1
	}
	if req.max > MaxBatch {
		req.max = MaxBatch
	}
	if req.lockDuration <= 0 {
		req.lockDuration = req.cfg.LockDuration
	}

	var out []queue.Message
	err := b.poll(ctx, req.cfg.Name, req.wait, func() (bool, error) {
		if err := b.maintain(ctx, req.cfg); err != nil {
			return false, err
		}
		got, err := b.acquireOnce(ctx, req)
		if err != nil {
			return false, err
		}
		out = got
		return len(out) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil && len(out) > 0 {
		// The caller is gone; hand the messages back untouched.
		b.releaseUncounted(context.WithoutCancel(ctx), out)
		return nil, ctx.Err()
	}
	b.metrics.incReceived(req.entity(), len(out))
	return out, nil
}

func (b *Broker) acquireOnce(ctx context.Context, req acquireRequest) ([]queue.Message, error) {
	from := queue.StateActive
	if req.deadLetter {
		from = queue.StateDeadLettered
	}
	filter := queue.Filter{States: []queue.State{from}, Limit: req.max + 8}
	if req.session {
		filter.SessionID = req.sessionID
		filter.SessionSet = true
	}
	candidates, err := b.store.Scan(ctx, req.cfg.Name, filter)
	if err != nil {
		return nil, err
	}

	now := b.now()
	out := make([]queue.Message, 0, req.max)
	for _, cur := range candidates {
		if len(out) >= req.max {
			break
		}
		next := cur
		next.State = queue.StateLocked
		next.LockToken = newLockToken()
		next.LockOwner = req.consumerID
		next.LockedUntil = now.Add(req.lockDuration)
		next.ReleaseTo = from
		next.DeliveryCount++
		stored, err := b.store.Swap(ctx, cur, next)
		if errors.Is(err, queue.ErrConflict) || errors.Is(err, queue.ErrNotFound) {
			continue
		}
		if err != nil {
			if len(out) > 0 {
				b.logger.Warn("acquire_partial", slog.String("entity", req.entity()), slog.Any("err", err))
				break
			}
			return nil, err
		}
		out = append(out, stored)
	}
	return out, nil
}

// maintain applies due transitions of one queue inline, so receivers see a
// current view even without the background sweeper.
func (b *Broker) maintain(ctx context.Context, cfg queue.Config) error {
	if _, err := b.promoteDue(ctx, cfg); err != nil {
		return err
	}
	if _, err := b.releaseExpired(ctx, cfg); err != nil {
		return err
	}
	return nil
}

// RenewLock extends a message lock by the queue lock duration.
func (b *Broker) RenewLock(ctx context.Context, ref queue.LockRef) (_ time.Time, err error) {
	ctx, span := b.startSpan(ctx, "renew_lock", ref.Entity())
	defer func() { endSpan(span, err) }()

	cfg, cur, err := b.lockedMessage(ctx, ref)
	if err != nil {
		return time.Time{}, err
	}
	next := cur
	next.LockedUntil = b.now().Add(cfg.LockDuration)
	stored, err := b.store.Swap(ctx, cur, next)
	if err != nil {
		return time.Time{}, settleErr(err)
	}
	return stored.LockedUntil, nil
}

// ReleaseExpired releases every expired lock of every live queue.
func (b *Broker) ReleaseExpired(ctx context.Context) (int, error) {
	total := 0
	for _, cfg := range b.liveQueues() {
		n, err := b.releaseExpired(ctx, cfg)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (b *Broker) releaseExpired(ctx context.Context, cfg queue.Config) (int, error) {
	now := b.now()
	expired, err := b.store.Scan(ctx, cfg.Name, queue.Filter{
		States:        []queue.State{queue.StateLocked},
		LockExpiredBy: now,
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, cur := range expired {
		next := releasedState(cfg, cur)
		if _, err := b.store.Swap(ctx, cur, next); err != nil {
			if errors.Is(err, queue.ErrConflict) || errors.Is(err, queue.ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
		entity := cur.LockRef().Entity()
		b.metrics.incLockExpired(entity)
		b.logger.Debug("lock_expired",
			slog.String("entity", entity),
			slog.Int64("sequence_number", cur.SequenceNumber),
			slog.Int("delivery_count", cur.DeliveryCount),
		)
		b.noteDeadLettered(cur, next)
	}
	if n > 0 {
		b.signal(cfg.Name)
	}
	return n, nil
}

// releasedState is the record after a counted lock release (abandon or
// expiry). Main-queue messages that used up their deliveries dead-letter;
// dead-letter sub-queue messages always return there.
func releasedState(cfg queue.Config, cur queue.Message) queue.Message {
	next := cur
	clearLock(&next)
	if cur.ReleaseTo == queue.StateDeadLettered {
		next.State = queue.StateDeadLettered
		return next
	}
	if cfg.MaxDeliveryCount > 0 && cur.DeliveryCount >= cfg.MaxDeliveryCount {
		next.State = queue.StateDeadLettered
		next.DeadLetterReason = queue.ReasonMaxDeliveryCountExceeded
		next.DeadLetterDescription = fmt.Sprintf("Message could not be consumed after %d delivery attempts.", cfg.MaxDeliveryCount)
		return next
	}
	next.State = queue.StateActive
	return next
}

// releaseUncounted returns locked messages to where they came from and takes
// back the delivery count of the acquisition.
func (b *Broker) releaseUncounted(ctx context.Context, msgs []queue.Message) {
	for _, cur := range msgs {
		next := cur
		next.State = cur.ReleaseTo
		if next.State == "" {
			next.State = queue.StateActive
		}
		clearLock(&next)
		if next.DeliveryCount > 0 {
			next.DeliveryCount--
		}
		if _, err := b.store.Swap(ctx, cur, next); err != nil && !errors.Is(err, queue.ErrConflict) && !errors.Is(err, queue.ErrNotFound) {
			b.logger.Error("lock_release_failed",
				slog.String("queue", cur.Queue),
				slog.Int64("sequence_number", cur.SequenceNumber),
				slog.Any("err", err),
			)
		}
		b.signal(cur.Queue)
	}
}

func newLockToken() string { return uuid.NewString() }

func clearLock(m *queue.Message) {
	m.LockToken = ""
	m.LockOwner = ""
	m.LockedUntil = time.Time{}
	m.ReleaseTo = ""
}

func (b *Broker) noteDeadLettered(prev, next queue.Message) {
	if next.State != queue.StateDeadLettered || prev.ReleaseTo == queue.StateDeadLettered {
		return
	}
	b.metrics.incDeadLettered(next.Queue, next.DeadLetterReason)
	b.logger.Info("message_dead_lettered",
		slog.String("queue", next.Queue),
		slog.Int64("sequence_number", next.SequenceNumber),
		slog.String("reason", next.DeadLetterReason),
		slog.Int("delivery_count", next.DeliveryCount),
	)
}
