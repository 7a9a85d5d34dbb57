package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nuetzliches/peeklock/internal/queue"
)

// lockedMessage loads the record ref points at and checks that ref is still
// its current, unexpired lock. An expired lock is released on the spot.
func (b *Broker) lockedMessage(ctx context.Context, ref queue.LockRef) (queue.Config, queue.Message, error) {
	cfg, err := b.queueConfig(ctx, ref.Queue)
	if err != nil {
		return queue.Config{}, queue.Message{}, err
	}
	if ref.Token == "" {
		return queue.Config{}, queue.Message{}, queue.ErrLockLost
	}
	cur, err := b.store.Get(ctx, ref.Queue, ref.SequenceNumber)
	if errors.Is(err, queue.ErrNotFound) {
		return queue.Config{}, queue.Message{}, queue.ErrLockLost
	}
	if err != nil {
		return queue.Config{}, queue.Message{}, err
	}
	if cur.State != queue.StateLocked || cur.LockToken != ref.Token || cur.LockOwner != ref.Owner {
		return queue.Config{}, queue.Message{}, queue.ErrLockLost
	}
	now := b.now()
	if !now.Before(cur.LockedUntil) {
		next := releasedState(cfg, cur)
		if _, err := b.store.Swap(ctx, cur, next); err == nil {
			b.metrics.incLockExpired(ref.Entity())
			b.noteDeadLettered(cur, next)
			b.signal(cfg.Name)
		}
		return queue.Config{}, queue.Message{}, queue.ErrLockLost
	}
	if cfg.RequiresSession && cur.ReleaseTo != queue.StateDeadLettered {
		if !b.sessions.heldWith(cfg.Name, cur.SessionID, cur.LockOwner, now) {
			return queue.Config{}, queue.Message{}, queue.ErrSessionLockLost
		}
	}
	return cfg, cur, nil
}

// settleErr maps a lost CAS on a locked record to ErrLockLost.
func settleErr(err error) error {
	if errors.Is(err, queue.ErrConflict) || errors.Is(err, queue.ErrNotFound) {
		return queue.ErrLockLost
	}
	return err
}

// Complete removes a locked message.
func (b *Broker) Complete(ctx context.Context, ref queue.LockRef) (err error) {
	ctx, span := b.startSpan(ctx, "complete", ref.Entity())
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int64("peeklock.sequence_number", ref.SequenceNumber))

	_, cur, err := b.lockedMessage(ctx, ref)
	if err != nil {
		return err
	}
	if err := b.store.Remove(ctx, cur); err != nil {
		return settleErr(err)
	}
	b.metrics.incCompleted(ref.Entity())
	return nil
}

// Abandon releases the lock so the message can be received again. props,
// if any, are merged into the application properties. A main-queue message
// that reached the queue's MaxDeliveryCount is dead-lettered instead.
func (b *Broker) Abandon(ctx context.Context, ref queue.LockRef, props queue.Properties) (err error) {
	ctx, span := b.startSpan(ctx, "abandon", ref.Entity())
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int64("peeklock.sequence_number", ref.SequenceNumber))

	if err := props.Validate(); err != nil {
		return err
	}
	cfg, cur, err := b.lockedMessage(ctx, ref)
	if err != nil {
		return err
	}
	next := releasedState(cfg, cur)
	next.Properties = mergeProperties(next.Properties, props)
	if _, err := b.store.Swap(ctx, cur, next); err != nil {
		return settleErr(err)
	}
	b.metrics.incAbandoned(ref.Entity())
	b.noteDeadLettered(cur, next)
	b.signal(cfg.Name)
	return nil
}

// DeadLetter moves a locked message to the dead-letter sub-queue. Sequence
// number, body and properties are kept.
func (b *Broker) DeadLetter(ctx context.Context, ref queue.LockRef, reason, description string) (err error) {
	ctx, span := b.startSpan(ctx, "dead_letter", ref.Entity())
	defer func() { endSpan(span, err) }()

	if ref.DeadLetter {
		return fmt.Errorf("dead-letter from %s: %w", ref.Entity(), queue.ErrInvalidOperation)
	}
	_, cur, err := b.lockedMessage(ctx, ref)
	if err != nil {
		return err
	}
	next := cur
	clearLock(&next)
	next.State = queue.StateDeadLettered
	next.DeadLetterReason = reason
	next.DeadLetterDescription = description
	if _, err := b.store.Swap(ctx, cur, next); err != nil {
		return settleErr(err)
	}
	b.noteDeadLettered(cur, next)
	return nil
}

// Defer parks a locked message in the deferred pool. Only ReceiveDeferred
// with its sequence number can retrieve it.
func (b *Broker) Defer(ctx context.Context, ref queue.LockRef) (err error) {
	ctx, span := b.startSpan(ctx, "defer", ref.Entity())
	defer func() { endSpan(span, err) }()

	if ref.DeadLetter {
		return fmt.Errorf("defer from %s: %w", ref.Entity(), queue.ErrInvalidOperation)
	}
	_, cur, err := b.lockedMessage(ctx, ref)
	if err != nil {
		return err
	}
	next := cur
	clearLock(&next)
	next.State = queue.StateDeferred
	if _, err := b.store.Swap(ctx, cur, next); err != nil {
		return settleErr(err)
	}
	b.metrics.incDeferred(ref.Queue)
	return nil
}

// ReceiveDeferred locks deferred messages by sequence number. Either all of
// seqs are locked or none is.
func (b *Broker) ReceiveDeferred(ctx context.Context, queueName string, opts ReceiveOptions, seqs ...int64) (_ []queue.Message, err error) {
	ctx, span := b.startSpan(ctx, "receive_deferred", queueName)
	defer func() { endSpan(span, err) }()

	cfg, err := b.queueConfig(ctx, queueName)
	if err != nil {
		return nil, err
	}
	if cfg.RequiresSession {
		return nil, fmt.Errorf("receive deferred %s: %w", queueName, queue.ErrSessionRequired)
	}
	return b.receiveDeferred(ctx, cfg, opts, false, "", seqs)
}

func (b *Broker) receiveDeferred(ctx context.Context, cfg queue.Config, opts ReceiveOptions, session bool, sessionID string, seqs []int64) ([]queue.Message, error) {
	lockDuration := opts.LockDuration
	if lockDuration <= 0 {
		lockDuration = cfg.LockDuration
	}

	now := b.now()
	out := make([]queue.Message, 0, len(seqs))
	for _, seq := range seqs {
		cur, err := b.store.Get(ctx, cfg.Name, seq)
		if err != nil && !errors.Is(err, queue.ErrNotFound) {
			b.redefer(ctx, out)
			return nil, err
		}
		if err != nil || cur.State != queue.StateDeferred || (session && cur.SessionID != sessionID) {
			b.redefer(ctx, out)
			return nil, fmt.Errorf("%w: %s #%d", queue.ErrSequenceNumberNotFound, cfg.Name, seq)
		}
		next := cur
		next.State = queue.StateLocked
		next.LockToken = newLockToken()
		next.LockOwner = opts.ConsumerID
		next.LockedUntil = now.Add(lockDuration)
		next.ReleaseTo = queue.StateActive
		next.DeliveryCount++
		stored, err := b.store.Swap(ctx, cur, next)
		if err != nil {
			b.redefer(ctx, out)
			if errors.Is(err, queue.ErrConflict) || errors.Is(err, queue.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s #%d", queue.ErrSequenceNumberNotFound, cfg.Name, seq)
			}
			return nil, err
		}
		out = append(out, stored)
	}
	b.metrics.incReceived(cfg.Name, len(out))
	return out, nil
}

// redefer puts messages locked by a failed ReceiveDeferred back.
func (b *Broker) redefer(ctx context.Context, msgs []queue.Message) {
	for i := range msgs {
		msgs[i].ReleaseTo = queue.StateDeferred
	}
	if len(msgs) > 0 {
		b.logger.Debug("receive_deferred_rollback", slog.Int("count", len(msgs)))
	}
	b.releaseUncounted(context.WithoutCancel(ctx), msgs)
}

func mergeProperties(base, overrides queue.Properties) queue.Properties {
	if len(overrides) == 0 {
		return base
	}
	out := base.Clone()
	if out == nil {
		out = make(queue.Properties, len(overrides))
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
