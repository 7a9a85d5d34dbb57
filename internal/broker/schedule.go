package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nuetzliches/peeklock/internal/queue"
)

// Schedule stores msg to become receivable at visibleAt. A time not in the
// future makes the message active right away.
func (b *Broker) Schedule(ctx context.Context, queueName string, msg OutgoingMessage, visibleAt time.Time) (int64, error) {
	msg.ScheduledAt = visibleAt
	return b.Send(ctx, queueName, msg)
}

// CancelScheduled removes a message that is still scheduled. seq is the
// number Schedule returned, which lives in the forward destination when
// queueName forwards.
func (b *Broker) CancelScheduled(ctx context.Context, queueName string, seq int64) (err error) {
	ctx, span := b.startSpan(ctx, "cancel_scheduled", queueName)
	defer func() { endSpan(span, err) }()

	cfg, err := b.queueConfig(ctx, queueName)
	if err != nil {
		return err
	}
	dest, err := b.resolveForward(ctx, cfg)
	if err != nil {
		return err
	}
	cur, err := b.store.Get(ctx, dest.Name, seq)
	if errors.Is(err, queue.ErrNotFound) {
		return fmt.Errorf("%w: %s #%d", queue.ErrSequenceNumberNotFound, dest.Name, seq)
	}
	if err != nil {
		return err
	}
	if cur.State != queue.StateScheduled {
		return fmt.Errorf("%w: %s #%d is %s", queue.ErrSequenceNumberNotFound, dest.Name, seq, cur.State)
	}
	if err := b.store.Remove(ctx, cur); err != nil {
		if errors.Is(err, queue.ErrConflict) || errors.Is(err, queue.ErrNotFound) {
			return fmt.Errorf("%w: %s #%d", queue.ErrSequenceNumberNotFound, dest.Name, seq)
		}
		return err
	}
	return nil
}

// PromoteDue activates every due scheduled message of every live queue.
func (b *Broker) PromoteDue(ctx context.Context) (int, error) {
	total := 0
	for _, cfg := range b.liveQueues() {
		n, err := b.promoteDue(ctx, cfg)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (b *Broker) promoteDue(ctx context.Context, cfg queue.Config) (int, error) {
	due, err := b.store.Scan(ctx, cfg.Name, queue.Filter{
		States:      []queue.State{queue.StateScheduled},
		ScheduledBy: b.now(),
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, cur := range due {
		next := cur
		next.State = queue.StateActive
		if _, err := b.store.Swap(ctx, cur, next); err != nil {
			if errors.Is(err, queue.ErrConflict) || errors.Is(err, queue.ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		b.metrics.incPromoted(cfg.Name, n)
		b.logger.Debug("scheduled_promoted", slog.String("queue", cfg.Name), slog.Int("count", n))
		b.signal(cfg.Name)
	}
	return n, nil
}
