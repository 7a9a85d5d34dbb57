package broker

import (
	"context"

	"github.com/nuetzliches/peeklock/internal/queue"
)

// Peek returns up to max messages of entity starting at fromSeq without
// locking them. The main queue shows active, scheduled, deferred and locked
// messages; the dead-letter path shows dead-lettered ones, including those
// currently locked through it.
func (b *Broker) Peek(ctx context.Context, entity string, fromSeq int64, max int) (_ []queue.Message, err error) {
	ctx, span := b.startSpan(ctx, "peek", entity)
	defer func() { endSpan(span, err) }()

	name, deadLetter := queue.ParseEntity(entity)
	cfg, err := b.queueConfig(ctx, name)
	if err != nil {
		return nil, err
	}
	return b.peek(ctx, cfg, deadLetter, false, "", fromSeq, max)
}

func (b *Broker) peek(ctx context.Context, cfg queue.Config, deadLetter, session bool, sessionID string, fromSeq int64, max int) ([]queue.Message, error) {
	if max <= 0 {
		max = 1
	}
	if max > MaxBatch {
		max = MaxBatch
	}
	if err := b.maintain(ctx, cfg); err != nil {
		return nil, err
	}

	states := []queue.State{queue.StateActive, queue.StateScheduled, queue.StateDeferred, queue.StateLocked}
	if deadLetter {
		states = []queue.State{queue.StateDeadLettered, queue.StateLocked}
	}
	after := fromSeq - 1
	if after < 0 {
		after = 0
	}

	out := make([]queue.Message, 0, max)
	for len(out) < max {
		page, err := b.store.Scan(ctx, cfg.Name, queue.Filter{
			States:     states,
			SessionID:  sessionID,
			SessionSet: session,
			AfterSeq:   after,
			Limit:      max,
		})
		if err != nil {
			return nil, err
		}
		for _, m := range page {
			if m.State == queue.StateLocked && (m.ReleaseTo == queue.StateDeadLettered) != deadLetter {
				continue
			}
			out = append(out, m)
			if len(out) >= max {
				break
			}
		}
		if len(page) < max {
			break
		}
		after = page[len(page)-1].SequenceNumber
	}
	return out, nil
}
