package broker

import (
	"context"
	"fmt"

	"github.com/nuetzliches/peeklock/internal/queue"
)

// resolveForward follows ForwardTo from cfg to the queue that stores the
// message. Every queue on the way must be live; the source is never written.
func (b *Broker) resolveForward(ctx context.Context, cfg queue.Config) (queue.Config, error) {
	cur := cfg
	seen := map[string]struct{}{cfg.Name: {}}
	for hops := 0; cur.ForwardTo != ""; hops++ {
		if hops >= maxForwardHops {
			return queue.Config{}, fmt.Errorf("forward from %s: chain exceeds %d hops: %w", cfg.Name, maxForwardHops, queue.ErrInvalidOperation)
		}
		next, err := b.queueConfig(ctx, cur.ForwardTo)
		if err != nil {
			return queue.Config{}, fmt.Errorf("forward %s -> %s: %w", cur.Name, cur.ForwardTo, err)
		}
		if _, loop := seen[next.Name]; loop {
			return queue.Config{}, fmt.Errorf("forward from %s: loop through %s: %w", cfg.Name, next.Name, queue.ErrInvalidOperation)
		}
		seen[next.Name] = struct{}{}
		cur = next
	}
	return cur, nil
}
