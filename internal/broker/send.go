package broker

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nuetzliches/peeklock/internal/queue"
)

// OutgoingMessage is what a producer hands to Send.
type OutgoingMessage struct {
	ID               string
	Body             []byte
	Properties       queue.Properties
	ContentType      string
	CorrelationID    string
	Subject          string
	ReplyTo          string
	ReplyToSessionID string
	SessionID        string
	// ScheduledAt in the future stores the message as scheduled.
	ScheduledAt time.Time
}

func (o OutgoingMessage) record(now time.Time) queue.Message {
	m := queue.Message{
		ID:               o.ID,
		Body:             o.Body,
		Properties:       o.Properties,
		ContentType:      o.ContentType,
		CorrelationID:    o.CorrelationID,
		Subject:          o.Subject,
		ReplyTo:          o.ReplyTo,
		ReplyToSessionID: o.ReplyToSessionID,
		SessionID:        o.SessionID,
		EnqueuedAt:       now,
		State:            queue.StateActive,
	}
	if o.ScheduledAt.After(now) {
		m.State = queue.StateScheduled
		m.ScheduledAt = o.ScheduledAt.UTC()
	}
	return m.Clone()
}

// SendResult is the per-item outcome of SendBatch.
type SendResult struct {
	SequenceNumber int64
	Err            error
}

// Send stores one message and returns its sequence number in the queue
// that finally holds it.
func (b *Broker) Send(ctx context.Context, queueName string, msg OutgoingMessage) (int64, error) {
	res, err := b.SendBatch(ctx, queueName, []OutgoingMessage{msg})
	if err != nil {
		return 0, err
	}
	return res[0].SequenceNumber, res[0].Err
}

// SendBatch stores msgs. Items failing validation get their own error and
// do not stop the rest; a missing queue or a failed forward fails the call.
func (b *Broker) SendBatch(ctx context.Context, queueName string, msgs []OutgoingMessage) (_ []SendResult, err error) {
	ctx, span := b.startSpan(ctx, "send", queueName)
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("peeklock.batch_size", len(msgs)))

	cfg, err := b.queueConfig(ctx, queueName)
	if err != nil {
		return nil, err
	}
	dest, err := b.resolveForward(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if dest.Name != cfg.Name {
		span.SetAttributes(attribute.String("peeklock.forwarded_to", dest.Name))
	}

	now := b.now()
	results := make([]SendResult, len(msgs))
	records := make([]queue.Message, 0, len(msgs))
	index := make([]int, 0, len(msgs))
	for i, om := range msgs {
		rec := om.record(now)
		if err := validateOutgoing(cfg, dest, rec); err != nil {
			results[i].Err = err
			continue
		}
		records = append(records, rec)
		index = append(index, i)
	}
	if len(records) == 0 {
		return results, nil
	}

	stored, err := b.store.Append(ctx, dest.Name, records)
	if err != nil {
		return nil, fmt.Errorf("send to %s: %w", dest.Name, err)
	}
	for j, i := range index {
		results[i].SequenceNumber = stored[j].SequenceNumber
	}
	b.metrics.incSent(dest.Name, len(stored))
	if dest.Name != cfg.Name {
		b.metrics.incForwarded(cfg.Name, dest.Name, len(stored))
	}
	b.signal(dest.Name)
	return results, nil
}

func validateOutgoing(src, dest queue.Config, rec queue.Message) error {
	if err := queue.ValidateContent(rec); err != nil {
		return err
	}
	if err := queue.ValidateSize(src, rec); err != nil {
		return err
	}
	if dest.Name != src.Name {
		if err := queue.ValidateSize(dest, rec); err != nil {
			return err
		}
	}
	if dest.RequiresSession && rec.SessionID == "" {
		return fmt.Errorf("send to %s: %w", dest.Name, queue.ErrSessionRequired)
	}
	return nil
}
