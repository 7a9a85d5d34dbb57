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
	"github.com/nuetzliches/peeklock/internal/txlog"
)

type MoveOptions struct {
	ConsumerID string
	// Wait bounds the receive of MoveNext.
	Wait time.Duration
	// Prepare builds the destination message from the source. The default
	// resubmits body and properties unchanged.
	Prepare func(queue.Message) OutgoingMessage
}

type MoveResult struct {
	TxID                      string
	Source                    queue.Message
	DestinationQueue          string
	DestinationSequenceNumber int64
}

// Resubmit is the default Prepare: a plain copy without dead-letter fields.
func Resubmit(m queue.Message) OutgoingMessage {
	return OutgoingMessage{
		ID:               m.ID,
		Body:             m.Body,
		Properties:       m.Properties.Clone(),
		ContentType:      m.ContentType,
		CorrelationID:    m.CorrelationID,
		Subject:          m.Subject,
		ReplyTo:          m.ReplyTo,
		ReplyToSessionID: m.ReplyToSessionID,
		SessionID:        m.SessionID,
	}
}

// MoveNext receives the next message of source and moves it to destination
// in one transaction. It fails with ErrTimeout when source stays empty for
// opts.Wait.
func (b *Broker) MoveNext(ctx context.Context, source, destination string, opts MoveOptions) (MoveResult, error) {
	m, err := b.Receive(ctx, source, ReceiveOptions{ConsumerID: opts.ConsumerID, Wait: opts.Wait})
	if err != nil {
		return MoveResult{}, err
	}
	if m == nil {
		return MoveResult{}, fmt.Errorf("move from %s: %w", source, queue.ErrTimeout)
	}
	res, err := b.Move(ctx, *m, destination, opts)
	if err != nil && !errors.Is(err, errMoveInterrupted) {
		// The receive belongs to the transaction; give the message back.
		b.releaseUncounted(context.WithoutCancel(ctx), []queue.Message{*m})
	}
	return res, err
}

// Move sends a copy of the locked message src to destination and completes
// src, all or nothing. Every step is written to the move log first, so an
// interrupted move is finished or undone by Recover. Until the move commits
// the copy is staged and never receivable.
func (b *Broker) Move(ctx context.Context, src queue.Message, destination string, opts MoveOptions) (_ MoveResult, err error) {
	ref := src.LockRef()
	ctx, span := b.startSpan(ctx, "move", ref.Entity())
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("peeklock.destination", destination))

	_, cur, err := b.lockedMessage(ctx, ref)
	if err != nil {
		return MoveResult{}, err
	}
	destCfg, err := b.queueConfig(ctx, destination)
	if err != nil {
		return MoveResult{}, err
	}
	dest, err := b.resolveForward(ctx, destCfg)
	if err != nil {
		return MoveResult{}, err
	}

	prepare := opts.Prepare
	if prepare == nil {
		prepare = Resubmit
	}
	rec := prepare(cur).record(b.now())
	if err := validateOutgoing(destCfg, dest, rec); err != nil {
		return MoveResult{}, err
	}
	// The staged copy remembers the state it commits to.
	rec.ReleaseTo = rec.State
	rec.State = queue.StateStaged

	entry := txlog.Entry{
		ID:               "tx_" + uuid.NewString(),
		SourceQueue:      cur.Queue,
		SourceDeadLetter: ref.DeadLetter,
		SourceSeq:        cur.SequenceNumber,
		SourceMessageID:  cur.ID,
		SourceLockToken:  cur.LockToken,
		DestQueue:        dest.Name,
		BodyHash:         txlog.HashBody(rec.Body),
		Phase:            txlog.PhasePrepared,
	}
	rec.TxID = entry.ID
	span.SetAttributes(attribute.String("peeklock.tx_id", entry.ID))

	b.trackMove(entry.ID)
	defer b.untrackMove(entry.ID)

	abort := func(cause error) (MoveResult, error) {
		b.metrics.incMove("aborted")
		b.logger.Warn("move_aborted", slog.String("tx_id", entry.ID), slog.Any("err", cause))
		return MoveResult{}, fmt.Errorf("%w: %v", queue.ErrTransactionAborted, cause)
	}

	if err := b.moves.Begin(ctx, entry); err != nil {
		return abort(err)
	}
	if err := b.fault("prepared"); err != nil {
		return MoveResult{}, err
	}

	staged, err := b.store.Append(ctx, dest.Name, []queue.Message{rec})
	if err != nil {
		b.rollbackMove(ctx, entry)
		return abort(err)
	}
	copyRec := staged[0]
	if err := b.moves.Advance(ctx, entry.ID, txlog.PhaseStaged, copyRec.SequenceNumber); err != nil {
		b.rollbackMove(ctx, entry)
		return abort(err)
	}
	if err := b.fault("staged"); err != nil {
		return MoveResult{}, err
	}

	if !b.now().Before(cur.LockedUntil) {
		b.rollbackMove(ctx, entry)
		return abort(queue.ErrLockLost)
	}
	if err := b.store.Remove(ctx, cur); err != nil {
		b.rollbackMove(ctx, entry)
		return abort(settleErr(err))
	}
	if err := b.fault("source_completed"); err != nil {
		return MoveResult{}, err
	}

	if _, err := b.commitStaged(ctx, copyRec); err != nil {
		// The source is gone; Recover promotes the copy.
		return MoveResult{}, fmt.Errorf("move %s: promote copy: %w", entry.ID, err)
	}
	if err := b.moves.Finish(ctx, entry.ID); err != nil {
		b.logger.Warn("move_log_finish_failed", slog.String("tx_id", entry.ID), slog.Any("err", err))
	}
	b.metrics.incMove("committed")
	b.signal(dest.Name)

	return MoveResult{
		TxID:                      entry.ID,
		Source:                    cur,
		DestinationQueue:          dest.Name,
		DestinationSequenceNumber: copyRec.SequenceNumber,
	}, nil
}

var errMoveInterrupted = errors.New("move interrupted")

// moveStepHook runs after each move step. A non-nil error stops the move
// without cleanup, as a crash at that point would.
var moveStepHook = func(*Broker, string) error { return nil }

func (b *Broker) fault(step string) error {
	if err := moveStepHook(b, step); err != nil {
		return fmt.Errorf("%w at %s: %v", errMoveInterrupted, step, err)
	}
	return nil
}

func (b *Broker) trackMove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inflight[id] = struct{}{}
}

func (b *Broker) untrackMove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, id)
}

func (b *Broker) moveInFlight(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.inflight[id]
	return ok
}

// commitStaged turns a staged copy into the state it was staged for.
func (b *Broker) commitStaged(ctx context.Context, staged queue.Message) (queue.Message, error) {
	next := staged
	next.State = staged.ReleaseTo
	if next.State == "" || next.State == queue.StateStaged {
		next.State = queue.StateActive
	}
	next.ReleaseTo = ""
	next.TxID = ""
	return b.store.Swap(ctx, staged, next)
}

// rollbackMove discards staged copies of entry and marks it finished. The
// source lock is left to the caller.
func (b *Broker) rollbackMove(ctx context.Context, entry txlog.Entry) {
	ctx = context.WithoutCancel(ctx)
	if err := b.discardStaged(ctx, entry); err != nil {
		b.logger.Error("move_rollback_failed", slog.String("tx_id", entry.ID), slog.Any("err", err))
		return
	}
	if err := b.moves.Finish(ctx, entry.ID); err != nil {
		b.logger.Warn("move_log_finish_failed", slog.String("tx_id", entry.ID), slog.Any("err", err))
	}
}

func (b *Broker) discardStaged(ctx context.Context, entry txlog.Entry) error {
	copies, err := b.store.Scan(ctx, entry.DestQueue, queue.Filter{
		States: []queue.State{queue.StateStaged},
		TxID:   entry.ID,
	})
	if err != nil {
		return err
	}
	for _, c := range copies {
		if err := b.store.Remove(ctx, c); err != nil && !errors.Is(err, queue.ErrNotFound) {
			return err
		}
	}
	return nil
}

// Recover finishes or undoes moves left unfinished by a crash. Moves still
// running in this process are skipped.
func (b *Broker) Recover(ctx context.Context) (int, error) {
	entries, err := b.moves.Pending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if b.moveInFlight(e.ID) {
			continue
		}
		switch e.Phase {
		case txlog.PhaseStaged:
			err = b.rollForward(ctx, e)
		default:
			err = b.rollBack(ctx, e)
		}
		if err != nil {
			return n, fmt.Errorf("recover move %s: %w", e.ID, err)
		}
		if err := b.moves.Finish(ctx, e.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (b *Broker) rollBack(ctx context.Context, e txlog.Entry) error {
	if err := b.discardStaged(ctx, e); err != nil {
		return err
	}
	src, err := b.store.Get(ctx, e.SourceQueue, e.SourceSeq)
	if errors.Is(err, queue.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if src.State == queue.StateLocked && src.LockToken == e.SourceLockToken {
		b.releaseUncounted(ctx, []queue.Message{src})
	}
	b.metrics.incMove("rolled_back")
	b.logger.Info("move_rolled_back", slog.String("tx_id", e.ID), slog.String("source", e.SourceQueue), slog.Int64("source_seq", e.SourceSeq))
	return nil
}

func (b *Broker) rollForward(ctx context.Context, e txlog.Entry) error {
	// Remove the original wherever its lock went since.
	for attempt := 0; attempt < 5; attempt++ {
		src, err := b.store.Get(ctx, e.SourceQueue, e.SourceSeq)
		if errors.Is(err, queue.ErrNotFound) {
			break
		}
		if err != nil {
			return err
		}
		if src.ID != e.SourceMessageID {
			break
		}
		err = b.store.Remove(ctx, src)
		if err == nil || errors.Is(err, queue.ErrNotFound) {
			break
		}
		if !errors.Is(err, queue.ErrConflict) {
			return err
		}
	}

	copies, err := b.store.Scan(ctx, e.DestQueue, queue.Filter{
		States: []queue.State{queue.StateStaged},
		TxID:   e.ID,
	})
	if err != nil {
		return err
	}
	for _, c := range copies {
		if _, err := b.commitStaged(ctx, c); err != nil && !errors.Is(err, queue.ErrConflict) {
			return err
		}
	}
	b.signal(e.DestQueue)
	b.metrics.incMove("rolled_forward")
	b.logger.Info("move_rolled_forward", slog.String("tx_id", e.ID), slog.String("destination", e.DestQueue), slog.Int64("destination_seq", e.DestSeq))
	return nil
}
