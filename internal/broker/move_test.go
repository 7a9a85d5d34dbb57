package broker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nuetzliches/peeklock/internal/queue"
	"github.com/nuetzliches/peeklock/internal/txlog"
)

func moveQueues() []queue.Config {
	return []queue.Config{{Name: "inbox"}, {Name: "archive"}}
}

func failAt(step string) func(string) error {
	return func(s string) error {
		if s == step {
			return errors.New("simulated crash")
		}
		return nil
	}
}

func assertMoved(t *testing.T, b *Broker, body string) {
	t.Helper()
	src := mustStats(t, b, "inbox")
	if src.Active+src.Locked+src.Staged != 0 {
		t.Fatalf("source still holds the message: %+v", src)
	}
	dst := mustStats(t, b, "archive")
	if dst.Active != 1 || dst.Staged != 0 {
		t.Fatalf("destination stats=%+v, want one active copy", dst)
	}
	m := mustReceive(t, b, "archive")
	if string(m.Body) != body {
		t.Fatalf("body=%q, want %q", m.Body, body)
	}
}

func TestMove_CommitsCopyAndCompletesSource(t *testing.T) {
	b, _ := newTestBroker(t, moveQueues()...)
	ctx := context.Background()
	mustSend(t, b, "inbox", OutgoingMessage{Body: []byte("payload"), Subject: "invoice"})

	res, err := b.MoveNext(ctx, "inbox", "archive", MoveOptions{ConsumerID: "mover"})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.TxID == "" || res.DestinationQueue != "archive" || res.DestinationSequenceNumber == 0 {
		t.Fatalf("result=%+v", res)
	}
	assertMoved(t, b, "payload")

	pending, err := b.moves.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("move log not finished: %+v", pending)
	}
}

func TestMoveNext_EmptySourceTimesOut(t *testing.T) {
	b, _ := newTestBroker(t, moveQueues()...)
	if _, err := b.MoveNext(context.Background(), "inbox", "archive", MoveOptions{}); !errors.Is(err, queue.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestMove_DestinationTooLargeAbortsAndReleases(t *testing.T) {
	b, _ := newTestBroker(t, queue.Config{Name: "inbox"}, queue.Config{Name: "archive", MaxMessageSize: 4})
	mustSend(t, b, "inbox", OutgoingMessage{Body: []byte("too large")})

	if _, err := b.MoveNext(context.Background(), "inbox", "archive", MoveOptions{}); !errors.Is(err, queue.ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	m := mustReceive(t, b, "inbox")
	if m.DeliveryCount != 1 {
		t.Fatalf("delivery_count=%d after aborted move, want 1", m.DeliveryCount)
	}
}

func TestMove_StagedCopyIsNotReceivable(t *testing.T) {
	b, _ := newTestBroker(t, moveQueues()...)
	ctx := context.Background()
	mustSend(t, b, "inbox", OutgoingMessage{Body: []byte("x")})
	setMoveFault(b, failAt("staged"))

	if _, err := b.MoveNext(ctx, "inbox", "archive", MoveOptions{}); !errors.Is(err, errMoveInterrupted) {
		t.Fatalf("expected interrupted move, got %v", err)
	}
	if st := mustStats(t, b, "archive"); st.Staged != 1 {
		t.Fatalf("archive stats=%+v, want one staged copy", st)
	}
	if m, err := b.Receive(ctx, "archive", ReceiveOptions{}); err != nil || m != nil {
		t.Fatalf("staged copy was received: %+v err=%v", m, err)
	}
	if peeked, _ := b.Peek(ctx, "archive", 0, 10); len(peeked) != 0 {
		t.Fatalf("staged copy was peeked: %+v", peeked)
	}
}

func TestRecover_RollsForwardStagedMove(t *testing.T) {
	b, _ := newTestBroker(t, moveQueues()...)
	ctx := context.Background()
	mustSend(t, b, "inbox", OutgoingMessage{Body: []byte("x")})
	setMoveFault(b, failAt("staged"))

	if _, err := b.MoveNext(ctx, "inbox", "archive", MoveOptions{}); !errors.Is(err, errMoveInterrupted) {
		t.Fatalf("expected interrupted move, got %v", err)
	}
	setMoveFault(b, nil)

	n, err := b.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered=%d, want 1", n)
	}
	assertMoved(t, b, "x")
}

func TestRecover_RollsForwardAfterSourceCompleted(t *testing.T) {
	b, _ := newTestBroker(t, moveQueues()...)
	ctx := context.Background()
	mustSend(t, b, "inbox", OutgoingMessage{Body: []byte("x")})
	setMoveFault(b, failAt("source_completed"))

	if _, err := b.MoveNext(ctx, "inbox", "archive", MoveOptions{}); !errors.Is(err, errMoveInterrupted) {
		t.Fatalf("expected interrupted move, got %v", err)
	}
	setMoveFault(b, nil)
	if _, err := b.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	assertMoved(t, b, "x")
}

func TestRecover_RollsBackPreparedMove(t *testing.T) {
	b, _ := newTestBroker(t, moveQueues()...)
	ctx := context.Background()
	mustSend(t, b, "inbox", OutgoingMessage{Body: []byte("x")})
	setMoveFault(b, failAt("prepared"))

	if _, err := b.MoveNext(ctx, "inbox", "archive", MoveOptions{}); !errors.Is(err, errMoveInterrupted) {
		t.Fatalf("expected interrupted move, got %v", err)
	}
	setMoveFault(b, nil)
	if _, err := b.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if st := mustStats(t, b, "archive"); st.Active+st.Staged != 0 {
		t.Fatalf("archive stats=%+v, want empty", st)
	}
	m := mustReceive(t, b, "inbox")
	if m.DeliveryCount != 1 {
		t.Fatalf("delivery_count=%d, want 1", m.DeliveryCount)
	}
}

func TestRecover_SQLiteAfterRestart(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	dbPath := filepath.Join(t.TempDir(), "peeklock.db")

	open := func() (*queue.SQLiteStore, *txlog.SQLLog) {
		store, err := queue.NewSQLiteStore(dbPath, queue.WithSQLiteNowFunc(clock.Now))
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		moves, err := txlog.NewSQLLog(ctx, store.DB(), txlog.DialectSQLite)
		if err != nil {
			t.Fatalf("open move log: %v", err)
		}
		return store, moves
	}

	store, moves := open()
	catalog, _ := NewCatalog(moveQueues()...)
	b := New(store, catalog, WithNowFunc(clock.Now), WithLogger(discardLogger()), WithMoveLog(moves))
	setMoveFault(b, failAt("staged"))
	mustSend(t, b, "inbox", OutgoingMessage{Body: []byte("durable")})
	if _, err := b.MoveNext(ctx, "inbox", "archive", MoveOptions{}); !errors.Is(err, errMoveInterrupted) {
		t.Fatalf("expected interrupted move, got %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, moves = open()
	t.Cleanup(func() { _ = store.Close() })
	b = New(store, catalog, WithNowFunc(clock.Now), WithLogger(discardLogger()), WithMoveLog(moves))
	n, err := b.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered=%d, want 1", n)
	}
	assertMoved(t, b, "durable")
}

func TestRecover_SkipsMovesInFlight(t *testing.T) {
	b, _ := newTestBroker(t, moveQueues()...)
	ctx := context.Background()
	mustSend(t, b, "inbox", OutgoingMessage{Body: []byte("x")})

	var recovered int
	setMoveFault(b, func(step string) error {
		if step == "staged" {
			n, err := b.Recover(ctx)
			if err != nil {
				return err
			}
			recovered += n
		}
		return nil
	})
	if _, err := b.MoveNext(ctx, "inbox", "archive", MoveOptions{}); err != nil {
		t.Fatalf("move: %v", err)
	}
	if recovered != 0 {
		t.Fatalf("recover touched a running move")
	}
	assertMoved(t, b, "x")
}
