package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nuetzliches/peeklock/internal/queue"
)

func sessionBroker(t *testing.T) (*Broker, *testClock) {
	t.Helper()
	return newTestBroker(t, queue.Config{Name: "carts", RequiresSession: true, LockDuration: 30 * time.Second})
}

func TestSession_SendRequiresSessionID(t *testing.T) {
	b, _ := sessionBroker(t)
	_, err := b.Send(context.Background(), "carts", OutgoingMessage{Body: []byte("x")})
	if !errors.Is(err, queue.ErrSessionRequired) {
		t.Fatalf("expected ErrSessionRequired, got %v", err)
	}
	if _, err := b.Receive(context.Background(), "carts", ReceiveOptions{}); !errors.Is(err, queue.ErrSessionRequired) {
		t.Fatalf("plain receive: expected ErrSessionRequired, got %v", err)
	}
}

func TestSession_ReceivesOnlyItsMessagesInOrder(t *testing.T) {
	b, _ := sessionBroker(t)
	ctx := context.Background()
	a1 := mustSend(t, b, "carts", OutgoingMessage{SessionID: "a", Body: []byte("a1")})
	mustSend(t, b, "carts", OutgoingMessage{SessionID: "b", Body: []byte("b1")})
	a2 := mustSend(t, b, "carts", OutgoingMessage{SessionID: "a", Body: []byte("a2")})

	s, err := b.AcceptSession(ctx, "carts", "a", AcceptOptions{ConsumerID: "w1"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer s.Close()

	got, err := s.ReceiveBatch(ctx, 10, 0)
	if err != nil {
		t.Fatalf("receive batch: %v", err)
	}
	if len(got) != 2 || got[0].SequenceNumber != a1 || got[1].SequenceNumber != a2 {
		t.Fatalf("session a received %+v", got)
	}
	for _, m := range got {
		if err := s.Complete(ctx, m); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	if m, err := s.Receive(ctx, 0); err != nil || m != nil {
		t.Fatalf("session a should be drained, got %+v err=%v", m, err)
	}
}

func TestSession_ConcurrentAcceptSingleWinner(t *testing.T) {
	b, _ := sessionBroker(t)
	mustSend(t, b, "carts", OutgoingMessage{SessionID: "s1", Body: []byte("x")})

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		losses int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := b.AcceptSession(context.Background(), "carts", "s1", AcceptOptions{ConsumerID: fmt.Sprintf("w%d", i)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, queue.ErrSessionLockLost):
				losses++
			default:
				t.Errorf("accept: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 || losses != 7 {
		t.Fatalf("wins=%d losses=%d, want 1 and 7", wins, losses)
	}
}

func TestSession_CloseFreesSession(t *testing.T) {
	b, _ := sessionBroker(t)
	ctx := context.Background()

	s, err := b.AcceptSession(ctx, "carts", "s1", AcceptOptions{ConsumerID: "w1"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	s.Close()
	s2, err := b.AcceptSession(ctx, "carts", "s1", AcceptOptions{ConsumerID: "w2"})
	if err != nil {
		t.Fatalf("accept after close: %v", err)
	}
	s2.Close()
}

func TestSession_ClosedHandleMessagesNotSettleableByNextHolder(t *testing.T) {
	b, _ := sessionBroker(t)
	ctx := context.Background()
	mustSend(t, b, "carts", OutgoingMessage{SessionID: "s1", Body: []byte("x")})

	first, err := b.AcceptSession(ctx, "carts", "s1", AcceptOptions{})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	m, err := first.Receive(ctx, 0)
	if err != nil || m == nil {
		t.Fatalf("receive: %+v err=%v", m, err)
	}
	first.Close()

	second, err := b.AcceptSession(ctx, "carts", "s1", AcceptOptions{})
	if err != nil {
		t.Fatalf("accept after close: %v", err)
	}
	defer second.Close()

	if err := b.Complete(ctx, m.LockRef()); !errors.Is(err, queue.ErrSessionLockLost) {
		t.Fatalf("complete through broker: expected ErrSessionLockLost, got %v", err)
	}
	if err := second.Complete(ctx, *m); !errors.Is(err, queue.ErrLockLost) {
		t.Fatalf("complete through new handle: expected ErrLockLost, got %v", err)
	}
	if err := first.Complete(ctx, *m); !errors.Is(err, queue.ErrSessionLockLost) {
		t.Fatalf("complete through closed handle: expected ErrSessionLockLost, got %v", err)
	}
	st, err := b.Stats(ctx, "carts")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Locked != 1 {
		t.Fatalf("locked=%d, want 1", st.Locked)
	}
}

func TestSession_LiveHandleMessageSettlesThroughBroker(t *testing.T) {
	b, _ := sessionBroker(t)
	ctx := context.Background()
	mustSend(t, b, "carts", OutgoingMessage{SessionID: "s1", Body: []byte("x")})

	s, err := b.AcceptSession(ctx, "carts", "s1", AcceptOptions{ConsumerID: "w1"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer s.Close()
	m, err := s.Receive(ctx, 0)
	if err != nil || m == nil {
		t.Fatalf("receive: %+v err=%v", m, err)
	}
	if err := b.Complete(ctx, m.LockRef()); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestSession_LockExpiry(t *testing.T) {
	b, clock := sessionBroker(t)
	ctx := context.Background()
	mustSend(t, b, "carts", OutgoingMessage{SessionID: "s1", Body: []byte("x")})

	s, err := b.AcceptSession(ctx, "carts", "s1", AcceptOptions{ConsumerID: "w1"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	m, err := s.Receive(ctx, 0)
	if err != nil || m == nil {
		t.Fatalf("receive: %+v err=%v", m, err)
	}

	clock.Advance(31 * time.Second)
	if _, err := s.Receive(ctx, 0); !errors.Is(err, queue.ErrSessionLockLost) {
		t.Fatalf("expected ErrSessionLockLost, got %v", err)
	}
	if err := s.Complete(ctx, *m); !errors.Is(err, queue.ErrSessionLockLost) {
		t.Fatalf("complete after session expiry: expected ErrSessionLockLost, got %v", err)
	}

	s2, err := b.AcceptSession(ctx, "carts", "s1", AcceptOptions{ConsumerID: "w2"})
	if err != nil {
		t.Fatalf("accept after expiry: %v", err)
	}
	defer s2.Close()
	again, err := s2.Receive(ctx, 0)
	if err != nil || again == nil {
		t.Fatalf("receive after takeover: %+v err=%v", again, err)
	}
	if again.DeliveryCount != 2 {
		t.Fatalf("delivery_count=%d, want 2", again.DeliveryCount)
	}
}

func TestSession_RenewKeepsLock(t *testing.T) {
	b, clock := sessionBroker(t)
	ctx := context.Background()

	s, err := b.AcceptSession(ctx, "carts", "s1", AcceptOptions{ConsumerID: "w1"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer s.Close()
	clock.Advance(20 * time.Second)
	until, err := s.RenewLock(ctx)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if want := clock.Now().Add(30 * time.Second); !until.Equal(want) {
		t.Fatalf("locked_until=%s, want %s", until, want)
	}
	clock.Advance(20 * time.Second)
	if _, err := s.Receive(ctx, 0); err != nil {
		t.Fatalf("receive after renew: %v", err)
	}
}

func TestAcceptNextSession_PicksOldestFreeSession(t *testing.T) {
	b, _ := sessionBroker(t)
	ctx := context.Background()
	mustSend(t, b, "carts", OutgoingMessage{SessionID: "first", Body: []byte("1")})
	mustSend(t, b, "carts", OutgoingMessage{SessionID: "second", Body: []byte("2")})

	s1, err := b.AcceptNextSession(ctx, "carts", AcceptOptions{ConsumerID: "w1"})
	if err != nil {
		t.Fatalf("accept next: %v", err)
	}
	defer s1.Close()
	if s1.ID() != "first" {
		t.Fatalf("session=%q, want first", s1.ID())
	}
	s2, err := b.AcceptNextSession(ctx, "carts", AcceptOptions{ConsumerID: "w2"})
	if err != nil {
		t.Fatalf("accept next: %v", err)
	}
	defer s2.Close()
	if s2.ID() != "second" {
		t.Fatalf("session=%q, want second", s2.ID())
	}
	if _, err := b.AcceptNextSession(ctx, "carts", AcceptOptions{ConsumerID: "w3"}); !errors.Is(err, queue.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestSession_State(t *testing.T) {
	b, _ := sessionBroker(t)
	ctx := context.Background()

	s, err := b.AcceptSession(ctx, "carts", "s1", AcceptOptions{ConsumerID: "w1"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if st, err := s.GetState(ctx); err != nil || st != nil {
		t.Fatalf("initial state=%q err=%v", st, err)
	}
	if err := s.SetState(ctx, []byte("step-2")); err != nil {
		t.Fatalf("set state: %v", err)
	}
	s.Close()

	s2, err := b.AcceptSession(ctx, "carts", "s1", AcceptOptions{ConsumerID: "w2"})
	if err != nil {
		t.Fatalf("accept again: %v", err)
	}
	defer s2.Close()
	st, err := s2.GetState(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if string(st) != "step-2" {
		t.Fatalf("state=%q, want step-2", st)
	}
	if err := s2.SetState(ctx, nil); err != nil {
		t.Fatalf("clear state: %v", err)
	}
	if st, _ := s2.GetState(ctx); st != nil {
		t.Fatalf("state after clear=%q", st)
	}
}

func TestSession_DeferAndReceiveDeferred(t *testing.T) {
	b, _ := sessionBroker(t)
	ctx := context.Background()
	seq := mustSend(t, b, "carts", OutgoingMessage{SessionID: "s1", Body: []byte("x")})
	other := mustSend(t, b, "carts", OutgoingMessage{SessionID: "s2", Body: []byte("y")})

	s, err := b.AcceptSession(ctx, "carts", "s1", AcceptOptions{ConsumerID: "w1"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer s.Close()
	m, err := s.Receive(ctx, 0)
	if err != nil || m == nil {
		t.Fatalf("receive: %+v err=%v", m, err)
	}
	if err := s.Defer(ctx, *m); err != nil {
		t.Fatalf("defer: %v", err)
	}

	if _, err := s.ReceiveDeferred(ctx, other); !errors.Is(err, queue.ErrSequenceNumberNotFound) {
		t.Fatalf("foreign seq: expected ErrSequenceNumberNotFound, got %v", err)
	}
	got, err := s.ReceiveDeferred(ctx, seq)
	if err != nil {
		t.Fatalf("receive deferred: %v", err)
	}
	if err := s.Complete(ctx, got[0]); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestSession_NotSessionQueue(t *testing.T) {
	b, _ := newTestBroker(t, queue.Config{Name: "orders"})
	if _, err := b.AcceptSession(context.Background(), "orders", "s1", AcceptOptions{}); !errors.Is(err, queue.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
}
