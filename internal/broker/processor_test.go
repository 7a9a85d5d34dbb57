package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nuetzliches/peeklock/internal/queue"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startProcessor(t *testing.T, p *Processor) {
	t.Helper()
	if p.MaxWait == 0 {
		p.MaxWait = 20 * time.Millisecond
	}
	if p.Logger == nil {
		p.Logger = discardLogger()
	}
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { p.Drain(5 * time.Second) })
}

func TestProcessor_CompletesEachMessageOnce(t *testing.T) {
	b, _ := newTestBroker(t, queue.Config{Name: "orders"})
	const total = 12
	for i := 0; i < total; i++ {
		mustSend(t, b, "orders", OutgoingMessage{Body: []byte("x")})
	}

	var (
		mu   sync.Mutex
		seen = map[int64]int{}
	)
	p := &Processor{
		Broker:      b,
		Entity:      "orders",
		ConsumerID:  "proc",
		Concurrency: 3,
		Handler: func(_ context.Context, m *ProcessedMessage) error {
			mu.Lock()
			seen[m.SequenceNumber]++
			mu.Unlock()
			return nil
		},
	}
	startProcessor(t, p)

	waitFor(t, "queue drained", func() bool {
		st := mustStats(t, b, "orders")
		return st.Active == 0 && st.Locked == 0
	})
	if !p.Drain(5 * time.Second) {
		t.Fatalf("drain timed out")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != total {
		t.Fatalf("handled %d messages, want %d", len(seen), total)
	}
	for seq, n := range seen {
		if n != 1 {
			t.Fatalf("seq=%d handled %d times", seq, n)
		}
	}
}

func TestProcessor_RunsHandlersConcurrently(t *testing.T) {
	b, _ := newTestBroker(t, queue.Config{Name: "orders"})
	const concurrency = 3
	for i := 0; i < concurrency; i++ {
		mustSend(t, b, "orders", OutgoingMessage{Body: []byte("x")})
	}

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	p := &Processor{
		Broker:      b,
		Entity:      "orders",
		Concurrency: concurrency,
		Handler: func(_ context.Context, _ *ProcessedMessage) error {
			n := inFlight.Add(1)
			for {
				cur := peak.Load()
				if n <= cur || peak.CompareAndSwap(cur, n) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			return nil
		},
	}
	startProcessor(t, p)

	waitFor(t, "all handlers running", func() bool { return peak.Load() == concurrency })
	close(release)
	waitFor(t, "queue drained", func() bool {
		st := mustStats(t, b, "orders")
		return st.Active == 0 && st.Locked == 0
	})
}

func TestProcessor_HandlerErrorAbandonsAndReports(t *testing.T) {
	b, _ := newTestBroker(t, queue.Config{Name: "orders", MaxDeliveryCount: 2})
	mustSend(t, b, "orders", OutgoingMessage{Body: []byte("poison")})

	boom := errors.New("boom")
	var (
		mu     sync.Mutex
		errs   []ProcessError
		counts []int
	)
	p := &Processor{
		Broker: b,
		Entity: "orders",
		Handler: func(_ context.Context, m *ProcessedMessage) error {
			mu.Lock()
			counts = append(counts, m.DeliveryCount)
			mu.Unlock()
			return boom
		},
		ErrorHandler: func(_ context.Context, perr ProcessError) {
			mu.Lock()
			errs = append(errs, perr)
			mu.Unlock()
		},
	}
	startProcessor(t, p)

	waitFor(t, "message dead-lettered", func() bool {
		return mustStats(t, b, "orders").DeadLettered == 1
	})
	p.Drain(5 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(counts) != 2 || counts[0] != 1 || counts[1] != 2 {
		t.Fatalf("delivery counts=%v, want [1 2]", counts)
	}
	if len(errs) != 2 {
		t.Fatalf("reported %d errors, want 2: %v", len(errs), errs)
	}
	for _, perr := range errs {
		if perr.Source != ErrorSourceHandler || !errors.Is(perr, boom) || perr.Entity != "orders" {
			t.Fatalf("unexpected error report: %+v", perr)
		}
	}
}

func TestProcessor_PanicAbandons(t *testing.T) {
	b, _ := newTestBroker(t, queue.Config{Name: "orders", MaxDeliveryCount: 1})
	mustSend(t, b, "orders", OutgoingMessage{Body: []byte("x")})

	reported := make(chan ProcessError, 4)
	p := &Processor{
		Broker:  b,
		Entity:  "orders",
		Handler: func(context.Context, *ProcessedMessage) error { panic("handler blew up") },
		ErrorHandler: func(_ context.Context, perr ProcessError) {
			reported <- perr
		},
	}
	startProcessor(t, p)

	waitFor(t, "message dead-lettered", func() bool {
		return mustStats(t, b, "orders").DeadLettered == 1
	})
	perr := <-reported
	if perr.Source != ErrorSourceHandler || perr.SequenceNumber != 1 {
		t.Fatalf("report=%+v", perr)
	}
}

func TestProcessor_HandlerSettlementWins(t *testing.T) {
	b, _ := newTestBroker(t, queue.Config{Name: "orders"})
	seq := mustSend(t, b, "orders", OutgoingMessage{Body: []byte("later")})

	var reports atomic.Int32
	p := &Processor{
		Broker: b,
		Entity: "orders",
		Handler: func(ctx context.Context, m *ProcessedMessage) error {
			return m.Defer(ctx)
		},
		ErrorHandler: func(context.Context, ProcessError) { reports.Add(1) },
	}
	startProcessor(t, p)

	waitFor(t, "message deferred", func() bool {
		return mustStats(t, b, "orders").Deferred == 1
	})
	p.Drain(5 * time.Second)
	if n := reports.Load(); n != 0 {
		t.Fatalf("reported %d errors, want 0", n)
	}
	got, err := b.ReceiveDeferred(context.Background(), "orders", ReceiveOptions{}, seq)
	if err != nil || len(got) != 1 {
		t.Fatalf("receive deferred: %v (%d)", err, len(got))
	}
}

func TestProcessor_AutoCompleteDisabledLeavesLock(t *testing.T) {
	b, _ := newTestBroker(t, queue.Config{Name: "orders"})
	mustSend(t, b, "orders", OutgoingMessage{Body: []byte("x")})

	handled := make(chan struct{}, 1)
	p := &Processor{
		Broker:              b,
		Entity:              "orders",
		DisableAutoComplete: true,
		Handler: func(context.Context, *ProcessedMessage) error {
			handled <- struct{}{}
			return nil
		},
	}
	startProcessor(t, p)

	<-handled
	p.Drain(5 * time.Second)
	if st := mustStats(t, b, "orders"); st.Locked != 1 {
		t.Fatalf("stats=%+v, want one locked message", st)
	}
}

func TestProcessor_DrainStopsReceiving(t *testing.T) {
	b, _ := newTestBroker(t, queue.Config{Name: "orders"})
	var handled atomic.Int32
	p := &Processor{
		Broker:  b,
		Entity:  "orders",
		MaxWait: time.Minute,
		Handler: func(context.Context, *ProcessedMessage) error {
			handled.Add(1)
			return nil
		},
	}
	startProcessor(t, p)

	start := time.Now()
	if !p.Drain(5 * time.Second) {
		t.Fatalf("drain timed out")
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("drain waited %s for the receive wait", took)
	}
	mustSend(t, b, "orders", OutgoingMessage{Body: []byte("after drain")})
	time.Sleep(50 * time.Millisecond)
	if n := handled.Load(); n != 0 {
		t.Fatalf("handled %d messages after drain", n)
	}
	if st := mustStats(t, b, "orders"); st.Active != 1 {
		t.Fatalf("stats=%+v, want the message untouched", st)
	}
}

func TestProcessor_StartValidation(t *testing.T) {
	b, _ := newTestBroker(t,
		queue.Config{Name: "orders"},
		queue.Config{Name: "carts", RequiresSession: true},
	)
	noop := func(context.Context, *ProcessedMessage) error { return nil }

	if err := (&Processor{Broker: b, Entity: "orders"}).Start(); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("no handler: err=%v", err)
	}
	if err := (&Processor{Broker: b, Entity: "missing", Handler: noop}).Start(); !errors.Is(err, queue.ErrQueueNotFound) {
		t.Fatalf("unknown queue: err=%v", err)
	}
	if err := (&Processor{Broker: b, Entity: "carts", Handler: noop}).Start(); !errors.Is(err, queue.ErrSessionRequired) {
		t.Fatalf("session queue: err=%v", err)
	}

	p := &Processor{Broker: b, Entity: queue.DeadLetterPath("carts"), Handler: noop}
	startProcessor(t, p)
	if err := p.Start(); !errors.Is(err, ErrProcessorRunning) {
		t.Fatalf("second start: err=%v", err)
	}
}
