package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nuetzliches/peeklock/internal/queue"
)

// Error sources reported to a ProcessErrorFunc.
const (
	ErrorSourceReceive  = "receive"
	ErrorSourceHandler  = "handler"
	ErrorSourceComplete = "complete"
	ErrorSourceAbandon  = "abandon"
)

var (
	ErrProcessorRunning = errors.New("processor already started")
	ErrNoHandler        = errors.New("processor has no message handler")
)

// ProcessFunc handles one locked message. A nil return completes the message
// unless the handler settled it itself or auto-complete is off; an error or a
// panic abandons it.
type ProcessFunc func(ctx context.Context, m *ProcessedMessage) error

// ProcessErrorFunc is told about every failure of the processing loop. It
// must not block for long; it runs on the worker goroutine.
type ProcessErrorFunc func(ctx context.Context, perr ProcessError)

type ProcessError struct {
	Entity         string
	Source         string
	SequenceNumber int64
	Err            error
}

func (e ProcessError) Error() string {
	if e.SequenceNumber > 0 {
		return fmt.Sprintf("%s %s #%d: %v", e.Source, e.Entity, e.SequenceNumber, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Source, e.Entity, e.Err)
}

func (e ProcessError) Unwrap() error { return e.Err }

// ProcessedMessage is the message handed to a ProcessFunc together with its
// settlement operations.
type ProcessedMessage struct {
	queue.Message

	b       *Broker
	settled bool
}

func (m *ProcessedMessage) Complete(ctx context.Context) error {
	m.settled = true
	return m.b.Complete(ctx, m.LockRef())
}

func (m *ProcessedMessage) Abandon(ctx context.Context, props queue.Properties) error {
	m.settled = true
	return m.b.Abandon(ctx, m.LockRef(), props)
}

func (m *ProcessedMessage) DeadLetter(ctx context.Context, reason, description string) error {
	m.settled = true
	return m.b.DeadLetter(ctx, m.LockRef(), reason, description)
}

func (m *ProcessedMessage) Defer(ctx context.Context) error {
	m.settled = true
	return m.b.Defer(ctx, m.LockRef())
}

func (m *ProcessedMessage) RenewLock(ctx context.Context) (time.Time, error) {
	until, err := m.b.RenewLock(ctx, m.LockRef())
	if err == nil {
		m.LockedUntil = until
	}
	return until, err
}

// Processor pumps messages of one entity through Handler on Concurrency
// worker goroutines. Call Drain to stop it.
type Processor struct {
	Broker       *Broker
	Entity       string
	ConsumerID   string
	LockDuration time.Duration
	// Concurrency defaults to 1.
	Concurrency int
	// MaxWait bounds each receive long-poll; default 1s.
	MaxWait time.Duration
	// DisableAutoComplete leaves messages the handler did not settle locked
	// until their lock expires.
	DisableAutoComplete bool
	Handler             ProcessFunc
	ErrorHandler        ProcessErrorFunc
	Logger              *slog.Logger

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Start spawns the workers. It checks the entity once so a misconfigured
// processor fails here instead of on every receive.
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrProcessorRunning
	}
	if p.Handler == nil {
		return ErrNoHandler
	}
	if p.Broker == nil {
		return fmt.Errorf("processor for %s: no broker", p.Entity)
	}
	name, deadLetter := queue.ParseEntity(p.Entity)
	cfg, err := p.Broker.queueConfig(context.Background(), name)
	if err != nil {
		return err
	}
	if cfg.RequiresSession && !deadLetter {
		return fmt.Errorf("processor for %s: %w", p.Entity, queue.ErrSessionRequired)
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	maxWait := p.MaxWait
	if maxWait <= 0 {
		maxWait = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.stopCh = make(chan struct{})
	p.started = true
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx, logger, maxWait)
	}
	return nil
}

// Drain stops receiving and waits for in-flight handlers to return. It
// reports whether they all finished before timeout.
func (p *Processor) Drain(timeout time.Duration) bool {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return true
	}
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.cancel()
	})
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *Processor) run(ctx context.Context, logger *slog.Logger, maxWait time.Duration) {
	defer p.wg.Done()

	// Handlers and settlement outlive Drain's cancel of the receive wait.
	workCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		m, err := p.Broker.Receive(ctx, p.Entity, ReceiveOptions{
			ConsumerID:   p.ConsumerID,
			LockDuration: p.LockDuration,
			Wait:         maxWait,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.report(workCtx, logger, ProcessError{Entity: p.Entity, Source: ErrorSourceReceive, Err: err})
			select {
			case <-p.stopCh:
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		if m == nil {
			continue
		}
		p.handle(workCtx, logger, &ProcessedMessage{Message: *m, b: p.Broker})
	}
}

func (p *Processor) handle(ctx context.Context, logger *slog.Logger, m *ProcessedMessage) {
	err := p.call(ctx, m)
	if err != nil {
		p.report(ctx, logger, ProcessError{Entity: p.Entity, Source: ErrorSourceHandler, SequenceNumber: m.SequenceNumber, Err: err})
		if m.settled {
			return
		}
		if aerr := p.Broker.Abandon(ctx, m.LockRef(), nil); aerr != nil {
			p.report(ctx, logger, ProcessError{Entity: p.Entity, Source: ErrorSourceAbandon, SequenceNumber: m.SequenceNumber, Err: aerr})
		}
		return
	}
	if m.settled || p.DisableAutoComplete {
		return
	}
	if cerr := p.Broker.Complete(ctx, m.LockRef()); cerr != nil {
		p.report(ctx, logger, ProcessError{Entity: p.Entity, Source: ErrorSourceComplete, SequenceNumber: m.SequenceNumber, Err: cerr})
	}
}

func (p *Processor) call(ctx context.Context, m *ProcessedMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.Handler(ctx, m)
}

func (p *Processor) report(ctx context.Context, logger *slog.Logger, perr ProcessError) {
	logger.Warn("processor_error",
		slog.String("entity", perr.Entity),
		slog.String("source", perr.Source),
		slog.Int64("sequence_number", perr.SequenceNumber),
		slog.Any("err", perr.Err),
	)
	if p.ErrorHandler != nil {
		p.ErrorHandler(ctx, perr)
	}
}
