// Package broker implements peek-lock message delivery and settlement on
// top of a queue.Store: locks, scheduling, deferral, dead-lettering,
// sessions, auto-forwarding and transactional moves.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/peeklock/internal/queue"
	"github.com/nuetzliches/peeklock/internal/txlog"
)

// MaxBatch caps the messages a single receive or peek returns.
const MaxBatch = 100

const (
	defaultPollInterval = 25 * time.Millisecond
	tracerName          = "github.com/nuetzliches/peeklock/internal/broker"
)

type Option func(*Broker)

func WithNowFunc(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.nowFn = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(b *Broker) {
		if tracer != nil {
			b.tracer = tracer
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithMoveLog sets the write-ahead log used by transactional moves. The
// default is an in-memory log, which does not survive a restart.
func WithMoveLog(l txlog.Log) Option {
	return func(b *Broker) {
		if l != nil {
			b.moves = l
		}
	}
}

// WithPollInterval bounds how long a blocked receive sleeps between store
// checks when no local signal arrives.
func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

type Broker struct {
	store        queue.Store
	catalog      atomic.Pointer[Catalog]
	moves        txlog.Log
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *Metrics
	nowFn        func() time.Time
	pollInterval time.Duration

	mu       sync.Mutex
	notify   map[string]chan struct{}
	activity map[string]time.Time
	deleted  map[string]struct{}
	inflight map[string]struct{}

	sessions *sessionTable
}

func New(store queue.Store, catalog *Catalog, opts ...Option) *Broker {
	if catalog == nil {
		catalog = &Catalog{queues: map[string]queue.Config{}}
	}
	b := &Broker{
		store:        store,
		moves:        txlog.NewMemoryLog(),
		logger:       slog.Default(),
		tracer:       otel.Tracer(tracerName),
		nowFn:        time.Now,
		pollInterval: defaultPollInterval,
		notify:       make(map[string]chan struct{}),
		activity:     make(map[string]time.Time),
		deleted:      make(map[string]struct{}),
		inflight:     make(map[string]struct{}),
		sessions:     newSessionTable(),
	}
	b.catalog.Store(catalog)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetCatalog replaces the queue configuration. Queues declared by the new
// catalog are live again even if they were auto-deleted before.
func (b *Broker) SetCatalog(c *Catalog) {
	if c == nil {
		return
	}
	b.catalog.Store(c)
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range c.Names() {
		if _, gone := b.deleted[name]; gone {
			delete(b.deleted, name)
			b.activity[name] = now
		}
	}
}

func (b *Broker) Catalog() *Catalog { return b.catalog.Load() }

func (b *Broker) Store() queue.Store { return b.store }

func (b *Broker) now() time.Time { return b.nowFn().UTC() }

// queueConfig resolves a live queue and records activity on it. A queue
// idle past its AutoDeleteOnIdle is deleted here and reported missing.
func (b *Broker) queueConfig(ctx context.Context, name string) (queue.Config, error) {
	cfg, ok := b.catalog.Load().Lookup(name)
	if !ok {
		return queue.Config{}, fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}
	now := b.now()

	b.mu.Lock()
	if _, gone := b.deleted[name]; gone {
		b.mu.Unlock()
		return queue.Config{}, fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}
	last, seen := b.activity[name]
	if seen && cfg.AutoDeleteOnIdle > 0 && now.Sub(last) >= cfg.AutoDeleteOnIdle {
		b.mu.Unlock()
		b.deleteIdle(ctx, name)
		return queue.Config{}, fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}
	b.activity[name] = now
	b.mu.Unlock()
	return cfg, nil
}

// lookupLive resolves a queue without counting as activity.
func (b *Broker) lookupLive(name string) (queue.Config, bool) {
	cfg, ok := b.catalog.Load().Lookup(name)
	if !ok {
		return queue.Config{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, gone := b.deleted[name]; gone {
		return queue.Config{}, false
	}
	return cfg, true
}

// liveQueues returns the configs of every queue not auto-deleted.
func (b *Broker) liveQueues() []queue.Config {
	c := b.catalog.Load()
	out := make([]queue.Config, 0)
	for _, name := range c.Names() {
		if cfg, ok := b.lookupLive(name); ok {
			out = append(out, cfg)
		}
	}
	return out
}

func (b *Broker) deleteIdle(ctx context.Context, name string) {
	b.mu.Lock()
	if _, gone := b.deleted[name]; gone {
		b.mu.Unlock()
		return
	}
	b.deleted[name] = struct{}{}
	delete(b.activity, name)
	b.mu.Unlock()

	b.sessions.dropQueue(name)
	if err := b.store.Drop(ctx, name); err != nil {
		b.logger.Error("queue_auto_delete_failed", slog.String("queue", name), slog.Any("err", err))
		return
	}
	b.metrics.incQueueDeleted()
	b.logger.Info("queue_auto_deleted", slog.String("queue", name))
	b.signal(name)
}

// SweepIdle deletes every queue idle past its AutoDeleteOnIdle.
func (b *Broker) SweepIdle(ctx context.Context) (int, error) {
	now := b.now()
	var idle []string
	b.mu.Lock()
	for _, name := range b.catalog.Load().Names() {
		cfg, _ := b.catalog.Load().Lookup(name)
		if cfg.AutoDeleteOnIdle <= 0 {
			continue
		}
		if _, gone := b.deleted[name]; gone {
			continue
		}
		last, seen := b.activity[name]
		if !seen {
			b.activity[name] = now
			continue
		}
		if now.Sub(last) >= cfg.AutoDeleteOnIdle {
			idle = append(idle, name)
		}
	}
	b.mu.Unlock()

	for _, name := range idle {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		b.deleteIdle(ctx, name)
	}
	return len(idle), nil
}

// QueueStats counts the records of one queue by state.
type QueueStats struct {
	Name         string `json:"name"`
	Active       int    `json:"active"`
	Scheduled    int    `json:"scheduled"`
	Locked       int    `json:"locked"`
	Deferred     int    `json:"deferred"`
	DeadLettered int    `json:"dead_lettered"`
	Staged       int    `json:"staged"`
}

// Stats reports record counts. It does not count as queue activity.
func (b *Broker) Stats(ctx context.Context, name string) (QueueStats, error) {
	if _, ok := b.lookupLive(name); !ok {
		return QueueStats{}, fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}
	counts, err := b.store.Counts(ctx, name)
	if err != nil {
		return QueueStats{}, err
	}
	return QueueStats{
		Name:         name,
		Active:       counts[queue.StateActive],
		Scheduled:    counts[queue.StateScheduled],
		Locked:       counts[queue.StateLocked],
		Deferred:     counts[queue.StateDeferred],
		DeadLettered: counts[queue.StateDeadLettered],
		Staged:       counts[queue.StateStaged],
	}, nil
}

// Queues lists the live queue names.
func (b *Broker) Queues() []string {
	cfgs := b.liveQueues()
	out := make([]string, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, cfg.Name)
	}
	return out
}

func (b *Broker) signal(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.notify[key]; ok {
		close(ch)
		delete(b.notify, key)
	}
}

func (b *Broker) waitCh(key string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.notify[key]
	if !ok {
		ch = make(chan struct{})
		b.notify[key] = ch
	}
	return ch
}

// poll calls try until it reports done, wait elapses or ctx ends. Between
// attempts it blocks on the key's signal channel, at most pollInterval.
func (b *Broker) poll(ctx context.Context, key string, wait time.Duration, try func() (bool, error)) error {
	deadline := time.Now().Add(wait)
	for {
		ch := b.waitCh(key)
		done, err := try()
		if err != nil || done {
			return err
		}
		remaining := time.Until(deadline)
		if wait <= 0 || remaining <= 0 {
			return nil
		}
		sleep := remaining
		if sleep > b.pollInterval {
			sleep = b.pollInterval
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-ch:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (b *Broker) startSpan(ctx context.Context, op, entity string) (context.Context, trace.Span) {
	return b.tracer.Start(ctx, "peeklock."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("peeklock.entity", entity)),
	)
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
