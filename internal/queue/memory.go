package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// MemoryStore keeps records in per-queue partitions. Each partition has its
// own mutex, so operations on different queues never contend.
type MemoryStore struct {
	mu     sync.RWMutex
	nowFn  func() time.Time
	queues map[string]*memoryPartition
}

type memoryPartition struct {
	mu      sync.Mutex
	lastSeq int64
	items   map[int64]*Message
	order   []int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		nowFn:  time.Now,
		queues: make(map[string]*memoryPartition),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) partition(name string, create bool) *memoryPartition {
	s.mu.RLock()
	p := s.queues[name]
	s.mu.RUnlock()
	if p != nil || !create {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p = s.queues[name]; p == nil {
		p = &memoryPartition{items: make(map[int64]*Message)}
		s.queues[name] = p
	}
	return p
}

func (s *MemoryStore) Append(_ context.Context, queue string, msgs []Message) ([]Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	now := s.nowFn().UTC()
	prepared := make([]Message, 0, len(msgs))
	for i := range msgs {
		m, err := prepareAppend(queue, msgs[i], now)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, m)
	}

	p := s.partition(queue, true)
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Message, 0, len(prepared))
	for _, m := range prepared {
		p.lastSeq++
		m.SequenceNumber = p.lastSeq
		stored := m.Clone()
		p.items[m.SequenceNumber] = &stored
		p.order = append(p.order, m.SequenceNumber)
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, queue string, seq int64) (Message, error) {
	p := s.partition(queue, false)
	if p == nil {
		return Message{}, ErrNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.items[seq]
	if !ok {
		return Message{}, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) Scan(_ context.Context, queue string, f Filter) ([]Message, error) {
	p := s.partition(queue, false)
	if p == nil {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	start := sort.Search(len(p.order), func(i int) bool { return p.order[i] > f.AfterSeq })
	var out []Message
	for _, seq := range p.order[start:] {
		m := p.items[seq]
		if !f.match(m) {
			continue
		}
		out = append(out, m.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Swap(_ context.Context, old, next Message) (Message, error) {
	if !next.State.Valid() {
		return Message{}, ErrInvalidOperation
	}
	p := s.partition(old.Queue, false)
	if p == nil {
		return Message{}, ErrNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.items[old.SequenceNumber]
	if !ok {
		return Message{}, ErrNotFound
	}
	if cur.State != old.State || cur.Version != old.Version {
		return Message{}, ErrConflict
	}
	stored := next.Clone()
	stored.Queue = cur.Queue
	stored.SequenceNumber = cur.SequenceNumber
	stored.Version = cur.Version + 1
	p.items[cur.SequenceNumber] = &stored
	return stored.Clone(), nil
}

func (s *MemoryStore) Remove(_ context.Context, old Message) error {
	p := s.partition(old.Queue, false)
	if p == nil {
		return ErrNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.items[old.SequenceNumber]
	if !ok {
		return ErrNotFound
	}
	if cur.State != old.State || cur.Version != old.Version {
		return ErrConflict
	}
	delete(p.items, old.SequenceNumber)
	i := sort.Search(len(p.order), func(i int) bool { return p.order[i] >= old.SequenceNumber })
	if i < len(p.order) && p.order[i] == old.SequenceNumber {
		p.order = append(p.order[:i], p.order[i+1:]...)
	}
	return nil
}

func (s *MemoryStore) Drop(_ context.Context, queue string) error {
	p := s.partition(queue, false)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = make(map[int64]*Message)
	p.order = nil
	return nil
}

func (s *MemoryStore) Counts(_ context.Context, queue string) (map[State]int, error) {
	out := make(map[State]int)
	p := s.partition(queue, false)
	if p == nil {
		return out, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.items {
		out[m.State]++
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// prepareAppend fills defaults shared by every backend.
func prepareAppend(queue string, m Message, now time.Time) (Message, error) {
	if queue == "" {
		return Message{}, ErrQueueNotFound
	}
	m = m.Clone()
	m.Queue = queue
	m.SequenceNumber = 0
	m.Version = 1
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.State == "" {
		m.State = StateActive
	}
	if !m.State.Valid() {
		return Message{}, ErrInvalidOperation
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = now
	}
	if m.Body == nil {
		m.Body = []byte{}
	}
	return m, nil
}
