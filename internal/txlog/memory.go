package txlog

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryLog struct {
	mu      sync.Mutex
	nowFn   func() time.Time
	entries map[string]Entry
}

var _ Log = (*MemoryLog)(nil)

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{nowFn: time.Now, entries: make(map[string]Entry)}
}

func (l *MemoryLog) Begin(_ context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Phase == "" {
		e.Phase = PhasePrepared
	}
	l.entries[e.ID] = e
	return nil
}

func (l *MemoryLog) Advance(_ context.Context, id string, phase Phase, destSeq int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	e.Phase = phase
	if destSeq > 0 {
		e.DestSeq = destSeq
	}
	e.UpdatedAt = l.nowFn().UTC()
	l.entries[id] = e
	return nil
}

func (l *MemoryLog) Finish(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, id)
	return nil
}

func (l *MemoryLog) Pending(_ context.Context) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (l *MemoryLog) Close() error { return nil }
