package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper runs the periodic background transitions: lock expiry, schedule
// promotion, idle queue deletion and move recovery. Each runs on its own
// ticker; a zero interval disables that loop.
type Sweeper struct {
	Broker           *Broker
	Logger           *slog.Logger
	LockInterval     time.Duration
	ScheduleInterval time.Duration
	IdleInterval     time.Duration
	RecoverInterval  time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (s *Sweeper) Start() {
	if s.Broker == nil {
		return
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s.stopCh = make(chan struct{})

	s.spawn(logger, "lock_expiry", s.LockInterval, s.Broker.ReleaseExpired)
	s.spawn(logger, "schedule_promotion", s.ScheduleInterval, s.Broker.PromoteDue)
	s.spawn(logger, "idle_queues", s.IdleInterval, s.Broker.SweepIdle)
	s.spawn(logger, "move_recovery", s.RecoverInterval, s.Broker.Recover)
}

func (s *Sweeper) spawn(logger *slog.Logger, name string, interval time.Duration, fn func(context.Context) (int, error)) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
			}
			ctx, cancel := context.WithTimeout(context.Background(), interval*4)
			n, err := fn(ctx)
			cancel()
			if err != nil {
				logger.Warn("sweep_failed", slog.String("sweep", name), slog.Any("err", err))
				continue
			}
			if n > 0 {
				logger.Debug("sweep_applied", slog.String("sweep", name), slog.Int("count", n))
			}
		}
	}()
}

// Stop signals the loops and waits for them. It reports false when the
// timeout expired first.
func (s *Sweeper) Stop(timeout time.Duration) bool {
	if s.stopCh == nil {
		return true
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
