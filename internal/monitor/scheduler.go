package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/leadmail/internal/notify"
)

// Runner is the work the Scheduler drives.
type Runner interface {
	RunCycle(ctx context.Context) (CycleStats, bool)
	Cleanup(ctx context.Context) (int64, error)
}

// Scheduler fires monitoring cycles and cleanup sweeps on two independent
// tickers. Every tick runs in its own goroutine, so a slow cycle never
// delays a cleanup; overlapping cycles are dropped by the Runner.
type Scheduler struct {
	runner          Runner
	interval        time.Duration
	cleanupInterval time.Duration
	notifier        notify.Notifier
	log             *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler for r.
func NewScheduler(
	r Runner, interval, cleanupInterval time.Duration, notifier notify.Notifier, log *zap.Logger,
) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 6 * time.Hour
	}
	log = log.With(zap.String("component", "scheduler"))
	if notifier == nil {
		notifier = notify.NewLog(log)
	}
	return &Scheduler{
		runner:          r,
		interval:        interval,
		cleanupInterval: cleanupInterval,
		notifier:        notifier,
		log:             log,
	}
}

// Start runs a cycle immediately and then on every tick until Stop is
// called or ctx is done. Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.log.Info("starting scheduled monitoring",
		zap.Duration("interval", s.interval), zap.Duration("cleanup_interval", s.cleanupInterval))
	s.notifier.Notify(ctx, notify.Event{
		Severity:    notify.SeverityInfo,
		Title:       "System started",
		Description: "Mailbox monitoring started",
		Fields: []notify.Field{
			notify.F("Interval", s.interval),
			notify.F("Cleanup interval", s.cleanupInterval),
			notify.F("Status", "Active"),
		},
	})

	s.wg.Add(1)
	go s.loop(ctx, stopCh)
}

// Stop halts the tickers and waits for in-flight work to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()

	s.log.Info("scheduled monitoring stopped")
	s.notifier.Notify(context.Background(), notify.Event{
		Severity:    notify.SeverityWarning,
		Title:       "System stopped",
		Description: "Mailbox monitoring was stopped",
		Fields:      []notify.Field{notify.F("Status", "Inactive")},
	})
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	cycleTicker := time.NewTicker(s.interval)
	defer cycleTicker.Stop()
	cleanupTicker := time.NewTicker(s.cleanupInterval)
	defer cleanupTicker.Stop()

	s.spawn(ctx, "cycle", s.runCycle)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-cycleTicker.C:
			s.spawn(ctx, "cycle", s.runCycle)
		case <-cleanupTicker.C:
			s.spawn(ctx, "cleanup", s.runCleanup)
		}
	}
}

// spawn runs fn in its own goroutine. A panic is logged and swallowed so
// the scheduler keeps ticking.
func (s *Scheduler) spawn(ctx context.Context, name string, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("scheduled task panicked", zap.String("task", name), zap.Any("panic", r))
			}
		}()
		fn(ctx)
	}()
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if _, ran := s.runner.RunCycle(ctx); !ran {
		s.log.Debug("tick skipped, cycle in progress")
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	if _, err := s.runner.Cleanup(ctx); err != nil {
		s.log.Warn("scheduled cleanup failed", zap.Error(err))
	}
}
