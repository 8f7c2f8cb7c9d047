package maintenance

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// SweepFunc performs one maintenance pass and reports how many items it
// processed.
type SweepFunc func(ctx context.Context) (int, error)

const (
	defaultSchedule   = "0 */5 * * * *" // every five minutes, seconds field included
	defaultRunTimeout = 2 * time.Minute
)

// Options configure the scheduled sweep.
type Options struct {
	Schedule   string
	RunTimeout time.Duration
}

// Service runs the embedding backfill sweep on a cron schedule so chunks
// whose inline embedding failed or was deferred eventually catch up.
type Service struct {
	opts  Options
	sweep SweepFunc

	mu      sync.Mutex
	cron    *rcron.Cron
	cancel  context.CancelFunc
	watch   chan struct{}
	running bool
}

func NewService(sweep SweepFunc, opts Options) *Service {
	if opts.Schedule == "" {
		opts.Schedule = defaultSchedule
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = defaultRunTimeout
	}
	return &Service{opts: opts, sweep: sweep}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.cron = rcron.New(rcron.WithSeconds())
	if _, err := s.cron.AddFunc(s.opts.Schedule, func() {
		if _, err := s.RunOnce(runCtx); err != nil {
			log.Printf("[maintenance] backfill sweep error: %v", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule backfill sweep: %w", err)
	}

	s.cron.Start()
	s.running = true
	log.Printf("[maintenance] backfill sweep scheduled: %s", s.opts.Schedule)

	// The watchdog waits on the run context, which Stop cancels too, so
	// it exits even when the caller's context never does.
	watch := make(chan struct{})
	s.watch = watch
	go func() {
		defer close(watch)
		<-runCtx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce performs a single sweep immediately, outside the schedule.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	if s.sweep == nil {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.RunTimeout)
	defer cancel()

	n, err := s.sweep(ctx)
	if err != nil {
		return n, err
	}
	if n > 0 {
		log.Printf("[maintenance] backfill sweep embedded %d chunks", n)
	}
	return n, nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	cron := s.cron
	cancel := s.cancel
	s.cron = nil
	s.cancel = nil
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cron != nil {
		stopCtx := cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[maintenance] stop timeout waiting for running sweep")
		}
	}
}
