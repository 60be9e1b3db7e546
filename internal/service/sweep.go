package service

import (
	"context"
	"log"
	"sync"
	"time"
)

// SweepConfig holds configuration for the sweep scheduler.
type SweepConfig struct {
	// Interval is how often every container is restocked. Zero disables
	// the scheduler.
	Interval time.Duration

	// Timeout bounds a single sweep. Default: 5 minutes
	Timeout time.Duration
}

// SweepScheduler periodically restocks every registered container,
// ignoring their restock periods and loot limits.
type SweepScheduler struct {
	svc       *RestockService
	config    SweepConfig
	ticker    *time.Ticker
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      sync.WaitGroup
	isRunning bool
	mu        sync.Mutex
}

// NewSweepScheduler creates a new sweep scheduler.
func NewSweepScheduler(svc *RestockService, config SweepConfig) *SweepScheduler {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Minute
	}
	return &SweepScheduler{
		svc:    svc,
		config: config,
		stopCh: make(chan struct{}),
	}
}

// Enabled reports whether Start will run anything.
func (s *SweepScheduler) Enabled() bool {
	return s.config.Interval > 0
}

// Start begins the sweep loop. It does nothing when disabled or running.
func (s *SweepScheduler) Start() {
	if !s.Enabled() {
		log.Printf("[SweepScheduler] Disabled")
		return
	}

	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.ticker = time.NewTicker(s.config.Interval)
	s.mu.Unlock()

	log.Printf("[SweepScheduler] Started - Interval: %v", s.config.Interval)

	s.done.Add(1)
	go s.run()
}

func (s *SweepScheduler) run() {
	defer s.done.Done()
	for {
		select {
		case <-s.ticker.C:
			s.RunNow()
		case <-s.stopCh:
			log.Printf("[SweepScheduler] Stopped")
			return
		}
	}
}

// RunNow sweeps immediately and returns the result.
func (s *SweepScheduler) RunNow() SweepResult {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	start := time.Now()
	result := s.svc.RestockAll(ctx)
	if len(result.Failed) > 0 {
		log.Printf("[SweepScheduler] Restocked %d containers, %d failed in %v",
			result.Restocked, len(result.Failed), time.Since(start))
		for id, msg := range result.Failed {
			log.Printf("[SweepScheduler]   %s: %s", id, msg)
		}
	} else {
		log.Printf("[SweepScheduler] Restocked %d containers in %v", result.Restocked, time.Since(start))
	}
	return result
}

// Stop stops the scheduler and waits for a sweep in progress to finish.
func (s *SweepScheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
		s.isRunning = false
		s.mu.Unlock()
	})
	s.done.Wait()
}
