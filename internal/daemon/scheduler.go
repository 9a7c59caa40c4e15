package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	lsync "github.com/aliest/leadsync/internal/sync"
)

// Config holds configuration for the scheduler.
type Config struct {
	// Interval between regular cycles
	Interval time.Duration

	// MaxRetries is how many times a failed cycle is repeated before
	// waiting for the next interval
	MaxRetries int

	// RetryDelay is the pause between retries
	RetryDelay time.Duration

	// ShutdownTimeout bounds how long Stop waits for a cycle in flight
	ShutdownTimeout time.Duration

	// RunOnStart runs a cycle immediately instead of after one Interval
	RunOnStart bool

	// OnCycle is called after every cycle, retries included
	OnCycle func(lsync.Outcome)

	// Logger for scheduler activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:        5 * time.Minute,
		MaxRetries:      3,
		RetryDelay:      time.Minute,
		ShutdownTimeout: 30 * time.Second,
		RunOnStart:      true,
		Logger:          log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Stats are cumulative scheduler counters.
type Stats struct {
	StartedAt        time.Time      `json:"started_at"`
	TotalCycles      int            `json:"total_cycles"`
	Successful       int            `json:"successful"`
	Partial          int            `json:"partial"`
	Failed           int            `json:"failed"`
	Retries          int            `json:"retries"`
	RetriesExhausted int            `json:"retries_exhausted"`
	LastOutcome      *lsync.Summary `json:"last_outcome,omitempty"`
	LastCycleAt      time.Time      `json:"last_cycle_at"`
	Running          bool           `json:"running"`
}

// SuccessRate is the percentage of cycles that ended SUCCESS or PARTIAL.
func (s Stats) SuccessRate() float64 {
	if s.TotalCycles == 0 {
		return 0
	}
	return float64(s.Successful+s.Partial) / float64(s.TotalCycles) * 100
}

// Uptime is the time since the scheduler started, or zero when stopped.
func (s Stats) Uptime() time.Duration {
	if !s.Running || s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt)
}

// Scheduler runs cycles on a fixed cadence with bounded retries.
type Scheduler struct {
	runner lsync.Runner
	config *Config

	trigger chan struct{}
	cycleMu sync.Mutex

	mu     sync.Mutex
	stats  Stats
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler for runner.
func New(runner lsync.Runner, config *Config) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", config.Interval)
	}
	if config.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries cannot be negative")
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	return &Scheduler{
		runner:  runner,
		config:  config,
		trigger: make(chan struct{}, 1),
	}, nil
}

// Start runs the scheduler loop in the background until Stop is called.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil {
			s.config.Logger.Printf("Scheduler stopped with error: %v", err)
		}
	}()
	return nil
}

// Stop cancels the loop started by Start and waits for the cycle in flight,
// at most ShutdownTimeout.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	s.config.Logger.Println("Stopping scheduler")
	cancel()

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		<-done
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		s.config.Logger.Println("Scheduler stopped")
		return nil
	case <-timer.C:
		return fmt.Errorf("scheduler did not stop within %v", timeout)
	}
}

// Run blocks running cycles until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.stats.Running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.stats.Running = true
	s.stats.StartedAt = time.Now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.stats.Running = false
		s.mu.Unlock()
	}()

	s.config.Logger.Printf("Scheduler started: interval %v, max retries %d, retry delay %v",
		s.config.Interval, s.config.MaxRetries, s.config.RetryDelay)

	if s.config.RunOnStart {
		s.runWithRetry(ctx)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.config.Logger.Println("Shutdown signal received")
			return nil

		case <-ticker.C:
			s.runWithRetry(ctx)

		case <-s.trigger:
			s.config.Logger.Println("Cycle triggered")
			s.runWithRetry(ctx)
			ticker.Reset(s.config.Interval)
		}
	}
}

// Trigger asks the running loop for a cycle as soon as the current one (if
// any) finishes. Requests made while one is already queued are merged.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// RunOnce runs a single cycle without retries. Calls are serialized with
// the loop, so cycles never overlap.
func (s *Scheduler) RunOnce(ctx context.Context) lsync.Outcome {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	out := s.runner.RunCycle(ctx)
	summary := out.Summary()

	s.mu.Lock()
	s.stats.TotalCycles++
	switch out.Status {
	case lsync.StatusSuccess:
		s.stats.Successful++
	case lsync.StatusPartial:
		s.stats.Partial++
	default:
		s.stats.Failed++
	}
	s.stats.LastOutcome = &summary
	s.stats.LastCycleAt = out.FinishedAt
	s.mu.Unlock()

	if s.config.OnCycle != nil {
		s.config.OnCycle(out)
	}
	return out
}

// runWithRetry runs a cycle and repeats it up to MaxRetries times while it
// ends in ERROR. PARTIAL is final.
func (s *Scheduler) runWithRetry(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		out := s.RunOnce(ctx)
		if out.Status != lsync.StatusError || ctx.Err() != nil {
			return
		}

		var cerr *lsync.ConfigError
		if errors.As(out.Err, &cerr) {
			s.config.Logger.Printf("Cycle failed with a configuration error, not retrying: %v", out.Err)
			return
		}

		if attempt >= s.config.MaxRetries {
			s.mu.Lock()
			s.stats.RetriesExhausted++
			s.mu.Unlock()
			s.config.Logger.Printf("Cycle failed after %d retries, waiting for next interval: %v", attempt, out.Err)
			return
		}

		s.config.Logger.Printf("Cycle failed (retry %d/%d in %v): %v",
			attempt+1, s.config.MaxRetries, s.config.RetryDelay, out.Err)

		s.mu.Lock()
		s.stats.Retries++
		s.mu.Unlock()

		timer := time.NewTimer(s.config.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Stats returns a copy of the current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.Running
}
