package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	lsync "github.com/aliest/leadsync/internal/sync"
)

// fakeRunner returns statuses in order, repeating the last one.
type fakeRunner struct {
	mu       sync.Mutex
	statuses []lsync.Status
	calls    int
	block    chan struct{}
}

func (r *fakeRunner) RunCycle(ctx context.Context) lsync.Outcome {
	r.mu.Lock()
	i := r.calls
	r.calls++
	status := lsync.StatusSuccess
	if len(r.statuses) > 0 {
		status = r.statuses[len(r.statuses)-1]
		if i < len(r.statuses) {
			status = r.statuses[i]
		}
	}
	block := r.block
	r.mu.Unlock()

	if block != nil {
		<-block
	}

	out := lsync.Outcome{Status: status, StartedAt: time.Now(), FinishedAt: time.Now()}
	if status == lsync.StatusError {
		out.Err = errors.New("source unavailable")
	}
	return out
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func testConfig() *Config {
	return &Config{
		Interval:        time.Hour,
		MaxRetries:      3,
		RetryDelay:      time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
		RunOnStart:      true,
		Logger:          log.New(io.Discard, "", 0),
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		runner  lsync.Runner
		config  *Config
		wantErr bool
	}{
		{"valid", &fakeRunner{}, testConfig(), false},
		{"default config", &fakeRunner{}, nil, false},
		{"nil runner", nil, testConfig(), true},
		{"zero interval", &fakeRunner{}, &Config{}, true},
		{"negative retries", &fakeRunner{}, &Config{Interval: time.Second, MaxRetries: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.runner, tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunWithRetry_Bounded(t *testing.T) {
	runner := &fakeRunner{statuses: []lsync.Status{lsync.StatusError}}
	s, err := New(runner, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	s.runWithRetry(context.Background())

	if got := runner.count(); got != 4 {
		t.Errorf("RunCycle called %d times, want 1 + 3 retries", got)
	}
	stats := s.Stats()
	if stats.Retries != 3 || stats.RetriesExhausted != 1 || stats.Failed != 4 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestRunWithRetry_StopsOnRecovery(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []lsync.Status
		wantCalls int
	}{
		{"success first", []lsync.Status{lsync.StatusSuccess}, 1},
		{"partial is final", []lsync.Status{lsync.StatusPartial}, 1},
		{"recovers on second retry", []lsync.Status{lsync.StatusError, lsync.StatusError, lsync.StatusSuccess}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{statuses: tt.statuses}
			s, err := New(runner, testConfig())
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}
			s.runWithRetry(context.Background())
			if got := runner.count(); got != tt.wantCalls {
				t.Errorf("RunCycle called %d times, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestRunWithRetry_CancelledDuringDelay(t *testing.T) {
	runner := &fakeRunner{statuses: []lsync.Status{lsync.StatusError}}
	config := testConfig()
	config.RetryDelay = time.Hour
	s, err := New(runner, config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	s.runWithRetry(ctx)
	if time.Since(start) > 5*time.Second {
		t.Error("runWithRetry did not honor cancellation")
	}
	if got := runner.count(); got != 1 {
		t.Errorf("RunCycle called %d times, want 1", got)
	}
}

func TestRunOnce_StatsAndCallback(t *testing.T) {
	runner := &fakeRunner{statuses: []lsync.Status{lsync.StatusSuccess, lsync.StatusPartial, lsync.StatusError}}
	var seen int32
	config := testConfig()
	config.OnCycle = func(lsync.Outcome) { atomic.AddInt32(&seen, 1) }

	s, err := New(runner, config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		s.RunOnce(context.Background())
	}

	stats := s.Stats()
	if stats.TotalCycles != 4 || stats.Successful != 1 || stats.Partial != 1 || stats.Failed != 2 {
		t.Errorf("Stats = %+v", stats)
	}
	if rate := stats.SuccessRate(); rate != 50 {
		t.Errorf("SuccessRate() = %v, want 50", rate)
	}
	if stats.LastOutcome == nil || stats.LastOutcome.Status != lsync.StatusError {
		t.Errorf("LastOutcome = %+v", stats.LastOutcome)
	}
	if atomic.LoadInt32(&seen) != 4 {
		t.Errorf("OnCycle called %d times, want 4", seen)
	}
}

func TestStartStop(t *testing.T) {
	runner := &fakeRunner{}
	s, err := New(runner, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Error("second Start() succeeded, want error")
	}

	waitFor(t, func() bool { return runner.count() == 1 })
	if !s.IsRunning() {
		t.Error("scheduler should be running")
	}
	if s.Stats().Uptime() <= 0 {
		t.Error("Uptime() should be positive while running")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if s.IsRunning() {
		t.Error("scheduler still running after Stop()")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() = %v, want nil", err)
	}
}

func TestStop_WaitsForCycleInFlight(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	s, err := New(runner, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	waitFor(t, func() bool { return runner.count() == 1 })

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()

	select {
	case <-stopped:
		t.Fatal("Stop() returned while a cycle was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.block)
	if err := <-stopped; err != nil {
		t.Errorf("Stop() = %v", err)
	}
}

func TestStop_Timeout(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	defer close(runner.block)

	config := testConfig()
	config.ShutdownTimeout = 20 * time.Millisecond
	s, err := New(runner, config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	waitFor(t, func() bool { return runner.count() == 1 })

	if err := s.Stop(); err == nil {
		t.Error("Stop() = nil, want timeout error")
	}
}

func TestTrigger(t *testing.T) {
	runner := &fakeRunner{}
	config := testConfig()
	config.RunOnStart = false
	s, err := New(runner, config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer s.Stop()

	s.Trigger()
	waitFor(t, func() bool { return runner.count() == 1 })
}

func TestRun_Interval(t *testing.T) {
	runner := &fakeRunner{}
	config := testConfig()
	config.Interval = 10 * time.Millisecond
	config.RunOnStart = false
	s, err := New(runner, config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, func() bool { return runner.count() >= 3 })
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}
