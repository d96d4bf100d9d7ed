/*
scheduler.go - Periodic reconciliation sweep

PURPOSE:
  Runs the reconciliation sweep on a fixed interval so summaries that drifted
  (lost writes, crashes between documents, stale topology) converge without
  an operator.

DESIGN:
  - gocron scheduler in UTC; one job, singleton mode so a slow sweep is never
    overlapped by the next tick
  - Each run repairs missing summaries and re-signals the issuer for completed
    records without a certificate
  - The last report is kept for the admin API and logs

USAGE:
  scheduler := NewSweepScheduler(engine.Reconciler, time.Hour, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunSweep endpoint (manual sweep)
  - progress/reconcile.go: Reconciler.Sweep
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/warp/progress-engine/logger"
	"github.com/warp/progress-engine/progress"
)

// Sweeper runs a reconciliation sweep.
type Sweeper interface {
	Sweep(ctx context.Context, opts progress.SweepOptions) (*progress.SweepReport, error)
}

// SweepScheduler runs Sweeper on an interval.
type SweepScheduler struct {
	Sweeper  Sweeper
	Interval time.Duration
	Options  progress.SweepOptions

	// Timeout bounds one run; the interval when zero.
	Timeout time.Duration

	Log *logger.Logger

	scheduler *gocron.Scheduler
	mu        sync.Mutex
	last      *progress.SweepReport
	runs      int
}

// NewSweepScheduler creates a scheduler that repairs missing summaries and
// issues missing certificates.
func NewSweepScheduler(sweeper Sweeper, interval time.Duration, log *logger.Logger) *SweepScheduler {
	return &SweepScheduler{
		Sweeper:  sweeper,
		Interval: interval,
		Options: progress.SweepOptions{
			RepairMissing: true,
			IssueMissing:  true,
		},
		Log: logger.OrNop(log).With("component", "sweep-scheduler"),
	}
}

// Start schedules the sweep. The first run starts immediately. A
// non-positive interval leaves the scheduler disabled.
func (s *SweepScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Interval <= 0 {
		s.Log.Info("disabled, not starting")
		return nil
	}
	if s.scheduler != nil {
		return nil
	}

	sch := gocron.NewScheduler(time.UTC)
	sch.SingletonModeAll()
	if _, err := sch.Every(s.Interval).Do(s.RunOnce); err != nil {
		return err
	}
	sch.StartAsync()
	s.scheduler = sch

	s.Log.Info("started", "interval", s.Interval)
	return nil
}

// Stop stops the scheduler. A run in progress finishes.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	sch := s.scheduler
	s.scheduler = nil
	s.mu.Unlock()

	// Unlocked: gocron waits for the running job, which takes s.mu.
	if sch != nil {
		sch.Stop()
		s.Log.Info("stopped")
	}
}

// RunOnce performs one sweep and records its report.
func (s *SweepScheduler) RunOnce() {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = s.Interval
	}
	if timeout <= 0 {
		timeout = time.Hour
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	report, err := s.Sweeper.Sweep(ctx, s.Options)
	if err != nil {
		s.Log.Error("sweep failed", "error", err)
	}

	s.mu.Lock()
	s.runs++
	if report != nil {
		s.last = report
	}
	s.mu.Unlock()

	if report != nil && report.Failed > 0 {
		s.Log.Warn("sweep finished with failures", "failed", report.Failed, "synced", report.Synced)
	}
}

// LastReport returns the most recent sweep report, or nil before the first
// run.
func (s *SweepScheduler) LastReport() *progress.SweepReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Runs counts completed runs.
func (s *SweepScheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}
