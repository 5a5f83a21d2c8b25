// Package scheduler runs ingestion cycles on the configured weekdays and time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"ferrysync/internal/config"
	"ferrysync/internal/ingest"
	"ferrysync/internal/model"
)

// Runner performs one ingestion cycle.
type Runner interface {
	RunCycle(ctx context.Context, params ingest.CycleParams) (ingest.Result, error)
}

// Sender delivers a short report after each scheduled cycle.
type Sender interface {
	Broadcast(text string)
}

// Scheduler owns the background worker that fires cycles at scheduled slots.
type Scheduler struct {
	runner      Runner
	sender      Sender
	cfgPath     string
	loc         *time.Location
	log         *slog.Logger
	now         func() time.Time
	after       func(time.Duration) <-chan time.Time
	stopTimeout time.Duration

	mu         sync.Mutex
	cfg        config.UpdateConfig
	creds      model.EmailCredentials
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	lastFired  time.Time
	reschedule chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source and the timer used between slots (useful for testing).
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
		s.after = after
	}
}

// WithStopTimeout bounds how long Stop waits for the worker.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.stopTimeout = d }
}

// WithSender reports scheduled cycle results.
func WithSender(sender Sender) Option {
	return func(s *Scheduler) { s.sender = sender }
}

// New creates a stopped Scheduler. cfg is persisted to cfgPath on every change.
func New(runner Runner, cfg config.UpdateConfig, cfgPath string, creds model.EmailCredentials, loc *time.Location, log *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:      runner,
		cfgPath:     cfgPath,
		loc:         loc,
		log:         log,
		now:         time.Now,
		after:       time.After,
		stopTimeout: 5 * time.Second,
		cfg:         cfg,
		creds:       creds,
		reschedule:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the worker. It returns false if the scheduler is already running.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}

	if err := os.MkdirAll(s.cfg.UpdateDirectory, 0o750); err != nil {
		s.log.Error("create update directory", "dir", s.cfg.UpdateDirectory, "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.run(ctx, s.done)

	s.log.Info("scheduler started", "update_time", s.cfg.UpdateTime, "update_days", s.cfg.UpdateDays)
	return true
}

// Stop signals the worker and waits for it up to the stop timeout. A cycle in
// progress is not interrupted. It returns false if the scheduler is not running.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-time.After(s.stopTimeout):
		s.log.Warn("scheduler worker still busy after stop, leaving it to finish", "timeout", s.stopTimeout)
	}
	return true
}

// Running reports whether the worker is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		next, ok := s.NextUpdateTime()
		var wait <-chan time.Time
		if ok {
			wait = s.after(next.Sub(s.now()))
			s.log.Debug("next update scheduled", "at", next)
		} else {
			s.log.Info("no update days configured, waiting for a config change")
		}

		select {
		case <-ctx.Done():
			return
		case <-s.reschedule:
			continue
		case <-wait:
			s.fire(ctx, next)
		}
	}
}

// fire runs the cycle for one slot. The cycle does not observe Stop.
func (s *Scheduler) fire(ctx context.Context, slot time.Time) {
	s.mu.Lock()
	s.lastFired = slot
	params := s.paramsLocked(ingest.TriggerSchedule)
	sender := s.sender
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled cycle panicked", "slot", slot, "panic", r)
		}
	}()

	res, err := s.runner.RunCycle(context.WithoutCancel(ctx), params)
	switch {
	case errors.Is(err, ingest.ErrCycleInProgress):
		s.log.Warn("skipping scheduled cycle, another update is running", "slot", slot)
		return
	case err != nil:
		s.log.Error("scheduled cycle failed", "slot", slot, "error", err)
	default:
		s.log.Info("scheduled cycle finished", "slot", slot, "outcome", res.Outcome)
	}
	if sender != nil {
		sender.Broadcast(Report(res, err))
	}
}

// SetSender replaces the receiver of scheduled cycle reports.
func (s *Scheduler) SetSender(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
}

// Report renders a short summary of a scheduled cycle.
func Report(res ingest.Result, err error) string {
	if err != nil {
		return "Scheduled update failed: " + err.Error()
	}
	switch res.Outcome {
	case ingest.OutcomeUpdated:
		return "Scheduled update: " + res.Message
	case ingest.OutcomeFetchFailed:
		return fmt.Sprintf("Scheduled update could not reach the mailbox (%s), will retry at the next slot", res.Kind)
	default:
		return "Scheduled update: " + res.Message
	}
}

// RunUpdateNow runs one cycle on the caller's goroutine, bypassing the schedule.
func (s *Scheduler) RunUpdateNow(ctx context.Context) (ingest.Result, error) {
	s.mu.Lock()
	params := s.paramsLocked(ingest.TriggerManual)
	s.mu.Unlock()
	return s.runner.RunCycle(ctx, params)
}

func (s *Scheduler) paramsLocked(trigger string) ingest.CycleParams {
	cfg := s.cfg
	cfg.UpdateDays = slices.Clone(s.cfg.UpdateDays)
	return ingest.CycleParams{Config: cfg, Credentials: s.creds, Trigger: trigger}
}

// Config returns a copy of the live update configuration.
func (s *Scheduler) Config() config.UpdateConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg
	cfg.UpdateDays = slices.Clone(s.cfg.UpdateDays)
	return cfg
}

// UpdateConfig merges patch into the live configuration, persists it and wakes
// the worker so the next slot is recomputed. An invalid patch changes nothing.
func (s *Scheduler) UpdateConfig(patch config.UpdatePatch) (config.UpdateConfig, error) {
	s.mu.Lock()
	next, err := s.cfg.Apply(patch)
	if err != nil {
		s.mu.Unlock()
		return config.UpdateConfig{}, fmt.Errorf("apply config change: %w", err)
	}
	if err := next.Save(s.cfgPath); err != nil {
		s.mu.Unlock()
		return config.UpdateConfig{}, err
	}
	if err := os.MkdirAll(next.UpdateDirectory, 0o750); err != nil {
		s.log.Error("create update directory", "dir", next.UpdateDirectory, "error", err)
	}
	s.cfg = next
	s.mu.Unlock()

	s.log.Info("update config changed", "update_time", next.UpdateTime, "update_days", next.UpdateDays,
		"update_directory", next.UpdateDirectory, "enable_historical", next.EnableHistorical)

	select {
	case s.reschedule <- struct{}{}:
	default:
	}
	return s.Config(), nil
}

// ConfigureCredentials replaces the in-memory mailbox credentials. Only the
// useEnv flag is persisted.
func (s *Scheduler) ConfigureCredentials(creds model.EmailCredentials, useEnv bool) error {
	s.mu.Lock()
	s.creds = creds
	changed := s.cfg.EmailCredentials.UseEnvVars != useEnv
	s.mu.Unlock()

	if !changed {
		return nil
	}
	_, err := s.UpdateConfig(config.UpdatePatch{UseEnvVars: &useEnv})
	return err
}

// Credentials returns the mailbox credentials in use.
func (s *Scheduler) Credentials() model.EmailCredentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// NextUpdateTime returns the next slot that has not fired yet, or false when no
// weekdays are configured.
func (s *Scheduler) NextUpdateTime() (time.Time, bool) {
	s.mu.Lock()
	cfg := s.cfg
	from := s.now()
	if !s.lastFired.IsZero() && !s.lastFired.Before(from) {
		from = s.lastFired
	}
	s.mu.Unlock()

	hour, minute := cfg.Clock()
	return NextRun(from, cfg.Weekdays(), hour, minute, s.loc)
}

// NextRun returns the first instant strictly after now that falls on one of days
// at hour:minute in loc.
func NextRun(now time.Time, days []time.Weekday, hour, minute int, loc *time.Location) (time.Time, bool) {
	if len(days) == 0 {
		return time.Time{}, false
	}
	local := now.In(loc)
	for i := 0; i <= 7; i++ {
		y, m, d := local.AddDate(0, 0, i).Date()
		candidate := time.Date(y, m, d, hour, minute, 0, 0, loc)
		if candidate.After(now) && slices.Contains(days, candidate.Weekday()) {
			return candidate, true
		}
	}
	return time.Time{}, false
}
