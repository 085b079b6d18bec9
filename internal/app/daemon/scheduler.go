package daemon

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Scheduler executes a callback function repeatedly at a fixed interval.
type Scheduler struct {
	settings schedulerSettings
	quit     chan struct{} // Channel for signaling termination.
	stopOnce sync.Once
}

// Encapsulates the configuration options for a Scheduler.
type schedulerSettings struct {
	Callback        func()        // Function to be executed at each interval.
	Interval        time.Duration // Duration between callback executions.
	LaunchInitially bool          // Whether to execute the callback immediately upon scheduling.
}

// ScheduleWithCtx launches a Scheduler with the provided settings.
//
// Launches a time.Ticker that signals the execution of the callback
// function at regular intervals. Returns an error only if invalid
// settings are provided (interval <= 0 or nil callback).
func (s *Scheduler) ScheduleWithCtx(ctx context.Context, settings schedulerSettings) error {
	if settings.Interval <= 0 {
		return errors.New("interval must be larger than 0")
	}
	if settings.Callback == nil {
		return errors.New("callback is nil")
	}

	s.quit = make(chan struct{})
	s.settings = settings
	go s.runSchedule(ctx)
	return nil
}

func (s *Scheduler) runSchedule(ctx context.Context) {
	if s.settings.LaunchInitially {
		s.settings.Callback()
	}

	ticker := time.NewTicker(s.settings.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.settings.Callback()
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop gracefully terminates Scheduler. Safe to call more than once and
// before Schedule ever ran.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.quit != nil {
			close(s.quit)
		}
	})
}
