package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyd/mailrelay/internal/app/config"
)

type countingRunner struct {
	runs   atomic.Int32
	runErr error
}

func (r *countingRunner) Run(_ context.Context) (int, error) {
	r.runs.Add(1)
	return 0, r.runErr
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerValidatesSettings(t *testing.T) {
	var s Scheduler
	assert.Error(t, s.ScheduleWithCtx(context.Background(), schedulerSettings{Interval: 0, Callback: func() {}}))
	assert.Error(t, s.ScheduleWithCtx(context.Background(), schedulerSettings{Interval: time.Second}))
}

func TestSchedulerRunsCallbackAndStops(t *testing.T) {
	var s Scheduler
	fired := make(chan struct{}, 16)

	err := s.ScheduleWithCtx(context.Background(), schedulerSettings{
		Interval:        5 * time.Millisecond,
		LaunchInitially: true,
		Callback:        func() { fired <- struct{}{} },
	})
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	s.Stop()
	s.Stop() // idempotent
}

func TestDaemonContinuesAfterFailedCycle(t *testing.T) {
	runner := &countingRunner{runErr: errors.New("mailbox unreachable")}
	d := NewDaemon(
		config.Config{PollInterval: 5 * time.Millisecond},
		&Scheduler{},
		runner,
		discardLogger(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := d.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// A failing cycle is logged and retried, not fatal.
	assert.GreaterOrEqual(t, runner.runs.Load(), int32(2))
}

func TestDaemonStopsOnCancel(t *testing.T) {
	runner := &countingRunner{}
	d := NewDaemon(
		config.Config{PollInterval: time.Hour},
		&Scheduler{},
		runner,
		discardLogger(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := d.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, runner.runs.Load())
}
