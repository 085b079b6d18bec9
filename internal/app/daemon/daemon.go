// Package daemon runs the forwarding cycle on a fixed poll interval.
package daemon

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zyd/mailrelay/internal/app/config"
)

// CycleRunner executes one polling cycle and reports how many messages
// were forwarded.
type CycleRunner interface {
	Run(ctx context.Context) (int, error)
}

type Daemon struct {
	cfg       config.Config
	logger    *slog.Logger
	scheduler scheduler
	runner    CycleRunner
}

type scheduler interface {
	ScheduleWithCtx(context.Context, schedulerSettings) error
	Stop()
}

func NewDaemon(
	cfg config.Config,
	scheduler scheduler,
	runner CycleRunner,
	logger *slog.Logger,
) *Daemon {
	return &Daemon{
		cfg:       cfg,
		scheduler: scheduler,
		runner:    runner,
		logger:    logger,
	}
}

// Start launches the scheduler, which utilizes built-in Ticker (https://pkg.go.dev/time#Ticker),
// and performs mail relaying with graceful shutdown. A failed cycle is
// logged and the loop keeps going; only cancellation or a scheduler
// launch failure end the daemon.
func (d *Daemon) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		err := d.scheduler.ScheduleWithCtx(ctx, schedulerSettings{
			LaunchInitially: true, // Execute the first cycle immediately upon scheduling.
			Interval:        d.cfg.PollInterval,
			Callback: func() {
				d.runCycle(ctx)
			},
		})
		if err != nil {
			errCh <- fmt.Errorf("error occurred while launching the scheduler: %w", err)
		}
	}()
	defer d.scheduler.Stop()

	select {
	// If the context is canceled (e.g., through external signal)
	// returning the context's error to indicate graceful termination.
	case <-ctx.Done():
		return ctx.Err()

	case err := <-errCh:
		return err
	}
}

func (d *Daemon) runCycle(ctx context.Context) {
	if d.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.CycleTimeout)
		defer cancel()
	}

	forwarded, err := d.runner.Run(ctx)
	if err != nil {
		d.logger.ErrorContext(ctx, "cycle failed", slog.Any("error", err))
		return
	}
	d.logger.InfoContext(ctx, fmt.Sprintf("cycle done, %d message(s) forwarded", forwarded))
}
