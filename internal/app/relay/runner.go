package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zyd/mailrelay/internal/app/composer"
	"github.com/zyd/mailrelay/internal/app/config"
	"github.com/zyd/mailrelay/internal/app/storage"
	"github.com/zyd/mailrelay/internal/pkg/faults"
	"github.com/zyd/mailrelay/internal/pkg/logger"
)

// Runner drives one polling cycle: list unseen candidates and resolve
// each one independently, either by forwarding it or by skipping it for
// good after the attempt budget runs out. Either way the watermark
// advances, so a permanently failing message can never wedge the stream.
type Runner struct {
	cfg      config.Config
	source   Source
	sink     Sink
	progress ProgressStore
	logger   *slog.Logger
}

func NewRunner(
	cfg config.Config,
	source Source,
	sink Sink,
	progress ProgressStore,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		cfg:      cfg,
		source:   source,
		sink:     sink,
		progress: progress,
		logger:   logger,
	}
}

// Run executes one cycle and returns the number of messages forwarded
// successfully. Candidates are processed sequentially: both sessions
// are stateful and not safe for concurrent use.
func (r *Runner) Run(ctx context.Context) (int, error) {
	key := storage.Key{
		Account: r.cfg.Source.Login,
		Host:    r.cfg.Source.Host,
		Folder:  r.cfg.Source.Folder,
	}

	src, err := r.source.Connect(ctx)
	if err != nil {
		return 0, fmt.Errorf("connect source: %w", err)
	}

	c := &cycle{runner: r, src: src}
	defer c.teardown()

	uids, err := c.src.ListUnseen()
	if err != nil {
		return 0, fmt.Errorf("list unseen: %w", err)
	}
	if len(uids) == 0 {
		r.logger.InfoContext(ctx, "no new messages to forward")
		return 0, nil
	}
	r.logger.InfoContext(ctx, fmt.Sprintf("%d unseen message(s) to relay", len(uids)))

	c.sink, err = r.sink.Connect(ctx)
	if err != nil {
		return 0, fmt.Errorf("connect sink: %w", err)
	}

	var forwarded int
	for i, uid := range uids {
		if err = ctx.Err(); err != nil {
			return forwarded, err
		}

		switch c.resolve(ctx, uid) {
		case outcomeForwarded:
			forwarded++
			r.advance(ctx, key, uid)
		case outcomeSkipped:
			// A permanently failing message must not block the
			// watermark forever; the skip is final, remember it.
			r.advance(ctx, key, uid)
		case outcomeAborted:
			return forwarded, ctx.Err()
		}

		// The delay paces consecutive sends; nothing follows the last
		// candidate, so it gets none.
		if i < len(uids)-1 {
			sleepCtx(ctx, r.cfg.MessageDelay)
		}
	}

	return forwarded, nil
}

// advance persists watermark = max(watermark, uid). A persistence
// failure is logged, not escalated; losing a watermark write costs at
// most a duplicate delivery on restart.
func (r *Runner) advance(ctx context.Context, key storage.Key, uid uint32) {
	if err := r.progress.Set(key, uid); err != nil {
		r.logger.ErrorContext(ctx, "failed to persist watermark",
			slog.Uint64("uid", uint64(uid)),
			slog.Any("error", err),
		)
	}
}

// cycle holds the two live sessions for the duration of one Run. The
// sessions are reassigned on reconnect rather than mutated in place, so
// a stale handle can never leak into a later step.
type cycle struct {
	runner *Runner
	src    SourceSession
	sink   SinkSession
}

func (c *cycle) teardown() {
	if c.src != nil {
		c.src.Close()
	}
	if c.sink != nil {
		c.sink.Close()
	}
}

// outcome is the terminal state of one candidate's resolution loop.
type outcome int

const (
	outcomeForwarded outcome = iota
	outcomeSkipped
	outcomeAborted
)

// resolve runs the bounded attempt loop for one candidate. Attempts
// before the last run at full fidelity; the final attempt always drops
// to the degraded header+text path so that the cheapest transfer gets
// the last word.
func (c *cycle) resolve(ctx context.Context, uid uint32) outcome {
	cfg := c.runner.cfg
	ctx = logger.WithAttrs(ctx, slog.Uint64("uid", uint64(uid)))

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			sleepCtx(ctx, cfg.RetryBackoff)
		}
		if ctx.Err() != nil {
			// Shutdown request, not a verdict on the message.
			return outcomeAborted
		}

		degraded := attempt == cfg.MaxAttempts
		err := c.attempt(ctx, uid, degraded)
		if err == nil {
			fidelity := composer.FidelityFull
			if degraded {
				fidelity = composer.FidelityDegraded
			}
			c.runner.logger.InfoContext(ctx, "message forwarded",
				slog.Int("attempt", attempt),
				slog.String("fidelity", fidelity.String()),
			)
			return outcomeForwarded
		}

		lastErr = err
		c.runner.logger.WarnContext(ctx, "forwarding attempt failed",
			slog.Int("attempt", attempt),
			slog.String("kind", faults.KindOf(err).String()),
			slog.Any("error", err),
		)
		c.recover(ctx, err)
	}

	c.runner.logger.WarnContext(ctx, "message skipped permanently",
		slog.Int("attempts", cfg.MaxAttempts),
		slog.Any("error", lastErr),
	)
	return outcomeSkipped
}

// attempt performs one fetch-compose-send round at the given fidelity.
func (c *cycle) attempt(ctx context.Context, uid uint32, degraded bool) error {
	// A stale session must never be used for a fetch.
	if err := c.src.Noop(); err != nil {
		if err = c.reconnectSource(ctx); err != nil {
			return err
		}
	}

	from := c.runner.cfg.Relay.Login
	to := c.runner.cfg.Relay.To

	var msg *composer.Message
	if degraded {
		header, text, err := c.src.FetchHeaderAndText(uid)
		if err != nil {
			return err
		}
		if msg, err = composer.ComposeDegraded(header, text, from, to); err != nil {
			return err
		}
	} else {
		raw, err := c.src.FetchFull(uid)
		if err != nil {
			return err
		}
		if msg, err = composer.ComposeFull(raw, from, to); err != nil {
			return err
		}
	}

	if err := c.sink.Send(msg); err != nil {
		return err
	}
	return c.src.MarkSeen(uid)
}

// recover reconnects whichever session the failure implicates before
// the next attempt. Protocol and composition failures leave a healthy
// session behind, nothing to do for those.
func (c *cycle) recover(ctx context.Context, err error) {
	switch faults.KindOf(err) {
	case faults.Connection:
		if rerr := c.reconnectSource(ctx); rerr != nil {
			c.runner.logger.WarnContext(ctx, "source reconnect failed", slog.Any("error", rerr))
		}
	case faults.Delivery:
		if rerr := c.reconnectSink(ctx); rerr != nil {
			c.runner.logger.WarnContext(ctx, "sink reconnect failed", slog.Any("error", rerr))
		}
	}
}

func (c *cycle) reconnectSource(ctx context.Context) error {
	c.src.Close()
	fresh, err := c.runner.source.Connect(ctx)
	if err != nil {
		// Keep the dead session in place, the next attempt's probe
		// will route back here.
		return err
	}
	c.src = fresh
	return nil
}

func (c *cycle) reconnectSink(ctx context.Context) error {
	if c.sink != nil {
		c.sink.Close()
	}
	fresh, err := c.runner.sink.Connect(ctx)
	if err != nil {
		return err
	}
	c.sink = fresh
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
