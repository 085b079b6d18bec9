package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/zyd/mailrelay/internal/app/config"
	"github.com/zyd/mailrelay/internal/app/daemon"
	"github.com/zyd/mailrelay/internal/app/relay"
	"github.com/zyd/mailrelay/internal/app/retriever"
	"github.com/zyd/mailrelay/internal/app/sender"
	"github.com/zyd/mailrelay/internal/app/storage"
	"github.com/zyd/mailrelay/internal/pkg/logger"
)

var (
	configFilepath = flag.String("config", "./config.yaml", "Filepath to configuration file. Default is './config.yaml'")
	envFilepath    = flag.String("env-file", "./.env", "Filepath to environment variables file. Default is '.env'")
	once           = flag.Bool("once", false, "Run a single relay cycle and exit instead of polling")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configFilepath, *envFilepath)
	if err != nil {
		log.Fatalf("failed to load configuration: %s", err)
	}

	logger := logger.New(os.Stdout, slog.Level(cfg.LogLevel))

	progress, err := storage.OpenFileStore(cfg.StatePath)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to open progress store: %s", err), slog.String("module", "main"))
		os.Exit(1)
	}

	runner := relay.NewRunner(
		cfg,
		retriever.NewIMAPRetriever(
			retriever.DialerFunc(retriever.DialSource),
			cfg.Source,
			cfg.ChunkSizeBytes(),
			logger.With(slog.String("module", "retriever")),
		),
		sender.NewSMTPSender(cfg.Relay, logger.With(slog.String("module", "sender"))),
		progress,
		logger.With(slog.String("module", "runner")),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if *once {
		if err := runOnce(ctx, cfg, runner, logger); err != nil {
			logger.Error(fmt.Sprintf("relay cycle failed: %s", err), slog.String("module", "main"))
			cancel()
			//nolint:gocritic
			os.Exit(1)
		}
		return
	}

	relayd := daemon.NewDaemon(
		cfg,
		&daemon.Scheduler{},
		runner,
		logger.With(slog.String("module", "daemon")),
	)

	if err = relayd.Start(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error(fmt.Sprintf("Application exited with error: %s", err), slog.String("module", "main"))
			cancel()
			//nolint:gocritic
			os.Exit(1)
		}
	}
}

func runOnce(ctx context.Context, cfg config.Config, runner *relay.Runner, log *slog.Logger) error {
	if cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.CycleTimeout)
		defer cancel()
	}

	forwarded, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	log.Info(fmt.Sprintf("relay cycle done, %d message(s) forwarded", forwarded), slog.String("module", "main"))
	return nil
}
