// Command sparrowd is the mail digest daemon. It polls linked
// mailboxes, summarizes new messages, delivers digests over the
// messaging channel, and serves the tenant management commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ndhoang/sparrowmail/internal/accounts"
	"github.com/ndhoang/sparrowmail/internal/admin"
	"github.com/ndhoang/sparrowmail/internal/bot"
	"github.com/ndhoang/sparrowmail/internal/credential"
	"github.com/ndhoang/sparrowmail/internal/mailbox"
	"github.com/ndhoang/sparrowmail/internal/model"
	"github.com/ndhoang/sparrowmail/internal/notify"
	"github.com/ndhoang/sparrowmail/internal/poll"
	"github.com/ndhoang/sparrowmail/internal/prefs"
	"github.com/ndhoang/sparrowmail/internal/store"
	"github.com/ndhoang/sparrowmail/internal/summarize"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sparrowd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger, err := buildLogger(*debug)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	botToken, err := credential.Get(credential.KeyBotToken)
	if err != nil {
		return fmt.Errorf("reading bot token from keyring: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	st, err := store.NewSQLiteStore(filepath.Join(cfg.DataDir, "sparrowmail.db"))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	tenantPrefs, err := prefs.Load(ctx, st)
	if err != nil {
		return err
	}

	enumerator := accounts.NewEnumerator(cfg.UsersDir, logger)
	factory := mailbox.NewProviderFactory(cfg.Polling.MaxResults, logger)
	notifier := notify.NewTelegramNotifier(botToken, logger)

	summarizer := summarize.NewSummarizer(
		st,
		summarize.NewOllamaClient(cfg.Summarizer.BaseURL),
		summarize.Options{
			Model:     cfg.Summarizer.Model,
			Timeout:   time.Duration(cfg.Summarizer.TimeoutSec) * time.Second,
			Workers:   cfg.Summarizer.Workers,
			QueueSize: cfg.Summarizer.QueueSize,
		},
		logger,
	)
	defer summarizer.Close()

	poller := poll.NewPoller(
		enumerator, factory, summarizer, notifier, st, tenantPrefs,
		poll.Options{
			Interval:   time.Duration(cfg.Polling.IntervalSec) * time.Second,
			SeenLimit:  cfg.Polling.SeenLimit,
			MaxPayload: cfg.Notifier.MaxPayload,
		},
		logger,
	)

	retention := time.Duration(cfg.Cache.RetentionDays) * 24 * time.Hour
	adminSvc := admin.NewService(
		poller, enumerator, tenantPrefs, st,
		retention, cfg.Notifier.AdminTenantID, logger,
	)
	commandBot := bot.New(botToken, adminSvc, notifier, logger)

	logger.Info("sparrowd starting",
		zap.String("config", *configPath),
		zap.Int("poll_interval_sec", cfg.Polling.IntervalSec),
	)

	go runPruneLoop(ctx, st, retention,
		time.Duration(cfg.Cache.PruneIntervalSec)*time.Second, logger)
	go commandBot.Run(ctx)

	poller.Run(ctx)

	logger.Info("sparrowd stopped")
	return nil
}

// runPruneLoop periodically deletes expired summaries.
func runPruneLoop(
	ctx context.Context,
	st store.Store,
	retention, interval time.Duration,
	logger *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := st.PruneSummaries(ctx, retention)
			if err != nil {
				logger.Error("pruning summary cache", zap.Error(err))
				continue
			}
			if deleted > 0 {
				logger.Info("pruned expired summaries", zap.Int64("count", deleted))
			}
		}
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
