package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SrivatsaRv/documo/config"
	"github.com/SrivatsaRv/documo/db"
	"github.com/SrivatsaRv/documo/dedup"
	"github.com/SrivatsaRv/documo/dispatch"
	"github.com/SrivatsaRv/documo/event"
	"github.com/SrivatsaRv/documo/fetch"
	"github.com/SrivatsaRv/documo/logger"
	"github.com/SrivatsaRv/documo/pipeline"
	"github.com/SrivatsaRv/documo/publish"
	"github.com/SrivatsaRv/documo/server"
	"github.com/SrivatsaRv/documo/synth"
	"github.com/SrivatsaRv/documo/track"
	"github.com/SrivatsaRv/documo/version"
)

var jsonLogs bool

var rootCmd = &cobra.Command{
	Use:   "documo",
	Short: "DocuMo - pull request documentation service",
	Long: `DocuMo listens for pull request webhooks, checks out the revision,
synthesizes documentation with an LLM, and posts it back to the pull
request as a comment.

Examples:
  documo serve             # Start the webhook server
  documo version           # Show build information`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server and pipeline workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Get().String())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit logs as JSON")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe() error {
	defer logger.Cleanup()
	log := logger.Logger

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	conn, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer conn.Close()
	if err := db.Migrate(conn, log); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	store := dedup.NewStore(conn, cfg.Dispatch.Lease(), log)
	tracker := track.NewTracker(conn, log)

	// Claims from a previous crash would otherwise block their keys until
	// the lease expired.
	if _, err := store.RecoverExpired(); err != nil {
		return fmt.Errorf("failed to recover expired leases: %w", err)
	}

	workDir := filepath.Join(os.TempDir(), "documo-checkouts")
	fetcher := fetch.NewFetcher(workDir, cfg.GitHub.Token,
		cfg.Synthesis.MaxFiles, cfg.Synthesis.MaxFileBytes, log)
	synthesizer := synth.NewSynthesizer(synth.NewClient(cfg.Synthesis, log), log)
	publisher := publish.NewRouter(
		publish.NewGitHubPublisher(cfg.GitHub.APIBaseURL, cfg.GitHub.Token, log),
		publish.NewGitLabPublisher(cfg.GitLab.APIBaseURL, cfg.GitLab.Token, log),
	)

	runner := pipeline.NewRunner(fetcher, synthesizer, publisher, store, tracker,
		cfg.Pipeline, cfg.Dispatch.Cooldown(), log)

	validator := event.NewValidator(cfg.GitHub.WebhookSecret, cfg.GitLab.WebhookToken)
	dispatcher := dispatch.NewDispatcher(validator, store, runner, cfg.Dispatch, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)

	// Dispatch ceilings follow the config file without a restart.
	if path := config.ConfigFilePath(); path != "" {
		watcher, err := config.NewConfigWatcher(path)
		if err != nil {
			log.Warnw("Config watcher unavailable", "path", path, "error", err)
		} else {
			watcher.OnReload(func(next *config.Config) error {
				dispatcher.SetLimits(next.Dispatch.MaxGlobal, next.Dispatch.MaxPerRepository)
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	// Retention janitor: terminal dedup records and old transitions are
	// evicted once they stop being useful.
	go janitor(ctx, store, tracker, cfg.Dispatch.RetentionHours, log)

	srv := server.New(cfg, dispatcher, store, tracker, log)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	log.Infow("DocuMo started",
		"version", version.Get().Version,
		"port", cfg.Port(),
		"database", cfg.Database.Path)

	select {
	case <-ctx.Done():
		log.Infow("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.ShutdownGrace())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("HTTP shutdown failed", "error", err)
	}
	dispatcher.Stop(cfg.Dispatch.ShutdownGrace())
	return nil
}

func janitor(ctx context.Context, store *dedup.Store, tracker *track.Tracker, retentionHours int, log *zap.SugaredLogger) {
	retention := time.Duration(retentionHours) * time.Hour
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := store.Cleanup(retention); err != nil {
				log.Warnw("Dedup cleanup failed", "error", err)
			}
			if _, err := tracker.Cleanup(retention); err != nil {
				log.Warnw("Transition cleanup failed", "error", err)
			}
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
