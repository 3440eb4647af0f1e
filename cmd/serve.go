package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deskrelay/pkg/alert"
	"deskrelay/pkg/config"
	"deskrelay/pkg/conversation"
	"deskrelay/pkg/dispatch"
	"deskrelay/pkg/envelope"
	"deskrelay/pkg/inbox"
	"deskrelay/pkg/kvstore"
	"deskrelay/pkg/ledger"
	"deskrelay/pkg/logger"
	"deskrelay/pkg/platform"
	"deskrelay/pkg/provider"
	"deskrelay/pkg/relay"
	"deskrelay/pkg/webhook"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook relay service",
	Long:  "Starts the webhook HTTP server and the asynchronous message-processing pipeline behind it.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.serve")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, pinger, err := buildStore(runCtx, cfg.Storage)
		if err != nil {
			log.Error("Failed to initialize storage", "error", err)
			return
		}

		oracle, err := envelope.New(cfg.Crypto, log)
		if err != nil {
			log.Error("Failed to initialize crypto oracle client", "error", err)
			return
		}

		platformClient, err := platform.New(cfg.Platform, log)
		if err != nil {
			log.Error("Failed to initialize platform client", "error", err)
			return
		}

		generator, err := provider.New(cfg)
		if err != nil {
			log.Error("Failed to initialize reply generator", "error", err)
			return
		}

		notifier, err := alert.New(cfg.Alerts.Telegram, log)
		if err != nil {
			log.Error("Failed to initialize operator alerts", "error", err)
			return
		}

		dedupLedger := ledger.New(store, time.Duration(cfg.Storage.RecordTTLHours)*time.Hour, log)
		conversations := conversation.New(
			store,
			cfg.Conversation.Preamble,
			cfg.Conversation.MaxHistoryLength,
			time.Duration(cfg.Storage.SessionTTLHours)*time.Hour,
			log,
		)
		synchronizer := inbox.New(platformClient, cfg.Sync.PageSize, cfg.Sync.MaxPages, log)
		dispatcher := dispatch.New(cfg.Dispatch.ChunkSize, cfg.Dispatch.MaxTextChunks, log)

		orchestrator := relay.New(
			oracle,
			synchronizer,
			dedupLedger,
			dedupLedger,
			conversations,
			generator,
			platformClient,
			dispatcher,
			notifier,
			log,
		)

		server, err := webhook.NewServer(cfg.Server, oracle, orchestrator, pinger, generator, log)
		if err != nil {
			log.Error("Failed to initialize webhook server", "error", err)
			return
		}

		log.Info("DeskRelay started", "storage", storageBackend(cfg.Storage), "provider", cfg.Providers.Default)
		if err := server.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Webhook server failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// buildStore resolves the configured key-value backend. The second return is
// non-nil only for backends that support reachability pings.
func buildStore(ctx context.Context, cfg config.StorageConfig) (kvstore.Store, webhook.Pinger, error) {
	switch storageBackend(cfg) {
	case "memory":
		return kvstore.NewMemoryStore(), nil, nil
	case "redis":
		store, err := kvstore.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}

func storageBackend(cfg config.StorageConfig) string {
	if cfg.Backend == "" {
		return "redis"
	}

	return cfg.Backend
}
