package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"vitalwatch/internal/api"
	"vitalwatch/internal/config"
	"vitalwatch/internal/engine"
	"vitalwatch/internal/ingest"
	"vitalwatch/internal/lock"
	"vitalwatch/internal/logging"
	"vitalwatch/internal/model"
	"vitalwatch/internal/notify"
	"vitalwatch/internal/scheduler"
	"vitalwatch/internal/storage"
	"vitalwatch/internal/thresholds"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "vitalwatch",
		Short: "Health reading analysis and doctor alerting",
	}
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML or JSON config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Manager, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	return config.NewManager(config.ResolvePath(path))
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	return store, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run ingestion, the API and the scheduled analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServer(manager)
		},
	}
}

func runServer(manager *config.Manager) error {
	cfg := manager.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	notifier, err := notify.New(cfg.Notify, logger)
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}
	defer notifier.Close()

	rules := thresholds.NewRepository(store)
	eng := engine.NewEngine(cfg, logger, engine.Deps{
		Store:    store,
		Rules:    rules,
		Locker:   lock.New(cfg.Lock, logger),
		Notifier: notifier,
	})

	readings := make(chan model.Reading, cfg.Ingest.ChannelBuffer)
	eng.Start(ctx, readings)

	parser := ingest.NewParser()
	ingest.StartREST(ctx, manager, readings, logger)
	ingest.StartKafka(ctx, manager, parser, readings, logger)

	api.Start(ctx, api.Deps{
		Config:  manager,
		Engine:  eng,
		Alerts:  store,
		Rules:   rules,
		Feed:    eng.Alerts(),
		Runs:    eng.Runs(),
		Logger:  logger,
		Version: version,
	})
	scheduler.New(manager, eng, logger).Start(ctx)

	if manager.Path() != "" {
		go manager.Watch(3*time.Second, func(next *config.Config) {
			eng.UpdateConfig(next)
			logger.Info("config reloaded", "path", manager.Path())
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, ctx.Done())
	}

	logger.Info("vitalwatch started", "version", version, "storage", cfg.Storage.Driver, "lock", cfg.Lock.Driver)
	<-ctx.Done()
	logger.Info("shutting down")
	// let in-flight HTTP shutdowns finish
	time.Sleep(200 * time.Millisecond)
	return nil
}

func analyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run one analysis pass and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			doctorID, _ := cmd.Flags().GetString("doctor")
			all, _ := cmd.Flags().GetBool("all")
			if doctorID == "" && !all {
				return fmt.Errorf("either --doctor or --all is required")
			}
			manager, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg := manager.Get()
			logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			notifier, err := notify.New(cfg.Notify, logger)
			if err != nil {
				return fmt.Errorf("notifier: %w", err)
			}
			defer notifier.Close()

			eng := engine.NewEngine(cfg, logger, engine.Deps{
				Store:    store,
				Rules:    thresholds.NewRepository(store),
				Locker:   lock.New(cfg.Lock, logger),
				Notifier: notifier,
			})

			var result any
			if all {
				result, err = eng.AnalyzeAll(ctx)
			} else {
				result, err = eng.AnalyzeAndGenerateAlerts(ctx, doctorID)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().String("doctor", "", "Doctor ID to analyze")
	cmd.Flags().Bool("all", false, "Analyze every doctor")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg := manager.Get()
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			slog.Info("schema ready", "driver", cfg.Storage.Driver)
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
