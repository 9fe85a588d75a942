// Command coursewatch mirrors submitted files from a Moodle-shaped LMS,
// tracks their extracted digests, and scores newer submissions against
// earlier ones from the same assignment.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"coursewatch/internal/config"
	"coursewatch/internal/lifecycle"
	"coursewatch/internal/lmsclient"
	"coursewatch/internal/logging"
	"coursewatch/internal/storage"

	_ "coursewatch/internal/plugin/homoglyph"
	_ "coursewatch/internal/plugin/plaintext"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	rootCmd := &cobra.Command{
		Use:   "coursewatch",
		Short: "Mirror and compare LMS submissions",
	}
	rootCmd.PersistentFlags().String("db", "coursewatch.db", "path to the SQLite database")
	rootCmd.PersistentFlags().String("config", "coursewatch.json", "path to the JSON config file")

	rootCmd.AddCommand(
		newServeCmd(logger),
		newMigrateCmd(logger),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run:   func(cmd *cobra.Command, args []string) { fmt.Println(version) },
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newMigrateCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, _ := cmd.Flags().GetString("db")
			db, err := storage.Open(context.Background(), dbPath)
			if err != nil {
				return err
			}
			defer db.Close()
			logger.Info("migrations applied", "db", dbPath)
			return nil
		},
	}
}

func newServeCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mirroring pipeline and monitoring scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, _ := cmd.Flags().GetString("db")
			configPath, _ := cmd.Flags().GetString("config")
			lmsURL, _ := cmd.Flags().GetString("lms-url")
			lmsUser, _ := cmd.Flags().GetString("lms-username")
			lmsPass, _ := cmd.Flags().GetString("lms-password")
			lmsService, _ := cmd.Flags().GetString("lms-service")
			workers, _ := cmd.Flags().GetInt("workers")

			if lmsURL == "" || lmsUser == "" || lmsPass == "" {
				return &config.ConfigError{Field: "lms", Reason: "--lms-url, --lms-username and --lms-password are required"}
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, dbPath, configPath, lmsclient.Config{
				BaseURL:  lmsURL,
				Username: lmsUser,
				Password: lmsPass,
				Service:  lmsService,
				Logger:   logger,
			}, workers)
		},
	}
	cmd.Flags().String("lms-url", "", "LMS base URL (required)")
	cmd.Flags().String("lms-username", "", "LMS service account username (required)")
	cmd.Flags().String("lms-password", "", "LMS service account password (required)")
	cmd.Flags().String("lms-service", "coursewatch", "LMS web service shortname")
	cmd.Flags().Int("workers", 0, "digest worker pool size (0: use the config file's value)")
	return cmd
}

func run(ctx context.Context, logger *slog.Logger, dbPath, configPath string, lmsCfg lmsclient.Config, workersOverride int) error {
	store := config.NewFileStore(configPath)
	cfg, err := store.LoadOrDefault(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.Info("loaded config", "path", configPath)

	workers := cfg.WorkerCount
	if workersOverride > 0 {
		workers = workersOverride
	}

	pipelineCfg, err := pipelineConfigFrom(cfg)
	if err != nil {
		return fmt.Errorf("resolve digest types: %w", err)
	}

	components := []lifecycle.Component{
		&storageComponent{path: dbPath},
		&lmsComponent{cfg: lmsCfg},
		&repositoriesComponent{},
		&workerPoolComponent{workers: workers, settings: cfg.PluginSettings},
		&configWatcherComponent{
			store:   store,
			initial: cfg,
			logger:  logging.Default(logger).With("component", "config.watcher"),
		},
		&pipelineComponent{
			cfg:             pipelineCfg,
			refreshInterval: cfg.RefreshInterval(),
			logger:          logging.Default(logger).With("component", "pipeline"),
		},
		&schedulerComponent{
			cfg:    schedulerConfigFrom(cfg),
			logger: logging.Default(logger).With("component", "scheduler"),
		},
	}

	orch, err := lifecycle.New(logger, components)
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return err
	}
	logger.Info("coursewatch started")

	<-ctx.Done()

	logger.Info("shutting down")
	return orch.Stop(context.Background())
}
