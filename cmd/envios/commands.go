package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/intelhome/envios/internal/app"
	"github.com/intelhome/envios/internal/config"
	"github.com/intelhome/envios/internal/database"
	"github.com/intelhome/envios/internal/logging"
	pkgdatabase "github.com/intelhome/envios/pkg/database"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const configEnv = "ENVIOS_CONFIG_FILE"

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "envios",
		Short: "Multi-tenant messaging session gateway",
		Long: `envios keeps one messaging session per tenant, pushes pairing and
connection events to browser clients, and sends and relays messages over
an HTTP API.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $"+configEnv+")")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the gateway",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrate(cmd, configPath)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "envios "+version)
			},
		},
	)
	return root
}

// loadConfig resolves the config path from the flag or the environment.
func loadConfig(path string) (*config.Config, zerolog.Logger, error) {
	if path == "" {
		path = os.Getenv(configEnv)
	}
	cfg, err := config.LoadConfigWithPrecedence(path)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config %s: %w", path, err)
	}
	log := logging.New(cfg.Log)
	if path != "" {
		log.Info().Str("path", path).Msg("config loaded")
	}
	return cfg, log, nil
}

func serve(ctx context.Context, configPath string) error {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	application, err := app.NewApplication(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.ShutdownTimeout)
		defer cancel()
		_ = application.Stop(shutdownCtx)
		return fmt.Errorf("application error: %w", err)
	}

	<-ctx.Done()
	log.Info().Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

func migrate(cmd *cobra.Command, configPath string) error {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("invalid database config: %w", err)
	}

	db, err := database.NewManager(cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()

	migrations := pkgdatabase.NewMigrationManager(db.GetDB(), pkgdatabase.EmbeddedMigrations())
	pending, err := migrations.Pending()
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	if err := migrations.ApplyMigrations(); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := pkgdatabase.NewSchemaValidator(db.GetDB()).Validate(); err != nil {
		return fmt.Errorf("database schema is invalid: %w", err)
	}

	for _, v := range pending {
		fmt.Fprintln(cmd.OutOrStdout(), "applied "+v)
	}
	log.Info().Int("applied", len(pending)).Str("path", cfg.Database.DatabasePath).Msg("migrations complete")
	return nil
}
