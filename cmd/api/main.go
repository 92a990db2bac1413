package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"loupe/api/internal/app"
	"loupe/api/internal/config"
	"loupe/api/internal/curation"
	"loupe/api/internal/docs"
	"loupe/api/internal/gitrepo"
	"loupe/api/internal/schema"
	"loupe/api/internal/session"
	"loupe/api/internal/store"
)

var (
	rootCmd = &cobra.Command{
		Use:           "loupe-api",
		Short:         "Annotation curation server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Apply migrations and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  cmdRun,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	migrateUpCmd = &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE:  cmdMigrateUp,
	}
	migrateDownCmd = &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recently applied migration",
		Args:  cobra.NoArgs,
		RunE:  cmdMigrateDown,
	}
	importCmd = &cobra.Command{
		Use:   "import <project id> <text file>...",
		Short: "Import plain text files as source documents",
		Args:  cobra.MinimumNArgs(2),
		RunE:  cmdImport,
	}

	importActor string
)

func init() {
	importCmd.Flags().StringVar(&importActor, "actor", "admin", "user recorded as the author of the imported baseline")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	rootCmd.AddCommand(runCmd, migrateCmd, importCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	level, err := cfg.Level()
	if err != nil {
		return config.Config{}, nil, err
	}
	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(level)
	logger, err := logConfig.Build()
	if err != nil {
		return config.Config{}, nil, errs.Wrap(err)
	}
	return cfg, logger, nil
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	ctx := cmd.Context()

	if err := store.ApplyMigrations(ctx, cfg.DatabaseURL, cfg.MigrationsDir, logger); err != nil {
		return err
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return errs.New("create repos dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	checks := map[string]app.Pinger{"database": dataStore}

	var settings session.SettingsStore = dataStore
	if cfg.SettingsBackend == config.SettingsBackendRedis {
		redisStore, redisErr := session.NewRedisSettingsStore(cfg.RedisURL)
		if redisErr != nil {
			return redisErr
		}
		defer func() { err = errs.Combine(err, redisStore.Close()) }()
		settings = redisStore
		checks["redis"] = redisStore
	}
	logger.Info("curation settings backend", zap.String("backend", cfg.SettingsBackend))

	documents := docs.NewService(dataStore, gitrepo.New(cfg.ReposDir, logger), logger)
	sessions := session.New(settings, dataStore, logger)
	curator := curation.NewService(documents, schema.NewService(dataStore, logger), dataStore, sessions, logger)

	httpServer := app.NewHTTPServer(curator, sessions, dataStore, app.Options{
		CORSOrigin:    cfg.CORSOrigin,
		SessionSecret: cfg.SessionSecret,
		SecureCookies: cfg.SecureCookies,
		Checks:        checks,
	}, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-serveErr:
		return errs.New("server failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	return nil
}

func cmdMigrateUp(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	return store.ApplyMigrations(cmd.Context(), cfg.DatabaseURL, cfg.MigrationsDir, logger)
}

func cmdMigrateDown(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	return store.RollbackMigrations(cmd.Context(), cfg.DatabaseURL, cfg.MigrationsDir, logger)
}

func cmdImport(cmd *cobra.Command, args []string) (err error) {
	var projectID int64
	if _, err := fmt.Sscan(args[0], &projectID); err != nil || projectID <= 0 {
		return errs.New("invalid project id %q", args[0])
	}
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	ctx := cmd.Context()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	dataStore := store.NewPostgresStore(db)
	if _, err := dataStore.GetProject(ctx, projectID); err != nil {
		return errs.New("project %d: %v", projectID, err)
	}
	documents := docs.NewService(dataStore, gitrepo.New(cfg.ReposDir, logger), logger)
	for _, path := range args[1:] {
		text, err := os.ReadFile(path)
		if err != nil {
			return errs.Wrap(err)
		}
		doc, err := documents.ImportSourceDocument(ctx, projectID, filepath.Base(path), string(text), importActor)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", doc.ID, doc.Name)
	}
	return nil
}
