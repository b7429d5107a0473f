package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keboola/storage-duckdb/pkg/auth"
	"github.com/keboola/storage-duckdb/pkg/backend"
	"github.com/keboola/storage-duckdb/pkg/branch"
	"github.com/keboola/storage-duckdb/pkg/catalog"
	"github.com/keboola/storage-duckdb/pkg/commands"
	"github.com/keboola/storage-duckdb/pkg/config"
	"github.com/keboola/storage-duckdb/pkg/dispatcher"
	"github.com/keboola/storage-duckdb/pkg/engine"
	"github.com/keboola/storage-duckdb/pkg/idempotency"
	"github.com/keboola/storage-duckdb/pkg/importexport"
	"github.com/keboola/storage-duckdb/pkg/httpapi"
	"github.com/keboola/storage-duckdb/pkg/layout"
	"github.com/keboola/storage-duckdb/pkg/log"
	"github.com/keboola/storage-duckdb/pkg/pgwire"
	"github.com/keboola/storage-duckdb/pkg/s3stage"
	"github.com/keboola/storage-duckdb/pkg/snapshot"
	"github.com/keboola/storage-duckdb/pkg/tablelock"
	"github.com/keboola/storage-duckdb/pkg/tenant"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "storage-duckdb",
	Short:   "An embedded-analytics storage backend with branch-scoped copy-on-write tables",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"storage-duckdb version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		roots := backend.Roots{DataDir: cfg.DataDir, SnapshotsDir: cfg.SnapshotsDir, FilesDir: cfg.FilesDir}
		if _, err := backend.Init(roots); err != nil {
			return fmt.Errorf("init backend: %w", err)
		}

		l := layout.New(cfg.DataDir)
		cat, err := catalog.Open(cfg.CatalogPath)
		if err != nil {
			return fmt.Errorf("open catalog: %w", err)
		}
		defer cat.Close()

		locks := tablelock.NewRegistry()
		engineOpts := engine.Options{Threads: cfg.EngineThreads, MemoryLimit: cfg.EngineMemoryLimit}

		tenants := tenant.New(l, cat, locks, engineOpts)
		branches := branch.New(l, cat, locks)
		snapshots := snapshot.New(cfg.SnapshotsDir, l, cat, locks, engineOpts)
		pipeline := importexport.New(l, cat, locks, snapshots, engineOpts)
		authMgr := auth.New(cat)
		files := s3stage.New(cfg.FilesDir, cat)
		idem := idempotency.New(cat, time.Duration(cfg.MaxIdempotencyTTL)*time.Second, log.Logger)
		wire := pgwire.New(cat, log.Logger)
		registry := dispatcher.NewRegistry()
		commands.Register(registry, commands.Deps{
			Tenants: tenants, Branches: branches, Snapshots: snapshots,
			Pipeline: pipeline, Files: files, Auth: authMgr,
		})

		server := httpapi.New(httpapi.Deps{
			Catalog: cat, Tenants: tenants, Branches: branches, Snapshots: snapshots, Pipeline: pipeline,
			Auth: authMgr, Files: files, Idempotency: idem, Dispatcher: registry, Logger: log.Logger,
			AdminKey: cfg.AdminKey, BackendRoots: roots,
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go idem.RunSweeper(ctx)
		go wire.RunSweeper(ctx)

		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		httpServer := &http.Server{
			Addr:         addr,
			Handler:      server.Handler(),
			ReadTimeout:  time.Duration(cfg.ConnectionTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.OperationTimeout) * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Logger.Info().Str("addr", addr).Msg("starting storage-duckdb server")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case <-sigCh:
			log.Logger.Info().Msg("shutting down")
			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return httpServer.Shutdown(shutdownCtx)
		}
	},
}
