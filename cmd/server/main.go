package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShellBakerIO/TochkaProjectWW/internal/config"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/db"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/engine"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/metrics"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/server"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "exchange-server",
		Short:        "a toy stock exchange with a matching engine",
		RunE:         run,
		SilenceUsage: true,
	}
	rootCmd.Flags().String("addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("dsn", "", "MySQL DSN or mysql:// URI")
	rootCmd.Flags().String("store", "", "store driver: mysql or memory")
	rootCmd.Flags().Bool("log-dev", false, "human-readable development logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// Load environment variables if present (non-fatal).
	if err := godotenv.Load(); err != nil {
		log.Printf(".env not loaded: %v", err)
	}

	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	logger, err := newLogger(cfg.LogDev)
	if err != nil {
		return errors.Wrap(err, "build logger")
	}
	defer logger.Sync()

	ctx := context.Background()
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer store.Close()

	eng := engine.New(store, logger, metrics.Default())
	if err := eng.Bootstrap(ctx); err != nil {
		return errors.Wrap(err, "bootstrap")
	}
	if err := eng.LoadOpenOrders(ctx); err != nil {
		return errors.Wrap(err, "restore order books")
	}

	srv := server.New(eng, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server failed")
	case sig := <-stop:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	logger.Info("server stopped")
	return nil
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (db.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreMySQL:
		logger.Info("connecting to MySQL")
		return db.OpenMySQL(ctx, cfg.DSN)
	default:
		logger.Warn("using in-memory store; state is lost on restart")
		return db.NewMemory(), nil
	}
}
