package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"docsync/config"
	"docsync/config/database"
	"docsync/internal/collab"
	"docsync/internal/document/repository"
	"docsync/pkg/logger"
	"docsync/pkg/metrics"
	"docsync/router"
	"docsync/socket"
)

const shutdownTimeout = 30 * time.Second

var migrateOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and websocket server",
	Example: `  docsync serve --http-addr :8080 --db-driver sqlite --db-dsn docsync.db --migrate
  DOCSYNC_JWT_SECRET=... DOCSYNC_DB_DSN=postgres://... docsync serve`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		logger.Init(cfg.LogLevel)
		defer logger.Log.Sync()
		logger.Log.Info("Starting docsync", zap.String("version", Version))
		fmt.Println(cfg.String())

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg)
	},
}

func init() {
	f := serveCmd.Flags()
	f.String("http-addr", "", "address to listen on")
	f.BoolVar(&migrateOnStart, "migrate", false, "create the document tables before serving")
	_ = viper.BindPFlag("http-addr", f.Lookup("http-addr"))
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config) error {
	db, dialect, err := database.Connect(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	repo := repository.NewDocumentRepository(db, dialect)
	if migrateOnStart {
		if err := repo.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	registry := collab.NewRegistry(collab.Config{
		Store:        repo,
		SaveDebounce: cfg.Collab.SaveDebounce,
		MaxStaleness: cfg.Collab.MaxStaleness,
		SaveAttempts: cfg.Collab.SaveAttempts,
		SaveBackoff:  cfg.Collab.SaveBackoff,
		Linger:       cfg.Collab.Linger,
		JoinGrace:    cfg.Collab.JoinGrace,
		DrainRetry:   cfg.Collab.DrainRetry,
		DrainRetries: cfg.Collab.DrainRetries,
		Logger:       logger.Named("collab"),
		Metrics:      m,
	})
	gw := socket.NewGateway(registry, repo, socket.Config{
		SendBuffer:     cfg.Gateway.SendBuffer,
		DedupWindow:    cfg.Gateway.DedupWindow,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		Logger:         logger.Named("gateway"),
		Metrics:        m,
	})

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: router.Setup(router.Deps{
			Repo:           repo,
			Registry:       registry,
			Gateway:        gw,
			JWTSecret:      cfg.JWTSecret,
			AllowedOrigins: cfg.Gateway.AllowedOrigins,
			Gatherer:       reg,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info("Server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// hijacked websocket connections are not tracked by the server
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("HTTP shutdown", zap.Error(err))
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("Session shutdown", zap.Error(err))
	}
	gw.Close()
	logger.Log.Info("Stopped")
	return nil
}
