package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"pos-sync-server/internal/config"
	"pos-sync-server/internal/handler"
	"pos-sync-server/internal/middleware"
	"pos-sync-server/internal/repository/couch"
	"pos-sync-server/internal/repository/sqlite"
	"pos-sync-server/internal/service"
	"pos-sync-server/internal/websocket"
	"pos-sync-server/pkg/response"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, newLogger(cfg.Logging))
	},
}

func syncOptions(cfg config.SyncConfig) (service.Options, error) {
	strategy, err := service.ParseStrategy(cfg.DefaultStrategy)
	if err != nil {
		return service.Options{}, fmt.Errorf("SYNC_DEFAULT_STRATEGY: %w", err)
	}
	return service.Options{
		DefaultStrategy: strategy,
		BatchSize:       cfg.BatchSize,
		MaxBatchSize:    cfg.MaxBatchSize,
		ApplyTimeout:    cfg.ApplyTimeout,
		LockTTL:         cfg.LockTTL,
		VersionRetries:  cfg.VersionRetries,
		DeltaPageSize:   cfg.DeltaPageSize,
		Fields: service.FieldPolicy{
			Additive:      service.ParseFieldSet(cfg.AdditiveFields),
			LastWriteWins: service.ParseFieldSet(cfg.LastWriteWins),
		},
		AllowedEntityTypes: cfg.AllowedEntityTypes,
	}, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	opts, err := syncOptions(cfg.Sync)
	if err != nil {
		return err
	}

	storage, err := sqlite.New(ctx, cfg.Database.SQLitePath, sqlite.WithLogger(logger))
	if err != nil {
		return err
	}
	defer storage.Close()

	stores := service.Stores{
		Clients:   storage.Clients(),
		Mutations: storage.Mutations(),
		Conflicts: storage.Conflicts(),
		Entities:  storage.Entities(),
		Locks:     storage.Locks(),
	}

	if cfg.Database.Driver == config.DriverCouchDB {
		cs, err := couch.Connect(ctx, cfg.Database.CouchURL(), cfg.Database.Name)
		if err != nil {
			return fmt.Errorf("failed to connect to CouchDB: %w", err)
		}
		defer cs.Close()

		stores.Clients = cs.Clients()
		stores.Conflicts = cs.Conflicts()
		stores.Locks = cs.Locks()
		logger.Info("using CouchDB for clients, conflicts and locks",
			"host", cfg.Database.Host, "db", cfg.Database.Name)
	}

	wsManager := websocket.NewManager(websocket.Options{
		MaxConnPerBusiness: cfg.WebSocket.MaxConnPerBusiness,
		WriteWait:          cfg.WebSocket.WriteWait,
		PongWait:           cfg.WebSocket.PongWait,
		PingPeriod:         cfg.WebSocket.PingPeriod,
		MaxMessageSize:     cfg.WebSocket.MaxMessageSize,
	}, logger)

	syncService := service.NewSyncService(stores, wsManager, logger, opts)
	wsManager.SetMessageHandler(handler.NewWebSocketMessageHandler(syncService))
	go wsManager.Run(ctx)

	janitor := service.NewJanitor(stores.Mutations, stores.Conflicts, service.JanitorOptions{
		MutationTTL: cfg.Sync.MutationTTL,
		Retention:   cfg.Sync.ArchiveRetention,
		Interval:    cfg.Sync.JanitorInterval,
	}, logger)
	go janitor.Run(ctx)

	r := mux.NewRouter()
	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	handler.RegisterRoutes(r.PathPrefix("/api/v1").Subrouter(), cfg.JWT.Secret,
		handler.NewClientHandler(syncService),
		handler.NewSyncHandler(syncService),
	)

	wsHandler := handler.NewWebSocketHandler(wsManager, syncService, cfg.JWT.Secret, cfg.WebSocket.BufferSize, logger)
	r.HandleFunc("/ws", wsHandler.HandleConnection)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := storage.Ping(r.Context()); err != nil {
			response.Error(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		response.Success(w, map[string]string{"status": "healthy", "service": "pos-sync-server", "version": version})
	}).Methods(http.MethodGet)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting pos sync server", "addr", addr, "env", cfg.Server.Env, "db_driver", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
