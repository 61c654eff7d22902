package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"codecollab/api/internal/app"
	"codecollab/api/internal/autosave"
	"codecollab/api/internal/config"
	"codecollab/api/internal/email"
	"codecollab/api/internal/execproxy"
	"codecollab/api/internal/gitrepo"
	"codecollab/api/internal/livesync"
	"codecollab/api/internal/realtime"
	"codecollab/api/internal/room"
	"codecollab/api/internal/search"
	"codecollab/api/internal/session"
	"codecollab/api/internal/store"

	"pkt.systems/pslog"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and live-sync websocket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, pslog.Ctx(cmd.Context()))
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger pslog.Logger) error {
	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", "count", len(applied))
	}

	dataStore := store.NewPostgresStore(db)

	deps := app.Deps{Store: dataStore, Sessions: dataStore, Logger: logger}
	var readyChecks []app.ServerOption
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		deps.Sessions = redisStore
		readyChecks = append(readyChecks, app.WithReadyCheck("redis", redisStore.Ping))
		logger.Info("refresh tokens stored in redis")
	} else {
		logger.Info("refresh tokens stored in postgres")
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	searchService := search.NewService(meili, search.NewPgFTS(db), logger)
	if meili != nil {
		go searchService.ReindexAll(context.Background())
	}

	hooks := []autosave.Hook{app.IndexOnSave(searchService)}
	var archive *gitrepo.Service
	if strings.TrimSpace(cfg.ReposDir) != "" {
		if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
			return fmt.Errorf("create repos dir: %w", err)
		}
		archive = gitrepo.New(cfg.ReposDir)
		hooks = append(hooks, app.ArchiveOnSave(archive, logger))
	}

	registry := room.NewRegistry(cfg.RoomShards, nil, logger)
	coordinator := livesync.New(registry, logger)
	scheduler := autosave.New(dataStore, autosave.Options{
		Delay:        cfg.AutosaveDelay,
		WriteTimeout: cfg.AutosaveWriteTimeout,
		Shards:       cfg.RoomShards,
		Logger:       logger,
		Hooks:        hooks,
	})
	proxy := execproxy.New(execproxy.Options{
		BaseURL:        cfg.ExecutionAPIURL,
		Timeout:        cfg.ExecutionTimeout,
		MaxSourceBytes: cfg.ExecutionMaxSourceBytes,
		Logger:         logger,
	})
	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	}, logger)

	deps.Saves = scheduler
	deps.Executor = proxy
	deps.Search = searchService
	deps.Live = coordinator
	deps.Mailer = mailer
	if archive != nil {
		deps.Archive = archive
	}
	service := app.New(cfg, deps)

	gateway := realtime.NewGateway(service, dataStore, coordinator, scheduler, realtime.Options{
		AllowedOrigins:  strings.Split(cfg.CORSOrigin, ","),
		MaxMessageBytes: cfg.WSMaxMessageBytes,
		EventsPerSecond: cfg.WSEventsPerSecond,
		EventBurst:      cfg.WSEventBurst,
		Logger:          logger,
	})

	opts := append([]app.ServerOption{app.WithGateway(gateway), app.WithLogger(logger)}, readyChecks...)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, opts...)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("codecollab api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "err", err)
	}
	if err := gateway.Close(shutdownCtx); err != nil {
		logger.Error("websocket shutdown failed", "err", err)
	}
	registry.Close()
	if err := scheduler.Close(shutdownCtx); err != nil {
		logger.Error("autosave flush incomplete", "err", err)
	}
	if meili != nil {
		meili.Close()
	}
	return nil
}
