package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/manpreetbhatti/pairpad/internal/api"
	"github.com/manpreetbhatti/pairpad/internal/auth"
	"github.com/manpreetbhatti/pairpad/internal/compaction"
	"github.com/manpreetbhatti/pairpad/internal/config"
	"github.com/manpreetbhatti/pairpad/internal/coordinator"
	"github.com/manpreetbhatti/pairpad/internal/db"
	"github.com/manpreetbhatti/pairpad/internal/logging"
	"github.com/manpreetbhatti/pairpad/internal/metrics"
	"github.com/manpreetbhatti/pairpad/internal/notify"
	"github.com/manpreetbhatti/pairpad/internal/ws"
)

func main() {
	configPath := flag.String("config", os.Getenv("PAIRPAD_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("Server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()
	logger.Info("Database initialized", slog.String("component", "db"), slog.String("path", cfg.Database.Path))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		notifier notify.Notifier = notify.NewLogNotifier(logger)
		inbox    api.Inbox
	)
	if cfg.Redis.Address != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Address, err)
		}
		rn := notify.NewRedisNotifier(client, cfg.Redis.Prefix)
		notifier, inbox = rn, rn
		logger.Info("Redis notifications enabled", slog.String("address", cfg.Redis.Address))
	}

	var verifier auth.Verifier = auth.TrustClaims{}
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewHMACVerifier(cfg.Auth.JWTSecret)
		logger.Info("Token verification enabled")
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	coord := coordinator.New(coordinator.Options{
		Store:        database,
		Notifier:     notifier,
		Verifier:     verifier,
		Metrics:      metrics.New(promReg),
		Logger:       logger,
		HistoryLimit: cfg.WebSocket.HistoryLimit,
	})

	if cfg.Compaction.Interval > 0 {
		compactor := compaction.New(database, coord, compaction.Config{
			Interval:     cfg.Compaction.Interval,
			KeepMessages: cfg.Compaction.KeepMessages,
		}, logger)
		compactor.Start(ctx)
		defer compactor.Stop()
	}

	wsCfg := cfg.WebSocket
	wsServer := ws.NewServer(coord, ws.Settings{
		SendBuffer:        wsCfg.SendBuffer,
		MaxMessageSize:    wsCfg.MaxMessageSize,
		WriteWait:         wsCfg.WriteWait,
		PongWait:          wsCfg.PongWait,
		MessagesPerSecond: wsCfg.MessagesPerSecond,
		Burst:             wsCfg.Burst,
		MaxViolations:     wsCfg.MaxViolations,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}, logger)

	gin.SetMode(gin.ReleaseMode)
	engine := api.New(coord, database, inbox, verifier, logger).Router(api.Mounts{
		WebSocket:      wsServer,
		Metrics:        promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Pairpad server starting",
			slog.String("address", cfg.Server.Address),
			slog.String("database", cfg.Database.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}
