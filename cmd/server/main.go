package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inboxd/internal/app"
	"inboxd/internal/config"
	"inboxd/internal/health"
	"inboxd/internal/logger"
	"inboxd/internal/monitoring"
	"inboxd/internal/pool"
	"inboxd/internal/service"
	"inboxd/internal/smtp"
	"inboxd/internal/storage/redis"
	httptransport "inboxd/internal/transport/http"
	"inboxd/internal/websocket"
)

// version 构建时通过 -ldflags "-X main.version=..." 覆盖
var version = "dev"

const (
	statsInterval = 30 * time.Second
	// 关闭时等待后置分发队列排空的上限
	poolDrainTimeout = 10 * time.Second
)

// main 启动 HTTP API，启用时同时启动 SMTP 接收服务
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "inboxd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logs, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logs.Logger
	defer log.Sync()

	log.Info("starting inboxd",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.String("config_file", cfg.ConfigFile()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	metrics := monitoring.NewMetrics()
	a.Messages.SetMetrics(metrics)

	// 后置分发
	workers := pool.NewWorkerPool(cfg.Dispatch.Workers, cfg.Dispatch.QueueSize, log)
	dispatcher := service.NewSorterDispatcher(workers, a.Registry, a.Store, cfg.Storage.BaseDir, log.Named("dispatch"))
	dispatcher.SetMetrics(metrics)
	a.Messages.SetDispatcher(dispatcher)

	// 实时通知
	hub := websocket.NewHub(cfg.CORS.AllowedOrigins, log.Named("ws"))
	hub.SetMetrics(metrics)
	a.Messages.AddNotifier(hub)

	checker := health.NewChecker(version, log)
	checker.AddCritical("database", func(context.Context) error { return a.Store.Health() })
	checker.AddCritical("filesystem", func(context.Context) error { return a.Envelopes.Health() })

	if cfg.Redis.Enabled {
		rdb, err := redis.New(cfg.Redis, log.Named("redis"))
		if err != nil {
			// Redis 只用于转发通知，不可用时继续运行
			log.Warn("redis notifier disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			a.Messages.AddNotifier(rdb)
			checker.AddOptional("redis", rdb.Ping)
		}
	}

	cfg.Watch(log, func(next *config.Config) {
		if err := a.Registry.Update(next); err != nil {
			log.Warn("type registry reload rejected", zap.Error(err))
			return
		}
		logs.SetLevel(next.Log.Level)
	})

	router, err := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		MessageService: a.Messages,
		TagService:     a.Tags,
		APIKeyService:  a.APIKeys,
		WebSocketHub:   hub,
		Health:         checker,
		Metrics:        metrics,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.SMTP.Enabled {
		backend := smtp.NewBackend(cfg.SMTP, a.Messages, log.Named("smtp"))
		backend.SetMetrics(metrics)
		smtpServer := smtp.NewServer(cfg.SMTP, backend)

		group.Go(func() error {
			log.Info("starting SMTP server",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.SMTP.Domain),
			)
			if err := smtpServer.ListenAndServe(); !smtp.IsClosed(err) {
				return fmt.Errorf("smtp server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			if err := smtpServer.Close(); err != nil {
				log.Warn("SMTP server close warning", zap.Error(err))
			}
			return nil
		})
	}

	group.Go(func() error {
		workers.Start(groupCtx)
		<-groupCtx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), poolDrainTimeout)
		defer cancel()
		if err := workers.Shutdown(drainCtx); err != nil {
			log.Warn("dispatch queue not fully drained", zap.Error(err))
		}
		return nil
	})

	group.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})

	// 定时刷新条目数量指标
	group.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			if _, err := a.Messages.Stats(groupCtx); err != nil && groupCtx.Err() == nil {
				log.Warn("failed to refresh message stats", zap.Error(err))
			}
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	// 优雅关闭
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
		return err
	}

	log.Info("server exited cleanly")
	return nil
}
