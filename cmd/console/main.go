package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/sdu-review-console/internal/audit"
	"github.com/xela07ax/sdu-review-console/internal/console/handler"
	"github.com/xela07ax/sdu-review-console/internal/console/server"
	"github.com/xela07ax/sdu-review-console/internal/console/service"
	"github.com/xela07ax/sdu-review-console/internal/events"
	"github.com/xela07ax/sdu-review-console/internal/infra"
	"github.com/xela07ax/sdu-review-console/internal/infra/auth"
	"github.com/xela07ax/sdu-review-console/internal/repository/postgres"
	"github.com/xela07ax/sdu-review-console/internal/workflow"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "console",
		Short:         "SDU review console API",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to config file (default: $CONFIG_PATH, ./config.yaml or ./configs/config.yaml)")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(configPath string) error {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Database.URL == "" {
		return errors.New("database.url (DATABASE_URL) is required")
	}
	privateKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse RSA private key: %w", err)
	}

	// Контекст жизненного цикла фоновых горутин; cancel по SIGTERM
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура: Postgres, Redis, метрики
	pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
	repo, err := postgres.NewRepo(pingCtx, cfg.Database)
	if err == nil {
		err = repo.Ping(pingCtx)
	}
	pingCancel()
	if err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	defer repo.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(appCtx).Err(); err != nil {
		// Без Redis переходы работают, теряются только живые обновления экранов
		logger.Warn("redis unreachable, status events will not be delivered", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := infra.NewMetrics(reg)

	// 3. Журнал аудита: пишется пачками в audit_logs
	trail := audit.NewTrail(repo, logger, audit.Options{
		BufferSize:    cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		BufferFill:    metrics.AuditBufferFill,
	})
	trail.Start()

	// 4. Движок переходов с политикой ревьюеров из конфига
	policy, err := workflow.DefaultPolicy().WithOverrides(cfg.Workflow.Reviewers)
	if err != nil {
		return fmt.Errorf("invalid workflow.reviewers: %w", err)
	}
	engine := workflow.NewEngine(policy)

	// 5. Сервисы и обработчики (Dependency Injection)
	authService := service.NewAuthService(repo, privateKey, cfg.Auth.TokenTTL)
	reviewService := service.NewReviewService(repo, engine, events.NewRedisPublisher(rdb), trail, logger,
		service.ReviewOptions{AutoAccredit: cfg.Workflow.AutoAccredit, Metrics: metrics})

	srvHandler := server.NewConsoleServer(logger, authService, metrics, reg, server.Handlers{
		Auth:      handler.NewAuthHandler(authService, logger),
		Review:    handler.NewReviewHandler(reviewService, logger),
		Dashboard: handler.NewDashboardHandler(service.NewDashboardService(repo)),
		Audit:     handler.NewAuditHandler(service.NewAuditService(repo)),
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srvHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 6. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-stop // Ждем сигнал
	logger.Info("console API stopping...")
	cancel()

	// Даем 10 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	// Сначала HTTP (новые события не приходят), потом дренаж журнала
	trail.Stop()
	logger.Info("console API exited properly")
	return nil
}
