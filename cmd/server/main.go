package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"hotspot/portal/internal/config"
	"hotspot/portal/internal/controller"
	"hotspot/portal/internal/db"
	"hotspot/portal/internal/ephemeral"
	"hotspot/portal/internal/events"
	portalgrpc "hotspot/portal/internal/grpc"
	"hotspot/portal/internal/guest"
	internalhttp "hotspot/portal/internal/http"
	"hotspot/portal/internal/jobs"
	"hotspot/portal/internal/logging"
	"hotspot/portal/internal/mail"
	"hotspot/portal/internal/metrics"
	"hotspot/portal/internal/oidc"
	"hotspot/portal/internal/ratelimit"
	"hotspot/portal/internal/repository"
	"hotspot/portal/internal/retry"
	"hotspot/portal/internal/secrets"
	"hotspot/portal/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.ServiceName)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}
	defer pool.Close()
	if cfg.AutoMigrate {
		if err := db.ApplySchema(ctx, pool); err != nil {
			logger.Fatal("schema apply failed", zap.Error(err))
		}
	}
	repo := repository.NewStore(pool)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Fatal("redis ping failed", zap.Error(err))
	}
	cancel()
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close error", zap.Error(err))
		}
	}()

	m := metrics.New(prometheus.DefaultRegisterer)
	store := ephemeral.NewRedisStore(redisClient)
	sessions := session.NewManager(store, repo, cfg.SessionTTL, logger)
	recorder := events.NewRecorder(repo, logger, m)
	queue := mail.NewStreamQueue(redisClient, cfg.MailStream)

	controllerOpts := controller.DefaultOptions()
	controllerOpts.Timeout = cfg.ControllerTimeout
	controllerOpts.Lookup = retry.Policy{InitialInterval: cfg.ControllerRetryBase, MaxInterval: cfg.ControllerRetryMax, Jitter: 0.2, MaxAttempts: cfg.ControllerLookupAttempts}
	controllerOpts.Action = retry.Policy{InitialInterval: cfg.ControllerRetryBase, MaxInterval: cfg.ControllerRetryMax, Jitter: 0.2, MaxAttempts: cfg.ControllerActionAttempts}
	controllerOpts.Budget = cfg.ControllerBudget
	controllerOpts.RatePerSecond = cfg.ControllerRatePerSecond
	controllerOpts.Burst = cfg.ControllerRateBurst
	controllerOpts.SkipVerify = cfg.ControllerSkipVerify

	service := guest.NewService(guest.Config{
		BaseURL:        cfg.BaseURL,
		SecretKey:      cfg.SecretKey,
		OTPTTL:         cfg.OTPTTL,
		OTPMaxAttempts: cfg.OTPMaxAttempts,
		OIDCStateTTL:   cfg.OIDCStateTTL,
		VoucherRate:    guest.Rate{Window: cfg.VoucherRateWindow, Max: cfg.VoucherRateMax},
		OTPStartRate:   guest.Rate{Window: cfg.OTPStartRateWindow, Max: cfg.OTPStartRateMax},
		OTPVerifyRate:  guest.Rate{Window: cfg.OTPVerifyRateWindow, Max: cfg.OTPVerifyRateMax},
	}, guest.Deps{
		Repo:       repo,
		Sessions:   sessions,
		Store:      store,
		Limiter:    ratelimit.New(store),
		Controller: controller.NewClient(controllerOpts, logger, m),
		Events:     recorder,
		Mail:       queue,
		OIDC:       oidc.NewClient(cfg.OIDCHTTPTimeout, logger),
		Secrets:    secrets.NewEnvResolver(),
		Logger:     logger,
		Metrics:    m,
	})

	server := internalhttp.NewServer(service, cfg.BaseURL, logger, map[string]internalhttp.Pinger{
		"postgres": repo,
		"redis":    store,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	consumer, err := os.Hostname()
	if err != nil || consumer == "" {
		consumer = cfg.ServiceName
	}
	worker := mail.NewWorker(redisClient, mail.WorkerConfig{
		Stream:    cfg.MailStream,
		Group:     cfg.MailConsumerGroup,
		Consumer:  consumer,
		Block:     cfg.MailBlockTimeout,
		FromName:  cfg.SMTPFromName,
		FromEmail: cfg.SMTPFromEmail,
	}, mail.NewSMTPSender(mail.SMTPConfig{
		Host:      cfg.SMTPHost,
		Port:      cfg.SMTPPort,
		Username:  cfg.SMTPUsername,
		Password:  cfg.SMTPPassword,
		FromEmail: cfg.SMTPFromEmail,
	}), logger, m)
	mailDone := jobs.StartMailWorker(ctx, cfg, worker, logger)
	jobs.StartSessionExpiryJob(ctx, cfg, repo, logger, m)

	monitor := portalgrpc.NewHealthMonitor(map[string]portalgrpc.Pinger{
		"postgres": repo,
		"redis":    store,
	}, 10*time.Second, logger)
	go monitor.Run(ctx)

	go func() {
		logger.Info("portal http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	var grpcServer *grpc.Server
	if cfg.ServiceAuthToken == "" {
		logger.Warn("grpc server disabled: SERVICE_AUTH_TOKEN not set")
	} else {
		grpcServer, err = portalgrpc.NewServer(cfg.ServiceAuthToken, monitor, logger)
		if err != nil {
			logger.Fatal("grpc server init failed", zap.Error(err))
		}
		go func() {
			listener, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				logger.Fatal("grpc listen error", zap.Error(err))
			}
			logger.Info("portal grpc listening", zap.String("addr", cfg.GRPCAddr))
			if err := grpcServer.Serve(listener); err != nil {
				logger.Fatal("grpc server error", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	monitor.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	select {
	case <-mailDone:
	case <-shutdownCtx.Done():
		logger.Warn("mail worker did not stop before shutdown deadline")
	}
}
