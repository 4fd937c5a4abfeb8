package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/faceverify/internal/auth"
	"github.com/example/faceverify/internal/capture"
	"github.com/example/faceverify/internal/config"
	"github.com/example/faceverify/internal/detector"
	"github.com/example/faceverify/internal/handlers"
	"github.com/example/faceverify/internal/logging"
	"github.com/example/faceverify/internal/repository"
	"github.com/example/faceverify/internal/usecase"
	"github.com/example/faceverify/internal/verifyapi"
)

func main() {
	// Missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	tuning, err := config.LoadTuning(cfg.TuningFile)
	if err != nil {
		logger.Fatal("failed to load tuning", zap.Error(err), zap.String("path", cfg.TuningFile))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	repo, closeRepo := initRepository(ctx, cfg, logger)
	defer closeRepo()

	cache := initCache(ctx, cfg, logger)

	verifier, err := initVerifier(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to verification service", zap.Error(err))
	}
	defer verifier.Close()

	bridge := detector.NewBridge(cfg.FrameStaleAfter)
	manager := capture.NewManager(time.Duration(tuning.Timing.CaptureStabilization), nil, logger)

	uc := usecase.NewVerificationUseCase(usecase.Dependencies{
		Repo:     repo,
		Cache:    cache,
		Capture:  manager,
		Frames:   bridge,
		Verifier: verifier,
	}, buildSettings(cfg, tuning), logger)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	authMiddleware := auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	handlers.RegisterRoutes(r, uc, authMiddleware, logger)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("face verification API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("storage", cfg.StorageType),
		zap.String("cache", cfg.CacheType),
		zap.String("verify_transport", cfg.VerifyTransport),
	)
	serveErr := serveHTTPServer(server, cfg.ShutdownTimeout, logger)
	uc.Close()
	if serveErr != nil {
		logger.Fatal("server failed", zap.Error(serveErr))
	}
}

func buildSettings(cfg *config.Config, tuning config.Tuning) usecase.Settings {
	settings := usecase.DefaultSettings()
	settings.Quality = tuning.Quality
	settings.Liveness = tuning.Liveness
	settings.Timing = tuning.EngineTiming()
	settings.MaxAttempts = tuning.Session.MaxAttempts
	settings.MaxSilentRecoveries = tuning.Session.MaxSilentRecoveries
	settings.ConfidenceThreshold = tuning.Session.ConfidenceThreshold
	settings.RetryBaseDelay = time.Duration(tuning.Session.RetryBaseDelay)
	settings.ResultTTL = time.Duration(tuning.Session.ResultTTL)
	settings.LockoutThreshold = cfg.LockoutThreshold
	settings.LockoutWindow = cfg.LockoutWindow
	return settings
}

func initRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (usecase.SessionRepository, func()) {
	switch cfg.StorageType {
	case config.StorageSQLite:
		repo, err := repository.NewSQLite(cfg.SQLitePath, logger)
		if err != nil {
			logger.Fatal("failed to open sqlite store", zap.Error(err), zap.String("path", cfg.SQLitePath))
		}
		if err := repo.Ping(ctx); err != nil {
			logger.Fatal("sqlite ping failed", zap.Error(err))
		}
		return repo, func() {
			if err := repo.Close(); err != nil {
				logger.Warn("failed to close sqlite store", zap.Error(err))
			}
		}
	case config.StorageMemory:
		logger.Warn("using in-memory session store; records are lost on restart")
		return repository.NewMemory(), func() {}
	default:
		db := initDatabase(ctx, cfg.DatabaseDSN, logger)
		repo := repository.NewVerificationRepository(db, logger)
		if cfg.AutoMigrate {
			if err := repo.AutoMigrate(ctx); err != nil {
				logger.Fatal("auto migrate failed", zap.Error(err))
			}
		}
		return repo, func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) usecase.Cache {
	if cfg.CacheType == config.CacheMemory {
		logger.Warn("using in-memory cache; lockout ledger is per process")
		return usecase.NewMemoryCache()
	}
	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	return usecase.NewRedisCache(initRedis(redisCtx, cfg.RedisAddr, logger))
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func initVerifier(ctx context.Context, cfg *config.Config, logger *zap.Logger) (verifyapi.Client, error) {
	if cfg.VerifyTransport == config.TransportHTTP {
		return verifyapi.NewHTTPClient(cfg.VerifyAddr, cfg.VerifyTimeout, logger), nil
	}
	client, err := verifyapi.DialGRPC(ctx, cfg.VerifyAddr, cfg.VerifyTimeout, logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
