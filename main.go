package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/wastesense/internal/auth"
	"github.com/example/wastesense/internal/catalog"
	"github.com/example/wastesense/internal/classifier"
	"github.com/example/wastesense/internal/config"
	"github.com/example/wastesense/internal/handlers"
	"github.com/example/wastesense/internal/logging"
	"github.com/example/wastesense/internal/repository"
	"github.com/example/wastesense/internal/usecase"
	"github.com/example/wastesense/internal/verifier"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:           "wastesense",
		Short:         "Waste classification and disposal verification service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional .env file loaded before the environment")

	loadConfig := func() (*config.Config, error) {
		return config.Load(envFile)
	}
	root.AddCommand(
		newServeCmd(loadConfig),
		newVerifyCmd(loadConfig),
		newBinsCmd(loadConfig),
		newScanCmd(loadConfig),
		newStatsCmd(loadConfig),
		newHeatmapCmd(loadConfig),
		newExportCmd(loadConfig),
	)
	return root
}

func newServeCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, 15*time.Second)
	defer cancel()

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewScanRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)

	client, closeClient, err := newClassifier(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to set up classifier", zap.Error(err))
	}
	defer closeClient() //nolint:errcheck

	cache := usecase.NewRedisCache(redisClient)
	v := verifier.New(verifier.Config{ViolationRadiusMeters: cfg.ViolationRadiusMeters})
	uc := usecase.NewScanUseCase(repo, cache, client, catalog.NewProvider(), v, logger)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(uc, cfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("wastesense API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("classifier", classifierTarget(cfg)),
		zap.Float64("violation_radius_m", v.Radius()))
	return serveHTTPServer(server, cfg.ShutdownTimeout, logger)
}

// newRouter builds the HTTP surface around uc.
func newRouter(uc *usecase.ScanUseCase, cfg *config.Config, logger *zap.Logger) *gin.Engine {
	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, uc, auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience), handlers.Options{
		SessionSecret:    cfg.SessionSecret,
		DefaultMode:      cfg.DefaultMode,
		CORSOrigins:      cfg.CORSOrigins,
		ClassifierTarget: classifierTarget(cfg),
		Logger:           logger,
	})
	return r
}

// newClassifier connects the configured transport. The returned func closes
// any underlying connection.
func newClassifier(ctx context.Context, cfg *config.Config, logger *zap.Logger) (classifier.Client, func() error, error) {
	if cfg.ClassifierTransport == config.TransportGRPC {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, conn, err := classifier.DialGRPC(dialCtx, cfg.ClassifierGRPCAddr, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, conn.Close, nil
	}
	client := classifier.NewHTTPClient(cfg.ClassifierURL, cfg.ClassifierTimeout, nil, logger)
	return client, func() error { return nil }, nil
}

func classifierTarget(cfg *config.Config) string {
	if cfg.ClassifierTransport == config.TransportGRPC {
		return "grpc://" + cfg.ClassifierGRPCAddr
	}
	return cfg.ClassifierURL
}

func openDatabase(ctx context.Context, dsn string, level gormlogger.LogLevel) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping: %w", err)
	}
	return db, nil
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := openDatabase(ctx, dsn, gormlogger.Warn)
	if err != nil {
		zapLogger.Fatal("database unavailable", zap.Error(err))
	}
	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
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

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

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
