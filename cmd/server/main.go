package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"avatar-cache/internal/config"
	"avatar-cache/internal/directory"
	"avatar-cache/internal/events"
	apphttp "avatar-cache/internal/http"
	"avatar-cache/internal/metrics"
	"avatar-cache/internal/repository"
	"avatar-cache/internal/repository/mongo"
	"avatar-cache/internal/repository/sqlite"
	"avatar-cache/internal/service"
	"avatar-cache/internal/storage"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}
	configureLogger(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	userRepo, err := buildRepository(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup repository: %v", err)
	}
	defer userRepo.Close()

	if err := userRepo.Init(ctx); err != nil {
		logger.Fatalf("init user repository: %v", err)
	}

	avatarStore, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}

	dirClient, err := directory.NewClient(directory.Config{
		BaseURL: cfg.Directory.BaseURL,
		APIKey:  cfg.Directory.APIKey,
		Timeout: cfg.Directory.Timeout,
	})
	if err != nil {
		logger.Fatalf("setup directory client: %v", err)
	}

	// starts even when the broker is down; publishes redial
	publisher := events.NewRabbitPublisher(cfg.AMQP.URL, cfg.AMQP.Queue, logger)

	m := metrics.New()
	dispatcher := events.NewDispatcher(publisher, events.DispatcherConfig{
		MaxConcurrent: cfg.Notify.MaxConcurrent,
		Logger:        logger,
		Metrics:       m,
	})

	avatarService := service.NewAvatarService(dirClient, userRepo, avatarStore, service.AvatarOptions{
		UserLocking: cfg.Cache.UserLocking,
		Logger:      logger,
		Metrics:     m,
	})
	userService := service.NewUserService(userRepo, avatarService, dirClient, dispatcher, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(userService, avatarService, apphttp.Options{
		JWTSecret:   cfg.Auth.JWTSecret,
		CreateRPS:   cfg.RateLimit.CreateRPS,
		CreateBurst: cfg.RateLimit.CreateBurst,
		Metrics:     m,
		Logger:      logger,
	})
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	dispatcher.Shutdown()

	logger.Info("bye")
}

func configureLogger(logger *logrus.Logger, cfg config.Config) {
	if cfg.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

func buildRepository(ctx context.Context, cfg config.Config, logger *logrus.Logger) (repository.UserRepository, error) {
	switch cfg.Database.Driver {
	case "mongo":
		db, err := mongo.Connect(ctx, mongo.Config{
			URI:      cfg.Database.MongoURI,
			Database: cfg.Database.MongoDB,
		})
		if err != nil {
			return nil, err
		}
		logger.Infof("using mongo database %s", cfg.Database.MongoDB)
		return mongo.NewUserRepository(db), nil
	default:
		db, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		logger.Infof("using sqlite database %s", cfg.Database.Path)
		return sqlite.NewUserRepository(db), nil
	}
}

func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.AvatarStore, error) {
	switch cfg.Cache.Backend {
	case "s3":
		return buildS3Storage(ctx, cfg, logger)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
		store, err := storage.NewRedisStore(client, cfg.Redis.KeyPrefix)
		if err != nil {
			return nil, err
		}
		logger.Infof("caching avatars in redis %s (db %d)", cfg.Redis.Addr, cfg.Redis.DB)
		return store, nil
	default:
		store, err := storage.NewDiskStore(cfg.Cache.Dir)
		if err != nil {
			return nil, err
		}
		logger.Infof("caching avatars in %s", store.Dir())
		return store, nil
	}
}

func buildS3Storage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.AvatarStore, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	store, err := storage.NewS3Store(client, storage.S3Options{
		Bucket:    cfg.Storage.Bucket,
		KeyPrefix: cfg.Storage.KeyPrefix,
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("caching avatars in s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return store, nil
}
