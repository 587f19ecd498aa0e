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

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/richardliu001/feed-fanout/internal/config"
	"github.com/richardliu001/feed-fanout/internal/logger"
	"github.com/richardliu001/feed-fanout/internal/repo"
	"github.com/richardliu001/feed-fanout/internal/service"
	httptransport "github.com/richardliu001/feed-fanout/internal/transport/http"
	kafkatransport "github.com/richardliu001/feed-fanout/internal/transport/kafka"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("run: %v", err)
	}
}

// run wires the service and blocks until shutdown. Deferred closes run before main exits.
func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 1. load config
	path := os.Getenv("FANOUT_CONFIG")
	if path == "" {
		path = config.DefaultPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. init logger
	zl, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer zl.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}

	// 4. redis, optional
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	// 5. repo & service
	repository := repo.NewRepository(gdb, rdb, nil, zl)
	if err := repository.Migrate(); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	f := cfg.Fanout
	policy := service.RetryPolicy{MaxRetries: *f.MaxRetries, Base: f.BackoffBase, Cap: f.BackoffCap}
	resolver := service.NewResolver(repository, repository, service.ResolverConfig{
		PageSize: f.PageSize,
		CacheTTL: f.FollowerCacheTTL,
		Retry:    policy,
	}, zl)
	writer := service.NewWriter(repository, service.WriterConfig{
		BatchSize:   f.BatchSize,
		Concurrency: f.WriteConcurrency,
		Retry:       policy,
		WriteRPS:    f.WriteRPS,
		WriteBurst:  f.WriteBurst,
	}, zl)
	svc := service.NewFanoutService(resolver, writer, service.Config{
		Workers:       f.Workers,
		RecordTimeout: f.RecordTimeout,
	}, zl)

	// 6. kafka consumer
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Kafka.Brokers,
		GroupID:  cfg.Kafka.GroupID,
		Topic:    cfg.Kafka.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()
	consumer := kafkatransport.NewConsumer(reader, svc, repository, cfg.Kafka.BatchSize, cfg.Kafka.BatchLinger, cfg.Kafka.DrainTimeout, zl)

	// 7. gin router
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: httptransport.NewRouter(svc, repository, cfg.RateLimit, zl),
	}

	// 8. run
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zl.Infof("feed-fanout listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		downCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(downCtx); err != nil {
			zl.Errorf("shutdown server: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		return consumer.Run(gCtx)
	})

	if err := g.Wait(); err != nil {
		zl.Errorw("feed-fanout stopped with error", "err", err)
		return err
	}
	zl.Info("feed-fanout stopped")
	return nil
}
