package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/richardliu001/feed-fanout/internal/config"
	"github.com/richardliu001/feed-fanout/internal/logger"
	"github.com/richardliu001/feed-fanout/internal/repo"
	"github.com/richardliu001/feed-fanout/internal/service"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/segmentio/kafka-go"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	path := os.Getenv("FANOUT_CONFIG")
	if path == "" {
		path = config.DefaultPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zl, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zl.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		zl.Fatalf("open postgres: %v", err)
	}

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.Hash{},
	}
	defer kw.Close()

	repository := repo.NewRepository(gdb, nil, kw, zl)
	if err := repository.Migrate(); err != nil {
		zl.Fatalf("auto-migrate: %v", err)
	}

	service.NewRedriver(repository, cfg.Redrive.Batch, cfg.Redrive.MaxAttempts, cfg.Redrive.Interval, zl).Run(ctx)
}
