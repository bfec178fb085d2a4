package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/survey-platform/internal/config"
	"github.com/ignite/survey-platform/internal/jobs"
	"github.com/ignite/survey-platform/internal/pkg/distlock"
	"github.com/ignite/survey-platform/internal/population"
	"github.com/ignite/survey-platform/internal/storage"
	"github.com/ignite/survey-platform/internal/worker"
)

func main() {
	log.Println("Starting survey pipeline worker...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxIdleTime(time.Duration(cfg.Database.ConnMaxIdleMins) * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Printf("Redis unavailable, progress snapshots disabled: %v", err)
			redisClient = nil
		} else {
			log.Println("Connected to Redis")
		}
	}

	files, err := storage.New(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to init file storage: %v", err)
	}

	store := population.NewStore(db)
	queue := jobs.NewQueue(db, redisClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Recovery scanner, guarded so only one process scans at a time.
	lock := distlock.New(redisClient, db, "jobs:recovery", cfg.Jobs.RecoveryInterval())
	recovery := jobs.NewRecoveryScanner(db, lock, cfg.Jobs.RecoveryInterval(), cfg.Jobs.StaleAge())
	go recovery.Start(ctx)

	runner := worker.NewRunner(queue, store, files,
		worker.NewUploadPipeline(files, store),
		worker.NewSegmentationPipeline(store),
		worker.Options{
			UploadWorkers:       cfg.Jobs.UploadWorkers,
			SegmentationWorkers: cfg.Jobs.SegmentationWorkers,
			PollInterval:        cfg.Jobs.PollInterval(),
			HeartbeatInterval:   cfg.Jobs.Heartbeat(),
		})

	done := make(chan error, 1)
	go func() { done <- runner.Start(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()
	<-done
	log.Println("Worker stopped")
}
