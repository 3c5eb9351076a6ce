package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dicom2mesh/config"
	"dicom2mesh/models"
	"dicom2mesh/pkg/log"
	"dicom2mesh/services"
	"dicom2mesh/strategy"
	"dicom2mesh/worker"
)

func main() {
	// Best effort: in containers the environment is injected directly.
	_ = godotenv.Load()

	cfg := config.Load()

	lvl := zap.NewAtomicLevelAt(zap.InfoLevel)
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger := log.InitLog(lvl)
	defer logger.Sync()
	zlog := logger.Sugar()

	zlog.Info("starting dicom2mesh conversion service")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// The status mirror is advisory, but a dead Redis at boot is almost
	// always a deployment mistake worth failing loudly on.
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		zlog.Fatalw("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
	}
	zlog.Info("connected to redis")

	jobSvc, err := services.NewJobService(cfg.DatabaseURL)
	if err != nil {
		zlog.Fatalw("failed to connect to database", "error", err)
	}
	defer jobSvc.Close()
	zlog.Info("connected to database")

	params, err := strategy.LoadParams(cfg.StrategyParams)
	if err != nil {
		zlog.Fatalw("failed to load strategy parameters", "path", cfg.StrategyParams, "error", err)
	}

	s3Svc := services.NewS3Service(cfg)
	statusCache := services.NewStatusCache(redisClient)
	factory := strategy.NewFactory(params)

	keys := func(job *models.ConversionJob) (string, string) {
		return services.MeshKey(job.DicomID, job.ID, job.FileFormat),
			services.PreviewKey(job.DicomID, job.ID)
	}

	pool := worker.NewPool(cfg, jobSvc, s3Svc, statusCache, factory, keys, zlog)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			pool.StartWorker(ctx, workerID)
		}(i)
	}

	zlog.Infow("conversion workers running",
		"workers", cfg.WorkerCount,
		"claim_interval", cfg.ClaimInterval,
		"job_timeout", cfg.JobTimeout,
		"timeout_policy", cfg.TimeoutPolicy,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	zlog.Info("shutdown signal received, stopping workers")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		zlog.Info("all workers stopped gracefully")
	case <-time.After(30 * time.Second):
		zlog.Warn("shutdown timeout, forcing exit")
	}

	redisClient.Close()
	zlog.Info("conversion service stopped")
}
